package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/sisyphus-wfm/sisyphus/pkg/graph"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
)

func TestCollector_UpdateSetsGaugePerStatus(t *testing.T) {
	reg := job.NewRegistry()
	j := reg.Build(job.Spec{ModulePath: "task/test", ClassName: "A", Kwargs: nil})

	b := &graph.Buckets{ByStatus: map[graph.Status][]*job.Job{
		graph.StatusRunnable: {j},
	}}

	c := NewCollector(nil)
	c.Update(b)

	assert.Equal(t, float64(1), testutil.ToFloat64(JobsTotal.WithLabelValues(string(graph.StatusRunnable))))
	assert.Equal(t, float64(0), testutil.ToFloat64(JobsTotal.WithLabelValues(string(graph.StatusFinished))))
}

func TestCollector_StartStopDoesNotPanicWithNilSnapshot(t *testing.T) {
	c := NewCollector(nil)
	c.Start(time.Hour)
	c.Stop()
}
