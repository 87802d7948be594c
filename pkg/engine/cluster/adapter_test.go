package cluster

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisyphus-wfm/sisyphus/pkg/engine"
)

type fakeRunner struct {
	calls  int32
	submit []byte
	queue  []byte
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, argv []string, timeout time.Duration) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	if argv[0] == "squeue" || argv[0] == "qstat" || (len(argv) > 1 && argv[1] == "batch" && argv[2] == "list-jobs") {
		return f.queue, nil
	}
	return f.submit, nil
}

func TestAWSBatch_FailedPreservesUnknownNotQueueError(t *testing.T) {
	q, r, qe := AWSBatch{}.NormalizeState("FAILED")
	assert.False(t, q)
	assert.False(t, r)
	assert.False(t, qe, "Open Question (b): FAILED must stay unknown, not queue-error")
}

func TestLSF_RejectsMultiNode(t *testing.T) {
	_, err := LSF{}.BuildSubmitCommand(engine.Call{Rqmt: map[string]float64{"multi_node_slots": 2}})
	assert.Error(t, err)
}

func TestSlurm_ParseQueue(t *testing.T) {
	out := []byte("myjob_1 123_1 R\nmyjob_2 123_2 PD\n")
	states, err := Slurm{}.ParseQueue(out)
	require.NoError(t, err)
	q, r, _ := Slurm{}.NormalizeState(states[InstanceKey{TaskName: "myjob_1", TaskID: 1}])
	assert.True(t, r)
	q2, _, _ := Slurm{}.NormalizeState(states[InstanceKey{TaskName: "myjob_2", TaskID: 2}])
	assert.True(t, q2)
	_ = q
}

func TestAdapter_CachesQueueWithinTTL(t *testing.T) {
	runner := &fakeRunner{queue: []byte("myjob 1_1 R\n")}
	adapter := NewAdapter(Slurm{}, runner)
	adapter.CacheTTL = time.Hour

	adapter.TaskState("myjob", 1)
	adapter.TaskState("myjob", 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runner.calls), "second call within TTL must not re-invoke the backend")
}

func TestAdapter_ResetCacheForcesReparse(t *testing.T) {
	runner := &fakeRunner{queue: []byte("myjob 1_1 R\n")}
	adapter := NewAdapter(Slurm{}, runner)
	adapter.CacheTTL = time.Hour

	adapter.TaskState("myjob", 1)
	adapter.ResetCache()
	adapter.TaskState("myjob", 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runner.calls))
}

func TestAdapter_RetriesOnFailureThenGivesUp(t *testing.T) {
	runner := &fakeRunner{err: assertErr{}}
	adapter := NewAdapter(Slurm{}, runner)
	adapter.Retries = 2
	_, err := adapter.SubmitCall(context.Background(), engine.Call{Command: []string{"true"}})
	assert.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&runner.calls), "1 initial attempt + 2 retries")
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
