package graph

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

func buildLeaf(r *job.Registry, name string) *job.Job {
	return r.Build(job.Spec{
		ModulePath: "task/test",
		ClassName:  name,
		Kwargs:     value.Map{},
		Constructor: func(j *job.Job) {
			j.RegisterOutput("out", "out")
		},
	})
}

func TestForAllNodes_VisitsEachJobOnce(t *testing.T) {
	r := job.NewRegistry()
	leaf := buildLeaf(r, "Leaf")
	mid := r.Build(job.Spec{
		ModulePath: "task/test",
		ClassName:  "Mid",
		Kwargs:     value.Map{{Key: value.Str("in"), Val: leaf.Output("out")}},
		Constructor: func(j *job.Job) { j.RegisterOutput("out", "out") },
	})
	top := r.Build(job.Spec{
		ModulePath: "task/test",
		ClassName:  "Top",
		Kwargs: value.Map{
			{Key: value.Str("a"), Val: mid.Output("out")},
			{Key: value.Str("b"), Val: leaf.Output("out")}, // diamond: leaf reached twice
		},
		Constructor: func(j *job.Job) { j.RegisterOutput("out", "out") },
	})

	g := New()
	g.AddTarget(&OutputPath{TargetName: "t", Path: top.Output("out")})

	var mu sync.Mutex
	visits := map[*job.Job]int{}
	g.ForAllNodes(4, false, func(j *job.Job) bool {
		mu.Lock()
		visits[j]++
		mu.Unlock()
		return true
	})

	assert.Equal(t, 1, visits[leaf])
	assert.Equal(t, 1, visits[mid])
	assert.Equal(t, 1, visits[top])
}

func TestForAllNodes_TopDownStopsExpansionWhenFalse(t *testing.T) {
	r := job.NewRegistry()
	leaf := buildLeaf(r, "Leaf2")
	top := r.Build(job.Spec{
		ModulePath:  "task/test",
		ClassName:   "Top2",
		Kwargs:      value.Map{{Key: value.Str("a"), Val: leaf.Output("out")}},
		Constructor: func(j *job.Job) { j.RegisterOutput("out", "out") },
	})
	g := New()
	g.AddTarget(&OutputPath{TargetName: "t", Path: top.Output("out")})

	var mu sync.Mutex
	visited := map[*job.Job]bool{}
	g.ForAllNodes(2, false, func(j *job.Job) bool {
		mu.Lock()
		visited[j] = true
		mu.Unlock()
		return false // never expand
	})
	assert.True(t, visited[top])
	assert.False(t, visited[leaf], "leaf must not be visited when f returns false")
}

func TestWorstStatus_PriorityOrder(t *testing.T) {
	assert.Equal(t, StatusError, WorstStatus([]Status{StatusFinished, StatusRunning, StatusError}))
	assert.Equal(t, StatusInterrupted, WorstStatus([]Status{StatusRunning, StatusInterrupted, StatusFinished}))
	assert.Equal(t, StatusFinished, WorstStatus([]Status{StatusFinished, StatusFinished}))
}

type fakeMarkers struct{}

func (fakeMarkers) FinishMarkerAged(*job.Job, string, int) bool  { return false }
func (fakeMarkers) ErrorMarker(*job.Job, string, int) bool       { return false }
func (fakeMarkers) Started(*job.Job, string, int) bool           { return false }
func (fakeMarkers) UsageRecent(*job.Job, string, int) bool        { return false }
func (fakeMarkers) SubmitHistoryCount(*job.Job, string, int) int { return 0 }

func TestGetJobsByStatus_RunnableWhenInputsReadyButNotSetUp(t *testing.T) {
	r := job.NewRegistry()
	leaf := buildLeaf(r, "Leaf3")
	g := New()
	g.AddTarget(&OutputPath{TargetName: "t", Path: leaf.Output("out")})

	alwaysTrue := func(string) bool { return true }
	b := GetJobsByStatus(g, 2, alwaysTrue, nil, fakeMarkers{}, 3)
	assert.Contains(t, b.ByStatus[StatusRunnable], leaf)
	assert.Contains(t, b.InputPath, leaf)
}

func TestForAllNodes_DynamicInputExpansionVisitsNewCreator(t *testing.T) {
	r := job.NewRegistry()
	extra := buildLeaf(r, "Extra")
	dynamic := r.Build(job.Spec{
		ModulePath:  "task/test",
		ClassName:   "Dynamic",
		Kwargs:      value.Map{},
		Constructor: func(j *job.Job) { j.RegisterOutput("out", "out") },
	})
	called := false
	dynamic.SetDynamicUpdate(func() ([]*job.Path, bool) {
		if called {
			return nil, false
		}
		called = true
		return []*job.Path{extra.Output("out")}, true
	})

	g := New()
	g.AddTarget(&OutputPath{TargetName: "t", Path: dynamic.Output("out")})

	var mu sync.Mutex
	visited := map[*job.Job]bool{}
	g.ForAllNodes(4, false, func(j *job.Job) bool {
		if dj, ok := interface{}(j).(DynamicJob); ok {
			dj.UpdateInputs()
		}
		mu.Lock()
		visited[j] = true
		mu.Unlock()
		return true
	})

	assert.True(t, visited[extra], "a newly-discovered input's creator must be visited in the same traversal")
	assert.Contains(t, dynamic.Inputs(), extra.Output("out"))
}

func TestGetJobsByStatus_DynamicExpansionReclassifiesWaiting(t *testing.T) {
	r := job.NewRegistry()
	ext := job.NewPath("external/pending.txt")
	dynamic := r.Build(job.Spec{
		ModulePath:  "task/test",
		ClassName:   "Dynamic2",
		Kwargs:      value.Map{},
		Constructor: func(j *job.Job) { j.RegisterOutput("out", "out") },
	})
	dynamic.SetDynamicUpdate(func() ([]*job.Path, bool) {
		return []*job.Path{ext}, true
	})

	g := New()
	g.AddTarget(&OutputPath{TargetName: "t", Path: dynamic.Output("out")})

	neverAvailable := func(path string) bool { return path != ext.RelPath }
	b := GetJobsByStatus(g, 2, neverAvailable, nil, fakeMarkers{}, 3)

	assert.Contains(t, b.ByStatus[StatusWaiting], dynamic)
	assert.Contains(t, dynamic.Inputs(), ext)
}

func TestGetJobsByStatus_WaitingWhenInputMissing(t *testing.T) {
	r := job.NewRegistry()
	ext := job.NewPath("external/missing.txt")
	leaf := r.Build(job.Spec{
		ModulePath:  "task/test",
		ClassName:   "Leaf4",
		Kwargs:      value.Map{{Key: value.Str("in"), Val: ext}},
		Constructor: func(j *job.Job) { j.RegisterOutput("out", "out") },
	})
	g := New()
	g.AddTarget(&OutputPath{TargetName: "t", Path: leaf.Output("out")})

	alwaysFalse := func(string) bool { return false }
	b := GetJobsByStatus(g, 2, alwaysFalse, nil, fakeMarkers{}, 3)
	assert.Contains(t, b.ByStatus[StatusWaiting], leaf)
	assert.Contains(t, b.InputMissing, leaf)
}
