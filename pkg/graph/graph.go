package graph

import (
	"sync"

	"github.com/sisyphus-wfm/sisyphus/pkg/job"
)

// Status is a job's coarse classification within a single traversal.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusRunnable    Status = "runnable"
	StatusRunning     Status = "running"
	StatusQueued      Status = "queued"
	StatusInterrupted Status = "interrupted"
	StatusError       Status = "error"
	StatusFinished    Status = "finished"
	StatusQueueError  Status = "queue-error"
	StatusRetryError  Status = "retry-error"
	StatusUnknown     Status = "unknown"
)

// taskStatePriority ranks statuses worst-first, the order §4.7 prescribes
// for reducing a task's per-instance states to one task-level state:
// error > queue-error > interrupted > runnable > queue > running >
// retry-error > finished.
var taskStatePriority = map[Status]int{
	StatusError:       0,
	StatusQueueError:  1,
	StatusInterrupted: 2,
	StatusRunnable:    3,
	StatusQueued:      4,
	StatusRunning:     5,
	StatusRetryError:  6,
	StatusFinished:    7,
}

// WorstStatus returns the highest-priority (worst) status among states,
// per the priority table above.
func WorstStatus(states []Status) Status {
	best := StatusFinished
	bestRank := taskStatePriority[best]
	for _, s := range states {
		if rank, ok := taskStatePriority[s]; ok && rank < bestRank {
			best, bestRank = s, rank
		}
	}
	return best
}

// Graph is the set of output targets and the jobs reachable from them.
type Graph struct {
	mu      sync.Mutex
	targets []Target
}

// New returns an empty Graph.
func New() *Graph { return &Graph{} }

// AddTarget registers an output target. Called by the config layer.
func (g *Graph) AddTarget(t Target) {
	g.mu.Lock()
	g.targets = append(g.targets, t)
	g.mu.Unlock()
}

// Targets returns every registered target.
func (g *Graph) Targets() []Target {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Target(nil), g.targets...)
}

// ActiveTargets returns the targets not yet done.
func (g *Graph) ActiveTargets(stat func(string) bool) []Target {
	var active []Target
	for _, t := range g.Targets() {
		if !t.Done(stat) {
			active = append(active, t)
		}
	}
	return active
}

// roots returns the distinct jobs each target's required Paths were
// produced by (nil creators, i.e. external inputs, are skipped).
func (g *Graph) roots() []*job.Job {
	seen := map[*job.Job]bool{}
	var out []*job.Job
	for _, t := range g.Targets() {
		for _, p := range t.Required() {
			if p.Creator != nil && !seen[p.Creator] {
				seen[p.Creator] = true
				out = append(out, p.Creator)
			}
		}
	}
	return out
}

// ForAllNodes performs a concurrent, memoized traversal of the job DAG
// rooted at the graph's targets, fanning work out across `workers`
// goroutines. Each job is visited at most once. In top-down mode (the
// default) a job's inputs are only expanded when f(job) returns true; in
// bottom-up mode every reachable job is expanded unconditionally and f is
// applied after its inputs have been visited.
func (g *Graph) ForAllNodes(workers int, bottomUp bool, f func(*job.Job) bool) {
	if workers <= 0 {
		workers = 1
	}
	var (
		mu      sync.Mutex
		visited = map[*job.Job]bool{}
		wg      sync.WaitGroup
		sem     = make(chan struct{}, workers)
	)

	var visit func(j *job.Job)
	visit = func(j *job.Job) {
		defer wg.Done()
		sem <- struct{}{}
		defer func() { <-sem }()

		mu.Lock()
		if visited[j] {
			mu.Unlock()
			return
		}
		visited[j] = true
		mu.Unlock()

		if bottomUp {
			<-sem // release the slot while waiting on inputs
			var inputs sync.WaitGroup
			for _, p := range j.Inputs() {
				if p.Creator != nil {
					wg.Add(1)
					inputs.Add(1)
					go func(c *job.Job) {
						defer inputs.Done()
						visit(c)
					}(p.Creator)
				}
			}
			inputs.Wait()
			sem <- struct{}{}
			f(j)
			return
		}

		if !f(j) {
			return
		}
		for _, p := range j.Inputs() {
			if p.Creator != nil {
				wg.Add(1)
				go visit(p.Creator)
			}
		}
	}

	for _, j := range g.roots() {
		wg.Add(1)
		go visit(j)
	}
	wg.Wait()
}

// DynamicJob is satisfied by every *job.Job; UpdateInputs returns (nil, false)
// unless a dynamic-expansion hook was attached with job.Job.SetDynamicUpdate.
// classifyJob type-asserts every job
// against this interface once its currently-known inputs are all available,
// and calls UpdateInputs to give it one chance to register more before
// deciding the job is actually ready (I8). Because UpdateInputs is required
// to be monotonic (only adds inputs, never removes), repeated calls across
// successive manager ticks converge: each call either adds nothing (changed
// is false, traversal proceeds) or adds inputs that themselves need to
// become available before the job is ready again.
type DynamicJob interface {
	// UpdateInputs invokes the job's dynamic-expansion hook and merges any
	// newly discovered Paths into its input set, returning the ones added
	// and whether anything changed.
	UpdateInputs() (newInputs []*job.Path, changed bool)
}
