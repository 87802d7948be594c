package graph

import (
	"sync"

	"github.com/sisyphus-wfm/sisyphus/pkg/job"
)

// TaskStater is the narrow slice of the engine interface (C6) that status
// classification needs: given a task instance, report its backend-observed
// state. Defined here (not imported from pkg/engine) so pkg/graph has no
// dependency on any concrete engine implementation.
type TaskStater interface {
	TaskState(taskName string, taskID int) (queue, running, queueError, unknown bool)
}

// MarkerReader abstracts the on-disk marker checks status classification
// needs, so this package stays filesystem-agnostic and testable without a
// real work directory.
type MarkerReader interface {
	// FinishMarkerAged reports whether the per-instance finish marker
	// exists and is old enough not to be a filesystem-sync race (I9).
	FinishMarkerAged(j *job.Job, taskName string, taskID int) bool
	// ErrorMarker reports whether the per-instance error marker exists.
	ErrorMarker(j *job.Job, taskName string, taskID int) bool
	// Started reports whether a per-instance log file exists (the task was
	// at some point submitted).
	Started(j *job.Job, taskName string, taskID int) bool
	// UsageRecent reports whether the usage snapshot's mtime is within the
	// "still alive" window.
	UsageRecent(j *job.Job, taskName string, taskID int) bool
	// SubmitHistoryCount returns how many times this task instance has been
	// submitted, per the submit_log.
	SubmitHistoryCount(j *job.Job, taskName string, taskID int) int
}

// Buckets is the partition produced by GetJobsByStatus.
type Buckets struct {
	ByStatus     map[Status][]*job.Job
	InputPath    []*job.Job // jobs whose required Paths are all available
	InputMissing []*job.Job // jobs waiting on at least one unavailable Path
}

func newBuckets() *Buckets {
	return &Buckets{ByStatus: make(map[Status][]*job.Job)}
}

// GetJobsByStatus partitions every job reachable from g's targets using the
// §4.5 classification rule. A job whose currently known inputs are all
// available gets one UpdateInputs call before it is classified (dynamic
// expansion, I8); if that adds an input that is not yet available, the job
// is classified as waiting in this pass.
func GetJobsByStatus(g *Graph, workers int, stat func(string) bool, engine TaskStater, markers MarkerReader, maxSubmitRetries int) *Buckets {
	b := newBuckets()
	var mu sync.Mutex
	record := func(j *job.Job, s Status) {
		mu.Lock()
		b.ByStatus[s] = append(b.ByStatus[s], j)
		mu.Unlock()
	}

	g.ForAllNodes(workers, false, func(j *job.Job) bool {
		classifyJob(j, stat, engine, markers, maxSubmitRetries, record, b, &mu)
		return true // always expand: status needs the whole reachable set
	})
	return b
}

func classifyJob(j *job.Job, stat func(string) bool, engine TaskStater, markers MarkerReader, maxSubmitRetries int, record func(*job.Job, Status), b *Buckets, mu *sync.Mutex) {
	inputsReady := allInputsReady(j, stat)
	if inputsReady {
		// I8: once a job's known inputs are all available, give it one
		// chance to expand its input set before deciding it's ready — a
		// dynamically-added input may still be missing.
		if dj, ok := interface{}(j).(DynamicJob); ok {
			if _, changed := dj.UpdateInputs(); changed {
				inputsReady = allInputsReady(j, stat)
			}
		}
	}

	if !inputsReady {
		record(j, StatusWaiting)
		mu.Lock()
		b.InputMissing = append(b.InputMissing, j)
		mu.Unlock()
		return
	}
	mu.Lock()
	b.InputPath = append(b.InputPath, j)
	mu.Unlock()

	if !j.IsSetUp() {
		record(j, StatusRunnable)
		return
	}
	if j.IsFinished() {
		record(j, StatusFinished)
		return
	}

	for _, t := range j.Tasks() {
		s := taskStatus(j, t, engine, markers, maxSubmitRetries)
		if s == StatusFinished {
			continue // this task is done, move to the next in declaration order
		}
		record(j, s)
		return
	}
	record(j, StatusFinished)
}

func allInputsReady(j *job.Job, stat func(string) bool) bool {
	for _, p := range j.Inputs() {
		if !p.IsAvailable(stat) {
			return false
		}
	}
	return true
}

// taskStatus reduces one task's per-instance states to the task-level state,
// taking the worst per §4.7's priority order.
func taskStatus(j *job.Job, t *job.Task, engine TaskStater, markers MarkerReader, maxSubmitRetries int) Status {
	if t.Continuable {
		return StatusRunnable
	}
	n := t.NumTaskIDs()
	if n == 0 {
		n = 1
	}
	states := make([]Status, 0, n)
	for id := 1; id <= n; id++ {
		states = append(states, instanceStatus(j, t, id, engine, markers, maxSubmitRetries))
	}
	return WorstStatus(states)
}

func instanceStatus(j *job.Job, t *job.Task, id int, engine TaskStater, markers MarkerReader, maxSubmitRetries int) Status {
	if markers.FinishMarkerAged(j, t.Name, id) {
		return StatusFinished
	}
	if markers.ErrorMarker(j, t.Name, id) {
		if markers.SubmitHistoryCount(j, t.Name, id) >= maxSubmitRetries {
			return StatusRetryError
		}
		return StatusError
	}
	if engine != nil {
		queue, running, queueErr, unknown := engine.TaskState(t.Name, id)
		switch {
		case queueErr:
			return StatusQueueError
		case queue:
			return StatusQueued
		case running:
			return StatusRunning
		case unknown:
			if markers.Started(j, t.Name, id) && markers.UsageRecent(j, t.Name, id) {
				return StatusRunning
			}
			if markers.Started(j, t.Name, id) {
				if markers.SubmitHistoryCount(j, t.Name, id) < maxSubmitRetries {
					return StatusInterrupted
				}
				return StatusRetryError
			}
			return StatusRunnable
		}
	}
	if markers.Started(j, t.Name, id) {
		return StatusRunnable
	}
	return StatusRunnable
}
