// Package engine defines the uniform contract between the manager and
// heterogeneous execution backends (C6), plus the submission pipeline and
// submit-log bookkeeping shared by every backend.
package engine

import (
	"context"
	"fmt"

	"github.com/sisyphus-wfm/sisyphus/pkg/config"
	"github.com/sisyphus-wfm/sisyphus/pkg/hashutil"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

// TaskState is the coarse backend-observed state of one task instance.
type TaskState int

const (
	StateUnknown TaskState = iota
	StateQueue
	StateRunning
	StateQueueError
)

// Handle identifies one submitted batch: the backend's own job handle plus
// the task-ids it covers (a cluster engine may group contiguous ids into a
// single native array job).
type Handle struct {
	EngineName string
	IDs        []int
	Native     string // backend-specific job handle, e.g. "1234.batch" or "5678_[1-3]"
}

// UsedResources is what Worker's usage logger reports back through the
// engine for a running process tree.
type UsedResources struct {
	RSS, VMS, CPU float64
}

// Engine is the C6 contract every backend (local or cluster) implements.
type Engine interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// SubmitCall submits a batch of task-instances sharing identical
	// requirements.
	SubmitCall(ctx context.Context, call Call) (Handle, error)

	// TaskState looks up one instance in the backend's queue listing.
	TaskState(taskName string, taskID int) (queue, running, queueError, unknown bool)

	// DefaultRqmt returns the engine's per-task baseline requirements.
	DefaultRqmt(t *job.Task) map[string]float64

	// ResetCache invalidates any cached queue-listing.
	ResetCache()

	// GetJobUsedResources aggregates resource usage over a running
	// process tree, identified by an engine-specific native PID/handle.
	GetJobUsedResources(nativeHandle string) (UsedResources, error)

	// GetTaskID recovers the current task-id from the backend's own
	// environment, used when the worker is started without an explicit id
	// (e.g. inside an SGE_TASK_ID-driven array job).
	GetTaskID(passedID int) (int, error)

	// InitWorker performs one-time worker-side setup, e.g. linking the
	// engine log to the job log.
	InitWorker(t *job.Task) error
}

// Call is one submission request: a batch of task-instances with identical
// effective requirements.
type Call struct {
	JobDir   string
	LogPath  string
	Rqmt     map[string]float64
	JobName  string
	TaskName string
	TaskIDs  []int
	Command  []string

	// SubmissionID tags this call for correlation in logs and operator
	// tooling; it plays no role in dedup or retry logic (the submit_log
	// entry, not this field, is the source of truth for what was sent).
	SubmissionID string
}

// SubmitLogEntry is one append-only record of what was submitted with which
// requirements — the grammar from §6: "([task_id,...], {key: value, ...,
// engine_name, engine_info})".
type SubmitLogEntry struct {
	TaskIDs    []int
	Rqmt       map[string]float64
	EngineName string
	EngineInfo string
}

// SubmitHistory is a per-task-instance log of every SubmitLogEntry that
// mentioned it, read from the on-disk submit_log.
type SubmitHistory map[int][]SubmitLogEntry

// EffectiveRqmt computes the requirement a task instance should actually be
// submitted with, per §4.6 step 1: start from the task's declared rqmt,
// overlay the engine defaults, overlay the last recorded rqmt if a prior
// submit used the same initial rqmt, then escalate via update_rqmt if the
// instance is being resumed after an interruption, and finally clamp to
// engine limits.
func EffectiveRqmt(t *job.Task, eng Engine, history SubmitHistory, taskID int, lastUsage *job.UsageSnapshot, settings *config.Settings) map[string]float64 {
	rqmt := map[string]float64{}
	for k, v := range eng.DefaultRqmt(t) {
		rqmt[k] = v
	}
	for k, v := range t.Rqmt {
		rqmt[k] = v
	}
	if entries, ok := history[taskID]; ok && len(entries) > 0 {
		last := entries[len(entries)-1]
		if rqmtEqual(last.Rqmt, t.Rqmt) {
			for k, v := range last.Rqmt {
				rqmt[k] = v
			}
		}
	}
	if lastUsage != nil && t.UpdateRqmt != nil {
		rqmt = t.UpdateRqmt(rqmt, *lastUsage)
	}
	if settings != nil {
		rqmt = settings.CheckEngineLimits(rqmt)
	}
	return rqmt
}

func rqmtEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// RqmtHash hashes a requirement map for I6's bucketing rule: two task-ids
// with equal effective rqmt are always submitted in the same batch.
func RqmtHash(rqmt map[string]float64) string {
	entries := make(value.Map, 0, len(rqmt))
	for k, v := range rqmt {
		entries = append(entries, value.MapEntry{Key: value.Str(k), Val: value.Float(v)})
	}
	return hashutil.ShortHash(entries, 16)
}

// BucketTasksByRqmt groups task-ids into submission batches: I6 requires
// that equal effective rqmt always lands in the same batch and differing
// rqmt always lands in different batches.
func BucketTasksByRqmt(effective map[int]map[string]float64) map[string][]int {
	buckets := map[string][]int{}
	for taskID, rqmt := range effective {
		key := RqmtHash(rqmt)
		buckets[key] = append(buckets[key], taskID)
	}
	return buckets
}

// ErrUnsupported is returned by an adapter for an operation its backend does
// not support (e.g. LSF rejecting multi-node jobs).
func ErrUnsupported(backend, op string) error {
	return fmt.Errorf("engine: %s does not support %s", backend, op)
}
