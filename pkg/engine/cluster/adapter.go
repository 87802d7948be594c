// Package cluster implements the thin adapters (C8) that translate
// submissions into a batch-system CLI invocation and parse its queue
// listing, one per backend family (grid-engine, Slurm, LSF, PBS, AWS
// Batch).
package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/sisyphus-wfm/sisyphus/pkg/engine"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/log"
)

// NativeState is a backend's own queue-listing state for one task instance,
// before normalization into {queue, running, queue-error}.
type NativeState string

// Backend is what a concrete cluster family (SGE, Slurm, LSF, PBS, AWS
// Batch) implements: command construction and queue-listing parsing. The
// shared Adapter supplies TTL caching, retry-with-backoff, ssh-gateway
// routing and the engine.Engine contract around it.
type Backend interface {
	Name() string
	// BuildSubmitCommand returns the argv for submitting call natively.
	BuildSubmitCommand(call engine.Call) ([]string, error)
	// BuildQueueCommand returns the argv that lists this backend's queue.
	BuildQueueCommand() []string
	// ParseQueue parses BuildQueueCommand's stdout into per-instance native
	// states.
	ParseQueue(output []byte) (map[InstanceKey]NativeState, error)
	// NormalizeState maps one native state to the uniform tri-state. The
	// third return controls AWS Batch's documented dead-code quirk (Open
	// Question (b)): FAILED is preserved as "unknown", not "queue-error".
	NormalizeState(NativeState) (queue, running, queueError bool)
	// DefaultRqmt returns this backend's baseline requirements.
	DefaultRqmt(t *job.Task) map[string]float64
	// SupportsMultiNode reports whether this backend can honor
	// multi_node_slots > 1 (LSF currently cannot).
	SupportsMultiNode() bool
}

// InstanceKey identifies one task instance in a backend's queue listing.
type InstanceKey struct {
	TaskName string
	TaskID   int
}

// Adapter wraps a Backend with the cross-backend machinery every cluster
// engine needs: a TTL-cached queue parse, a retry-with-backoff wrapper
// around the backend CLI, and optional ssh-gateway routing for head-node
// access.
type Adapter struct {
	Backend    Backend
	Gateway    string        // if set, commands run as `ssh <gateway> <cmd...>`
	CacheTTL   time.Duration // default ~30s per §4.9
	SSHTimeout time.Duration
	Retries    int
	Runner     CommandRunner

	mu         sync.Mutex
	cache      map[InstanceKey]NativeState
	cachedAt   time.Time
}

// CommandRunner executes a native CLI command and returns its stdout.
// Production code backs this with os/exec; tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, timeout time.Duration) ([]byte, error)
}

// OSRunner executes commands via os/exec.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, argv []string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// NewAdapter builds an adapter with the §4.9 defaults (30s cache, 3 retries,
// 15s ssh timeout).
func NewAdapter(backend Backend, runner CommandRunner) *Adapter {
	return &Adapter{
		Backend:    backend,
		CacheTTL:   30 * time.Second,
		SSHTimeout: 15 * time.Second,
		Retries:    3,
		Runner:     runner,
		cache:      map[InstanceKey]NativeState{},
	}
}

func (a *Adapter) Name() string { return a.Backend.Name() }

func (a *Adapter) Start(ctx context.Context) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error  { return nil }

func (a *Adapter) route(argv []string) []string {
	if a.Gateway == "" {
		return argv
	}
	return append([]string{"ssh", a.Gateway}, argv...)
}

// runWithRetry retries a backend CLI invocation with bounded backoff on
// transient failure, per §5's "backend subprocess invocations carry a
// 30-second timeout; on timeout the call is retried after a backoff."
func (a *Adapter) runWithRetry(ctx context.Context, argv []string) ([]byte, error) {
	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt <= a.Retries; attempt++ {
		out, err := a.Runner.Run(ctx, a.route(argv), 30*time.Second)
		if err == nil {
			return out, nil
		}
		lastErr = err
		log.Logger.Warn().Err(err).Int("attempt", attempt).Strs("argv", argv).Msg("cluster: backend call failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("cluster: %s command failed after %d retries: %w", a.Backend.Name(), a.Retries, lastErr)
}

// SubmitCall builds and runs the backend's native submit command.
func (a *Adapter) SubmitCall(ctx context.Context, call engine.Call) (engine.Handle, error) {
	argv, err := a.Backend.BuildSubmitCommand(call)
	if err != nil {
		return engine.Handle{}, err
	}
	out, err := a.runWithRetry(ctx, argv)
	if err != nil {
		// On unrecoverable submit failure, log the command and reset the
		// cache so the next poll re-reads the backend.
		log.Logger.Error().Err(err).Strs("argv", argv).Msg("cluster: submit failed")
		a.ResetCache()
		return engine.Handle{}, err
	}
	return engine.Handle{EngineName: a.Name(), IDs: call.TaskIDs, Native: string(out)}, nil
}

// refreshCache re-reads and re-parses the backend's queue listing if the
// cached parse is older than CacheTTL.
func (a *Adapter) refreshCache(ctx context.Context) error {
	a.mu.Lock()
	fresh := time.Since(a.cachedAt) < a.CacheTTL
	a.mu.Unlock()
	if fresh {
		return nil
	}
	out, err := a.runWithRetry(ctx, a.Backend.BuildQueueCommand())
	if err != nil {
		return err
	}
	parsed, err := a.Backend.ParseQueue(out)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.cache = parsed
	a.cachedAt = time.Now()
	a.mu.Unlock()
	return nil
}

// ResetCache invalidates the cached queue-listing, forcing the next
// TaskState call to reparse.
func (a *Adapter) ResetCache() {
	a.mu.Lock()
	a.cachedAt = time.Time{}
	a.mu.Unlock()
}

// TaskState looks up one instance in the (possibly stale-for-up-to-TTL)
// cached queue listing.
func (a *Adapter) TaskState(taskName string, taskID int) (queue, running, queueError, unknown bool) {
	_ = a.refreshCache(context.Background())
	a.mu.Lock()
	state, ok := a.cache[InstanceKey{TaskName: taskName, TaskID: taskID}]
	a.mu.Unlock()
	if !ok {
		return false, false, false, true
	}
	q, r, qe := a.Backend.NormalizeState(state)
	return q, r, qe, !q && !r && !qe
}

func (a *Adapter) DefaultRqmt(t *job.Task) map[string]float64 { return a.Backend.DefaultRqmt(t) }

func (a *Adapter) GetJobUsedResources(nativeHandle string) (engine.UsedResources, error) {
	return engine.UsedResources{}, fmt.Errorf("cluster: resource accounting for %s is read from the backend's own accounting DB, not polled here", a.Backend.Name())
}

func (a *Adapter) GetTaskID(passedID int) (int, error) { return passedID, nil }

func (a *Adapter) InitWorker(t *job.Task) error { return nil }
