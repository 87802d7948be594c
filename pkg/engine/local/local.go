// Package local implements the in-process execution pool (C7): a
// thread-safe, cooperative scheduler that honors a resource budget and
// supervises spawned worker processes, grounded on the teacher's
// ticker-driven scheduler loop (pkg/scheduler) adapted from container
// bin-packing to task-instance bin-packing.
package local

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sisyphus-wfm/sisyphus/pkg/engine"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/log"
)

// Spawner launches one task instance as a child process in its own process
// group (so the pool can terminate it as a unit) and returns a handle to
// observe/kill it. Production code backs this with os/exec; tests substitute
// a fake.
type Spawner interface {
	Spawn(call engine.Call) (Process, error)
}

// Process is the minimal handle the pool needs over a spawned task
// instance.
type Process interface {
	PID() int
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	// Signal sends a signal to the process group.
	Signal(sig syscall.Signal) error
}

type instanceKey struct {
	TaskName string
	TaskID   int
}

type runningEntry struct {
	proc  Process
	call  engine.Call
	done  bool
	code  int
}

// Engine is the local execution pool.
type Engine struct {
	spawner Spawner
	tick    time.Duration

	mu            sync.Mutex
	maxResources  map[string]float64
	freeResources map[string]float64
	waiting       []engine.Call
	running       map[instanceKey]*runningEntry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a local engine with the given resource budget (at minimum cpu
// and gpu; other dimensions are optional and ignored by the packing check
// unless present in both max and a submitted call's rqmt).
func New(spawner Spawner, maxResources map[string]float64) *Engine {
	free := make(map[string]float64, len(maxResources))
	for k, v := range maxResources {
		free[k] = v
	}
	return &Engine{
		spawner:       spawner,
		tick:          time.Second,
		maxResources:  maxResources,
		freeResources: free,
		running:       make(map[instanceKey]*runningEntry),
		stopCh:        make(chan struct{}),
	}
}

func (e *Engine) Name() string { return "local" }

// Start launches the single background loop goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Stop signals the loop to exit after reaping in-flight children; children
// were launched in their own process group so they can be reliably
// terminated as a unit.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	return nil
}

// SubmitCall never blocks: it splits the batch into one enqueued instance
// per task-id (the worker process model executes exactly one task
// instance) and returns immediately; all heavy work stays on the loop
// goroutine.
func (e *Engine) SubmitCall(ctx context.Context, call engine.Call) (engine.Handle, error) {
	e.mu.Lock()
	for _, id := range call.TaskIDs {
		single := call
		single.TaskIDs = []int{id}
		e.waiting = append(e.waiting, single)
	}
	e.mu.Unlock()
	return engine.Handle{EngineName: e.Name(), IDs: call.TaskIDs}, nil
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		progressed := e.reapFinished()
		progressed = e.trySpawnOne() || progressed
		if progressed {
			continue
		}
		select {
		case <-e.stopCh:
			e.reapAll()
			return
		case <-ctx.Done():
			e.reapAll()
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) reapFinished() bool {
	e.mu.Lock()
	var toReap []instanceKey
	for k, r := range e.running {
		if r.done {
			toReap = append(toReap, k)
		}
	}
	progressed := len(toReap) > 0
	for _, k := range toReap {
		r := e.running[k]
		delete(e.running, k)
		for res, amt := range r.call.Rqmt {
			if _, tracked := e.maxResources[res]; tracked {
				e.freeResources[res] += amt
			}
		}
	}
	e.mu.Unlock()
	return progressed
}

func (e *Engine) reapAll() {
	e.mu.Lock()
	running := make([]*runningEntry, 0, len(e.running))
	for _, r := range e.running {
		running = append(running, r)
	}
	e.mu.Unlock()
	for _, r := range running {
		_ = r.proc.Signal(syscall.SIGTERM)
	}
}

// trySpawnOne peeks the first waiting call that fits in free resources and
// spawns it, deducting resources and moving it to running.
func (e *Engine) trySpawnOne() bool {
	e.mu.Lock()
	idx := -1
	for i, call := range e.waiting {
		if e.fitsLocked(call.Rqmt) {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return false
	}
	call := e.waiting[idx]
	e.waiting = append(e.waiting[:idx], e.waiting[idx+1:]...)
	for res, amt := range call.Rqmt {
		if _, tracked := e.maxResources[res]; tracked {
			e.freeResources[res] -= amt
		}
	}
	e.mu.Unlock()

	proc, err := e.spawner.Spawn(call)
	if err != nil {
		log.Errorf("local engine: spawn failed for %s", err)
		return true
	}
	key := instanceKey{TaskName: call.TaskName, TaskID: call.TaskIDs[0]}
	entry := &runningEntry{proc: proc, call: call}
	e.mu.Lock()
	e.running[key] = entry
	e.mu.Unlock()

	go func() {
		code, _ := proc.Wait()
		e.mu.Lock()
		entry.done = true
		entry.code = code
		e.mu.Unlock()
	}()
	return true
}

// fitsLocked reports whether rqmt can be satisfied by current free
// resources, for every dimension the pool tracks (cpu/gpu/etc present in
// max). Caller must hold e.mu.
func (e *Engine) fitsLocked(rqmt map[string]float64) bool {
	for res, amt := range rqmt {
		limit, tracked := e.maxResources[res]
		if !tracked {
			continue
		}
		if amt > e.freeResources[res] || limit < amt {
			return false
		}
	}
	return true
}

// TaskState reports running/queue state purely from the in-memory pool:
// the local engine has no external queue, so "queue" means still waiting
// and "running" means spawned and its process has not exited yet.
func (e *Engine) TaskState(taskName string, taskID int) (queue, running, queueError, unknown bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.running[instanceKey{taskName, taskID}]; ok {
		return false, !r.done, false, false
	}
	for _, call := range e.waiting {
		if call.TaskName == taskName {
			for _, id := range call.TaskIDs {
				if id == taskID {
					return true, false, false, false
				}
			}
		}
	}
	return false, false, false, true
}

func (e *Engine) DefaultRqmt(t *job.Task) map[string]float64 {
	return map[string]float64{"cpu": 1, "time": 1, "mem": 2}
}

func (e *Engine) ResetCache() {}

func (e *Engine) GetJobUsedResources(nativeHandle string) (engine.UsedResources, error) {
	return engine.UsedResources{}, fmt.Errorf("local: GetJobUsedResources not implemented for handle %q", nativeHandle)
}

func (e *Engine) GetTaskID(passedID int) (int, error) { return passedID, nil }

func (e *Engine) InitWorker(t *job.Task) error { return nil }

// OSSpawner is the production Spawner, launching the worker binary via
// os/exec in a new process group.
type OSSpawner struct {
	WorkerPath string
}

func (s OSSpawner) Spawn(call engine.Call) (Process, error) {
	cmd := exec.Command(call.Command[0], call.Command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("local: spawn %v: %w", call.Command, err)
	}
	return &osProcess{cmd: cmd}, nil
}

type osProcess struct{ cmd *exec.Cmd }

func (p *osProcess) PID() int { return p.cmd.Process.Pid }

func (p *osProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *osProcess) Signal(sig syscall.Signal) error {
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}
