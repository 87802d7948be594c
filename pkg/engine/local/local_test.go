package local

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisyphus-wfm/sisyphus/pkg/engine"
)

type fakeProcess struct {
	pid     int
	release chan struct{}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) {
	<-p.release
	return 0, nil
}

func (p *fakeProcess) Signal(sig syscall.Signal) error { return nil }

type fakeSpawner struct {
	mu      sync.Mutex
	spawned []engine.Call
	procs   map[string]*fakeProcess
	nextPID int
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{procs: make(map[string]*fakeProcess)}
}

func (s *fakeSpawner) Spawn(call engine.Call) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPID++
	p := &fakeProcess{pid: s.nextPID, release: make(chan struct{})}
	s.spawned = append(s.spawned, call)
	s.procs[call.TaskName] = p
	return p, nil
}

func (s *fakeSpawner) release(taskName string) {
	s.mu.Lock()
	p := s.procs[taskName]
	s.mu.Unlock()
	if p != nil {
		close(p.release)
	}
}

func (s *fakeSpawner) spawnedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.spawned {
		out = append(out, c.TaskName)
	}
	return out
}

// TestLocalEngine_GPUStarvedUntilCPUFrees is the S5 scenario: cpu=4,gpu=1;
// A(cpu=2), B(cpu=2), C(cpu=1,gpu=1). After A and B start, free is
// {cpu:0,gpu:1}; C cannot start despite the free GPU until cpu frees up.
func TestLocalEngine_GPUStarvedUntilCPUFrees(t *testing.T) {
	spawner := newFakeSpawner()
	eng := New(spawner, map[string]float64{"cpu": 4, "gpu": 1})
	eng.tick = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx)

	must := func(name string, rqmt map[string]float64) {
		_, err := eng.SubmitCall(ctx, engine.Call{TaskName: name, TaskIDs: []int{1}, Rqmt: rqmt, Command: []string{"true"}})
		require.NoError(t, err)
	}
	must("A", map[string]float64{"cpu": 2})
	must("B", map[string]float64{"cpu": 2})
	must("C", map[string]float64{"cpu": 1, "gpu": 1})

	require.Eventually(t, func() bool {
		names := spawner.spawnedNames()
		return contains(names, "A") && contains(names, "B")
	}, time.Second, 5*time.Millisecond)

	assert.NotContains(t, spawner.spawnedNames(), "C", "C must not start while cpu is exhausted even though gpu is free")

	spawner.release("A")
	require.Eventually(t, func() bool {
		return contains(spawner.spawnedNames(), "C")
	}, time.Second, 5*time.Millisecond)

	spawner.release("B")
	spawner.release("C")
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

type fakeInspector struct {
	alive   map[int]bool
	cmdline map[int][]string
	cwd     map[int]string
}

func (f fakeInspector) Exists(pid int) bool         { return f.alive[pid] }
func (f fakeInspector) Cmdline(pid int) ([]string, error) { return f.cmdline[pid], nil }
func (f fakeInspector) Cwd(pid int) (string, error) { return f.cwd[pid], nil }

func TestAdoptInterrupted_MatchingProcessIsAdopted(t *testing.T) {
	eng := New(newFakeSpawner(), map[string]float64{"cpu": 4})
	insp := fakeInspector{
		alive:   map[int]bool{42: true},
		cmdline: map[int][]string{42: {"sisyphus", "worker", "job-dir", "run"}},
		cwd:     map[int]string{42: "job-dir"},
	}
	call := engine.Call{JobDir: "job-dir", Command: []string{"sisyphus", "worker", "job-dir", "run"}}
	ok := eng.AdoptInterrupted("run", 1, UsageRecord{PID: 42}, insp, call)
	assert.True(t, ok)
}

func TestAdoptInterrupted_MismatchRefused(t *testing.T) {
	eng := New(newFakeSpawner(), map[string]float64{"cpu": 4})
	insp := fakeInspector{
		alive:   map[int]bool{42: true},
		cmdline: map[int][]string{42: {"something", "else"}},
		cwd:     map[int]string{42: "job-dir"},
	}
	call := engine.Call{JobDir: "job-dir", Command: []string{"sisyphus", "worker", "job-dir", "run"}}
	ok := eng.AdoptInterrupted("run", 1, UsageRecord{PID: 42}, insp, call)
	assert.False(t, ok)
}

func TestAdoptInterrupted_DeadPIDRefused(t *testing.T) {
	eng := New(newFakeSpawner(), map[string]float64{"cpu": 4})
	insp := fakeInspector{alive: map[int]bool{}}
	call := engine.Call{JobDir: "job-dir", Command: []string{"sisyphus", "worker"}}
	ok := eng.AdoptInterrupted("run", 1, UsageRecord{PID: 99}, insp, call)
	assert.False(t, ok)
}
