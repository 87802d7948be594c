package local

import (
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/sisyphus-wfm/sisyphus/pkg/engine"
)

// UsageRecord is the subset of a usage.<task>.<id> snapshot recovery needs.
type UsageRecord struct {
	PID     int
	Cmdline []string
	Cwd     string
}

// ProcInspector reads live process state for crash-recovery adoption,
// abstracted so tests don't need a real /proc filesystem.
type ProcInspector interface {
	Exists(pid int) bool
	Cmdline(pid int) ([]string, error)
	Cwd(pid int) (string, error)
}

// AdoptInterrupted checks the one usage record passed in: if its PID still
// exists and both the process's command line and its working directory match
// expectedCall, the process is re-attached as the running instance of
// taskName/taskID and true is returned. On any mismatch the adoption is
// refused: it returns false and the pool is left unchanged.
func (e *Engine) AdoptInterrupted(taskName string, taskID int, record UsageRecord, insp ProcInspector, expectedCall engine.Call) bool {
	if !insp.Exists(record.PID) {
		return false
	}
	cmd, err := insp.Cmdline(record.PID)
	if err != nil || !sameCommand(cmd, expectedCall.Command) {
		return false
	}
	if cwd, err := insp.Cwd(record.PID); err != nil || cwd != expectedCall.JobDir {
		return false
	}
	e.mu.Lock()
	e.running[instanceKey{TaskName: taskName, TaskID: taskID}] = &runningEntry{
		proc: adoptedProcess{pid: record.PID},
		call: expectedCall,
	}
	e.mu.Unlock()
	return true
}

func sameCommand(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// adoptedProcess wraps a PID recovered across a manager restart; Wait polls
// /proc liveness rather than holding an os/exec.Cmd (the process was not
// forked by this manager instance). The exit status of a process that is
// not a child cannot be read, so Wait reports -1 once the process is gone.
type adoptedProcess struct{ pid int }

func (p adoptedProcess) PID() int { return p.pid }

func (p adoptedProcess) Wait() (int, error) {
	for {
		if _, err := os.Stat("/proc/" + strconv.Itoa(p.pid)); os.IsNotExist(err) {
			return -1, nil
		}
		time.Sleep(time.Second)
	}
}

func (p adoptedProcess) Signal(sig syscall.Signal) error {
	return syscall.Kill(-p.pid, sig)
}

// PIDFromUsage is a small convenience used by the manager when reading a
// usage.<task>.<id> file's "pid" field back into an int.
func PIDFromUsage(s string) (int, error) {
	return strconv.Atoi(s)
}
