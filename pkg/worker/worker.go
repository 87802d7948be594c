package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/log"
	"github.com/sisyphus-wfm/sisyphus/pkg/metrics"
	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

// Config is the parsed form of:
//
//	worker <jobdir> <task_name> [<task_id>] [--force_resume] [--engine NAME] [--redirect_output]
type Config struct {
	JobDir         string
	TaskName       string
	TaskID         int // 0 means "recover from engine environment"
	ForceResume    bool
	Engine         string
	RedirectOutput bool
}

// StartFunc is a job's executable phase body, looked up by name in a
// FuncRegistry. It receives the owning job (for its kwargs/outputs) and one
// argument from the task's arg range.
type StartFunc func(ctx context.Context, j *job.Job, arg value.Value) error

// FuncRegistry maps "<ClassName>.<func name>" to its implementation. Go has
// no runtime equivalent of Python's pickled bound method, so the worker
// looks functions up by name instead of deserializing them — the
// job.save payload carries only the job id plus enough to reconstruct it
// from the registry (pkg/job.Registry.Get).
type FuncRegistry map[string]StartFunc

func funcKey(className, funcName string) string { return className + "." + funcName }

// Register adds fn under className.funcName.
func (r FuncRegistry) Register(className, funcName string, fn StartFunc) {
	r[funcKey(className, funcName)] = fn
}

func (r FuncRegistry) lookup(className, funcName string) (StartFunc, bool) {
	fn, ok := r[funcKey(className, funcName)]
	return fn, ok
}

// FindTask locates the named task on j, or returns an error listing the
// available task names — §4.11 step 2's requirement when the named task
// cannot be found.
func FindTask(j *job.Job, name string) (*job.Task, error) {
	var names []string
	for _, t := range j.Tasks() {
		if t.Name == name {
			return t, nil
		}
		names = append(names, t.Name)
	}
	return nil, fmt.Errorf("worker: task %q not found on job %s, available: %v", name, j.ID(), names)
}

// WaitForInputMtimes sleeps until every input Path's file is older than
// minAge, defeating network-filesystem mtime skew (§4.11 step 3). mtimeFn
// receives the resolved path (a job output under its creator's directory in
// workDir, an external path under workDir) and returns its mtime, or
// ok=false if the file doesn't exist (skipped).
func WaitForInputMtimes(ctx context.Context, inputs []*job.Path, workDir string, minAge time.Duration, mtimeFn func(path string) (time.Time, bool), sleep func(time.Duration)) {
	for _, p := range inputs {
		abs := p.AbsPath(workDir)
		if p.Creator != nil {
			abs = p.AbsPath(filepath.Join(workDir, p.Creator.Dir()))
		}
		for {
			mtime, ok := mtimeFn(abs)
			if !ok {
				break
			}
			age := time.Since(mtime)
			if age >= minAge {
				break
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			sleep(minAge - age)
		}
	}
}

// RunTaskInstance executes every arg in task's range for taskID, via the
// registered start (or resume, if resuming) function, writing markers as it
// goes. It is the core of §4.11 steps 5-6, factored out of process/CLI
// concerns (re-exec, redirection) so it is directly testable. workDir is the
// manager's work root; job directories and markers are resolved under it.
func RunTaskInstance(ctx context.Context, workDir string, j *job.Job, t *job.Task, taskID int, funcs FuncRegistry, resuming bool) error {
	funcName := t.StartFunc
	if resuming {
		if !t.Resumable() {
			return fmt.Errorf("worker: task %s is not resumable but a resume was requested", t.Name)
		}
		funcName = t.ResumeFunc
	}
	fn, ok := funcs.lookup(j.ClassName(), funcName)
	if !ok {
		return fmt.Errorf("worker: no registered function %s.%s", j.ClassName(), funcName)
	}

	errorPath := markerPath(workDir, j, "error", t.Name, taskID)
	finishPath := markerPath(workDir, j, "finished", t.Name, taskID)

	for _, arg := range t.ArgsForTaskID(taskID) {
		if err := fn(ctx, j, arg); err != nil {
			if isOOMError(err) {
				usagePath := filepath.Join(workDir, j.Dir(), fmt.Sprintf("usage.%s.%d", t.Name, taskID))
				_ = MarkOutOfMemory(usagePath)
				metrics.WorkerOOMTotal.WithLabelValues(t.Name).Inc()
			}
			if werr := os.WriteFile(errorPath, nil, 0o644); werr != nil {
				log.Logger.Error().Err(werr).Msg("worker: failed to write error marker")
			}
			return err
		}
	}
	if !t.Continuable {
		if err := os.WriteFile(finishPath, nil, 0o644); err != nil {
			return fmt.Errorf("worker: write finish marker: %w", err)
		}
	}
	return nil
}

func markerPath(workDir string, j *job.Job, kind, taskName string, taskID int) string {
	return filepath.Join(workDir, j.Dir(), fmt.Sprintf("%s.%s.%d", kind, taskName, taskID))
}

// oomError lets a task body signal the SIGKILL/OOM signature (exit code 137
// from a spawned subprocess) distinctly from an ordinary failure.
type oomError struct{ err error }

func (e oomError) Error() string { return e.err.Error() }
func (e oomError) Unwrap() error { return e.err }

// NewOOMError wraps err to mark it as an out-of-memory signature.
func NewOOMError(err error) error { return oomError{err: err} }

func isOOMError(err error) bool {
	_, ok := err.(oomError)
	return ok
}

// RotateErrorLog renames logPath to logPath.error.NN for the next free NN,
// implementing the §4.4 "rotate the log" step on a retryable error: the
// rotated files occupy a dense prefix 1..k for k retry attempts (I10).
func RotateErrorLog(logPath string) error {
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s.error.%02d", logPath, n)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return os.Rename(logPath, candidate)
		}
	}
}

// ReExecForRedirect is invoked when --redirect_output is set: it re-execs
// the same command without that flag, teeing stdout/stderr to logPath. exec
// is injected so tests don't actually replace the process image.
func ReExecForRedirect(cfg Config, logPath string, exec func(argv []string, logPath string) error) error {
	argv := []string{"sisyphus", "worker", cfg.JobDir, cfg.TaskName}
	if cfg.TaskID != 0 {
		argv = append(argv, fmt.Sprintf("%d", cfg.TaskID))
	}
	if cfg.ForceResume {
		argv = append(argv, "--force_resume")
	}
	if cfg.Engine != "" {
		argv = append(argv, "--engine", cfg.Engine)
	}
	return exec(argv, logPath)
}
