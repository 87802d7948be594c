package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sisyphus-wfm/sisyphus/pkg/config"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/log"
	"github.com/sisyphus-wfm/sisyphus/pkg/worker"
)

// loadJob reconstructs the *job.Job and its registered task functions for a
// job directory. Go has no equivalent of unpickling a saved job graph, so
// (like loadGraph) this is a hook: the stock binary only knows the jobs a
// recipe loader would have registered, and an embedding deployment supplies
// its own FuncRegistry and job lookup here.
var loadJob = func(jobDir string) (*job.Job, worker.FuncRegistry, error) {
	return nil, nil, fmt.Errorf("worker: reconstructing job %q requires the embedding deployment's job registry, which this binary does not provide", jobDir)
}

var workerCmd = &cobra.Command{
	Use:   "worker <jobdir> <task_name> [<task_id>]",
	Short: "Run a single task instance of a job, writing its marker files on completion",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().String("engine", "", "name of the engine instance executing this task (diagnostic only)")
	workerCmd.Flags().Bool("redirect_output", false, "re-exec, teeing stdout/stderr into the task log instead of inheriting the caller's")
	workerCmd.Flags().Bool("force_resume", false, "run the task's resume function instead of its start function")
	workerCmd.Flags().String("settings", "", "path to a YAML settings file (controls the usage heartbeat interval)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg := worker.Config{
		JobDir:   args[0],
		TaskName: args[1],
	}
	if len(args) == 3 {
		id, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("worker: task_id %q is not an integer: %w", args[2], err)
		}
		cfg.TaskID = id
	}
	cfg.Engine, _ = cmd.Flags().GetString("engine")
	cfg.RedirectOutput, _ = cmd.Flags().GetBool("redirect_output")
	cfg.ForceResume, _ = cmd.Flags().GetBool("force_resume")

	if cfg.RedirectOutput {
		id := cfg.TaskID
		if id == 0 {
			id = 1
		}
		logPath := filepath.Join(cfg.JobDir, fmt.Sprintf("%s.%d.log", cfg.TaskName, id))
		return worker.ReExecForRedirect(cfg, logPath, execRedirected)
	}

	settingsPath, _ := cmd.Flags().GetString("settings")
	settings, err := config.Load(settingsPath)
	if err != nil {
		return fmt.Errorf("worker: load settings: %w", err)
	}

	j, funcs, err := loadJob(cfg.JobDir)
	if err != nil {
		return err
	}
	t, err := worker.FindTask(j, cfg.TaskName)
	if err != nil {
		return err
	}
	taskID := cfg.TaskID
	if taskID == 0 {
		taskID = 1
	}
	log.Logger.Info().Str("job", j.ID()).Str("task", t.Name).Int("task_id", taskID).Msg("worker: starting task instance")
	workDir := filepath.Dir(cfg.JobDir)

	stopHeartbeat := startHeartbeat(workDir, j, t, taskID, settings)
	defer stopHeartbeat()

	return worker.RunTaskInstance(context.Background(), workDir, j, t, taskID, funcs, cfg.ForceResume)
}

// startHeartbeat launches the §4.11 step-4 usage-logging thread alongside
// task execution and returns a func that stops it. A procfs failure (e.g. a
// non-Linux host) disables the heartbeat rather than failing the task.
func startHeartbeat(workDir string, j *job.Job, t *job.Task, taskID int, settings *config.Settings) func() {
	sampler, err := worker.NewProcSampler()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("worker: usage heartbeat disabled")
		return func() {}
	}

	host, _ := os.Hostname()
	userName := ""
	if u, err := user.Current(); err == nil {
		userName = u.Username
	}
	usagePath := filepath.Join(workDir, j.Dir(), fmt.Sprintf("usage.%s.%d", t.Name, taskID))

	h := &worker.Heartbeat{
		Sampler:            sampler,
		Interval:           settings.PloggingInterval,
		MinRelativeChange:  settings.PloggingMinChange,
		UsagePath:          usagePath,
		PID:                os.Getpid(),
		User:               userName,
		Host:               host,
		RequestedResources: t.Rqmt,
		Start:              time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

// execRedirected re-execs the worker without --redirect_output, teeing its
// stdout/stderr into logPath, using a real subprocess rather than replacing
// the caller's process image (syscall.Exec would also discard the tee).
func execRedirected(argv []string, logPath string) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("worker: open redirect log %s: %w", logPath, err)
	}
	defer logFile.Close()

	c := exec.Command(argv[0], argv[1:]...)
	c.Stdout = logFile
	c.Stderr = logFile
	c.Stdin = os.Stdin
	return c.Run()
}
