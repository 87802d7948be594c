package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sisyphus-wfm/sisyphus/pkg/cleanup"
	"github.com/sisyphus-wfm/sisyphus/pkg/config"
	"github.com/sisyphus-wfm/sisyphus/pkg/graph"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/manager"
)

var consoleCmd = &cobra.Command{
	Use:   "console [CONFIGS...]",
	Short: "Interactive shell: inspect job status and run cleanup over a loaded graph",
	RunE:  runConsole,
}

func init() {
	consoleCmd.Flags().StringArray("load", nil, "additional directory to load job definitions from, may be repeated")
	consoleCmd.Flags().Bool("skip_config", false, "don't load the default settings file")
	consoleCmd.Flags().StringArrayP("command", "c", nil, "run CMD non-interactively instead of opening the shell, may be repeated")
}

// consoleSession is the state one REPL command dispatches against: the
// loaded graph, its work directory, and the settings governing both.
type consoleSession struct {
	g        *graph.Graph
	settings *config.Settings
	out      *bufio.Writer
}

func runConsole(cmd *cobra.Command, args []string) error {
	loadDirs, _ := cmd.Flags().GetStringArray("load")
	skipConfig, _ := cmd.Flags().GetBool("skip_config")
	commands, _ := cmd.Flags().GetStringArray("command")

	var settings *config.Settings
	var err error
	if skipConfig {
		settings = config.Default()
	} else {
		settings, err = config.Load("")
		if err != nil {
			return fmt.Errorf("console: load settings: %w", err)
		}
	}

	g, err := loadGraph(append(append([]string(nil), loadDirs...), args...))
	if err != nil {
		return err
	}

	sess := &consoleSession{g: g, settings: settings, out: bufio.NewWriter(os.Stdout)}
	defer sess.out.Flush()

	if len(commands) > 0 {
		for _, c := range commands {
			sess.dispatch(c)
		}
		return nil
	}

	return sess.repl()
}

func (s *consoleSession) repl() error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprint(s.out, "sisyphus> ")
	s.out.Flush()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "quit" {
			return nil
		}
		if line != "" {
			s.dispatch(line)
		}
		fmt.Fprint(s.out, "sisyphus> ")
		s.out.Flush()
	}
	return scanner.Err()
}

func (s *consoleSession) dispatch(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	defer s.out.Flush()

	switch fields[0] {
	case "status":
		s.cmdStatus()
	case "job":
		if len(fields) >= 3 && fields[1] == "info" {
			s.cmdJobInfo(fields[2])
		} else {
			fmt.Fprintln(s.out, "usage: job info <id>")
		}
	case "cleanup":
		if len(fields) < 2 {
			fmt.Fprintln(s.out, "usage: cleanup jobs|keep-value|unused")
			return
		}
		s.cmdCleanup(fields[1], fields[2:])
	default:
		fmt.Fprintf(s.out, "unknown command: %s\n", fields[0])
	}
}

func statFn(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *consoleSession) markers() *manager.FSMarkers {
	return &manager.FSMarkers{
		WorkDir:         s.settings.WorkDir,
		FinishAgeWindow: s.settings.WaitPeriodJobFSSync,
		UsageWindow:     2 * s.settings.PloggingInterval,
	}
}

func (s *consoleSession) cmdStatus() {
	buckets := graph.GetJobsByStatus(s.g, s.settings.GraphWorkers, statFn, nil, s.markers(), s.settings.MaxSubmitRetries)
	for _, status := range []graph.Status{
		graph.StatusWaiting, graph.StatusRunnable, graph.StatusQueued, graph.StatusRunning,
		graph.StatusInterrupted, graph.StatusError, graph.StatusFinished,
	} {
		fmt.Fprintf(s.out, "%-12s %d\n", status, len(buckets.ByStatus[status]))
	}
}

func (s *consoleSession) findJob(id string) *job.Job {
	var found *job.Job
	s.g.ForAllNodes(1, true, func(j *job.Job) bool {
		if j.ID() == id {
			found = j
		}
		return true
	})
	return found
}

func (s *consoleSession) cmdJobInfo(id string) {
	j := s.findJob(id)
	if j == nil {
		fmt.Fprintf(s.out, "no such job: %s\n", id)
		return
	}
	fmt.Fprintf(s.out, "id:        %s\n", j.ID())
	fmt.Fprintf(s.out, "class:     %s\n", j.ClassName())
	fmt.Fprintf(s.out, "dir:       %s\n", j.Dir())
	fmt.Fprintf(s.out, "finished:  %v\n", j.IsFinished())
	if kv, ok := j.KeepValue(); ok {
		fmt.Fprintf(s.out, "keep:      %d\n", kv)
	} else {
		fmt.Fprintf(s.out, "keep:      (default)\n")
	}
	for _, t := range j.Tasks() {
		fmt.Fprintf(s.out, "task:      %s (start=%s resume=%s)\n", t.Name, t.StartFunc, t.ResumeFunc)
	}
	for name, p := range j.Outputs() {
		fmt.Fprintf(s.out, "output:    %s -> %s\n", name, p.AbsPath(s.settings.WorkDir))
	}
}

func (s *consoleSession) cmdCleanup(sub string, rest []string) {
	jobDirs := cleanup.ExtractKeepValues(s.g, statFn, s.settings.JobDefaultKeepValue)

	switch sub {
	case "jobs":
		if err := cleanup.CleanupJobs(s.g, s.settings.WorkDir); err != nil {
			fmt.Fprintf(s.out, "cleanup jobs: %v\n", err)
		}
	case "keep-value":
		filter := cleanup.ContainsSubstring(rest)
		for _, dir := range cleanup.FindTooLowKeepValue(jobDirs, s.settings.JobDefaultKeepValue, s.settings.JobDefaultKeepValue, filter) {
			fmt.Fprintln(s.out, dir)
		}
	case "unused":
		unused, err := cleanup.SearchForUnused(jobDirs, s.settings.WorkDir, cleanup.ContainsSubstring(rest))
		if err != nil {
			fmt.Fprintf(s.out, "cleanup unused: %v\n", err)
			return
		}
		for _, dir := range unused {
			fmt.Fprintln(s.out, dir)
		}
	default:
		fmt.Fprintf(s.out, "unknown cleanup subcommand: %s\n", sub)
	}
}
