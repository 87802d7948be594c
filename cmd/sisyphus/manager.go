package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sisyphus-wfm/sisyphus/pkg/config"
	"github.com/sisyphus-wfm/sisyphus/pkg/engine"
	"github.com/sisyphus-wfm/sisyphus/pkg/engine/cluster"
	"github.com/sisyphus-wfm/sisyphus/pkg/engine/local"
	"github.com/sisyphus-wfm/sisyphus/pkg/graph"
	"github.com/sisyphus-wfm/sisyphus/pkg/log"
	"github.com/sisyphus-wfm/sisyphus/pkg/manager"
	"github.com/sisyphus-wfm/sisyphus/pkg/metrics"
	"github.com/sisyphus-wfm/sisyphus/pkg/registry"
)

// loadGraph is the hook the out-of-scope configuration loader (spec.md §1's
// "user-facing configuration loader that turns pipeline-description files
// into a graph") plugs into: given the CONFIGS file arguments, it returns
// the graph to drive. The stock binary has no recipe language of its own,
// so it refuses with a clear error; an embedding deployment replaces this
// var in its own main package.
var loadGraph = func(configs []string) (*graph.Graph, error) {
	if len(configs) == 0 {
		return graph.New(), nil
	}
	return nil, fmt.Errorf("manager: loading CONFIGS %v requires a recipe loader, which is out of this module's scope (spec.md §1 Out of scope)", configs)
}

var managerCmd = &cobra.Command{
	Use:   "manager [CONFIGS...]",
	Short: "Run the manager loop: classify, submit, and link outputs until every target is done",
	RunE:  runManager,
}

func init() {
	managerCmd.Flags().BoolP("submit", "r", false, "enable submission (without it the loop only updates outputs)")
	managerCmd.Flags().Bool("co", false, "clear error markers once on startup")
	managerCmd.Flags().Bool("cio", false, "clear error markers once on startup (same as --co; interrupted jobs are not changed)")
	managerCmd.Flags().Bool("io", false, "accepted for CLI compatibility; has no effect (interrupted jobs are still resubmitted)")
	managerCmd.Flags().Int("http", 0, "serve Prometheus metrics on this port (0 disables)")
	managerCmd.Flags().String("fs", "", "work directory root (defaults to settings' work_dir)")
	managerCmd.Flags().BoolP("interactive", "i", false, "prompt before clearing error markers instead of deciding automatically")
	managerCmd.Flags().Bool("ui", false, "enable the status overview (always on; flag kept for CLI compatibility)")
	managerCmd.Flags().String("settings", "", "path to a YAML settings file")
}

func runManager(cmd *cobra.Command, args []string) error {
	submit, _ := cmd.Flags().GetBool("submit")
	clearErrorsOnce, _ := cmd.Flags().GetBool("co")
	clearErrorsAndInterrupted, _ := cmd.Flags().GetBool("cio")
	_, _ = cmd.Flags().GetBool("io")
	httpPort, _ := cmd.Flags().GetInt("http")
	fsDir, _ := cmd.Flags().GetString("fs")
	interactive, _ := cmd.Flags().GetBool("interactive")
	settingsPath, _ := cmd.Flags().GetString("settings")

	settings, err := config.Load(settingsPath)
	if err != nil {
		return fmt.Errorf("manager: load settings: %w", err)
	}
	if fsDir != "" {
		settings.WorkDir = fsDir
	}
	settings.ClearErrorOnStartup = clearErrorsOnce || clearErrorsAndInterrupted

	g, err := loadGraph(args)
	if err != nil {
		return err
	}

	sel := defaultSelector(settings)
	m := manager.New(settings.WorkDir, settings, g, sel, func(string) string { return "" })
	if interactive {
		m.Confirm = promptConfirm
	}

	if err := os.MkdirAll(settings.WorkDir, 0o755); err != nil {
		return fmt.Errorf("manager: create work dir %s: %w", settings.WorkDir, err)
	}
	cache, err := registry.Open(settings.WorkDir)
	if err != nil {
		return fmt.Errorf("manager: open registry cache: %w", err)
	}
	defer cache.Close()
	m.Markers.Cache = cache

	if httpPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: fmt.Sprintf(":%d", httpPort), Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("manager: metrics server failed")
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !submit {
		// Update-only mode: run one classify pass to link completed outputs,
		// then exit without submitting anything new.
		buckets, err := m.Startup(ctx, statFn)
		if err != nil {
			return err
		}
		log.Logger.Info().Int("runnable", len(buckets.ByStatus[graph.StatusRunnable])).Msg("manager: update-only pass complete")
		return nil
	}

	m.Start(ctx, statFn)
	<-ctx.Done()
	m.Stop()
	return nil
}

func defaultSelector(settings *config.Settings) *engine.Selector {
	localEngine := local.New(local.OSSpawner{}, map[string]float64{"cpu": 8, "mem": 32})
	engines := map[string]engine.Engine{
		"local": localEngine,
		"short": localEngine,
		"sge":   cluster.NewAdapter(cluster.SGE{}, cluster.OSRunner{}),
		"slurm": cluster.NewAdapter(cluster.Slurm{}, cluster.OSRunner{}),
		"lsf":   cluster.NewAdapter(cluster.LSF{}, cluster.OSRunner{}),
		"pbs":   cluster.NewAdapter(cluster.PBS{}, cluster.OSRunner{}),
		"aws":   cluster.NewAdapter(cluster.AWSBatch{}, cluster.OSRunner{}),
	}
	return engine.NewSelector("local", engines)
}

func promptConfirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	var answer string
	fmt.Scanln(&answer)
	return answer == "y" || answer == "Y"
}
