// Package manager implements the C11 control loop: classify every reachable
// job's status, materialize runnable job directories, submit their next
// task, and periodically re-poll until every target is done.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sisyphus-wfm/sisyphus/pkg/config"
	"github.com/sisyphus-wfm/sisyphus/pkg/engine"
	"github.com/sisyphus-wfm/sisyphus/pkg/graph"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/log"
	"github.com/sisyphus-wfm/sisyphus/pkg/metrics"
)

// Confirmer gates a risky interactive decision (clearing an error marker,
// resubmitting a job stuck past its retry budget) behind a yes/no prompt.
// The CLI wires this to stdin; tests and non-interactive runs supply an
// always-no or always-yes stub.
type Confirmer func(prompt string) bool

// Manager is the single-writer orchestrator for one graph + work directory.
type Manager struct {
	WorkDir    string
	Settings   *config.Settings
	Graph      *graph.Graph
	Selector   *engine.Selector
	Markers    *FSMarkers
	EngineName func(taskName string) string // per-task engine routing (C9)
	Confirm    Confirmer
	Metrics    *metrics.Collector

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires a Manager from its dependencies, filling in settings-derived
// defaults a caller left zero.
func New(workDir string, settings *config.Settings, g *graph.Graph, sel *engine.Selector, engineName func(string) string) *Manager {
	m := &Manager{
		WorkDir:  workDir,
		Settings: settings,
		Graph:    g,
		Selector: sel,
		Markers: &FSMarkers{
			WorkDir:         workDir,
			FinishAgeWindow: settings.WaitPeriodJobFSSync,
			UsageWindow:     2 * settings.PloggingInterval,
		},
		EngineName: engineName,
		// clearErrors only runs when Settings.ClearErrorOnStartup is already
		// true (the --co/--cio flags), so the default is to act without
		// prompting; --interactive overrides this with promptConfirm.
		Confirm: func(string) bool { return true },
	}
	// No snapshot func: classify() needs a live statFn the collector doesn't
	// own, so metrics are pushed via Update from iterate() instead of pulled
	// on the collector's own ticker.
	m.Metrics = metrics.NewCollector(nil)
	return m
}

// Start launches the manager's run loop in its own goroutine, stopping it
// again once Stop is called or every target is done.
func (m *Manager) Start(ctx context.Context, statFn func(string) bool) {
	m.mu.Lock()
	m.stopCh = make(chan struct{})
	m.mu.Unlock()
	m.wg.Add(1)
	go m.run(ctx, statFn)
}

// Stop signals the run loop to exit and waits for it to do so.
func (m *Manager) Stop() {
	m.mu.Lock()
	ch := m.stopCh
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	m.wg.Wait()
}

// Startup performs the §4.10 startup sequence: reset every engine's cached
// queue listing, run one classification pass, and surface a one-line
// overview before the loop begins iterating.
func (m *Manager) Startup(ctx context.Context, statFn func(string) bool) (*graph.Buckets, error) {
	m.Selector.ResetCache()
	LinkOutputs(m.Graph.Targets(), m.WorkDir, m.Settings, statFn)
	LinkAliases(m.Graph, m.WorkDir, m.Settings)
	RenderReports(m.Graph.Targets(), m.WorkDir, statFn)
	buckets := m.classify(statFn)
	m.logOverview(buckets)
	if m.Settings.ClearErrorOnStartup {
		m.clearErrors(buckets)
	}
	return buckets, nil
}

func (m *Manager) run(ctx context.Context, statFn func(string) bool) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.Settings.WaitPeriodBetweenChecks)
	defer ticker.Stop()

	if _, err := m.Startup(ctx, statFn); err != nil {
		log.Logger.Error().Err(err).Msg("manager: startup failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.iterate(ctx, statFn) {
				return // every target done
			}
		}
	}
}

// iterate runs one classify-and-act cycle, returning true once every graph
// target is satisfied.
func (m *Manager) iterate(ctx context.Context, statFn func(string) bool) bool {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	m.Selector.ResetCache()
	LinkOutputs(m.Graph.Targets(), m.WorkDir, m.Settings, statFn)
	LinkAliases(m.Graph, m.WorkDir, m.Settings)
	RenderReports(m.Graph.Targets(), m.WorkDir, statFn)
	buckets := m.classify(statFn)
	m.logOverview(buckets)
	m.Metrics.Update(buckets)

	for _, j := range buckets.ByStatus[graph.StatusRunnable] {
		if err := m.submitRunnable(ctx, j); err != nil {
			log.Logger.Error().Err(err).Str("job", j.ID()).Msg("manager: submit failed")
		}
	}
	for _, j := range buckets.ByStatus[graph.StatusInterrupted] {
		if err := m.submitRunnable(ctx, j); err != nil {
			log.Logger.Error().Err(err).Str("job", j.ID()).Msg("manager: resubmit interrupted job failed")
		}
	}

	return len(m.Graph.ActiveTargets(statFn)) == 0
}

func (m *Manager) classify(statFn func(string) bool) *graph.Buckets {
	taskStater := &SelectorTaskState{Selector: m.Selector, EngineName: m.EngineName}
	return graph.GetJobsByStatus(m.Graph, m.Settings.GraphWorkers, statFn, taskStater, m.Markers, m.Settings.MaxSubmitRetries)
}

// submitRunnable sets up the job directory (idempotent) and submits its
// first not-yet-finished task, one call per equal-rqmt bucket (I6).
func (m *Manager) submitRunnable(ctx context.Context, j *job.Job) error {
	if !j.IsSetUp() {
		if err := SetUpJobDirectory(m.WorkDir, j); err != nil {
			return fmt.Errorf("manager: set up %s: %w", j.ID(), err)
		}
	}
	for _, t := range j.Tasks() {
		if allInstancesFinished(m.Markers, j, t) {
			continue
		}
		name := ""
		if m.EngineName != nil {
			name = m.EngineName(t.Name)
		}
		if t.Mini {
			name = "short"
		}
		return SubmitTask(ctx, m.WorkDir, j, t, m.Selector, name, m.Settings, m.Markers)
	}
	j.MarkFinished()
	return nil
}

func allInstancesFinished(markers *FSMarkers, j *job.Job, t *job.Task) bool {
	n := t.NumTaskIDs()
	if n == 0 {
		n = 1
	}
	for id := 1; id <= n; id++ {
		if !markers.FinishMarkerAged(j, t.Name, id) {
			return false
		}
	}
	return true
}

// clearErrors offers (or, non-interactively, applies per ClearErrorOnStartup)
// to remove every task instance's error marker and rotate its log aside, so
// the job becomes resubmittable.
func (m *Manager) clearErrors(buckets *graph.Buckets) {
	for _, j := range buckets.ByStatus[graph.StatusError] {
		prompt := fmt.Sprintf("clear error marker(s) for %s and retry?", j.ID())
		if m.Confirm != nil && !m.Confirm(prompt) {
			continue
		}
		for _, t := range j.Tasks() {
			n := t.NumTaskIDs()
			if n == 0 {
				n = 1
			}
			for id := 1; id <= n; id++ {
				if !m.Markers.ErrorMarker(j, t.Name, id) {
					continue
				}
				if err := m.Markers.ClearError(j, t.Name, id); err != nil {
					log.Logger.Error().Err(err).Str("job", j.ID()).Str("task", t.Name).Int("task_id", id).Msg("manager: clear error marker failed")
					continue
				}
				log.Logger.Info().Str("job", j.ID()).Str("task", t.Name).Int("task_id", id).Msg("manager: cleared error marker on startup")
			}
		}
	}
}

func (m *Manager) logOverview(b *graph.Buckets) {
	log.Logger.Info().
		Int("waiting", len(b.ByStatus[graph.StatusWaiting])).
		Int("runnable", len(b.ByStatus[graph.StatusRunnable])).
		Int("queued", len(b.ByStatus[graph.StatusQueued])).
		Int("running", len(b.ByStatus[graph.StatusRunning])).
		Int("interrupted", len(b.ByStatus[graph.StatusInterrupted])).
		Int("error", len(b.ByStatus[graph.StatusError])).
		Int("finished", len(b.ByStatus[graph.StatusFinished])).
		Msg("manager: status overview")
}
