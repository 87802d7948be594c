package engine

import (
	"context"
	"fmt"

	"github.com/sisyphus-wfm/sisyphus/pkg/job"
)

// Selector is a composite engine that routes each submission to a named
// sub-engine by the task's rqmt["engine"] hint, falling back to a
// configured default (C9).
type Selector struct {
	Default  string
	Engines  map[string]Engine
}

// NewSelector builds a selector over the given named engines.
func NewSelector(defaultName string, engines map[string]Engine) *Selector {
	return &Selector{Default: defaultName, Engines: engines}
}

func (s *Selector) Name() string { return "selector" }

func (s *Selector) resolve(name string) (Engine, error) {
	if name == "" {
		name = s.Default
	}
	e, ok := s.Engines[name]
	if !ok {
		return nil, fmt.Errorf("engine: no sub-engine named %q", name)
	}
	return e, nil
}

// Resolve exposes the named (or default) sub-engine directly, for callers —
// the submission pipeline's EffectiveRqmt computation — that need the
// concrete Engine rather than a routed method call.
func (s *Selector) Resolve(name string) (Engine, error) { return s.resolve(name) }

// Start fans out to every distinct sub-engine exactly once.
func (s *Selector) Start(ctx context.Context) error {
	return s.forEachDistinct(func(e Engine) error { return e.Start(ctx) })
}

// Stop fans out to every distinct sub-engine exactly once.
func (s *Selector) Stop(ctx context.Context) error {
	return s.forEachDistinct(func(e Engine) error { return e.Stop(ctx) })
}

// ResetCache fans out to every distinct sub-engine exactly once.
func (s *Selector) ResetCache() {
	_ = s.forEachDistinct(func(e Engine) error { e.ResetCache(); return nil })
}

func (s *Selector) forEachDistinct(f func(Engine) error) error {
	seen := map[Engine]bool{}
	for _, e := range s.Engines {
		if seen[e] {
			continue
		}
		seen[e] = true
		if err := f(e); err != nil {
			return err
		}
	}
	return nil
}

// RouteName picks the sub-engine name for a task: rqmt["engine"] if set,
// "short" if the task is flagged mini (overriding even an explicit engine
// hint), else the selector's default.
func RouteName(defaultName string, rqmtEngine string, mini bool) string {
	if mini {
		return "short"
	}
	if rqmtEngine != "" {
		return rqmtEngine
	}
	return defaultName
}

// SubmitCall routes by call.Rqmt["engine"] (encoded as a string sentinel key
// handled by the caller before building Call.Rqmt, since Call.Rqmt is
// float64-valued) — callers pass the resolved sub-engine name directly via
// engineName.
func (s *Selector) SubmitCall(ctx context.Context, engineName string, call Call) (Handle, error) {
	e, err := s.resolve(engineName)
	if err != nil {
		return Handle{}, err
	}
	return e.SubmitCall(ctx, call)
}

// TaskState asks the named sub-engine (resolved by the manager from the
// owning task's rqmt) about one instance.
func (s *Selector) TaskState(engineName, taskName string, taskID int) (queue, running, queueErr, unknown bool) {
	e, err := s.resolve(engineName)
	if err != nil {
		return false, false, false, true
	}
	return e.TaskState(taskName, taskID)
}

// DefaultRqmt defers to the resolved sub-engine.
func (s *Selector) DefaultRqmt(engineName string, t *job.Task) map[string]float64 {
	e, err := s.resolve(engineName)
	if err != nil {
		return nil
	}
	return e.DefaultRqmt(t)
}
