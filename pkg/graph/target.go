// Package graph roots traversal from user-registered output targets,
// computing job status over the job.Registry's DAG (C5).
package graph

import (
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
)

// Target is a named output request: one or more Paths that must be
// computed before the target is "done".
type Target interface {
	Name() string
	Required() []*job.Path
	Done(statFn func(string) bool) bool
}

// OutputPath is a single Path, symlinked into the alias namespace when it
// becomes available.
type OutputPath struct {
	TargetName string
	Path       *job.Path
	LinkPath   string // destination under <output-dir>/<optional-subdir>/<name>
}

func (t *OutputPath) Name() string            { return t.TargetName }
func (t *OutputPath) Required() []*job.Path    { return []*job.Path{t.Path} }
func (t *OutputPath) Done(stat func(string) bool) bool {
	return t.Path.IsAvailable(stat)
}

// OutputReport renders a template against a set of Paths/Variables at each
// manager tick, even before all inputs are ready, re-rendering on every
// subsequent tick until the job finishes (so partial reports are visible
// during a long run) — the "periodic OutputReport re-render" feature.
// RenderReports (pkg/manager) is what actually drives the periodic
// re-render; Done only reports whether the underlying Paths are complete.
type OutputReport struct {
	TargetName string
	Template   string
	Values     map[string]*job.Path
	Dest       string // file the rendered report is (over)written to, relative to the work dir
	Render     func(template string, values map[string]*job.Path, stat func(string) bool) (string, error)
}

func (t *OutputReport) Name() string { return t.TargetName }

func (t *OutputReport) Required() []*job.Path {
	out := make([]*job.Path, 0, len(t.Values))
	for _, p := range t.Values {
		out = append(out, p)
	}
	return out
}

func (t *OutputReport) Done(stat func(string) bool) bool {
	for _, p := range t.Required() {
		if !p.IsAvailable(stat) {
			return false
		}
	}
	return true
}

// OutputCall runs a callback once every required Path is available.
type OutputCall struct {
	TargetName string
	Deps       []*job.Path
	Callback   func() error
	called     bool
}

func (t *OutputCall) Name() string         { return t.TargetName }
func (t *OutputCall) Required() []*job.Path { return t.Deps }

func (t *OutputCall) Done(stat func(string) bool) bool {
	for _, p := range t.Deps {
		if !p.IsAvailable(stat) {
			return false
		}
	}
	if !t.called && t.Callback != nil {
		if err := t.Callback(); err != nil {
			return false
		}
		t.called = true
	}
	return true
}
