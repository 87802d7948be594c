package graph

import (
	"bytes"
	"text/template"

	"github.com/sisyphus-wfm/sisyphus/pkg/job"
)

// RenderReportTemplate is the default OutputReport.Render: it executes tmpl
// as a text/template against each declared value's relative path, plus a
// "Ready" map reporting which values are currently available, so a report
// can show live progress on values that aren't finished yet. stat is the
// same availability check the rest of classification uses; it is never
// cached here (unlike Path.IsAvailable) so a template re-render always
// reflects the current filesystem state rather than a stale memo.
func RenderReportTemplate(tmpl string, values map[string]*job.Path, stat func(string) bool) (string, error) {
	t, err := template.New("report").Parse(tmpl)
	if err != nil {
		return "", err
	}
	paths := make(map[string]string, len(values))
	ready := make(map[string]bool, len(values))
	for name, p := range values {
		paths[name] = p.RelPath
		ready[name] = p.Creator != nil && p.Creator.IsFinished() && stat(p.AbsPath(p.Creator.Dir()))
		if p.Creator == nil {
			ready[name] = stat(p.RelPath)
		}
	}
	var buf bytes.Buffer
	data := struct {
		Values map[string]string
		Ready  map[string]bool
	}{paths, ready}
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
