package manager

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sisyphus-wfm/sisyphus/pkg/config"
	"github.com/sisyphus-wfm/sisyphus/pkg/graph"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/log"
)

// LinkOutputs implements §4.12: every finished OutputPath target is
// symlinked into the alias/output namespace (Settings.AliasDir +
// AliasOutputSubdir), mirrored into Settings.TeamShareDir when configured.
func LinkOutputs(targets []graph.Target, workDir string, settings *config.Settings, stat func(string) bool) {
	for _, t := range targets {
		op, ok := t.(*graph.OutputPath)
		if !ok {
			continue
		}
		if !op.Done(stat) {
			continue
		}
		src := outputAbsPath(workDir, op.Path)
		dest := aliasDest(workDir, settings, op.LinkPath)
		if err := linkInto(src, dest); err != nil {
			log.Logger.Warn().Err(err).Str("target", op.Name()).Msg("manager: link output failed")
			continue
		}
		if settings.TeamShareDir != "" {
			share := filepath.Join(settings.TeamShareDir, settings.AliasOutputSubdir, op.LinkPath)
			if err := linkInto(src, share); err != nil {
				log.Logger.Warn().Err(err).Str("target", op.Name()).Msg("manager: team-share link failed")
			}
		}
	}
}

func aliasDest(workDir string, settings *config.Settings, linkPath string) string {
	return filepath.Join(workDir, settings.AliasDir, settings.AliasOutputSubdir, linkPath)
}

// outputAbsPath resolves an output Path to its real on-disk location:
// workDir/<job dir>/output/<relative name>. Path.AbsPath alone isn't enough
// here since its RelPath is only the output/<name> suffix, relative to the
// owning job's directory rather than the work root.
func outputAbsPath(workDir string, p *job.Path) string {
	if p.Creator == nil {
		return p.AbsPath(workDir)
	}
	return p.AbsPath(filepath.Join(workDir, p.Creator.Dir()))
}

// RenderReports re-renders every OutputReport target's template and
// overwrites its destination file, regardless of whether its values are
// fully ready, so partial progress stays visible across a long run.
func RenderReports(targets []graph.Target, workDir string, stat func(string) bool) {
	for _, t := range targets {
		rep, ok := t.(*graph.OutputReport)
		if !ok || rep.Dest == "" {
			continue
		}
		render := rep.Render
		if render == nil {
			render = graph.RenderReportTemplate
		}
		out, err := render(rep.Template, rep.Values, stat)
		if err != nil {
			log.Logger.Warn().Err(err).Str("target", rep.Name()).Msg("manager: render report failed")
			continue
		}
		dest := filepath.Join(workDir, rep.Dest)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			log.Logger.Warn().Err(err).Str("target", rep.Name()).Msg("manager: mkdir report dest failed")
			continue
		}
		if err := os.WriteFile(dest, []byte(out), 0o644); err != nil {
			log.Logger.Warn().Err(err).Str("target", rep.Name()).Msg("manager: write report failed")
		}
	}
}

// LinkAliases mirrors every job's declared aliases into Settings.AliasDir,
// pointing at the job's own work directory.
func LinkAliases(g *graph.Graph, workDir string, settings *config.Settings) {
	g.ForAllNodes(1, true, func(j *job.Job) bool {
		for _, alias := range j.Aliases() {
			dest := filepath.Join(workDir, settings.AliasDir, alias)
			if err := linkInto(filepath.Join(workDir, j.Dir()), dest); err != nil {
				log.Logger.Warn().Err(err).Str("job", j.ID()).Str("alias", alias).Msg("manager: alias link failed")
			}
		}
		return true
	})
}

// linkInto creates (or repairs) a symlink at dest pointing at the resolved
// absolute form of target, replacing a stale link but leaving an unrelated
// file alone.
func linkInto(target, dest string) error {
	real, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("manager: resolve link target %s: %w", target, err)
	}
	if resolved, err := filepath.EvalSymlinks(real); err == nil {
		real = resolved
	}
	if existing, err := os.Readlink(dest); err == nil {
		if existing == real {
			return nil
		}
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("manager: remove stale link %s: %w", dest, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("manager: mkdir %s: %w", filepath.Dir(dest), err)
	}
	if err := os.Symlink(real, dest); err != nil {
		return fmt.Errorf("manager: symlink %s -> %s: %w", dest, real, err)
	}
	log.Logger.Info().Str("link", dest).Str("target", real).Msg("manager: linked finished output")
	return nil
}
