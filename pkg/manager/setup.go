package manager

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sisyphus-wfm/sisyphus/pkg/job"
)

// SetUpJobDirectory materializes a runnable job's on-disk directory: the
// job dir itself, its output/ subdirectory, and an input/ symlink farm
// pointing at each input Path's producing job (or, for an external input,
// at the file itself) — the layout §5 describes as the sole ground truth
// the manager, worker and cleanup all agree on.
func SetUpJobDirectory(workDir string, j *job.Job) error {
	dir := filepath.Join(workDir, j.Dir())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("manager: mkdir %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(workDir, j.OutputDir()), 0o755); err != nil {
		return fmt.Errorf("manager: mkdir output for %s: %w", j.ID(), err)
	}
	inputDir := filepath.Join(dir, "input")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return fmt.Errorf("manager: mkdir input for %s: %w", j.ID(), err)
	}
	for _, p := range j.Inputs() {
		link := filepath.Join(inputDir, p.FlatID())
		target := p.AbsPath(workDir)
		if p.Creator != nil {
			target = filepath.Join(workDir, p.Creator.Dir())
		}
		if _, err := os.Lstat(link); err == nil {
			continue // already linked from a previous setup pass
		}
		relTarget, err := filepath.Rel(inputDir, target)
		if err != nil {
			relTarget = target
		}
		if err := os.Symlink(relTarget, link); err != nil && !os.IsExist(err) {
			return fmt.Errorf("manager: symlink input %s -> %s: %w", link, relTarget, err)
		}
	}
	j.MarkSetUp()
	return nil
}
