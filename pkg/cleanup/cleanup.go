// Package cleanup implements the C12 cleanup engine: classifying job
// directories by keep-value/need, archiving finished scratch space, and
// removing or moving directories no longer referenced by the loaded graph.
package cleanup

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sisyphus-wfm/sisyphus/pkg/graph"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/log"
)

// Status codes mirror the four special job_dirs values the classifier
// assigns before (and in place of) an actual keep-value.
const (
	StatusDirInGraph        = -4
	StatusJobNotFinished    = -3
	StatusJobStillNeeded    = -2
	StatusJobWithoutKeepVal = -1
)

// ExtractKeepValues walks every target's required Paths and classifies each
// reachable job directory: still-needed (an ancestor of an unfinished
// target), not-finished, or its declared (or default) keep-value. Directory
// prefixes shared by multiple jobs are marked StatusDirInGraph so
// SearchForUnused can recurse into them instead of treating them as unused.
func ExtractKeepValues(g *graph.Graph, statFn func(string) bool, defaultKeepValue int) map[string]int {
	needed := map[*job.Job]bool{}
	all := map[*job.Job]bool{}
	for _, t := range g.Targets() {
		for _, p := range t.Required() {
			collectAncestors(p.Creator, all)
		}
		if !t.Done(statFn) {
			for _, p := range t.Required() {
				collectAncestors(p.Creator, needed)
			}
		}
	}

	jobDirs := map[string]int{}
	for j := range all {
		path := j.Dir()
		var status int
		switch {
		case needed[j]:
			status = StatusJobStillNeeded
		case !j.IsFinished():
			status = StatusJobNotFinished
		default:
			if kv, ok := j.KeepValue(); ok {
				status = kv
			} else {
				status = defaultKeepValue
			}
		}
		jobDirs[path] = status
		markParentDirs(jobDirs, path)
	}
	return jobDirs
}

func collectAncestors(j *job.Job, seen map[*job.Job]bool) {
	if j == nil || seen[j] {
		return
	}
	seen[j] = true
	for _, p := range j.Inputs() {
		collectAncestors(p.Creator, seen)
	}
}

func markParentDirs(jobDirs map[string]int, path string) {
	dir := filepath.Dir(path)
	for dir != "." && dir != "/" && dir != "" {
		if _, exists := jobDirs[dir]; !exists {
			jobDirs[dir] = StatusDirInGraph
		}
		dir = filepath.Dir(dir)
	}
}

// FindTooLowKeepValue returns the sorted set of job directories eligible for
// removal: not a graph-internal prefix, not still needed, not unfinished,
// and with an (effective) keep-value strictly below minKeepValue. filter, if
// non-nil, additionally restricts to paths it accepts.
func FindTooLowKeepValue(jobDirs map[string]int, minKeepValue, defaultKeepValue int, filter func(string) bool) []string {
	var toRemove []string
	for path, kv := range jobDirs {
		if kv == StatusDirInGraph || kv == StatusJobNotFinished || kv == StatusJobStillNeeded {
			continue
		}
		if kv == StatusJobWithoutKeepVal {
			kv = defaultKeepValue
		}
		if kv < minKeepValue && (filter == nil || filter(path)) {
			toRemove = append(toRemove, path)
		}
	}
	sort.Strings(toRemove)
	return toRemove
}

// SearchForUnused recurses through workDir, collecting every directory entry
// that jobDirs has no record of at all — the filesystem-vs-graph diff that
// finds orphaned job directories left over from a renamed or removed recipe.
// A StatusDirInGraph entry means "keep looking inside", not "this directory
// itself is used".
func SearchForUnused(jobDirs map[string]int, root string, filter func(string) bool) ([]string, error) {
	return searchForUnused(jobDirs, root, "", filter)
}

// searchForUnused walks root/rel, tracking rel separately from the absolute
// filesystem path: jobDirs is keyed the same way ExtractKeepValues built it,
// by job.Dir() (relative to the work directory), so the lookup key and the
// path handed to os.ReadDir must not be the same string.
func searchForUnused(jobDirs map[string]int, root, rel string, filter func(string) bool) ([]string, error) {
	current := filepath.Join(root, rel)
	entries, err := os.ReadDir(current)
	if err != nil {
		return nil, fmt.Errorf("cleanup: read dir %s: %w", current, err)
	}
	var unused []string
	for _, e := range entries {
		relPath := filepath.Join(rel, e.Name())
		status, known := jobDirs[relPath]
		switch {
		case !known:
			if filter == nil || filter(relPath) {
				unused = append(unused, filepath.Join(root, relPath))
			}
		case status == StatusDirInGraph:
			found, err := searchForUnused(jobDirs, root, relPath, filter)
			if err != nil {
				return nil, err
			}
			unused = append(unused, found...)
		default:
			// a job directory belonging to the graph: keep it
		}
	}
	return unused, nil
}

// Mode selects what RemoveDirectories does with each eligible directory.
type Mode string

const (
	ModeRemove Mode = "remove"
	ModeMove   Mode = "move"
	ModeDryRun Mode = "dryrun"
)

// Confirmer gates the destructive remove/move step behind a yes/no check,
// mirroring the upstream interactive "Delete directories? (y/n)" prompt.
type Confirmer func(prompt string) bool

// RemoveDirectories applies mode to every directory in dirs, guarded by
// confirm unless mode is ModeDryRun (which never touches the filesystem).
// A move appends the next free ".cleanup.NNNN" suffix rather than
// overwriting an existing sibling from a prior cleanup pass.
func RemoveDirectories(dirs []string, mode Mode, confirm Confirmer) error {
	if len(dirs) == 0 {
		return nil
	}
	log.Logger.Info().Int("count", len(dirs)).Str("mode", string(mode)).Msg("cleanup: directories affected")
	if mode == ModeDryRun {
		for _, d := range dirs {
			log.Logger.Info().Str("dir", d).Msg("cleanup: would remove (dryrun)")
		}
		return nil
	}
	prompt := "delete directories?"
	if mode == ModeMove {
		prompt = "move directories?"
	}
	if confirm != nil && !confirm(fmt.Sprintf("%s (%d affected)", prompt, len(dirs))) {
		log.Logger.Warn().Msg("cleanup: aborted by operator")
		return nil
	}
	for i, d := range dirs {
		switch mode {
		case ModeMove:
			dest, err := nextCleanupSuffix(d)
			if err != nil {
				return err
			}
			log.Logger.Info().Str("from", d).Str("to", dest).Msg("cleanup: move")
			if err := os.Rename(d, dest); err != nil {
				return fmt.Errorf("cleanup: move %s: %w", d, err)
			}
		case ModeRemove:
			log.Logger.Info().Int("n", i+1).Int("total", len(dirs)).Str("dir", d).Msg("cleanup: delete")
			if info, err := os.Lstat(d); err == nil && info.Mode()&os.ModeSymlink != 0 {
				if err := os.Remove(d); err != nil {
					return fmt.Errorf("cleanup: unlink %s: %w", d, err)
				}
				continue
			}
			if err := os.RemoveAll(d); err != nil {
				return fmt.Errorf("cleanup: remove %s: %w", d, err)
			}
		default:
			return fmt.Errorf("cleanup: unknown mode %q", mode)
		}
	}
	return nil
}

func nextCleanupSuffix(path string) (string, error) {
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s.cleanup.%04d", path, n)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}

// CleanupJobs archives and trims the scratch space of every finished,
// non-continuable job reachable from g: everything except output/ and the
// archive itself is tarred into finished.tar.gz, then removed.
func CleanupJobs(g *graph.Graph, workDir string) error {
	seen := map[*job.Job]bool{}
	for _, t := range g.Targets() {
		for _, p := range t.Required() {
			collectAncestors(p.Creator, seen)
		}
	}
	for j := range seen {
		if !j.IsFinished() {
			continue
		}
		if err := ArchiveJobScratch(filepath.Join(workDir, j.Dir())); err != nil {
			return fmt.Errorf("cleanup: archive %s: %w", j.ID(), err)
		}
	}
	return nil
}

// ArchiveJobScratch tars every entry of dir except "output" and a
// pre-existing "finished.tar.gz" into finished.tar.gz, then removes the
// originals — keeping only the declared outputs and the archive itself, the
// on-disk shape §4.12 describes for a cleaned-up finished job.
func ArchiveJobScratch(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("cleanup: read %s: %w", dir, err)
	}
	var toArchive []string
	for _, e := range entries {
		if e.Name() == "output" || e.Name() == "finished.tar.gz" {
			continue
		}
		toArchive = append(toArchive, e.Name())
	}
	if len(toArchive) == 0 {
		return nil
	}

	archivePath := filepath.Join(dir, "finished.tar.gz")
	if err := writeTarGz(archivePath, dir, toArchive); err != nil {
		return err
	}
	for _, name := range toArchive {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("cleanup: remove archived %s: %w", name, err)
		}
	}
	return nil
}

func writeTarGz(archivePath, baseDir string, names []string) error {
	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("cleanup: create %s: %w", archivePath, err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, name := range names {
		full := filepath.Join(baseDir, name)
		if err := filepath.Walk(full, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(baseDir, path)
			if err != nil {
				return err
			}
			if info.Mode()&os.ModeSymlink != 0 {
				link, err := os.Readlink(path)
				if err != nil {
					return err
				}
				hdr, err := tar.FileInfoHeader(info, link)
				if err != nil {
					return err
				}
				hdr.Name = rel
				return tw.WriteHeader(hdr)
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			src, err := os.Open(path)
			if err != nil {
				return err
			}
			defer src.Close()
			_, err = io.Copy(tw, src)
			return err
		}); err != nil {
			return fmt.Errorf("cleanup: tar %s: %w", full, err)
		}
	}
	return nil
}

// ContainsSubstring is the simple "any(x in path for x in filters)" filter
// upstream uses throughout; exposed so CLI flags can build a filter func.
func ContainsSubstring(filters []string) func(string) bool {
	if len(filters) == 0 {
		return nil
	}
	return func(path string) bool {
		for _, f := range filters {
			if strings.Contains(path, f) {
				return true
			}
		}
		return false
	}
}
