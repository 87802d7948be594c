package cleanup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisyphus-wfm/sisyphus/pkg/graph"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

func buildJob(t *testing.T, reg *job.Registry, name string, kwargs value.Map) *job.Job {
	t.Helper()
	return reg.Build(job.Spec{
		ModulePath: "task/test",
		ClassName:  name,
		Kwargs:     kwargs,
		Constructor: func(j *job.Job) {
			j.RegisterOutput("out", "result.txt")
		},
	})
}

// TestExtractKeepValues_AmbiguousNilKeepValue documents Open Question (c): a
// job with no declared keep-value is classified using defaultKeepValue, not
// treated as "never clean up".
func TestExtractKeepValues_AmbiguousNilKeepValue(t *testing.T) {
	reg := job.NewRegistry()
	j := buildJob(t, reg, "Finished", nil)
	j.MarkFinished()

	g := graph.New()
	g.AddTarget(&graph.OutputPath{TargetName: "out", Path: j.Output("out")})

	statFn := func(string) bool { return true } // target satisfied: not "still needed"
	jobDirs := ExtractKeepValues(g, statFn, 42)

	assert.Equal(t, 42, jobDirs[j.Dir()], "a job with no declared keep-value falls back to defaultKeepValue")
}

func TestExtractKeepValues_StillNeededWhenTargetUnfinished(t *testing.T) {
	reg := job.NewRegistry()
	producer := buildJob(t, reg, "Producer", nil)
	consumer := reg.Build(job.Spec{
		ModulePath: "task/test",
		ClassName:  "Consumer",
		Kwargs:     value.Map{{Key: value.Str("in"), Val: producer.Output("out")}},
		Constructor: func(j *job.Job) {
			j.RegisterOutput("out", "result.txt")
		},
	})
	producer.SetKeepValue(5)

	g := graph.New()
	g.AddTarget(&graph.OutputPath{TargetName: "out", Path: consumer.Output("out")})

	statFn := func(string) bool { return false } // nothing on disk: target still unfinished
	jobDirs := ExtractKeepValues(g, statFn, 42)

	assert.Equal(t, StatusJobStillNeeded, jobDirs[producer.Dir()])
	assert.Equal(t, StatusJobStillNeeded, jobDirs[consumer.Dir()])
}

func TestExtractKeepValues_NotFinishedJobIsNeverEligible(t *testing.T) {
	reg := job.NewRegistry()
	j := buildJob(t, reg, "Unfinished", nil)
	// j.MarkFinished() intentionally not called

	g := graph.New()
	g.AddTarget(&graph.OutputPath{TargetName: "out", Path: j.Output("out")})

	// j's own output cannot be available while j is unfinished, so the
	// target is not done and j, as its ancestor, is still needed.
	statFn := func(string) bool { return true }
	jobDirs := ExtractKeepValues(g, statFn, 42)

	assert.Equal(t, StatusJobStillNeeded, jobDirs[j.Dir()])
}

func TestFindTooLowKeepValue_FiltersAndSorts(t *testing.T) {
	jobDirs := map[string]int{
		"task/a": 5,
		"task/b": 50,
		"task/c": StatusJobStillNeeded,
		"task/d": StatusJobNotFinished,
		"task/e": StatusDirInGraph,
		"task/f": StatusJobWithoutKeepVal,
	}
	got := FindTooLowKeepValue(jobDirs, 10, 3, nil)
	assert.Equal(t, []string{"task/a", "task/f"}, got)
}

func TestFindTooLowKeepValue_RespectsFilter(t *testing.T) {
	jobDirs := map[string]int{"keep/a": 1, "drop/b": 1}
	onlyDrop := ContainsSubstring([]string{"drop/"})
	got := FindTooLowKeepValue(jobDirs, 10, 3, onlyDrop)
	assert.Equal(t, []string{"drop/b"}, got)
}

func TestSearchForUnused_FindsOrphanDirectoriesOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "task", "known.abc"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "task", "orphan.xyz"), 0o755))

	jobDirs := map[string]int{
		"task":              StatusDirInGraph,
		"task/known.abc":    5,
	}
	unused, err := SearchForUnused(jobDirs, dir, nil)
	require.NoError(t, err)
	require.Len(t, unused, 1)
	assert.Equal(t, filepath.Join(dir, "task", "orphan.xyz"), unused[0])
}

func TestRemoveDirectories_DryRunTouchesNothing(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "job1")
	require.NoError(t, os.Mkdir(target, 0o755))

	err := RemoveDirectories([]string{target}, ModeDryRun, func(string) bool { t.Fatal("dryrun must not prompt"); return false })
	require.NoError(t, err)
	_, statErr := os.Stat(target)
	assert.NoError(t, statErr, "dryrun must not remove anything")
}

func TestRemoveDirectories_RemoveRequiresConfirmation(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "job1")
	require.NoError(t, os.Mkdir(target, 0o755))

	err := RemoveDirectories([]string{target}, ModeRemove, func(string) bool { return false })
	require.NoError(t, err)
	_, statErr := os.Stat(target)
	assert.NoError(t, statErr, "a declined confirmation must leave the directory in place")

	err = RemoveDirectories([]string{target}, ModeRemove, func(string) bool { return true })
	require.NoError(t, err)
	_, statErr = os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemoveDirectories_MoveAppendsNextFreeSuffix(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "job1")
	require.NoError(t, os.Mkdir(target, 0o755))
	require.NoError(t, os.Mkdir(target+".cleanup.0001", 0o755))

	err := RemoveDirectories([]string{target}, ModeMove, func(string) bool { return true })
	require.NoError(t, err)
	_, statErr := os.Stat(target + ".cleanup.0002")
	assert.NoError(t, statErr, "must skip the already-used .cleanup.0001 suffix")
}

func TestArchiveJobScratch_KeepsOutputRemovesScratch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "output"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output", "result.txt"), []byte("ok"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.1.log"), []byte("log"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "finished.run.1"), []byte(""), 0o644))

	require.NoError(t, ArchiveJobScratch(dir))

	_, err := os.Stat(filepath.Join(dir, "finished.tar.gz"))
	assert.NoError(t, err, "archive must be created")
	_, err = os.Stat(filepath.Join(dir, "output", "result.txt"))
	assert.NoError(t, err, "output/ must survive archiving")
	_, err = os.Stat(filepath.Join(dir, "run.1.log"))
	assert.True(t, os.IsNotExist(err), "scratch files must be removed after archiving")
}

func TestArchiveJobScratch_NoScratchIsNoop(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "output"), 0o755))

	require.NoError(t, ArchiveJobScratch(dir))
	_, err := os.Stat(filepath.Join(dir, "finished.tar.gz"))
	assert.True(t, os.IsNotExist(err), "nothing to archive must not create an empty archive")
}

func TestCleanupJobs_OnlyArchivesFinishedJobs(t *testing.T) {
	dir := t.TempDir()
	reg := job.NewRegistry()
	finished := buildJob(t, reg, "Finished", nil)
	unfinished := buildJob(t, reg, "Unfinished", nil)
	finished.MarkFinished()

	for _, j := range []*job.Job{finished, unfinished} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, j.Dir(), "output"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, j.Dir(), "scratch.txt"), []byte("x"), 0o644))
	}

	g := graph.New()
	g.AddTarget(&graph.OutputPath{TargetName: "finished-out", Path: finished.Output("out")})
	g.AddTarget(&graph.OutputPath{TargetName: "unfinished-out", Path: unfinished.Output("out")})

	require.NoError(t, CleanupJobs(g, dir))

	_, err := os.Stat(filepath.Join(dir, finished.Dir(), "finished.tar.gz"))
	assert.NoError(t, err, "finished job must be archived")
	_, err = os.Stat(filepath.Join(dir, unfinished.Dir(), "scratch.txt"))
	assert.NoError(t, err, "unfinished job must be left untouched")
}
