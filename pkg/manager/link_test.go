package manager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisyphus-wfm/sisyphus/pkg/config"
	"github.com/sisyphus-wfm/sisyphus/pkg/graph"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

func TestLinkOutputs_SymlinksFinishedTargetIntoAliasDir(t *testing.T) {
	dir := t.TempDir()
	reg := job.NewRegistry()
	j := reg.Build(job.Spec{
		ModulePath:  "task/test",
		ClassName:   "Out",
		Kwargs:      value.Map{},
		Constructor: func(j *job.Job) { j.RegisterOutput("out", "result.txt") },
	})
	outPath := j.Output("out")

	outAbs := outPath.AbsPath(filepath.Join(dir, j.Dir()))
	require.NoError(t, os.MkdirAll(filepath.Dir(outAbs), 0o755))
	require.NoError(t, os.WriteFile(outAbs, []byte("x"), 0o644))
	j.MarkFinished()

	settings := config.Default()
	settings.AliasDir = "alias"
	// The target's Done() gate goes through Path.IsAvailable, which consults
	// the job's own (Creator-relative) availability rule rather than this
	// absolute path; stub it open so only MarkFinished gates readiness here.
	statFn := func(string) bool { return true }

	LinkOutputs([]graph.Target{&graph.OutputPath{TargetName: "t", Path: outPath, LinkPath: "my/result.txt"}}, dir, settings, statFn)

	link := filepath.Join(dir, "alias", "my/result.txt")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, outAbs, target)
}

func TestLinkOutputs_MirrorsIntoTeamShareDir(t *testing.T) {
	dir := t.TempDir()
	reg := job.NewRegistry()
	j := reg.Build(job.Spec{
		ModulePath:  "task/test",
		ClassName:   "Out2",
		Kwargs:      value.Map{},
		Constructor: func(j *job.Job) { j.RegisterOutput("out", "result.txt") },
	})
	outPath := j.Output("out")
	outAbs := outPath.AbsPath(filepath.Join(dir, j.Dir()))
	require.NoError(t, os.MkdirAll(filepath.Dir(outAbs), 0o755))
	require.NoError(t, os.WriteFile(outAbs, []byte("x"), 0o644))
	j.MarkFinished()

	share := t.TempDir()
	settings := config.Default()
	settings.TeamShareDir = share
	statFn := func(string) bool { return true }

	LinkOutputs([]graph.Target{&graph.OutputPath{TargetName: "t", Path: outPath, LinkPath: "result.txt"}}, dir, settings, statFn)

	_, err := os.Readlink(filepath.Join(share, "result.txt"))
	assert.NoError(t, err, "team-share mirror must be created too")
}

func TestLinkOutputs_SkipsUnfinishedTarget(t *testing.T) {
	dir := t.TempDir()
	reg := job.NewRegistry()
	j := reg.Build(job.Spec{
		ModulePath:  "task/test",
		ClassName:   "Out3",
		Kwargs:      value.Map{},
		Constructor: func(j *job.Job) { j.RegisterOutput("out", "result.txt") },
	})

	settings := config.Default()
	LinkOutputs([]graph.Target{&graph.OutputPath{TargetName: "t", Path: j.Output("out"), LinkPath: "result.txt"}}, dir, settings, func(string) bool { return false })

	_, err := os.Lstat(filepath.Join(dir, "alias", "result.txt"))
	assert.True(t, os.IsNotExist(err), "an unfinished target must not be linked")
}

func TestLinkAliases_SymlinksJobAliasesIntoAliasDir(t *testing.T) {
	dir := t.TempDir()
	reg := job.NewRegistry()
	j := reg.Build(job.Spec{
		ModulePath: "task/test",
		ClassName:  "Aliased",
		Kwargs:     value.Map{},
		Constructor: func(j *job.Job) {
			j.RegisterOutput("out", "result.txt")
			j.AddAlias("pipelines/my_alias")
		},
	})
	g := graph.New()
	g.AddTarget(&graph.OutputPath{TargetName: "t", Path: j.Output("out")})

	settings := config.Default()
	LinkAliases(g, dir, settings)

	link := filepath.Join(dir, "alias", "pipelines/my_alias")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, j.Dir()), target)
}
