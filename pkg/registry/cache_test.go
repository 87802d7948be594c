package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisyphus-wfm/sisyphus/pkg/engine"
)

func TestSubmitHistory_ParsesAndCachesUntilFileChanges(t *testing.T) {
	dir := t.TempDir()
	submitLogPath := filepath.Join(dir, "submit_log")

	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	log := engine.OpenSubmitLog(submitLogPath)
	require.NoError(t, log.Append(engine.SubmitLogEntry{TaskIDs: []int{1}, Rqmt: map[string]float64{"cpu": 1}, EngineName: "local"}))

	hist, err := c.SubmitHistory("job/Foo.abc", submitLogPath)
	require.NoError(t, err)
	require.Len(t, hist[1], 1)

	// Corrupt the file on disk behind the cache's back: without re-parsing,
	// a stale cache would still report the one old entry.
	require.NoError(t, os.WriteFile(submitLogPath, []byte(""), 0o644))
	histAfterTruncate, err := c.SubmitHistory("job/Foo.abc", submitLogPath)
	require.NoError(t, err)
	assert.Empty(t, histAfterTruncate[1], "a changed file size must force a re-parse, not reuse the stale cache")
}

func TestSubmitHistory_SameSizeReusesCache(t *testing.T) {
	dir := t.TempDir()
	submitLogPath := filepath.Join(dir, "submit_log")

	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	log := engine.OpenSubmitLog(submitLogPath)
	require.NoError(t, log.Append(engine.SubmitLogEntry{TaskIDs: []int{1}, Rqmt: map[string]float64{"cpu": 1}, EngineName: "local"}))

	first, err := c.SubmitHistory("job/Foo.abc", submitLogPath)
	require.NoError(t, err)

	// Overwrite the file with the same number of zero bytes: a re-parse would
	// find no entries, so getting the first result back shows that the
	// same-size check reused the cached entry instead of parsing again.
	data, err := os.ReadFile(submitLogPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(submitLogPath, make([]byte, len(data)), 0o644))
	second, err := c.SubmitHistory("job/Foo.abc", submitLogPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSubmitHistory_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	hist, err := c.SubmitHistory("job/Foo.abc", filepath.Join(dir, "nonexistent"))
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestInvalidate_ForcesReparseEvenAtSameSize(t *testing.T) {
	dir := t.TempDir()
	submitLogPath := filepath.Join(dir, "submit_log")

	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	log := engine.OpenSubmitLog(submitLogPath)
	require.NoError(t, log.Append(engine.SubmitLogEntry{TaskIDs: []int{1}, EngineName: "local"}))
	_, err = c.SubmitHistory("job/Foo.abc", submitLogPath)
	require.NoError(t, err)

	require.NoError(t, c.Invalidate("job/Foo.abc"))

	_, found := c.get("job/Foo.abc")
	assert.False(t, found, "Invalidate must drop the cached entry outright")
}
