package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketTasksByRqmt_EqualRqmtSameBucket(t *testing.T) {
	effective := map[int]map[string]float64{
		1: {"cpu": 2, "mem": 4},
		2: {"cpu": 2, "mem": 4},
		3: {"cpu": 1, "gpu": 1},
	}
	buckets := BucketTasksByRqmt(effective)
	var bucketOf = map[int]string{}
	for key, ids := range buckets {
		for _, id := range ids {
			bucketOf[id] = key
		}
	}
	assert.Equal(t, bucketOf[1], bucketOf[2], "I6: equal rqmt must share a batch")
	assert.NotEqual(t, bucketOf[1], bucketOf[3], "I6: differing rqmt must be in different batches")
}

func TestSubmitLog_AppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "submit_log")
	log := OpenSubmitLog(path)

	require.NoError(t, log.Append(SubmitLogEntry{
		TaskIDs:    []int{1, 2},
		Rqmt:       map[string]float64{"cpu": 2, "mem": 4},
		EngineName: "local",
		EngineInfo: "pid=123",
	}))
	require.NoError(t, log.Append(SubmitLogEntry{
		TaskIDs:    []int{3},
		Rqmt:       map[string]float64{"cpu": 1},
		EngineName: "local",
		EngineInfo: "pid=124",
	}))

	hist, err := log.History()
	require.NoError(t, err)
	require.Len(t, hist[1], 1)
	require.Len(t, hist[2], 1)
	require.Len(t, hist[3], 1)
	assert.Equal(t, float64(2), hist[1][0].Rqmt["cpu"])
	assert.Equal(t, "local", hist[1][0].EngineName)
}

func TestSubmitLog_MissingFileIsEmptyHistory(t *testing.T) {
	dir := t.TempDir()
	log := OpenSubmitLog(filepath.Join(dir, "nope"))
	hist, err := log.History()
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestRouteName(t *testing.T) {
	assert.Equal(t, "short", RouteName("default", "gpu", true), "mini overrides even an explicit engine hint")
	assert.Equal(t, "gpu", RouteName("default", "gpu", false))
	assert.Equal(t, "default", RouteName("default", "", false))
}
