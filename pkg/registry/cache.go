// Package registry is a bbolt-backed accelerator cache over the job-id
// graph: the filesystem (job.save, submit_log, marker files) remains the
// sole ground truth (§5), so everything kept here is invalidated and
// rebuilt from disk the moment it no longer matches what is on disk. The
// cache exists purely to avoid re-reading every job's submit_log from
// scratch on every manager tick once a graph grows large.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/sisyphus-wfm/sisyphus/pkg/engine"
)

var bucketSubmitLogs = []byte("submit_logs")

// Cache wraps one bbolt database file, one bucket, keyed by job id.
type Cache struct {
	db *bolt.DB
}

// entry is the persisted record for one job's submit_log: the observed file
// size at the time History was last parsed, and the parsed result itself.
// A size mismatch on the next read means the file changed underneath the
// cache (a new submission, or a stale/foreign cache file) and forces a full
// re-parse — the cache is never trusted past that check.
type entry struct {
	Size    int64                         `json:"size"`
	History map[int][]engine.SubmitLogEntry `json:"history"`
}

// Open creates (or reopens) the cache database under dataDir.
func Open(dataDir string) (*Cache, error) {
	path := filepath.Join(dataDir, "registry.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSubmitLogs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: init buckets: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// SubmitHistory returns jobID's submit_log history, using the cached parse
// if submitLogPath's size on disk still matches what was cached, otherwise
// re-parsing the file and overwriting the cache entry.
func (c *Cache) SubmitHistory(jobID, submitLogPath string) (engine.SubmitHistory, error) {
	info, statErr := os.Stat(submitLogPath)
	var size int64
	if statErr == nil {
		size = info.Size()
	} else if !os.IsNotExist(statErr) {
		return nil, fmt.Errorf("registry: stat %s: %w", submitLogPath, statErr)
	}

	if cached, ok := c.get(jobID); ok && cached.Size == size {
		return engine.SubmitHistory(cached.History), nil
	}

	hist, err := engine.OpenSubmitLog(submitLogPath).History()
	if err != nil {
		return nil, err
	}
	if err := c.put(jobID, entry{Size: size, History: map[int][]engine.SubmitLogEntry(hist)}); err != nil {
		return nil, err
	}
	return hist, nil
}

// Invalidate drops jobID's cached entry outright, forcing the next
// SubmitHistory call to re-parse from disk regardless of file size — used
// when the caller knows the cache can no longer be trusted (e.g. the job
// directory was removed by cleanup).
func (c *Cache) Invalidate(jobID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubmitLogs).Delete([]byte(jobID))
	})
}

func (c *Cache) get(jobID string) (entry, bool) {
	var e entry
	var found bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSubmitLogs).Get([]byte(jobID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &e); err != nil {
			return nil // corrupt entry: treat as a miss, it gets overwritten below
		}
		found = true
		return nil
	})
	return e, found
}

func (c *Cache) put(jobID string, e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("registry: marshal entry for %s: %w", jobID, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubmitLogs).Put([]byte(jobID), data)
	})
}
