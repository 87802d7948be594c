package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sisyphus-wfm/sisyphus/pkg/engine"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/registry"
	"github.com/sisyphus-wfm/sisyphus/pkg/worker"
)

// FSMarkers implements graph.MarkerReader against the real filesystem,
// grounded on the marker-file grammar in §6: "finished.<task>.<id>",
// "error.<task>.<id>", "<task>.<id>.log" (started), "usage.<task>.<id>"
// (liveness), and a per-job "submit_log" text file.
type FSMarkers struct {
	WorkDir         string
	FinishAgeWindow time.Duration // how long a finish marker must predate "now" to be trusted (I9)
	UsageWindow     time.Duration
	Cache           *registry.Cache // optional; nil falls back to parsing submit_log directly
}

// SubmitHistory returns j's submit_log history, through Cache when one is
// configured so a large graph's status checks don't re-parse every job's
// submit_log from scratch on every manager tick.
func (m *FSMarkers) SubmitHistory(j *job.Job, submitLogPath string) (engine.SubmitHistory, error) {
	if m.Cache != nil {
		return m.Cache.SubmitHistory(j.ID(), submitLogPath)
	}
	return engine.OpenSubmitLog(submitLogPath).History()
}

func (m *FSMarkers) jobDir(j *job.Job) string { return filepath.Join(m.WorkDir, j.Dir()) }

func (m *FSMarkers) markerPath(j *job.Job, kind, taskName string, taskID int) string {
	return filepath.Join(m.jobDir(j), kind+"."+taskName+"."+itoa(taskID))
}

// FinishMarkerAged reports whether the finish marker exists and its mtime is
// at least FinishAgeWindow old, guarding against a marker that was written
// by a worker whose rename has not yet become visible on a networked
// filesystem (I9: never trust a brand-new finish marker).
func (m *FSMarkers) FinishMarkerAged(j *job.Job, taskName string, taskID int) bool {
	info, err := os.Stat(m.markerPath(j, "finished", taskName, taskID))
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) >= m.FinishAgeWindow
}

func (m *FSMarkers) ErrorMarker(j *job.Job, taskName string, taskID int) bool {
	_, err := os.Stat(m.markerPath(j, "error", taskName, taskID))
	return err == nil
}

func (m *FSMarkers) Started(j *job.Job, taskName string, taskID int) bool {
	_, err := os.Stat(filepath.Join(m.jobDir(j), taskName+"."+itoa(taskID)+".log"))
	return err == nil
}

func (m *FSMarkers) UsageRecent(j *job.Job, taskName string, taskID int) bool {
	path := filepath.Join(m.jobDir(j), "usage."+taskName+"."+itoa(taskID))
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) <= m.UsageWindow
}

// ClearError rotates a task instance's log aside (RotateErrorLog) and
// removes its error marker, making the instance resubmittable again. This is
// the granular, per-instance counterpart of the original implementation's
// whole-job-directory clear.
func (m *FSMarkers) ClearError(j *job.Job, taskName string, taskID int) error {
	errPath := m.markerPath(j, "error", taskName, taskID)
	logPath := filepath.Join(m.jobDir(j), taskName+"."+itoa(taskID)+".log")
	if _, err := os.Stat(logPath); err == nil {
		if err := worker.RotateErrorLog(logPath); err != nil {
			return fmt.Errorf("manager: rotate error log %s: %w", logPath, err)
		}
	}
	if err := os.Remove(errPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("manager: remove error marker %s: %w", errPath, err)
	}
	return nil
}

func (m *FSMarkers) SubmitHistoryCount(j *job.Job, taskName string, taskID int) int {
	history, err := m.SubmitHistory(j, filepath.Join(m.jobDir(j), "submit_log"))
	if err != nil {
		return 0
	}
	return len(history[taskID])
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SelectorTaskState adapts an *engine.Selector plus a per-task engine-name
// resolver into the narrow graph.TaskStater this package's status
// classification consumes, keeping pkg/graph free of any import on
// pkg/engine.
type SelectorTaskState struct {
	Selector   *engine.Selector
	EngineName func(taskName string) string
}

func (s *SelectorTaskState) TaskState(taskName string, taskID int) (queue, running, queueError, unknown bool) {
	name := ""
	if s.EngineName != nil {
		name = s.EngineName(taskName)
	}
	return s.Selector.TaskState(name, taskName, taskID)
}
