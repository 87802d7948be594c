package manager

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/sisyphus-wfm/sisyphus/pkg/config"
	"github.com/sisyphus-wfm/sisyphus/pkg/engine"
	"github.com/sisyphus-wfm/sisyphus/pkg/job"
	"github.com/sisyphus-wfm/sisyphus/pkg/log"
	"github.com/sisyphus-wfm/sisyphus/pkg/metrics"
)

// SubmitTask submits every not-yet-finished, not-yet-queued instance of t
// belonging to job j, bucketing instances with equal effective requirements
// into shared engine.Call batches (I6) and appending one submit_log entry
// per batch.
func SubmitTask(ctx context.Context, workDir string, j *job.Job, t *job.Task, sel *engine.Selector, engineName string, settings *config.Settings, markers *FSMarkers) error {
	logPath := filepath.Join(workDir, j.Dir(), "submit_log")
	submitLog := engine.OpenSubmitLog(logPath)
	history, err := markers.SubmitHistory(j, logPath)
	if err != nil {
		return fmt.Errorf("manager: read submit log for %s/%s: %w", j.ID(), t.Name, err)
	}

	eng, err := sel.Resolve(engineName)
	if err != nil {
		return err
	}

	n := t.NumTaskIDs()
	if n == 0 {
		n = 1
	}
	effective := map[int]map[string]float64{}
	for id := 1; id <= n; id++ {
		if markers.FinishMarkerAged(j, t.Name, id) {
			continue
		}
		queue, running, queueErr, _ := sel.TaskState(engineName, t.Name, id)
		if queue || running || queueErr {
			continue // already submitted and live in the backend's queue
		}
		effective[id] = engine.EffectiveRqmt(t, eng, history, id, nil, settings)
	}
	if len(effective) == 0 {
		return nil
	}

	for _, ids := range engine.BucketTasksByRqmt(effective) {
		call := engine.Call{
			JobDir:       filepath.Join(workDir, j.Dir()),
			LogPath:      filepath.Join(workDir, j.Dir(), fmt.Sprintf("%s.%%d.log", t.Name)),
			Rqmt:         effective[ids[0]],
			JobName:      j.ID(),
			TaskName:     t.Name,
			TaskIDs:      ids,
			Command:      append([]string(nil), settings.SisCommand...),
			SubmissionID: uuid.New().String(),
		}
		log.Logger.Debug().Str("job", j.ID()).Str("task", t.Name).Str("submission_id", call.SubmissionID).Ints("task_ids", ids).Msg("manager: submitting call")
		timer := metrics.NewTimer()
		handle, err := sel.SubmitCall(ctx, engineName, call)
		timer.ObserveDuration(metrics.SubmitDuration)
		if err != nil {
			metrics.TasksSubmitFailedTotal.WithLabelValues(engineName).Inc()
			return fmt.Errorf("manager: submit %s/%s %v: %w", j.ID(), t.Name, ids, err)
		}
		metrics.TasksSubmittedTotal.WithLabelValues(engineName).Add(float64(len(ids)))
		if err := submitLog.Append(engine.SubmitLogEntry{
			TaskIDs:    ids,
			Rqmt:       call.Rqmt,
			EngineName: engineName,
			EngineInfo: handle.Native,
		}); err != nil {
			return fmt.Errorf("manager: append submit log for %s/%s: %w", j.ID(), t.Name, err)
		}
	}
	return nil
}
