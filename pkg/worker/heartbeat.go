package worker

import (
	"context"
	"os"
	"time"

	"github.com/sisyphus-wfm/sisyphus/pkg/log"
)

// Sampler reads the current resource usage of a process tree, the
// abstraction the heartbeat loop polls every PloggingInterval. Production
// code backs this with /proc; tests substitute a fake.
type Sampler interface {
	Sample(pid int) (rss, vms, cpu float64, err error)
}

// Heartbeat runs the §4.11 step-4 logging thread: every interval it samples
// the process tree, writes the latest sample to usagePath, and logs a line
// when rss changed by more than minChange relative to the last logged
// value.
type Heartbeat struct {
	Sampler            Sampler
	Interval           time.Duration
	MinRelativeChange  float64
	UsagePath          string
	PID                int
	User               string
	Host               string
	RequestedResources map[string]float64
	Start              time.Time

	lastLoggedRSS float64
	maxRSS        float64
	maxVMS        float64
	maxCPU        float64
}

// Run polls until ctx is canceled, writing a fresh Snapshot every tick. It
// is meant to run in its own goroutine alongside task execution.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Heartbeat) tick() {
	rss, vms, cpu, err := h.Sampler.Sample(h.PID)
	if err != nil {
		log.Logger.Warn().Err(err).Int("pid", h.PID).Msg("worker: usage sample failed")
		return
	}
	if rss > h.maxRSS {
		h.maxRSS = rss
	}
	if vms > h.maxVMS {
		h.maxVMS = vms
	}
	if cpu > h.maxCPU {
		h.maxCPU = cpu
	}
	snap := Snapshot{
		Max:                map[string]float64{"rss": h.maxRSS, "vms": h.maxVMS, "cpu": h.maxCPU},
		Current:            map[string]float64{"rss": rss, "vms": vms, "cpu": cpu},
		PID:                h.PID,
		User:               h.User,
		UsedTime:           time.Since(h.Start).Hours(),
		Host:               h.Host,
		CurrentTime:        float64(time.Now().Unix()),
		RequestedResources: h.RequestedResources,
	}
	if err := WriteAtomic(h.UsagePath, EncodeSnapshot(snap)); err != nil {
		log.Logger.Warn().Err(err).Str("path", h.UsagePath).Msg("worker: usage snapshot write failed")
	}
	if h.lastLoggedRSS == 0 || relativeChange(rss, h.lastLoggedRSS) > h.MinRelativeChange {
		log.Logger.Info().Float64("rss", rss).Msg("worker: rss changed")
		h.lastLoggedRSS = rss
	}
}

func relativeChange(cur, last float64) float64 {
	if last == 0 {
		return 0
	}
	diff := cur - last
	if diff < 0 {
		diff = -diff
	}
	return diff / last
}

// OOMExitCode is the CalledProcessError code (SIGKILL signature) of a process
// killed for running out of memory. Nothing in this package compares exit
// codes against it; the snapshot is marked via NewOOMError (§4.4/§4.11).
const OOMExitCode = 137

// MarkOutOfMemory rewrites the usage snapshot at path with OutOfMemory set.
// RunTaskInstance calls it when a task function returns an error wrapped
// with NewOOMError.
func MarkOutOfMemory(path string) error {
	snap, _, err := ReadSnapshotFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	snap.OutOfMemory = true
	return WriteAtomic(path, EncodeSnapshot(snap))
}
