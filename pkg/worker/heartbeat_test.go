package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	calls atomic.Int64
	rss   float64
	vms   float64
	cpu   float64
}

func (f *fakeSampler) Sample(pid int) (rss, vms, cpu float64, err error) {
	f.calls.Add(1)
	return f.rss, f.vms, f.cpu, nil
}

func TestHeartbeat_RunWritesSnapshotOnEachTick(t *testing.T) {
	dir := t.TempDir()
	usagePath := filepath.Join(dir, "usage.run.1")
	sampler := &fakeSampler{rss: 10, vms: 20, cpu: 1}

	h := &Heartbeat{
		Sampler:            sampler,
		Interval:           5 * time.Millisecond,
		MinRelativeChange:  0.1,
		UsagePath:          usagePath,
		PID:                1234,
		User:               "u",
		Host:               "h",
		RequestedResources: map[string]float64{"cpu": 1, "mem": 2},
		Start:              time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return sampler.calls.Load() >= 2
	}, time.Second, time.Millisecond, "heartbeat must sample repeatedly")
	cancel()
	<-done

	snap, _, err := ReadSnapshotFile(usagePath)
	require.NoError(t, err)
	assert.Equal(t, 1234, snap.PID)
	assert.Equal(t, "u", snap.User)
	assert.Equal(t, "h", snap.Host)
	assert.Equal(t, 10.0, snap.Max["rss"])
	assert.Equal(t, 20.0, snap.Max["vms"])
	assert.Equal(t, map[string]float64{"cpu": 1, "mem": 2}, snap.RequestedResources)
}

func TestHeartbeat_RunStopsWhenContextCanceled(t *testing.T) {
	dir := t.TempDir()
	sampler := &fakeSampler{}
	h := &Heartbeat{
		Sampler:   sampler,
		Interval:  time.Millisecond,
		UsagePath: filepath.Join(dir, "usage.run.1"),
		PID:       1,
		Start:     time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestHeartbeat_SampleErrorSkipsSnapshotWrite(t *testing.T) {
	dir := t.TempDir()
	usagePath := filepath.Join(dir, "usage.run.1")
	h := &Heartbeat{
		Sampler:   erroringSampler{},
		Interval:  5 * time.Millisecond,
		UsagePath: usagePath,
		PID:       1,
		Start:     time.Now(),
	}

	h.tick()

	_, statErr := os.Stat(usagePath)
	assert.True(t, os.IsNotExist(statErr), "a failed sample must not write a snapshot")
}

type erroringSampler struct{}

func (erroringSampler) Sample(pid int) (rss, vms, cpu float64, err error) {
	return 0, 0, 0, assert.AnError
}
