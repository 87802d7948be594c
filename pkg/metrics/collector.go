package metrics

import (
	"time"

	"github.com/sisyphus-wfm/sisyphus/pkg/graph"
)

// Collector periodically snapshots the manager's classification buckets into
// the JobsTotal gauge. It is driven externally (Update, called once per
// manager.iterate) as well as on its own ticker, so a caller that doesn't
// want a second polling loop can just call Update directly and skip Start.
type Collector struct {
	snapshot func() *graph.Buckets
	stopCh   chan struct{}
}

// NewCollector wraps a snapshot function returning the manager's current
// classification buckets.
func NewCollector(snapshot func() *graph.Buckets) *Collector {
	return &Collector{snapshot: snapshot, stopCh: make(chan struct{})}
}

// Start begins polling snapshot on interval until Stop is called.
func (c *Collector) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the polling loop started by Start.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.snapshot == nil {
		return
	}
	c.Update(c.snapshot())
}

// Update sets JobsTotal from one classification pass's buckets.
func (c *Collector) Update(b *graph.Buckets) {
	if b == nil {
		return
	}
	for _, status := range []graph.Status{
		graph.StatusWaiting, graph.StatusRunnable, graph.StatusQueued,
		graph.StatusRunning, graph.StatusInterrupted, graph.StatusError,
		graph.StatusFinished, graph.StatusQueueError, graph.StatusRetryError,
		graph.StatusUnknown,
	} {
		JobsTotal.WithLabelValues(string(status)).Set(float64(len(b.ByStatus[status])))
	}
}
