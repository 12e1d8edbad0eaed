package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/barrage/internal/metrics"
)

// ProgressReporter rewrites a single status line with the running totals
// of a collector.
type ProgressReporter struct {
	collector *metrics.Collector
	ticker    *time.Ticker
	done      chan struct{}
	finished  chan struct{}
	writer    io.Writer
	active    int32
	start     time.Time
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(collector *metrics.Collector, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		collector: collector,
		ticker:    time.NewTicker(interval),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		writer:    writer,
		start:     time.Now(),
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, progressLine(p.collector.Stats(time.Since(p.start))))
		case <-p.done:
			return
		}
	}
}

func progressLine(stats metrics.Stats) string {
	line := fmt.Sprintf("\rRequests: %d | Successes: %d | Failures: %d | RPS: %.1f | P99: %.1fms",
		stats.Total, stats.Successes, stats.Failures, stats.RequestsPerSec, stats.P99LatencyMs)
	if names := MarkerNames(stats); len(names) > 0 && stats.Total > 0 {
		m := stats.Markers[names[0]]
		share := (float64(m.Total) / float64(stats.Total)) * 100
		line += fmt.Sprintf(" | Top Marker: %s (%.0f%%, P99 %.1fms)", names[0], share, m.P99LatencyMs)
	}
	return line
}
