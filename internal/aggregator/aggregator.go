// Package aggregator reduces the sample stream into per-second windows.
//
// A reader goroutine buffers samples by SentAt second. A ticker flushes the
// oldest windows once per interval, keeping at most CacheDepth windows open so
// that late samples from slow executors still land in their window. Each
// flushed window is handed to the raw writers and, unless it was already
// published, summarised and published to every listener.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/torosent/barrage/internal/sample"
)

// DefaultCacheDepth is the number of windows kept open for late samples.
const DefaultCacheDepth = 5

// Listener receives one summary per flushed window, in ascending window order.
type Listener interface {
	Publish(bucket int64, s Summary) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(bucket int64, s Summary) error

func (f ListenerFunc) Publish(bucket int64, s Summary) error { return f(bucket, s) }

// SampleWriter receives the raw samples of every flushed window.
type SampleWriter interface {
	WriteSamples(bucket int64, samples []sample.Sample) error
}

// Options configure the Aggregator.
type Options struct {
	CacheDepth int           // open windows kept for late samples; negative means zero
	Interval   time.Duration // flush interval (default 1s)
	Listeners  []Listener
	Writers    []SampleWriter
	Logger     *slog.Logger
}

func (o *Options) normalize() {
	if o.CacheDepth < 0 {
		o.CacheDepth = 0
	}
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Aggregator buffers and publishes windows.
type Aggregator struct {
	opt     Options
	results <-chan sample.Sample

	mu         sync.Mutex
	buckets    map[int64][]sample.Sample
	cacheDepth int

	// Owned by the ticker goroutine.
	watermark int64
	published bool
	flushed   map[int64]struct{}

	lost       atomic.Int64
	duplicates atomic.Int64
	windows    atomic.Int64
	received   atomic.Int64
	startOnce  sync.Once
	stopOnce   sync.Once
	quit       chan struct{}
	readDone   chan struct{}
	tickDone   chan struct{}
}

// New returns an aggregator reading from results. Call Start to begin.
func New(results <-chan sample.Sample, opt Options) *Aggregator {
	opt.normalize()
	return &Aggregator{
		opt:        opt,
		results:    results,
		buckets:    make(map[int64][]sample.Sample),
		flushed:    make(map[int64]struct{}),
		cacheDepth: opt.CacheDepth,
		quit:       make(chan struct{}),
		readDone:   make(chan struct{}),
		tickDone:   make(chan struct{}),
	}
}

// Start launches the reader and the ticker. Later calls have no effect.
func (a *Aggregator) Start() {
	a.startOnce.Do(func() {
		go a.read()
		go a.tick()
	})
}

// Stop flushes every buffered window and waits for both goroutines to exit.
// Samples still queued in the results channel are drained first. It is safe
// to call Stop more than once; later calls only wait.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.Start()
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.cacheDepth = 0
		a.mu.Unlock()
		close(a.quit)
	})
	for _, done := range []chan struct{}{a.readDone, a.tickDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("aggregator stop: %w", ctx.Err())
		}
	}
	return nil
}

// Done is closed when the aggregator has published its last window, either
// after Stop or after the results channel was closed.
func (a *Aggregator) Done() <-chan struct{} { return a.tickDone }

// Lost returns the number of windows that were not published: windows that
// were already published plus windows older than the last published one.
func (a *Aggregator) Lost() int64 { return a.lost.Load() }

// Duplicates returns the number of lost windows that had been published
// before. Lost minus Duplicates is the number of out-of-order windows.
func (a *Aggregator) Duplicates() int64 { return a.duplicates.Load() }

// Windows returns the number of published windows.
func (a *Aggregator) Windows() int64 { return a.windows.Load() }

// Received returns the number of samples read so far.
func (a *Aggregator) Received() int64 { return a.received.Load() }

func (a *Aggregator) read() {
	defer close(a.readDone)
	for {
		select {
		case s, ok := <-a.results:
			if !ok {
				return
			}
			a.add(s)
		case <-a.quit:
			for {
				select {
				case s, ok := <-a.results:
					if !ok {
						return
					}
					a.add(s)
				default:
					return
				}
			}
		}
	}
}

func (a *Aggregator) add(s sample.Sample) {
	a.received.Add(1)
	a.mu.Lock()
	a.buckets[s.SentAt] = append(a.buckets[s.SentAt], s)
	a.mu.Unlock()
}

func (a *Aggregator) tick() {
	defer close(a.tickDone)
	timer := time.NewTimer(a.opt.Interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			began := time.Now()
			a.flush()
			next := a.opt.Interval - time.Since(began)
			if next < 0 {
				next = 0
			}
			timer.Reset(next)
		case <-a.readDone:
			a.mu.Lock()
			a.cacheDepth = 0
			a.mu.Unlock()
			a.flush()
			return
		}
	}
}

type window struct {
	bucket  int64
	samples []sample.Sample
}

// flush pops the oldest windows until at most cacheDepth remain and
// processes them in ascending order.
func (a *Aggregator) flush() {
	a.mu.Lock()
	excess := len(a.buckets) - a.cacheDepth
	if excess <= 0 {
		a.mu.Unlock()
		return
	}
	keys := make([]int64, 0, len(a.buckets))
	for k := range a.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	popped := make([]window, 0, excess)
	for _, k := range keys[:excess] {
		popped = append(popped, window{bucket: k, samples: a.buckets[k]})
		delete(a.buckets, k)
	}
	a.mu.Unlock()

	for _, w := range popped {
		a.process(w.bucket, w.samples)
	}
}

func (a *Aggregator) process(bucket int64, samples []sample.Sample) {
	for _, w := range a.opt.Writers {
		if err := w.WriteSamples(bucket, samples); err != nil {
			a.opt.Logger.Error("write raw samples", "bucket", bucket, "error", err)
		}
	}
	if a.published && bucket <= a.watermark {
		a.lost.Add(1)
		if _, ok := a.flushed[bucket]; ok {
			a.duplicates.Add(1)
			a.opt.Logger.Warn("data loss: window already aggregated",
				"bucket", bucket, "samples", len(samples))
		} else {
			a.opt.Logger.Warn("data loss: window arrived after a newer window was published",
				"bucket", bucket, "samples", len(samples), "last_published", a.watermark)
		}
		return
	}
	a.flushed[bucket] = struct{}{}
	a.watermark = bucket
	a.published = true
	a.windows.Add(1)
	a.publish(bucket, Aggregate(samples))
}

func (a *Aggregator) publish(bucket int64, s Summary) {
	for i, l := range a.opt.Listeners {
		if err := safePublish(l, bucket, s); err != nil {
			a.opt.Logger.Error("listener failed", "listener", i, "bucket", bucket, "error", err)
		}
	}
}

func safePublish(l Listener, bucket int64, s Summary) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.Publish(bucket, s)
}
