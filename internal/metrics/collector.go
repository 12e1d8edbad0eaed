package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/torosent/barrage/internal/sample"
)

const (
	lowestTrackable  = 1
	highestTrackable = 60_000_000 // 60s in microseconds
	significantFigs  = 3
)

// Collector records overall samples into run-level histograms and counters.
type Collector struct {
	mu      sync.Mutex
	all     *series
	markers map[string]*series
	codes   map[string]int64
	failed  map[string]map[string]int64 // action -> code -> count
	actions map[string]int64
	first   int64
	last    int64
}

// series is the statistics of one slice of the run.
type series struct {
	rt        *hdrhistogram.Histogram
	delay     *hdrhistogram.Histogram
	successes int64
	failures  int64
	minRT     int64
	maxRT     int64
	sumRT     int64
}

func newSeries() *series {
	return &series{
		rt:    hdrhistogram.New(lowestTrackable, highestTrackable, significantFigs),
		delay: hdrhistogram.New(lowestTrackable, highestTrackable, significantFigs),
	}
}

func (s *series) record(smp sample.Sample) {
	rt := smp.ResponseTime
	recordClamped(s.rt, rt)
	recordClamped(s.delay, smp.ScheduleDelay)
	s.sumRT += rt
	if s.successes+s.failures == 0 || rt < s.minRT {
		s.minRT = rt
	}
	if rt > s.maxRT {
		s.maxRT = rt
	}
	if smp.Error {
		s.failures++
	} else {
		s.successes++
	}
}

func recordClamped(h *hdrhistogram.Histogram, us int64) {
	if us < h.LowestTrackableValue() {
		us = h.LowestTrackableValue()
	}
	if us > h.HighestTrackableValue() {
		us = h.HighestTrackableValue()
	}
	_ = h.RecordValue(us)
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		all:     newSeries(),
		markers: make(map[string]*series),
		codes:   make(map[string]int64),
		failed:  make(map[string]map[string]int64),
		actions: make(map[string]int64),
	}
}

// Record adds one sample. Only "overall" samples count as requests; every
// failed sample is counted by action and code.
func (c *Collector) Record(smp sample.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.actions[smp.Action]++
	if smp.Error {
		byCode := c.failed[smp.Action]
		if byCode == nil {
			byCode = make(map[string]int64)
			c.failed[smp.Action] = byCode
		}
		byCode[codeOrNone(smp.Code)]++
	}
	if smp.Action != sample.ActionOverall {
		return
	}
	if c.first == 0 || smp.SentAt < c.first {
		c.first = smp.SentAt
	}
	if smp.SentAt > c.last {
		c.last = smp.SentAt
	}
	c.all.record(smp)
	c.codes[codeOrNone(smp.Code)]++

	m := c.markers[smp.Marker]
	if m == nil {
		m = newSeries()
		c.markers[smp.Marker] = m
	}
	m.record(smp)
}

// WriteSamples implements aggregator.SampleWriter.
func (c *Collector) WriteSamples(_ int64, samples []sample.Sample) error {
	for _, s := range samples {
		c.Record(s)
	}
	return nil
}

func codeOrNone(code string) string {
	if code == "" {
		return "none"
	}
	return code
}

// Stats represents aggregated metrics.
type Stats struct {
	Total          int64         `json:"total"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	ErrorRate      float64       `json:"error_rate"`
	MinLatency     time.Duration `json:"-"`
	MaxLatency     time.Duration `json:"-"`
	MeanLatency    time.Duration `json:"-"`
	P50Latency     time.Duration `json:"-"`
	P90Latency     time.Duration `json:"-"`
	P95Latency     time.Duration `json:"-"`
	P99Latency     time.Duration `json:"-"`
	P50Delay       time.Duration `json:"-"`
	P90Delay       time.Duration `json:"-"`
	P99Delay       time.Duration `json:"-"`
	Duration       time.Duration `json:"-"`
	RequestsPerSec float64       `json:"requests_per_sec"`

	// JSON-friendly millisecond fields.
	MinLatencyMs  float64 `json:"min_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	P50LatencyMs  float64 `json:"p50_latency_ms"`
	P90LatencyMs  float64 `json:"p90_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	P50DelayMs    float64 `json:"p50_delay_ms"`
	P90DelayMs    float64 `json:"p90_delay_ms"`
	P99DelayMs    float64 `json:"p99_delay_ms"`
	DurationMs    float64 `json:"duration_ms"`

	Codes         map[string]int         `json:"codes,omitempty"`
	Errors        map[string]int         `json:"errors,omitempty"`
	StatusBuckets []StatusBucket         `json:"status_buckets,omitempty"`
	Actions       map[string]int         `json:"actions,omitempty"`
	Markers       map[string]MarkerStats `json:"markers,omitempty"`
}

// MarkerStats is the breakdown for one ammo marker.
type MarkerStats struct {
	Total          int64   `json:"total"`
	Failures       int64   `json:"failures"`
	MeanLatencyMs  float64 `json:"mean_latency_ms"`
	P50LatencyMs   float64 `json:"p50_latency_ms"`
	P99LatencyMs   float64 `json:"p99_latency_ms"`
	RequestsPerSec float64 `json:"requests_per_sec"`
}

// Stats computes the current statistics. elapsed is the wall time of the
// run; when zero the span of sample timestamps is used.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elapsed <= 0 && c.last > c.first {
		elapsed = time.Duration(c.last-c.first) * time.Second
	}
	s := c.all
	total := s.successes + s.failures
	stats := Stats{
		Total:      total,
		Successes:  s.successes,
		Failures:   s.failures,
		MinLatency: us(s.minRT),
		MaxLatency: us(s.maxRT),
		Duration:   elapsed,
	}
	if total > 0 {
		stats.ErrorRate = float64(s.failures) / float64(total)
		stats.MeanLatency = us(s.sumRT / total)
		stats.P50Latency = us(s.rt.ValueAtQuantile(50))
		stats.P90Latency = us(s.rt.ValueAtQuantile(90))
		stats.P95Latency = us(s.rt.ValueAtQuantile(95))
		stats.P99Latency = us(s.rt.ValueAtQuantile(99))
		stats.P50Delay = us(s.delay.ValueAtQuantile(50))
		stats.P90Delay = us(s.delay.ValueAtQuantile(90))
		stats.P99Delay = us(s.delay.ValueAtQuantile(99))
	}
	stats.MinLatencyMs = ms(stats.MinLatency)
	stats.MaxLatencyMs = ms(stats.MaxLatency)
	stats.MeanLatencyMs = ms(stats.MeanLatency)
	stats.P50LatencyMs = ms(stats.P50Latency)
	stats.P90LatencyMs = ms(stats.P90Latency)
	stats.P95LatencyMs = ms(stats.P95Latency)
	stats.P99LatencyMs = ms(stats.P99Latency)
	stats.P50DelayMs = ms(stats.P50Delay)
	stats.P90DelayMs = ms(stats.P90Delay)
	stats.P99DelayMs = ms(stats.P99Delay)
	stats.DurationMs = ms(elapsed)
	if elapsed > 0 && total > 0 {
		stats.RequestsPerSec = float64(total) / elapsed.Seconds()
	}

	stats.Codes = toInts(c.codes)
	stats.Actions = toInts(c.actions)
	if overall := c.failed[sample.ActionOverall]; len(overall) > 0 {
		stats.Errors = toInts(overall)
	}
	if len(c.failed) > 0 {
		nested := make(map[string]map[string]int, len(c.failed))
		for action, codes := range c.failed {
			nested[action] = toInts(codes)
		}
		stats.StatusBuckets = FlattenStatusBuckets(nested)
	}
	if len(c.markers) > 0 {
		stats.Markers = make(map[string]MarkerStats, len(c.markers))
		for name, m := range c.markers {
			n := m.successes + m.failures
			row := MarkerStats{
				Total:         n,
				Failures:      m.failures,
				MeanLatencyMs: ms(us(m.sumRT / n)),
				P50LatencyMs:  ms(us(m.rt.ValueAtQuantile(50))),
				P99LatencyMs:  ms(us(m.rt.ValueAtQuantile(99))),
			}
			if elapsed > 0 {
				row.RequestsPerSec = float64(n) / elapsed.Seconds()
			}
			stats.Markers[name] = row
		}
	}
	return stats
}

func us(v int64) time.Duration { return time.Duration(v) * time.Microsecond }

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func toInts(m map[string]int64) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = int(v)
	}
	return out
}
