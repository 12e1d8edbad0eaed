package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/torosent/barrage/internal/aggregator"
)

// LogListener logs one line per window:
//
//	12:00:01 250 RPS, mean RT: 3.120 ms, 99% < 9.800 ms
type LogListener struct {
	logger *slog.Logger
}

// NewLogListener returns a listener logging through logger at info level.
func NewLogListener(logger *slog.Logger) *LogListener {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogListener{logger: logger}
}

func (l *LogListener) Publish(bucket int64, s aggregator.Summary) error {
	rt := s.Overall.RT
	l.logger.Info(fmt.Sprintf("%s %d RPS, mean RT: %.3f ms, 99%% < %.3f ms",
		time.Unix(bucket, 0).Format("15:04:05"),
		s.RPS,
		rt.Avg/1000,
		rt.Quantile(99)/1000,
	), "errors", s.Overall.Errors)
	return nil
}

type jsonWindow struct {
	TS int64 `json:"ts"`
	aggregator.Summary
}

// JSONListener writes every window as one JSON object per line.
type JSONListener struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewJSONListener writes to w. It does not close w.
func NewJSONListener(w io.Writer) *JSONListener {
	return &JSONListener{w: bufio.NewWriter(w)}
}

// OpenJSONListener appends to the file at path, creating it if needed.
func OpenJSONListener(path string) (*JSONListener, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open json listener: %w", err)
	}
	l := NewJSONListener(f)
	l.closer = f
	return l, nil
}

func (l *JSONListener) Publish(bucket int64, s aggregator.Summary) error {
	line, err := json.Marshal(jsonWindow{TS: bucket, Summary: s})
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return err
	}
	return l.w.Flush()
}

// Close flushes buffered output and closes the file opened by
// OpenJSONListener.
func (l *JSONListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.w.Flush()
	if l.closer != nil {
		if cerr := l.closer.Close(); err == nil {
			err = cerr
		}
		l.closer = nil
	}
	return err
}

// DataPoint is one published window in milliseconds.
type DataPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	RPS        int       `json:"rps"`
	Errors     int       `json:"errors"`
	MeanMs     float64   `json:"mean_ms"`
	P50Ms      float64   `json:"p50_ms"`
	P90Ms      float64   `json:"p90_ms"`
	P99Ms      float64   `json:"p99_ms"`
	DelayP99Ms float64   `json:"delay_p99_ms"`
}

// History keeps every published window for the HTML report.
type History struct {
	mu     sync.Mutex
	points []DataPoint
}

func NewHistory() *History { return &History{} }

func (h *History) Publish(bucket int64, s aggregator.Summary) error {
	rt := s.Overall.RT
	p := DataPoint{
		Timestamp:  time.Unix(bucket, 0).UTC(),
		RPS:        s.RPS,
		Errors:     s.Overall.Errors,
		MeanMs:     rt.Avg / 1000,
		P50Ms:      rt.Quantile(50) / 1000,
		P90Ms:      rt.Quantile(90) / 1000,
		P99Ms:      rt.Quantile(99) / 1000,
		DelayP99Ms: s.Overall.Delay.Quantile(99) / 1000,
	}
	h.mu.Lock()
	h.points = append(h.points, p)
	h.mu.Unlock()
	return nil
}

// Points returns a copy of the recorded windows in publication order.
func (h *History) Points() []DataPoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]DataPoint(nil), h.points...)
}
