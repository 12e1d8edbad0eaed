package sample

import (
	"sync"
	"time"
)

// StopWatch times one measurement of a Task and converts it into a Sample.
// Stop is idempotent: the first call fixes the end time.
type StopWatch struct {
	Scenario string
	Action   string
	Extra    map[string]any

	task    Task
	mu      sync.Mutex
	start   time.Time
	end     time.Time
	stopped bool
	failed  bool
	code    string
}

// NewStopWatch returns a running watch for task.
func NewStopWatch(task Task, action string) *StopWatch {
	return &StopWatch{
		task:   task,
		Action: action,
		Extra:  map[string]any{},
		start:  time.Now(),
	}
}

// Start restarts the watch.
func (w *StopWatch) Start() {
	w.mu.Lock()
	w.start = time.Now()
	w.stopped = false
	w.end = time.Time{}
	w.mu.Unlock()
}

// Stop records the end time once.
func (w *StopWatch) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.end = time.Now()
		w.stopped = true
	}
	w.mu.Unlock()
}

// SetError stops the watch and marks it failed with code.
func (w *StopWatch) SetError(code string) {
	w.Stop()
	w.mu.Lock()
	w.failed = true
	if code != "" {
		w.code = code
	}
	w.mu.Unlock()
}

// SetCode records the protocol response code.
func (w *StopWatch) SetCode(code string) {
	w.mu.Lock()
	w.code = code
	w.mu.Unlock()
}

// Failed reports whether SetError was called.
func (w *StopWatch) Failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// Elapsed returns the measured time, or the running time when not stopped.
func (w *StopWatch) Elapsed() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return w.end.Sub(w.start)
	}
	return time.Since(w.start)
}

// Sample stops the watch and converts it.
func (w *StopWatch) Sample() Sample {
	w.Stop()
	w.mu.Lock()
	defer w.mu.Unlock()

	var delay int64
	if !w.task.PlannedAt.IsZero() {
		delay = w.start.Sub(w.task.PlannedAt).Microseconds()
	}
	return Sample{
		SentAt:        w.start.Unix(),
		Group:         w.task.Group,
		Marker:        w.task.Marker,
		ResponseTime:  w.end.Sub(w.start).Microseconds(),
		Error:         w.failed,
		Code:          w.code,
		ScheduleDelay: delay,
		Scenario:      w.Scenario,
		Action:        w.Action,
		Extra:         w.Extra,
	}
}
