package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/barrage/internal/gun"
	"github.com/torosent/barrage/internal/sample"
)

// Result captures execution counters.
type Result struct {
	Shots    int64 // tasks handed to the gun
	Errors   int64 // shots that returned an error or panicked
	Late     int64 // shots that started more than LateAfter past their planned time
	Duration time.Duration
}

// Runner dispatches a plan to a pool of executors.
type Runner struct {
	opt Options

	tasks      chan sample.Task
	quit       chan struct{}
	done       chan struct{}
	feederDone chan struct{}
	executors  sync.WaitGroup
	stopOnce   sync.Once
	started    atomic.Bool
	active     atomic.Int32
	start      time.Time
	finish     atomic.Int64

	shots  atomic.Int64
	errs   atomic.Int64
	late   atomic.Int64
	warnQ  rate.Sometimes
	warnLt rate.Sometimes
}

func New(opt Options) *Runner {
	opt.normalize()
	return &Runner{
		opt:        opt,
		tasks:      make(chan sample.Task, opt.QueueSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		feederDone: make(chan struct{}),
		warnQ:      rate.Sometimes{Interval: time.Second},
		warnLt:     rate.Sometimes{Interval: time.Second},
	}
}

// Name returns the runner name.
func (r *Runner) Name() string { return r.opt.Name }

// Start launches the executors and the feeder and returns immediately.
// Cancelling ctx stops the runner. Calling Start more than once has no effect.
func (r *Runner) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.start = time.Now()
	r.active.Store(int32(r.opt.Instances))
	r.executors.Add(r.opt.Instances)
	for i := 0; i < r.opt.Instances; i++ {
		go r.execute(ctx)
	}
	go r.feed(ctx)
	go func() {
		r.executors.Wait()
		<-r.feederDone
		r.finish.Store(int64(time.Since(r.start)))
		close(r.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.done:
		}
	}()
	r.opt.Logger.Info("runner started", "instances", r.opt.Instances)
}

// Running reports whether any executor is still alive.
func (r *Runner) Running() bool {
	return r.active.Load() > 0
}

// Stop asks the feeder and every executor to exit. It does not wait.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.opt.Logger.Info("runner stopping")
	})
}

// Done is closed once all goroutines have exited. It never closes if the
// runner was not started.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Wait blocks until the runner is done or ctx expires.
func (r *Runner) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the counters collected so far.
func (r *Runner) Result() Result {
	d := time.Duration(r.finish.Load())
	if d == 0 && r.started.Load() {
		d = time.Since(r.start)
	}
	return Result{
		Shots:    r.shots.Load(),
		Errors:   r.errs.Load(),
		Late:     r.late.Load(),
		Duration: d,
	}
}

func (r *Runner) stopping() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

// feed pushes the plan into the task channel. Closing the channel is the
// end-of-work signal for every executor.
func (r *Runner) feed(ctx context.Context) {
	defer close(r.feederDone)
	defer close(r.tasks)

	for !r.stopping() {
		task, err := r.opt.Plan.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.opt.Logger.Info("load plan exhausted")
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				r.opt.Logger.Error("load plan failed", "error", err)
			}
			return
		}
		if !r.enqueue(task) {
			return
		}
	}
}

func (r *Runner) enqueue(task sample.Task) bool {
	timer := time.NewTimer(r.opt.PollInterval)
	defer timer.Stop()
	for {
		select {
		case r.tasks <- task:
			return true
		case <-r.quit:
			return false
		case <-timer.C:
			r.warnQ.Do(func() {
				r.opt.Logger.Warn("task queue full, executors are falling behind", "queue", cap(r.tasks))
			})
			timer.Reset(r.opt.PollInterval)
		}
	}
}

func (r *Runner) execute(ctx context.Context) {
	defer r.executors.Done()
	defer r.active.Add(-1)

	for {
		select {
		case <-r.quit:
			return
		case task, ok := <-r.tasks:
			if !ok {
				return
			}
			task.PlannedAt = r.start.Add(task.ScheduledAt)
			if !r.waitUntil(task.PlannedAt) {
				return
			}
			r.shoot(ctx, task)
		}
	}
}

// waitUntil sleeps until planned. It returns false if the runner was stopped.
func (r *Runner) waitUntil(planned time.Time) bool {
	if r.stopping() {
		return false
	}
	wait := time.Until(planned)
	if wait <= 0 {
		if -wait > r.opt.LateAfter {
			r.late.Add(1)
			r.warnLt.Do(func() {
				r.opt.Logger.Warn("task dispatched late", "overrun", -wait)
			})
		}
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.quit:
		return false
	}
}

func (r *Runner) shoot(ctx context.Context, task sample.Task) {
	tracker := &overallTracker{out: r.opt.Results}
	watch := sample.NewStopWatch(task, sample.ActionOverall)

	err := r.call(ctx, task, tracker)
	r.shots.Add(1)
	if err != nil {
		r.errs.Add(1)
		r.opt.Logger.Debug("shot failed", "marker", task.Marker, "error", err)
	}
	if tracker.seen.Load() {
		return
	}
	if err != nil {
		watch.SetError(sampleCode(err))
		watch.Extra["error"] = err.Error()
	}
	r.opt.Results.Put(watch.Sample())
}

func (r *Runner) call(ctx context.Context, task sample.Task, out sample.Sink) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return r.opt.Gun.Shoot(ctx, task, out)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("gun panic: %v", e.value) }

func sampleCode(err error) string {
	var p *panicError
	if errors.As(err, &p) {
		return "PANIC"
	}
	return gun.ErrorCode(err)
}

// overallTracker forwards samples and remembers whether the gun emitted its
// own overall sample.
type overallTracker struct {
	out  sample.Sink
	seen atomic.Bool
}

func (t *overallTracker) Put(s sample.Sample) {
	if s.Action == sample.ActionOverall {
		t.seen.Store(true)
	}
	t.out.Put(s)
}
