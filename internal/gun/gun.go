// Package gun defines the protocol client contract used by runners and the
// built-in guns.
package gun

import (
	"context"
	"fmt"

	"github.com/torosent/barrage/internal/sample"
)

// Gun executes tasks against a target and emits samples. Shoot is called
// concurrently from every executor of a runner; Setup and Teardown are called
// once, before the first and after the last shot.
type Gun interface {
	Setup(ctx context.Context) error
	Shoot(ctx context.Context, task sample.Task, out sample.Sink) error
	Teardown(ctx context.Context) error
}

// Measure times fn and emits exactly one sample for it, even when fn fails or
// panics. A failure marks the sample as errored and is passed back to the
// caller; a panic is re-raised after the sample is emitted.
func Measure(out sample.Sink, task sample.Task, action string, fn func(*sample.StopWatch) error) (err error) {
	w := sample.NewStopWatch(task, action)
	defer func() {
		if r := recover(); r != nil {
			w.SetError("PANIC")
			w.Extra["error"] = fmt.Sprint(r)
			out.Put(w.Sample())
			panic(r)
		}
		if err != nil {
			if !w.Failed() {
				w.SetError(ErrorCode(err))
			}
			if _, ok := w.Extra["error"]; !ok {
				w.Extra["error"] = err.Error()
			}
		}
		out.Put(w.Sample())
	}()
	return fn(w)
}

// nopLifecycle provides empty Setup and Teardown.
type nopLifecycle struct{}

func (nopLifecycle) Setup(context.Context) error    { return nil }
func (nopLifecycle) Teardown(context.Context) error { return nil }
