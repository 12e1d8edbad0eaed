package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/torosent/barrage/internal/gun"
	"github.com/torosent/barrage/internal/sample"
)

// TaskSource yields tasks in planned order and io.EOF when exhausted.
type TaskSource interface {
	Next(ctx context.Context) (sample.Task, error)
}

// Options configure the Runner.
type Options struct {
	Name         string        // runner name, used in logs
	Instances    int           // number of executor goroutines
	QueueSize    int           // task channel capacity (default 1024)
	PollInterval time.Duration // feeder retry interval while the queue is full (default 1s)
	LateAfter    time.Duration // overrun above which a late task is reported (default 10ms)
	Gun          gun.Gun       // protocol client (required)
	Plan         TaskSource    // load plan (required)
	Results      sample.Sink   // destination for samples (required)
	Logger       *slog.Logger
}

func (o *Options) normalize() {
	if o.Instances <= 0 {
		o.Instances = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LateAfter <= 0 {
		o.LateAfter = 10 * time.Millisecond
	}
	if o.Results == nil {
		o.Results = sample.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Name != "" {
		o.Logger = o.Logger.With("runner", o.Name)
	}
}
