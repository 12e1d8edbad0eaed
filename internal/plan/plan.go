// Package plan combines a schedule with an ammo source into a finite,
// once-through sequence of tasks.
package plan

import (
	"context"
	"errors"
	"io"

	"github.com/torosent/barrage/internal/ammo"
	"github.com/torosent/barrage/internal/sample"
	"github.com/torosent/barrage/internal/schedule"
)

// Plan yields tasks in non-decreasing ScheduledAt order. It ends with io.EOF
// when either the schedule or the ammo runs out.
type Plan struct {
	group    string
	schedule schedule.Schedule
	ammo     ammo.Source
	limit    int64
	issued   int64
	done     bool
}

// Option customises a Plan.
type Option func(*Plan)

// WithLimit caps the number of tasks; zero means no cap.
func WithLimit(n int64) Option {
	return func(p *Plan) { p.limit = n }
}

// New returns a plan for runner group.
func New(group string, s schedule.Schedule, src ammo.Source, opts ...Option) *Plan {
	p := &Plan{group: group, schedule: s, ammo: src}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next returns the next task.
func (p *Plan) Next(ctx context.Context) (sample.Task, error) {
	if p.done {
		return sample.Task{}, io.EOF
	}
	if p.limit > 0 && p.issued >= p.limit {
		p.done = true
		return sample.Task{}, io.EOF
	}
	offset, ok := p.schedule.Next()
	if !ok {
		p.done = true
		return sample.Task{}, io.EOF
	}
	missile, err := p.ammo.Next(ctx)
	if err != nil {
		p.done = true
		if errors.Is(err, io.EOF) {
			return sample.Task{}, io.EOF
		}
		return sample.Task{}, err
	}
	p.issued++
	return sample.Task{
		ScheduledAt: offset,
		Group:       p.group,
		Marker:      missile.Marker,
		Payload:     missile.Payload,
	}, nil
}

// Issued returns the number of tasks handed out so far.
func (p *Plan) Issued() int64 { return p.issued }

// Close releases the ammo source.
func (p *Plan) Close() error { return p.ammo.Close() }
