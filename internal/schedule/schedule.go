// Package schedule turns load profile expressions such as "line(1, 100, 5m)"
// into lazy, non-decreasing streams of send offsets.
package schedule

import (
	"math"
	"math/rand"
	"time"
)

// Schedule yields send offsets relative to test start.
type Schedule interface {
	// Next returns the next offset, or false once the schedule is exhausted.
	Next() (time.Duration, bool)
}

// Forever marks a segment without an end. It is only valid as the last segment.
const Forever time.Duration = -1

type segment interface {
	next() (time.Duration, bool) // relative to segment start
	length() time.Duration
}

// Plan concatenates segments; every segment starts where the previous one ended.
type Plan struct {
	segments []segment
	current  int
	offset   time.Duration
}

// Next implements Schedule.
func (p *Plan) Next() (time.Duration, bool) {
	for p.current < len(p.segments) {
		seg := p.segments[p.current]
		if d, ok := seg.next(); ok {
			return (p.offset + d).Truncate(time.Millisecond), true
		}
		if seg.length() == Forever {
			return 0, false
		}
		p.offset += seg.length()
		p.current++
	}
	return 0, false
}

// Duration returns the planned length, or Forever for unbounded plans.
func (p *Plan) Duration() time.Duration {
	var total time.Duration
	for _, seg := range p.segments {
		if seg.length() == Forever {
			return Forever
		}
		total += seg.length()
	}
	return total
}

// Take returns up to n offsets from s.
func Take(s Schedule, n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for len(out) < n {
		d, ok := s.Next()
		if !ok {
			break
		}
		out = append(out, d)
	}
	return out
}

// constSegment emits rps evenly spaced offsets per second.
type constSegment struct {
	rps      float64
	duration time.Duration
	i        int64
}

func (c *constSegment) next() (time.Duration, bool) {
	if c.rps <= 0 {
		return 0, false
	}
	d := time.Duration(float64(c.i) * float64(time.Second) / c.rps)
	if c.duration != Forever && d >= c.duration {
		return 0, false
	}
	c.i++
	return d, true
}

func (c *constSegment) length() time.Duration { return c.duration }

// lineSegment ramps the rate linearly from `from` to `to`. The n-th offset is
// the positive root of from*t + (to-from)*t^2/(2*d) = n.
type lineSegment struct {
	from, to float64
	duration time.Duration
	total    int64
	i        int64
}

func newLineSegment(from, to float64, duration time.Duration) *lineSegment {
	secs := duration.Seconds()
	return &lineSegment{
		from:     from,
		to:       to,
		duration: duration,
		total:    int64(math.Floor((from + to) * secs / 2)),
	}
}

func (l *lineSegment) next() (time.Duration, bool) {
	if l.i >= l.total {
		return 0, false
	}
	n := float64(l.i)
	l.i++

	secs := l.duration.Seconds()
	a := (l.to - l.from) / (2 * secs)
	b := l.from
	var t float64
	if a == 0 {
		t = n / b
	} else {
		// For both rising and falling ramps the second root is the first
		// non-negative crossing.
		_, t = solveQuadratic(a, b, -n)
	}
	if t < 0 || math.IsNaN(t) {
		t = 0
	}
	return time.Duration(t * float64(time.Second)), true
}

func (l *lineSegment) length() time.Duration { return l.duration }

// poissonSegment draws exponential inter-arrival gaps at a fixed mean rate.
type poissonSegment struct {
	rps      float64
	duration time.Duration
	rnd      *rand.Rand
	at       float64 // seconds
}

func (p *poissonSegment) next() (time.Duration, bool) {
	if p.rps <= 0 {
		return 0, false
	}
	p.at += p.rnd.ExpFloat64() / p.rps
	d := time.Duration(p.at * float64(time.Second))
	if p.duration != Forever && d >= p.duration {
		return 0, false
	}
	return d, true
}

func (p *poissonSegment) length() time.Duration { return p.duration }

// solveQuadratic returns both roots of a*x^2 + b*x + c = 0.
func solveQuadratic(a, b, c float64) (float64, float64) {
	disc := math.Sqrt(b*b - 4*a*c)
	return (-b - disc) / (2 * a), (-b + disc) / (2 * a)
}
