package schedule

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var exprPattern = regexp.MustCompile(`^\s*([a-z]+)\s*\((.*)\)\s*$`)

// Parse compiles schedule expressions into a single Plan. Supported forms:
//
//	const(rps, duration)
//	line(from, to, duration)
//	step(from, to, step, duration)
//	poisson(rps, duration)
//
// A duration of "inf" makes the segment unbounded; it must be the last one.
func Parse(exprs []string, seed int64) (*Plan, error) {
	if len(exprs) == 0 {
		return nil, fmt.Errorf("schedule: no segments")
	}
	rnd := rand.New(rand.NewSource(seed))
	plan := &Plan{}
	for i, expr := range exprs {
		segs, err := parseExpr(expr, rnd)
		if err != nil {
			return nil, err
		}
		for _, seg := range segs {
			if seg.length() == Forever && i != len(exprs)-1 {
				return nil, fmt.Errorf("schedule: unbounded segment %q must be last", expr)
			}
			plan.segments = append(plan.segments, seg)
		}
	}
	return plan, nil
}

func parseExpr(expr string, rnd *rand.Rand) ([]segment, error) {
	m := exprPattern.FindStringSubmatch(strings.ToLower(expr))
	if m == nil {
		return nil, fmt.Errorf("schedule: invalid expression %q", expr)
	}
	name := m[1]
	args := strings.Split(m[2], ",")
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}

	switch name {
	case "const":
		if len(args) != 2 {
			return nil, fmt.Errorf("schedule: const expects (rps, duration), got %q", expr)
		}
		rps, err := parseRate(args[0])
		if err != nil {
			return nil, err
		}
		dur, err := parseSegmentDuration(args[1], true)
		if err != nil {
			return nil, err
		}
		return []segment{&constSegment{rps: rps, duration: dur}}, nil
	case "line":
		if len(args) != 3 {
			return nil, fmt.Errorf("schedule: line expects (from, to, duration), got %q", expr)
		}
		from, err := parseRate(args[0])
		if err != nil {
			return nil, err
		}
		to, err := parseRate(args[1])
		if err != nil {
			return nil, err
		}
		dur, err := parseSegmentDuration(args[2], false)
		if err != nil {
			return nil, err
		}
		return []segment{newLineSegment(from, to, dur)}, nil
	case "step":
		if len(args) != 4 {
			return nil, fmt.Errorf("schedule: step expects (from, to, step, duration), got %q", expr)
		}
		from, err := parseRate(args[0])
		if err != nil {
			return nil, err
		}
		to, err := parseRate(args[1])
		if err != nil {
			return nil, err
		}
		step, err := parseRate(args[2])
		if err != nil {
			return nil, err
		}
		if step <= 0 {
			return nil, fmt.Errorf("schedule: step must be positive in %q", expr)
		}
		dur, err := parseSegmentDuration(args[3], false)
		if err != nil {
			return nil, err
		}
		var segs []segment
		if from <= to {
			for r := from; r <= to; r += step {
				segs = append(segs, &constSegment{rps: r, duration: dur})
			}
		} else {
			for r := from; r >= to; r -= step {
				segs = append(segs, &constSegment{rps: r, duration: dur})
			}
		}
		return segs, nil
	case "poisson":
		if len(args) != 2 {
			return nil, fmt.Errorf("schedule: poisson expects (rps, duration), got %q", expr)
		}
		rps, err := parseRate(args[0])
		if err != nil {
			return nil, err
		}
		dur, err := parseSegmentDuration(args[1], true)
		if err != nil {
			return nil, err
		}
		return []segment{&poissonSegment{rps: rps, duration: dur, rnd: rnd}}, nil
	default:
		return nil, fmt.Errorf("schedule: unknown segment %q", name)
	}
}

func parseRate(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("schedule: invalid rate %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("schedule: rate must be non-negative, got %q", s)
	}
	return v, nil
}

func parseSegmentDuration(s string, allowForever bool) (time.Duration, error) {
	if s == "inf" {
		if !allowForever {
			return 0, fmt.Errorf("schedule: unbounded duration not supported here")
		}
		return Forever, nil
	}
	d, err := ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule: duration must be positive, got %q", s)
	}
	return d, nil
}

// ParseDuration accepts Go durations ("3h2m3s", "0.3s") and bare numbers,
// which are read as seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("schedule: empty duration")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("schedule: invalid duration %q", s)
	}
	return d, nil
}
