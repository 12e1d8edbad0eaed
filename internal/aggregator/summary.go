package aggregator

import (
	"math"
	"sort"
	"strconv"

	"github.com/torosent/barrage/internal/sample"
)

// QuantileLevels are the percentiles reported for every window.
var QuantileLevels = []float64{0, 0.25, 0.5, 0.75, 0.9, 0.99, 1}

// Stats describes one distribution in microseconds.
type Stats struct {
	Avg       float64            `json:"avg"`
	Quantiles map[string]float64 `json:"quantiles"`
}

// Overall holds the statistics of every sample in a window.
type Overall struct {
	Samples int   `json:"samples"`
	Errors  int   `json:"errors"`
	Delay   Stats `json:"delay"`
	RT      Stats `json:"rt"`
}

// Summary is published to listeners once per flushed window.
type Summary struct {
	RPS     int     `json:"rps"`
	Overall Overall `json:"overall"`
}

// Quantile returns the value for a level such as 0.99 or 99.
func (s Stats) Quantile(level float64) float64 {
	if level <= 1 {
		level *= 100
	}
	return s.Quantiles[quantileKey(level/100)]
}

// Aggregate reduces one window. It does not modify samples.
func Aggregate(samples []sample.Sample) Summary {
	rt := make([]float64, len(samples))
	delay := make([]float64, len(samples))
	errs := 0
	for i, s := range samples {
		rt[i] = float64(s.ResponseTime)
		delay[i] = float64(s.ScheduleDelay)
		if s.Error {
			errs++
		}
	}
	return Summary{
		RPS: len(samples),
		Overall: Overall{
			Samples: len(samples),
			Errors:  errs,
			Delay:   describe(delay),
			RT:      describe(rt),
		},
	}
}

func describe(values []float64) Stats {
	st := Stats{Quantiles: make(map[string]float64, len(QuantileLevels))}
	if len(values) == 0 {
		for _, q := range QuantileLevels {
			st.Quantiles[quantileKey(q)] = 0
		}
		return st
	}
	sort.Float64s(values)
	var sum float64
	for _, v := range values {
		sum += v
	}
	st.Avg = sum / float64(len(values))
	for _, q := range QuantileLevels {
		st.Quantiles[quantileKey(q)] = quantile(values, q)
	}
	return st
}

// quantile interpolates linearly between the closest ranks of sorted values.
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func quantileKey(q float64) string {
	return strconv.Itoa(int(math.Round(q * 100)))
}
