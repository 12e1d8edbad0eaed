// Package metrics accumulates whole-run statistics from raw samples.
//
// The aggregator hands every bucket of raw samples to its writers, and a
// [Collector] is one of them. Windows give the per-second view; the
// collector keeps what a run report needs:
//   - request totals and failures, counted from "overall" samples
//   - response time and schedule delay quantiles from HDR histograms
//   - counts by sample code and by failed code
//   - per-marker breakdowns
//   - sample counts per action, so multi-phase guns can be inspected
//
// # Basic Usage
//
//	collector := metrics.NewCollector()
//	agg := aggregator.New(results, aggregator.Options{
//		Writers: []aggregator.SampleWriter{collector},
//	})
//	...
//	stats := collector.Stats(elapsed)
//
// # Thread Safety
//
// WriteSamples and Stats may be called from different goroutines.
package metrics
