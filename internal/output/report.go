package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/torosent/barrage/internal/clientmetrics"
	"github.com/torosent/barrage/internal/metrics"
	"github.com/torosent/barrage/internal/threshold"
)

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, stats metrics.Stats) {
	fmt.Fprintln(w, "\n--- Load Test Results ---")
	fmt.Fprintf(w, "Total Requests:    %d\n", stats.Total)
	fmt.Fprintf(w, "Successful:        %d\n", stats.Successes)
	fmt.Fprintf(w, "Failed:            %d (%.2f%%)\n", stats.Failures, stats.ErrorRate*100)
	fmt.Fprintf(w, "Duration:          %s\n", stats.Duration)
	fmt.Fprintf(w, "Requests/sec:      %.2f\n", stats.RequestsPerSec)
	fmt.Fprintln(w, "\nResponse Time:")
	fmt.Fprintf(w, "  Min:             %s\n", stats.MinLatency)
	fmt.Fprintf(w, "  Max:             %s\n", stats.MaxLatency)
	fmt.Fprintf(w, "  Mean:            %s\n", stats.MeanLatency)
	fmt.Fprintf(w, "  P50:             %s\n", stats.P50Latency)
	fmt.Fprintf(w, "  P90:             %s\n", stats.P90Latency)
	fmt.Fprintf(w, "  P95:             %s\n", stats.P95Latency)
	fmt.Fprintf(w, "  P99:             %s\n", stats.P99Latency)
	fmt.Fprintln(w, "\nSchedule Delay:")
	fmt.Fprintf(w, "  P50:             %s\n", stats.P50Delay)
	fmt.Fprintf(w, "  P90:             %s\n", stats.P90Delay)
	fmt.Fprintf(w, "  P99:             %s\n", stats.P99Delay)

	if len(stats.Codes) > 0 {
		fmt.Fprintln(w, "\nCodes:")
		for _, code := range sortedByCount(stats.Codes) {
			fmt.Fprintf(w, "  %-16s %d\n", code, stats.Codes[code])
		}
	}

	if len(stats.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, code := range sortedByCount(stats.Errors) {
			fmt.Fprintf(w, "  %s: %d\n", metrics.FriendlyErrorName(code), stats.Errors[code])
		}
	}

	if len(stats.StatusBuckets) > 0 {
		fmt.Fprintln(w, "\nFailures by Action:")
		writeStatusBuckets(w, stats.StatusBuckets, "  ")
	}

	if len(stats.Markers) > 0 {
		fmt.Fprintln(w, "\nMarker Breakdown:")
		for _, name := range MarkerNames(stats) {
			m := stats.Markers[name]
			share := 0.0
			if stats.Total > 0 {
				share = (float64(m.Total) / float64(stats.Total)) * 100
			}
			fmt.Fprintf(
				w,
				"  - %s: total=%d (%.1f%%), failures=%d, rps=%.2f, mean=%.2fms, p99=%.2fms\n",
				name,
				m.Total,
				share,
				m.Failures,
				m.RequestsPerSec,
				m.MeanLatencyMs,
				m.P99LatencyMs,
			)
		}
	}
}

// PrintThresholds writes one line per threshold result and reports whether
// all of them passed.
func PrintThresholds(w io.Writer, results []threshold.Result) bool {
	if len(results) == 0 {
		return true
	}
	passed := 0
	for _, r := range results {
		if r.Pass {
			passed++
		}
	}
	fmt.Fprintf(w, "\nThresholds (%d/%d passed):\n", passed, len(results))
	for _, r := range results {
		fmt.Fprintf(w, "  %s\n", r.Message)
	}
	return passed == len(results)
}

// PrintClientMetrics writes the transport counters of every gun that
// exposes them, keyed by gun name.
func PrintClientMetrics(w io.Writer, clients map[string]clientmetrics.Snapshot) {
	if len(clients) == 0 {
		return
	}
	fmt.Fprintln(w, "\nClient Metrics:")
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s:\n", name)
		counters := clients[name].Map()
		keys := make([]string, 0, len(counters))
		for key := range counters {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(w, "    %s: %d\n", key, counters[key])
		}
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, report any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// MarkerNames returns the markers of stats, busiest first.
func MarkerNames(stats metrics.Stats) []string {
	names := make([]string, 0, len(stats.Markers))
	for name := range stats.Markers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := stats.Markers[names[i]], stats.Markers[names[j]]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return names[i] < names[j]
	})
	return names
}

func sortedByCount(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

func writeStatusBuckets(w io.Writer, rows []metrics.StatusBucket, indent string) {
	for _, row := range rows {
		fmt.Fprintf(
			w,
			"%s%s %s: %d\n",
			indent,
			strings.ToUpper(row.Action),
			row.Code,
			row.Count,
		)
	}
}
