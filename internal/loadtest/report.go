package loadtest

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/torosent/barrage/internal/clientmetrics"
	"github.com/torosent/barrage/internal/config"
	"github.com/torosent/barrage/internal/metrics"
	"github.com/torosent/barrage/internal/output"
	"github.com/torosent/barrage/internal/threshold"
)

// Report is the outcome of one test.
type Report struct {
	RunID            string                            `json:"run_id"`
	Duration         time.Duration                     `json:"-"`
	Stats            metrics.Stats                     `json:"stats"`
	Runners          map[string]RunnerReport           `json:"runners"`
	Thresholds       []threshold.Result                `json:"thresholds,omitempty"`
	ClientMetrics    map[string]clientmetrics.Snapshot `json:"client_metrics,omitempty"`
	Windows          int64                             `json:"windows"`
	LostWindows      int64                             `json:"lost_windows"`
	DuplicateWindows int64                             `json:"duplicate_windows"`
	RawSamples       int64                             `json:"raw_samples,omitempty"`
	History          []output.DataPoint                `json:"history,omitempty"`
}

// RunnerReport holds the dispatch counters of one runner.
type RunnerReport struct {
	Shots      int64   `json:"shots"`
	Errors     int64   `json:"errors"`
	Late       int64   `json:"late"`
	DurationMs float64 `json:"duration_ms"`
}

// Passed reports whether every threshold held.
func (r *Report) Passed() bool {
	for _, res := range r.Thresholds {
		if !res.Pass {
			return false
		}
	}
	return true
}

// FailedThresholds returns the raw expressions of the thresholds that did
// not hold.
func (r *Report) FailedThresholds() []string {
	var failed []string
	for _, res := range r.Thresholds {
		if !res.Pass {
			failed = append(failed, res.Threshold.Raw)
		}
	}
	return failed
}

// Write prints the report as text, or as JSON when asJSON is set.
func (r *Report) Write(w io.Writer, asJSON bool) error {
	if asJSON {
		return output.PrintJSONReport(w, r)
	}
	output.PrintReport(w, r.Stats)
	names := make([]string, 0, len(r.Runners))
	for name := range r.Runners {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "\nRunners:")
	for _, name := range names {
		rr := r.Runners[name]
		fmt.Fprintf(w, "  %-16s shots=%d errors=%d late=%d duration=%.0fms\n", name, rr.Shots, rr.Errors, rr.Late, rr.DurationMs)
	}
	if r.LostWindows > 0 {
		fmt.Fprintf(w, "\nLost windows: %d (%d already published, %d older than a published window)\n",
			r.LostWindows, r.DuplicateWindows, r.LostWindows-r.DuplicateWindows)
	}
	output.PrintClientMetrics(w, r.ClientMetrics)
	if len(r.Thresholds) > 0 {
		output.PrintThresholds(w, r.Thresholds)
	}
	return nil
}

// WriteHTML renders the report with its window history to path.
func (r *Report) WriteHTML(path string, cfg *config.Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create html report: %w", err)
	}
	meta := output.ReportMetadata{RunID: r.RunID}
	if cfg != nil {
		names := make([]string, 0, len(cfg.Runners))
		for name := range cfg.Runners {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			rc := cfg.Runners[name]
			meta.Runners = append(meta.Runners, output.RunnerInfo{
				Name:      name,
				Gun:       rc.Gun,
				Ammo:      rc.Ammo,
				Instances: rc.Instances,
				Schedule:  rc.Schedule,
			})
		}
	}
	if err := output.GenerateHTMLReport(f, r.Stats, r.History, r.Thresholds, meta); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
