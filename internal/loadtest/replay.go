package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/torosent/barrage/internal/aggregator"
	"github.com/torosent/barrage/internal/config"
	"github.com/torosent/barrage/internal/metrics"
	"github.com/torosent/barrage/internal/output"
	"github.com/torosent/barrage/internal/rawlog"
	"github.com/torosent/barrage/internal/sample"
	"github.com/torosent/barrage/internal/threshold"
)

// Replay re-aggregates a raw sample log through the listeners of cfg. The
// raw file setting of cfg is ignored so the log is never appended to while
// it is read. cfg may be nil.
func Replay(ctx context.Context, path string, cfg *config.Config, opt Options) (*Report, error) {
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}
	if opt.ShutdownTimeout <= 0 {
		opt.ShutdownTimeout = defaultShutdownTimeout
	}
	c := config.Default()
	if cfg != nil {
		copied := *cfg
		c = &copied
	}
	c.Aggregator.RawFile = ""

	thresholds, err := threshold.ParseMultiple(c.Thresholds)
	if err != nil {
		return nil, &config.ConfigurationError{Component: "thresholds", Name: "thresholds", Err: err}
	}

	reader, err := rawlog.Open(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	runID := ulid.Make()
	t := &Test{cfg: c, opt: opt, runID: runID, logger: opt.Logger.With("run_id", runID.String(), "replay", path)}

	collector := metrics.NewCollector()
	history := output.NewHistory()
	outs, err := t.openOutputs(collector, history)
	if err != nil {
		return nil, err
	}
	defer outs.close(opt.ShutdownTimeout)

	results := make(chan sample.Sample, resultsBuffer)
	agg := aggregator.New(results, aggregator.Options{
		CacheDepth: c.Aggregator.CacheDepth,
		Interval:   c.Aggregator.Interval,
		Listeners:  outs.listeners,
		Writers:    outs.writers,
		Logger:     t.logger.With("component", "aggregator"),
	})
	agg.Start()

	var readErr error
	read := 0
	for {
		s, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = fmt.Errorf("replay %s: %w", path, err)
			break
		}
		select {
		case results <- s:
			read++
		case <-ctx.Done():
			readErr = ctx.Err()
		}
		if readErr != nil {
			break
		}
	}
	close(results)
	t.stopAggregator(agg)
	if readErr != nil {
		return nil, readErr
	}

	report := &Report{
		RunID:            runID.String(),
		Stats:            collector.Stats(0),
		Windows:          agg.Windows(),
		LostWindows:      agg.Lost(),
		DuplicateWindows: agg.Duplicates(),
		History:          history.Points(),
		RawSamples:       int64(read),
	}
	report.Duration = report.Stats.Duration
	if len(thresholds) > 0 {
		report.Thresholds = threshold.NewEvaluator(thresholds).Evaluate(report.Stats)
	}
	t.logger.Info("replay finished", "samples", read, "windows", report.Windows)
	return report, nil
}
