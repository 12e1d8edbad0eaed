// Package loadtest wires a configuration into a running test: guns, ammo
// and schedules into runners, runner samples into the aggregator, and
// aggregated windows into listeners and the final report.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/torosent/barrage/internal/aggregator"
	"github.com/torosent/barrage/internal/clientmetrics"
	"github.com/torosent/barrage/internal/config"
	"github.com/torosent/barrage/internal/gun"
	"github.com/torosent/barrage/internal/metrics"
	"github.com/torosent/barrage/internal/output"
	"github.com/torosent/barrage/internal/plan"
	"github.com/torosent/barrage/internal/promexport"
	"github.com/torosent/barrage/internal/rawlog"
	"github.com/torosent/barrage/internal/runner"
	"github.com/torosent/barrage/internal/sample"
	"github.com/torosent/barrage/internal/schedule"
	"github.com/torosent/barrage/internal/store"
	"github.com/torosent/barrage/internal/threshold"
	"github.com/torosent/barrage/internal/tracing"
)

const (
	resultsBuffer           = 4096
	defaultShutdownTimeout  = 10 * time.Second
	defaultProgressInterval = time.Second
)

// Options tune a Test beyond its configuration.
type Options struct {
	Logger           *slog.Logger
	Progress         io.Writer // live progress line; nil disables it
	ProgressInterval time.Duration
	ShutdownTimeout  time.Duration // bound on flushing, teardown and listener shutdown
}

// Test is one configured load test. It runs once.
type Test struct {
	cfg        *config.Config
	opt        Options
	logger     *slog.Logger
	runID      ulid.ULID
	runners    []*unit
	thresholds []threshold.Threshold
	reporters  map[string]clientmetrics.Reporter
}

// unit is one runner with its resolved components.
type unit struct {
	name string
	cfg  config.RunnerConfig
	gun  gun.Gun
	plan *plan.Plan
}

// New resolves every runner's gun, ammo and schedule. A missing or invalid
// component is reported as a *config.ConfigurationError.
func New(cfg *config.Config, opt Options) (*Test, error) {
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}
	if opt.ShutdownTimeout <= 0 {
		opt.ShutdownTimeout = defaultShutdownTimeout
	}
	if opt.ProgressInterval <= 0 {
		opt.ProgressInterval = defaultProgressInterval
	}

	runID := ulid.Make()
	t := &Test{
		cfg:       cfg,
		opt:       opt,
		logger:    opt.Logger.With("run_id", runID.String()),
		runID:     runID,
		reporters: make(map[string]clientmetrics.Reporter),
	}

	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return nil, &config.ConfigurationError{Component: "thresholds", Name: "thresholds", Err: err}
	}
	t.thresholds = thresholds

	builder := &gunBuilder{cfg: cfg, logger: t.logger, reporters: t.reporters}
	names := make([]string, 0, len(cfg.Runners))
	for name := range cfg.Runners {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		u, err := t.resolve(name, cfg.Runners[name], builder)
		if err != nil {
			t.closePlans()
			return nil, err
		}
		t.runners = append(t.runners, u)
	}
	if len(t.runners) == 0 {
		return nil, &config.ConfigurationError{Component: "runner", Name: "", Err: errors.New("no runners configured")}
	}
	return t, nil
}

func (t *Test) resolve(name string, rc config.RunnerConfig, builder *gunBuilder) (*unit, error) {
	sched, err := schedule.Parse(rc.Schedule, rc.Seed)
	if err != nil {
		return nil, &config.ConfigurationError{Component: "runner", Name: name, Err: err}
	}
	g, err := builder.build(rc.Gun)
	if err != nil {
		return nil, err
	}
	src, err := NewAmmo(rc.Ammo, t.cfg)
	if err != nil {
		return nil, err
	}
	return &unit{
		name: name,
		cfg:  rc,
		gun:  g,
		plan: plan.New(name, sched, src, plan.WithLimit(rc.Limit)),
	}, nil
}

func (t *Test) closePlans() {
	for _, u := range t.runners {
		if err := u.plan.Close(); err != nil {
			t.logger.Warn("closing ammo failed", "runner", u.name, "error", err)
		}
	}
}

// RunID identifies the test in logs, stores and metrics.
func (t *Test) RunID() ulid.ULID { return t.runID }

// Run executes the test until every runner has finished, the configured
// duration elapsed or ctx is cancelled. The report is returned even when
// thresholds fail; use Report.Passed.
func (t *Test) Run(ctx context.Context) (*Report, error) {
	defer t.closePlans()

	provider, err := tracing.Init(ctx, t.cfg.Tracing, t.runID.String())
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), t.opt.ShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			t.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	collector := metrics.NewCollector()
	history := output.NewHistory()
	outs, err := t.openOutputs(collector, history)
	if err != nil {
		return nil, err
	}
	defer outs.close(t.opt.ShutdownTimeout)

	results := make(chan sample.Sample, resultsBuffer)
	agg := aggregator.New(results, aggregator.Options{
		CacheDepth: t.cfg.Aggregator.CacheDepth,
		Interval:   t.cfg.Aggregator.Interval,
		Listeners:  outs.listeners,
		Writers:    outs.writers,
		Logger:     t.logger.With("component", "aggregator"),
	})
	agg.Start()

	ready, err := t.setup(ctx)
	if err != nil {
		t.teardown(ready)
		close(results)
		t.stopAggregator(agg)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if t.cfg.Duration > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, t.cfg.Duration)
		defer cancel()
	}

	var progress *output.ProgressReporter
	if t.opt.Progress != nil {
		progress = output.NewProgressReporter(collector, t.opt.ProgressInterval, t.opt.Progress)
		progress.Start()
	}

	start := time.Now()
	runners := make([]*runner.Runner, len(t.runners))
	for i, u := range t.runners {
		shooter := u.gun
		if provider.Enabled() {
			shooter = tracing.WrapGun(u.gun, provider.Tracer(), u.cfg.Gun)
		}
		runners[i] = runner.New(runner.Options{
			Name:      u.name,
			Instances: u.cfg.Instances,
			QueueSize: u.cfg.QueueSize,
			LateAfter: u.cfg.LateAfter,
			Gun:       shooter,
			Plan:      u.plan,
			Results:   sample.Chan(results),
			Logger:    t.logger.With("runner", u.name),
		})
		runners[i].Start(runCtx)
	}
	t.logger.Info("test started", "runners", len(runners))

	for _, r := range runners {
		<-r.Done()
	}
	elapsed := time.Since(start)
	if progress != nil {
		progress.Stop()
		fmt.Fprintln(t.opt.Progress)
	}

	// Every executor has exited, so nothing sends on results any more.
	close(results)
	t.stopAggregator(agg)
	t.teardown(ready)

	report := &Report{
		RunID:            t.runID.String(),
		Duration:         elapsed,
		Stats:            collector.Stats(elapsed),
		Runners:          make(map[string]RunnerReport, len(runners)),
		Windows:          agg.Windows(),
		LostWindows:      agg.Lost(),
		DuplicateWindows: agg.Duplicates(),
		History:          history.Points(),
	}
	for _, r := range runners {
		res := r.Result()
		report.Runners[r.Name()] = RunnerReport{
			Shots:      res.Shots,
			Errors:     res.Errors,
			Late:       res.Late,
			DurationMs: float64(res.Duration) / float64(time.Millisecond),
		}
	}
	if outs.raw != nil {
		report.RawSamples = outs.raw.Rows()
	}
	if len(t.reporters) > 0 {
		report.ClientMetrics = make(map[string]clientmetrics.Snapshot, len(t.reporters))
		for name, r := range t.reporters {
			report.ClientMetrics[name] = r.ClientMetrics()
		}
	}
	if len(t.thresholds) > 0 {
		report.Thresholds = threshold.NewEvaluator(t.thresholds).Evaluate(report.Stats)
	}

	t.logger.Info("test finished",
		"duration", elapsed.Round(time.Millisecond),
		"samples", report.Stats.Total,
		"errors", report.Stats.Failures,
		"windows", report.Windows,
		"lost_windows", report.LostWindows,
	)
	return report, nil
}

// setup prepares each gun once, in runner order. It returns the guns that
// were set up so that they can be torn down on failure.
func (t *Test) setup(ctx context.Context) ([]*unit, error) {
	ready := make([]*unit, 0, len(t.runners))
	for _, u := range t.runners {
		if err := u.gun.Setup(ctx); err != nil {
			return ready, fmt.Errorf("setup gun %s for runner %s: %w", u.cfg.Gun, u.name, err)
		}
		ready = append(ready, u)
	}
	return ready, nil
}

func (t *Test) teardown(units []*unit) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opt.ShutdownTimeout)
	defer cancel()
	for _, u := range units {
		if err := u.gun.Teardown(ctx); err != nil {
			t.logger.Warn("gun teardown failed", "runner", u.name, "gun", u.cfg.Gun, "error", err)
		}
	}
}

func (t *Test) stopAggregator(agg *aggregator.Aggregator) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opt.ShutdownTimeout)
	defer cancel()
	if err := agg.Stop(ctx); err != nil {
		t.logger.Warn("aggregator did not flush in time", "error", err)
	}
}

// outputs are the listeners and sample writers of one run.
type outputs struct {
	listeners []aggregator.Listener
	writers   []aggregator.SampleWriter
	raw       *rawlog.Writer
	closers   []func(ctx context.Context) error
	logger    *slog.Logger
}

func (t *Test) openOutputs(collector *metrics.Collector, history *output.History) (*outputs, error) {
	cfg := t.cfg
	outs := &outputs{
		listeners: []aggregator.Listener{history},
		writers:   []aggregator.SampleWriter{collector},
		logger:    t.logger,
	}
	fail := func(err error) (*outputs, error) {
		outs.close(t.opt.ShutdownTimeout)
		return nil, err
	}

	if cfg.Aggregator.RawFile != "" {
		w, err := rawlog.Create(cfg.Aggregator.RawFile)
		if err != nil {
			return fail(err)
		}
		outs.raw = w
		outs.writers = append(outs.writers, w)
		outs.closers = append(outs.closers, func(context.Context) error { return w.Close() })
	}
	if cfg.Listeners.Logging {
		outs.listeners = append(outs.listeners, output.NewLogListener(t.logger.With("component", "windows")))
	}
	if cfg.Listeners.JSON != "" {
		l, err := output.OpenJSONListener(cfg.Listeners.JSON)
		if err != nil {
			return fail(err)
		}
		outs.listeners = append(outs.listeners, l)
		outs.closers = append(outs.closers, func(context.Context) error { return l.Close() })
	}
	if cfg.Listeners.SQLite != "" {
		s, err := store.Open(cfg.Listeners.SQLite, t.runID, cfg.Listeners.Label)
		if err != nil {
			return fail(err)
		}
		outs.listeners = append(outs.listeners, s)
		outs.closers = append(outs.closers, func(context.Context) error { return s.Close() })
	}
	if cfg.Listeners.Prometheus != "" {
		labels := prometheus.Labels{"run_id": t.runID.String()}
		if cfg.Listeners.Label != "" {
			labels["label"] = cfg.Listeners.Label
		}
		exp := promexport.New(labels, t.logger.With("component", "prometheus"))
		if err := exp.Serve(cfg.Listeners.Prometheus); err != nil {
			return fail(err)
		}
		outs.listeners = append(outs.listeners, exp)
		outs.closers = append(outs.closers, exp.Shutdown)
	}
	return outs, nil
}

func (o *outputs) close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](ctx); err != nil {
			o.logger.Warn("closing output failed", "error", err)
		}
	}
	o.closers = nil
}
