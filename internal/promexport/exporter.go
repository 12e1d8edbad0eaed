// Package promexport exposes published windows as Prometheus metrics.
package promexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/torosent/barrage/internal/aggregator"
)

// Exporter is an aggregator.Listener that updates metrics on a private
// registry.
type Exporter struct {
	registry *prometheus.Registry

	samples  prometheus.Counter
	errors   prometheus.Counter
	windows  prometheus.Counter
	rps      prometheus.Gauge
	lastTS   prometheus.Gauge
	rt       *prometheus.GaugeVec
	delay    *prometheus.GaugeVec
	meanRT   prometheus.Histogram
	rtLevels []float64

	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// New registers the window metrics. labels are attached to every series,
// for example the run id.
func New(labels prometheus.Labels, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reg := prometheus.NewRegistry()
	e := &Exporter{
		registry: reg,
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "barrage_samples_total",
			Help:        "Samples aggregated into published windows.",
			ConstLabels: labels,
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "barrage_errors_total",
			Help:        "Errored samples in published windows.",
			ConstLabels: labels,
		}),
		windows: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "barrage_windows_total",
			Help:        "Published windows.",
			ConstLabels: labels,
		}),
		rps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "barrage_window_rps",
			Help:        "Samples in the last published window.",
			ConstLabels: labels,
		}),
		lastTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "barrage_window_timestamp_seconds",
			Help:        "Unix time of the last published window.",
			ConstLabels: labels,
		}),
		rt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "barrage_window_rt_microseconds",
			Help:        "Response time quantiles of the last published window.",
			ConstLabels: labels,
		}, []string{"quantile"}),
		delay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "barrage_window_delay_microseconds",
			Help:        "Schedule delay quantiles of the last published window.",
			ConstLabels: labels,
		}, []string{"quantile"}),
		meanRT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "barrage_window_mean_rt_seconds",
			Help:        "Distribution of per-window mean response time.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		rtLevels: aggregator.QuantileLevels,
		logger:   logger,
	}
	reg.MustRegister(e.samples, e.errors, e.windows, e.rps, e.lastTS, e.rt, e.delay, e.meanRT)
	return e
}

// Registry returns the private registry.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

func (e *Exporter) Publish(bucket int64, s aggregator.Summary) error {
	e.windows.Inc()
	e.samples.Add(float64(s.Overall.Samples))
	e.errors.Add(float64(s.Overall.Errors))
	e.rps.Set(float64(s.RPS))
	e.lastTS.Set(float64(bucket))
	for _, q := range e.rtLevels {
		label := strconv.FormatFloat(q, 'f', -1, 64)
		e.rt.WithLabelValues(label).Set(s.Overall.RT.Quantile(q))
		e.delay.WithLabelValues(label).Set(s.Overall.Delay.Quantile(q))
	}
	if s.Overall.Samples > 0 {
		e.meanRT.Observe(s.Overall.RT.Avg / 1e6)
	}
	return nil
}

// Handler serves the registry in the exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server on addr with /metrics and /healthz.
func (e *Exporter) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("prometheus listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	e.listener = lis
	e.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := e.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server exited", "error", err)
		}
	}()
	e.logger.Info("serving prometheus metrics", "addr", lis.Addr().String())
	return nil
}

// Addr returns the bound address once Serve succeeded.
func (e *Exporter) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Shutdown stops the HTTP server started by Serve.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	if err := e.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
