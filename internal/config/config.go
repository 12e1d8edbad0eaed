// Package config loads and validates the load test description: named guns,
// ammo sources and runners plus the aggregation and output settings.
package config

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Gun types.
const (
	GunHTTP      = "http"
	GunMulti     = "multi"
	GunH2Mux     = "h2mux"
	GunScenario  = "scenario"
	GunSQL       = "sql"
	GunWebSocket = "websocket"
	GunGRPC      = "grpc"
)

// Ammo types.
const (
	AmmoLine   = "line"
	AmmoCSV    = "csv"
	AmmoJSONL  = "jsonl"
	AmmoInline = "inline"
)

// Config is the whole load test.
type Config struct {
	ConfigFile string                  `yaml:"-"`
	Duration   time.Duration           `yaml:"duration"`
	LogLevel   string                  `yaml:"log_level"`
	LogFormat  string                  `yaml:"log_format"`
	JSONOutput bool                    `yaml:"json_output"`
	HTMLOutput string                  `yaml:"html_output,omitempty"`
	Progress   bool                    `yaml:"progress"`
	Aggregator AggregatorConfig        `yaml:"aggregator"`
	Listeners  ListenersConfig         `yaml:"listeners"`
	Tracing    TracingConfig           `yaml:"tracing"`
	Thresholds []string                `yaml:"thresholds,omitempty"`
	Guns       map[string]GunConfig    `yaml:"guns"`
	Ammo       map[string]AmmoConfig   `yaml:"ammo"`
	Runners    map[string]RunnerConfig `yaml:"runners"`
}

// AggregatorConfig configures windowing and the raw sample log.
type AggregatorConfig struct {
	CacheDepth int           `yaml:"cache_depth"`
	Interval   time.Duration `yaml:"interval"`
	RawFile    string        `yaml:"raw_file,omitempty"`
}

// ListenersConfig enables window listeners. Empty paths disable a listener.
type ListenersConfig struct {
	Logging    bool   `yaml:"logging"`
	JSON       string `yaml:"json,omitempty"`
	SQLite     string `yaml:"sqlite,omitempty"`
	Prometheus string `yaml:"prometheus,omitempty"`
	Label      string `yaml:"label,omitempty"`
}

// TracingConfig configures OTLP export of per-shot spans.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint,omitempty"`
	Protocol    string  `yaml:"protocol,omitempty"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name,omitempty"`
	Propagate   *bool   `yaml:"propagate,omitempty"`
}

// Enabled reports whether an exporter endpoint is configured.
func (t TracingConfig) Enabled() bool { return strings.TrimSpace(t.Endpoint) != "" }

// ShouldPropagate defaults to Enabled unless set explicitly.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

// GunConfig is a named gun. Fields apply to the types noted.
type GunConfig struct {
	Type           string            `yaml:"type"`
	Target         string            `yaml:"target,omitempty"` // all but sql and scenario
	Method         string            `yaml:"method,omitempty"` // http, multi
	Headers        map[string]string `yaml:"headers,omitempty"`
	Timeout        time.Duration     `yaml:"timeout,omitempty"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout,omitempty"`
	Insecure       bool              `yaml:"insecure,omitempty"`
	H2C            bool              `yaml:"h2c,omitempty"`       // multi
	PoolSize       int               `yaml:"pool_size,omitempty"` // h2mux, websocket
	PollInterval   time.Duration     `yaml:"poll_interval,omitempty"`
	WriteTimeout   time.Duration     `yaml:"write_timeout,omitempty"`
	AwaitReply     bool              `yaml:"await_reply,omitempty"` // websocket
	Binary         bool              `yaml:"binary,omitempty"`
	Driver         string            `yaml:"driver,omitempty"` // sql
	DSN            string            `yaml:"dsn,omitempty"`
	MaxConns       int               `yaml:"max_conns,omitempty"`
	ProtoFile      string            `yaml:"proto_file,omitempty"` // grpc
	Service        string            `yaml:"service,omitempty"`
	RPC            string            `yaml:"rpc,omitempty"`
	Metadata       map[string]string `yaml:"metadata,omitempty"`
	TLS            bool              `yaml:"tls,omitempty"`
	Message        string            `yaml:"message,omitempty"`
	Scenarios      map[string]string `yaml:"scenarios,omitempty"` // scenario: name -> gun
}

// AmmoConfig is a named payload source.
type AmmoConfig struct {
	Type         string   `yaml:"type"`
	File         string   `yaml:"file,omitempty"`
	Loop         int      `yaml:"loop"`
	Batch        int      `yaml:"batch,omitempty"`
	Marker       string   `yaml:"marker,omitempty"`
	MarkerColumn string   `yaml:"marker_column,omitempty"` // csv
	MarkerPath   string   `yaml:"marker_path,omitempty"`   // jsonl
	PayloadPath  string   `yaml:"payload_path,omitempty"`  // jsonl
	Items        []string `yaml:"items,omitempty"`         // inline
}

// RunnerConfig binds a gun, an ammo source and a schedule.
type RunnerConfig struct {
	Instances int           `yaml:"instances"`
	Gun       string        `yaml:"gun"`
	Ammo      string        `yaml:"ammo"`
	Schedule  []string      `yaml:"schedule"`
	Seed      int64         `yaml:"seed,omitempty"`
	Limit     int64         `yaml:"limit,omitempty"`
	QueueSize int           `yaml:"queue_size,omitempty"`
	LateAfter time.Duration `yaml:"late_after,omitempty"`
}

// ConfigurationError reports a missing or unusable component.
type ConfigurationError struct {
	Component string // "gun", "ammo", "runner", ...
	Name      string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration for %s %q: %v", e.Component, e.Name, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// Validate checks every field and cross reference and returns a
// ValidationError listing all issues.
func (c Config) Validate() error {
	var issues []string

	if c.Duration < 0 {
		issues = append(issues, "duration must be non-negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		issues = append(issues, fmt.Sprintf("log_format %q is not one of text, json", c.LogFormat))
	}
	if c.Aggregator.Interval < 0 {
		issues = append(issues, "aggregator.interval must be non-negative")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		issues = append(issues, "tracing.sample_rate must be between 0 and 1")
	}
	if len(c.Runners) == 0 {
		issues = append(issues, "at least one runner is required")
	}

	for _, name := range sortedKeys(c.Guns) {
		issues = append(issues, validateGun(name, c.Guns[name], c.Guns)...)
	}
	for _, name := range sortedKeys(c.Ammo) {
		issues = append(issues, validateAmmo(name, c.Ammo[name])...)
	}
	for _, name := range sortedKeys(c.Runners) {
		r := c.Runners[name]
		prefix := "runners." + name
		if r.Instances <= 0 {
			issues = append(issues, prefix+".instances must be positive")
		}
		if _, ok := c.Guns[r.Gun]; !ok {
			issues = append(issues, fmt.Sprintf("%s.gun %q is not defined", prefix, r.Gun))
		}
		if _, ok := c.Ammo[r.Ammo]; r.Ammo != "" && !ok {
			issues = append(issues, fmt.Sprintf("%s.ammo %q is not defined", prefix, r.Ammo))
		}
		if len(r.Schedule) == 0 {
			issues = append(issues, prefix+".schedule is required")
		}
		if r.Limit < 0 {
			issues = append(issues, prefix+".limit must be non-negative")
		}
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateGun(name string, g GunConfig, all map[string]GunConfig) []string {
	var issues []string
	prefix := "guns." + name
	needTarget := func(schemes ...string) {
		u, err := url.Parse(strings.TrimSpace(g.Target))
		if g.Target == "" || err != nil || u.Host == "" {
			issues = append(issues, prefix+".target must be an absolute URL")
			return
		}
		for _, s := range schemes {
			if u.Scheme == s {
				return
			}
		}
		issues = append(issues, fmt.Sprintf("%s.target scheme must be one of %s", prefix, strings.Join(schemes, ", ")))
	}
	switch g.Type {
	case GunHTTP, GunMulti, GunH2Mux:
		needTarget("http", "https")
	case GunWebSocket:
		needTarget("ws", "wss")
	case GunGRPC:
		if strings.TrimSpace(g.Target) == "" {
			issues = append(issues, prefix+".target is required")
		}
		if g.ProtoFile == "" || g.Service == "" || g.RPC == "" {
			issues = append(issues, prefix+" requires proto_file, service and rpc")
		}
	case GunSQL:
		if strings.TrimSpace(g.DSN) == "" {
			issues = append(issues, prefix+".dsn is required")
		}
	case GunScenario:
		if len(g.Scenarios) == 0 {
			issues = append(issues, prefix+".scenarios must map at least one scenario to a gun")
		}
		for _, scenario := range sortedKeys(g.Scenarios) {
			target := g.Scenarios[scenario]
			inner, ok := all[target]
			switch {
			case !ok:
				issues = append(issues, fmt.Sprintf("%s.scenarios.%s refers to undefined gun %q", prefix, scenario, target))
			case inner.Type == GunScenario:
				issues = append(issues, fmt.Sprintf("%s.scenarios.%s cannot nest scenario gun %q", prefix, scenario, target))
			}
		}
	default:
		issues = append(issues, fmt.Sprintf("%s.type %q is not a known gun type", prefix, g.Type))
	}
	if g.Timeout < 0 || g.ConnectTimeout < 0 {
		issues = append(issues, prefix+" timeouts must be non-negative")
	}
	if g.PoolSize < 0 {
		issues = append(issues, prefix+".pool_size must be non-negative")
	}
	for k := range g.Headers {
		if strings.TrimSpace(k) == "" || strings.ContainsAny(k, "\r\n:") {
			issues = append(issues, fmt.Sprintf("%s.headers has invalid key %q", prefix, k))
		}
	}
	return issues
}

func validateAmmo(name string, a AmmoConfig) []string {
	var issues []string
	prefix := "ammo." + name
	switch a.Type {
	case AmmoLine, AmmoCSV, AmmoJSONL:
		if strings.TrimSpace(a.File) == "" {
			issues = append(issues, prefix+".file is required")
		}
	case AmmoInline:
		if len(a.Items) == 0 {
			issues = append(issues, prefix+".items must not be empty")
		}
	default:
		issues = append(issues, fmt.Sprintf("%s.type %q is not one of line, csv, jsonl, inline", prefix, a.Type))
	}
	if a.Loop < 0 {
		issues = append(issues, prefix+".loop must be non-negative")
	}
	if a.Batch < 0 {
		issues = append(issues, prefix+".batch must be non-negative")
	}
	return issues
}

// HTTPHeaders returns g.Headers with canonical keys.
func (g GunConfig) HTTPHeaders() http.Header {
	if len(g.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(g.Headers))
	for k, v := range g.Headers {
		h.Set(k, v)
	}
	return h
}

// Dump writes the effective configuration as YAML.
func (c Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("dump config: %w", err)
	}
	return enc.Close()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
