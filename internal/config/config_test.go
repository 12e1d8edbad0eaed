package config_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/torosent/barrage/internal/config"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

const fullYAML = `
duration: 90
log_level: warn
aggregator:
  cache_depth: 3
  interval: 1s
  raw_file: result.samples
listeners:
  logging: false
  json: windows.jsonl
  sqlite: results.db
  prometheus: ":9100"
tracing:
  endpoint: localhost:4317
  protocol: grpc
  insecure: true
  sample_rate: 0.5
  propagate: false
thresholds:
  - "rt:p99 < 500"
  - "errors:rate < 0.01"
guns:
  h2:
    type: h2mux
    target: https://example.org
    insecure: true
    timeout: 10s
    pool_size: 2
    headers:
      X-Request-Source: barrage
  mixed:
    type: scenario
    scenarios:
      page: h2
      default: h2
ammo:
  paths:
    type: line
    file: ammo.line
    loop: 2
    batch: 5
    marker: page
runners:
  main:
    instances: 10
    gun: mixed
    ammo: paths
    schedule:
      - line(1,10,1m)
      - const(10,5m)
`

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "barrage.yaml", fullYAML)

	cfg, err := config.NewLoader().Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q, want %q", cfg.ConfigFile, path)
	}
	if cfg.Duration != 90*time.Second {
		t.Errorf("Duration = %s, want 1m30s", cfg.Duration)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.Aggregator.CacheDepth != 3 || cfg.Aggregator.RawFile != "result.samples" {
		t.Errorf("Aggregator = %+v", cfg.Aggregator)
	}
	if cfg.Listeners.Logging || cfg.Listeners.SQLite != "results.db" || cfg.Listeners.Prometheus != ":9100" {
		t.Errorf("Listeners = %+v", cfg.Listeners)
	}
	if !cfg.Tracing.Enabled() || cfg.Tracing.ShouldPropagate() || cfg.Tracing.SampleRate != 0.5 {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
	if len(cfg.Thresholds) != 2 {
		t.Errorf("Thresholds = %v", cfg.Thresholds)
	}

	h2, ok := cfg.Guns["h2"]
	if !ok {
		t.Fatalf("Guns = %v, want h2", cfg.Guns)
	}
	if h2.Type != config.GunH2Mux || h2.Timeout != 10*time.Second || h2.PoolSize != 2 {
		t.Errorf("Guns[h2] = %+v", h2)
	}
	if got := h2.HTTPHeaders().Get("X-Request-Source"); got != "barrage" {
		t.Errorf("X-Request-Source = %q, want barrage", got)
	}
	if cfg.Guns["mixed"].Scenarios["page"] != "h2" {
		t.Errorf("Guns[mixed].Scenarios = %v", cfg.Guns["mixed"].Scenarios)
	}

	a := cfg.Ammo["paths"]
	if a.Type != config.AmmoLine || a.Loop != 2 || a.Batch != 5 || a.Marker != "page" {
		t.Errorf("Ammo[paths] = %+v", a)
	}

	r := cfg.Runners["main"]
	if r.Instances != 10 || r.Gun != "mixed" || r.Ammo != "paths" || len(r.Schedule) != 2 {
		t.Errorf("Runners[main] = %+v", r)
	}
}

func TestLoadPositionalConfigAndFlags(t *testing.T) {
	path := writeConfig(t, "barrage.yaml", fullYAML)

	cfg, err := config.NewLoader().Load([]string{path, "--duration", "5s", "--log-windows"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Duration != 5*time.Second {
		t.Errorf("Duration = %s, want 5s", cfg.Duration)
	}
	if !cfg.Listeners.Logging {
		t.Error("Listeners.Logging = false, want flag override true")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "barrage.json", `{
		"logLevel": "debug",
		"guns": {"api": {"type": "http", "target": "http://localhost:8080", "method": "post"}},
		"ammo": {"bodies": {"items": ["{\"a\":1}", "{\"a\":2}"]}},
		"runners": {"r1": {"gun": "api", "ammo": "bodies", "schedule": ["const(2,1s)"]}}
	}`)

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Guns["api"].Method != "POST" {
		t.Errorf("Method = %q, want POST", cfg.Guns["api"].Method)
	}
	if a := cfg.Ammo["bodies"]; a.Type != config.AmmoInline || len(a.Items) != 2 {
		t.Errorf("Ammo[bodies] = %+v", a)
	}
}

func TestLoadWithoutArgsRequestsHelp(t *testing.T) {
	_, err := config.NewLoader().Load(nil)
	if !errors.Is(err, config.ErrHelpRequested) {
		t.Fatalf("Load() error = %v, want ErrHelpRequested", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("LoadFile() error = nil, want error")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := writeConfig(t, "bad.yaml", `
runners:
  main:
    instances: many
`)
	_, err := config.LoadFile(path)
	if err == nil || !strings.Contains(err.Error(), "instances") {
		t.Fatalf("LoadFile() error = %v, want instances error", err)
	}
}

func TestValidateReportsEveryIssue(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "loud"
	cfg.Tracing.SampleRate = 2
	cfg.Guns["web"] = config.GunConfig{Type: config.GunHTTP, Target: "ws://example.org"}
	cfg.Guns["sock"] = config.GunConfig{Type: config.GunWebSocket, Target: "http://example.org"}
	cfg.Guns["db"] = config.GunConfig{Type: config.GunSQL}
	cfg.Guns["mix"] = config.GunConfig{Type: config.GunScenario, Scenarios: map[string]string{"a": "nope", "b": "mix"}}
	cfg.Guns["odd"] = config.GunConfig{Type: "carrier-pigeon"}
	cfg.Ammo["file"] = config.AmmoConfig{Type: config.AmmoCSV, Loop: -1}
	cfg.Runners["main"] = config.RunnerConfig{Gun: "missing", Ammo: "gone"}

	err := cfg.Validate()
	var verr config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error = %v, want ValidationError", err)
	}

	want := []string{
		"log_level",
		"tracing.sample_rate",
		"guns.web.target scheme",
		"guns.sock.target scheme",
		"guns.db.dsn",
		`undefined gun "nope"`,
		`cannot nest scenario gun "mix"`,
		"guns.odd.type",
		"ammo.file.file",
		"ammo.file.loop",
		"runners.main.instances",
		`runners.main.gun "missing"`,
		`runners.main.ammo "gone"`,
		"runners.main.schedule",
	}
	joined := strings.Join(verr.Issues(), "\n")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("issues missing %q:\n%s", w, joined)
		}
	}
}

func TestValidateRequiresRunner(t *testing.T) {
	err := config.Default().Validate()
	if err == nil || !strings.Contains(err.Error(), "at least one runner") {
		t.Fatalf("Validate() error = %v, want runner error", err)
	}
}

func TestConfigurationError(t *testing.T) {
	inner := errors.New("boom")
	err := error(&config.ConfigurationError{Component: "gun", Name: "h2", Err: inner})
	if !errors.Is(err, inner) {
		t.Fatal("errors.Is(ConfigurationError, inner) = false")
	}
	if got := err.Error(); got != `configuration for gun "h2": boom` {
		t.Fatalf("Error() = %q", got)
	}
}

func TestDumpRoundTripsThroughLoader(t *testing.T) {
	path := writeConfig(t, "barrage.yaml", fullYAML)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	var buf bytes.Buffer
	if err := cfg.Dump(&buf); err != nil {
		t.Fatalf("Dump() error = %v", err)
	}
	if !strings.Contains(buf.String(), "type: h2mux") {
		t.Fatalf("Dump() missing gun type:\n%s", buf.String())
	}

	again, err := config.LoadFile(writeConfig(t, "dumped.yaml", buf.String()))
	if err != nil {
		t.Fatalf("LoadFile(dumped) error = %v", err)
	}
	if again.Runners["main"].Instances != 10 || again.Guns["h2"].Timeout != 10*time.Second {
		t.Fatalf("reloaded config differs: %+v %+v", again.Runners["main"], again.Guns["h2"])
	}
}
