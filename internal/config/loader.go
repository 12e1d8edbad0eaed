package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Default returns the settings used for anything the file and flags leave
// unset.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Aggregator: AggregatorConfig{
			CacheDepth: 5,
			Interval:   time.Second,
		},
		Listeners: ListenersConfig{Logging: true},
		Tracing:   TracingConfig{Protocol: "grpc", SampleRate: 1},
		Guns:      map[string]GunConfig{},
		Ammo:      map[string]AmmoConfig{},
		Runners:   map[string]RunnerConfig{},
	}
}

// Load parses command-line arguments and the configuration file they name.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	// A load test without a file has no guns or runners to describe.
	if len(args) == 0 {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}
	if !flagSet.Changed("config") && flagSet.NArg() > 0 {
		if err := flagSet.Set("config", flagSet.Arg(0)); err != nil {
			return nil, err
		}
	}
	return LoadFromFlags(flagSet)
}

// LoadFromFlags reads the file named by --config, if any, and applies every
// changed flag on top of it.
func LoadFromFlags(fs *pflag.FlagSet) (*Config, error) {
	configPath, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.ConfigFile = configPath

	if configPath != "" {
		cfgViper := viper.New()
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		if err := applyConfigSettings(cfg, cfgViper.AllSettings()); err != nil {
			return nil, err
		}
	}

	if err := applyFlagOverrides(cfg, fs); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a configuration file without any flag overrides.
func LoadFile(path string) (*Config, error) {
	fs := pflag.NewFlagSet("barrage", pflag.ContinueOnError)
	configureFlags(fs)
	if err := fs.Set("config", path); err != nil {
		return nil, err
	}
	return LoadFromFlags(fs)
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "duration"); ok {
		d, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		cfg.Duration = d
	}

	if raw, ok := lookupSetting(settings, "log_level", "loglevel"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		if val != "" {
			cfg.LogLevel = strings.ToLower(val)
		}
	}

	if raw, ok := lookupSetting(settings, "log_format", "logformat"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("log_format: %w", err)
		}
		if val != "" {
			cfg.LogFormat = strings.ToLower(val)
		}
	}

	if raw, ok := lookupSetting(settings, "json_output", "jsonoutput"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("json_output: %w", err)
		}
		cfg.JSONOutput = val
	}

	if raw, ok := lookupSetting(settings, "html_output", "htmloutput"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("html_output: %w", err)
		}
		cfg.HTMLOutput = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "progress"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("progress: %w", err)
		}
		cfg.Progress = val
	}

	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		vals, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = vals
	}

	if raw, ok := lookupSetting(settings, "aggregator"); ok {
		if err := parseAggregator(&cfg.Aggregator, raw); err != nil {
			return fmt.Errorf("aggregator: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "listeners"); ok {
		if err := parseListeners(&cfg.Listeners, raw); err != nil {
			return fmt.Errorf("listeners: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		if err := parseTracing(&cfg.Tracing, raw); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "guns"); ok {
		guns, err := parseNamed(raw, buildGun)
		if err != nil {
			return fmt.Errorf("guns: %w", err)
		}
		cfg.Guns = guns
	}

	if raw, ok := lookupSetting(settings, "ammo"); ok {
		ammo, err := parseNamed(raw, buildAmmo)
		if err != nil {
			return fmt.Errorf("ammo: %w", err)
		}
		cfg.Ammo = ammo
	}

	if raw, ok := lookupSetting(settings, "runners"); ok {
		runners, err := parseNamed(raw, buildRunner)
		if err != nil {
			return fmt.Errorf("runners: %w", err)
		}
		cfg.Runners = runners
	}

	return nil
}

// parseNamed decodes a map of named sections with build.
func parseNamed[T any](value interface{}, build func(map[string]interface{}) (T, error)) (map[string]T, error) {
	sections, err := toStringKeyMap(value)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(sections))
	for name, raw := range sections {
		if name == "" {
			return nil, errors.New("section name cannot be empty")
		}
		settings, err := toStringKeyMap(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		item, err := build(settings)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = item
	}
	return out, nil
}

func parseAggregator(agg *AggregatorConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(settings, "cache_depth", "cachedepth"); ok {
		v, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("cache_depth: %w", err)
		}
		agg.CacheDepth = v
	}
	if raw, ok := lookupSetting(settings, "interval"); ok {
		d, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		agg.Interval = d
	}
	if raw, ok := lookupSetting(settings, "raw_file", "rawfile"); ok {
		v, err := asString(raw)
		if err != nil {
			return fmt.Errorf("raw_file: %w", err)
		}
		agg.RawFile = strings.TrimSpace(v)
	}
	return nil
}

func parseListeners(l *ListenersConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(settings, "logging"); ok {
		v, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		l.Logging = v
	}
	for key, dst := range map[string]*string{
		"json":       &l.JSON,
		"sqlite":     &l.SQLite,
		"prometheus": &l.Prometheus,
		"label":      &l.Label,
	} {
		raw, ok := lookupSetting(settings, key)
		if !ok {
			continue
		}
		v, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = strings.TrimSpace(v)
	}
	return nil
}

func parseTracing(t *TracingConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		v, err := asString(raw)
		if err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
		t.Endpoint = strings.TrimSpace(v)
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		v, err := asString(raw)
		if err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
		if v != "" {
			t.Protocol = strings.ToLower(v)
		}
	}
	if raw, ok := lookupSetting(settings, "service_name", "servicename"); ok {
		v, err := asString(raw)
		if err != nil {
			return fmt.Errorf("service_name: %w", err)
		}
		t.ServiceName = v
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		v, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		t.Insecure = v
	}
	if raw, ok := lookupSetting(settings, "sample_rate", "samplerate"); ok {
		v, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("sample_rate: %w", err)
		}
		t.SampleRate = v
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		v, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("propagate: %w", err)
		}
		t.Propagate = &v
	}
	return nil
}

func buildGun(settings map[string]interface{}) (GunConfig, error) {
	var g GunConfig

	strs := []struct {
		keys []string
		dst  *string
	}{
		{[]string{"type"}, &g.Type},
		{[]string{"target", "url"}, &g.Target},
		{[]string{"method"}, &g.Method},
		{[]string{"driver"}, &g.Driver},
		{[]string{"dsn"}, &g.DSN},
		{[]string{"proto_file", "protofile"}, &g.ProtoFile},
		{[]string{"service"}, &g.Service},
		{[]string{"rpc"}, &g.RPC},
		{[]string{"message"}, &g.Message},
	}
	for _, s := range strs {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		v, err := asString(raw)
		if err != nil {
			return g, fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = strings.TrimSpace(v)
	}
	g.Type = strings.ToLower(g.Type)
	g.Method = strings.ToUpper(g.Method)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"timeout", &g.Timeout},
		{"connect_timeout", &g.ConnectTimeout},
		{"poll_interval", &g.PollInterval},
		{"write_timeout", &g.WriteTimeout},
	}
	for _, d := range durations {
		raw, ok := lookupSetting(settings, d.key, strings.ReplaceAll(d.key, "_", ""))
		if !ok {
			continue
		}
		v, err := asDuration(raw)
		if err != nil {
			return g, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"insecure", &g.Insecure},
		{"h2c", &g.H2C},
		{"await_reply", &g.AwaitReply},
		{"binary", &g.Binary},
		{"tls", &g.TLS},
	}
	for _, b := range bools {
		raw, ok := lookupSetting(settings, b.key, strings.ReplaceAll(b.key, "_", ""))
		if !ok {
			continue
		}
		v, err := asBool(raw)
		if err != nil {
			return g, fmt.Errorf("%s: %w", b.key, err)
		}
		*b.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"pool_size", &g.PoolSize},
		{"max_conns", &g.MaxConns},
	}
	for _, i := range ints {
		raw, ok := lookupSetting(settings, i.key, strings.ReplaceAll(i.key, "_", ""))
		if !ok {
			continue
		}
		v, err := asInt(raw)
		if err != nil {
			return g, fmt.Errorf("%s: %w", i.key, err)
		}
		*i.dst = v
	}

	maps := []struct {
		key string
		dst *map[string]string
	}{
		{"headers", &g.Headers},
		{"metadata", &g.Metadata},
		{"scenarios", &g.Scenarios},
	}
	for _, m := range maps {
		raw, ok := lookupSetting(settings, m.key)
		if !ok {
			continue
		}
		v, err := asStringMap(raw)
		if err != nil {
			return g, fmt.Errorf("%s: %w", m.key, err)
		}
		*m.dst = v
	}

	for scenario, target := range g.Scenarios {
		g.Scenarios[scenario] = strings.ToLower(strings.TrimSpace(target))
	}

	if g.Type == "" {
		return g, errors.New("type is required")
	}
	return g, nil
}

func buildAmmo(settings map[string]interface{}) (AmmoConfig, error) {
	var a AmmoConfig

	strs := []struct {
		keys []string
		dst  *string
	}{
		{[]string{"type"}, &a.Type},
		{[]string{"file", "path"}, &a.File},
		{[]string{"marker"}, &a.Marker},
		{[]string{"marker_column", "markercolumn"}, &a.MarkerColumn},
		{[]string{"marker_path", "markerpath"}, &a.MarkerPath},
		{[]string{"payload_path", "payloadpath"}, &a.PayloadPath},
	}
	for _, s := range strs {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		v, err := asString(raw)
		if err != nil {
			return a, fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = strings.TrimSpace(v)
	}
	a.Type = strings.ToLower(a.Type)

	if raw, ok := lookupSetting(settings, "loop"); ok {
		v, err := asInt(raw)
		if err != nil {
			return a, fmt.Errorf("loop: %w", err)
		}
		a.Loop = v
	}
	if raw, ok := lookupSetting(settings, "batch"); ok {
		v, err := asInt(raw)
		if err != nil {
			return a, fmt.Errorf("batch: %w", err)
		}
		a.Batch = v
	}
	if raw, ok := lookupSetting(settings, "items"); ok {
		v, err := asStringSlice(raw)
		if err != nil {
			return a, fmt.Errorf("items: %w", err)
		}
		a.Items = v
	}

	if a.Type == "" {
		switch {
		case len(a.Items) > 0:
			a.Type = AmmoInline
		case strings.HasSuffix(a.File, ".csv"):
			a.Type = AmmoCSV
		case strings.HasSuffix(a.File, ".jsonl"):
			a.Type = AmmoJSONL
		default:
			a.Type = AmmoLine
		}
	}
	return a, nil
}

func buildRunner(settings map[string]interface{}) (RunnerConfig, error) {
	r := RunnerConfig{Instances: 1}

	if raw, ok := lookupSetting(settings, "instances"); ok {
		v, err := asInt(raw)
		if err != nil {
			return r, fmt.Errorf("instances: %w", err)
		}
		r.Instances = v
	}
	if raw, ok := lookupSetting(settings, "queue_size", "queuesize"); ok {
		v, err := asInt(raw)
		if err != nil {
			return r, fmt.Errorf("queue_size: %w", err)
		}
		r.QueueSize = v
	}
	if raw, ok := lookupSetting(settings, "gun"); ok {
		v, err := asString(raw)
		if err != nil {
			return r, fmt.Errorf("gun: %w", err)
		}
		r.Gun = strings.ToLower(strings.TrimSpace(v))
	}
	if raw, ok := lookupSetting(settings, "ammo"); ok {
		v, err := asString(raw)
		if err != nil {
			return r, fmt.Errorf("ammo: %w", err)
		}
		r.Ammo = strings.ToLower(strings.TrimSpace(v))
	}
	if raw, ok := lookupSetting(settings, "schedule"); ok {
		v, err := asStringSlice(raw)
		if err != nil {
			return r, fmt.Errorf("schedule: %w", err)
		}
		r.Schedule = v
	}
	if raw, ok := lookupSetting(settings, "seed"); ok {
		v, err := asInt64(raw)
		if err != nil {
			return r, fmt.Errorf("seed: %w", err)
		}
		r.Seed = v
	}
	if raw, ok := lookupSetting(settings, "limit"); ok {
		v, err := asInt64(raw)
		if err != nil {
			return r, fmt.Errorf("limit: %w", err)
		}
		r.Limit = v
	}
	if raw, ok := lookupSetting(settings, "late_after", "lateafter"); ok {
		v, err := asDuration(raw)
		if err != nil {
			return r, fmt.Errorf("late_after: %w", err)
		}
		r.LateAfter = v
	}
	return r, nil
}
