package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all run flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "barrage [config.yaml]",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to configuration file (YAML or JSON)")
	flags.DurationP("duration", "d", 0, "Stop the test after this long (0 runs every schedule to completion)")

	// Output flags
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.Bool("json-output", false, "Emit the final report as JSON")
	flags.String("html-output", "", "Write an HTML report to the specified file path")
	flags.Bool("progress", false, "Print a live progress line to stderr")
	flags.StringSlice("threshold", nil, "Pass/fail threshold (repeatable, e.g. 'rt:p99 < 500')")

	// Aggregation flags
	flags.String("raw-file", "", "Write every sample to this file")
	flags.Duration("interval", 0, "Aggregation window length")
	flags.Int("cache-depth", 0, "Windows kept open for late samples")

	// Listener flags
	flags.Bool("log-windows", true, "Log one line per aggregated window")
	flags.String("json-windows", "", "Append aggregated windows as JSON lines to this file")
	flags.String("sqlite", "", "Store aggregated windows in this SQLite database")
	flags.String("prometheus", "", "Serve window metrics on this address (e.g. :9100)")
	flags.String("label", "", "Label stored with the run")

	// Tracing flags
	flags.String("otlp-endpoint", "", "OTLP collector endpoint; enables tracing")
	flags.String("otlp-protocol", "", "OTLP protocol: grpc or http")
	flags.Bool("otlp-insecure", false, "Disable TLS towards the OTLP collector")
	flags.Float64("trace-sample-rate", 1, "Fraction of shots traced")
	flags.Bool("trace-propagate", false, "Inject W3C trace context into requests")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("duration") {
		val, err := fs.GetDuration("duration")
		if err != nil {
			return err
		}
		cfg.Duration = val
	}
	if fs.Changed("log-level") {
		val, err := fs.GetString("log-level")
		if err != nil {
			return err
		}
		cfg.LogLevel = strings.ToLower(val)
	}
	if fs.Changed("log-format") {
		val, err := fs.GetString("log-format")
		if err != nil {
			return err
		}
		cfg.LogFormat = strings.ToLower(val)
	}
	if fs.Changed("json-output") {
		val, err := fs.GetBool("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("html-output") {
		val, err := fs.GetString("html-output")
		if err != nil {
			return err
		}
		cfg.HTMLOutput = strings.TrimSpace(val)
	}
	if fs.Changed("progress") {
		val, err := fs.GetBool("progress")
		if err != nil {
			return err
		}
		cfg.Progress = val
	}
	if fs.Changed("threshold") {
		val, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = append(cfg.Thresholds, val...)
	}

	if fs.Changed("raw-file") {
		val, err := fs.GetString("raw-file")
		if err != nil {
			return err
		}
		cfg.Aggregator.RawFile = strings.TrimSpace(val)
	}
	if fs.Changed("interval") {
		val, err := fs.GetDuration("interval")
		if err != nil {
			return err
		}
		cfg.Aggregator.Interval = val
	}
	if fs.Changed("cache-depth") {
		val, err := fs.GetInt("cache-depth")
		if err != nil {
			return err
		}
		cfg.Aggregator.CacheDepth = val
	}

	if fs.Changed("log-windows") {
		val, err := fs.GetBool("log-windows")
		if err != nil {
			return err
		}
		cfg.Listeners.Logging = val
	}
	for flag, dst := range map[string]*string{
		"json-windows":  &cfg.Listeners.JSON,
		"sqlite":        &cfg.Listeners.SQLite,
		"prometheus":    &cfg.Listeners.Prometheus,
		"label":         &cfg.Listeners.Label,
		"otlp-endpoint": &cfg.Tracing.Endpoint,
	} {
		if !fs.Changed(flag) {
			continue
		}
		val, err := fs.GetString(flag)
		if err != nil {
			return err
		}
		*dst = strings.TrimSpace(val)
	}

	if fs.Changed("otlp-protocol") {
		val, err := fs.GetString("otlp-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = strings.ToLower(val)
	}
	if fs.Changed("otlp-insecure") {
		val, err := fs.GetBool("otlp-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("trace-sample-rate") {
		val, err := fs.GetFloat64("trace-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("trace-propagate") {
		val, err := fs.GetBool("trace-propagate")
		if err != nil {
			return err
		}
		cfg.Tracing.Propagate = &val
	}
	return nil
}
