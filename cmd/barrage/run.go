package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/torosent/barrage/internal/config"
	"github.com/torosent/barrage/internal/loadtest"
)

func newRunCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config.yaml]",
		Short: "Run the load test described by a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			if len(args) == 1 && !fs.Changed("config") {
				if err := fs.Set("config", args[0]); err != nil {
					return err
				}
			}
			cfg, err := config.LoadFromFlags(fs)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := newLogger(stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTest(ctx, cfg, logger, stdout, stderr)
		},
	}
	config.RegisterFlags(cmd)
	return cmd
}

func runTest(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer) error {
	if logger.Enabled(ctx, slog.LevelDebug) {
		var dump bytes.Buffer
		if err := cfg.Dump(&dump); err == nil {
			logger.Debug("effective configuration", "config", cfg.ConfigFile, "yaml", dump.String())
		}
	}

	opt := loadtest.Options{Logger: logger}
	if cfg.Progress && !cfg.JSONOutput {
		opt.Progress = stderr
	}
	test, err := loadtest.New(cfg, opt)
	if err != nil {
		return err
	}
	report, err := test.Run(ctx)
	if err != nil {
		return err
	}
	return finish(report, cfg, stdout)
}

// finish prints the report, writes the HTML file and turns failed
// thresholds into an error.
func finish(report *loadtest.Report, cfg *config.Config, stdout io.Writer) error {
	if err := report.Write(stdout, cfg.JSONOutput); err != nil {
		return err
	}
	if cfg.HTMLOutput != "" {
		if err := report.WriteHTML(cfg.HTMLOutput, cfg); err != nil {
			return err
		}
	}
	if !report.Passed() {
		return fmt.Errorf("%w: %s", errThresholds, strings.Join(report.FailedThresholds(), "; "))
	}
	return nil
}
