package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/torosent/barrage/internal/config"
	"github.com/torosent/barrage/internal/loadtest"
)

func newReplayCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Re-aggregate a raw sample log through the configured listeners",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := newLogger(stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			report, err := loadtest.Replay(ctx, args[0], cfg, loadtest.Options{Logger: logger})
			if err != nil {
				return err
			}
			return finish(report, cfg, stdout)
		},
	}
	config.RegisterFlags(cmd)
	return cmd
}
