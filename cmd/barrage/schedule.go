package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/torosent/barrage/internal/schedule"
)

func newScheduleCmd(stdout io.Writer) *cobra.Command {
	var (
		count int
		seed  int64
	)
	cmd := &cobra.Command{
		Use:   "schedule EXPR...",
		Short: "Print the first send offsets of a load schedule",
		Example: `  barrage schedule "line(1,10,1m)" "const(10,5m)" --count 20
  barrage schedule "poisson(50,10s)" --seed 7`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := schedule.Parse(args, seed)
			if err != nil {
				return err
			}
			offsets := schedule.Take(plan, count)
			for i, off := range offsets {
				fmt.Fprintf(stdout, "%6d  %s\n", i, off)
			}
			if d := plan.Duration(); d >= 0 {
				fmt.Fprintf(stdout, "duration: %s\n", d)
			} else {
				fmt.Fprintln(stdout, "duration: unbounded")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "Number of offsets to print")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed for randomised segments")
	return cmd
}
