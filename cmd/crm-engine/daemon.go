package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crm_autotask/internal/client"
)

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Control the scheduler daemon of a running engine",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
	connect := func() *client.Client {
		return client.New(firstNonEmpty(opts.cfg.Engine.Addr, ":8092"), timeout)
	}

	var interval float64
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the interval schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := connect().StartDaemon(cmd.Context(), interval)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	start.Flags().Float64Var(&interval, "interval", 0, "interval in minutes (default: configured)")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the interval schedule; an executing pass finishes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := connect().StopDaemon(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}

	force := &cobra.Command{
		Use:   "force",
		Short: "Run one pass now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			run, err := connect().ForceRun(cmd.Context())
			if client.IsConflict(err) {
				return fmt.Errorf("a pass is already executing, try again later: %w", err)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := connect().DaemonStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	var limit int
	runs := &cobra.Command{
		Use:   "runs",
		Short: "List recent scheduler runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := connect().Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	runs.Flags().IntVar(&limit, "limit", 20, "number of runs")

	cmd.AddCommand(start, stop, force, status, runs)
	return cmd
}
