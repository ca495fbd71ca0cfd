package main

import (
	"github.com/spf13/cobra"

	"crm_autotask/internal/client"
	"crm_autotask/internal/scheduler"
)

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Print the gaps a pass would act on, without writing anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if remote {
				report, err := client.New(opts.cfg.Engine.Addr, 0).Gaps(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(out, report)
			}

			logger, closer, err := opts.logger()
			if err != nil {
				return err
			}
			defer closer.Close()
			store, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			d := scheduler.New(store, nil, nil, scheduler.Tuning{
				Gap:        opts.cfg.Gap,
				Assignment: opts.cfg.Assignment,
			}, scheduler.ConfigFromEngine(opts.cfg.Engine), logger)
			res, err := d.Analyze(cmd.Context())
			if err != nil {
				return err
			}
			issues := make([]string, 0, len(res.Issues))
			for _, issue := range res.Issues {
				issues = append(issues, issue.Error())
			}
			return printJSON(out, client.GapReport{
				GapsIdentified: len(res.Signals),
				Details:        res.Signals,
				Issues:         issues,
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "ask the running engine at --addr instead of reading the store")
	return cmd
}
