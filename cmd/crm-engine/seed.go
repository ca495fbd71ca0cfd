package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"crm_autotask/internal/fixtures"
)

func newSeedCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load resellers and agents from a YAML fixture into the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := fixtures.Load(file)
			if err != nil {
				return err
			}
			store, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			sum, err := fixtures.Apply(cmd.Context(), store, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d resellers and %d agents into %s\n", sum.Resellers, sum.Agents, opts.cfg.Engine.DBPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the YAML fixture")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
