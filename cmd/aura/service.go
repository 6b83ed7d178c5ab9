package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nightofknife/aura/internal/config"
	"github.com/nightofknife/aura/internal/plugin"
)

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Inspect registered services",
	}
	cmd.AddCommand(newServiceListCmd())
	return cmd
}

func newServiceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every service the loaded plugins register",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			reg, err := plugin.NewLoader(cfg.Paths.PlansDir, cfg.Paths.PackagesDir, nil).Load()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ALIAS\tFQID\tSTATUS")
			for _, e := range reg.Services() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Alias, e.FQID, e.Status)
			}
			return tw.Flush()
		},
	}
}
