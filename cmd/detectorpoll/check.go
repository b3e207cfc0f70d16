package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"detectorpoll/internal/config"
)

func newCheckConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Parse and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d jobs (%d active)\n", len(cfg.Jobs), len(cfg.ActiveJobs()))
			return nil
		},
	}
}

func newJobsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List the jobs defined in the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := config.NewConfigManager(*cfgPath)
			cfg, err := m.Load()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, jc := range cfg.Jobs {
				spec, err := jc.ToSpec(m.Dir())
				if err != nil {
					return err
				}
				limit := "unbounded"
				if spec.Bounded() {
					limit = strconv.Itoa(spec.MaxIterations)
				}
				fmt.Fprintf(w, "%-20s %-6s %-10s delay=%-8s active=%-5t %s\n",
					spec.ID, spec.EffectiveMethod(), limit, spec.Delay, spec.Active, spec.Endpoint)
			}
			return nil
		},
	}
}
