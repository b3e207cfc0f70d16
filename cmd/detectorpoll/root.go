package main

import (
	"os"

	"github.com/spf13/cobra"
)

const configEnv = "DETECTORPOLL_CONFIG"

func defaultConfigPath() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return "./detectorpoll.yaml"
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "detectorpoll",
		Short: "Drive fraud-detection endpoints with templated request loops",
		Long: `detectorpoll runs one polling loop per configured job. Each loop renders
the job's JSON template, posts it to the detector endpoint and records the
outcome, until the iteration cap is reached or the job is stopped.

Common workflows:

  Run the scheduler with its admin API:
    detectorpoll serve --config detectorpoll.yaml

  Preview the body a job would send on iteration 3:
    detectorpoll render --job card --iteration 3

  Validate a config file:
    detectorpoll check-config

The config path defaults to $` + configEnv + ` or ./detectorpoll.yaml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "path to config (json, yaml or toml)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newRenderCmd(&cfgPath),
		newCheckConfigCmd(&cfgPath),
		newJobsCmd(&cfgPath),
	)
	return root
}
