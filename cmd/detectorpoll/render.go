package main

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"detectorpoll/internal/config"
	"detectorpoll/internal/template"
)

func newRenderCmd(cfgPath *string) *cobra.Command {
	var (
		jobID     string
		iteration int
		seed      int64
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the request body a job would send",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := config.NewConfigManager(*cfgPath)
			cfg, err := m.Load()
			if err != nil {
				return err
			}
			jc, ok := cfg.Job(jobID)
			if !ok {
				return errors.Newf("job %q not found in %s", jobID, *cfgPath)
			}
			spec, err := jc.ToSpec(m.Dir())
			if err != nil {
				return err
			}
			if iteration < 1 {
				return errors.New("--iteration must be >= 1")
			}
			if !cmd.Flags().Changed("seed") {
				seed = time.Now().UnixNano()
			}
			body, err := template.New().Render(spec.Template, iteration, template.NewRandom(seed))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), body)
			return nil
		},
	}
	cmd.Flags().StringVarP(&jobID, "job", "j", "", "job id from the config")
	cmd.Flags().IntVarP(&iteration, "iteration", "i", 1, "1-based iteration number")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (default: current time)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}
