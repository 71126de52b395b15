package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewTriggerCommand() *cobra.Command {
	var onboarding bool

	cmd := &cobra.Command{
		Use:   "trigger <integration-id>",
		Short: "Start a sync run for an integration",
		Long: `Start a sync run for an integration. The run's root streams are created
immediately; a running worker picks up the stream processing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := buildContainer(cmd)
			if err != nil {
				return err
			}
			defer container.Close()

			runID, err := container.RunService.StartRun(cmd.Context(), args[0], onboarding)
			if err != nil {
				return err
			}

			log.Info().
				Str("runId", runID).
				Str("integrationId", args[0]).
				Bool("onboarding", onboarding).
				Msg("Run started")

			return nil
		},
	}

	cmd.Flags().BoolVar(&onboarding, "onboarding", false, "Run a full historical backfill instead of an incremental sync")

	return cmd
}
