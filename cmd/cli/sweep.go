package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the recovery jobs once and process what they claim",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := buildContainer(cmd)
			if err != nil {
				return err
			}
			defer container.Close()

			ctx := cmd.Context()

			container.Runtime.Start(ctx)

			if err := container.Scheduler.RunRecoveryOnce(ctx); err != nil {
				return err
			}

			// Stop drains the queue, so claimed work finishes before exit.
			container.Runtime.Stop()

			log.Info().Msg("Recovery sweep finished")

			return nil
		},
	}
}
