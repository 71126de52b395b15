package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := buildContainer(cmd)
			if err != nil {
				return err
			}
			defer container.Close()

			if err := container.Store.Migrate(cmd.Context()); err != nil {
				return err
			}

			log.Info().Msg("Migrations applied")

			return nil
		},
	}
}
