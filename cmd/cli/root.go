package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tributary-io/tributary/internal/initialization"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tributary",
		Short: "Tributary integration worker CLI",
		Long: `Tributary syncs external developer platforms into a canonical activity
stream: it runs the webhook ingest server, the stream processing workers and
the recovery scheduler.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(NewStartCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewTriggerCommand())
	rootCmd.AddCommand(NewSweepCommand())

	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildContainer loads config and wires the dependency graph for a command.
func buildContainer(cmd *cobra.Command) (*initialization.Container, error) {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	config, err := initialization.LoadConfig()
	if err != nil {
		return nil, err
	}

	container, err := initialization.NewContainer(context.Background(), config, log.Logger)
	if err != nil {
		return nil, err
	}

	return container, nil
}
