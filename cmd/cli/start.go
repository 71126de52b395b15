package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tributary-io/tributary/internal/initialization"
)

const shutdownTimeout = 30 * time.Second

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the worker: ingest server, runtime and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := buildContainer(cmd)
			if err != nil {
				return err
			}
			defer container.Close()

			return runWorker(container)
		},
	}
}

func runWorker(container *initialization.Container) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Msg("Starting worker")

	container.Runtime.Start(ctx)

	if err := container.Scheduler.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)

	go func() {
		serverErr <- container.Server.Listen(container.Config.HTTPAddress)
	}()

	log.Info().Str("address", container.Config.HTTPAddress).Msg("Ingest server listening")

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := container.Server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down ingest server cleanly")
	}

	container.Scheduler.Stop()
	container.Runtime.Stop()

	log.Info().Msg("Worker stopped")

	return nil
}
