package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newWorkerCmd creates the 'worker' subcommand, the long-running queue
// consumer.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Starts the queue consumer",
		Long: `Polls the job queue and runs the fetch and rank pipelines for each
message. Stops gracefully on SIGINT or SIGTERM, releasing any messages
received but not yet processed.`,

		RunE: runWorkerCommand,
	}
}

func runWorkerCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := appInstance.RunConsumer(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appInstance.Logger().Info("worker stopped")
	return nil
}
