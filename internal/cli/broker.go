package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/roam/internal/pubsub"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the pub/sub broker",
	Long: `Run the TCP pub/sub broker every runtime and control client connects
to. Messages are delivered in order per topic and subscriber; there is
no persistence and no replay.`,
	Args: cobra.NoArgs,
	RunE: runBroker,
}

func init() {
	brokerCmd.Flags().String("listen", "127.0.0.1:7420", "Address to listen on")
	rootCmd.AddCommand(brokerCmd)
}

func runBroker(cmd *cobra.Command, args []string) error {
	logger, _, err := newLogger(cmd, cmd.ErrOrStderr(), "info")
	if err != nil {
		return err
	}
	addr, err := cmd.Flags().GetString("listen")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := pubsub.Listen(addr, logger)
	if err != nil {
		return err
	}
	if err := broker.Serve(ctx); err != nil {
		return err
	}
	logger.Info("broker stopped")
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
