package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Hold the relay connection and serve prompts until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			a, err := wire.Connector(passphrase)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger().Info("connecting",
				zap.String("relay", wire.Config.RelayURL),
				zap.String("device_id", a.DeviceID.String()),
			)
			return a.Run(ctx)
		},
	}
}
