package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tether/internal/domain"
)

const verifyTimeout = 15 * time.Second

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <token>",
		Short: "Store a relay access token after checking it with the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := args[0]

			id, err := wire.Identities.LoadIdentity(passphrase)
			if err != nil {
				return err
			}

			client, err := wire.AckClient(token)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), verifyTimeout)
			defer cancel()
			who, err := client.Verify(ctx)
			if err != nil {
				return fmt.Errorf("verify token: %w", err)
			}
			// An unbound token is claimed by this device on first connect.
			if who.DeviceID != "" && who.DeviceID != id.DeviceID {
				return fmt.Errorf("token belongs to device %s, not %s", who.DeviceID, id.DeviceID)
			}

			err = wire.Accounts.SaveAccountProfile(domain.AccountProfile{
				ServerURL: wire.Config.RelayURL,
				DeviceID:  id.DeviceID,
				Token:     token,
			})
			if err != nil {
				return err
			}
			logger().Info("account saved",
				zap.String("relay", wire.Config.RelayURL),
				zap.String("device_id", id.DeviceID.String()),
			)
			fmt.Println("Logged in to", wire.Config.RelayURL)
			return nil
		},
	}
	return cmd
}
