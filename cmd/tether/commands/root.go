package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tether/internal/app"
)

var (
	home       string
	configPath string
	passphrase string
	relayURL   string
	debug      bool

	wire *app.Wire
)

func Execute() error {
	root := &cobra.Command{
		Use:           "tether",
		Short:         "Secure relay connector for local prompt execution",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := app.DefaultHome()
				if err != nil {
					return err
				}
				home = dir
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			if configPath == "" {
				configPath = filepath.Join(home, app.DefaultConfigName)
			}
			cfg, err := app.LoadFile(configPath)
			if err != nil {
				return err
			}
			cfg.Home = home
			if relayURL != "" {
				cfg.RelayURL = relayURL
				if err := cfg.FixupAndValidate(); err != nil {
					return err
				}
			}

			log, err := app.NewLogger(cfg.LogLevel, debug)
			if err != nil {
				return err
			}
			wire = app.NewWire(cfg, log)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if wire != nil {
				_ = wire.Log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.tether)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <home>/config.toml)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the identity key")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "development logging")

	root.AddCommand(initCmd(), fingerprintCmd(), loginCmd(), connectCmd())
	return root.Execute()
}

func logger() *zap.Logger { return wire.Log }
