package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var (
		addr   string
		tokens []string
		debug  bool
	)
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "In-memory development relay for tether",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if debug {
				log, err = zap.NewDevelopment()
			}
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			srv := &http.Server{
				Addr:              addr,
				Handler:           newServer(log, tokens).routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()

			log.Info("relay listening", zap.String("addr", addr), zap.Int("tokens", len(tokens)))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringSliceVar(&tokens, "token", nil, "accepted bearer tokens (default: any)")
	cmd.Flags().BoolVar(&debug, "debug", false, "development logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
