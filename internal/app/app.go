package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tether/internal/connector"
	"tether/internal/domain"
	"tether/internal/observe"
	identitysvc "tether/internal/services/identity"
	sessionsvc "tether/internal/services/session"
)

const shutdownTimeout = 5 * time.Second

// App is a fully wired connector ready to run.
type App struct {
	Runtime  *connector.Runtime
	Registry *sessionsvc.Registry
	DeviceID domain.DeviceID

	log     *zap.Logger
	sink    *observe.Async
	signer  *identitysvc.Signer
	metrics *http.Server
}

// Run serves the metrics endpoint, if configured, and runs the connector
// until ctx is cancelled. Key material is wiped on return.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if a.metrics != nil {
		go func() {
			a.log.Info("metrics listening", zap.String("addr", a.metrics.Addr))
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server", zap.Error(err))
			}
		}()
	}
	return a.Runtime.Run(ctx)
}

func (a *App) close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
	}
	a.sink.Close()
	a.signer.Wipe()
}

// NewLogger builds the process logger. debug selects zap's development
// config; otherwise the production config at level is used.
func NewLogger(level string, debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
