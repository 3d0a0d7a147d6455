package app

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"tether/internal/connector"
	"tether/internal/domain"
	"tether/internal/executor"
	"tether/internal/observe"
	"tether/internal/relay"
	handshakesvc "tether/internal/services/handshake"
	identitysvc "tether/internal/services/identity"
	sessionsvc "tether/internal/services/session"
	"tether/internal/store"
)

// Version is reported in the hello frame. Set at link time.
var Version = "dev"

var (
	// ErrNoRelay is returned when an operation needs a relay URL.
	ErrNoRelay = errors.New("no relay configured; set relay_url or use --relay")
	// ErrNotLoggedIn is returned when no token is stored for the relay.
	ErrNotLoggedIn = errors.New("no account for relay; run login first")
)

// Wire bundles the stores and services every command needs.
type Wire struct {
	Config     *Config
	Log        *zap.Logger
	Identity   domain.IdentityStore
	Identities domain.IdentityService
	Accounts   domain.AccountStore
}

// NewWire constructs the offline part of the dependency graph from cfg.
func NewWire(cfg *Config, log *zap.Logger) *Wire {
	if log == nil {
		log = zap.NewNop()
	}
	identityStore := store.NewIdentityFileStore(cfg.Home)
	return &Wire{
		Config:     cfg,
		Log:        log,
		Identity:   identityStore,
		Identities: identitysvc.New(identityStore),
		Accounts:   store.NewAccountFileStore(cfg.Home),
	}
}

// Account returns the stored profile for the configured relay.
func (w *Wire) Account() (domain.AccountProfile, error) {
	if w.Config.RelayURL == "" {
		return domain.AccountProfile{}, ErrNoRelay
	}
	profile, ok, err := w.Accounts.LoadAccountProfile(w.Config.RelayURL)
	if err != nil {
		return domain.AccountProfile{}, err
	}
	if !ok {
		return domain.AccountProfile{}, ErrNotLoggedIn
	}
	return profile, nil
}

// AckClient returns an HTTP client for the configured relay using token.
func (w *Wire) AckClient(token string) (*relay.AckClient, error) {
	if w.Config.RelayURL == "" {
		return nil, ErrNoRelay
	}
	return relay.NewAckClient(w.Config.RelayURL, token), nil
}

// Executor builds the configured prompt executor.
func (w *Wire) Executor() (domain.Executor, error) {
	ec := w.Config.Executor
	switch ec.Kind {
	case ExecutorExec:
		return executor.NewCommand(ec.Command, ec.Args, ec.Timeout.Duration, w.Log)
	case ExecutorEcho, "":
		return executor.Echo{}, nil
	default:
		return nil, fmt.Errorf("unknown executor kind %q", ec.Kind)
	}
}

// Connector unlocks the identity with passphrase and assembles the runtime
// and its collaborators.
func (w *Wire) Connector(passphrase string) (*App, error) {
	id, err := w.Identities.LoadIdentity(passphrase)
	if err != nil {
		return nil, err
	}
	if w.Config.DeviceID != "" && domain.DeviceID(w.Config.DeviceID) != id.DeviceID {
		return nil, fmt.Errorf("configured device_id %q does not match identity %q", w.Config.DeviceID, id.DeviceID)
	}
	profile, err := w.Account()
	if err != nil {
		return nil, err
	}
	signer := identitysvc.NewSigner(id)

	acker, err := w.AckClient(profile.Token)
	if err != nil {
		signer.Wipe()
		return nil, err
	}
	dialer, err := relay.NewWSDialer(w.Config.RelayURL, profile.Token)
	if err != nil {
		signer.Wipe()
		return nil, err
	}
	exe, err := w.Executor()
	if err != nil {
		signer.Wipe()
		return nil, err
	}

	metrics := observe.NewMetricsSink()
	sink := observe.NewAsync(
		observe.Multi{observe.NewLogSink(w.Log), metrics},
		observe.DefaultQueue,
		w.Log,
	)

	var regOpts []sessionsvc.Option
	if ttl := w.Config.SessionTTL.Duration; ttl > 0 {
		regOpts = append(regOpts, sessionsvc.WithTTL(ttl))
	}
	registry := sessionsvc.NewRegistry(regOpts...)

	engine := handshakesvc.New(handshakesvc.Config{
		Registry:   registry,
		Signer:     signer,
		Acker:      acker,
		DeviceID:   id.DeviceID,
		AckTimeout: w.Config.AckTimeout.Duration,
		Logger:     w.Log,
	})

	rt := connector.New(connector.Config{
		Dialer:            dialer,
		Engine:            engine,
		Registry:          registry,
		Executor:          exe,
		Sink:              sink,
		Logger:            w.Log,
		DeviceID:          id.DeviceID,
		IdentityKey:       signer.PublicIdentity(),
		Version:           Version,
		HeartbeatInterval: w.Config.HeartbeatInterval.Duration,
		MissedHeartbeats:  w.Config.MissedHeartbeats,
		HelloTimeout:      w.Config.HelloTimeout.Duration,
		Backoff:           w.Config.Backoff.Policy(),
	})

	a := &App{
		Runtime:  rt,
		Registry: registry,
		DeviceID: id.DeviceID,
		log:      w.Log,
		sink:     sink,
		signer:   signer,
	}
	if w.Config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		a.metrics = &http.Server{Addr: w.Config.MetricsAddr, Handler: mux}
	}
	return a, nil
}
