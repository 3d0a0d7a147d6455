package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"tether/internal/crypto"
	"tether/internal/domain"
	"tether/internal/observe"
	"tether/internal/protocol/frame"
	"tether/internal/services/handshake"
	"tether/internal/services/session"
	"tether/internal/util/backoff"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMissedHeartbeats  = 3
	DefaultHelloTimeout      = 10 * time.Second

	// ClientName is announced in the hello frame.
	ClientName = "tether"
)

// Config wires a Runtime.
type Config struct {
	Dialer   domain.Dialer
	Engine   *handshake.Engine
	Registry *session.Registry
	Executor domain.Executor
	Sink     domain.Sink
	Logger   *zap.Logger

	DeviceID    domain.DeviceID
	IdentityKey domain.Ed25519Public
	Version     string

	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	HelloTimeout      time.Duration
	Backoff           backoff.Policy
}

// Runtime owns the relay connection.
type Runtime struct {
	dialer   domain.Dialer
	engine   *handshake.Engine
	registry *session.Registry
	executor domain.Executor
	sink     domain.Sink
	log      *zap.Logger

	hello      domain.Hello
	interval   time.Duration
	missed     int
	helloAfter time.Duration
	backoff    *backoff.Backoff

	// sleep waits out a reconnect delay; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu         sync.Mutex
	state      State
	readySince time.Time
	inflight   map[domain.SessionID]map[domain.RequestID]*execution

	wg sync.WaitGroup
}

// New returns a Runtime for cfg, filling zero values with defaults.
func New(cfg Config) *Runtime {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = DefaultMissedHeartbeats
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = DefaultHelloTimeout
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	if cfg.Sink == nil {
		cfg.Sink = observe.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	client := ClientName
	if cfg.Version != "" {
		client += "/" + cfg.Version
	}
	return &Runtime{
		dialer:   cfg.Dialer,
		engine:   cfg.Engine,
		registry: cfg.Registry,
		executor: cfg.Executor,
		sink:     cfg.Sink,
		log:      cfg.Logger.Named("connector"),
		hello: domain.Hello{
			DeviceID:    cfg.DeviceID,
			IdentityKey: cfg.IdentityKey,
			Fingerprint: crypto.Fingerprint(cfg.IdentityKey.Slice()),
			Client:      client,
		},
		interval:   cfg.HeartbeatInterval,
		missed:     cfg.MissedHeartbeats,
		helloAfter: cfg.HelloTimeout,
		backoff:    backoff.New(cfg.Backoff),
		sleep:      sleepCtx,
		now:        time.Now,
		inflight:   make(map[domain.SessionID]map[domain.RequestID]*execution),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	if s == StateReady {
		r.readySince = r.now()
	}
	r.mu.Unlock()
	if prev == s {
		return
	}
	r.log.Debug("state", zap.Stringer("from", prev), zap.Stringer("to", s))
	r.notify(domain.Event{Kind: domain.EventConnectionState, State: s.String()})
}

func (r *Runtime) notify(ev domain.Event) {
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}
	r.sink.Notify(ev)
}

// Run connects and keeps reconnecting until ctx is cancelled. It returns nil
// on cancellation; transport failures never end it.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.wg.Wait()
	defer r.setState(StateDisconnected)

	for {
		r.setState(StateConnecting)
		conn, err := r.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("dial failed",
				zap.Error(err),
				zap.Bool("transient", backoff.IsTransientError(err)),
			)
		} else {
			readyFor, cause := r.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			if r.backoff.Observe(readyFor) {
				r.log.Debug("backoff reset after stable connection", zap.Duration("ready_for", readyFor))
			}
			r.log.Warn("connection lost",
				zap.Error(cause),
				zap.Bool("transient", backoff.IsTransientError(cause)),
				zap.Duration("ready_for", readyFor),
			)
		}

		r.setState(StateReconnecting)
		delay := r.backoff.Next()
		r.notify(domain.Event{Kind: domain.EventReconnectScheduled, Delay: delay, State: StateReconnecting.String()})
		if err := r.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// Errors returned by serve to explain why a connection ended.
var (
	errHeartbeatLost = errors.New("heartbeat deadline exceeded")
	errHelloTimeout  = errors.New("no hello reply from relay")
)

// serve drives one connection until it fails or ctx ends and reports how
// long it was Ready.
func (r *Runtime) serve(ctx context.Context, conn domain.Conn) (time.Duration, error) {
	connCtx, cancel := context.WithCancel(ctx)
	c := &link{conn: conn, ctx: connCtx}

	defer func() {
		cancel()
		_ = conn.Close()
		r.teardown()
	}()

	r.setState(StateConnected)
	if err := r.sendControl(c, domain.FrameHello, r.hello); err != nil {
		return 0, err
	}

	frames := make(chan domain.Frame)
	readErr := make(chan error, 1)
	go r.readLoop(c, frames, readErr)

	deadline := r.interval * time.Duration(r.missed)
	watchdog := time.NewTimer(deadline)
	defer watchdog.Stop()
	helloTimer := time.NewTimer(r.helloAfter)
	defer helloTimer.Stop()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.readyFor(), ctx.Err()
		case err := <-readErr:
			return r.readyFor(), err
		case <-watchdog.C:
			return r.readyFor(), errHeartbeatLost
		case <-helloTimer.C:
			if r.State() != StateReady {
				return 0, errHelloTimeout
			}
		case <-ticker.C:
			r.sweep()
			if err := r.sendControl(c, domain.FrameHeartbeat, domain.Heartbeat{Time: r.now().Unix()}); err != nil {
				return r.readyFor(), err
			}
		case f := <-frames:
			watchdog.Reset(deadline)
			r.dispatch(c, f)
		}
	}
}

// readLoop feeds decoded frames to serve. Malformed messages are rejected
// here and the loop continues.
func (r *Runtime) readLoop(c *link, frames chan<- domain.Frame, readErr chan<- error) {
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, frame.ErrMalformedFrame) {
				r.reject(domain.Frame{}, err)
				continue
			}
			readErr <- err
			return
		}
		select {
		case frames <- f:
		case <-c.ctx.Done():
			return
		}
	}
}

func (r *Runtime) readyFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateReady || r.readySince.IsZero() {
		return 0
	}
	return r.now().Sub(r.readySince)
}

// teardown drops every session and in-flight execution of the connection.
func (r *Runtime) teardown() {
	r.mu.Lock()
	for _, reqs := range r.inflight {
		for _, ex := range reqs {
			ex.abandon()
		}
	}
	r.inflight = make(map[domain.SessionID]map[domain.RequestID]*execution)
	r.readySince = time.Time{}
	r.mu.Unlock()

	before := r.registry.List()
	for _, id := range r.registry.Clear() {
		r.notify(domain.Event{Kind: domain.EventSessionEnded, SessionID: id, State: stateOf(before, id), Detail: "connection closed"})
	}
}

// sweep ends sessions past their expiry.
func (r *Runtime) sweep() {
	before := r.registry.List()
	for _, id := range r.registry.Expire() {
		r.dropExecutions(id)
		r.log.Info("session expired", zap.String("session_id", id.String()))
		r.notify(domain.Event{Kind: domain.EventSessionEnded, SessionID: id, State: stateOf(before, id), Detail: "expired"})
	}
}

func stateOf(infos []domain.SessionInfo, id domain.SessionID) string {
	for _, in := range infos {
		if in.ID == id {
			return in.State.String()
		}
	}
	return ""
}

// link is one live connection and the context cancelled when it ends.
type link struct {
	conn domain.Conn
	ctx  context.Context
}

func (r *Runtime) sendControl(c *link, ft domain.FrameType, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := c.conn.WriteFrame(domain.Frame{Type: ft, Payload: b}); err != nil {
		return err
	}
	return nil
}

// sendSession encrypts payload for session id and writes it. A write error
// closes the connection, which the read loop turns into a reconnect.
func (r *Runtime) sendSession(c *link, id domain.SessionID, ft domain.FrameType, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = r.registry.Seal(id, ft, b, c.conn.WriteFrame)
	if err != nil && !isSessionGone(err) {
		r.log.Warn("send failed, closing connection",
			zap.String("session_id", id.String()),
			zap.Stringer("type", ft),
			zap.Error(err),
		)
		_ = c.conn.Close()
	}
	return err
}

func isSessionGone(err error) bool {
	return errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, session.ErrEnded) ||
		errors.Is(err, session.ErrNotReady)
}
