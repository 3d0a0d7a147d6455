package handshake

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tether/internal/domain"
	proto "tether/internal/protocol/handshake"
	"tether/internal/services/session"
	"tether/internal/util/memzero"
)

// DefaultAckTimeout bounds the acknowledgement round trip.
const DefaultAckTimeout = 10 * time.Second

// Engine establishes sessions for incoming handshake requests.
type Engine struct {
	registry   *session.Registry
	signer     domain.IdentitySigner
	acker      domain.Acknowledger
	deviceID   domain.DeviceID
	ackTimeout time.Duration
	log        *zap.Logger
}

// Config collects the collaborators of an Engine.
type Config struct {
	Registry   *session.Registry
	Signer     domain.IdentitySigner
	Acker      domain.Acknowledger
	DeviceID   domain.DeviceID
	AckTimeout time.Duration
	Logger     *zap.Logger
}

// New returns an Engine. A zero AckTimeout selects DefaultAckTimeout.
func New(cfg Config) *Engine {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		registry:   cfg.Registry,
		signer:     cfg.Signer,
		acker:      cfg.Acker,
		deviceID:   cfg.DeviceID,
		ackTimeout: cfg.AckTimeout,
		log:        cfg.Logger.Named("handshake"),
	}
}

// Pending is a registered session awaiting its acknowledgement. It carries
// the registration ticket, so Complete acts only on the session Begin
// created, never on a later one that reuses the id.
type Pending struct {
	Ack    domain.HandshakeAck
	ticket session.Ticket
}

// Begin derives a session key for req and registers the session as Pending.
// A request reusing a live or ended session id is rejected; keys are never
// rotated in place.
func (e *Engine) Begin(req domain.HandshakeRequest) (Pending, error) {
	if _, exists := e.registry.Get(req.SessionID); exists {
		return Pending{}, proto.Fail(proto.KindInvalidRequest, "session id already in use", session.ErrExists)
	}
	res, err := proto.Respond(req, e.deviceID, e.signer)
	if err != nil {
		return Pending{}, err
	}
	defer memzero.Key32(&res.Key)

	ticket, err := e.registry.Create(req.SessionID, res.Key)
	if err != nil {
		if errors.Is(err, session.ErrExists) || errors.Is(err, session.ErrRetired) {
			return Pending{}, proto.Fail(proto.KindInvalidRequest, "session id already in use", err)
		}
		return Pending{}, proto.Fail(proto.KindInternal, "register session", err)
	}
	e.log.Debug("session pending",
		zap.String("session_id", req.SessionID.String()),
		zap.String("requester_client", req.Requester.Client),
	)
	return Pending{Ack: res.Ack, ticket: ticket}, nil
}

// Complete delivers the acknowledgement to the relay within the ack timeout.
// On success the session becomes Ready; on any failure it is withdrawn so it
// can never carry traffic.
func (e *Engine) Complete(ctx context.Context, p Pending) error {
	ctx, cancel := context.WithTimeout(ctx, e.ackTimeout)
	defer cancel()

	id := p.Ack.SessionID
	if err := e.acker.Acknowledge(ctx, p.Ack); err != nil {
		e.registry.Withdraw(id, p.ticket)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return proto.Fail(proto.KindTimeout, "acknowledgement", err)
		}
		return proto.Fail(proto.KindAckRejected, "acknowledgement", err)
	}
	if err := e.registry.MarkReady(id, p.ticket); err != nil {
		// Cleared, expired or replaced while the ack was in flight.
		e.registry.Withdraw(id, p.ticket)
		return proto.Fail(proto.KindInternal, "activate session", err)
	}
	e.log.Info("session ready", zap.String("session_id", id.String()))
	return nil
}

// Handle runs Begin and Complete for one request.
func (e *Engine) Handle(ctx context.Context, req domain.HandshakeRequest) error {
	p, err := e.Begin(req)
	if err != nil {
		return err
	}
	return e.Complete(ctx, p)
}
