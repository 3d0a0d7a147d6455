package connector

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tether/internal/crypto"
	"tether/internal/domain"
	"tether/internal/protocol/frame"
	proto "tether/internal/protocol/handshake"
	"tether/internal/services/handshake"
	"tether/internal/services/identity"
	"tether/internal/services/session"
	"tether/internal/util/backoff"
)

const waitTimeout = 3 * time.Second

// pipe is an in-memory relay connection. The device reads toDevice and
// writes fromDevice.
type pipe struct {
	toDevice   chan domain.Frame
	fromDevice chan domain.Frame
	closed     chan struct{}
	once       sync.Once
}

func newPipe() *pipe {
	return &pipe{
		toDevice:   make(chan domain.Frame, 64),
		fromDevice: make(chan domain.Frame, 1024),
		closed:     make(chan struct{}),
	}
}

func (p *pipe) ReadFrame() (domain.Frame, error) {
	select {
	case f := <-p.toDevice:
		return f, nil
	case <-p.closed:
		return domain.Frame{}, io.EOF
	}
}

func (p *pipe) WriteFrame(f domain.Frame) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.fromDevice <- f:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type pipeDialer struct {
	conns chan *pipe
}

func (d *pipeDialer) Dial(ctx context.Context) (domain.Conn, error) {
	p := newPipe()
	select {
	case d.conns <- p:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordingAcker struct {
	mu   sync.Mutex
	acks map[domain.SessionID]domain.HandshakeAck
}

func (a *recordingAcker) Acknowledge(_ context.Context, ack domain.HandshakeAck) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks[ack.SessionID] = ack
	return nil
}

func (a *recordingAcker) get(id domain.SessionID) domain.HandshakeAck {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks[id]
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
	signal chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{signal: make(chan struct{}, 1)}
}

func (s *recordingSink) Notify(ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// waitFor blocks until an event matching pred has been recorded.
func (s *recordingSink) waitFor(t *testing.T, pred func(domain.Event) bool) domain.Event {
	t.Helper()
	return s.waitSince(t, 0, pred)
}

// waitSince is waitFor restricted to events recorded after the first since.
func (s *recordingSink) waitSince(t *testing.T, since int, pred func(domain.Event) bool) domain.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		s.mu.Lock()
		for _, ev := range s.events[since:] {
			if pred(ev) {
				s.mu.Unlock()
				return ev
			}
		}
		s.mu.Unlock()
		select {
		case <-s.signal:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func kind(k domain.EventKind, id domain.SessionID) func(domain.Event) bool {
	return func(ev domain.Event) bool { return ev.Kind == k && ev.SessionID == id }
}

func connState(s State) func(domain.Event) bool {
	return func(ev domain.Event) bool {
		return ev.Kind == domain.EventConnectionState && ev.State == s.String()
	}
}

type harness struct {
	t        *testing.T
	rt       *Runtime
	registry *session.Registry
	dialer   *pipeDialer
	acker    *recordingAcker
	sink     *recordingSink
	identity domain.Ed25519Public
	cancel   context.CancelFunc
	done     chan error
}

type harnessSettings struct {
	cfg     Config
	regOpts []session.Option
}

type harnessOpt func(*harnessSettings)

func newHarness(t *testing.T, exec domain.Executor, opts ...harnessOpt) *harness {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	signer := identity.NewSigner(domain.Identity{EdPriv: priv, EdPub: pub})

	log := zaptest.NewLogger(t)
	hs := harnessSettings{cfg: Config{
		Executor:          exec,
		Logger:            log,
		DeviceID:          "device-1",
		IdentityKey:       pub,
		HeartbeatInterval: time.Second,
		MissedHeartbeats:  3,
		HelloTimeout:      time.Second,
		Backoff:           backoff.Policy{Min: 10 * time.Millisecond, Max: time.Second, StableAfter: time.Minute},
	}}
	for _, o := range opts {
		o(&hs)
	}

	reg := session.NewRegistry(hs.regOpts...)
	acker := &recordingAcker{acks: make(map[domain.SessionID]domain.HandshakeAck)}
	sink := newRecordingSink()
	dialer := &pipeDialer{conns: make(chan *pipe, 4)}
	cfg := hs.cfg
	cfg.Registry = reg
	cfg.Dialer = dialer
	cfg.Sink = sink
	cfg.Engine = handshake.New(handshake.Config{
		Registry: reg,
		Signer:   signer,
		Acker:    acker,
		DeviceID: "device-1",
		Logger:   log,
	})
	h := &harness{
		t:        t,
		rt:       New(cfg),
		registry: reg,
		dialer:   dialer,
		acker:    acker,
		sink:     sink,
		identity: pub,
		done:     make(chan error, 1),
	}
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.rt.Run(ctx) }()
	h.t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		require.NoError(h.t, err)
	case <-time.After(waitTimeout):
		h.t.Fatal("runtime did not stop")
	}
}

func (h *harness) nextConn() *pipe {
	h.t.Helper()
	select {
	case p := <-h.dialer.conns:
		return p
	case <-time.After(waitTimeout):
		h.t.Fatal("runtime did not dial")
		return nil
	}
}

// connectReady takes the next connection, checks the device hello and
// answers it.
func (h *harness) connectReady() *pipe {
	h.t.Helper()
	since := h.sink.len()
	p := h.nextConn()
	hello := h.recv(p, domain.FrameHello)
	var payload domain.Hello
	require.NoError(h.t, json.Unmarshal(hello.Payload, &payload))
	require.Equal(h.t, domain.DeviceID("device-1"), payload.DeviceID)
	require.Equal(h.t, h.identity, payload.IdentityKey)
	p.toDevice <- domain.Frame{Type: domain.FrameHello, Payload: json.RawMessage(`{}`)}
	h.sink.waitSince(h.t, since, connState(StateReady))
	return p
}

// recv returns the next device frame of type ft, skipping heartbeats the
// device sends on its own.
func (h *harness) recv(p *pipe, ft domain.FrameType) domain.Frame {
	h.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-p.fromDevice:
			if f.Type == domain.FrameHeartbeat && ft != domain.FrameHeartbeat {
				continue
			}
			require.Equal(h.t, ft, f.Type)
			return f
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", ft)
			return domain.Frame{}
		}
	}
}

// expectSilence fails if the device sends a non-heartbeat frame within d.
func (h *harness) expectSilence(p *pipe, d time.Duration) {
	h.t.Helper()
	timer := time.After(d)
	for {
		select {
		case f := <-p.fromDevice:
			if f.Type != domain.FrameHeartbeat {
				h.t.Fatalf("unexpected %s frame seq=%d", f.Type, f.Seq)
			}
		case <-timer:
			return
		}
	}
}

// peer is the remote end of one session.
type peer struct {
	h   *harness
	p   *pipe
	id  domain.SessionID
	key frame.Key
	in  uint64
}

// openSession runs a full handshake for id over p.
func (h *harness) openSession(p *pipe, id domain.SessionID) *peer {
	h.t.Helper()
	in, req, err := proto.NewInitiator(id, domain.Requester{UID: "u1", Client: "test"})
	require.NoError(h.t, err)
	payload, err := json.Marshal(req)
	require.NoError(h.t, err)
	since := h.sink.len()
	p.toDevice <- domain.Frame{Type: domain.FrameHandshakeRequest, SessionID: id, Payload: payload}

	h.sink.waitSince(h.t, since, kind(domain.EventSessionReady, id))
	key, err := in.Finish(h.acker.get(id), &h.identity)
	require.NoError(h.t, err)
	return &peer{h: h, p: p, id: id, key: frame.Key(key)}
}

func (pe *peer) seal(ft domain.FrameType, seq uint64, v any) domain.Frame {
	pe.h.t.Helper()
	b, err := json.Marshal(v)
	require.NoError(pe.h.t, err)
	f, err := frame.Seal(pe.key, frame.Inbound, seq, frame.Metadata{Type: ft, SessionID: pe.id}, b)
	require.NoError(pe.h.t, err)
	return f
}

// send seals v with the next inbound sequence.
func (pe *peer) send(ft domain.FrameType, v any) domain.Frame {
	f := pe.seal(ft, pe.in, v)
	pe.in++
	pe.p.toDevice <- f
	return f
}

// recv opens the next device frame of type ft into out.
func (pe *peer) recv(ft domain.FrameType, out any) domain.Frame {
	pe.h.t.Helper()
	f := pe.h.recv(pe.p, ft)
	require.Equal(pe.h.t, pe.id, f.SessionID)
	pt, err := frame.Open(pe.key, frame.Outbound, f)
	require.NoError(pe.h.t, err)
	require.NoError(pe.h.t, json.Unmarshal(pt, out))
	return f
}
