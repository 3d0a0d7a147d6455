package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tether/internal/domain"
	"tether/internal/protocol/frame"
	proto "tether/internal/protocol/handshake"
	"tether/internal/relay"
	"tether/internal/util/memzero"
)

const (
	defaultPromptTimeout = 2 * time.Minute
	streamBuffer         = 64
	maxBody              = 1 << 20

	// ackSettle covers the gap between the device reading the ack response
	// and marking its session ready.
	ackSettle = 50 * time.Millisecond
)

// promptRequest is the body of POST /v1/prompt.
type promptRequest struct {
	Prompt   string            `json:"prompt"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// promptResponse collects everything the device sent back for one prompt.
type promptResponse struct {
	SessionID domain.SessionID   `json:"session_id"`
	RequestID domain.RequestID   `json:"request_id"`
	Progress  []string           `json:"progress,omitempty"`
	Result    *domain.Result     `json:"result,omitempty"`
	Error     *domain.ErrorReply `json:"error,omitempty"`
}

// ackDelivery hands an acknowledgement to the waiting initiator, which
// answers on verdict. answered is closed once the HTTP response is written.
type ackDelivery struct {
	ack      domain.HandshakeAck
	verdict  chan error
	answered chan struct{}
}

// device is one connected tether client.
type device struct {
	id       domain.DeviceID
	identity domain.Ed25519Public
	conn     *relay.WSConn
	gone     chan struct{}

	mu      sync.Mutex
	acks    map[domain.SessionID]chan ackDelivery
	streams map[domain.SessionID]chan domain.Frame
}

func (d *device) open(sid domain.SessionID) (chan ackDelivery, chan domain.Frame) {
	acks := make(chan ackDelivery, 1)
	frames := make(chan domain.Frame, streamBuffer)
	d.mu.Lock()
	d.acks[sid] = acks
	d.streams[sid] = frames
	d.mu.Unlock()
	return acks, frames
}

func (d *device) close(sid domain.SessionID) {
	d.mu.Lock()
	delete(d.acks, sid)
	delete(d.streams, sid)
	d.mu.Unlock()
}

func (d *device) ackWaiter(sid domain.SessionID) (chan ackDelivery, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.acks[sid]
	return ch, ok
}

func (d *device) route(f domain.Frame) bool {
	d.mu.Lock()
	ch, ok := d.streams[f.SessionID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- f:
		return true
	default:
		return false
	}
}

// server is an in-memory relay. Tokens are claimed by the first device that
// says hello with them.
type server struct {
	log           *zap.Logger
	upgrader      websocket.Upgrader
	allowed       map[string]bool // empty accepts any non-empty token
	promptTimeout time.Duration

	mu       sync.Mutex
	bindings map[string]domain.DeviceID
	devices  map[domain.DeviceID]*device
}

func newServer(log *zap.Logger, tokens []string) *server {
	allowed := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		allowed[t] = true
	}
	return &server{
		log:           log,
		allowed:       allowed,
		promptTimeout: defaultPromptTimeout,
		bindings:      make(map[string]domain.DeviceID),
		devices:       make(map[domain.DeviceID]*device),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/connect", s.handleConnect)
	mux.HandleFunc("GET /v1/me", s.handleMe)
	mux.HandleFunc("POST /v1/sessions/{id}/ack", s.handleAck)
	mux.HandleFunc("POST /v1/prompt", s.handlePrompt)
	return s.accessLog(mux)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

func (s *server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearer(r)
	if token == "" || (len(s.allowed) > 0 && !s.allowed[token]) {
		httpError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	return token, true
}

// deviceFor returns the connected device bound to token.
func (s *server) deviceFor(token string) *device {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bindings[token]
	if !ok {
		return nil
	}
	return s.devices[id]
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	token, ok := s.authorize(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	id := s.bindings[token]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, relay.Whoami{DeviceID: id})
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	token, ok := s.authorize(w, r)
	if !ok {
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	conn := relay.NewWSConn(ws)
	defer conn.Close()

	d, err := s.greet(conn, token)
	if err != nil {
		s.log.Warn("device rejected", zap.Error(err))
		return
	}
	defer s.detach(d)

	log := s.log.With(zap.String("device_id", d.id.String()))
	log.Info("device connected")
	for {
		f, err := conn.ReadFrame()
		if errors.Is(err, relay.ErrMalformed) {
			log.Warn("malformed frame", zap.Error(err))
			continue
		}
		if err != nil {
			log.Info("device disconnected", zap.Error(err))
			return
		}
		switch f.Type {
		case domain.FrameHeartbeat:
			var hb domain.Heartbeat
			_ = json.Unmarshal(f.Payload, &hb)
			if hb.Reply {
				continue
			}
			if err := writeControl(conn, domain.FrameHeartbeat, domain.Heartbeat{Reply: true, Time: time.Now().Unix()}); err != nil {
				return
			}
		case domain.FrameProgress, domain.FrameResult, domain.FrameError:
			if !d.route(f) {
				log.Debug("unrouted session frame",
					zap.String("session_id", f.SessionID.String()),
					zap.Stringer("type", f.Type),
				)
			}
		default:
			log.Debug("ignored frame", zap.Stringer("type", f.Type))
		}
	}
}

// greet waits for the device hello, binds the token and answers.
func (s *server) greet(conn *relay.WSConn, token string) (*device, error) {
	f, err := conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	if f.Type != domain.FrameHello {
		return nil, fmt.Errorf("expected hello, got %s", f.Type)
	}
	var hello domain.Hello
	if err := json.Unmarshal(f.Payload, &hello); err != nil {
		return nil, fmt.Errorf("hello payload: %w", err)
	}
	if hello.DeviceID == "" || hello.IdentityKey.IsZero() {
		return nil, errors.New("hello without device identity")
	}

	d := &device{
		id:       hello.DeviceID,
		identity: hello.IdentityKey,
		conn:     conn,
		gone:     make(chan struct{}),
		acks:     make(map[domain.SessionID]chan ackDelivery),
		streams:  make(map[domain.SessionID]chan domain.Frame),
	}

	s.mu.Lock()
	if bound, ok := s.bindings[token]; ok && bound != hello.DeviceID {
		s.mu.Unlock()
		return nil, fmt.Errorf("token bound to %s", bound)
	}
	s.bindings[token] = hello.DeviceID
	prev := s.devices[hello.DeviceID]
	s.devices[hello.DeviceID] = d
	s.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}

	if err := writeControl(conn, domain.FrameHello, domain.Hello{DeviceID: hello.DeviceID, Client: "tether-relay"}); err != nil {
		s.detach(d)
		return nil, err
	}
	return d, nil
}

func (s *server) detach(d *device) {
	s.mu.Lock()
	if s.devices[d.id] == d {
		delete(s.devices, d.id)
	}
	s.mu.Unlock()
	select {
	case <-d.gone:
	default:
		close(d.gone)
	}
}

func (s *server) handleAck(w http.ResponseWriter, r *http.Request) {
	token, ok := s.authorize(w, r)
	if !ok {
		return
	}
	sid := domain.SessionID(r.PathValue("id"))
	d := s.deviceFor(token)
	if d == nil {
		httpError(w, http.StatusNotFound, "device not connected")
		return
	}
	waiter, ok := d.ackWaiter(sid)
	if !ok {
		httpError(w, http.StatusNotFound, "unknown session")
		return
	}
	var ack domain.HandshakeAck
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&ack); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ack.SessionID != sid {
		httpError(w, http.StatusBadRequest, "session id mismatch")
		return
	}

	delivery := ackDelivery{ack: ack, verdict: make(chan error, 1), answered: make(chan struct{})}
	defer close(delivery.answered)
	select {
	case waiter <- delivery:
	default:
		httpError(w, http.StatusConflict, "session already acknowledged")
		return
	}
	select {
	case err := <-delivery.verdict:
		if err != nil {
			httpError(w, http.StatusForbidden, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
	}
}

func (s *server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	token, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var in promptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&in); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	d := s.deviceFor(token)
	if d == nil {
		httpError(w, http.StatusServiceUnavailable, "device not connected")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.promptTimeout)
	defer cancel()
	resp, status, err := s.runPrompt(ctx, d, in)
	if err != nil {
		s.log.Warn("prompt failed", zap.String("device_id", d.id.String()), zap.Error(err))
		httpError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// runPrompt opens a fresh session with d, sends one prompt and collects the
// replies until a terminal frame arrives.
func (s *server) runPrompt(ctx context.Context, d *device, in promptRequest) (promptResponse, int, error) {
	sid := domain.SessionID(uuid.NewString())
	acks, frames := d.open(sid)
	defer d.close(sid)

	initiator, req, err := proto.NewInitiator(sid, domain.Requester{UID: "dev", DisplayName: "dev relay", Client: "tether-relay"})
	if err != nil {
		return promptResponse{}, http.StatusInternalServerError, err
	}
	if err := writeControl(d.conn, domain.FrameHandshakeRequest, req, sid); err != nil {
		return promptResponse{}, http.StatusBadGateway, err
	}

	var key [32]byte
	select {
	case delivery := <-acks:
		key, err = initiator.Finish(delivery.ack, &d.identity)
		delivery.verdict <- err
		if err != nil {
			return promptResponse{}, http.StatusBadGateway, err
		}
		select {
		case <-delivery.answered:
		case <-ctx.Done():
		}
	case <-d.gone:
		return promptResponse{}, http.StatusBadGateway, errors.New("device disconnected")
	case <-ctx.Done():
		return promptResponse{}, http.StatusGatewayTimeout, errors.New("no handshake acknowledgement")
	}
	defer memzero.Key32(&key)

	t := time.NewTimer(ackSettle)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
		return promptResponse{}, http.StatusGatewayTimeout, ctx.Err()
	}

	resp := promptResponse{SessionID: sid, RequestID: domain.RequestID(uuid.NewString())}
	var outSeq uint64
	send := func(ft domain.FrameType, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		f, err := frame.Seal(frame.Key(key), frame.Inbound, outSeq, frame.Metadata{Type: ft, SessionID: sid}, b)
		if err != nil {
			return err
		}
		outSeq++
		return d.conn.WriteFrame(f)
	}
	if err := send(domain.FrameMessage, domain.Prompt{RequestID: resp.RequestID, Text: in.Prompt, Metadata: in.Metadata}); err != nil {
		return promptResponse{}, http.StatusBadGateway, err
	}

	var inSeq uint64
	for {
		select {
		case f := <-frames:
			if f.Seq != inSeq {
				return promptResponse{}, http.StatusBadGateway, fmt.Errorf("out of order frame: seq %d, want %d", f.Seq, inSeq)
			}
			pt, err := frame.Open(frame.Key(key), frame.Outbound, f)
			if err != nil {
				return promptResponse{}, http.StatusBadGateway, err
			}
			inSeq++
			switch f.Type {
			case domain.FrameProgress:
				var p domain.Progress
				if err := json.Unmarshal(pt, &p); err == nil {
					resp.Progress = append(resp.Progress, p.Text)
				}
			case domain.FrameResult:
				var res domain.Result
				if err := json.Unmarshal(pt, &res); err != nil {
					return promptResponse{}, http.StatusBadGateway, err
				}
				resp.Result = &res
				return resp, http.StatusOK, nil
			case domain.FrameError:
				var er domain.ErrorReply
				if err := json.Unmarshal(pt, &er); err != nil {
					return promptResponse{}, http.StatusBadGateway, err
				}
				resp.Error = &er
				return resp, http.StatusOK, nil
			}
		case <-d.gone:
			return promptResponse{}, http.StatusBadGateway, errors.New("device disconnected")
		case <-ctx.Done():
			_ = send(domain.FrameCancel, domain.CancelRequest{RequestID: resp.RequestID})
			return promptResponse{}, http.StatusGatewayTimeout, errors.New("prompt timed out")
		}
	}
}

func writeControl(conn *relay.WSConn, ft domain.FrameType, v any, sid ...domain.SessionID) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f := domain.Frame{Type: ft, Payload: b}
	if len(sid) > 0 {
		f.SessionID = sid[0]
	}
	return conn.WriteFrame(f)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
