package connector

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tether/internal/domain"
	"tether/internal/protocol/frame"
	proto "tether/internal/protocol/handshake"
	"tether/internal/services/session"
)

var (
	errNotReady        = errors.New("connection not ready")
	errWrongDirection  = errors.New("device-bound frame of an outbound-only type")
	errSessionMismatch = errors.New("frame and payload session ids differ")
)

func (r *Runtime) dispatch(c *link, f domain.Frame) {
	// Unknown types are ignored in every state, not rejected.
	if f.Type == domain.FrameUnknown {
		r.log.Warn("ignoring frame of unknown type", zap.String("session_id", f.SessionID.String()))
		return
	}
	if f.Type != domain.FrameHello && f.Type != domain.FrameHeartbeat && r.State() != StateReady {
		r.reject(f, errNotReady)
		return
	}

	switch f.Type {
	case domain.FrameHello:
		r.onHello()
	case domain.FrameHeartbeat:
		r.onHeartbeat(c, f)
	case domain.FrameHandshakeRequest:
		r.onHandshake(c, f)
	case domain.FrameMessage:
		r.onMessage(c, f)
	case domain.FrameCancel:
		r.onCancel(c, f)
	case domain.FrameProgress, domain.FrameResult, domain.FrameError:
		r.reject(f, errWrongDirection)
	default:
		r.log.Warn("ignoring frame of unhandled type", zap.Stringer("type", f.Type))
	}
}

func (r *Runtime) onHello() {
	if r.State() == StateConnected {
		r.setState(StateReady)
		r.log.Info("relay ready", zap.String("fingerprint", r.hello.Fingerprint.String()))
	}
}

func (r *Runtime) onHeartbeat(c *link, f domain.Frame) {
	var hb domain.Heartbeat
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &hb); err != nil {
			r.reject(f, fmt.Errorf("%w: heartbeat payload: %v", frame.ErrMalformedFrame, err))
			return
		}
	}
	if hb.Reply {
		return
	}
	if err := r.sendControl(c, domain.FrameHeartbeat, domain.Heartbeat{Reply: true, Time: r.now().Unix()}); err != nil {
		r.log.Debug("heartbeat reply failed", zap.Error(err))
		_ = c.conn.Close()
	}
}

func (r *Runtime) onHandshake(c *link, f domain.Frame) {
	var req domain.HandshakeRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		r.reject(f, fmt.Errorf("%w: handshake payload: %v", frame.ErrMalformedFrame, err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = f.SessionID
	}
	if f.SessionID != "" && f.SessionID != req.SessionID {
		r.reject(f, errSessionMismatch)
		return
	}

	pending, err := r.engine.Begin(req)
	if err != nil {
		r.handshakeFailed(req.SessionID, err)
		return
	}
	r.notify(domain.Event{Kind: domain.EventSessionPending, SessionID: req.SessionID})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.engine.Complete(c.ctx, pending); err != nil {
			r.handshakeFailed(req.SessionID, err)
			return
		}
		r.notify(domain.Event{Kind: domain.EventSessionReady, SessionID: req.SessionID})
	}()
}

func (r *Runtime) handshakeFailed(id domain.SessionID, err error) {
	level := r.log.Warn
	if proto.IsKind(err, proto.KindInvalidRequest) {
		level = r.log.Info
	}
	level("handshake failed", zap.String("session_id", id.String()), zap.Error(err))
	r.notify(domain.Event{Kind: domain.EventHandshakeFailed, SessionID: id, Detail: err.Error()})
}

// open decrypts a session frame and applies the failure policy. It returns
// false when the frame must not be processed further.
func (r *Runtime) open(f domain.Frame) ([]byte, bool) {
	pt, err := r.registry.Open(f)
	switch {
	case err == nil:
		return pt, true
	case errors.Is(err, session.ErrSequence), errors.Is(err, frame.ErrAuthentication):
		r.reject(f, err)
		r.endSession(f.SessionID, err.Error())
	default:
		r.reject(f, err)
	}
	return nil, false
}

func (r *Runtime) onMessage(c *link, f domain.Frame) {
	pt, ok := r.open(f)
	if !ok {
		return
	}
	var p domain.Prompt
	if err := json.Unmarshal(pt, &p); err != nil || p.RequestID == "" {
		reason := "prompt needs a request_id"
		if err != nil {
			reason = "undecodable prompt"
		}
		_ = r.sendSession(c, f.SessionID, domain.FrameError, domain.ErrorReply{
			RequestID: p.RequestID,
			Code:      domain.ErrorCodeBadRequest,
			Message:   reason,
		})
		return
	}
	r.notify(domain.Event{Kind: domain.EventMessageReceived, SessionID: f.SessionID, RequestID: p.RequestID})
	r.startExecution(c, f.SessionID, p)
}

func (r *Runtime) onCancel(c *link, f domain.Frame) {
	pt, ok := r.open(f)
	if !ok {
		return
	}
	var req domain.CancelRequest
	if len(pt) > 0 {
		if err := json.Unmarshal(pt, &req); err != nil {
			_ = r.sendSession(c, f.SessionID, domain.FrameError, domain.ErrorReply{
				Code:    domain.ErrorCodeBadRequest,
				Message: "undecodable cancel",
			})
			return
		}
	}
	for _, ex := range r.executions(f.SessionID, req.RequestID) {
		ex.cancelByPeer()
	}
}

func (r *Runtime) reject(f domain.Frame, err error) {
	r.log.Warn("frame rejected",
		zap.Stringer("type", f.Type),
		zap.String("session_id", f.SessionID.String()),
		zap.Uint64("seq", f.Seq),
		zap.Error(err),
	)
	r.notify(domain.Event{Kind: domain.EventFrameRejected, SessionID: f.SessionID, Detail: err.Error()})
}

// endSession removes a session after a fatal frame error.
func (r *Runtime) endSession(id domain.SessionID, reason string) {
	info, _ := r.registry.Get(id)
	if !r.registry.Remove(id) {
		return
	}
	r.dropExecutions(id)
	r.log.Warn("session ended", zap.String("session_id", id.String()), zap.String("reason", reason))
	r.notify(domain.Event{Kind: domain.EventSessionEnded, SessionID: id, State: info.State.String(), Detail: reason})
}
