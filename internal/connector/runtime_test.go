package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tether/internal/domain"
	"tether/internal/executor"
	"tether/internal/services/session"
	"tether/internal/util/backoff"
)

// scriptedExecutor runs fn for every prompt.
type scriptedExecutor func(ctx context.Context, p domain.Prompt, progress func(domain.Progress)) (domain.Result, error)

func (f scriptedExecutor) Execute(ctx context.Context, _ domain.SessionID, p domain.Prompt, progress func(domain.Progress)) (domain.Result, error) {
	return f(ctx, p, progress)
}

func TestReplayEndsSession(t *testing.T) {
	h := newHarness(t, executor.Echo{})
	h.start()
	p := h.connectReady()

	s1 := h.openSession(p, "s1")
	info, ok := h.registry.Get("s1")
	require.True(t, ok)
	require.Equal(t, domain.SessionReady, info.State)

	first := s1.send(domain.FrameMessage, domain.Prompt{RequestID: "r1", Text: "hello"})

	var prog domain.Progress
	f := s1.recv(domain.FrameProgress, &prog)
	require.Equal(t, uint64(0), f.Seq)
	require.Equal(t, domain.RequestID("r1"), prog.RequestID)

	var res domain.Result
	f = s1.recv(domain.FrameResult, &res)
	require.Equal(t, uint64(1), f.Seq)
	require.Equal(t, "hello", res.Text)

	// Same frame again: sequence 0 is spent.
	p.toDevice <- first
	h.sink.waitFor(t, kind(domain.EventSessionEnded, "s1"))
	_, ok = h.registry.Get("s1")
	require.False(t, ok)
	h.expectSilence(p, 50*time.Millisecond)
}

func TestHandshakePendingBeforeReady(t *testing.T) {
	h := newHarness(t, executor.Echo{})
	h.start()
	p := h.connectReady()
	h.openSession(p, "s1")

	pending := h.sink.waitFor(t, kind(domain.EventSessionPending, "s1"))
	ready := h.sink.waitFor(t, kind(domain.EventSessionReady, "s1"))
	require.False(t, ready.Time.Before(pending.Time))
}

func TestCancelEmitsSingleTerminalFrame(t *testing.T) {
	started := make(chan struct{})
	returned := make(chan error, 1)
	exec := scriptedExecutor(func(ctx context.Context, p domain.Prompt, progress func(domain.Progress)) (domain.Result, error) {
		close(started)
		<-ctx.Done()
		returned <- ctx.Err()
		// A late result must be discarded.
		return domain.Result{RequestID: p.RequestID, Text: "late"}, nil
	})
	h := newHarness(t, exec)
	h.start()
	p := h.connectReady()
	s1 := h.openSession(p, "s1")

	s1.send(domain.FrameMessage, domain.Prompt{RequestID: "r1", Text: "long job"})
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("executor not started")
	}
	s1.send(domain.FrameCancel, domain.CancelRequest{RequestID: "r1"})

	var reply domain.ErrorReply
	s1.recv(domain.FrameError, &reply)
	require.Equal(t, domain.ErrorCodeCancelled, reply.Code)
	require.Equal(t, domain.RequestID("r1"), reply.RequestID)

	select {
	case err := <-returned:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("executor was not cancelled")
	}
	h.expectSilence(p, 100*time.Millisecond)

	// The session is still usable after a cancel.
	info, ok := h.registry.Get("s1")
	require.True(t, ok)
	require.Equal(t, domain.SessionReady, info.State)
	require.Equal(t, uint64(2), info.Incoming)
}

func TestCancelAfterResultIsNoop(t *testing.T) {
	h := newHarness(t, executor.Echo{})
	h.start()
	p := h.connectReady()
	s1 := h.openSession(p, "s1")

	s1.send(domain.FrameMessage, domain.Prompt{RequestID: "r1", Text: "quick"})
	var prog domain.Progress
	s1.recv(domain.FrameProgress, &prog)
	var res domain.Result
	s1.recv(domain.FrameResult, &res)

	h.sink.waitFor(t, func(ev domain.Event) bool { return ev.Kind == domain.EventMessageCompleted })
	s1.send(domain.FrameCancel, domain.CancelRequest{RequestID: "r1"})
	h.expectSilence(p, 100*time.Millisecond)
}

func TestCancelWithoutRequestIDCancelsAll(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	exec := scriptedExecutor(func(ctx context.Context, p domain.Prompt, _ func(domain.Progress)) (domain.Result, error) {
		wg.Done()
		<-ctx.Done()
		return domain.Result{}, ctx.Err()
	})
	h := newHarness(t, exec)
	h.start()
	p := h.connectReady()
	s1 := h.openSession(p, "s1")

	s1.send(domain.FrameMessage, domain.Prompt{RequestID: "a", Text: "x"})
	s1.send(domain.FrameMessage, domain.Prompt{RequestID: "b", Text: "y"})
	wg.Wait()
	s1.send(domain.FrameCancel, domain.CancelRequest{})

	got := map[domain.RequestID]string{}
	for i := 0; i < 2; i++ {
		var reply domain.ErrorReply
		s1.recv(domain.FrameError, &reply)
		got[reply.RequestID] = reply.Code
	}
	require.Equal(t, map[domain.RequestID]string{"a": domain.ErrorCodeCancelled, "b": domain.ErrorCodeCancelled}, got)
	h.expectSilence(p, 100*time.Millisecond)
}

func TestExecutionErrorKeepsSession(t *testing.T) {
	exec := scriptedExecutor(func(ctx context.Context, p domain.Prompt, _ func(domain.Progress)) (domain.Result, error) {
		if p.Text == "fail" {
			return domain.Result{}, errors.New("model unavailable")
		}
		return domain.Result{Text: "ok:" + p.Text}, nil
	})
	h := newHarness(t, exec)
	h.start()
	p := h.connectReady()
	s1 := h.openSession(p, "s1")

	s1.send(domain.FrameMessage, domain.Prompt{RequestID: "r1", Text: "fail"})
	var reply domain.ErrorReply
	f := s1.recv(domain.FrameError, &reply)
	require.Equal(t, uint64(0), f.Seq)
	require.Equal(t, domain.ErrorCodeExecution, reply.Code)
	require.Contains(t, reply.Message, "model unavailable")

	s1.send(domain.FrameMessage, domain.Prompt{RequestID: "r2", Text: "again"})
	var res domain.Result
	f = s1.recv(domain.FrameResult, &res)
	require.Equal(t, uint64(1), f.Seq)
	require.Equal(t, "ok:again", res.Text)
	require.Equal(t, domain.RequestID("r2"), res.RequestID)
}

func TestBadPromptGetsEncryptedError(t *testing.T) {
	h := newHarness(t, executor.Echo{})
	h.start()
	p := h.connectReady()
	s1 := h.openSession(p, "s1")

	s1.send(domain.FrameMessage, map[string]string{"prompt": "no id"})
	var reply domain.ErrorReply
	s1.recv(domain.FrameError, &reply)
	require.Equal(t, domain.ErrorCodeBadRequest, reply.Code)
	_, ok := h.registry.Get("s1")
	require.True(t, ok)
}

func TestTamperedFrameEndsOnlyItsSession(t *testing.T) {
	h := newHarness(t, executor.Echo{})
	h.start()
	p := h.connectReady()
	s1 := h.openSession(p, "s1")
	s2 := h.openSession(p, "s2")

	f := s1.seal(domain.FrameMessage, 0, domain.Prompt{RequestID: "r1", Text: "x"})
	f.Type = domain.FrameCancel
	p.toDevice <- f
	h.sink.waitFor(t, kind(domain.EventSessionEnded, "s1"))

	s2.send(domain.FrameMessage, domain.Prompt{RequestID: "r1", Text: "still here"})
	var prog domain.Progress
	s2.recv(domain.FrameProgress, &prog)
	var res domain.Result
	s2.recv(domain.FrameResult, &res)
	require.Equal(t, "still here", res.Text)
}

func TestUnknownSessionAndMalformedFramesAreOnlyRejected(t *testing.T) {
	h := newHarness(t, executor.Echo{})
	h.start()
	p := h.connectReady()
	s1 := h.openSession(p, "s1")

	ghost := s1.seal(domain.FrameMessage, 0, domain.Prompt{RequestID: "r", Text: "x"})
	ghost.SessionID = "nope"
	p.toDevice <- ghost
	h.sink.waitFor(t, kind(domain.EventFrameRejected, "nope"))

	short := s1.seal(domain.FrameMessage, 0, domain.Prompt{RequestID: "r", Text: "x"})
	short.Tag = short.Tag[:4]
	p.toDevice <- short
	h.sink.waitFor(t, kind(domain.EventFrameRejected, "s1"))

	info, ok := h.registry.Get("s1")
	require.True(t, ok)
	require.Zero(t, info.Incoming)

	s1.send(domain.FrameMessage, domain.Prompt{RequestID: "r1", Text: "fine"})
	var prog domain.Progress
	s1.recv(domain.FrameProgress, &prog)
	var res domain.Result
	s1.recv(domain.FrameResult, &res)
	require.Equal(t, "fine", res.Text)
}

func TestUnknownTypeIgnoredAndHeartbeatAnswered(t *testing.T) {
	h := newHarness(t, executor.Echo{})
	h.start()
	p := h.connectReady()

	p.toDevice <- domain.Frame{Type: domain.FrameUnknown, SessionID: "x"}
	p.toDevice <- domain.Frame{Type: domain.FrameHeartbeat, Payload: json.RawMessage(`{"reply":true,"time":1}`)}
	p.toDevice <- domain.Frame{Type: domain.FrameHeartbeat, Payload: json.RawMessage(`{"time":2}`)}

	f := h.recv(p, domain.FrameHeartbeat)
	var hb domain.Heartbeat
	require.NoError(t, json.Unmarshal(f.Payload, &hb))
	require.True(t, hb.Reply)
	require.Equal(t, StateReady, h.rt.State())
}

func TestFramesBeforeHelloAreRejected(t *testing.T) {
	h := newHarness(t, executor.Echo{})
	h.start()
	p := h.nextConn()
	h.recv(p, domain.FrameHello)

	p.toDevice <- domain.Frame{Type: domain.FrameHandshakeRequest, SessionID: "s1", Payload: json.RawMessage(`{}`)}
	h.sink.waitFor(t, kind(domain.EventFrameRejected, "s1"))
	require.Zero(t, h.registry.Len())
}

func TestUnknownTypeBeforeHelloIsIgnored(t *testing.T) {
	h := newHarness(t, executor.Echo{})
	h.start()
	p := h.nextConn()
	h.recv(p, domain.FrameHello)

	p.toDevice <- domain.Frame{Type: domain.FrameUnknown, SessionID: "u1"}
	p.toDevice <- domain.Frame{Type: domain.FrameHandshakeRequest, SessionID: "s1", Payload: json.RawMessage(`{}`)}
	// Frames dispatch in order, so the unknown one has been handled by now.
	h.sink.waitFor(t, kind(domain.EventFrameRejected, "s1"))

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	for _, ev := range h.sink.events {
		require.NotEqual(t, domain.SessionID("u1"), ev.SessionID, "unexpected event %+v", ev)
	}
}

func TestDuplicateRequestRejected(t *testing.T) {
	release := make(chan struct{})
	exec := scriptedExecutor(func(ctx context.Context, p domain.Prompt, _ func(domain.Progress)) (domain.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return domain.Result{Text: "done"}, nil
	})
	h := newHarness(t, exec)
	h.start()
	p := h.connectReady()
	s1 := h.openSession(p, "s1")

	s1.send(domain.FrameMessage, domain.Prompt{RequestID: "r1", Text: "a"})
	h.sink.waitFor(t, func(ev domain.Event) bool { return ev.Kind == domain.EventMessageReceived })
	s1.send(domain.FrameMessage, domain.Prompt{RequestID: "r1", Text: "b"})

	var reply domain.ErrorReply
	s1.recv(domain.FrameError, &reply)
	require.Equal(t, domain.ErrorCodeDuplicate, reply.Code)

	close(release)
	var res domain.Result
	s1.recv(domain.FrameResult, &res)
	require.Equal(t, "done", res.Text)
}

func TestDisconnectClearsSessions(t *testing.T) {
	h := newHarness(t, executor.Echo{})
	h.start()
	p := h.connectReady()
	h.openSession(p, "s1")
	h.openSession(p, "s2")

	_ = p.Close()
	h.sink.waitFor(t, connState(StateReconnecting))
	h.sink.waitFor(t, kind(domain.EventSessionEnded, "s1"))
	h.sink.waitFor(t, kind(domain.EventSessionEnded, "s2"))
	require.Zero(t, h.registry.Len())

	// A fresh handshake works on the new connection.
	p2 := h.connectReady()
	h.openSession(p2, "s1")
}

func TestHeartbeatLossAndBackoffReset(t *testing.T) {
	delays := make(chan time.Duration, 16)
	h := newHarness(t, executor.Echo{}, func(s *harnessSettings) {
		s.cfg.HeartbeatInterval = 20 * time.Millisecond
		s.cfg.MissedHeartbeats = 3
		s.cfg.HelloTimeout = 40 * time.Millisecond
		s.cfg.Backoff = backoff.Policy{Min: 10 * time.Millisecond, Max: time.Second, StableAfter: 150 * time.Millisecond}
	})
	h.rt.sleep = func(ctx context.Context, d time.Duration) error {
		delays <- d
		return ctx.Err()
	}
	nextDelay := func() time.Duration {
		t.Helper()
		select {
		case d := <-delays:
			return d
		case <-time.After(waitTimeout):
			t.Fatal("no reconnect scheduled")
			return 0
		}
	}
	h.start()

	// Ready, then silence: three missed heartbeats force a reconnect at the
	// minimum delay.
	h.connectReady()
	h.sink.waitFor(t, connState(StateReconnecting))
	require.Equal(t, 10*time.Millisecond, nextDelay())

	// No hello reply: the second attempt backs off further.
	p := h.nextConn()
	h.recv(p, domain.FrameHello)
	require.Equal(t, 20*time.Millisecond, nextDelay())

	// A long Ready period resets the backoff.
	p = h.connectReady()
	stop := time.After(250 * time.Millisecond)
	keepalive := time.NewTicker(10 * time.Millisecond)
	defer keepalive.Stop()
loop:
	for {
		select {
		case <-keepalive.C:
			p.toDevice <- domain.Frame{Type: domain.FrameHeartbeat, Payload: json.RawMessage(`{"reply":true}`)}
		case <-stop:
			break loop
		}
	}
	require.Equal(t, 10*time.Millisecond, nextDelay())
}

func TestSessionTTLSweep(t *testing.T) {
	h := newHarness(t, executor.Echo{}, func(s *harnessSettings) {
		s.cfg.HeartbeatInterval = 20 * time.Millisecond
		s.cfg.MissedHeartbeats = 1000
		s.regOpts = append(s.regOpts, session.WithTTL(300*time.Millisecond))
	})
	h.start()
	p := h.connectReady()
	s1 := h.openSession(p, "s1")

	ev := h.sink.waitFor(t, kind(domain.EventSessionEnded, "s1"))
	require.Equal(t, "expired", ev.Detail)
	require.Equal(t, domain.SessionReady.String(), ev.State)
	require.Zero(t, h.registry.Len())

	s1.send(domain.FrameMessage, domain.Prompt{RequestID: "r1", Text: "too late"})
	h.sink.waitFor(t, kind(domain.EventFrameRejected, "s1"))
	require.Equal(t, StateReady, h.rt.State())
}
