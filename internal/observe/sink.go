package observe

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tether/internal/domain"
)

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(domain.Event) {}

// Multi fans events out to each sink in order.
type Multi []domain.Sink

func (m Multi) Notify(ev domain.Event) {
	for _, s := range m {
		if s != nil {
			s.Notify(ev)
		}
	}
}

// DefaultQueue is the Async buffer size used when none is given.
const DefaultQueue = 256

// Async decouples callers from a slow or failing sink.
type Async struct {
	next    domain.Sink
	ch      chan domain.Event
	done    chan struct{}
	dropped atomic.Uint64
	once    sync.Once
	log     *zap.Logger
}

// NewAsync starts a goroutine delivering to next. Call Close to stop it.
func NewAsync(next domain.Sink, queue int, log *zap.Logger) *Async {
	if queue <= 0 {
		queue = DefaultQueue
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Async{
		next: next,
		ch:   make(chan domain.Event, queue),
		done: make(chan struct{}),
		log:  log,
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.ch {
		a.deliver(ev)
	}
}

// deliver isolates the runtime from a panicking sink.
func (a *Async) deliver(ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("event sink panicked", zap.Any("panic", r), zap.String("kind", string(ev.Kind)))
		}
	}()
	a.next.Notify(ev)
}

// Notify enqueues ev, or drops it if the queue is full. Never blocks.
func (a *Async) Notify(ev domain.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	defer func() {
		// Notify after Close is a drop, not a crash.
		if recover() != nil {
			a.dropped.Add(1)
		}
	}()
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Close stops accepting events and waits for queued ones to drain.
func (a *Async) Close() {
	a.once.Do(func() { close(a.ch) })
	<-a.done
}

// LogSink writes each event as a structured log entry.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink logging to log under the "audit" name.
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log.Named("audit")}
}

func (s *LogSink) Notify(ev domain.Event) {
	fields := []zap.Field{zap.String("kind", string(ev.Kind)), zap.Time("at", ev.Time)}
	if ev.SessionID != "" {
		fields = append(fields, zap.String("session_id", ev.SessionID.String()))
	}
	if ev.RequestID != "" {
		fields = append(fields, zap.String("request_id", ev.RequestID.String()))
	}
	if ev.State != "" {
		fields = append(fields, zap.String("state", ev.State))
	}
	if ev.Delay > 0 {
		fields = append(fields, zap.Duration("delay", ev.Delay))
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}
	switch ev.Kind {
	case domain.EventFrameRejected, domain.EventHandshakeFailed, domain.EventMessageFailed:
		s.log.Warn("event", fields...)
	default:
		s.log.Info("event", fields...)
	}
}

var (
	_ domain.Sink = Nop{}
	_ domain.Sink = Multi(nil)
	_ domain.Sink = (*Async)(nil)
	_ domain.Sink = (*LogSink)(nil)
)
