package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tether/internal/domain"
	"tether/internal/protocol/frame"
	"tether/internal/util/memzero"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrExists   = errors.New("session: already exists")
	ErrNotReady = errors.New("session: not ready")
	ErrEnded    = errors.New("session: ended")
	ErrSequence = errors.New("session: sequence violation")
	ErrRetired  = errors.New("session: id already used")
)

// Ticket identifies one registration of a session id. A ticket from an
// earlier registration never matches a later one with the same id.
type Ticket uint64

type entry struct {
	mu       sync.Mutex
	id       domain.SessionID
	ticket   Ticket
	key      frame.Key
	state    domain.SessionState
	incoming uint64
	outgoing uint64
	created  time.Time
	expires  time.Time
}

func (e *entry) info() domain.SessionInfo {
	return domain.SessionInfo{
		ID:       e.id,
		State:    e.state,
		Incoming: e.incoming,
		Outgoing: e.outgoing,
		Created:  e.created,
		Expires:  e.expires,
	}
}

// end must be called with e.mu held.
func (e *entry) end() {
	e.state = domain.SessionEnded
	memzero.Zero(e.key[:])
}

// Registry maps session ids to live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*entry
	retired  map[domain.SessionID]struct{} // ended ids, until Clear
	issued   Ticket

	now func() time.Time
	ttl time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTTL gives every new session an expiry ttl after creation. Zero disables
// expiry.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[domain.SessionID]*entry),
		retired:  make(map[domain.SessionID]struct{}),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) lookup(id domain.SessionID) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Create registers a Pending session with both counters at zero and returns
// the ticket for this registration. The key is copied; the caller should wipe
// its own copy. An id that ended since the last Clear cannot be registered
// again, so a new key always comes with a new id.
func (r *Registry) Create(id domain.SessionID, key [32]byte) (Ticket, error) {
	if id == "" {
		return 0, fmt.Errorf("session: empty id")
	}
	now := r.now()
	e := &entry{
		id:      id,
		key:     frame.Key(key),
		state:   domain.SessionPending,
		created: now,
	}
	if r.ttl > 0 {
		e.expires = now.Add(r.ttl)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		memzero.Zero(e.key[:])
		return 0, fmt.Errorf("%w: %s", ErrExists, id)
	}
	if _, ok := r.retired[id]; ok {
		memzero.Zero(e.key[:])
		return 0, fmt.Errorf("%w: %s", ErrRetired, id)
	}
	r.issued++
	e.ticket = r.issued
	r.sessions[id] = e
	return e.ticket, nil
}

// MarkReady moves the Pending registration identified by t to Ready. A
// ticket from a replaced or removed registration yields ErrNotFound.
func (r *Registry) MarkReady(id domain.SessionID, t Ticket) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if e.ticket != t {
		return fmt.Errorf("%w: %s (stale ticket)", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case domain.SessionPending:
		e.state = domain.SessionReady
		return nil
	case domain.SessionReady:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrEnded, id)
	}
}

// Get returns a snapshot of the session without key material.
func (r *Registry) Get(id domain.SessionID) (domain.SessionInfo, bool) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.SessionInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info(), true
}

// List returns snapshots of every registered session ordered by id.
func (r *Registry) List() []domain.SessionInfo {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.SessionInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.info())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// AdvanceIncoming accepts seq only if it equals the next expected inbound
// value. Any other value is rejected with ErrSequence and leaves the counter
// untouched.
//
// Open already advances the counter after a successful decrypt. Calling
// AdvanceIncoming for a frame that is also passed to Open consumes its
// sequence twice and desynchronises the session; it exists for inspection
// and tests.
func (r *Registry) AdvanceIncoming(id domain.SessionID, seq uint64) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == domain.SessionEnded {
		return fmt.Errorf("%w: %s", ErrEnded, id)
	}
	if seq != e.incoming {
		return fmt.Errorf("%w: %s got %d want %d", ErrSequence, id, seq, e.incoming)
	}
	e.incoming++
	return nil
}

// AdvanceOutgoing returns the next outbound sequence value and increments
// it. The value is burnt without encrypting anything, so the peer will see a
// gap; production sends go through Seal, which binds allocation to
// encryption. It exists for inspection and tests.
func (r *Registry) AdvanceOutgoing(id domain.SessionID) (uint64, error) {
	e, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == domain.SessionEnded {
		return 0, fmt.Errorf("%w: %s", ErrEnded, id)
	}
	seq := e.outgoing
	e.outgoing++
	return seq, nil
}

// Seal allocates the next outbound sequence, encrypts plaintext as a frame of
// type ft and hands it to emit, all under the session lock. The sequence is
// consumed even if emit fails, so a retry always encrypts under a fresh
// nonce. Sends on one session therefore leave in allocation order.
func (r *Registry) Seal(
	id domain.SessionID,
	ft domain.FrameType,
	plaintext []byte,
	emit func(domain.Frame) error,
) (domain.Frame, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Frame{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := readyLocked(e); err != nil {
		return domain.Frame{}, err
	}

	seq := e.outgoing
	e.outgoing++
	f, err := frame.Seal(e.key, frame.Outbound, seq, frame.Metadata{Type: ft, SessionID: id}, plaintext)
	if err != nil {
		return domain.Frame{}, err
	}
	if emit != nil {
		if err := emit(f); err != nil {
			return f, err
		}
	}
	return f, nil
}

// Open checks the inbound sequence of f, decrypts it and only then advances
// the counter. Rejections never mutate the session; the caller decides
// whether the failure ends it.
func (r *Registry) Open(f domain.Frame) ([]byte, error) {
	if err := frame.CheckShape(f); err != nil {
		return nil, err
	}
	e, err := r.lookup(f.SessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := readyLocked(e); err != nil {
		return nil, err
	}
	if f.Seq != e.incoming {
		return nil, fmt.Errorf("%w: %s got %d want %d", ErrSequence, e.id, f.Seq, e.incoming)
	}
	pt, err := frame.Open(e.key, frame.Inbound, f)
	if err != nil {
		return nil, err
	}
	e.incoming++
	return pt, nil
}

func readyLocked(e *entry) error {
	switch e.state {
	case domain.SessionReady:
		return nil
	case domain.SessionEnded:
		return fmt.Errorf("%w: %s", ErrEnded, e.id)
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotReady, e.id, e.state)
	}
}

// Remove ends the session, wipes its key and drops it from the registry. It
// reports whether the session existed.
func (r *Registry) Remove(id domain.SessionID) bool {
	return r.remove(id, nil)
}

// Withdraw removes the session only if t is its current ticket. It is the
// rollback for a registration whose acknowledgement failed.
func (r *Registry) Withdraw(id domain.SessionID, t Ticket) bool {
	return r.remove(id, &t)
}

func (r *Registry) remove(id domain.SessionID, t *Ticket) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok || (t != nil && e.ticket != *t) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	r.retired[id] = struct{}{}
	r.mu.Unlock()

	e.mu.Lock()
	e.end()
	e.mu.Unlock()
	return true
}

// Clear removes every session, forgets retired ids and returns the ids that
// were dropped. Tickets keep counting, so none issued before Clear matches a
// later registration.
func (r *Registry) Clear() []domain.SessionID {
	r.mu.Lock()
	old := r.sessions
	r.sessions = make(map[domain.SessionID]*entry)
	r.retired = make(map[domain.SessionID]struct{})
	r.mu.Unlock()

	ids := make([]domain.SessionID, 0, len(old))
	for id, e := range old {
		e.mu.Lock()
		e.end()
		e.mu.Unlock()
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Expire removes every session whose expiry is at or before the current time
// and returns their ids.
func (r *Registry) Expire() []domain.SessionID {
	now := r.now()
	var due []domain.SessionID
	r.mu.RLock()
	for id, e := range r.sessions {
		// expires is fixed at creation.
		if !e.expires.IsZero() && !now.Before(e.expires) {
			due = append(due, id)
		}
	}
	r.mu.RUnlock()

	removed := due[:0]
	for _, id := range due {
		if r.Remove(id) {
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed
}
