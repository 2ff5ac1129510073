package check

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/zombor/pillchecker/internal/scanning"
	"github.com/zombor/pillchecker/internal/session"
)

// Session is one user's in-progress check: two slots, a scan pipeline and
// the looked-up verdict waiting to be saved
type Session struct {
	ID    string
	Slots *session.Manager
	Scan  *scanning.Pipeline

	handoff session.Handoff

	mu      sync.Mutex
	version uint64
	pending *Verdict
	heldAt  uint64
}

func newSession(id string, store session.Store, recognizer scanning.Recognizer, extractor scanning.Extractor) *Session {
	return &Session{
		ID:    id,
		Slots: session.Open(store, slotsKey(id)),
		Scan:  scanning.NewPipeline(recognizer, extractor),
	}
}

func slotsKey(id string) string {
	return id + ":slots"
}

// Offer posts an assignment for the slot owner to pick up. It replaces any
// assignment not yet picked up and is applied exactly once, on the next
// operation that reads or changes the slots.
func (s *Session) Offer(a session.Assignment) {
	s.handoff.Offer(a)
}

// Assign fills a slot directly. Any verdict looked up for the previous
// drugs is dropped.
func (s *Session) Assign(a session.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.accept(); err != nil {
		return err
	}
	if err := s.Slots.Apply(a); err != nil {
		return err
	}
	s.changed()
	return nil
}

// Clear empties one slot
func (s *Session) Clear(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.accept(); err != nil {
		return err
	}
	if err := s.Slots.Clear(index); err != nil {
		return err
	}
	s.changed()
	return nil
}

// Reset empties both slots, abandons any scan, discards an assignment that
// was not picked up and drops the pending verdict
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handoff.Take()
	s.Slots.Reset()
	s.Scan.Retake()
	s.changed()
}

// State picks up any offered assignment and returns the slots
func (s *Session) State() (session.State, error) {
	state, _, err := s.snapshot()
	return state, err
}

// Pending returns the verdict waiting to be saved, if any
func (s *Session) Pending() (*Verdict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.pending != nil
}

// accept applies an offered assignment, if any. Caller holds mu.
func (s *Session) accept() error {
	applied, err := s.Slots.Accept(&s.handoff)
	if applied {
		s.changed()
	}
	return err
}

// changed invalidates the pending verdict. Caller holds mu.
func (s *Session) changed() {
	s.version++
	s.pending = nil
}

func (s *Session) snapshot() (session.State, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.accept(); err != nil {
		return session.State{}, 0, err
	}
	return s.Slots.Snapshot(), s.version, nil
}

// hold keeps v as the pending verdict if the slots are still the ones it was
// looked up for
func (s *Session) hold(v *Verdict, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.version != version {
		return false
	}
	s.pending = v
	s.heldAt = version
	return true
}

// take removes the pending verdict so only one caller can save it
func (s *Session) take() (*Verdict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.pending
	s.pending = nil
	return v, v != nil
}

// restore puts back a verdict whose save failed, unless the slots moved on
func (s *Session) restore(v *Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil && s.version == s.heldAt {
		s.pending = v
	}
}

// saved resets the slots after a successful save, unless they changed while
// the record was being written. An offered assignment is left for the
// next read.
func (s *Session) saved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.version != s.heldAt {
		return false
	}
	s.Slots.Reset()
	s.Scan.Retake()
	s.changed()
	return true
}

// close tears down the scan pipeline
func (s *Session) close() {
	s.Scan.Close()
}

// Sessions keeps live sessions for an idle timeout. Slot state lives in a
// separate session.Store, so a session recreated under the same ID picks
// up its slots again.
type Sessions struct {
	live       *cache.Cache
	store      session.Store
	recognizer scanning.Recognizer
	extractor  scanning.Extractor
}

// NewSessions creates a session registry. A ttl of zero or less keeps
// sessions until Close.
func NewSessions(ttl time.Duration, store session.Store, recognizer scanning.Recognizer, extractor scanning.Extractor) *Sessions {
	expiration, cleanup := ttl, ttl
	if ttl <= 0 {
		expiration, cleanup = cache.NoExpiration, 0
	}

	live := cache.New(expiration, cleanup)
	live.OnEvicted(func(id string, v any) {
		slog.Debug("Session expired", "session", id)
		v.(*Session).close()
	})

	return &Sessions{
		live:       live,
		store:      store,
		recognizer: recognizer,
		extractor:  extractor,
	}
}

// Create starts a new session
func (s *Sessions) Create() *Session {
	sess := newSession(uuid.NewString(), s.store, s.recognizer, s.extractor)
	s.live.SetDefault(sess.ID, sess)
	return sess
}

// Get returns the live session with id and extends its lifetime
func (s *Sessions) Get(id string) (*Session, bool) {
	v, ok := s.live.Get(id)
	if !ok {
		return nil, false
	}
	s.live.SetDefault(id, v)
	return v.(*Session), true
}

// Resolve returns the session for id, reopening it from stored slot state
// when it is no longer live. A missing or malformed id gets a new session.
// created reports whether the caller must hand out a new ID.
func (s *Sessions) Resolve(id string) (sess *Session, created bool) {
	if id != "" {
		if sess, ok := s.Get(id); ok {
			return sess, false
		}
		if _, err := uuid.Parse(id); err == nil {
			sess = newSession(id, s.store, s.recognizer, s.extractor)
			if err := s.live.Add(id, sess, cache.DefaultExpiration); err != nil {
				// lost a race with another request for the same id
				sess.close()
				if existing, ok := s.Get(id); ok {
					return existing, false
				}
				return s.Create(), true
			}
			return sess, false
		}
	}
	return s.Create(), true
}

// Close tears down every live session
func (s *Sessions) Close() {
	for id := range s.live.Items() {
		s.live.Delete(id)
	}
}
