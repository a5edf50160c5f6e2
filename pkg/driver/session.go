package driver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTTL is how long an idle session is kept before eviction.
const DefaultSessionTTL = 2 * time.Hour

// Session is one conversation held by a driver instance.
type Session[T any] struct {
	ID        string
	Data      T
	CreatedAt time.Time
	LastUsed  time.Time

	// lock serializes calls that use this session.
	lock chan struct{}
}

// SessionStore holds sessions keyed by id with idle-TTL eviction and a
// per-session lock, so two concurrent resumes of one id never interleave.
type SessionStore[T any] struct {
	mu       sync.Mutex
	sessions map[string]*Session[T]
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionStore creates a store. A non-positive ttl disables eviction.
func NewSessionStore[T any](ttl time.Duration) *SessionStore[T] {
	return &SessionStore[T]{
		sessions: make(map[string]*Session[T]),
		ttl:      ttl,
		now:      time.Now,
	}
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Acquire locks the session with the given id, creating it with init() when it
// does not exist (or has expired). An empty id allocates a new one. The returned
// release func must be called exactly once. created reports whether the session
// is new, in which case instructions must be sent.
func (s *SessionStore[T]) Acquire(ctx context.Context, id string, init func() T) (sess *Session[T], created bool, release func(), err error) {
	s.mu.Lock()
	s.evictLocked()
	if id == "" {
		id = NewSessionID()
	}
	sess, ok := s.sessions[id]
	if !ok {
		now := s.now()
		sess = &Session[T]{ID: id, Data: init(), CreatedAt: now, LastUsed: now, lock: make(chan struct{}, 1)}
		s.sessions[id] = sess
		created = true
	}
	s.mu.Unlock()

	select {
	case sess.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, false, nil, ctx.Err() //nolint:wrapcheck // cancellation passthrough
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			s.mu.Lock()
			sess.LastUsed = s.now()
			s.mu.Unlock()
			<-sess.lock
		})
	}
	return sess, created, release, nil
}

// Get returns the session without locking it.
func (s *SessionStore[T]) Get(id string) (*Session[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Close removes a session. Holders of its lock keep their reference.
func (s *SessionStore[T]) Close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Sweep evicts expired sessions and returns how many were removed.
func (s *SessionStore[T]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked()
}

// Len returns the number of live sessions.
func (s *SessionStore[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore[T]) evictLocked() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for id, sess := range s.sessions {
		// Sessions currently in use are never evicted.
		if len(sess.lock) > 0 {
			continue
		}
		if sess.LastUsed.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}
