// Package session holds per-conversation state in memory.
package session

import (
	"context"
	"sync"
	"time"

	"sales-agent/internal/domain"
)

// Store is a keyed, mutable registry of sessions. Every operation is a
// single-key read-modify-write; sessions never observe each other. Mutating
// calls on an unknown id create the session first.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	locks    map[string]*turnLock
	now      func() time.Time
}

type turnLock struct {
	ch   chan struct{}
	refs int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*domain.Session),
		locks:    make(map[string]*turnLock),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// getOrCreate must be called with s.mu held.
func (s *Store) getOrCreate(id string) *domain.Session {
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	now := s.now().UTC()
	sess := &domain.Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  domain.Metadata{},
		Stage:     domain.InitialStage,
	}
	s.sessions[id] = sess
	return sess
}

// Get returns a snapshot of the session, creating it when missing.
func (s *Store) Get(id string) domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreate(id).Clone()
}

// Lookup returns a snapshot of an existing session without creating one.
func (s *Store) Lookup(id string) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return sess.Clone(), true
}

// Restore replaces the stored state of snap.ID with snap.
func (s *Store) Restore(snap domain.Session) {
	c := snap.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[snap.ID] = &c
}

// AppendMessage adds a message to the history and counts it toward the
// current stage.
func (s *Store) AppendMessage(id string, role domain.Role, text string) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreate(id)
	now := s.now().UTC()
	msg := domain.Message{Role: role, Text: text, CreatedAt: now}
	sess.Messages = append(sess.Messages, msg)
	sess.MessageCount++
	sess.TurnsInStage++
	sess.UpdatedAt = now
	return msg
}

// History returns the last n messages; n <= 0 returns all of them.
func (s *Store) History(id string, n int) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.getOrCreate(id).Messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]domain.Message(nil), msgs...)
}

// Metadata returns the value stored under key, or nil.
func (s *Store) Metadata(id, key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreate(id).Metadata[key]
}

// SetMetadata stores value under key.
func (s *Store) SetMetadata(id, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreate(id)
	sess.Metadata[key] = value
	sess.UpdatedAt = s.now().UTC()
}

// TurnsInStage is the number of messages appended since the last transition.
func (s *Store) TurnsInStage(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreate(id).TurnsInStage
}

// Stage returns the current stage.
func (s *Store) Stage(id string) domain.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreate(id).Stage
}

// AdvanceStage moves the session to next, resets the turn counter and records
// the transition.
func (s *Store) AdvanceStage(id string, next domain.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreate(id)
	now := s.now().UTC()
	sess.Transitions = append(sess.Transitions, domain.Transition{From: sess.Stage, To: next, At: now})
	sess.Stage = next
	sess.TurnsInStage = 0
	sess.UpdatedAt = now
}

// SetVersion records the persisted revision of the session.
func (s *Store) SetVersion(id string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(id).Version = version
}

// Clear removes all state for id. It reports whether the session existed.
func (s *Store) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// LockTurn serializes conversation turns for one session. The returned
// function releases the lock and must be called exactly once. Locks on
// different ids never contend.
func (s *Store) LockTurn(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &turnLock{ch: make(chan struct{}, 1)}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		s.dropLockRef(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			s.dropLockRef(id, l)
		})
	}, nil
}

func (s *Store) dropLockRef(id string, l *turnLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 && s.locks[id] == l {
		delete(s.locks, id)
	}
}
