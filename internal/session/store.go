package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const shardCount = 32

type entry struct {
	mu      sync.Mutex
	session Session
	removed bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store is a concurrency-safe session map. Shard locks only guard map
// membership; every mutation of a session runs under that session's own lock,
// so unrelated sessions never wait on each other.
type Store struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewStore builds an empty store.
func NewStore() *Store {
	s := &Store{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

// NewID returns a fresh session identifier.
func NewID() string {
	return "session_" + uuid.NewString()
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%shardCount]
}

// Create stores a new session. An empty ID is filled with NewID.
func (s *Store) Create(sess Session) (Session, error) {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	now := s.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = StatusPendingVerification
	}

	sh := s.shardFor(sess.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.entries[sess.ID]; exists {
		return Session{}, ErrAlreadyExists
	}
	sh.entries[sess.ID] = &entry{session: sess}
	return sess, nil
}

func (s *Store) lookup(id string) (*entry, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[id]
	return e, ok
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (Session, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Session{}, ErrNotFound
	}
	return e.session, nil
}

// Update applies fn to a copy of the session under the session lock. The copy
// replaces the stored session only when fn returns nil. The returned snapshot
// is the post-mutation state, or the unchanged state alongside fn's error.
func (s *Store) Update(id string, fn func(*Session) error) (Session, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Session{}, ErrNotFound
	}

	next := e.session
	if err := fn(&next); err != nil {
		return e.session, err
	}
	next.UpdatedAt = s.now().UTC()
	e.session = next
	return next, nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Sweep evicts sessions idle for longer than ttl. Sessions with outstanding
// work are kept regardless of age.
func (s *Store) Sweep(ttl time.Duration) int {
	cutoff := s.now().UTC().Add(-ttl)
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, e := range sh.entries {
			e.mu.Lock()
			if !e.session.InFlight() && e.session.UpdatedAt.Before(cutoff) {
				e.removed = true
				delete(sh.entries, id)
				evicted++
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return evicted
}

// RunJanitor sweeps on every interval until ctx is cancelled.
func (s *Store) RunJanitor(ctx context.Context, interval, ttl time.Duration, logger *slog.Logger) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(ttl); n > 0 && logger != nil {
				logger.Info("sessions evicted", slog.Int("count", n), slog.Int("live", s.Len()))
			}
		}
	}
}
