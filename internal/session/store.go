package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/observability"
)

type entry struct {
	state    *State
	lastSeen time.Time
}

// Store keeps live sessions in memory and evicts the ones idle for longer
// than the TTL.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	idleTTL  time.Duration
	clock    func() time.Time
	newID    func() string
}

func NewStore(idleTTL time.Duration) *Store {
	return &Store{
		sessions: map[string]*entry{},
		idleTTL:  idleTTL,
		clock:    time.Now,
		newID:    uuid.NewString,
	}
}

func (s *Store) Create() *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	id := s.newID()
	for s.sessions[id] != nil {
		id = s.newID()
	}
	state := NewState(id, now.UTC())
	s.sessions[id] = &entry{state: state, lastSeen: now}
	observability.SetActiveSessions(len(s.sessions))
	return state
}

// Get returns the live session with id and marks it as used.
func (s *Store) Get(id string) (*State, bool) {
	if id == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	now := s.clock()
	if s.expired(e, now) {
		delete(s.sessions, id)
		observability.SetActiveSessions(len(s.sessions))
		return nil, false
	}
	e.lastSeen = now
	return e.state, true
}

func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	observability.SetActiveSessions(len(s.sessions))
	return true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep evicts idle sessions and reports how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	evicted := 0
	for id, e := range s.sessions {
		if s.expired(e, now) {
			delete(s.sessions, id)
			evicted++
		}
	}
	observability.SetActiveSessions(len(s.sessions))
	return evicted
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return s.idleTTL > 0 && now.Sub(e.lastSeen) > s.idleTTL
}

// Run sweeps on every interval tick until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			evicted := s.Sweep()
			if evicted > 0 && logger != nil {
				logger.InfoContext(ctx, "idle sessions evicted", slog.Int("evicted", evicted), slog.Int("active", s.Len()))
			}
		}
	}
}
