package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/climb-ledger/internal/domain"
)

type session struct {
	participantID int64
	expiresAt     time.Time
}

// Sessions is an in-memory session store with expiry
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]session
	now      func() time.Time
}

// NewSessions creates an empty session store
func NewSessions() *Sessions {
	return &Sessions{
		sessions: make(map[string]session),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for expiry
func (s *Sessions) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Save stores a session keyed by token hash
func (s *Sessions) Save(ctx context.Context, tokenHash string, participantID int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[tokenHash] = session{participantID: participantID, expiresAt: s.now().Add(ttl)}
	return nil
}

// Lookup returns the participant owning the session
func (s *Sessions) Lookup(ctx context.Context, tokenHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenHash]
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	if !s.now().Before(sess.expiresAt) {
		delete(s.sessions, tokenHash)
		return 0, domain.ErrSessionNotFound
	}
	return sess.participantID, nil
}

// Delete removes a session
func (s *Sessions) Delete(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tokenHash)
	return nil
}
