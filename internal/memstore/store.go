// Package memstore is an in-memory domain.Store. It enforces the same
// uniqueness, protect and cascade rules as the PostgreSQL schema and is used
// by tests and by the memory storage driver.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/climb-ledger/internal/domain"
)

var errReadOnly = errors.New("memstore: write attempted in read-only view")

type state struct {
	blocks       map[int64]domain.Block
	options      map[int64]domain.ScoreOption
	participants map[int64]domain.Participant
	scores       map[int64]domain.BlockScore
	lastID       int64
}

func newState() *state {
	return &state{
		blocks:       make(map[int64]domain.Block),
		options:      make(map[int64]domain.ScoreOption),
		participants: make(map[int64]domain.Participant),
		scores:       make(map[int64]domain.BlockScore),
	}
}

func (s *state) clone() *state {
	c := &state{
		blocks:       make(map[int64]domain.Block, len(s.blocks)),
		options:      make(map[int64]domain.ScoreOption, len(s.options)),
		participants: make(map[int64]domain.Participant, len(s.participants)),
		scores:       make(map[int64]domain.BlockScore, len(s.scores)),
		lastID:       s.lastID,
	}
	for k, v := range s.blocks {
		c.blocks[k] = v
	}
	for k, v := range s.options {
		c.options[k] = v
	}
	for k, v := range s.participants {
		c.participants[k] = v
	}
	for k, v := range s.scores {
		c.scores[k] = v
	}
	return c
}

func (s *state) nextID() int64 {
	s.lastID++
	return s.lastID
}

// Store keeps all records behind one lock. WithTx works on a copy of the
// state and publishes it only when the callback succeeds.
type Store struct {
	mu    sync.RWMutex
	state *state
	now   func() time.Time
}

var _ domain.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		state: newState(),
		now:   time.Now,
	}
}

// SetClock replaces the time source used for created_at and registered_at
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// View runs fn under a shared lock. Writes through the view fail.
func (s *Store) View(ctx context.Context, fn func(q domain.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&queries{st: s.state, now: s.now, readOnly: true})
}

// WithTx runs fn exclusively against a copy of the state
func (s *Store) WithTx(ctx context.Context, fn func(q domain.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&queries{st: working, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = working
	return nil
}
