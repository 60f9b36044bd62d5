package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
)

func TestRankParticipants(t *testing.T) {
	participants := []domain.Participant{
		{ID: 1, Username: "ana", IsActive: true, Score: 10, DistanceClimbed: 30},
		{ID: 2, Username: "bo", IsActive: true, Score: 12, DistanceClimbed: 5},
		{ID: 3, Username: "cy", IsActive: true, Score: 10, DistanceClimbed: 40},
		{ID: 4, Username: "di", IsActive: true, Score: 10, DistanceClimbed: 30},
		{ID: 5, Username: "judge", IsActive: true, IsStaff: true, Score: 99},
		{ID: 6, Username: "late", IsActive: false, Score: 50},
	}

	standings := RankParticipants(participants)
	want := []int64{2, 3, 1, 4}
	if len(standings) != len(want) {
		t.Fatalf("standings = %d, want %d", len(standings), len(want))
	}
	for i, id := range want {
		if standings[i].ParticipantID != id || standings[i].Rank != int64(i+1) {
			t.Errorf("standings[%d] = %+v, want participant %d", i, standings[i], id)
		}
	}
}

// fakeCache is an in-memory StandingsCache
type fakeCache struct {
	mu      sync.Mutex
	entries map[domain.Cup]map[int64]domain.Participant
	failTop bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[domain.Cup]map[int64]domain.Participant)}
}

func (c *fakeCache) Upsert(ctx context.Context, p domain.Participant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[p.Cup] == nil {
		c.entries[p.Cup] = make(map[int64]domain.Participant)
	}
	c.entries[p.Cup][p.ID] = p
	return nil
}

func (c *fakeCache) Remove(ctx context.Context, cup domain.Cup, participantID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries[cup], participantID)
	return nil
}

func (c *fakeCache) ranked(cup domain.Cup) []domain.Standing {
	participants := make([]domain.Participant, 0, len(c.entries[cup]))
	for _, p := range c.entries[cup] {
		participants = append(participants, p)
	}
	return RankParticipants(participants)
}

func (c *fakeCache) Top(ctx context.Context, cup domain.Cup, limit int) ([]domain.Standing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failTop {
		return nil, errors.New("cache unavailable")
	}
	standings := c.ranked(cup)
	if len(standings) > limit {
		standings = standings[:limit]
	}
	return standings, nil
}

func (c *fakeCache) Rank(ctx context.Context, cup domain.Cup, participantID int64) (*domain.Standing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.ranked(cup) {
		if st.ParticipantID == participantID {
			return &st, nil
		}
	}
	return nil, domain.ErrParticipantNotFound
}

func (c *fakeCache) Replace(ctx context.Context, cup domain.Cup, participants []domain.Participant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cup] = make(map[int64]domain.Participant, len(participants))
	for _, p := range participants {
		c.entries[cup][p.ID] = p
	}
	return nil
}

func (c *fakeCache) size(cup domain.Cup) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[cup])
}

// fakeHub records the last broadcast per cup
type fakeHub struct {
	mu   sync.Mutex
	last map[domain.Cup][]domain.Standing
}

func (h *fakeHub) BroadcastStandings(cup domain.Cup, standings []domain.Standing) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		h.last = make(map[domain.Cup][]domain.Standing)
	}
	h.last[cup] = standings
}

func (h *fakeHub) lastFor(cup domain.Cup) ([]domain.Standing, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.last[cup]
	return st, ok
}

func newStandings(f *fixture, cache StandingsCache) *StandingsService {
	cfg := &config.LeaderboardConfig{DefaultLimit: 10, MaxLimit: 500}
	return NewStandingsService(f.store, cache, cfg, f.logger)
}

func TestStandingsFollowLedgerChanges(t *testing.T) {
	f := newFixture(t)
	cache := newFakeCache()
	hub := &fakeHub{}
	standings := newStandings(f, cache)
	standings.SetHub(hub)
	f.ledger.AddNotifier(standings)
	f.directory.AddNotifier(standings)

	block, options := f.block(t, "B_1", 10, tries...)
	ana := f.participant(t, "ana", true)
	bo := f.participant(t, "bo", true)

	for _, req := range []domain.ScoreRequest{
		{ParticipantID: ana.ID, BlockID: block.ID, ScoreOptionID: options["second"].ID},
		{ParticipantID: bo.ID, BlockID: block.ID, ScoreOptionID: options["flash"].ID},
	} {
		if _, err := f.ledger.RecordScore(f.ctx, access.System, req); err != nil {
			t.Fatalf("RecordScore: %v", err)
		}
	}

	top, err := standings.Top(f.ctx, domain.CupIntermediate, 0)
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(top) != 2 || top[0].ParticipantID != bo.ID || top[0].Score != 5 {
		t.Fatalf("top = %+v", top)
	}

	pushed, ok := hub.lastFor(domain.CupIntermediate)
	if !ok || len(pushed) != 2 || pushed[0].ParticipantID != bo.ID {
		t.Errorf("broadcast = %+v", pushed)
	}

	rank, err := standings.Rank(f.ctx, domain.CupIntermediate, ana.ID)
	if err != nil || rank.Rank != 2 {
		t.Errorf("Rank = %+v, %v", rank, err)
	}

	// Moving cups removes the entry from the old ranking.
	advanced := domain.CupAdvanced
	if _, err := f.directory.Update(f.ctx, access.System, bo.ID, domain.ParticipantInput{Cup: &advanced}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if cache.size(domain.CupIntermediate) != 1 || cache.size(domain.CupAdvanced) != 1 {
		t.Errorf("cache sizes = %d, %d", cache.size(domain.CupIntermediate), cache.size(domain.CupAdvanced))
	}
	if _, ok := hub.lastFor(domain.CupAdvanced); !ok {
		t.Error("no broadcast for the new cup")
	}

	if err := f.directory.Delete(f.ctx, access.System, ana.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if cache.size(domain.CupIntermediate) != 0 {
		t.Error("deleted participant still ranked")
	}
}

func TestStandingsFallBackToStore(t *testing.T) {
	f := newFixture(t)
	cache := newFakeCache()
	cache.failTop = true
	standings := newStandings(f, cache)

	block, options := f.block(t, "B_1", 10, tries...)
	ana := f.participant(t, "ana", true)
	f.participant(t, "bo", true)
	f.participant(t, "inactive", false)

	if _, err := f.ledger.RecordScore(f.ctx, access.System, domain.ScoreRequest{ParticipantID: ana.ID, BlockID: block.ID, ScoreOptionID: options["flash"].ID}); err != nil {
		t.Fatalf("RecordScore: %v", err)
	}

	top, err := standings.Top(f.ctx, domain.CupIntermediate, 1)
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(top) != 1 || top[0].ParticipantID != ana.ID {
		t.Errorf("top = %+v", top)
	}

	storeOnly := newStandings(f, nil)
	all, err := storeOnly.Top(f.ctx, domain.CupIntermediate, 1000)
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ranked = %d, want 2", len(all))
	}

	if _, err := storeOnly.Top(f.ctx, domain.Cup("pro"), 10); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("unknown cup err = %v", err)
	}
	if _, err := storeOnly.Rank(f.ctx, domain.CupAdvanced, ana.ID); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Errorf("rank in wrong cup err = %v", err)
	}
}

func TestStandingsRebuild(t *testing.T) {
	f := newFixture(t)
	cache := newFakeCache()
	standings := newStandings(f, cache)

	f.participant(t, "ana", true)
	f.participant(t, "bo", true)
	f.participant(t, "cy", false)
	stale := domain.Participant{ID: 999, Cup: domain.CupIntermediate, IsActive: true}
	if err := cache.Upsert(f.ctx, stale); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := standings.Rebuild(f.ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got := cache.size(domain.CupIntermediate); got != 2 {
		t.Errorf("cached = %d, want 2", got)
	}
}
