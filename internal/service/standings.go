package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/samber/lo"
)

// StandingsCache keeps ranked cup standings outside the store
type StandingsCache interface {
	Upsert(ctx context.Context, p domain.Participant) error
	Remove(ctx context.Context, cup domain.Cup, participantID int64) error
	Top(ctx context.Context, cup domain.Cup, limit int) ([]domain.Standing, error)
	Rank(ctx context.Context, cup domain.Cup, participantID int64) (*domain.Standing, error)
	Replace(ctx context.Context, cup domain.Cup, participants []domain.Participant) error
}

// Broadcaster pushes standings to live subscribers
type Broadcaster interface {
	BroadcastStandings(cup domain.Cup, standings []domain.Standing)
}

// StandingsService ranks competing participants per cup. Without a cache the
// ranking is computed from the store on every read.
type StandingsService struct {
	store  domain.Store
	cache  StandingsCache
	hub    Broadcaster
	config *config.LeaderboardConfig
	logger *slog.Logger
}

// NewStandingsService creates a new standings service. cache may be nil.
func NewStandingsService(store domain.Store, cache StandingsCache, cfg *config.LeaderboardConfig, logger *slog.Logger) *StandingsService {
	return &StandingsService{
		store:  store,
		cache:  cache,
		config: cfg,
		logger: logger,
	}
}

// SetHub sets the broadcaster notified after every standings change
func (s *StandingsService) SetHub(hub Broadcaster) {
	s.hub = hub
}

func (s *StandingsService) clampLimit(limit int) int {
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}
	if limit > s.config.MaxLimit {
		limit = s.config.MaxLimit
	}
	return limit
}

// Top returns the highest ranked participants of a cup
func (s *StandingsService) Top(ctx context.Context, cup domain.Cup, limit int) ([]domain.Standing, error) {
	if !cup.Valid() {
		return nil, domain.Invalid("unknown cup %q", cup)
	}
	limit = s.clampLimit(limit)

	if s.cache != nil {
		standings, err := s.cache.Top(ctx, cup, limit)
		if err == nil {
			return standings, nil
		}
		s.logger.Warn("standings cache read failed, using store", "cup", cup, "error", err)
	}

	standings, err := s.fromStore(ctx, cup)
	if err != nil {
		return nil, err
	}
	if len(standings) > limit {
		standings = standings[:limit]
	}
	return standings, nil
}

// Rank returns one participant's position in their cup
func (s *StandingsService) Rank(ctx context.Context, cup domain.Cup, participantID int64) (*domain.Standing, error) {
	if !cup.Valid() {
		return nil, domain.Invalid("unknown cup %q", cup)
	}

	if s.cache != nil {
		standing, err := s.cache.Rank(ctx, cup, participantID)
		if err == nil || domain.IsNotFoundError(err) {
			return standing, err
		}
		s.logger.Warn("standings cache read failed, using store", "cup", cup, "error", err)
	}

	standings, err := s.fromStore(ctx, cup)
	if err != nil {
		return nil, err
	}
	standing, ok := lo.Find(standings, func(st domain.Standing) bool { return st.ParticipantID == participantID })
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	return &standing, nil
}

// fromStore computes a cup's full ranking
func (s *StandingsService) fromStore(ctx context.Context, cup domain.Cup) ([]domain.Standing, error) {
	var participants []domain.Participant
	err := s.store.View(ctx, func(q domain.Queries) error {
		var err error
		participants, err = q.ListParticipants(ctx, domain.ParticipantFilter{Cup: cup})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	return RankParticipants(participants), nil
}

// RankParticipants orders competing participants by score, then distance
// climbed, then id, and numbers them from 1
func RankParticipants(participants []domain.Participant) []domain.Standing {
	competing := lo.Filter(participants, func(p domain.Participant, _ int) bool { return p.Competes() })
	sort.SliceStable(competing, func(i, j int) bool {
		a, b := competing[i], competing[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceClimbed != b.DistanceClimbed {
			return a.DistanceClimbed > b.DistanceClimbed
		}
		return a.ID < b.ID
	})

	standings := make([]domain.Standing, len(competing))
	for i, p := range competing {
		standings[i] = domain.Standing{
			Rank:            int64(i + 1),
			ParticipantID:   p.ID,
			Username:        p.Username,
			Cup:             p.Cup,
			Score:           p.Score,
			DistanceClimbed: p.DistanceClimbed,
		}
	}
	return standings
}

// ScoreChanged refreshes the participant's entry after a ledger change
func (s *StandingsService) ScoreChanged(ctx context.Context, change domain.ScoreChange) error {
	return s.refresh(ctx, change.Participant, change.Participant.Cup)
}

// ParticipantChanged refreshes a participant after a profile change, moving
// them between cups when needed
func (s *StandingsService) ParticipantChanged(ctx context.Context, p domain.Participant, previousCup domain.Cup) error {
	return s.refresh(ctx, p, previousCup)
}

// ParticipantRemoved drops a deleted participant
func (s *StandingsService) ParticipantRemoved(ctx context.Context, p domain.Participant) error {
	if s.cache != nil {
		if err := s.cache.Remove(ctx, p.Cup, p.ID); err != nil {
			return err
		}
	}
	s.broadcast(ctx, p.Cup)
	return nil
}

func (s *StandingsService) refresh(ctx context.Context, p domain.Participant, previousCup domain.Cup) error {
	if s.cache != nil {
		if previousCup != "" && previousCup != p.Cup {
			if err := s.cache.Remove(ctx, previousCup, p.ID); err != nil {
				return err
			}
		}
		var err error
		if p.Competes() {
			err = s.cache.Upsert(ctx, p)
		} else {
			err = s.cache.Remove(ctx, p.Cup, p.ID)
		}
		if err != nil {
			return err
		}
	}

	s.broadcast(ctx, p.Cup)
	if previousCup != "" && previousCup != p.Cup {
		s.broadcast(ctx, previousCup)
	}
	return nil
}

func (s *StandingsService) broadcast(ctx context.Context, cup domain.Cup) {
	if s.hub == nil || !cup.Valid() {
		return
	}
	standings, err := s.Top(ctx, cup, 0)
	if err != nil {
		s.logger.Warn("failed to load standings for broadcast", "cup", cup, "error", err)
		return
	}
	s.hub.BroadcastStandings(cup, standings)
}

// Rebuild reloads every cup's cached ranking from the store
func (s *StandingsService) Rebuild(ctx context.Context) error {
	for _, cup := range domain.Cups {
		var participants []domain.Participant
		err := s.store.View(ctx, func(q domain.Queries) error {
			var err error
			participants, err = q.ListParticipants(ctx, domain.ParticipantFilter{Cup: cup})
			return err
		})
		if err != nil {
			return fmt.Errorf("listing %s participants: %w", cup, err)
		}

		if s.cache != nil {
			competing := lo.Filter(participants, func(p domain.Participant, _ int) bool { return p.Competes() })
			if err := s.cache.Replace(ctx, cup, competing); err != nil {
				return fmt.Errorf("replacing %s standings: %w", cup, err)
			}
		}
		s.broadcast(ctx, cup)
	}

	s.logger.Info("standings rebuilt")
	return nil
}
