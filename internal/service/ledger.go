package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/samber/lo"
)

// LedgerService owns the BlockScore state machine. Every operation writes the
// ledger row and the participant aggregates in one transaction.
type LedgerService struct {
	store     domain.Store
	config    *config.LedgerConfig
	logger    *slog.Logger
	notifiers []ScoreNotifier
}

// NewLedgerService creates a new ledger service
func NewLedgerService(store domain.Store, cfg *config.LedgerConfig, logger *slog.Logger) *LedgerService {
	return &LedgerService{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// AddNotifier registers a receiver for committed score changes
func (s *LedgerService) AddNotifier(n ScoreNotifier) {
	s.notifiers = append(s.notifiers, n)
}

func (s *LedgerService) inTx(ctx context.Context, op string, fn func(q domain.Queries) error) error {
	return withRetry(ctx, s.store, s.config.MaxAttempts, s.logger, op, fn)
}

func (s *LedgerService) notify(ctx context.Context, changes ...domain.ScoreChange) {
	notifyScore(ctx, s.logger, s.notifiers, changes...)
}

// RecordScore creates the participant's score on a block, or updates it when
// one already exists
func (s *LedgerService) RecordScore(ctx context.Context, actor *access.Principal, req domain.ScoreRequest) (*domain.ScoreChange, error) {
	if req.ParticipantID <= 0 || req.BlockID <= 0 || req.ScoreOptionID <= 0 {
		return nil, domain.Invalid("participant, block and score_option are required")
	}
	if err := access.CanActOnScore(actor, req.ParticipantID); err != nil {
		return nil, err
	}

	var change *domain.ScoreChange
	err := s.inTx(ctx, "record score", func(q domain.Queries) error {
		var err error
		change, err = s.record(ctx, q, req.ParticipantID, req.BlockID, req.ScoreOptionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("score recorded",
		"action", change.Action,
		"block_score_id", change.Score.ID,
		"participant_id", change.Participant.ID,
		"block_id", change.Score.BlockID,
		"score_delta", change.ScoreDelta,
	)
	s.notify(ctx, *change)
	return change, nil
}

// RecordSubmission records a score reported by a judge device. The block may
// be named by lane and the option by key.
func (s *LedgerService) RecordSubmission(ctx context.Context, sub domain.ScoreSubmission) (*domain.ScoreChange, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	var change *domain.ScoreChange
	err := s.inTx(ctx, "record submission", func(q domain.Queries) error {
		blockID := sub.BlockID
		if blockID <= 0 {
			block, err := q.GetBlockByLane(ctx, sub.Lane)
			if err != nil {
				return err
			}
			blockID = block.ID
		}

		optionID := sub.ScoreOptionID
		if optionID <= 0 {
			option, err := q.GetScoreOptionByKey(ctx, blockID, domain.NormalizeOptionKey(sub.OptionKey))
			if err != nil {
				return err
			}
			optionID = option.ID
		}

		var err error
		change, err = s.record(ctx, q, sub.ParticipantID, blockID, optionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, *change)
	return change, nil
}

// record runs the create-or-update transition. Locks are taken block first,
// then participant, then the existing row.
func (s *LedgerService) record(ctx context.Context, q domain.Queries, participantID, blockID, optionID int64) (*domain.ScoreChange, error) {
	block, err := q.LockBlock(ctx, blockID, false)
	if err != nil {
		return nil, err
	}

	option, err := q.GetScoreOption(ctx, optionID)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateScoreOption(block, option); err != nil {
		return nil, err
	}

	participant, err := q.LockParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if !participant.IsActive {
		return nil, domain.ErrParticipantInactive
	}

	existing, err := q.FindBlockScore(ctx, participantID, blockID)
	if err != nil && !errors.Is(err, domain.ErrBlockScoreNotFound) {
		return nil, err
	}

	change := &domain.ScoreChange{}
	var scoreID int64

	if existing == nil {
		row := &domain.BlockScore{
			ParticipantID: participantID,
			BlockID:       blockID,
			ScoreOptionID: option.ID,
			EarnedPoints:  option.Points,
		}
		if err := q.InsertBlockScore(ctx, row); err != nil {
			return nil, err
		}
		change.Action = domain.ScoreRecorded
		change.ScoreDelta = option.Points
		change.DistanceDelta = block.Distance
		scoreID = row.ID
	} else {
		change.Action = domain.ScoreUpdated
		change.ScoreDelta = option.Points - existing.EarnedPoints
		existing.ScoreOptionID = option.ID
		existing.EarnedPoints = option.Points
		if err := q.UpdateBlockScore(ctx, existing); err != nil {
			return nil, err
		}
		scoreID = existing.ID
	}

	updated, err := q.AdjustAggregates(ctx, participantID, change.ScoreDelta, change.DistanceDelta)
	if err != nil {
		return nil, fmt.Errorf("adjusting aggregates: %w", err)
	}

	row, err := q.GetBlockScore(ctx, scoreID)
	if err != nil {
		return nil, err
	}

	change.Score = *row
	change.Participant = *updated
	return change, nil
}

// UpdateScore changes the option of an existing row, and its block when a
// different one is given. The participant of a row never changes.
func (s *LedgerService) UpdateScore(ctx context.Context, actor *access.Principal, id int64, req domain.ScoreRequest) (*domain.ScoreChange, error) {
	if err := access.RequireAuthenticated(actor); err != nil {
		return nil, err
	}
	if req.ScoreOptionID <= 0 {
		return nil, domain.Invalid("score_option is required")
	}

	var change *domain.ScoreChange
	err := s.inTx(ctx, "update score", func(q domain.Queries) error {
		current, err := q.GetBlockScore(ctx, id)
		if err != nil {
			return err
		}
		if err := access.CanActOnScore(actor, current.ParticipantID); err != nil {
			return err
		}
		if req.ParticipantID != 0 && req.ParticipantID != current.ParticipantID {
			return domain.Invalid("participant of a score cannot be changed")
		}

		targetID := req.BlockID
		if targetID <= 0 {
			targetID = current.BlockID
		}

		blocks, err := lockBlocks(ctx, q, current.BlockID, targetID)
		if err != nil {
			return err
		}
		oldBlock, newBlock := blocks[current.BlockID], blocks[targetID]

		option, err := q.GetScoreOption(ctx, req.ScoreOptionID)
		if err != nil {
			return err
		}
		if err := domain.ValidateScoreOption(newBlock, option); err != nil {
			return err
		}

		participant, err := q.LockParticipant(ctx, current.ParticipantID)
		if err != nil {
			return err
		}
		if !participant.IsActive {
			return domain.ErrParticipantInactive
		}

		row, err := q.LockBlockScore(ctx, id)
		if err != nil {
			return err
		}
		if row.BlockID != current.BlockID {
			return fmt.Errorf("%w: block score %d moved during update", domain.ErrScoreConflict, id)
		}

		if targetID != row.BlockID {
			other, err := q.FindBlockScore(ctx, row.ParticipantID, targetID)
			if err != nil && !errors.Is(err, domain.ErrBlockScoreNotFound) {
				return err
			}
			if other != nil {
				return domain.ErrBlockAlreadyScored
			}
		}

		scoreDelta := option.Points - row.EarnedPoints
		distanceDelta := newBlock.Distance - oldBlock.Distance

		row.BlockID = targetID
		row.ScoreOptionID = option.ID
		row.EarnedPoints = option.Points
		if err := q.UpdateBlockScore(ctx, row); err != nil {
			return err
		}

		updated, err := q.AdjustAggregates(ctx, row.ParticipantID, scoreDelta, distanceDelta)
		if err != nil {
			return fmt.Errorf("adjusting aggregates: %w", err)
		}

		detailed, err := q.GetBlockScore(ctx, id)
		if err != nil {
			return err
		}

		change = &domain.ScoreChange{
			Action:        domain.ScoreUpdated,
			Score:         *detailed,
			Participant:   *updated,
			ScoreDelta:    scoreDelta,
			DistanceDelta: distanceDelta,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("score updated",
		"block_score_id", id,
		"participant_id", change.Participant.ID,
		"score_delta", change.ScoreDelta,
		"distance_delta", change.DistanceDelta,
	)
	s.notify(ctx, *change)
	return change, nil
}

// DeleteScore removes a row and subtracts its contribution
func (s *LedgerService) DeleteScore(ctx context.Context, actor *access.Principal, id int64) (*domain.ScoreChange, error) {
	if err := access.RequireAuthenticated(actor); err != nil {
		return nil, err
	}

	var change *domain.ScoreChange
	err := s.inTx(ctx, "delete score", func(q domain.Queries) error {
		current, err := q.GetBlockScore(ctx, id)
		if err != nil {
			return err
		}
		if err := access.CanActOnScore(actor, current.ParticipantID); err != nil {
			return err
		}

		block, err := q.LockBlock(ctx, current.BlockID, false)
		if err != nil {
			return err
		}
		if _, err := q.LockParticipant(ctx, current.ParticipantID); err != nil {
			return err
		}

		row, err := q.LockBlockScore(ctx, id)
		if err != nil {
			return err
		}
		if row.BlockID != current.BlockID {
			return fmt.Errorf("%w: block score %d moved during delete", domain.ErrScoreConflict, id)
		}

		change, err = deleteLocked(ctx, q, *row, block)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("score deleted",
		"block_score_id", id,
		"participant_id", change.Participant.ID,
		"score_delta", change.ScoreDelta,
	)
	s.notify(ctx, *change)
	return change, nil
}

// deleteLocked subtracts a row's contribution and removes it. The caller
// holds the block and participant locks.
func deleteLocked(ctx context.Context, q domain.Queries, row domain.BlockScore, block *domain.Block) (*domain.ScoreChange, error) {
	updated, err := q.AdjustAggregates(ctx, row.ParticipantID, -row.EarnedPoints, -block.Distance)
	if err != nil {
		return nil, fmt.Errorf("adjusting aggregates: %w", err)
	}
	if err := q.DeleteBlockScore(ctx, row.ID); err != nil {
		return nil, err
	}
	return &domain.ScoreChange{
		Action:        domain.ScoreDeleted,
		Score:         row,
		Participant:   *updated,
		ScoreDelta:    -row.EarnedPoints,
		DistanceDelta: -block.Distance,
	}, nil
}

// lockBlocks share-locks the given blocks in ascending id order
func lockBlocks(ctx context.Context, q domain.Queries, ids ...int64) (map[int64]*domain.Block, error) {
	ids = lo.Uniq(ids)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	blocks := make(map[int64]*domain.Block, len(ids))
	for _, id := range ids {
		b, err := q.LockBlock(ctx, id, false)
		if err != nil {
			return nil, err
		}
		blocks[id] = b
	}
	return blocks, nil
}

// lockParticipants locks the participants owning rows in ascending id order
func lockParticipants(ctx context.Context, q domain.Queries, rows []domain.BlockScore) error {
	ids := lo.Uniq(lo.Map(rows, func(r domain.BlockScore, _ int) int64 { return r.ParticipantID }))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if _, err := q.LockParticipant(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// GetScore returns one row if the caller may see it
func (s *LedgerService) GetScore(ctx context.Context, actor *access.Principal, id int64) (*domain.BlockScore, error) {
	if err := access.RequireAuthenticated(actor); err != nil {
		return nil, err
	}

	var row *domain.BlockScore
	err := s.store.View(ctx, func(q domain.Queries) error {
		var err error
		row, err = q.GetBlockScore(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := access.CanActOnScore(actor, row.ParticipantID); err != nil {
		return nil, err
	}
	return row, nil
}

// ListScores returns rows ordered by creation time. Non-staff callers only
// see their own rows.
func (s *LedgerService) ListScores(ctx context.Context, actor *access.Principal, filter domain.BlockScoreFilter) ([]domain.BlockScore, error) {
	filter, err := access.ScoreListScope(actor, filter)
	if err != nil {
		return nil, err
	}

	var rows []domain.BlockScore
	err = s.store.View(ctx, func(q domain.Queries) error {
		var err error
		rows, err = q.ListBlockScores(ctx, filter)
		return err
	})
	return rows, err
}

// Reconcile recomputes every participant's aggregates from their rows and
// reports the ones that drifted. With repair the stored values are fixed.
func (s *LedgerService) Reconcile(ctx context.Context, repair bool) (*domain.ReconcileReport, error) {
	report := &domain.ReconcileReport{Drifted: []domain.AggregateTotals{}}

	check := func(q domain.Queries) error {
		if repair {
			// Totals must not move between computing and writing them.
			participants, err := q.ListParticipants(ctx, domain.ParticipantFilter{})
			if err != nil {
				return err
			}
			for _, p := range participants {
				if _, err := q.LockParticipant(ctx, p.ID); err != nil {
					return err
				}
			}
		}

		totals, err := q.ComputeAggregates(ctx)
		if err != nil {
			return err
		}
		report.Checked = len(totals)
		report.Drifted = lo.Filter(totals, func(t domain.AggregateTotals, _ int) bool { return t.Drifted() })
		report.Repaired = 0

		if !repair {
			return nil
		}
		for _, t := range report.Drifted {
			if err := q.SetAggregates(ctx, t.ParticipantID, t.ComputedScore, t.ComputedDistance); err != nil {
				return err
			}
			report.Repaired++
		}
		return nil
	}

	var err error
	if repair {
		err = s.inTx(ctx, "reconcile", check)
	} else {
		err = s.store.View(ctx, check)
	}
	if err != nil {
		return nil, fmt.Errorf("reconciling aggregates: %w", err)
	}

	if len(report.Drifted) > 0 {
		s.logger.Warn("aggregate drift detected",
			"checked", report.Checked,
			"drifted", len(report.Drifted),
			"repaired", report.Repaired,
		)
	}
	return report, nil
}
