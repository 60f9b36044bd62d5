package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/samber/lo"
)

// CatalogService manages blocks and their score options
type CatalogService struct {
	store     domain.Store
	config    *config.LedgerConfig
	logger    *slog.Logger
	notifiers []ScoreNotifier
}

// NewCatalogService creates a new catalog service
func NewCatalogService(store domain.Store, cfg *config.LedgerConfig, logger *slog.Logger) *CatalogService {
	return &CatalogService{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// AddNotifier registers a receiver for score changes caused by catalog edits
func (s *CatalogService) AddNotifier(n ScoreNotifier) {
	s.notifiers = append(s.notifiers, n)
}

func (s *CatalogService) inTx(ctx context.Context, op string, fn func(q domain.Queries) error) error {
	return withRetry(ctx, s.store, s.config.MaxAttempts, s.logger, op, fn)
}

// DefineBlock creates a block
func (s *CatalogService) DefineBlock(ctx context.Context, actor *access.Principal, in domain.BlockInput) (*domain.Block, error) {
	if err := access.CanWriteCatalog(actor); err != nil {
		return nil, err
	}
	if err := in.Normalize(); err != nil {
		return nil, err
	}

	block := &domain.Block{Active: true}
	in.Apply(block)

	err := s.store.WithTx(ctx, func(q domain.Queries) error {
		return q.CreateBlock(ctx, block)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("block defined", "block_id", block.ID, "lane", block.Lane, "distance", block.Distance)
	return block, nil
}

// UpdateBlock rewrites a block. A distance change is applied to the
// distance_climbed of every participant who scored the block.
func (s *CatalogService) UpdateBlock(ctx context.Context, actor *access.Principal, id int64, in domain.BlockInput) (*domain.Block, error) {
	if err := access.CanWriteCatalog(actor); err != nil {
		return nil, err
	}
	if err := in.Normalize(); err != nil {
		return nil, err
	}

	var (
		block   *domain.Block
		changes []domain.ScoreChange
	)
	err := s.inTx(ctx, "update block", func(q domain.Queries) error {
		current, err := q.LockBlock(ctx, id, true)
		if err != nil {
			return err
		}
		oldDistance := current.Distance
		in.Apply(current)

		if err := q.UpdateBlock(ctx, current); err != nil {
			return err
		}
		changes, err = shiftDistance(ctx, q, current.ID, current.Distance-oldDistance)
		if err != nil {
			return err
		}

		block, err = q.GetBlock(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("block updated", "block_id", block.ID, "lane", block.Lane, "participants_adjusted", len(changes))
	notifyScore(ctx, s.logger, s.notifiers, changes...)
	return block, nil
}

// shiftDistance applies a block distance delta to everyone who scored it.
// The caller holds the block's exclusive lock.
func shiftDistance(ctx context.Context, q domain.Queries, blockID int64, delta int) ([]domain.ScoreChange, error) {
	if delta == 0 {
		return nil, nil
	}

	rows, err := q.ListBlockScores(ctx, domain.BlockScoreFilter{BlockID: &blockID})
	if err != nil {
		return nil, err
	}
	if err := lockParticipants(ctx, q, rows); err != nil {
		return nil, err
	}

	changes := make([]domain.ScoreChange, 0, len(rows))
	for _, row := range rows {
		updated, err := q.AdjustAggregates(ctx, row.ParticipantID, 0, delta)
		if err != nil {
			return nil, fmt.Errorf("adjusting aggregates: %w", err)
		}
		changes = append(changes, domain.ScoreChange{
			Action:        domain.ScoreUpdated,
			Score:         row,
			Participant:   *updated,
			DistanceDelta: delta,
		})
	}
	return changes, nil
}

// DeleteBlock removes a block. Its scores are first deleted through the
// ledger path so participant aggregates stay consistent.
func (s *CatalogService) DeleteBlock(ctx context.Context, actor *access.Principal, id int64) error {
	if err := access.CanWriteCatalog(actor); err != nil {
		return err
	}

	var changes []domain.ScoreChange
	err := s.inTx(ctx, "delete block", func(q domain.Queries) error {
		var err error
		changes, err = deleteBlockLocked(ctx, q, id)
		return err
	})
	if err != nil {
		return err
	}

	s.logger.Info("block deleted", "block_id", id, "scores_removed", len(changes))
	notifyScore(ctx, s.logger, s.notifiers, changes...)
	return nil
}

func deleteBlockLocked(ctx context.Context, q domain.Queries, id int64) ([]domain.ScoreChange, error) {
	block, err := q.LockBlock(ctx, id, true)
	if err != nil {
		return nil, err
	}

	rows, err := q.ListBlockScores(ctx, domain.BlockScoreFilter{BlockID: &id})
	if err != nil {
		return nil, err
	}
	if err := lockParticipants(ctx, q, rows); err != nil {
		return nil, err
	}

	changes := make([]domain.ScoreChange, 0, len(rows))
	for _, row := range rows {
		change, err := deleteLocked(ctx, q, row, block)
		if err != nil {
			return nil, err
		}
		changes = append(changes, *change)
	}

	if err := q.DeleteBlock(ctx, id); err != nil {
		return nil, err
	}
	return changes, nil
}

// ClearBlocks deletes every block, one transaction per block
func (s *CatalogService) ClearBlocks(ctx context.Context, actor *access.Principal) (int, error) {
	if err := access.CanWriteCatalog(actor); err != nil {
		return 0, err
	}

	blocks, err := s.ListBlocks(ctx, actor, domain.BlockFilter{})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, b := range blocks {
		if err := s.DeleteBlock(ctx, actor, b.ID); err != nil {
			if errors.Is(err, domain.ErrBlockNotFound) {
				continue
			}
			return deleted, fmt.Errorf("deleting block %s: %w", b.Lane, err)
		}
		deleted++
	}
	return deleted, nil
}

// GetBlock returns a block with its score options
func (s *CatalogService) GetBlock(ctx context.Context, actor *access.Principal, id int64) (*domain.Block, error) {
	if err := access.CanReadCatalog(actor); err != nil {
		return nil, err
	}

	var block *domain.Block
	err := s.store.View(ctx, func(q domain.Queries) error {
		var err error
		block, err = q.GetBlock(ctx, id)
		return err
	})
	return block, err
}

// ListBlocks returns blocks in insertion order
func (s *CatalogService) ListBlocks(ctx context.Context, actor *access.Principal, filter domain.BlockFilter) ([]domain.Block, error) {
	if err := access.CanReadCatalog(actor); err != nil {
		return nil, err
	}

	var blocks []domain.Block
	err := s.store.View(ctx, func(q domain.Queries) error {
		var err error
		blocks, err = q.ListBlocks(ctx, filter)
		return err
	})
	return blocks, err
}

// DefineScoreOption adds an option to a block
func (s *CatalogService) DefineScoreOption(ctx context.Context, actor *access.Principal, in domain.ScoreOptionInput) (*domain.ScoreOption, error) {
	if err := access.CanWriteCatalog(actor); err != nil {
		return nil, err
	}
	if in.BlockID <= 0 {
		return nil, domain.Invalid("block is required")
	}
	if err := in.Normalize(); err != nil {
		return nil, err
	}

	option := &domain.ScoreOption{
		BlockID: in.BlockID,
		Key:     in.Key,
		Label:   in.Label,
		Points:  in.Points,
		Order:   in.Order,
	}
	err := s.store.WithTx(ctx, func(q domain.Queries) error {
		if _, err := q.LockBlock(ctx, in.BlockID, false); err != nil {
			return err
		}
		return q.CreateScoreOption(ctx, option)
	})
	if err != nil {
		return nil, err
	}
	return option, nil
}

// UpdateScoreOption rewrites an option. Recorded scores keep the points they
// captured when they were written.
func (s *CatalogService) UpdateScoreOption(ctx context.Context, actor *access.Principal, id int64, in domain.ScoreOptionInput) (*domain.ScoreOption, error) {
	if err := access.CanWriteCatalog(actor); err != nil {
		return nil, err
	}
	if err := in.Normalize(); err != nil {
		return nil, err
	}

	var option *domain.ScoreOption
	err := s.store.WithTx(ctx, func(q domain.Queries) error {
		var err error
		option, err = q.GetScoreOption(ctx, id)
		if err != nil {
			return err
		}
		if in.BlockID != 0 && in.BlockID != option.BlockID {
			return domain.Invalid("block of a score option cannot be changed")
		}
		option.Key = in.Key
		option.Label = in.Label
		option.Points = in.Points
		option.Order = in.Order
		return q.UpdateScoreOption(ctx, option)
	})
	if err != nil {
		return nil, err
	}
	return option, nil
}

// DeleteScoreOption removes an option that no score references
func (s *CatalogService) DeleteScoreOption(ctx context.Context, actor *access.Principal, id int64) error {
	if err := access.CanWriteCatalog(actor); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(q domain.Queries) error {
		return q.DeleteScoreOption(ctx, id)
	})
}

// GetScoreOption returns one option
func (s *CatalogService) GetScoreOption(ctx context.Context, actor *access.Principal, id int64) (*domain.ScoreOption, error) {
	if err := access.CanReadCatalog(actor); err != nil {
		return nil, err
	}

	var option *domain.ScoreOption
	err := s.store.View(ctx, func(q domain.Queries) error {
		var err error
		option, err = q.GetScoreOption(ctx, id)
		return err
	})
	return option, err
}

// ListScoreOptions returns options ordered by display order then label
func (s *CatalogService) ListScoreOptions(ctx context.Context, actor *access.Principal, filter domain.ScoreOptionFilter) ([]domain.ScoreOption, error) {
	if err := access.CanReadCatalog(actor); err != nil {
		return nil, err
	}

	var options []domain.ScoreOption
	err := s.store.View(ctx, func(q domain.Queries) error {
		var err error
		options, err = q.ListScoreOptions(ctx, filter)
		return err
	})
	return options, err
}

// UpsertResult reports what a catalog load did to one block
type UpsertResult struct {
	Block          *domain.Block
	Created        bool
	OptionsRemoved int
}

// UpsertBlockByLane creates or updates the block with the input's lane and
// makes its options match the given set, matched by key. Options whose key is
// no longer present are removed, which fails while scores reference them.
func (s *CatalogService) UpsertBlockByLane(ctx context.Context, actor *access.Principal, in domain.BlockInput, options []domain.ScoreOptionInput) (*UpsertResult, error) {
	if err := access.CanWriteCatalog(actor); err != nil {
		return nil, err
	}
	if err := in.Normalize(); err != nil {
		return nil, err
	}
	for i := range options {
		if err := options[i].Normalize(); err != nil {
			return nil, err
		}
	}
	keys := lo.Map(options, func(o domain.ScoreOptionInput, _ int) string { return o.Key })
	if len(lo.Uniq(keys)) != len(keys) {
		return nil, domain.ErrDuplicateKey
	}

	var (
		result  *UpsertResult
		changes []domain.ScoreChange
	)
	err := s.inTx(ctx, "upsert block", func(q domain.Queries) error {
		result = &UpsertResult{}
		changes = nil

		existing, err := q.GetBlockByLane(ctx, in.Lane)
		switch {
		case errors.Is(err, domain.ErrBlockNotFound):
			block := &domain.Block{Active: true}
			in.Apply(block)
			if err := q.CreateBlock(ctx, block); err != nil {
				return err
			}
			existing = block
			result.Created = true
		case err != nil:
			return err
		default:
			current, err := q.LockBlock(ctx, existing.ID, true)
			if err != nil {
				return err
			}
			oldDistance := current.Distance
			in.Apply(current)
			if err := q.UpdateBlock(ctx, current); err != nil {
				return err
			}
			changes, err = shiftDistance(ctx, q, current.ID, current.Distance-oldDistance)
			if err != nil {
				return err
			}
		}

		current, err := q.ListScoreOptions(ctx, domain.ScoreOptionFilter{BlockID: &existing.ID})
		if err != nil {
			return err
		}
		byKey := lo.KeyBy(current, func(o domain.ScoreOption) string { return o.Key })

		for _, o := range options {
			option, ok := byKey[o.Key]
			if !ok {
				option = domain.ScoreOption{BlockID: existing.ID, Key: o.Key}
			}
			option.Label = o.Label
			option.Points = o.Points
			option.Order = o.Order
			if ok {
				err = q.UpdateScoreOption(ctx, &option)
			} else {
				err = q.CreateScoreOption(ctx, &option)
			}
			if err != nil {
				return fmt.Errorf("saving option %s: %w", o.Key, err)
			}
		}

		for _, stale := range current {
			if lo.Contains(keys, stale.Key) {
				continue
			}
			if err := q.DeleteScoreOption(ctx, stale.ID); err != nil {
				return fmt.Errorf("removing option %s: %w", stale.Key, err)
			}
			result.OptionsRemoved++
		}

		result.Block, err = q.GetBlock(ctx, existing.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	notifyScore(ctx, s.logger, s.notifiers, changes...)
	return result, nil
}
