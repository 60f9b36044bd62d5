package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/climb-ledger/internal/domain"
)

// ScoreNotifier receives ledger changes after their transaction commits
type ScoreNotifier interface {
	ScoreChanged(ctx context.Context, change domain.ScoreChange) error
}

// ParticipantNotifier receives directory changes after they commit
type ParticipantNotifier interface {
	ParticipantChanged(ctx context.Context, p domain.Participant, previousCup domain.Cup) error
	ParticipantRemoved(ctx context.Context, p domain.Participant) error
}

// notifyScore fans a committed change out to every notifier. Failures are
// logged; the change is already durable.
func notifyScore(ctx context.Context, logger *slog.Logger, notifiers []ScoreNotifier, changes ...domain.ScoreChange) {
	for _, change := range changes {
		for _, n := range notifiers {
			if err := n.ScoreChanged(ctx, change); err != nil {
				logger.Warn("failed to publish score change",
					"action", change.Action,
					"block_score_id", change.Score.ID,
					"participant_id", change.Participant.ID,
					"error", err,
				)
			}
		}
	}
}

// withRetry runs fn in a transaction, retrying the whole transaction when it
// aborts with a score conflict
func withRetry(ctx context.Context, store domain.Store, attempts int, logger *slog.Logger, op string, fn func(q domain.Queries) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = store.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, domain.ErrScoreConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("transaction conflict",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
	}
	return err
}
