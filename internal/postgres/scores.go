package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/climb-ledger/internal/domain"
	"github.com/jackc/pgx/v5"
)

const blockScoreSelect = `
	SELECT bs.id, bs.participant_id, bs.block_id, bs.score_option_id, bs.earned_points, bs.created_at,
		p.username, b.lane, so.label
	FROM block_scores bs
	JOIN participants p ON p.id = bs.participant_id
	JOIN blocks b ON b.id = bs.block_id
	JOIN score_options so ON so.id = bs.score_option_id`

const blockScoreColumns = `id, participant_id, block_id, score_option_id, earned_points, created_at`

func scanBlockScore(row pgx.Row, detailed bool) (*domain.BlockScore, error) {
	var bs domain.BlockScore
	dest := []any{&bs.ID, &bs.ParticipantID, &bs.BlockID, &bs.ScoreOptionID, &bs.EarnedPoints, &bs.CreatedAt}
	if detailed {
		dest = append(dest, &bs.ParticipantName, &bs.BlockLane, &bs.ScoreOptionLabel)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &bs, nil
}

// InsertBlockScore inserts a ledger row. A duplicate (participant, block)
// pair is reported as domain.ErrScoreConflict.
func (q *Queries) InsertBlockScore(ctx context.Context, score *domain.BlockScore) error {
	query := `
		INSERT INTO block_scores (participant_id, block_id, score_option_id, earned_points)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := q.db.QueryRow(ctx, query,
		score.ParticipantID, score.BlockID, score.ScoreOptionID, score.EarnedPoints,
	).Scan(&score.ID, &score.CreatedAt)
	return mapError(err)
}

// UpdateBlockScore rewrites the block, option and earned points of a row
func (q *Queries) UpdateBlockScore(ctx context.Context, score *domain.BlockScore) error {
	query := `
		UPDATE block_scores
		SET block_id = $2, score_option_id = $3, earned_points = $4
		WHERE id = $1
	`
	tag, err := q.db.Exec(ctx, query, score.ID, score.BlockID, score.ScoreOptionID, score.EarnedPoints)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBlockScoreNotFound
	}
	return nil
}

// GetBlockScore retrieves a row with its display fields
func (q *Queries) GetBlockScore(ctx context.Context, id int64) (*domain.BlockScore, error) {
	bs, err := scanBlockScore(q.db.QueryRow(ctx, blockScoreSelect+` WHERE bs.id = $1`, id), true)
	if err != nil {
		return nil, notFound(err, domain.ErrBlockScoreNotFound)
	}
	return bs, nil
}

// LockBlockScore reads a row under an exclusive lock
func (q *Queries) LockBlockScore(ctx context.Context, id int64) (*domain.BlockScore, error) {
	query := `SELECT ` + blockScoreColumns + ` FROM block_scores WHERE id = $1 FOR UPDATE`
	bs, err := scanBlockScore(q.db.QueryRow(ctx, query, id), false)
	if err != nil {
		return nil, mapError(notFound(err, domain.ErrBlockScoreNotFound))
	}
	return bs, nil
}

// FindBlockScore locks the row for (participant, block) if one exists
func (q *Queries) FindBlockScore(ctx context.Context, participantID, blockID int64) (*domain.BlockScore, error) {
	query := `SELECT ` + blockScoreColumns + ` FROM block_scores
		WHERE participant_id = $1 AND block_id = $2 FOR UPDATE`
	bs, err := scanBlockScore(q.db.QueryRow(ctx, query, participantID, blockID), false)
	if err != nil {
		return nil, mapError(notFound(err, domain.ErrBlockScoreNotFound))
	}
	return bs, nil
}

// ListBlockScores returns rows ordered by creation time then id
func (q *Queries) ListBlockScores(ctx context.Context, filter domain.BlockScoreFilter) ([]domain.BlockScore, error) {
	var (
		conds []string
		args  []any
	)
	if filter.ParticipantID != nil {
		args = append(args, *filter.ParticipantID)
		conds = append(conds, fmt.Sprintf("bs.participant_id = $%d", len(args)))
	}
	if filter.BlockID != nil {
		args = append(args, *filter.BlockID)
		conds = append(conds, fmt.Sprintf("bs.block_id = $%d", len(args)))
	}

	query := blockScoreSelect
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY bs.created_at, bs.id`

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying block scores: %w", err)
	}
	defer rows.Close()

	scores := []domain.BlockScore{}
	for rows.Next() {
		bs, err := scanBlockScore(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scanning block score: %w", err)
		}
		scores = append(scores, *bs)
	}
	return scores, rows.Err()
}

// DeleteBlockScore removes a ledger row
func (q *Queries) DeleteBlockScore(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM block_scores WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBlockScoreNotFound
	}
	return nil
}

// ComputeAggregates derives every participant's totals from their rows
func (q *Queries) ComputeAggregates(ctx context.Context) ([]domain.AggregateTotals, error) {
	query := `
		SELECT p.id, p.score, p.distance_climbed,
			COALESCE(SUM(bs.earned_points), 0)::int,
			COALESCE(SUM(b.distance), 0)::int
		FROM participants p
		LEFT JOIN block_scores bs ON bs.participant_id = p.id
		LEFT JOIN blocks b ON b.id = bs.block_id
		GROUP BY p.id
		ORDER BY p.id
	`
	rows, err := q.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("computing aggregates: %w", err)
	}
	defer rows.Close()

	var totals []domain.AggregateTotals
	for rows.Next() {
		var t domain.AggregateTotals
		if err := rows.Scan(&t.ParticipantID, &t.StoredScore, &t.StoredDistance, &t.ComputedScore, &t.ComputedDistance); err != nil {
			return nil, fmt.Errorf("scanning aggregates: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
