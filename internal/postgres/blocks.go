package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/climb-ledger/internal/domain"
	"github.com/jackc/pgx/v5"
)

const blockColumns = `id, lane, grade, color, wall, block_type, distance, active, created_at`

const scoreOptionColumns = `id, block_id, key, label, points, display_order`

func scanBlock(row pgx.Row) (*domain.Block, error) {
	var b domain.Block
	err := row.Scan(&b.ID, &b.Lane, &b.Grade, &b.Color, &b.Wall, &b.Type, &b.Distance, &b.Active, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.ScoreOptions = []domain.ScoreOption{}
	return &b, nil
}

func scanScoreOption(row pgx.Row) (*domain.ScoreOption, error) {
	var o domain.ScoreOption
	if err := row.Scan(&o.ID, &o.BlockID, &o.Key, &o.Label, &o.Points, &o.Order); err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateBlock inserts a block and fills its id and timestamp
func (q *Queries) CreateBlock(ctx context.Context, block *domain.Block) error {
	query := `
		INSERT INTO blocks (lane, grade, color, wall, block_type, distance, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err := q.db.QueryRow(ctx, query,
		block.Lane, block.Grade, block.Color, block.Wall, block.Type, block.Distance, block.Active,
	).Scan(&block.ID, &block.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	if block.ScoreOptions == nil {
		block.ScoreOptions = []domain.ScoreOption{}
	}
	return nil
}

// UpdateBlock writes every mutable block attribute
func (q *Queries) UpdateBlock(ctx context.Context, block *domain.Block) error {
	query := `
		UPDATE blocks
		SET lane = $2, grade = $3, color = $4, wall = $5, block_type = $6, distance = $7, active = $8
		WHERE id = $1
	`
	tag, err := q.db.Exec(ctx, query,
		block.ID, block.Lane, block.Grade, block.Color, block.Wall, block.Type, block.Distance, block.Active,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBlockNotFound
	}
	return nil
}

// GetBlock retrieves a block with its score options
func (q *Queries) GetBlock(ctx context.Context, id int64) (*domain.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE id = $1`
	block, err := scanBlock(q.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, domain.ErrBlockNotFound)
	}
	if err := q.attachOptions(ctx, []*domain.Block{block}); err != nil {
		return nil, err
	}
	return block, nil
}

// GetBlockByLane retrieves a block by its unique lane
func (q *Queries) GetBlockByLane(ctx context.Context, lane string) (*domain.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE lane = $1`
	block, err := scanBlock(q.db.QueryRow(ctx, query, lane))
	if err != nil {
		return nil, notFound(err, domain.ErrBlockNotFound)
	}
	if err := q.attachOptions(ctx, []*domain.Block{block}); err != nil {
		return nil, err
	}
	return block, nil
}

// LockBlock reads a block under a share lock, or an exclusive lock when the
// caller is about to change its distance or delete it
func (q *Queries) LockBlock(ctx context.Context, id int64, exclusive bool) (*domain.Block, error) {
	mode := "FOR SHARE"
	if exclusive {
		mode = "FOR UPDATE"
	}
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE id = $1 ` + mode
	block, err := scanBlock(q.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(notFound(err, domain.ErrBlockNotFound))
	}
	return block, nil
}

// ListBlocks returns blocks ordered by id with nested score options
func (q *Queries) ListBlocks(ctx context.Context, filter domain.BlockFilter) ([]domain.Block, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Lane != "" {
		args = append(args, filter.Lane)
		conds = append(conds, fmt.Sprintf("lane = $%d", len(args)))
	}
	if filter.Grade != "" {
		args = append(args, filter.Grade)
		conds = append(conds, fmt.Sprintf("grade = $%d", len(args)))
	}

	query := `SELECT ` + blockColumns + ` FROM blocks`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id`

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*domain.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := q.attachOptions(ctx, blocks); err != nil {
		return nil, err
	}

	result := make([]domain.Block, 0, len(blocks))
	for _, b := range blocks {
		result = append(result, *b)
	}
	return result, nil
}

// attachOptions loads the score options of all blocks in one query
func (q *Queries) attachOptions(ctx context.Context, blocks []*domain.Block) error {
	if len(blocks) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(blocks))
	byID := make(map[int64]*domain.Block, len(blocks))
	for _, b := range blocks {
		ids = append(ids, b.ID)
		byID[b.ID] = b
	}

	query := `SELECT ` + scoreOptionColumns + ` FROM score_options
		WHERE block_id = ANY($1) ORDER BY block_id, display_order, label`
	rows, err := q.db.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("querying score options: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanScoreOption(rows)
		if err != nil {
			return fmt.Errorf("scanning score option: %w", err)
		}
		if b, ok := byID[o.BlockID]; ok {
			b.ScoreOptions = append(b.ScoreOptions, *o)
		}
	}
	return rows.Err()
}

// DeleteBlock removes a block; options and scores cascade
func (q *Queries) DeleteBlock(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM blocks WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBlockNotFound
	}
	return nil
}

// CreateScoreOption inserts an option and fills its id
func (q *Queries) CreateScoreOption(ctx context.Context, option *domain.ScoreOption) error {
	query := `
		INSERT INTO score_options (block_id, key, label, points, display_order)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := q.db.QueryRow(ctx, query,
		option.BlockID, option.Key, option.Label, option.Points, option.Order,
	).Scan(&option.ID)
	return mapError(err)
}

// UpdateScoreOption writes every mutable option attribute
func (q *Queries) UpdateScoreOption(ctx context.Context, option *domain.ScoreOption) error {
	query := `
		UPDATE score_options
		SET block_id = $2, key = $3, label = $4, points = $5, display_order = $6
		WHERE id = $1
	`
	tag, err := q.db.Exec(ctx, query,
		option.ID, option.BlockID, option.Key, option.Label, option.Points, option.Order,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScoreOptionNotFound
	}
	return nil
}

// GetScoreOption retrieves an option by id
func (q *Queries) GetScoreOption(ctx context.Context, id int64) (*domain.ScoreOption, error) {
	query := `SELECT ` + scoreOptionColumns + ` FROM score_options WHERE id = $1`
	o, err := scanScoreOption(q.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, domain.ErrScoreOptionNotFound)
	}
	return o, nil
}

// GetScoreOptionByKey retrieves an option by its per-block key
func (q *Queries) GetScoreOptionByKey(ctx context.Context, blockID int64, key string) (*domain.ScoreOption, error) {
	query := `SELECT ` + scoreOptionColumns + ` FROM score_options WHERE block_id = $1 AND key = $2`
	o, err := scanScoreOption(q.db.QueryRow(ctx, query, blockID, key))
	if err != nil {
		return nil, notFound(err, domain.ErrScoreOptionNotFound)
	}
	return o, nil
}

// ListScoreOptions returns options ordered by display order then label
func (q *Queries) ListScoreOptions(ctx context.Context, filter domain.ScoreOptionFilter) ([]domain.ScoreOption, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if filter.BlockID != nil {
		rows, err = q.db.Query(ctx, `SELECT `+scoreOptionColumns+` FROM score_options
			WHERE block_id = $1 ORDER BY display_order, label`, *filter.BlockID)
	} else {
		rows, err = q.db.Query(ctx, `SELECT `+scoreOptionColumns+` FROM score_options
			ORDER BY block_id, display_order, label`)
	}
	if err != nil {
		return nil, fmt.Errorf("querying score options: %w", err)
	}
	defer rows.Close()

	options := []domain.ScoreOption{}
	for rows.Next() {
		o, err := scanScoreOption(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning score option: %w", err)
		}
		options = append(options, *o)
	}
	return options, rows.Err()
}

// DeleteScoreOption removes an option; it fails while scores reference it
func (q *Queries) DeleteScoreOption(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM score_options WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScoreOptionNotFound
	}
	return nil
}
