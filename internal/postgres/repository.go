package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ domain.Store = (*Repository)(nil)

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// NewRepositoryFromDSN connects using a raw connection string
func NewRepositoryFromDSN(ctx context.Context, dsn string, logger *slog.Logger) (*Repository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Repository{pool: pool, logger: logger}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// View runs fn against the pool without a transaction
func (r *Repository) View(ctx context.Context, fn func(q domain.Queries) error) error {
	return fn(&Queries{db: r.pool})
}

// WithTx runs fn inside a READ COMMITTED transaction. Callers take row locks
// through the Lock* queries; serialization failures, deadlocks and unique
// violations on block_scores surface as domain.ErrScoreConflict.
func (r *Repository) WithTx(ctx context.Context, fn func(q domain.Queries) error) error {
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&Queries{db: tx})
	})
	return mapError(err)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			id BIGSERIAL PRIMARY KEY,
			lane VARCHAR(50) NOT NULL,
			grade VARCHAR(20) NOT NULL DEFAULT '',
			color VARCHAR(20) NOT NULL DEFAULT '',
			wall VARCHAR(50) NOT NULL DEFAULT '',
			block_type VARCHAR(10) NOT NULL DEFAULT 'route' CHECK (block_type IN ('boulder', 'route')),
			distance INTEGER NOT NULL DEFAULT 0 CHECK (distance >= 0),
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT blocks_lane_unique UNIQUE (lane)
		)`,
		`CREATE TABLE IF NOT EXISTS score_options (
			id BIGSERIAL PRIMARY KEY,
			block_id BIGINT NOT NULL REFERENCES blocks(id) ON DELETE CASCADE,
			key VARCHAR(30) NOT NULL,
			label VARCHAR(50) NOT NULL,
			points INTEGER NOT NULL DEFAULT 0,
			display_order SMALLINT NOT NULL DEFAULT 0 CHECK (display_order >= 0),
			CONSTRAINT score_options_block_key_unique UNIQUE (block_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			id BIGSERIAL PRIMARY KEY,
			email VARCHAR(100) NOT NULL,
			username VARCHAR(25) NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			first_name VARCHAR(150) NOT NULL DEFAULT '',
			last_name VARCHAR(150) NOT NULL DEFAULT '',
			age INTEGER,
			date_of_birth DATE,
			gender VARCHAR(50) NOT NULL DEFAULT '',
			phone VARCHAR(15) NOT NULL DEFAULT '',
			cup VARCHAR(12) NOT NULL DEFAULT 'kids',
			score INTEGER NOT NULL DEFAULT 0,
			distance_climbed INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			is_staff BOOLEAN NOT NULL DEFAULT FALSE,
			is_superuser BOOLEAN NOT NULL DEFAULT FALSE,
			registered_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT participants_email_unique UNIQUE (email),
			CONSTRAINT participants_username_unique UNIQUE (username)
		)`,
		`CREATE TABLE IF NOT EXISTS block_scores (
			id BIGSERIAL PRIMARY KEY,
			participant_id BIGINT NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
			block_id BIGINT NOT NULL REFERENCES blocks(id) ON DELETE CASCADE,
			score_option_id BIGINT NOT NULL,
			earned_points INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT block_scores_participant_block_unique UNIQUE (participant_id, block_id),
			CONSTRAINT block_scores_score_option_fk FOREIGN KEY (score_option_id) REFERENCES score_options(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_block_scores_block ON block_scores(block_id)`,
		`CREATE INDEX IF NOT EXISTS idx_block_scores_option ON block_scores(score_option_id)`,
		`CREATE INDEX IF NOT EXISTS idx_block_scores_created ON block_scores(created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_cup_score ON participants(cup, score DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries implements domain.Queries on a pool or a transaction
type Queries struct {
	db querier
}

var _ domain.Queries = (*Queries)(nil)

// PostgreSQL error codes the store translates
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeStringTooLong        = "22001"
	codeNumericOutOfRange    = "22003"
)

// mapError translates constraint and concurrency failures into domain errors
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case codeUniqueViolation:
		switch pgErr.ConstraintName {
		case "blocks_lane_unique":
			return domain.ErrLaneTaken
		case "score_options_block_key_unique":
			return domain.ErrDuplicateKey
		case "participants_email_unique":
			return domain.ErrEmailTaken
		case "participants_username_unique":
			return domain.ErrUsernameTaken
		case "block_scores_participant_block_unique":
			return fmt.Errorf("%w: %v", domain.ErrScoreConflict, pgErr.Message)
		}
	case codeForeignKeyViolation:
		if pgErr.ConstraintName == "block_scores_score_option_fk" {
			return domain.ErrOptionInUse
		}
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %v", domain.ErrScoreConflict, pgErr.Message)
	case codeStringTooLong:
		return domain.Invalid("value too long%s", columnSuffix(pgErr))
	case codeNumericOutOfRange:
		return domain.Invalid("value out of range%s", columnSuffix(pgErr))
	}
	return err
}

func columnSuffix(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName == "" {
		return ""
	}
	return " for " + pgErr.ColumnName
}

// notFound maps pgx.ErrNoRows to the given domain error
func notFound(err error, notFoundErr error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFoundErr
	}
	return err
}
