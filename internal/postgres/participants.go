package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/climb-ledger/internal/domain"
	"github.com/jackc/pgx/v5"
)

const participantColumns = `id, email, username, password_hash, first_name, last_name, age,
	to_char(date_of_birth, 'YYYY-MM-DD'), gender, phone, cup, score, distance_climbed,
	is_active, is_staff, is_superuser, registered_at`

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	var p domain.Participant
	err := row.Scan(
		&p.ID, &p.Email, &p.Username, &p.PasswordHash, &p.FirstName, &p.LastName, &p.Age,
		&p.DateOfBirth, &p.Gender, &p.Phone, &p.Cup, &p.Score, &p.DistanceClimbed,
		&p.IsActive, &p.IsStaff, &p.IsSuperuser, &p.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateParticipant inserts a participant with zeroed aggregates
func (q *Queries) CreateParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
		INSERT INTO participants (
			email, username, password_hash, first_name, last_name, age, date_of_birth,
			gender, phone, cup, score, distance_climbed, is_active, is_staff, is_superuser
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::date, $8, $9, $10, 0, 0, $11, $12, $13)
		RETURNING id, registered_at
	`
	err := q.db.QueryRow(ctx, query,
		p.Email, p.Username, p.PasswordHash, p.FirstName, p.LastName, p.Age, p.DateOfBirth,
		p.Gender, p.Phone, p.Cup, p.IsActive, p.IsStaff, p.IsSuperuser,
	).Scan(&p.ID, &p.RegisteredAt)
	if err != nil {
		return mapError(err)
	}
	p.Score = 0
	p.DistanceClimbed = 0
	return nil
}

// UpdateParticipant writes profile, credential and permission fields.
// Aggregates are only changed through AdjustAggregates and SetAggregates.
func (q *Queries) UpdateParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
		UPDATE participants
		SET email = $2, username = $3, password_hash = $4, first_name = $5, last_name = $6,
			age = $7, date_of_birth = $8::text::date, gender = $9, phone = $10, cup = $11,
			is_active = $12, is_staff = $13, is_superuser = $14
		WHERE id = $1
	`
	tag, err := q.db.Exec(ctx, query,
		p.ID, p.Email, p.Username, p.PasswordHash, p.FirstName, p.LastName,
		p.Age, p.DateOfBirth, p.Gender, p.Phone, p.Cup,
		p.IsActive, p.IsStaff, p.IsSuperuser,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrParticipantNotFound
	}
	return nil
}

// GetParticipant retrieves a participant by id
func (q *Queries) GetParticipant(ctx context.Context, id int64) (*domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE id = $1`
	p, err := scanParticipant(q.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, domain.ErrParticipantNotFound)
	}
	return p, nil
}

// GetParticipantByEmail retrieves a participant by login email
func (q *Queries) GetParticipantByEmail(ctx context.Context, email string) (*domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE email = $1`
	p, err := scanParticipant(q.db.QueryRow(ctx, query, strings.ToLower(email)))
	if err != nil {
		return nil, notFound(err, domain.ErrParticipantNotFound)
	}
	return p, nil
}

// GetParticipantByUsername retrieves a participant by username
func (q *Queries) GetParticipantByUsername(ctx context.Context, username string) (*domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE username = $1`
	p, err := scanParticipant(q.db.QueryRow(ctx, query, username))
	if err != nil {
		return nil, notFound(err, domain.ErrParticipantNotFound)
	}
	return p, nil
}

// LockParticipant reads a participant under an exclusive row lock
func (q *Queries) LockParticipant(ctx context.Context, id int64) (*domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE id = $1 FOR UPDATE`
	p, err := scanParticipant(q.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(notFound(err, domain.ErrParticipantNotFound))
	}
	return p, nil
}

// ListParticipants returns participants ordered by id
func (q *Queries) ListParticipants(ctx context.Context, filter domain.ParticipantFilter) ([]domain.Participant, error) {
	var (
		conds []string
		args  []any
	)
	if filter.ID != nil {
		args = append(args, *filter.ID)
		conds = append(conds, fmt.Sprintf("id = $%d", len(args)))
	}
	if filter.Cup != "" {
		args = append(args, filter.Cup)
		conds = append(conds, fmt.Sprintf("cup = $%d", len(args)))
	}
	if filter.IsStaff != nil {
		args = append(args, *filter.IsStaff)
		conds = append(conds, fmt.Sprintf("is_staff = $%d", len(args)))
	}

	query := `SELECT ` + participantColumns + ` FROM participants`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id`

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	participants := []domain.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		participants = append(participants, *p)
	}
	return participants, rows.Err()
}

// DeleteParticipant removes a participant; their block scores cascade
func (q *Queries) DeleteParticipant(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM participants WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrParticipantNotFound
	}
	return nil
}

// AdjustAggregates applies score and distance deltas in place and returns
// the updated participant
func (q *Queries) AdjustAggregates(ctx context.Context, participantID int64, scoreDelta, distanceDelta int) (*domain.Participant, error) {
	query := `
		UPDATE participants
		SET score = score + $2, distance_climbed = distance_climbed + $3
		WHERE id = $1
		RETURNING ` + participantColumns
	p, err := scanParticipant(q.db.QueryRow(ctx, query, participantID, scoreDelta, distanceDelta))
	if err != nil {
		return nil, mapError(notFound(err, domain.ErrParticipantNotFound))
	}
	return p, nil
}

// SetAggregates overwrites both aggregates
func (q *Queries) SetAggregates(ctx context.Context, participantID int64, score, distance int) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE participants SET score = $2, distance_climbed = $3 WHERE id = $1`,
		participantID, score, distance,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrParticipantNotFound
	}
	return nil
}
