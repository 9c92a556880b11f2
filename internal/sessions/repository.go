package sessions

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/coachcall/internal/models"
)

const sessionColumns = `id, meeting_id, COALESCE(coach_id,''), COALESCE(client_id,''), status, started_at, ended_at, created_at, updated_at`

// Repository handles session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.MeetingID, &s.CoachID, &s.ClientID, &s.Status, &s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a scheduled session.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO sessions (meeting_id, coach_id, client_id, status)
		VALUES ($1, NULLIF($2,''), NULLIF($3,''), $4)
		RETURNING ` + sessionColumns
	created, err := scanSession(r.pool.QueryRow(ctx, q, s.MeetingID, s.CoachID, s.ClientID, models.SessionStatusScheduled))
	if err != nil {
		return err
	}
	*s = *created
	return nil
}

// GetByID returns a session by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

// UpdateStatus applies a status transition under a row lock. started_at and ended_at are set
// the first time the session reaches in_progress and completed.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) (*models.Session, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	changed, err := CheckTransition(cur.Status, status)
	if err != nil {
		return cur, err
	}
	if !changed {
		return cur, nil
	}
	const q = `UPDATE sessions SET status = $1,
			started_at = COALESCE(started_at, NOW()),
			ended_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE ended_at END,
			updated_at = NOW()
		WHERE id = $2
		RETURNING ` + sessionColumns
	updated, err := scanSession(tx.QueryRow(ctx, q, status, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}
