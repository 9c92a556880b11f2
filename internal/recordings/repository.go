package recordings

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/coachcall/internal/models"
)

// ErrNotFound is returned when no recording row matches.
var ErrNotFound = errors.New("recording not found")

const recordingColumns = `id, session_id, COALESCE(uploaded_by,''), COALESCE(s3_url,''), COALESCE(s3_key,''), mime_type, file_size, status, created_at, updated_at`

// Repository handles recording persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanRecording(row pgx.Row) (*models.Recording, error) {
	var rec models.Recording
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.UploadedBy, &rec.S3URL, &rec.S3Key, &rec.MimeType, &rec.FileSize, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create inserts a recording row in the uploading state and fills ID and timestamps.
func (r *Repository) Create(ctx context.Context, rec *models.Recording) error {
	const q = `INSERT INTO recordings (session_id, uploaded_by, mime_type, file_size, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`
	if rec.Status == "" {
		rec.Status = models.RecordingStatusUploading
	}
	return r.pool.QueryRow(ctx, q, rec.SessionID, rec.UploadedBy, rec.MimeType, rec.FileSize, rec.Status).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
}

// Complete stores the S3 location and marks the recording completed.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID, s3URL, s3Key string, fileSize int64) error {
	const q = `UPDATE recordings SET s3_url = $1, s3_key = $2, file_size = $3, status = $4, updated_at = NOW() WHERE id = $5`
	tag, err := r.pool.Exec(ctx, q, s3URL, s3Key, fileSize, models.RecordingStatusCompleted, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed sets status failed.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE recordings SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, models.RecordingStatusFailed, id)
	return err
}

// GetByID returns a recording by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	return scanRecording(r.pool.QueryRow(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = $1`, id))
}

// ListBySession returns all recordings for a session, newest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Recording, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE session_id = $1 ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Recording{}
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}
