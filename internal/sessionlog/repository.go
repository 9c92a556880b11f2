package sessionlog

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/coachcall/internal/models"
)

// Repository handles participant_logs. It is the relay's join/leave sink.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a participant log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin inserts a row when a peer joins a meeting. userID is empty for anonymous peers.
func (r *Repository) LogJoin(ctx context.Context, meetingID, userID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO participant_logs (meeting_id, user_id, joined_at) VALUES ($1, $2, NOW())`,
		meetingID, userID)
	return err
}

// LogLeave closes the most recent open row for this user in this meeting. The duration is
// measured from joinedAt when given, otherwise from the stored join time.
func (r *Repository) LogLeave(ctx context.Context, meetingID, userID string, joinedAt time.Time) error {
	var since *time.Time
	if !joinedAt.IsZero() {
		since = &joinedAt
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE participant_logs p SET left_at = NOW(),
		        duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - COALESCE($3::timestamptz, p.joined_at)))::BIGINT)
		 FROM (SELECT id FROM participant_logs WHERE meeting_id = $1 AND user_id = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE p.id = sub.id`,
		meetingID, userID, since)
	return err
}

// ListByMeeting returns join/leave rows for a meeting, newest first.
func (r *Repository) ListByMeeting(ctx context.Context, meetingID string) ([]models.ParticipantLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, meeting_id, user_id, joined_at, left_at, duration_seconds
		 FROM participant_logs WHERE meeting_id = $1 ORDER BY joined_at DESC`,
		meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.ParticipantLog{}
	for rows.Next() {
		var row models.ParticipantLog
		if err := rows.Scan(&row.ID, &row.MeetingID, &row.UserID, &row.JoinedAt, &row.LeftAt, &row.DurationSeconds); err != nil {
			return nil, err
		}
		list = append(list, row)
	}
	return list, rows.Err()
}
