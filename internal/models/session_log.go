package models

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantLog tracks one join/leave of a meeting. UserID is empty for anonymous peers.
type ParticipantLog struct {
	ID              uuid.UUID  `json:"id"`
	MeetingID       string     `json:"meeting_id"`
	UserID          string     `json:"user_id,omitempty"`
	JoinedAt        time.Time  `json:"joined_at"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
}
