package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus values of a booked coaching session.
const (
	SessionStatusScheduled  = "scheduled"
	SessionStatusInProgress = "in_progress"
	SessionStatusCompleted  = "completed"
)

// Session is a booked coaching call. MeetingID keys the signaling room.
type Session struct {
	ID        uuid.UUID  `json:"id"`
	MeetingID string     `json:"meeting_id"`
	CoachID   string     `json:"coach_id,omitempty"`
	ClientID  string     `json:"client_id,omitempty"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
