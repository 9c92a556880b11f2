// Package sessions serves the booked session record and its status transitions.
package sessions

import (
	"errors"

	"github.com/aura-webinar/coachcall/internal/models"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid transition")
)

var rank = map[string]int{
	models.SessionStatusScheduled:  0,
	models.SessionStatusInProgress: 1,
	models.SessionStatusCompleted:  2,
}

// CheckTransition validates moving a session from one status to another. Repeating the
// current status is accepted and reports changed=false; moving backwards is rejected.
func CheckTransition(from, to string) (changed bool, err error) {
	if to != models.SessionStatusInProgress && to != models.SessionStatusCompleted {
		return false, ErrInvalidStatus
	}
	cur, ok := rank[from]
	if !ok {
		return false, ErrInvalidStatus
	}
	switch next := rank[to]; {
	case next == cur:
		return false, nil
	case next < cur:
		return false, ErrInvalidTransition
	}
	return true, nil
}
