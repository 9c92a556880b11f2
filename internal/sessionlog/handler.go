package sessionlog

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/coachcall/internal/models"
	"github.com/aura-webinar/coachcall/pkg/response"
)

// Lister is the read side of the participant log.
type Lister interface {
	ListByMeeting(ctx context.Context, meetingID string) ([]models.ParticipantLog, error)
}

// Handler handles GET /meetings/:id/participants.
type Handler struct {
	repo Lister
}

// NewHandler creates a participant log handler.
func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

// GetParticipants lists who joined a meeting, with join/leave times and duration.
func (h *Handler) GetParticipants(c *gin.Context) {
	meetingID := c.Param("id")
	if meetingID == "" {
		response.BadRequest(c, "invalid meeting id")
		return
	}
	list, err := h.repo.ListByMeeting(c.Request.Context(), meetingID)
	if err != nil {
		response.Internal(c, "failed to list participants")
		return
	}
	response.OK(c, gin.H{"participants": list})
}
