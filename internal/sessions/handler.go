package sessions

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/models"
	"github.com/aura-webinar/coachcall/pkg/response"
)

// Store is the persistence the handler needs; *Repository implements it.
type Store interface {
	Create(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) (*models.Session, error)
}

// Handler handles session HTTP endpoints.
type Handler struct {
	store  Store
	logger *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	MeetingID string `json:"meeting_id" binding:"required"`
	CoachID   string `json:"coach_id"`
	ClientID  string `json:"client_id"`
}

// StatusRequest is the body for PATCH /sessions/:id/status.
type StatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// Create handles POST /sessions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s := &models.Session{MeetingID: req.MeetingID, CoachID: req.CoachID, ClientID: req.ClientID}
	if err := h.store.Create(c.Request.Context(), s); err != nil {
		h.logger.Error("create session failed", zap.Error(err), zap.String("meeting_id", req.MeetingID))
		response.Internal(c, "failed to create session")
		return
	}
	response.Created(c, s)
}

// GetByID handles GET /sessions/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.store.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("get session failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to get session")
		return
	}
	response.OK(c, s)
}

// UpdateStatus handles PATCH /sessions/:id/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s, err := h.store.UpdateStatus(c.Request.Context(), id, req.Status)
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "session not found")
	case errors.Is(err, ErrInvalidStatus):
		response.BadRequest(c, "status must be in_progress or completed")
	case errors.Is(err, ErrInvalidTransition):
		response.Conflict(c, ErrInvalidTransition.Error())
	case err != nil:
		h.logger.Error("update session status failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to update session status")
	default:
		h.logger.Info("session status", zap.String("session_id", id.String()), zap.String("status", s.Status))
		response.OK(c, s)
	}
}
