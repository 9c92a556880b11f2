package recordings

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/middleware"
	"github.com/aura-webinar/coachcall/internal/models"
	"github.com/aura-webinar/coachcall/internal/sessions"
	"github.com/aura-webinar/coachcall/pkg/response"
	"github.com/aura-webinar/coachcall/pkg/storage"
)

// FormField is the multipart field carrying the recording file.
const FormField = "recording"

// Store is the recording persistence the handler needs; *Repository implements it.
type Store interface {
	Create(ctx context.Context, rec *models.Recording) error
	Complete(ctx context.Context, id uuid.UUID, s3URL, s3Key string, fileSize int64) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Recording, error)
}

// SessionLookup resolves the session a recording belongs to.
type SessionLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// ObjectStore is the S3 surface used for recordings; *storage.S3 implements it.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
	GeneratePresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
	DeleteObject(ctx context.Context, key string) error
}

// Handler handles recording HTTP endpoints.
type Handler struct {
	repo     Store
	sessions SessionLookup
	objects  ObjectStore // nil when S3 is not configured
	maxSize  int64
	logger   *zap.Logger
}

// NewHandler creates a recordings handler. objects may be nil; uploads then answer 503.
func NewHandler(repo Store, sessionLookup SessionLookup, objects ObjectStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, sessions: sessionLookup, objects: objects, maxSize: storage.MaxRecordingSize, logger: logger}
}

// SetMaxUploadBytes caps the accepted request body size.
func (h *Handler) SetMaxUploadBytes(n int64) {
	if n > 0 {
		h.maxSize = n
	}
}

// Upload handles POST /sessions/:id/recording with the file in multipart field "recording".
func (h *Handler) Upload(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if h.objects == nil {
		response.ServiceUnavailable(c, "recording storage not configured")
		return
	}
	ctx := c.Request.Context()
	if _, err := h.sessions.GetByID(ctx, sessionID); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		h.logger.Error("lookup session failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to upload recording")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxSize)
	fh, err := c.FormFile(FormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.TooLarge(c, "recording exceeds upload limit")
			return
		}
		response.BadRequest(c, "missing recording file")
		return
	}
	if fh.Size <= 0 {
		response.BadRequest(c, "recording file is empty")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable recording file")
		return
	}
	defer f.Close()

	ext := storage.RecordingExtension(fh.Header.Get("Content-Type"), fh.Filename)
	contentType := storage.ContentTypeForExtension(ext)
	rec := &models.Recording{
		SessionID:  sessionID,
		UploadedBy: middleware.UserID(c),
		MimeType:   contentType,
		FileSize:   fh.Size,
	}
	if err := h.repo.Create(ctx, rec); err != nil {
		h.logger.Error("create recording row failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to upload recording")
		return
	}

	key := storage.RecordingKey(sessionID.String(), rec.ID.String(), ext)
	h.logger.Info("recording upload starting", zap.String("key", key), zap.String("recording_id", rec.ID.String()), zap.Int64("size", fh.Size))
	url, err := h.objects.Upload(ctx, key, contentType, f, fh.Size)
	if err != nil {
		if mfErr := h.repo.MarkFailed(ctx, rec.ID); mfErr != nil {
			h.logger.Warn("mark recording failed", zap.Error(mfErr))
		}
		h.logger.Error("upload recording to S3 failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
		response.BadGateway(c, "failed to store recording")
		return
	}
	if err := h.repo.Complete(ctx, rec.ID, url, key, fh.Size); err != nil {
		h.logger.Error("update recording result failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
		if delErr := h.objects.DeleteObject(ctx, key); delErr != nil {
			h.logger.Warn("delete orphaned recording object failed", zap.Error(delErr), zap.String("key", key))
		}
		_ = h.repo.MarkFailed(ctx, rec.ID)
		response.Internal(c, "failed to upload recording")
		return
	}
	response.Created(c, gin.H{"recording_id": rec.ID, "recording_url": url})
}

// ListBySession handles GET /sessions/:id/recordings.
func (h *Handler) ListBySession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	list, err := h.repo.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// GenerateDownloadURL handles GET /recordings/:id/download-url and returns a presigned URL.
func (h *Handler) GenerateDownloadURL(c *gin.Context) {
	recordingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	rec, err := h.repo.GetByID(c.Request.Context(), recordingID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "recording not found")
			return
		}
		response.Internal(c, "failed to load recording")
		return
	}
	if rec.Status != models.RecordingStatusCompleted || rec.S3Key == "" {
		response.BadRequest(c, "recording not ready for download")
		return
	}
	if h.objects == nil {
		response.ServiceUnavailable(c, "recording storage not configured")
		return
	}
	expire := h.objects.PresignExpire()
	url, err := h.objects.GeneratePresignedDownloadURL(c.Request.Context(), rec.S3Key, expire)
	if err != nil {
		h.logger.Error("presign recording download failed", zap.Error(err), zap.String("recording_id", recordingID.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}
