package models

import (
	"time"

	"github.com/google/uuid"
)

// RecordingStatus represents recording lifecycle.
const (
	RecordingStatusUploading = "uploading"
	RecordingStatusCompleted = "completed"
	RecordingStatusFailed    = "failed"
)

// Recording is one uploaded call recording stored in S3.
type Recording struct {
	ID         uuid.UUID `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	UploadedBy string    `json:"uploaded_by,omitempty"`
	S3URL      string    `json:"s3_url,omitempty"`
	S3Key      string    `json:"s3_key,omitempty"`
	MimeType   string    `json:"mime_type"`
	FileSize   int64     `json:"file_size"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
