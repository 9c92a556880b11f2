package recordings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/coachcall/internal/models"
	"github.com/aura-webinar/coachcall/internal/sessions"
)

type memStore struct {
	mu          sync.Mutex
	recs        map[uuid.UUID]*models.Recording
	completeErr error
}

func newMemStore() *memStore { return &memStore{recs: make(map[uuid.UUID]*models.Recording)} }

func (s *memStore) Create(_ context.Context, rec *models.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = uuid.New()
	rec.Status = models.RecordingStatusUploading
	rec.CreatedAt = time.Now()
	cp := *rec
	s.recs[rec.ID] = &cp
	return nil
}

func (s *memStore) Complete(_ context.Context, id uuid.UUID, url, key string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	rec, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	rec.S3URL, rec.S3Key, rec.FileSize, rec.Status = url, key, size, models.RecordingStatusCompleted
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[id]; ok {
		rec.Status = models.RecordingStatusFailed
	}
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) ListBySession(_ context.Context, sessionID uuid.UUID) ([]models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := []models.Recording{}
	for _, rec := range s.recs {
		if rec.SessionID == sessionID {
			list = append(list, *rec)
		}
	}
	return list, nil
}

func (s *memStore) only(t *testing.T) models.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.recs, 1)
	for _, rec := range s.recs {
		return *rec
	}
	return models.Recording{}
}

type knownSessions map[uuid.UUID]bool

func (k knownSessions) GetByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	if !k[id] {
		return nil, sessions.ErrNotFound
	}
	return &models.Session{ID: id}, nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	fail    error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakeObjects) Upload(_ context.Context, key, contentType string, body io.Reader, _ int64) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.types[key] = contentType
	return "https://bucket.example/" + key, nil
}

func (f *fakeObjects) GeneratePresignedDownloadURL(_ context.Context, key string, expires time.Duration) (string, error) {
	return "https://bucket.example/" + key + "?sig=1&ttl=" + expires.String(), nil
}

func (f *fakeObjects) PresignExpire() time.Duration { return 10 * time.Minute }

func (f *fakeObjects) DeleteObject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func setup(objects ObjectStore, sessionID uuid.UUID) (*gin.Engine, *memStore) {
	gin.SetMode(gin.TestMode)
	store := newMemStore()
	h := NewHandler(store, knownSessions{sessionID: true}, objects, nil)
	r := gin.New()
	r.POST("/sessions/:id/recording", h.Upload)
	r.GET("/sessions/:id/recordings", h.ListBySession)
	r.GET("/recordings/:id/download-url", h.GenerateDownloadURL)
	return r, store
}

func TestUploadStoresObjectAndRow(t *testing.T) {
	sessionID := uuid.New()
	objects := newFakeObjects()
	r, store := setup(objects, sessionID)

	body, ct := multipartBody(t, FormField, "call.webm", "video/webm", []byte("recorded-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sessionID.String()+"/recording", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			RecordingID  string `json:"recording_id"`
			RecordingURL string `json:"recording_url"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	rec := store.only(t)
	key := "recordings/" + sessionID.String() + "/" + rec.ID.String() + ".webm"
	assert.Equal(t, rec.ID.String(), resp.Data.RecordingID)
	assert.Equal(t, "https://bucket.example/"+key, resp.Data.RecordingURL)
	assert.Equal(t, models.RecordingStatusCompleted, rec.Status)
	assert.Equal(t, key, rec.S3Key)
	assert.Equal(t, int64(len("recorded-bytes")), rec.FileSize)
	assert.Equal(t, []byte("recorded-bytes"), objects.objects[key])
	assert.Equal(t, "video/webm", objects.types[key])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/recordings/"+rec.ID.String()+"/download-url", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"expires_in":600`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/"+sessionID.String()+"/recordings", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), rec.ID.String())
}

func TestUploadFailureMarksRowFailed(t *testing.T) {
	sessionID := uuid.New()
	objects := newFakeObjects()
	objects.fail = errors.New("s3 down")
	r, store := setup(objects, sessionID)

	body, ct := multipartBody(t, FormField, "call.webm", "video/webm", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sessionID.String()+"/recording", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, models.RecordingStatusFailed, store.only(t).Status)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/recordings/"+store.only(t).ID.String()+"/download-url", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadRowUpdateFailureRemovesObject(t *testing.T) {
	sessionID := uuid.New()
	objects := newFakeObjects()
	r, store := setup(objects, sessionID)
	store.completeErr = errors.New("db down")

	body, ct := multipartBody(t, FormField, "call.webm", "video/webm", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sessionID.String()+"/recording", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, objects.objects)
	assert.Equal(t, models.RecordingStatusFailed, store.only(t).Status)
}

func TestUploadRejections(t *testing.T) {
	sessionID := uuid.New()
	r, _ := setup(newFakeObjects(), sessionID)

	send := func(path, field string) int {
		body, ct := multipartBody(t, field, "call.webm", "video/webm", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, path, body)
		req.Header.Set("Content-Type", ct)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusBadRequest, send("/sessions/nope/recording", FormField))
	assert.Equal(t, http.StatusNotFound, send("/sessions/"+uuid.NewString()+"/recording", FormField))
	assert.Equal(t, http.StatusBadRequest, send("/sessions/"+sessionID.String()+"/recording", "file"))

	noS3, _ := setup(nil, sessionID)
	body, ct := multipartBody(t, FormField, "call.webm", "video/webm", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sessionID.String()+"/recording", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	noS3.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUploadTooLarge(t *testing.T) {
	sessionID := uuid.New()
	gin.SetMode(gin.TestMode)
	h := NewHandler(newMemStore(), knownSessions{sessionID: true}, newFakeObjects(), nil)
	h.SetMaxUploadBytes(1024)
	r := gin.New()
	r.POST("/sessions/:id/recording", h.Upload)

	body, ct := multipartBody(t, FormField, "call.webm", "video/webm", bytes.Repeat([]byte("x"), 4096))
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sessionID.String()+"/recording", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Contains(t, []int{http.StatusRequestEntityTooLarge, http.StatusBadRequest}, w.Code)
}

func TestDownloadURLUnknownRecording(t *testing.T) {
	r, _ := setup(newFakeObjects(), uuid.New())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/recordings/"+uuid.NewString()+"/download-url", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
