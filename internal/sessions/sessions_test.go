package sessions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/coachcall/internal/models"
)

func TestCheckTransition(t *testing.T) {
	cases := []struct {
		from, to string
		changed  bool
		err      error
	}{
		{models.SessionStatusScheduled, models.SessionStatusInProgress, true, nil},
		{models.SessionStatusScheduled, models.SessionStatusCompleted, true, nil},
		{models.SessionStatusInProgress, models.SessionStatusCompleted, true, nil},
		{models.SessionStatusInProgress, models.SessionStatusInProgress, false, nil},
		{models.SessionStatusCompleted, models.SessionStatusCompleted, false, nil},
		{models.SessionStatusCompleted, models.SessionStatusInProgress, false, ErrInvalidTransition},
		{models.SessionStatusScheduled, models.SessionStatusScheduled, false, ErrInvalidStatus},
		{"bogus", models.SessionStatusCompleted, false, ErrInvalidStatus},
	}
	for _, tc := range cases {
		changed, err := CheckTransition(tc.from, tc.to)
		assert.Equal(t, tc.changed, changed, "%s -> %s", tc.from, tc.to)
		assert.ErrorIs(t, err, tc.err, "%s -> %s", tc.from, tc.to)
		if tc.err == nil {
			assert.NoError(t, err)
		}
	}
}

type memStore struct {
	mu sync.Mutex
	m  map[uuid.UUID]*models.Session
}

func (s *memStore) Create(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.ID = uuid.New()
	sess.Status = models.SessionStatusScheduled
	cp := *sess
	s.m[sess.ID] = &cp
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id uuid.UUID, status string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return nil, ErrNotFound
	}
	if _, err := CheckTransition(sess.Status, status); err != nil {
		return nil, err
	}
	sess.Status = status
	cp := *sess
	return &cp, nil
}

func newTestRouter() (*gin.Engine, *memStore) {
	gin.SetMode(gin.TestMode)
	store := &memStore{m: make(map[uuid.UUID]*models.Session)}
	h := NewHandler(store, nil)
	r := gin.New()
	r.POST("/sessions", h.Create)
	r.GET("/sessions/:id", h.GetByID)
	r.PATCH("/sessions/:id/status", h.UpdateStatus)
	return r, store
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	r, _ := newTestRouter()

	w := do(r, http.MethodPost, "/sessions", `{"meeting_id":"m1","coach_id":"c1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Data models.Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	path := "/sessions/" + created.Data.ID.String()

	assert.Equal(t, http.StatusOK, do(r, http.MethodPatch, path+"/status", `{"status":"in_progress"}`).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPatch, path+"/status", `{"status":"in_progress"}`).Code, "repeat is idempotent")
	assert.Equal(t, http.StatusOK, do(r, http.MethodPatch, path+"/status", `{"status":"completed"}`).Code)
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPatch, path+"/status", `{"status":"in_progress"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPatch, path+"/status", `{"status":"cancelled"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPatch, path+"/status", `{}`).Code)

	w = do(r, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
}

func TestUnknownSession(t *testing.T) {
	r, _ := newTestRouter()
	path := "/sessions/" + uuid.NewString()
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, path, "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPatch, path+"/status", `{"status":"completed"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/sessions/not-a-uuid", "").Code)
}
