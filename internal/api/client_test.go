package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aura-webinar/coachcall/internal/lifecycle"
	"github.com/aura-webinar/coachcall/internal/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestUpdateSessionStatus(t *testing.T) {
	var gotPath, gotMethod, gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod, gotAuth = r.URL.Path, r.Method, r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": map[string]string{"status": "in_progress"}})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/api/v1/", "tok", nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.UpdateSessionStatus(context.Background(), "s 1", lifecycle.StatusInProgress))

	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/api/v1/sessions/s 1/status", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "in_progress", gotBody["status"])
}

func TestUpdateSessionStatusConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"success": false, "error": "invalid transition"})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", nil, nil)
	require.NoError(t, err)
	err = c.UpdateSessionStatus(context.Background(), "s1", lifecycle.StatusInProgress)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid transition", apiErr.Message)
}

func TestNoTokenNoAuthorizationHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.UpdateSessionStatus(context.Background(), "s1", lifecycle.StatusCompleted))
}

func TestUploadRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.webm")
	require.NoError(t, os.WriteFile(path, []byte("webm-bytes"), 0o600))
	art := &recorder.Artifact{Path: path, MimeType: "video/webm", Ext: ".webm", Size: 10, Chunks: 2}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/s1/recording", r.URL.Path)
		f, hdr, err := r.FormFile(RecordingField)
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "webm-bytes", string(body))
		assert.Equal(t, "call.webm", hdr.Filename)
		assert.Equal(t, "video/webm", hdr.Header.Get("Content-Type"))
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"success": true,
			"data":    UploadResult{RecordingID: "r1", RecordingURL: "https://cdn/r1.webm"},
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "tok", nil, nil)
	require.NoError(t, err)
	u, err := c.UploadRecording(context.Background(), "s1", art)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/r1.webm", u)
}

func TestUploadRecordingFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.webm")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	art := &recorder.Artifact{Path: path, Size: 1}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", nil, nil)
	require.NoError(t, err)
	_, err = c.UploadRecording(context.Background(), "s1", art)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Message)

	_, err = os.Stat(path)
	assert.NoError(t, err, "the local artifact is untouched")
}

func TestUploadRejectsEmptyArtifact(t *testing.T) {
	c, err := NewClient("http://localhost", "", nil, nil)
	require.NoError(t, err)
	_, err = c.UploadRecording(context.Background(), "s1", &recorder.Artifact{})
	assert.Error(t, err)
}

func TestNewClientRejectsBadScheme(t *testing.T) {
	_, err := NewClient("ftp://x", "", nil, nil)
	assert.Error(t, err)
}
