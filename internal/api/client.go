// Package api is the agent's client for the platform session and recording endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/aura-webinar/coachcall/internal/lifecycle"
	"github.com/aura-webinar/coachcall/internal/recorder"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 30 * time.Second
	// RecordingField is the multipart field the upload endpoint reads.
	RecordingField = "recording"
)

// Error is a non-success response from the platform.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// UploadResult is the body returned by the recording upload endpoint.
type UploadResult struct {
	RecordingID  string `json:"recording_id"`
	RecordingURL string `json:"recording_url"`
}

// Client talks to the platform REST API with an optional bearer token.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewClient parses baseURL. Status calls are bounded at 30s, uploads only by the caller's context.
func NewClient(baseURL, token string, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse api url: unsupported scheme %q", u.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: u, token: token, http: httpClient, logger: logger}, nil
}

// UpdateSessionStatus sets the session's status.
func (c *Client) UpdateSessionStatus(ctx context.Context, sessionID string, status lifecycle.Status) error {
	body, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodPatch, bytes.NewReader(body), "sessions", sessionID, "status")
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// UploadRecording streams the artifact as multipart form data and returns the durable URL.
func (c *Client) UploadRecording(ctx context.Context, sessionID string, art *recorder.Artifact) (string, error) {
	if art == nil || art.Size == 0 {
		return "", fmt.Errorf("upload recording: empty artifact")
	}
	f, err := art.Open()
	if err != nil {
		return "", fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, art, f))
	}()
	defer pr.Close()

	req, err := c.newRequest(ctx, http.MethodPost, pr, "sessions", sessionID, "recording")
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res UploadResult
	if err := c.do(req, &res); err != nil {
		return "", fmt.Errorf("upload recording: %w", err)
	}
	if res.RecordingURL == "" {
		return "", fmt.Errorf("upload recording: response has no recording_url")
	}
	c.logger.Info("recording uploaded",
		zap.String("session_id", sessionID),
		zap.String("recording_id", res.RecordingID),
		zap.Int64("bytes", art.Size))
	return res.RecordingURL, nil
}

func writeForm(mw *multipart.Writer, art *recorder.Artifact, r io.Reader) error {
	part, err := mw.CreatePart(partHeader(art))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

func partHeader(art *recorder.Artifact) textproto.MIMEHeader {
	mime := art.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name=%q; filename=%q`, RecordingField, art.FileName())},
		"Content-Type":        {mime},
	}
}

func (c *Client) newRequest(ctx context.Context, method string, body io.Reader, elem ...string) (*http.Request, error) {
	u := c.base.JoinPath(elem...)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || (len(raw) > 0 && !env.Success) {
		msg := env.Error
		if msg == "" && resp.StatusCode >= 300 {
			msg = strings.TrimSpace(string(raw))
		}
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
