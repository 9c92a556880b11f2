package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COACHCALL_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	t.Setenv("PORT", "")
	t.Setenv("RECORDING_FPS", "")
	t.Setenv("MEDIA_BACKEND", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30, cfg.Recording.FrameRate)
	assert.Equal(t, 100*time.Millisecond, cfg.Recording.Timeslice())
	assert.Equal(t, 2*time.Second, cfg.Recording.ReadyTimeout())
	assert.Equal(t, time.Second, cfg.Agent.AutoStartDelay())
	assert.Equal(t, 3*time.Second, cfg.Agent.FallbackOfferDelay())
	assert.Equal(t, "ffmpeg", cfg.Agent.MediaBackend)
	assert.NotEmpty(t, cfg.WebRTC.ICEUrls)
}

func TestTOMLOverlayAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[agent]
signaling_url = "wss://relay.example/ws"
media_backend = "test"

[webrtc]
ice_urls = ["stun:a.example:3478", "stun:b.example:3478"]

[recording]
frame_rate = 24
screen_audio_gain = 0.5
`), 0o600))
	t.Setenv("COACHCALL_CONFIG", path)
	t.Setenv("WEBRTC_ICE_URLS", "")
	t.Setenv("SIGNALING_URL", "")
	t.Setenv("RECORDING_SCREEN_AUDIO_GAIN", "")
	t.Setenv("MEDIA_BACKEND", "ffmpeg")
	t.Setenv("RECORDING_FPS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example/ws", cfg.Agent.SignalingURL)
	assert.Equal(t, "ffmpeg", cfg.Agent.MediaBackend, "env wins over file")
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.WebRTC.ICEUrls)
	assert.Equal(t, 24, cfg.Recording.FrameRate)
	assert.InDelta(t, 0.5, cfg.Recording.ScreenAudioGain, 1e-9)
}

func TestLoadRejectsBrokenTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte("[agent\n"), 0o600))
	t.Setenv("COACHCALL_CONFIG", path)
	_, err := Load()
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/n?sslmode=disable", d.DSN())
	d.URL = "postgres://override"
	assert.Equal(t, "postgres://override", d.DSN())
}

func TestSplitTrim(t *testing.T) {
	assert.Nil(t, splitTrim("", ","))
	assert.Equal(t, []string{"a", "b"}, splitTrim(" a, ,b ", ","))
}
