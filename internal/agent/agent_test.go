package agent

import (
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/config"
	"github.com/aura-webinar/coachcall/internal/media"
	"github.com/aura-webinar/coachcall/internal/recorder"
)

func testConfig(t *testing.T) *config.Config {
	t.Setenv("COACHCALL_CONFIG", t.TempDir()+"/missing.toml")
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Agent.MediaBackend = BackendTest
	cfg.Agent.SignalingURL = "ws://127.0.0.1:1/ws"
	return cfg
}

func TestDevicesPerBackend(t *testing.T) {
	cfg := testConfig(t)
	d, err := Devices(cfg, nopLogger())
	require.NoError(t, err)
	assert.IsType(t, &media.TestPatternDevices{}, d)

	cfg.Agent.MediaBackend = BackendFFmpeg
	d, err = Devices(cfg, nopLogger())
	require.NoError(t, err)
	assert.IsType(t, &media.FFmpegDevices{}, d)

	cfg.Agent.MediaBackend = "gstreamer"
	_, err = Devices(cfg, nopLogger())
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestPeerAndRecorderConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.WebRTC.ICEUrls = []string{"stun:stun.example:3478", ""}
	cfg.Agent.CaptureWidth, cfg.Agent.CaptureHeight = 640, 360

	pc := PeerConfig(cfg, nopLogger())
	require.Len(t, pc.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example:3478"}, pc.ICEServers[0].URLs)
	assert.Equal(t, image.Pt(640, 360), pc.Sizes.Camera)
	assert.NotNil(t, pc.Encoders)
	assert.NotNil(t, pc.Decoders)

	rc := RecorderConfig(cfg, recorder.CodecVP8Opus, nil, nopLogger())
	assert.Equal(t, recorder.CodecVP8Opus, rc.Codec)
	assert.Equal(t, cfg.Recording.Timeslice(), rc.Timeslice)
	assert.Equal(t, image.Pt(cfg.Recording.MinWidth, cfg.Recording.MinHeight), rc.MinSize)
	assert.NotNil(t, rc.Encoders)
}

func TestNewCallRejectsInsecureSignaling(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.SignalingURL = "ws://relay.example.com/ws"
	_, id, err := NewCall(context.Background(), cfg, Options{MeetingID: "m1", Codec: &recorder.CodecDefault}, nil)
	assert.ErrorIs(t, err, media.ErrAPIUnavailable)
	assert.True(t, id.Anonymous)
}

func TestNewCallBuildsController(t *testing.T) {
	cfg := testConfig(t)
	c, id, err := NewCall(context.Background(), cfg, Options{MeetingID: "m1", Codec: &recorder.CodecDefault}, nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.NotEmpty(t, id.UserID)
	_, err = c.End(context.Background())
	assert.NoError(t, err)
}

func nopLogger() *zap.Logger { return zap.NewNop() }
