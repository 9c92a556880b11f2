// Package agent assembles a headless call participant from configuration: capture devices,
// codecs, the platform client and the signaling dialer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/config"
	"github.com/aura-webinar/coachcall/internal/api"
	"github.com/aura-webinar/coachcall/internal/auth"
	"github.com/aura-webinar/coachcall/internal/call"
	"github.com/aura-webinar/coachcall/internal/media"
	"github.com/aura-webinar/coachcall/internal/peer"
	"github.com/aura-webinar/coachcall/internal/recorder"
	"github.com/aura-webinar/coachcall/internal/signaling"
)

// Media backends.
const (
	BackendFFmpeg = "ffmpeg"
	BackendTest   = "test"
)

var ErrUnknownBackend = errors.New("unknown media backend")

// Options are the per-invocation inputs of a join.
type Options struct {
	MeetingID string
	SessionID string
	NoVideo   bool
	NoAudio   bool
	Codec     *recorder.Codec // nil negotiates against the backend
}

// Devices returns the capture devices for the configured backend.
func Devices(cfg *config.Config, logger *zap.Logger) (media.Devices, error) {
	a := cfg.Agent
	switch strings.ToLower(a.MediaBackend) {
	case BackendFFmpeg, "":
		return &media.FFmpegDevices{
			VideoDevice: a.VideoDevice,
			AudioFormat: a.AudioFormat,
			AudioDevice: a.AudioDevice,
			Display:     a.Display,
			Logger:      logger.Named("devices"),
		}, nil
	case BackendTest:
		d := media.NewTestPatternDevices()
		d.Width, d.Height, d.FPS = a.CaptureWidth, a.CaptureHeight, a.CaptureFPS
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, a.MediaBackend)
	}
}

// Codec picks the recording codec: the best one ffmpeg can encode, or the container default
// when ffmpeg cannot be queried.
func Codec(ctx context.Context, logger *zap.Logger) recorder.Codec {
	supported, err := recorder.FFmpegSupport(ctx)
	if err != nil {
		logger.Warn("ffmpeg encoder probe failed, using default container", zap.Error(err))
		return recorder.CodecDefault
	}
	return recorder.NegotiateCodec(supported)
}

// ICEServers converts configured URLs into pion ICE servers.
func ICEServers(urls []string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	return servers
}

// PeerConfig maps configuration onto the peer manager. The test backend uses the synthetic
// codec so no ffmpeg is needed on either side.
func PeerConfig(cfg *config.Config, logger *zap.Logger) peer.Config {
	pc := peer.Config{
		ICEServers: ICEServers(cfg.WebRTC.ICEUrls),
		PortMin:    uint16(cfg.WebRTC.UDPPortMin),
		PortMax:    uint16(cfg.WebRTC.UDPPortMax),
		Encodings: peer.Encodings{
			VideoMaxBitrate:    cfg.Encoding.VideoMaxBitrate,
			VideoMaxFramerate:  cfg.Encoding.VideoMaxFramerate,
			ScreenMaxBitrate:   cfg.Encoding.ScreenMaxBitrate,
			ScreenMaxFramerate: cfg.Encoding.ScreenMaxFramerate,
			AudioMaxBitrate:    cfg.Encoding.AudioMaxBitrate,
		},
		Sizes: peer.Sizes{
			Camera: image.Pt(cfg.Agent.CaptureWidth, cfg.Agent.CaptureHeight),
			Screen: image.Pt(cfg.Recording.MinWidth, cfg.Recording.MinHeight),
		},
	}
	if strings.EqualFold(cfg.Agent.MediaBackend, BackendTest) {
		pc.Encoders = peer.SyntheticEncoders()
		pc.Decoders = peer.SyntheticDecoders()
	} else {
		pc.Encoders = peer.FFmpegEncoders(logger.Named("encoder"))
		pc.Decoders = peer.FFmpegDecoders(cfg.Recording.OutputDir, logger.Named("decoder"))
	}
	return pc
}

// RecorderConfig maps configuration onto the recorder.
func RecorderConfig(cfg *config.Config, codec recorder.Codec, uploader recorder.Uploader, logger *zap.Logger) recorder.Config {
	r := cfg.Recording
	return recorder.Config{
		OutputDir:     r.OutputDir,
		FrameRate:     r.FrameRate,
		Timeslice:     r.Timeslice(),
		ReadyTimeout:  r.ReadyTimeout(),
		ReadyInterval: r.ReadyInterval(),
		Watchdog:      r.Watchdog(),
		MinSize:       image.Pt(r.MinWidth, r.MinHeight),
		ScreenGain:    r.ScreenAudioGain,
		Thumbnail:     image.Pt(r.ThumbnailWidth, r.ThumbnailHeight),
		ThumbRadius:   r.ThumbnailRadius,
		VideoBitrate:  cfg.Encoding.VideoMaxBitrate,
		AudioBitrate:  cfg.Encoding.AudioMaxBitrate,
		Codec:         codec,
		Encoders:      recorder.FFmpegEncoder(logger.Named("recording-encoder")),
		Uploader:      uploader,
	}
}

// Dialer connects to the configured relay with the agent token.
func Dialer(cfg *config.Config, logger *zap.Logger) call.Dialer {
	return func(ctx context.Context, meetingID string) (call.Signaling, error) {
		c, err := signaling.Dial(ctx, cfg.Agent.SignalingURL, meetingID, cfg.Agent.Token, logger.Named("signaling"))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// NewCall builds a controller for one meeting. Identity comes from the agent token; an
// anonymous identity is used when it carries none.
func NewCall(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (*call.Controller, auth.Identity, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := auth.ParseIdentity(cfg.Agent.Token)
	if err := media.RequireSecureContext(cfg.Agent.SignalingURL); err != nil {
		return nil, id, err
	}
	devices, err := Devices(cfg, logger)
	if err != nil {
		return nil, id, err
	}
	client, err := api.NewClient(cfg.Agent.APIURL, cfg.Agent.Token, nil, logger.Named("api"))
	if err != nil {
		return nil, id, err
	}

	var codec recorder.Codec
	if opts.Codec != nil {
		codec = *opts.Codec
	} else {
		codec = Codec(ctx, logger)
	}

	constraints := media.Constraints{}
	if !opts.NoVideo {
		constraints.Video = &media.VideoConstraints{
			DeviceID:  cfg.Agent.VideoDevice,
			Width:     cfg.Agent.CaptureWidth,
			Height:    cfg.Agent.CaptureHeight,
			FrameRate: cfg.Agent.CaptureFPS,
		}
	}
	if !opts.NoAudio {
		constraints.Audio = &media.AudioConstraints{DeviceID: cfg.Agent.AudioDevice}
	}

	c, err := call.New(call.Config{
		MeetingID:   opts.MeetingID,
		SessionID:   opts.SessionID,
		UserID:      id.UserID,
		Devices:     devices,
		Constraints: constraints,
		Display: media.DisplayOptions{
			Width:     cfg.Recording.MinWidth,
			Height:    cfg.Recording.MinHeight,
			FrameRate: cfg.Encoding.ScreenMaxFramerate,
			Audio:     true,
		},
		Dial:               Dialer(cfg, logger),
		Peer:               PeerConfig(cfg, logger),
		Recorder:           RecorderConfig(cfg, codec, client, logger),
		StatusAPI:          client,
		AutoStartDelay:     cfg.Agent.AutoStartDelay(),
		FallbackOfferDelay: cfg.Agent.FallbackOfferDelay(),
		Logger:             logger,
	})
	if err != nil {
		return nil, id, err
	}
	return c, id, nil
}
