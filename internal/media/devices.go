package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Device errors. They are fatal to starting a call and surfaced with Remediation.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceBusy       = errors.New("device busy")
	ErrAPIUnavailable   = errors.New("media capture unavailable")
)

// VideoConstraints requests a camera or display resolution. Zero values mean "any".
type VideoConstraints struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate int
}

// AudioConstraints requests a microphone.
type AudioConstraints struct {
	DeviceID string
}

// Constraints selects which local devices to open. A nil member is not requested.
type Constraints struct {
	Video *VideoConstraints
	Audio *AudioConstraints
}

// DisplayOptions configures a screen capture.
type DisplayOptions struct {
	Width     int
	Height    int
	FrameRate int
	Audio     bool
}

// Devices opens capture hardware.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]*Track, error)
	GetDisplayMedia(ctx context.Context, opts DisplayOptions) ([]*Track, error)
}

// AcquireLocalMedia opens camera and microphone and classifies the result. On error no track
// is left running.
func AcquireLocalMedia(ctx context.Context, d Devices, c Constraints) (TrackSet, error) {
	tracks, err := d.GetUserMedia(ctx, c)
	if err != nil {
		for _, t := range tracks {
			t.Stop()
		}
		return TrackSet{}, fmt.Errorf("acquire local media: %w", err)
	}
	set := Classify(tracks)
	if c.Video != nil && set.Camera == nil || c.Audio != nil && set.Microphone == nil {
		for _, t := range tracks {
			t.Stop()
		}
		return TrackSet{}, fmt.Errorf("acquire local media: %w", ErrDeviceNotFound)
	}
	return set, nil
}

// AcquireScreenShare opens a display capture. The returned audio track is nil when the
// surface carries no audio.
func AcquireScreenShare(ctx context.Context, d Devices, opts DisplayOptions) (video, audio *Track, err error) {
	tracks, err := d.GetDisplayMedia(ctx, opts)
	if err != nil {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, nil, fmt.Errorf("acquire screen share: %w", err)
	}
	for _, t := range tracks {
		switch {
		case t.Kind() == KindVideo && video == nil:
			video = t
		case t.Kind() == KindAudio && audio == nil:
			audio = t
		default:
			t.Stop()
		}
	}
	if video == nil {
		if audio != nil {
			audio.Stop()
		}
		return nil, nil, fmt.Errorf("acquire screen share: %w", ErrDeviceNotFound)
	}
	return video, audio, nil
}

// RequireSecureContext mirrors the browser rule that capture needs a secure origin: the
// signaling endpoint must be TLS unless it is on the loopback interface.
func RequireSecureContext(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid signaling url: %v", ErrAPIUnavailable, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "wss", "https":
		return nil
	case "ws", "http":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrAPIUnavailable, u.Scheme)
	}
	host := u.Hostname()
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %s is not a secure context (use wss:// or localhost)", ErrAPIUnavailable, u.Host)
}

// Remediation returns a user-facing instruction for a device error.
func Remediation(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Camera or microphone access was denied. Grant access to the capture devices and rejoin the call."
	case errors.Is(err, ErrDeviceNotFound):
		return "No camera or microphone was found. Connect a device and rejoin the call."
	case errors.Is(err, ErrDeviceBusy):
		return "The camera or microphone is in use by another application. Close it and rejoin the call."
	case errors.Is(err, ErrAPIUnavailable):
		return "Media capture is unavailable. Connect over a secure (wss://) address or from localhost, and make sure ffmpeg is installed."
	default:
		return "Could not start media capture: " + err.Error()
	}
}
