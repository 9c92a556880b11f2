package media

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/pkg/ffmpeg"
)

const firstFrameTimeout = 5 * time.Second

// FFmpegDevices captures real hardware through ffmpeg: v4l2 cameras, pulse/alsa microphones and
// x11grab screens. Frames are read back as raw RGBA / s16le from the child's stdout.
type FFmpegDevices struct {
	VideoDevice string // e.g. /dev/video0
	AudioFormat string // pulse or alsa
	AudioDevice string // e.g. default
	Display     string // e.g. :0.0
	Logger      *zap.Logger
}

func (d *FFmpegDevices) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *FFmpegDevices) GetUserMedia(ctx context.Context, c Constraints) ([]*Track, error) {
	if err := ffmpeg.Check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAPIUnavailable, err)
	}
	var tracks []*Track
	if c.Video != nil {
		dev := c.Video.DeviceID
		if dev == "" {
			dev = d.VideoDevice
		}
		if err := probeDevice(dev); err != nil {
			return tracks, fmt.Errorf("camera %s: %w", dev, err)
		}
		s := Settings{DeviceID: dev, Width: pick(c.Video.Width, 1280), Height: pick(c.Video.Height, 720), FrameRate: pick(c.Video.FrameRate, 30)}
		t, err := d.startVideo(ctx, "camera "+dev, s, []string{
			"-f", "v4l2", "-framerate", strconv.Itoa(s.FrameRate), "-video_size", fmt.Sprintf("%dx%d", s.Width, s.Height), "-i", dev,
		})
		if err != nil {
			return tracks, fmt.Errorf("camera %s: %w", dev, err)
		}
		tracks = append(tracks, t)
	}
	if c.Audio != nil {
		dev := c.Audio.DeviceID
		if dev == "" {
			dev = d.AudioDevice
		}
		t, err := d.startAudio(ctx, "microphone "+dev, []string{"-f", d.AudioFormat, "-i", dev})
		if err != nil {
			return tracks, fmt.Errorf("microphone %s: %w", dev, err)
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (d *FFmpegDevices) GetDisplayMedia(ctx context.Context, opts DisplayOptions) ([]*Track, error) {
	if err := ffmpeg.Check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAPIUnavailable, err)
	}
	s := Settings{DeviceID: d.Display, Width: pick(opts.Width, 1920), Height: pick(opts.Height, 1080), FrameRate: pick(opts.FrameRate, 15), DisplaySurface: SurfaceMonitor}
	video, err := d.startVideo(ctx, "screen "+d.Display, s, []string{
		"-f", "x11grab", "-framerate", strconv.Itoa(s.FrameRate), "-video_size", fmt.Sprintf("%dx%d", s.Width, s.Height), "-i", d.Display,
	})
	if err != nil {
		return nil, fmt.Errorf("screen %s: %w", d.Display, err)
	}
	tracks := []*Track{video}
	if opts.Audio {
		// Desktop audio is the monitor source of the default sink.
		audio, err := d.startAudio(ctx, "screen audio", []string{"-f", "pulse", "-i", "default.monitor"})
		if err != nil {
			d.logger().Warn("screen audio unavailable", zap.Error(err))
		} else {
			tracks = append(tracks, audio)
		}
	}
	return tracks, nil
}

func (d *FFmpegDevices) startVideo(ctx context.Context, label string, s Settings, input []string) (*Track, error) {
	args := append(input, "-f", "rawvideo", "-pix_fmt", "rgba", "-s", fmt.Sprintf("%dx%d", s.Width, s.Height), "pipe:1")
	p, err := ffmpeg.Start(args, ffmpeg.Options{Stdout: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAPIUnavailable, err)
	}
	t := NewTrack(KindVideo, label, s, p.Kill)

	first := make(chan struct{})
	go func() {
		defer t.Stop()
		frameSize := s.Width * s.Height * 4
		start := time.Now()
		for n := 0; ; n++ {
			buf := make([]byte, frameSize)
			if _, err := io.ReadFull(p.Stdout(), buf); err != nil {
				return
			}
			if n == 0 {
				close(first)
			}
			img := &image.RGBA{Pix: buf, Stride: s.Width * 4, Rect: image.Rect(0, 0, s.Width, s.Height)}
			t.WriteVideo(img, time.Since(start))
		}
	}()
	if err := awaitFirst(ctx, first, p); err != nil {
		t.Stop()
		return nil, err
	}
	return t, nil
}

func (d *FFmpegDevices) startAudio(ctx context.Context, label string, input []string) (*Track, error) {
	args := append(input, "-ac", "1", "-ar", strconv.Itoa(SampleRate), "-f", "s16le", "pipe:1")
	p, err := ffmpeg.Start(args, ffmpeg.Options{Stdout: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAPIUnavailable, err)
	}
	t := NewTrack(KindAudio, label, Settings{DeviceID: label}, p.Kill)

	first := make(chan struct{})
	go func() {
		defer t.Stop()
		buf := make([]byte, ChunkSamples*2)
		for ts, n := time.Duration(0), 0; ; ts, n = ts+ChunkDuration, n+1 {
			if _, err := io.ReadFull(p.Stdout(), buf); err != nil {
				return
			}
			if n == 0 {
				close(first)
			}
			samples := make([]int16, ChunkSamples)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
			}
			t.WriteAudio(samples, ts)
		}
	}()
	if err := awaitFirst(ctx, first, p); err != nil {
		t.Stop()
		return nil, err
	}
	return t, nil
}

// awaitFirst waits until the capture produced data, mapping an early exit to a device error.
func awaitFirst(ctx context.Context, first <-chan struct{}, p *ffmpeg.Process) error {
	timer := time.NewTimer(firstFrameTimeout)
	defer timer.Stop()
	select {
	case <-first:
		return nil
	case <-p.Done():
		return captureError(p.Err())
	case <-timer.C:
		return fmt.Errorf("%w: no data within %s", ErrDeviceBusy, firstFrameTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func captureError(err error) error {
	if err == nil {
		return ErrDeviceNotFound
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "cannot open display"), strings.Contains(msg, "no such device"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrAPIUnavailable, err)
	}
}

// probeDevice opens a device node to classify why capture would fail before spawning ffmpeg.
func probeDevice(path string) error {
	if !strings.HasPrefix(path, "/dev/") {
		return nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	switch {
	case err == nil:
		_ = f.Close()
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return ErrDeviceNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, syscall.EBUSY):
		return ErrDeviceBusy
	default:
		return fmt.Errorf("%w: %v", ErrAPIUnavailable, err)
	}
}
