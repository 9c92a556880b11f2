package recorder

import (
	"image"
	"sync/atomic"

	"github.com/aura-webinar/coachcall/internal/media"
)

// VideoSink is an off-screen consumer of one video track. It keeps only the latest decoded frame.
type VideoSink struct {
	track  *media.Track
	latest atomic.Pointer[media.VideoFrame]
	cancel func()
}

// BindVideo subscribes a sink to t.
func BindVideo(t *media.Track) *VideoSink {
	s := &VideoSink{track: t}
	frames, cancel := t.SubscribeVideo(1)
	s.cancel = cancel
	go func() {
		for f := range frames {
			f := f
			s.latest.Store(&f)
		}
	}()
	return s
}

func (s *VideoSink) Track() *media.Track { return s.track }

// Dimensions returns the size of the latest decoded frame, zero before the first frame.
func (s *VideoSink) Dimensions() image.Point {
	if f := s.latest.Load(); f != nil {
		return f.Size()
	}
	return image.Point{}
}

// Ready reports whether the sink has decoded a frame and its track is still live.
func (s *VideoSink) Ready() bool {
	d := s.Dimensions()
	return d.X > 0 && d.Y > 0 && !s.track.Ended()
}

// Frame returns the latest frame image, nil before the first frame.
func (s *VideoSink) Frame() *image.RGBA {
	if f := s.latest.Load(); f != nil {
		return f.Image
	}
	return nil
}

// Close releases the subscription.
func (s *VideoSink) Close() { s.cancel() }
