package peer

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/media"
)

// Remote track roles.
const (
	roleCamera      = "camera"
	roleMicrophone  = "microphone"
	roleScreen      = "screen"
	roleScreenAudio = "screen audio"
)

// receiver decodes one inbound RTP track into the raw track currently published in the
// remote stream. The output track is swapped when the remote announces a screen share.
type receiver struct {
	remote  *webrtc.TrackRemote
	factory DecoderFactory
	sizes   Sizes
	logger  *zap.Logger

	out  atomic.Pointer[media.Track]
	role atomic.Value

	mu     sync.Mutex
	dec    Decoder
	params DecoderParams
	closed bool
	done   chan struct{}
}

// Sizes are the decoded output dimensions per video role.
type Sizes struct {
	Camera image.Point
	Screen image.Point
}

func (s Sizes) forRole(role string) image.Point {
	if role == roleScreen && s.Screen.X > 0 {
		return s.Screen
	}
	if s.Camera.X > 0 {
		return s.Camera
	}
	return image.Pt(defaultWidth, defaultHeight)
}

// remoteRole classifies an inbound track by its signalled IDs.
func remoteRole(t *webrtc.TrackRemote) string {
	screen := media.IsScreenShare(media.SurfaceNone, t.ID()+" "+t.StreamID())
	switch {
	case t.Kind() == webrtc.RTPCodecTypeVideo && screen:
		return roleScreen
	case t.Kind() == webrtc.RTPCodecTypeVideo:
		return roleCamera
	case screen:
		return roleScreenAudio
	default:
		return roleMicrophone
	}
}

func remoteTrack(kind media.Kind, role string, size image.Point) *media.Track {
	s := media.Settings{}
	if kind == media.KindVideo {
		s.Width, s.Height = size.X, size.Y
	}
	if role == roleScreen {
		s.DisplaySurface = media.SurfaceMonitor
	}
	return media.NewTrack(kind, "remote "+role, s, nil)
}

func newReceiver(remote *webrtc.TrackRemote, factory DecoderFactory, sizes Sizes, logger *zap.Logger) (*receiver, error) {
	r := &receiver{remote: remote, factory: factory, sizes: sizes, logger: logger, done: make(chan struct{})}
	role := remoteRole(remote)
	size := sizes.forRole(role)
	r.role.Store(role)
	r.out.Store(remoteTrack(remote.Kind(), role, size))
	if err := r.startLocked(size); err != nil {
		return nil, err
	}
	go r.run()
	return r, nil
}

func (r *receiver) Kind() media.Kind    { return r.remote.Kind() }
func (r *receiver) Track() *media.Track { return r.out.Load() }
func (r *receiver) Role() string        { return r.role.Load().(string) }

func (r *receiver) WriteVideo(img *image.RGBA, ts time.Duration) {
	r.out.Load().WriteVideo(img, ts)
}

func (r *receiver) WriteAudio(samples []int16, ts time.Duration) {
	r.out.Load().WriteAudio(samples, ts)
}

func (r *receiver) startLocked(size image.Point) error {
	p := DecoderParams{Kind: r.remote.Kind(), Codec: r.remote.Codec(), Width: even(size.X), Height: even(size.Y)}
	dec, err := r.factory(p, r)
	if err != nil {
		return err
	}
	r.dec, r.params = dec, p
	return nil
}

// setRole swaps the published track when the video role changes and returns the
// previous track, nil when nothing changed.
func (r *receiver) setRole(role string) (old, cur *media.Track, err error) {
	if r.remote.Kind() != webrtc.RTPCodecTypeVideo || r.Role() == role {
		return nil, r.out.Load(), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, r.out.Load(), ErrClosed
	}
	size := r.sizes.forRole(role)
	next := remoteTrack(r.remote.Kind(), role, size)
	if image.Pt(r.params.Width, r.params.Height) != image.Pt(even(size.X), even(size.Y)) {
		if r.dec != nil {
			_ = r.dec.Close()
			r.dec = nil
		}
		if err := r.startLocked(size); err != nil {
			return nil, r.out.Load(), err
		}
	}
	old = r.out.Swap(next)
	r.role.Store(role)
	return old, next, nil
}

func (r *receiver) run() {
	defer close(r.done)
	buf := make([]byte, 1500)
	for {
		n, _, err := r.remote.Read(buf)
		if err != nil {
			return
		}
		r.mu.Lock()
		dec := r.dec
		r.mu.Unlock()
		if dec == nil {
			continue
		}
		if err := dec.WriteRTP(buf[:n]); err != nil {
			r.logger.Debug("decode", zap.String("track", r.remote.ID()), zap.Error(err))
		}
	}
}

func (r *receiver) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	dec := r.dec
	r.dec = nil
	r.mu.Unlock()
	if dec != nil {
		_ = dec.Close()
	}
	r.out.Load().Stop()
}
