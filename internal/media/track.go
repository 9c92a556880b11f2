package media

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TrackState represents the state of a track.
type TrackState int32

const (
	TrackStateLive TrackState = iota
	TrackStateEnded
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Surface is the display surface a screen capture came from.
type Surface string

const (
	SurfaceNone    Surface = ""
	SurfaceMonitor Surface = "monitor"
	SurfaceWindow  Surface = "window"
	SurfaceBrowser Surface = "browser"
)

// Settings describes how a track was captured.
type Settings struct {
	DeviceID       string
	Width          int
	Height         int
	FrameRate      int
	DisplaySurface Surface
}

// Track is a live audio or video source. Frames written by the producer are fanned out to
// every subscriber; slow subscribers drop frames rather than stall the producer.
type Track struct {
	id       string
	label    string
	kind     Kind
	settings Settings
	release  func()

	state   atomic.Int32
	enabled atomic.Bool

	mu      sync.Mutex
	ended   []func()
	subs    map[uint64]*subscription
	nextSub uint64
	black   *image.RGBA
	silence []int16
}

type subscription struct {
	video chan VideoFrame
	audio chan AudioChunk
}

// NewTrack creates a live, enabled track. release is called once when the track is stopped and
// must free the underlying capture handle.
func NewTrack(kind Kind, label string, settings Settings, release func()) *Track {
	t := &Track{
		id:       uuid.NewString(),
		label:    label,
		kind:     kind,
		settings: settings,
		release:  release,
		subs:     make(map[uint64]*subscription),
	}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string         { return t.id }
func (t *Track) Kind() Kind         { return t.kind }
func (t *Track) Label() string      { return t.label }
func (t *Track) Settings() Settings { return t.settings }
func (t *Track) State() TrackState  { return TrackState(t.state.Load()) }
func (t *Track) Ended() bool        { return t.State() == TrackStateEnded }

// Enabled reports whether real media flows. A disabled video track emits black frames and a
// disabled audio track emits silence, so consumers keep their timing.
func (t *Track) Enabled() bool     { return t.enabled.Load() }
func (t *Track) SetEnabled(e bool) { t.enabled.Store(e) }

// IsScreenShare reports whether the track came from a display capture.
func (t *Track) IsScreenShare() bool {
	return IsScreenShare(t.settings.DisplaySurface, t.label)
}

// OnEnded registers fn to run once the track ends. It runs immediately if the track already ended.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	if t.Ended() {
		t.mu.Unlock()
		go fn()
		return
	}
	t.ended = append(t.ended, fn)
	t.mu.Unlock()
}

// Stop ends the track and releases the capture handle. Safe to call more than once.
func (t *Track) Stop() {
	if !t.state.CompareAndSwap(int32(TrackStateLive), int32(TrackStateEnded)) {
		return
	}
	t.mu.Lock()
	for id, s := range t.subs {
		closeSub(s)
		delete(t.subs, id)
	}
	callbacks := t.ended
	t.ended = nil
	t.mu.Unlock()

	if t.release != nil {
		t.release()
	}
	for _, fn := range callbacks {
		go fn()
	}
}

// SubscribeVideo returns a channel of frames and a cancel func. The channel is closed when the
// track ends or cancel is called.
func (t *Track) SubscribeVideo(buffer int) (<-chan VideoFrame, func()) {
	ch := make(chan VideoFrame, buffer)
	cancel := t.subscribe(&subscription{video: ch})
	return ch, cancel
}

// SubscribeAudio returns a channel of PCM chunks and a cancel func.
func (t *Track) SubscribeAudio(buffer int) (<-chan AudioChunk, func()) {
	ch := make(chan AudioChunk, buffer)
	cancel := t.subscribe(&subscription{audio: ch})
	return ch, cancel
}

func (t *Track) subscribe(s *subscription) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Ended() {
		closeSub(s)
		return func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = s
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if cur, ok := t.subs[id]; ok {
				closeSub(cur)
				delete(t.subs, id)
			}
		})
	}
}

func closeSub(s *subscription) {
	if s.video != nil {
		close(s.video)
	}
	if s.audio != nil {
		close(s.audio)
	}
}

// WriteVideo publishes a frame to subscribers. Ignored once the track has ended.
func (t *Track) WriteVideo(img *image.RGBA, ts time.Duration) {
	if img == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Ended() || len(t.subs) == 0 {
		return
	}
	if !t.Enabled() {
		size := img.Bounds().Size()
		if t.black == nil || t.black.Bounds().Size() != size {
			t.black = Black(size)
		}
		img = t.black
	}
	f := VideoFrame{Image: img, Timestamp: ts}
	for _, s := range t.subs {
		if s.video == nil {
			continue
		}
		select {
		case s.video <- f:
		default:
		}
	}
}

// WriteAudio publishes PCM samples to subscribers.
func (t *Track) WriteAudio(samples []int16, ts time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Ended() || len(t.subs) == 0 {
		return
	}
	if !t.Enabled() {
		if len(t.silence) != len(samples) {
			t.silence = make([]int16, len(samples))
		}
		samples = t.silence
	}
	c := AudioChunk{Samples: samples, Timestamp: ts}
	for _, s := range t.subs {
		if s.audio == nil {
			continue
		}
		select {
		case s.audio <- c:
		default:
		}
	}
}
