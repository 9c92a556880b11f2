package recorder

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/coachcall/internal/media"
)

type fakeEncoder struct {
	params  EncoderParams
	onChunk func([]byte)

	mu     sync.Mutex
	video  int
	audio  int
	closed bool
}

func (e *fakeEncoder) WriteVideo(f media.VideoFrame) error {
	e.mu.Lock()
	e.video++
	e.mu.Unlock()
	if f.Size() != e.params.Size {
		return errors.New("size mismatch")
	}
	e.onChunk([]byte("v"))
	return nil
}

func (e *fakeEncoder) WriteAudio(media.AudioChunk) error {
	e.mu.Lock()
	e.audio++
	e.mu.Unlock()
	return nil
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.onChunk([]byte("|end"))
	return nil
}

type encoderFactory struct {
	mu   sync.Mutex
	encs []*fakeEncoder
	err  error
}

func (f *encoderFactory) New(p EncoderParams, onChunk func([]byte)) (Encoder, error) {
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEncoder{params: p, onChunk: onChunk}
	f.mu.Lock()
	f.encs = append(f.encs, e)
	f.mu.Unlock()
	return e, nil
}

func (f *encoderFactory) last() *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encs[len(f.encs)-1]
}

type fakeUploader struct {
	mu      sync.Mutex
	calls   int
	session string
	body    string
	url     string
	err     error
}

func (u *fakeUploader) UploadRecording(_ context.Context, sessionID string, a *Artifact) (string, error) {
	rc, err := a.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.session, u.body = sessionID, string(b)
	return u.url, u.err
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) add(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

// liveCamera keeps writing frames until the test ends.
func liveCamera(t *testing.T, label string, size image.Point) *media.Track {
	t.Helper()
	tr := media.NewTrack(media.KindVideo, label, media.Settings{Width: size.X, Height: size.Y}, nil)
	img := solid(size, color.RGBA{R: 90, G: 90, B: 90, A: 255})
	stop := make(chan struct{})
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				tr.WriteVideo(img, 0)
			}
		}
	}()
	t.Cleanup(func() { close(stop); tr.Stop() })
	return tr
}

func newTestRecorder(t *testing.T, f *encoderFactory, up Uploader, session string, log *stateLog) *Recorder {
	t.Helper()
	return New(Config{
		OutputDir:     t.TempDir(),
		Name:          "meeting",
		SessionID:     session,
		FrameRate:     50,
		Timeslice:     10 * time.Millisecond,
		ReadyTimeout:  300 * time.Millisecond,
		ReadyInterval: 5 * time.Millisecond,
		MinSize:       image.Pt(64, 36),
		Codec:         CodecVP8Opus,
		Encoders:      f.New,
		Uploader:      up,
		OnStateChange: log.add,
	})
}

func TestRecorderUploadsAndRevokesLocalCopy(t *testing.T) {
	f := &encoderFactory{}
	up := &fakeUploader{url: "https://cdn.example.com/rec.webm"}
	log := &stateLog{}
	r := newTestRecorder(t, f, up, "session-1", log)

	local := media.TrackSet{Camera: liveCamera(t, "camera", image.Pt(32, 18)), Microphone: media.NewTrack(media.KindAudio, "microphone", media.Settings{}, nil)}
	remote := media.TrackSet{Camera: liveCamera(t, "remote camera", image.Pt(32, 18))}

	require.NoError(t, r.Start(context.Background(), local, remote))
	assert.ErrorIs(t, r.Start(context.Background(), local, remote), ErrAlreadyActive)
	assert.Equal(t, StateActive, r.State())
	assert.Equal(t, image.Pt(128, 36), f.last().params.Size, "two cameras double the width")

	require.Eventually(t, func() bool {
		e := f.last()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.video > 3
	}, 2*time.Second, 5*time.Millisecond)

	art, err := r.Stop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.True(t, strings.HasPrefix(art.LocalURL(), "file://"))
	assert.True(t, strings.HasSuffix(art.Path, ".webm"))

	require.NoError(t, r.Wait(context.Background()))
	assert.Equal(t, StateUploaded, r.State())
	assert.Equal(t, "session-1", up.session)
	assert.True(t, strings.HasPrefix(up.body, "v"))
	assert.True(t, strings.HasSuffix(up.body, "|end"), "the encoder flush is part of the artifact")
	assert.Equal(t, up.url, r.Status().URL)
	assert.Empty(t, art.LocalURL())
	_, statErr := os.Stat(art.Path)
	assert.True(t, os.IsNotExist(statErr), "local copy removed after upload")
	assert.True(t, f.last().closed)

	assert.Equal(t, []State{StateStarting, StateActive, StateFinalizing, StateUploaded}, log.all())
	_, err = r.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestRecorderUploadFailureKeepsLocalCopy(t *testing.T) {
	f := &encoderFactory{}
	up := &fakeUploader{err: errors.New("storage unavailable")}
	r := newTestRecorder(t, f, up, "session-2", &stateLog{})

	require.NoError(t, r.Start(context.Background(), media.TrackSet{Camera: liveCamera(t, "camera", image.Pt(16, 9))}, media.TrackSet{}))
	art, err := r.Stop(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Wait(context.Background()))

	st := r.Status()
	assert.Equal(t, StateUploadFailed, st.State)
	assert.EqualError(t, st.UploadErr, "storage unavailable")
	assert.Equal(t, art.LocalURL(), st.URL)
	_, statErr := os.Stat(art.Path)
	assert.NoError(t, statErr)
}

func TestRecorderWithoutSessionKeepsArtifactLocal(t *testing.T) {
	f := &encoderFactory{}
	up := &fakeUploader{}
	log := &stateLog{}
	r := newTestRecorder(t, f, up, "", log)

	require.NoError(t, r.Start(context.Background(), media.TrackSet{Camera: liveCamera(t, "camera", image.Pt(16, 9))}, media.TrackSet{}))
	art, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, r.State())
	assert.Equal(t, 0, up.calls)
	assert.Equal(t, art.LocalURL(), r.Status().URL)
	assert.Equal(t, []State{StateStarting, StateActive, StateFinalizing, StateIdle}, log.all())
}

func TestRecorderEncoderFailureReturnsToIdle(t *testing.T) {
	f := &encoderFactory{err: errors.New("no encoder")}
	r := newTestRecorder(t, f, nil, "s", &stateLog{})
	err := r.Start(context.Background(), media.TrackSet{}, media.TrackSet{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no encoder")
	assert.Equal(t, StateIdle, r.State())

	f.err = nil
	require.NoError(t, r.Start(context.Background(), media.TrackSet{}, media.TrackSet{}), "a failed attempt can be retried")
	_, err = r.Stop(context.Background())
	require.NoError(t, err)
}

func TestRecorderCancelledStartDoesNotActivate(t *testing.T) {
	f := &encoderFactory{}
	log := &stateLog{}
	r := newTestRecorder(t, f, nil, "", log)
	mic := media.NewTrack(media.KindAudio, "microphone", media.Settings{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Start(ctx, media.TrackSet{Microphone: mic}, media.TrackSet{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateIdle, r.State())
	assert.True(t, f.last().closed, "the encoder built for the cancelled start is closed")
	assert.Equal(t, []State{StateStarting, StateIdle}, log.all())

	_, err = r.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestRecorderExcludesSourcesThatNeverBecomeReady(t *testing.T) {
	f := &encoderFactory{}
	r := newTestRecorder(t, f, nil, "", &stateLog{})
	silent := media.NewTrack(media.KindVideo, "remote camera", media.Settings{}, nil)

	start := time.Now()
	require.NoError(t, r.Start(context.Background(), media.TrackSet{Camera: liveCamera(t, "camera", image.Pt(16, 9))}, media.TrackSet{Camera: silent}))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, image.Pt(64, 36), f.last().params.Size, "only the ready camera sizes the canvas")
	_, err := r.Stop(context.Background())
	require.NoError(t, err)
}

func TestRecorderPicksUpScreenShareMidRecording(t *testing.T) {
	f := &encoderFactory{}
	r := newTestRecorder(t, f, nil, "", &stateLog{})
	local := media.TrackSet{Camera: liveCamera(t, "camera", image.Pt(16, 9))}
	require.NoError(t, r.Start(context.Background(), local, media.TrackSet{}))
	defer func() { _, _ = r.Stop(context.Background()) }()

	r.mu.Lock()
	p := r.run
	r.mu.Unlock()
	require.Eventually(t, func() bool { return p.comp.Layout() == LayoutSingle }, time.Second, 5*time.Millisecond)

	local.ScreenShare = liveCamera(t, "screen", image.Pt(32, 18))
	r.UpdateSources(local, media.TrackSet{})
	require.Eventually(t, func() bool { return p.comp.Layout() == LayoutScreenShare }, time.Second, 5*time.Millisecond)
}
