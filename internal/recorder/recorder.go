// Package recorder composites every call participant into one canvas, mixes all audio into one
// track and records both into a single chunked artifact that is uploaded when the call ends.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-webinar/coachcall/internal/media"
)

// State is the recording state.
type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateActive       State = "active"
	StateFinalizing   State = "finalizing"
	StateUploaded     State = "uploaded"
	StateUploadFailed State = "upload-failed"
)

var (
	ErrAlreadyActive = errors.New("recorder: recording already started")
	ErrNotActive     = errors.New("recorder: not recording")
)

const uploadTimeout = 15 * time.Minute

// Uploader hands a finished artifact to durable storage and returns its URL.
type Uploader interface {
	UploadRecording(ctx context.Context, sessionID string, a *Artifact) (string, error)
}

// Config configures a Recorder.
type Config struct {
	OutputDir     string
	Name          string
	SessionID     string
	FrameRate     int
	Timeslice     time.Duration
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	Watchdog      time.Duration
	MinSize       image.Point
	ScreenGain    float64
	Thumbnail     image.Point
	ThumbRadius   int
	VideoBitrate  int
	AudioBitrate  int
	Codec         Codec
	Encoders      EncoderFactory
	Uploader      Uploader

	// OnStateChange is called after every transition, outside the recorder's lock.
	OnStateChange func(State)
	Logger        *zap.Logger
}

// Status is a snapshot of the recorder for observers.
type Status struct {
	State     State
	URL       string
	UploadErr error
}

// Recorder owns one recording pipeline at a time. Start and Stop are guarded by
// compare-and-set transitions so redundant triggers collapse into one pipeline.
type Recorder struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	run         *pipeline
	artifact    *Artifact
	uploadErr   error
	startCancel context.CancelFunc
	startDone   chan struct{}

	uploads sync.WaitGroup
}

// New creates an idle recorder.
func New(cfg Config) *Recorder {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = 100 * time.Millisecond
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = 100 * time.Millisecond
	}
	if cfg.MinSize.X <= 0 || cfg.MinSize.Y <= 0 {
		cfg.MinSize = image.Pt(1920, 1080)
	}
	if cfg.ScreenGain <= 0 {
		cfg.ScreenGain = 0.8
	}
	if cfg.Codec.Ext == "" {
		cfg.Codec = CodecDefault
	}
	if cfg.Name == "" {
		cfg.Name = "recording"
	}
	return &Recorder{cfg: cfg, logger: cfg.Logger, state: StateIdle}
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns the state with the best available URL and any upload failure.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{State: r.state, UploadErr: r.uploadErr}
	if r.artifact != nil {
		s.URL = r.artifact.URL()
	}
	return s
}

// Artifact returns the last finished artifact, nil before the first stop.
func (r *Recorder) Artifact() *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact
}

// SetSessionID links later uploads to a session record.
func (r *Recorder) SetSessionID(id string) {
	r.mu.Lock()
	r.cfg.SessionID = id
	r.mu.Unlock()
}

func (r *Recorder) transition(from, to State) bool {
	r.mu.Lock()
	if r.state != from {
		r.mu.Unlock()
		return false
	}
	r.state = to
	r.mu.Unlock()
	r.notify(to)
	return true
}

func (r *Recorder) set(to State) {
	r.mu.Lock()
	r.state = to
	r.mu.Unlock()
	r.notify(to)
}

func (r *Recorder) notify(s State) {
	r.logger.Info("recording state", zap.String("state", string(s)))
	if r.cfg.OnStateChange != nil {
		r.cfg.OnStateChange(s)
	}
}

// Start gates the sources, then starts the compositor, mixer and encoder. Any failure returns
// the recorder to idle.
func (r *Recorder) Start(ctx context.Context, local, remote media.TrackSet) error {
	if !r.transition(StateIdle, StateStarting) {
		return ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.startCancel, r.startDone = cancel, done
	r.mu.Unlock()
	defer func() {
		cancel()
		close(done)
	}()

	p, err := r.build(ctx, local, remote)
	if err == nil && ctx.Err() != nil {
		p.release()
		err = ctx.Err()
	}
	if err != nil {
		r.set(StateIdle)
		r.logger.Warn("recording not started", zap.Error(err))
		return fmt.Errorf("start recording: %w", err)
	}
	r.mu.Lock()
	r.run = p
	r.state = StateActive
	r.mu.Unlock()
	p.start()
	r.notify(StateActive)
	return nil
}

// UpdateSources rebinds the pipeline to the current local and remote track sets.
func (r *Recorder) UpdateSources(local, remote media.TrackSet) {
	r.mu.Lock()
	p := r.run
	active := r.state == StateActive
	r.mu.Unlock()
	if p != nil && active {
		p.bind(local, remote)
	}
}

// Stop finalizes the recording and returns the artifact with its local preview URL. Upload, when a
// session is known, continues in the background; see Wait.
func (r *Recorder) Stop(ctx context.Context) (*Artifact, error) {
	r.mu.Lock()
	if r.state == StateStarting && r.startCancel != nil {
		cancel, done := r.startCancel, r.startDone
		r.mu.Unlock()
		cancel()
		<-done
		r.mu.Lock()
	}
	r.mu.Unlock()
	if !r.transition(StateActive, StateFinalizing) {
		return nil, ErrNotActive
	}
	r.mu.Lock()
	p := r.run
	r.run = nil
	sessionID := r.cfg.SessionID
	r.mu.Unlock()

	art, err := p.finish(ctx)
	if err != nil || art == nil {
		r.set(StateIdle)
		if err == nil {
			err = errors.New("recording produced no data")
		}
		r.logger.Warn("recording finalize", zap.Error(err))
		return nil, fmt.Errorf("stop recording: %w", err)
	}
	r.mu.Lock()
	r.artifact = art
	r.uploadErr = nil
	r.mu.Unlock()
	r.logger.Info("recording finalized",
		zap.String("path", art.Path), zap.Int64("bytes", art.Size), zap.Int("chunks", art.Chunks))

	if sessionID == "" || r.cfg.Uploader == nil {
		r.logger.Info("no session linked, recording kept locally", zap.String("url", art.LocalURL()))
		r.set(StateIdle)
		return art, nil
	}
	r.uploads.Add(1)
	go r.upload(sessionID, art)
	return art, nil
}

func (r *Recorder) upload(sessionID string, art *Artifact) {
	defer r.uploads.Done()
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()
	url, err := r.cfg.Uploader.UploadRecording(ctx, sessionID, art)
	if err != nil {
		r.mu.Lock()
		r.uploadErr = err
		r.mu.Unlock()
		r.logger.Error("recording upload failed, local copy kept",
			zap.String("session_id", sessionID), zap.String("url", art.LocalURL()), zap.Error(err))
		r.set(StateUploadFailed)
		return
	}
	art.supersede(url)
	if err := art.Revoke(); err != nil {
		r.logger.Warn("release local recording", zap.Error(err))
	}
	r.logger.Info("recording uploaded", zap.String("session_id", sessionID), zap.String("url", url))
	r.set(StateUploaded)
}

// Wait blocks until background uploads finish or ctx is done.
func (r *Recorder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.uploads.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) build(ctx context.Context, local, remote media.TrackSet) (*pipeline, error) {
	p := &pipeline{cfg: r.cfg, logger: r.logger, sinks: make(map[string]*VideoSink), firstChunk: make(chan struct{})}
	p.bindSinks(local, remote)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range p.sinks {
		s := s
		g.Go(func() error {
			err := AwaitReady(gctx, s.Ready, r.cfg.ReadyTimeout, r.cfg.ReadyInterval)
			if errors.Is(err, ErrNotReady) {
				r.logger.Info("source not ready, excluded until it produces frames", zap.String("label", s.Track().Label()))
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		p.release()
		return nil, err
	}

	src := p.sources()
	screenReady := src.Screen != nil && src.Screen.Ready()
	cameras := 0
	for _, s := range []*VideoSink{src.LocalCamera, src.RemoteCamera} {
		if s != nil && s.Ready() {
			cameras++
		}
	}
	var screenSize image.Point
	if screenReady {
		screenSize = src.Screen.Dimensions()
	}
	size := CanvasSize(r.cfg.MinSize, screenSize, screenReady, cameras)

	p.comp = NewCompositor(size, CompositorOptions{
		FrameRate:   r.cfg.FrameRate,
		Watchdog:    r.cfg.Watchdog,
		Thumbnail:   r.cfg.Thumbnail,
		ThumbRadius: r.cfg.ThumbRadius,
		Logger:      r.logger,
	})
	p.comp.SetSources(src)
	p.mix = NewMixer(r.logger)
	p.connectAudio(local, remote)

	var err error
	if p.spool, err = newSpool(r.cfg.OutputDir, r.cfg.Name+"-"+time.Now().UTC().Format("20060102T150405")+"-"+uuid.NewString()[:8]); err != nil {
		p.release()
		return nil, err
	}
	if r.cfg.Encoders == nil {
		p.release()
		return nil, errors.New("no recording encoder configured")
	}
	p.enc, err = r.cfg.Encoders(EncoderParams{
		Size:         size,
		FrameRate:    r.cfg.FrameRate,
		Codec:        r.cfg.Codec,
		Timeslice:    r.cfg.Timeslice,
		VideoBitrate: r.cfg.VideoBitrate,
		AudioBitrate: r.cfg.AudioBitrate,
	}, p.onChunk)
	if err != nil {
		p.release()
		return nil, err
	}
	r.logger.Info("recording pipeline ready",
		zap.Int("width", size.X), zap.Int("height", size.Y),
		zap.String("codec", r.cfg.Codec.MimeType), zap.Int("audio_sources", len(p.mix.Nodes())))
	return p, nil
}

// pipeline is one running recording.
type pipeline struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	sinks map[string]*VideoSink
	roles Sources

	comp  *Compositor
	mix   *Mixer
	enc   Encoder
	spool *spool
	pumps sync.WaitGroup

	accepting  bool
	firstOnce  sync.Once
	firstChunk chan struct{}
}

func screenOf(local, remote media.TrackSet) (video, audio *media.Track) {
	if local.ScreenShare != nil && !local.ScreenShare.Ended() {
		return local.ScreenShare, local.ScreenAudio
	}
	return remote.ScreenShare, remote.ScreenAudio
}

// bindSinks keeps one sink per wanted video track and closes the rest.
func (p *pipeline) bindSinks(local, remote media.TrackSet) {
	screen, _ := screenOf(local, remote)
	want := map[*media.Track]bool{}
	for _, t := range []*media.Track{local.Camera, remote.Camera, screen} {
		if t != nil {
			want[t] = true
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.sinks {
		if !want[s.Track()] {
			s.Close()
			delete(p.sinks, id)
		}
	}
	sink := func(t *media.Track) *VideoSink {
		if t == nil {
			return nil
		}
		if s, ok := p.sinks[t.ID()]; ok {
			return s
		}
		s := BindVideo(t)
		p.sinks[t.ID()] = s
		return s
	}
	p.roles = Sources{LocalCamera: sink(local.Camera), RemoteCamera: sink(remote.Camera), Screen: sink(screen)}
}

func (p *pipeline) sources() Sources {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roles
}

func (p *pipeline) connectAudio(local, remote media.TrackSet) {
	_, screenAudio := screenOf(local, remote)
	want := map[string]bool{}
	for _, in := range []struct {
		t    *media.Track
		gain float64
	}{{local.Microphone, 1}, {remote.Microphone, 1}, {screenAudio, p.cfg.ScreenGain}} {
		if in.t == nil {
			continue
		}
		want[in.t.ID()] = true
		p.mix.Connect(in.t, in.gain)
	}
	for _, n := range p.mix.Nodes() {
		if !want[n.TrackID] {
			p.mix.Disconnect(n.TrackID)
		}
	}
}

func (p *pipeline) bind(local, remote media.TrackSet) {
	p.bindSinks(local, remote)
	p.comp.SetSources(p.sources())
	p.connectAudio(local, remote)
}

func (p *pipeline) start() {
	p.mu.Lock()
	p.accepting = true
	p.mu.Unlock()

	frames, cancelVideo := p.comp.Output().SubscribeVideo(2)
	chunks, cancelAudio := p.mix.Destination().SubscribeAudio(16)
	p.pumps.Add(2)
	go func() {
		defer p.pumps.Done()
		defer cancelVideo()
		logged := false
		for f := range frames {
			if err := p.enc.WriteVideo(f); err != nil && !logged {
				p.logger.Warn("recording encoder rejected video", zap.Error(err))
				logged = true
			}
		}
	}()
	go func() {
		defer p.pumps.Done()
		defer cancelAudio()
		logged := false
		for c := range chunks {
			if err := p.enc.WriteAudio(c); err != nil && !logged {
				p.logger.Warn("recording encoder rejected audio", zap.Error(err))
				logged = true
			}
		}
	}()
	p.mix.Start()
	p.comp.Start()
}

func (p *pipeline) onChunk(b []byte) {
	p.mu.Lock()
	accepting := p.accepting
	p.mu.Unlock()
	if !accepting {
		return
	}
	if err := p.spool.append(b); err != nil {
		p.logger.Warn("spool recording chunk", zap.Error(err))
		return
	}
	p.firstOnce.Do(func() { close(p.firstChunk) })
}

// finish waits briefly for a first chunk, stops frame production, flushes the encoder and
// finalizes the spool.
func (p *pipeline) finish(ctx context.Context) (*Artifact, error) {
	select {
	case <-p.firstChunk:
	case <-time.After(p.cfg.Timeslice*5 + time.Second):
	case <-ctx.Done():
	}
	p.comp.Stop()
	p.mix.Stop()
	p.pumps.Wait()
	err := p.enc.Close()
	p.mu.Lock()
	p.accepting = false
	p.mu.Unlock()
	p.closeSinks()

	art, ferr := p.spool.finalize(p.cfg.Codec)
	if ferr != nil {
		return nil, multierr.Append(err, ferr)
	}
	if err != nil && art != nil {
		p.logger.Warn("recording encoder exit", zap.Error(err))
	}
	return art, nil
}

func (p *pipeline) closeSinks() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.sinks {
		s.Close()
		delete(p.sinks, id)
	}
}

// release frees whatever a failed build acquired.
func (p *pipeline) release() {
	p.closeSinks()
	if p.mix != nil {
		p.mix.Stop()
	}
	if p.comp != nil {
		p.comp.Stop()
	}
	if p.enc != nil {
		if err := p.enc.Close(); err != nil {
			p.logger.Debug("close unused recording encoder", zap.Error(err))
		}
	}
	if p.spool != nil {
		p.spool.discard()
	}
}
