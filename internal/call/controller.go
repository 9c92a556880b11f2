// Package call runs one participant's side of a two-party call: it joins the meeting, drives peer
// negotiation from signaling events, applies user actions and decides when to record.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/lifecycle"
	"github.com/aura-webinar/coachcall/internal/media"
	"github.com/aura-webinar/coachcall/internal/peer"
	"github.com/aura-webinar/coachcall/internal/recorder"
	"github.com/aura-webinar/coachcall/internal/signaling"
)

// ErrEnded is returned by actions issued after the call ended.
var ErrEnded = errors.New("call: ended")

const (
	eventBuffer     = 256
	teardownTimeout = 10 * time.Second
)

// Signaling is the meeting channel the controller drives.
type Signaling interface {
	peer.Signaler
	Events() <-chan signaling.Event
	Join(userID string) error
	// Close sends leave and disconnects.
	Close() error
}

// Dialer opens the signaling channel for a meeting.
type Dialer func(ctx context.Context, meetingID string) (Signaling, error)

// Config configures a Controller.
type Config struct {
	MeetingID   string
	SessionID   string
	UserID      string
	Devices     media.Devices
	Constraints media.Constraints
	Display     media.DisplayOptions
	Dial        Dialer

	// Peer and Recorder are templates; the controller sets their callbacks.
	Peer      peer.Config
	Recorder  recorder.Config
	StatusAPI lifecycle.StatusUpdater

	AutoStartDelay     time.Duration
	FallbackOfferDelay time.Duration

	OnEndCall     func()
	OnStateChange func(State)
	Logger        *zap.Logger
}

// State is what a presentation layer renders.
type State struct {
	Connected      bool
	VideoEnabled   bool
	AudioEnabled   bool
	ScreenSharing  bool
	RecordingState recorder.State
	RecordingURL   string
	RecordingError string
	Role           lifecycle.Role
}

// Result summarises a finished call.
type Result struct {
	RecordingState recorder.State
	RecordingURL   string
	UploadErr      error
}

// Controller owns one call session. Signaling events, pion callbacks, timers and user actions
// are serialised on a single event loop goroutine; fields below the loop marker belong to it.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	events   chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	joined   atomic.Bool
	started  atomic.Bool
	endOnce  sync.Once
	result   Result
	endErr   error
	ended    chan struct{}

	mu    sync.Mutex
	state State

	// loop
	sig         Signaling
	pm          *peer.Manager
	rec         *recorder.Recorder
	coord       *lifecycle.Coordinator
	local       media.TrackSet
	remote      media.Snapshot
	remoteSeen  bool
	recStarting bool
	recStarted  bool
	recStarts   sync.WaitGroup
	timers      []*time.Timer
}

// New validates cfg and returns an idle controller.
func New(cfg Config) (*Controller, error) {
	if cfg.MeetingID == "" {
		return nil, errors.New("call: meeting id required")
	}
	if cfg.Devices == nil || cfg.Dial == nil {
		return nil, errors.New("call: devices and dialer required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.AutoStartDelay <= 0 {
		cfg.AutoStartDelay = time.Second
	}
	if cfg.FallbackOfferDelay <= 0 {
		cfg.FallbackOfferDelay = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("meeting_id", cfg.MeetingID)),
		events:   make(chan func(), eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		ended:    make(chan struct{}),
		state:    State{RecordingState: recorder.StateIdle},
	}, nil
}

// Join acquires the camera and microphone, connects to the meeting and starts the event loop.
// Device errors are returned before any network activity and leave no track running.
func (c *Controller) Join(ctx context.Context) error {
	if !c.joined.CompareAndSwap(false, true) {
		return errors.New("call: already joined")
	}
	select {
	case <-c.ended:
		return ErrEnded
	default:
	}
	local, err := media.AcquireLocalMedia(ctx, c.cfg.Devices, c.cfg.Constraints)
	if err != nil {
		c.joined.Store(false)
		return err
	}
	sig, err := c.cfg.Dial(ctx, c.cfg.MeetingID)
	if err != nil {
		local.Stop()
		c.joined.Store(false)
		return fmt.Errorf("connect signaling: %w", err)
	}

	pcfg := c.cfg.Peer
	pcfg.Logger = c.logger
	pcfg.Dispatch = func(fn func()) { c.post(fn) }
	pcfg.OnConnectionState = c.onConnectionState
	pcfg.OnRemoteStream = c.onRemoteStream
	pm, err := peer.NewManager(pcfg, sig)
	if err != nil {
		local.Stop()
		c.joined.Store(false)
		return multierr.Append(fmt.Errorf("create peer manager: %w", err), sig.Close())
	}

	rcfg := c.cfg.Recorder
	rcfg.SessionID = c.cfg.SessionID
	rcfg.Logger = c.logger.Named("recorder")
	rcfg.OnStateChange = func(recorder.State) { c.post(c.refreshRecording) }
	if rcfg.Name == "" {
		rcfg.Name = "call-" + c.cfg.MeetingID
	}

	if c.ctx.Err() != nil {
		local.Stop()
		return multierr.Append(ErrEnded, multierr.Append(pm.Close(), sig.Close()))
	}
	c.sig, c.pm, c.local = sig, pm, local
	c.rec = recorder.New(rcfg)
	c.coord = lifecycle.New(c.cfg.SessionID, c.cfg.StatusAPI, c.logger.Named("lifecycle"))
	c.started.Store(true)
	c.update(func(s *State) {
		s.VideoEnabled = local.Camera != nil && local.Camera.Enabled()
		s.AudioEnabled = local.Microphone != nil && local.Microphone.Enabled()
	})

	go c.loop(sig.Events())
	if err := sig.Join(c.cfg.UserID); err != nil {
		_, endErr := c.End(context.Background())
		return multierr.Append(fmt.Errorf("join meeting: %w", err), endErr)
	}
	c.logger.Info("joining meeting", zap.String("user_id", c.cfg.UserID), zap.String("session_id", c.cfg.SessionID))
	return nil
}

func (c *Controller) loop(events <-chan signaling.Event) {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.events:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleSignal(ev)
		case <-c.ctx.Done():
			return
		}
	}
}

// post queues fn on the event loop. It reports false once the loop has stopped.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.loopDone:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.loopDone:
		return false
	}
}

// do runs fn on the event loop and waits for its result.
func (c *Controller) do(fn func() error) error {
	if !c.started.Load() {
		return errors.New("call: not joined")
	}
	res := make(chan error, 1)
	if !c.post(func() { res <- fn() }) {
		return ErrEnded
	}
	select {
	case err := <-res:
		return err
	case <-c.loopDone:
		return ErrEnded
	}
}

func (c *Controller) after(d time.Duration, fn func()) {
	c.timers = append(c.timers, time.AfterFunc(d, func() { c.post(fn) }))
}

// State returns the observable call state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the call has been torn down.
func (c *Controller) Done() <-chan struct{} { return c.ended }

func (c *Controller) update(fn func(*State)) {
	c.mu.Lock()
	before := c.state
	fn(&c.state)
	s := c.state
	c.mu.Unlock()
	if s != before && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// End tears the call down: the recording is finalized, the peer connection closed, every local
// track stopped and the meeting left. It is safe to call more than once; later calls return the
// first result.
func (c *Controller) End(ctx context.Context) (Result, error) {
	c.endOnce.Do(func() {
		c.result, c.endErr = c.teardown(ctx)
		close(c.ended)
		if c.cfg.OnEndCall != nil {
			c.cfg.OnEndCall()
		}
	})
	return c.result, c.endErr
}

func (c *Controller) teardown(ctx context.Context) (Result, error) {
	if !c.started.Load() {
		c.cancel()
		return Result{RecordingState: recorder.StateIdle}, nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, teardownTimeout)
		defer cancel()
	}
	c.cancel()
	<-c.loopDone
	for _, t := range c.timers {
		t.Stop()
	}
	c.recStarts.Wait()

	var err error
	if _, stopErr := c.rec.Stop(ctx); stopErr != nil && !errors.Is(stopErr, recorder.ErrNotActive) {
		err = multierr.Append(err, stopErr)
	}
	err = multierr.Append(err, c.pm.Close())
	c.local.Stop()
	c.local = media.TrackSet{}
	err = multierr.Append(err, c.sig.Close())

	c.coord.CallEnded()
	if werr := c.rec.Wait(ctx); werr != nil {
		c.logger.Warn("recording upload still running at teardown", zap.Error(werr))
	}
	if werr := c.coord.Wait(ctx); werr != nil {
		c.logger.Warn("session status push still running at teardown", zap.Error(werr))
	}

	st := c.rec.Status()
	res := Result{RecordingState: st.State, RecordingURL: st.URL, UploadErr: st.UploadErr}
	c.update(func(s *State) { *s = State{RecordingState: recorder.StateIdle} })
	c.logger.Info("call ended", zap.String("recording_state", string(res.RecordingState)), zap.String("recording_url", res.RecordingURL))
	return res, err
}

func (c *Controller) onConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.update(func(st *State) { st.Connected = true })
		c.scheduleAutoStart("connected")
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		c.update(func(st *State) { st.Connected = false })
		if s != webrtc.PeerConnectionStateClosed {
			c.logger.Warn("peer connection lost", zap.String("state", s.String()))
		}
	}
}

func (c *Controller) onRemoteStream(snap media.Snapshot) {
	c.remote = snap
	c.coord.StreamsChanged(c.localReady(), !snap.Empty())
	if snap.Empty() {
		c.remoteSeen = false
	} else if !c.remoteSeen {
		c.remoteSeen = true
		c.scheduleAutoStart("remote stream")
	}
	c.rec.UpdateSources(c.local, snap.Set())
}

func (c *Controller) localReady() bool {
	return c.local.HasVideo() || (c.local.Microphone != nil && !c.local.Microphone.Ended())
}
