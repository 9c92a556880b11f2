// Package peer manages the single WebRTC peer connection of a two-party call: local senders,
// remote stream assembly, offer/answer negotiation and ICE handling.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/media"
)

var (
	ErrClosed       = errors.New("peer: manager closed")
	ErrNoConnection = errors.New("peer: no peer connection")
	ErrNotStable    = errors.New("peer: signaling state is not stable")
)

// Signaler delivers negotiation messages. An empty target broadcasts to the meeting.
type Signaler interface {
	SendOffer(sdp webrtc.SessionDescription, target string) error
	SendAnswer(sdp webrtc.SessionDescription, target string) error
	SendICECandidate(c webrtc.ICECandidateInit, target string) error
}

// Encodings caps outbound bitrate (bits per second) and frame rate per source type.
type Encodings struct {
	VideoMaxBitrate    int
	VideoMaxFramerate  int
	ScreenMaxBitrate   int
	ScreenMaxFramerate int
	AudioMaxBitrate    int
}

// Config configures a Manager.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortMin    uint16
	PortMax    uint16
	Encodings  Encodings
	Sizes      Sizes
	Encoders   EncoderFactory
	Decoders   DecoderFactory

	// Dispatch runs observer callbacks; the call controller passes its event loop here.
	// Callbacks run inline when nil.
	Dispatch          func(func())
	OnConnectionState func(webrtc.PeerConnectionState)
	OnRemoteStream    func(media.Snapshot)

	Logger *zap.Logger
}

// State is the observable negotiation state.
type State struct {
	Signaling            webrtc.SignalingState
	ICEGathering         webrtc.ICEGatheringState
	ICEConnection        webrtc.ICEConnectionState
	Connection           webrtc.PeerConnectionState
	HasLocalDescription  bool
	HasRemoteDescription bool
	RemotePeer           string
}

type sources struct {
	audio, video, screenAudio *media.Track
}

type trackMeta struct {
	Video string `json:"video"`
}

// Manager owns at most one peer connection. Each Open starts a new negotiation round that
// replaces the previous connection; callbacks from older rounds are dropped.
type Manager struct {
	cfg      Config
	api      *webrtc.API
	signaler Signaler
	logger   *zap.Logger
	round    atomic.Uint64

	mu         sync.Mutex
	closed     bool
	localID    string
	pc         *webrtc.PeerConnection
	audio      *Sender
	video      *Sender
	screen     *Sender
	meta       *webrtc.DataChannel
	src        sources
	remotePeer string
	pending    []webrtc.ICECandidateInit
	restarted  bool
	remote     *media.Stream
	receivers  []*receiver
	remoteRole string
}

// NewManager builds the pion API with default codecs and interceptors plus periodic PLI.
func NewManager(cfg Config, signaler Signaler) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Encoders == nil {
		cfg.Encoders = SyntheticEncoders()
	}
	if cfg.Decoders == nil {
		cfg.Decoders = SyntheticDecoders()
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("pli interceptor: %w", err)
	}
	ir.Add(pli)
	se := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax >= cfg.PortMin {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}
	return &Manager{
		cfg:      cfg,
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		signaler: signaler,
		logger:   cfg.Logger,
	}, nil
}

// SetLocalID records the peer ID assigned by the signaling server. It is used as the outbound
// stream ID and to break offer glare.
func (m *Manager) SetLocalID(id string) {
	m.mu.Lock()
	m.localID = id
	m.mu.Unlock()
}

// Open starts a new negotiation round with the given local tracks, replacing any existing
// connection. The screen-share track, when present, feeds the video sender instead of the camera.
func (m *Manager) Open(local media.TrackSet) error {
	video := local.Camera
	if local.ScreenShare != nil && !local.ScreenShare.Ended() {
		video = local.ScreenShare
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.detachLocked()
	m.src = sources{audio: local.Microphone, video: video, screenAudio: local.ScreenAudio}
	err := m.openLocked()
	snap := m.remoteSnapshotLocked()
	m.mu.Unlock()

	closeErr := old.close()
	if old.pc != nil {
		m.notifyRemote(snap)
	}
	if err != nil {
		return err
	}
	if closeErr != nil {
		m.logger.Debug("close previous connection", zap.Error(closeErr))
	}
	return nil
}

func (m *Manager) openLocked() error {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	round := m.round.Add(1)
	m.pc = pc
	m.remote = media.NewStream("remote-" + strconv.FormatUint(round, 10))
	m.remotePeer, m.restarted, m.remoteRole = "", false, ""

	streamID := m.localID
	if streamID == "" {
		streamID = "local"
	}
	if m.audio, err = newSender(media.KindAudio, pc, "audio", streamID, m.cfg.Encoders, m.logger); err != nil {
		return m.abortLocked(err)
	}
	if m.video, err = newSender(media.KindVideo, pc, "video", streamID, m.cfg.Encoders, m.logger); err != nil {
		return m.abortLocked(err)
	}
	if m.screen, err = newSender(media.KindAudio, pc, "screen-audio", streamID+"-screen", m.cfg.Encoders, m.logger); err != nil {
		return m.abortLocked(err)
	}
	negotiated, id := true, uint16(0)
	if m.meta, err = pc.CreateDataChannel("meta", &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &id}); err != nil {
		return m.abortLocked(fmt.Errorf("meta channel: %w", err))
	}
	m.register(pc, m.meta, round)

	for _, s := range []struct {
		sender *Sender
		track  *media.Track
	}{{m.audio, m.src.audio}, {m.video, m.src.video}, {m.screen, m.src.screenAudio}} {
		if s.track == nil {
			continue
		}
		if err := s.sender.ReplaceTrack(s.track, m.paramsFor(s.track)); err != nil {
			return m.abortLocked(err)
		}
	}
	m.logger.Debug("peer connection opened", zap.Uint64("round", round))
	return nil
}

func (m *Manager) abortLocked(err error) error {
	old := m.detachLocked()
	if cerr := old.close(); cerr != nil {
		m.logger.Debug("close after failed open", zap.Error(cerr))
	}
	return err
}

func (m *Manager) register(pc *webrtc.PeerConnection, meta *webrtc.DataChannel, round uint64) {
	current := func() bool { return m.round.Load() == round }

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !current() {
			return
		}
		m.mu.Lock()
		target := m.remotePeer
		m.mu.Unlock()
		if err := m.signaler.SendICECandidate(c.ToJSON(), target); err != nil {
			m.logger.Debug("send ice candidate", zap.Error(err))
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if !current() {
			return
		}
		m.logger.Debug("ice connection state", zap.String("state", s.String()))
		if s == webrtc.ICEConnectionStateFailed {
			go m.restartICE(round)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if !current() {
			return
		}
		m.logger.Info("peer connection state", zap.String("state", s.String()))
		if s == webrtc.PeerConnectionStateConnected {
			go m.applyEncodings(round)
		}
		if fn := m.cfg.OnConnectionState; fn != nil {
			m.dispatch(func() { fn(s) })
		}
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.addRemoteTrack(round, t)
	})
	meta.OnOpen(func() {
		if current() {
			m.sendMeta()
		}
	})
	meta.OnMessage(func(msg webrtc.DataChannelMessage) {
		var tm trackMeta
		if !current() || json.Unmarshal(msg.Data, &tm) != nil {
			return
		}
		m.applyRemoteRole(round, tm.Video)
	})
}

func (m *Manager) dispatch(fn func()) {
	if m.cfg.Dispatch != nil {
		m.cfg.Dispatch(fn)
		return
	}
	fn()
}

func (m *Manager) notifyRemote(snap media.Snapshot) {
	if fn := m.cfg.OnRemoteStream; fn != nil {
		m.dispatch(func() { fn(snap) })
	}
}

func (m *Manager) paramsFor(t *media.Track) EncoderParams {
	e := m.cfg.Encodings
	switch {
	case t.Kind() == media.KindAudio:
		return EncoderParams{Bitrate: e.AudioMaxBitrate}
	case t.IsScreenShare():
		return EncoderParams{Bitrate: e.ScreenMaxBitrate, FrameRate: e.ScreenMaxFramerate}
	default:
		return EncoderParams{Bitrate: e.VideoMaxBitrate, FrameRate: e.VideoMaxFramerate}
	}
}

// applyEncodings enforces the per-source caps once the connection is up.
func (m *Manager) applyEncodings(round uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.round.Load() != round {
		return
	}
	for _, s := range []*Sender{m.audio, m.video, m.screen} {
		if s == nil || s.Source() == nil {
			continue
		}
		p := m.paramsFor(s.Source())
		if err := s.ApplyEncoding(p.Bitrate, p.FrameRate); err != nil {
			m.logger.Warn("apply encoding", zap.String("kind", s.Kind().String()), zap.Error(err))
		}
	}
}

// ReplaceVideo swaps the outbound video source on the existing sender without renegotiation
// and announces the new role to the remote.
func (m *Manager) ReplaceVideo(t *media.Track) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.src.video = t
	var err error
	if m.video != nil {
		var p EncoderParams
		if t != nil {
			p = m.paramsFor(t)
		}
		err = m.video.ReplaceTrack(t, p)
	}
	m.mu.Unlock()
	m.sendMeta()
	return err
}

// SetScreenAudio feeds the dedicated screen-audio sender; nil stops it.
func (m *Manager) SetScreenAudio(t *media.Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.src.screenAudio = t
	if m.screen == nil {
		return nil
	}
	var p EncoderParams
	if t != nil {
		p = m.paramsFor(t)
	}
	return m.screen.ReplaceTrack(t, p)
}

// VideoSource returns the track feeding the outbound video sender.
func (m *Manager) VideoSource() *media.Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.src.video
}

func (m *Manager) sendMeta() {
	m.mu.Lock()
	dc := m.meta
	role := roleCamera
	if m.src.video != nil && m.src.video.IsScreenShare() {
		role = roleScreen
	}
	m.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	data, _ := json.Marshal(trackMeta{Video: role})
	if err := dc.Send(data); err != nil {
		m.logger.Debug("send track meta", zap.Error(err))
	}
}

func (m *Manager) addRemoteTrack(round uint64, t *webrtc.TrackRemote) {
	m.mu.Lock()
	if m.round.Load() != round || m.remote == nil {
		m.mu.Unlock()
		return
	}
	r, err := newReceiver(t, m.cfg.Decoders, m.cfg.Sizes, m.logger)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("start decoder", zap.String("track", t.ID()), zap.String("codec", t.Codec().MimeType), zap.Error(err))
		return
	}
	if t.Kind() == webrtc.RTPCodecTypeVideo && m.remoteRole != "" {
		if _, _, err := r.setRole(m.remoteRole); err != nil {
			m.logger.Debug("apply remote role", zap.Error(err))
		}
	}
	m.receivers = append(m.receivers, r)
	snap, _ := m.remote.AddTrack(r.Track())
	m.mu.Unlock()

	m.logger.Info("remote track",
		zap.String("kind", t.Kind().String()),
		zap.String("role", r.Role()),
		zap.String("codec", t.Codec().MimeType))
	m.notifyRemote(snap)
}

func (m *Manager) applyRemoteRole(round uint64, role string) {
	if role != roleCamera && role != roleScreen {
		return
	}
	m.mu.Lock()
	if m.round.Load() != round {
		m.mu.Unlock()
		return
	}
	m.remoteRole = role
	var snap media.Snapshot
	changed := false
	for _, r := range m.receivers {
		if r.Kind() != media.KindVideo {
			continue
		}
		old, cur, err := r.setRole(role)
		if err != nil {
			m.logger.Warn("switch remote video", zap.String("role", role), zap.Error(err))
			continue
		}
		if old == nil {
			continue
		}
		m.remote.RemoveTrack(old.ID())
		old.Stop()
		snap, _ = m.remote.AddTrack(cur)
		changed = true
	}
	m.mu.Unlock()
	if changed {
		m.notifyRemote(snap)
	}
}

// RemoteStream returns the current remote stream snapshot.
func (m *Manager) RemoteStream() media.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteSnapshotLocked()
}

func (m *Manager) remoteSnapshotLocked() media.Snapshot {
	if m.remote == nil {
		return media.Snapshot{}
	}
	return m.remote.Snapshot()
}

// State reports the negotiation state of the current connection.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil {
		return State{Signaling: webrtc.SignalingStateClosed, Connection: webrtc.PeerConnectionStateClosed}
	}
	return State{
		Signaling:            m.pc.SignalingState(),
		ICEGathering:         m.pc.ICEGatheringState(),
		ICEConnection:        m.pc.ICEConnectionState(),
		Connection:           m.pc.ConnectionState(),
		HasLocalDescription:  m.pc.LocalDescription() != nil,
		HasRemoteDescription: m.pc.RemoteDescription() != nil,
		RemotePeer:           m.remotePeer,
	}
}

// HasLocalDescription reports whether this round already produced an offer or answer.
func (m *Manager) HasLocalDescription() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc != nil && m.pc.LocalDescription() != nil
}

// Close tears down the connection, senders and remote tracks. Local source tracks are not stopped.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	old := m.detachLocked()
	m.src = sources{}
	m.mu.Unlock()
	return old.close()
}

type detached struct {
	pc        *webrtc.PeerConnection
	senders   []*Sender
	receivers []*receiver
}

func (m *Manager) detachLocked() detached {
	d := detached{pc: m.pc, receivers: m.receivers}
	for _, s := range []*Sender{m.audio, m.video, m.screen} {
		if s != nil {
			d.senders = append(d.senders, s)
		}
	}
	m.round.Add(1)
	m.pc, m.audio, m.video, m.screen, m.meta = nil, nil, nil, nil, nil
	m.receivers, m.pending = nil, nil
	m.remote = nil
	return d
}

func (d detached) close() error {
	var err error
	for _, s := range d.senders {
		err = multierr.Append(err, s.Close())
	}
	if d.pc != nil {
		err = multierr.Append(err, d.pc.Close())
	}
	for _, r := range d.receivers {
		r.close()
	}
	return err
}
