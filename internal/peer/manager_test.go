package peer

import (
	"context"
	"image"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/coachcall/internal/media"
)

type sentMessage struct {
	event     string
	sdp       webrtc.SessionDescription
	candidate webrtc.ICECandidateInit
	target    string
}

type recordingSignaler struct {
	mu   sync.Mutex
	msgs []sentMessage
}

func (r *recordingSignaler) add(m sentMessage) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recordingSignaler) SendOffer(sdp webrtc.SessionDescription, target string) error {
	return r.add(sentMessage{event: "offer", sdp: sdp, target: target})
}

func (r *recordingSignaler) SendAnswer(sdp webrtc.SessionDescription, target string) error {
	return r.add(sentMessage{event: "answer", sdp: sdp, target: target})
}

func (r *recordingSignaler) SendICECandidate(c webrtc.ICECandidateInit, target string) error {
	return r.add(sentMessage{event: "ice_candidate", candidate: c, target: target})
}

func (r *recordingSignaler) of(event string) []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentMessage
	for _, m := range r.msgs {
		if m.event == event {
			out = append(out, m)
		}
	}
	return out
}

func newTestManager(t *testing.T, id string, cfg Config) (*Manager, *recordingSignaler) {
	t.Helper()
	sig := &recordingSignaler{}
	m, err := NewManager(cfg, sig)
	require.NoError(t, err)
	m.SetLocalID(id)
	require.NoError(t, m.Open(media.TrackSet{}))
	t.Cleanup(func() { _ = m.Close() })
	return m, sig
}

func remoteSDP(m *Manager) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rd := m.pc.RemoteDescription(); rd != nil {
		return rd.SDP
	}
	return ""
}

func TestCreateOfferRequiresStableState(t *testing.T) {
	a, sig := newTestManager(t, "a", Config{})

	require.NoError(t, a.CreateOffer("b"))
	assert.ErrorIs(t, a.CreateOffer("b"), ErrNotStable)
	assert.Len(t, sig.of("offer"), 1)
	assert.Equal(t, "b", sig.of("offer")[0].target)
	assert.True(t, a.HasLocalDescription())
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, a.State().Signaling)
}

func TestDuplicateOfferIsNoop(t *testing.T) {
	a, sigA := newTestManager(t, "a", Config{})
	b, sigB := newTestManager(t, "b", Config{})

	require.NoError(t, a.CreateOffer(""))
	offer := sigA.of("offer")[0].sdp

	require.NoError(t, b.HandleOffer("a", offer))
	before, beforeSDP := b.State(), remoteSDP(b)
	require.NotEmpty(t, beforeSDP)

	require.NoError(t, b.HandleOffer("a", offer))
	after := b.State()
	assert.Equal(t, before.Signaling, after.Signaling)
	assert.Equal(t, before.HasRemoteDescription, after.HasRemoteDescription)
	assert.Equal(t, before.RemotePeer, after.RemotePeer)
	assert.Equal(t, beforeSDP, remoteSDP(b), "the duplicate leaves the remote description untouched")
	answers := sigB.of("answer")
	require.Len(t, answers, 1)
	assert.Equal(t, "a", answers[0].target)
	assert.Equal(t, webrtc.SignalingStateStable, b.State().Signaling)

	require.NoError(t, a.HandleAnswer("b", answers[0].sdp))
	require.NoError(t, a.HandleAnswer("b", answers[0].sdp), "a repeated answer is ignored")
	assert.Equal(t, webrtc.SignalingStateStable, a.State().Signaling)
	assert.Equal(t, "b", a.State().RemotePeer)
}

func TestCandidatesQueueUntilRemoteDescription(t *testing.T) {
	a, sigA := newTestManager(t, "a", Config{})
	b, _ := newTestManager(t, "b", Config{})

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.10 50000 typ host"}
	require.NoError(t, b.HandleCandidate("a", cand))
	assert.Equal(t, 1, b.PendingCandidates())

	require.NoError(t, a.CreateOffer(""))
	require.NoError(t, b.HandleOffer("a", sigA.of("offer")[0].sdp))
	assert.Equal(t, 0, b.PendingCandidates())
}

func TestOfferGlare(t *testing.T) {
	a, sigA := newTestManager(t, "a", Config{})
	b, sigB := newTestManager(t, "b", Config{})

	require.NoError(t, a.CreateOffer("b"))
	require.NoError(t, b.CreateOffer("a"))
	offerA := sigA.of("offer")[0].sdp
	offerB := sigB.of("offer")[0].sdp

	// b has the higher ID and keeps its offer, re-sending it to a.
	require.NoError(t, b.HandleOffer("a", offerA))
	assert.Len(t, sigB.of("answer"), 0)
	require.Len(t, sigB.of("offer"), 2)
	assert.Equal(t, "a", sigB.of("offer")[1].target)

	// a yields: its connection is replaced and b's offer answered.
	require.NoError(t, a.HandleOffer("b", offerB))
	answers := sigA.of("answer")
	require.Len(t, answers, 1)
	assert.Equal(t, "b", answers[0].target)
	assert.Equal(t, webrtc.SignalingStateStable, a.State().Signaling)

	require.NoError(t, b.HandleAnswer("a", answers[0].sdp))
	assert.Equal(t, webrtc.SignalingStateStable, b.State().Signaling)

	// the re-sent copy of b's offer is now a duplicate for a.
	require.NoError(t, a.HandleOffer("b", sigB.of("offer")[1].sdp))
	assert.Len(t, sigA.of("answer"), 1)
}

func TestICERestartOfferIsAppliedOnce(t *testing.T) {
	a, sigA := newTestManager(t, "a", Config{})
	b, sigB := newTestManager(t, "b", Config{})

	require.NoError(t, a.CreateOffer("b"))
	require.NoError(t, b.HandleOffer("a", sigA.of("offer")[0].sdp))
	require.NoError(t, a.HandleAnswer("b", sigB.of("answer")[0].sdp))

	round := a.round.Load()
	a.restartICE(round)
	a.restartICE(round)
	offers := sigA.of("offer")
	require.Len(t, offers, 2, "one restart per round")
	assert.NotEqual(t, iceUfrag(offers[0].sdp.SDP), iceUfrag(offers[1].sdp.SDP))

	require.NoError(t, b.HandleOffer("a", offers[1].sdp))
	assert.Len(t, sigB.of("answer"), 2, "new ICE credentials are negotiated")
}

func TestOpenReplacesConnection(t *testing.T) {
	a, sig := newTestManager(t, "a", Config{})
	require.NoError(t, a.CreateOffer(""))
	require.True(t, a.HasLocalDescription())

	require.NoError(t, a.Open(media.TrackSet{}))
	assert.False(t, a.HasLocalDescription())
	assert.Equal(t, webrtc.SignalingStateStable, a.State().Signaling)
	require.NoError(t, a.CreateOffer(""))
	assert.Len(t, sig.of("offer"), 2)
}

func TestCloseIsIdempotent(t *testing.T) {
	a, _ := newTestManager(t, "a", Config{})
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Open(media.TrackSet{}), ErrClosed)
	assert.ErrorIs(t, a.CreateOffer(""), ErrNoConnection)
}

func TestIceUfrag(t *testing.T) {
	sdp := "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\na=ice-ufrag:abcd\r\na=ice-pwd:xyz\r\n"
	assert.Equal(t, "abcd", iceUfrag(sdp))
	assert.Equal(t, "", iceUfrag("v=0\r\n"))
}

// wire delivers one side's signaling to the other in order, like the relay would.
type wire struct {
	from string
	to   func() *Manager
	ch   chan func(*Manager)
}

func newWire(from string, to func() *Manager) *wire {
	w := &wire{from: from, to: to, ch: make(chan func(*Manager), 256)}
	go func() {
		for fn := range w.ch {
			fn(w.to())
		}
	}()
	return w
}

func (w *wire) SendOffer(sdp webrtc.SessionDescription, _ string) error {
	w.ch <- func(m *Manager) { _ = m.HandleOffer(w.from, sdp) }
	return nil
}

func (w *wire) SendAnswer(sdp webrtc.SessionDescription, _ string) error {
	w.ch <- func(m *Manager) { _ = m.HandleAnswer(w.from, sdp) }
	return nil
}

func (w *wire) SendICECandidate(c webrtc.ICECandidateInit, _ string) error {
	w.ch <- func(m *Manager) { _ = m.HandleCandidate(w.from, c) }
	return nil
}

func hasHostAddress() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return true
		}
	}
	return false
}

func TestTwoPartyMediaFlow(t *testing.T) {
	if !hasHostAddress() {
		t.Skip("no non-loopback interface for ICE host candidates")
	}
	var (
		a, b      *Manager
		connected = make(chan string, 4)
		mu        sync.Mutex
		remoteB   media.Snapshot
	)
	sizes := Sizes{Camera: image.Pt(320, 180)}
	cfgA := Config{Sizes: sizes, OnConnectionState: func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			connected <- "a"
		}
	}}
	cfgB := Config{Sizes: sizes,
		OnConnectionState: func(s webrtc.PeerConnectionState) {
			if s == webrtc.PeerConnectionStateConnected {
				connected <- "b"
			}
		},
		OnRemoteStream: func(s media.Snapshot) {
			mu.Lock()
			remoteB = s
			mu.Unlock()
		},
	}

	var err error
	a, err = NewManager(cfgA, newWire("a", func() *Manager { return b }))
	require.NoError(t, err)
	b, err = NewManager(cfgB, newWire("b", func() *Manager { return a }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	a.SetLocalID("a")
	b.SetLocalID("b")

	devices := media.NewTestPatternDevices()
	tracks, err := media.AcquireLocalMedia(context.Background(), devices, media.Constraints{
		Video: &media.VideoConstraints{}, Audio: &media.AudioConstraints{},
	})
	require.NoError(t, err)
	t.Cleanup(tracks.Stop)

	require.NoError(t, a.Open(tracks))
	require.NoError(t, b.Open(media.TrackSet{}))
	require.NoError(t, a.CreateOffer("b"))

	deadline := time.After(20 * time.Second)
	for seen := map[string]bool{}; len(seen) < 2; {
		select {
		case who := <-connected:
			seen[who] = true
		case <-deadline:
			t.Fatal("peers did not connect")
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		set := remoteB.Set()
		return set.Camera != nil && set.Microphone != nil
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	cam := remoteB.Set().Camera
	mu.Unlock()
	frames, cancel := cam.SubscribeVideo(1)
	defer cancel()
	select {
	case f := <-frames:
		assert.Equal(t, sizes.Camera, f.Size())
	case <-time.After(5 * time.Second):
		t.Fatal("no remote video frame decoded")
	}
	assert.Equal(t, webrtc.PeerConnectionStateConnected, a.State().Connection)
}
