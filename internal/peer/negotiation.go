package peer

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// CreateOffer creates, applies and sends an offer. An empty target broadcasts. Offers are only
// made from the stable state.
func (m *Manager) CreateOffer(target string) error {
	m.mu.Lock()
	if m.pc == nil {
		m.mu.Unlock()
		return ErrNoConnection
	}
	if st := m.pc.SignalingState(); st != webrtc.SignalingStateStable {
		m.mu.Unlock()
		m.logger.Debug("offer skipped", zap.String("signaling_state", st.String()))
		return ErrNotStable
	}
	if target != "" {
		m.remotePeer = target
	}
	offer, err := m.localOfferLocked(nil)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.logger.Info("sending offer", zap.String("target", target))
	return m.signaler.SendOffer(offer, target)
}

func (m *Manager) localOfferLocked(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	offer, err := m.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// HandleOffer applies a remote offer and answers it. A repeat of an already applied offer is a
// no-op unless it carries new ICE credentials. On glare the peer with the lower ID yields by
// replacing its connection, the other re-sends its own pending offer.
func (m *Manager) HandleOffer(from string, offer webrtc.SessionDescription) error {
	m.mu.Lock()
	if m.pc == nil {
		m.mu.Unlock()
		return ErrNoConnection
	}
	if rd := m.pc.RemoteDescription(); rd != nil {
		if rd.SDP == offer.SDP || iceUfrag(rd.SDP) == iceUfrag(offer.SDP) {
			m.mu.Unlock()
			m.logger.Debug("duplicate offer ignored", zap.String("from", from))
			return nil
		}
		m.logger.Info("ice restart offer", zap.String("from", from))
	}

	switch m.pc.SignalingState() {
	case webrtc.SignalingStateStable:
	case webrtc.SignalingStateHaveLocalOffer:
		if m.localID == "" || m.localID > from {
			local := m.pc.LocalDescription()
			m.mu.Unlock()
			m.logger.Info("offer glare, keeping local offer", zap.String("from", from))
			if local == nil {
				return nil
			}
			return m.signaler.SendOffer(*local, from)
		}
		m.logger.Info("offer glare, yielding", zap.String("from", from))
		pending := m.pending
		old := m.detachLocked()
		if err := m.openLocked(); err != nil {
			m.mu.Unlock()
			_ = old.close()
			return err
		}
		m.pending = pending
		defer func() { _ = old.close() }()
	default:
		st := m.pc.SignalingState()
		m.mu.Unlock()
		m.logger.Debug("offer ignored", zap.String("signaling_state", st.String()))
		return nil
	}

	m.remotePeer = from
	if err := m.pc.SetRemoteDescription(offer); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("set remote offer: %w", err)
	}
	m.flushPendingLocked()
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("set local answer: %w", err)
	}
	m.mu.Unlock()
	m.logger.Info("sending answer", zap.String("target", from))
	return m.signaler.SendAnswer(answer, from)
}

// HandleAnswer applies an answer when an offer is outstanding. Answers in any other state are
// duplicates and are ignored.
func (m *Manager) HandleAnswer(from string, answer webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil {
		return ErrNoConnection
	}
	if st := m.pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		m.logger.Debug("answer ignored", zap.String("from", from), zap.String("signaling_state", st.String()))
		return nil
	}
	if err := m.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	m.remotePeer = from
	m.flushPendingLocked()
	return nil
}

// HandleCandidate adds a remote ICE candidate, queueing it until a remote description exists.
func (m *Manager) HandleCandidate(from string, c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil {
		return ErrNoConnection
	}
	if m.remotePeer != "" && from != "" && from != m.remotePeer {
		m.logger.Debug("candidate from other peer ignored", zap.String("from", from))
		return nil
	}
	if m.pc.RemoteDescription() == nil {
		m.pending = append(m.pending, c)
		return nil
	}
	if err := m.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// PendingCandidates reports how many remote candidates wait for a remote description.
func (m *Manager) PendingCandidates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) flushPendingLocked() {
	for _, c := range m.pending {
		if err := m.pc.AddICECandidate(c); err != nil {
			m.logger.Debug("add queued candidate", zap.Error(err))
		}
	}
	m.pending = nil
}

// restartICE sends one ICE-restart offer per round after ICE failure.
func (m *Manager) restartICE(round uint64) {
	m.mu.Lock()
	if m.round.Load() != round || m.pc == nil || m.restarted {
		m.mu.Unlock()
		return
	}
	m.restarted = true
	if m.pc.SignalingState() != webrtc.SignalingStateStable {
		m.mu.Unlock()
		m.logger.Warn("ice failed during negotiation, no restart")
		return
	}
	offer, err := m.localOfferLocked(&webrtc.OfferOptions{ICERestart: true})
	target := m.remotePeer
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("ice restart", zap.Error(err))
		return
	}
	m.logger.Info("ice restart", zap.String("target", target))
	if err := m.signaler.SendOffer(offer, target); err != nil {
		m.logger.Warn("send ice restart offer", zap.Error(err))
	}
}

func iceUfrag(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "a=ice-ufrag:"); ok {
			return v
		}
	}
	return ""
}
