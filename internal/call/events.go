package call

import (
	"context"

	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/media"
	"github.com/aura-webinar/coachcall/internal/signaling"
)

func (c *Controller) handleSignal(ev signaling.Event) {
	switch ev.Type {
	case signaling.EventJoined:
		if ev.Joined != nil {
			c.onJoined(*ev.Joined)
		}
	case signaling.EventPeerJoined:
		if ev.Peer != nil {
			c.onPeerJoined(*ev.Peer)
		}
	case signaling.EventPeerLeft:
		if ev.Peer != nil {
			c.onPeerLeft(*ev.Peer)
		}
	case signaling.EventOffer:
		if d := ev.Description; d != nil {
			c.coord.PeerJoined()
			if err := c.pm.HandleOffer(d.From, d.SDP); err != nil {
				c.logger.Debug("handle offer", zap.String("from", d.From), zap.Error(err))
			}
		}
	case signaling.EventAnswer:
		if d := ev.Description; d != nil {
			if err := c.pm.HandleAnswer(d.From, d.SDP); err != nil {
				c.logger.Debug("handle answer", zap.String("from", d.From), zap.Error(err))
			}
		}
	case signaling.EventICECandidate:
		if cand := ev.Candidate; cand != nil {
			if err := c.pm.HandleCandidate(cand.From, cand.Candidate); err != nil {
				c.logger.Debug("handle ice candidate", zap.String("from", cand.From), zap.Error(err))
			}
		}
	case signaling.EventError:
		if ev.Error != nil {
			c.logger.Warn("signaling error", zap.String("message", ev.Error.Message))
		}
	case signaling.EventDisconnect:
		c.logger.Warn("signaling disconnected, ending call")
		go func() {
			if _, err := c.End(context.Background()); err != nil {
				c.logger.Warn("teardown after disconnect", zap.Error(err))
			}
		}()
	}
}

// onJoined opens the first negotiation round. A peer that finds others present offers at once;
// a lone peer waits for peer_joined and falls back to a broadcast offer after a grace delay.
func (c *Controller) onJoined(p signaling.JoinedPayload) {
	c.pm.SetLocalID(p.PeerID)
	role := c.coord.Joined(len(p.Others))
	c.update(func(s *State) { s.Role = role })
	c.logger.Info("joined meeting", zap.String("peer_id", p.PeerID), zap.Int("others", len(p.Others)), zap.String("role", string(role)))

	if err := c.pm.Open(c.local); err != nil {
		c.logger.Error("open peer connection", zap.Error(err))
		return
	}
	if len(p.Others) > 0 {
		if err := c.pm.CreateOffer(""); err != nil {
			c.logger.Warn("create offer", zap.Error(err))
		}
		return
	}
	c.after(c.cfg.FallbackOfferDelay, func() {
		if c.pm.HasLocalDescription() || c.pm.State().HasRemoteDescription {
			return
		}
		c.logger.Debug("no negotiation yet, sending fallback offer")
		if err := c.pm.CreateOffer(""); err != nil {
			c.logger.Debug("fallback offer", zap.Error(err))
		}
	})
}

func (c *Controller) onPeerJoined(p signaling.Participant) {
	c.coord.PeerJoined()
	c.logger.Info("peer joined", zap.String("peer_id", p.PeerID), zap.String("user_id", p.UserID))
	if c.pm.HasLocalDescription() {
		return
	}
	if err := c.pm.CreateOffer(p.PeerID); err != nil {
		c.logger.Warn("create offer", zap.String("target", p.PeerID), zap.Error(err))
	}
}

// onPeerLeft drops the remote side and opens a fresh round so a rejoining peer can negotiate.
// The lost connection itself is not recovered.
func (c *Controller) onPeerLeft(p signaling.Participant) {
	remotePeer := c.pm.State().RemotePeer
	if remotePeer != "" && p.PeerID != remotePeer {
		c.logger.Debug("ignoring peer_left for another peer", zap.String("peer_id", p.PeerID))
		return
	}
	c.logger.Info("peer left", zap.String("peer_id", p.PeerID))
	c.update(func(s *State) { s.Connected = false })
	if err := c.pm.Open(c.local); err != nil {
		c.logger.Error("reopen peer connection", zap.Error(err))
	}
	c.onRemoteStream(media.Snapshot{})
}
