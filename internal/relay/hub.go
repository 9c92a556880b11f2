// Package relay implements the meeting signaling relay: peers connect over WebSocket, join a
// meeting and exchange offers, answers and ICE candidates addressed to one peer or broadcast.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/signaling"
)

const presenceTimeout = 3 * time.Second

// SessionLogger records join/leave activity per meeting.
type SessionLogger interface {
	LogJoin(ctx context.Context, meetingID, userID string) error
	LogLeave(ctx context.Context, meetingID, userID string, joinedAt time.Time) error
}

// Hub maintains meeting_id -> set of peers and routes signaling between them.
// With a Bus configured, messages also reach peers connected to other instances.
type Hub struct {
	meetings map[string]map[string]*Peer
	subs     map[string]func()
	locks    map[string]*meetingLock
	mu       sync.RWMutex

	instance string
	logger   *zap.Logger
	bus      Bus
	presence Presence
	sessions SessionLogger
}

// NewHub creates a relay hub. bus and presence may be nil for a single instance.
func NewHub(logger *zap.Logger, bus Bus, presence Presence) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		meetings: make(map[string]map[string]*Peer),
		subs:     make(map[string]func()),
		locks:    make(map[string]*meetingLock),
		instance: uuid.NewString(),
		logger:   logger,
		bus:      bus,
		presence: presence,
	}
	if h.presence == nil {
		h.presence = localPresence{h}
	}
	return h
}

// SetSessionLogger sets the join/leave activity sink.
func (h *Hub) SetSessionLogger(l SessionLogger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions = l
}

// Join registers p and answers with the peers that were present before it, then announces p
// to them. Joins and leaves of one meeting are serialised so two concurrent joiners never both
// see an empty meeting; presence I/O happens outside the hub lock.
func (h *Hub) Join(p *Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	unlock := h.lockMeeting(p.MeetingID)
	others, err := h.presence.List(ctx, p.MeetingID)
	if err != nil {
		h.logger.Warn("presence list failed", zap.String("meeting_id", p.MeetingID), zap.Error(err))
	}
	h.mu.Lock()
	if h.meetings[p.MeetingID] == nil {
		h.meetings[p.MeetingID] = make(map[string]*Peer)
		h.subscribeLocked(p.MeetingID)
	}
	h.meetings[p.MeetingID][p.ID] = p
	sessions := h.sessions
	h.mu.Unlock()
	if err := h.presence.Add(ctx, p.MeetingID, p.Participant()); err != nil {
		h.logger.Warn("presence add failed", zap.String("meeting_id", p.MeetingID), zap.Error(err))
	}
	unlock()

	filtered := others[:0:0]
	for _, o := range others {
		if o.PeerID != p.ID {
			filtered = append(filtered, o)
		}
	}
	p.deliver(signaling.EventJoined, signaling.JoinedPayload{PeerID: p.ID, Others: filtered})
	h.route(p.MeetingID, p.ID, "", signaling.EventPeerJoined, p.Participant())

	if sessions != nil {
		if err := sessions.LogJoin(ctx, p.MeetingID, p.UserID); err != nil {
			h.logger.Warn("log join failed", zap.Error(err))
		}
	}
	h.logger.Debug("peer joined meeting", zap.String("peer_id", p.ID), zap.String("meeting_id", p.MeetingID), zap.Int("others", len(filtered)))
}

// Leave unregisters p and announces its departure. Safe to call for a peer that never joined.
func (h *Hub) Leave(p *Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	unlock := h.lockMeeting(p.MeetingID)
	h.mu.Lock()
	m, ok := h.meetings[p.MeetingID]
	if !ok || m[p.ID] != p {
		h.mu.Unlock()
		unlock()
		return
	}
	delete(m, p.ID)
	if len(m) == 0 {
		delete(h.meetings, p.MeetingID)
		if cancelSub, ok := h.subs[p.MeetingID]; ok {
			cancelSub()
			delete(h.subs, p.MeetingID)
		}
	}
	sessions := h.sessions
	h.mu.Unlock()
	if err := h.presence.Remove(ctx, p.MeetingID, p.ID); err != nil {
		h.logger.Warn("presence remove failed", zap.String("meeting_id", p.MeetingID), zap.Error(err))
	}
	unlock()

	h.route(p.MeetingID, p.ID, "", signaling.EventPeerLeft, signaling.Participant{PeerID: p.ID, UserID: p.UserID})
	if sessions != nil {
		if err := sessions.LogLeave(ctx, p.MeetingID, p.UserID, p.JoinedAt); err != nil {
			h.logger.Warn("log leave failed", zap.Error(err))
		}
	}
	h.logger.Debug("peer left meeting", zap.String("peer_id", p.ID), zap.String("meeting_id", p.MeetingID))
}

// Forward relays an offer/answer/candidate from one peer to target, or to every other peer
// when target is empty.
func (h *Hub) Forward(meetingID, from, target, event string, payload interface{}) {
	h.route(meetingID, from, target, event, payload)
}

// ParticipantCount returns the number of peers connected to this instance for a meeting.
func (h *Hub) ParticipantCount(meetingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.meetings[meetingID])
}

func (h *Hub) route(meetingID, from, target, event string, payload interface{}) {
	msg, err := signaling.NewMessage(event, payload)
	if err != nil {
		h.logger.Warn("encode relay message failed", zap.String("event", event), zap.Error(err))
		return
	}
	env := Envelope{Origin: h.instance, From: from, Target: target, Message: msg, At: time.Now().Unix()}
	h.deliverLocal(meetingID, env)
	if h.bus != nil {
		if err := h.bus.Publish(meetingID, env); err != nil {
			h.logger.Warn("publish relay message failed", zap.String("meeting_id", meetingID), zap.Error(err))
		}
	}
}

func (h *Hub) deliverLocal(meetingID string, env Envelope) {
	h.mu.RLock()
	peers := make([]*Peer, 0, len(h.meetings[meetingID]))
	for _, p := range h.meetings[meetingID] {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		if p.ID == env.From {
			continue
		}
		if env.Target != "" && p.ID != env.Target {
			continue
		}
		p.enqueue(env.Message)
	}
}

func (h *Hub) subscribeLocked(meetingID string) {
	if h.bus == nil {
		return
	}
	cancel, err := h.bus.Subscribe(meetingID, func(env Envelope) {
		if env.Origin == h.instance {
			return
		}
		h.deliverLocal(meetingID, env)
	})
	if err != nil {
		h.logger.Warn("subscribe meeting channel failed", zap.String("meeting_id", meetingID), zap.Error(err))
		return
	}
	h.subs[meetingID] = cancel
}

// Envelope is a routed message as carried on the bus.
type Envelope struct {
	Origin  string            `json:"origin"`
	From    string            `json:"from,omitempty"`
	Target  string            `json:"target,omitempty"`
	Message signaling.Message `json:"message"`
	At      int64             `json:"at"`
}

// Bus carries envelopes between relay instances.
type Bus interface {
	Publish(meetingID string, env Envelope) error
	Subscribe(meetingID string, handler func(Envelope)) (cancel func(), err error)
}

// Presence tracks who is in a meeting across instances.
type Presence interface {
	Add(ctx context.Context, meetingID string, p signaling.Participant) error
	Remove(ctx context.Context, meetingID, peerID string) error
	List(ctx context.Context, meetingID string) ([]signaling.Participant, error)
}

type meetingLock struct {
	mu   sync.Mutex
	refs int
}

// lockMeeting serialises membership changes of one meeting. The returned func releases it.
func (h *Hub) lockMeeting(meetingID string) func() {
	h.mu.Lock()
	l, ok := h.locks[meetingID]
	if !ok {
		l = &meetingLock{}
		h.locks[meetingID] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(h.locks, meetingID)
		}
		h.mu.Unlock()
	}
}

// localPresence answers from the hub's own map.
type localPresence struct{ h *Hub }

func (l localPresence) Add(context.Context, string, signaling.Participant) error { return nil }
func (l localPresence) Remove(context.Context, string, string) error             { return nil }

func (l localPresence) List(_ context.Context, meetingID string) ([]signaling.Participant, error) {
	l.h.mu.RLock()
	defer l.h.mu.RUnlock()
	var out []signaling.Participant
	for _, p := range l.h.meetings[meetingID] {
		out = append(out, p.Participant())
	}
	return out, nil
}
