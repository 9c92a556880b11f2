// Package signaling is the client side of the meeting relay: a WebSocket carrying join,
// presence and offer/answer/ICE messages keyed by meeting id.
package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// Event names on the wire.
const (
	EventJoin         = "join"
	EventJoined       = "joined"
	EventPeerJoined   = "peer_joined"
	EventPeerLeft     = "peer_left"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice_candidate"
	EventLeave        = "leave"
	EventError        = "error"

	// EventDisconnect is synthesized locally when the socket closes.
	EventDisconnect = "disconnect"
)

// Message is the WebSocket message envelope.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals payload into an envelope.
func NewMessage(event string, payload interface{}) (Message, error) {
	if payload == nil {
		return Message{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Data: data}, nil
}

// Participant identifies one connection in a meeting. UserID is empty for anonymous peers.
type Participant struct {
	PeerID string `json:"peer_id"`
	UserID string `json:"user_id,omitempty"`
}

// JoinPayload is sent by a client to enter a meeting.
type JoinPayload struct {
	MeetingID string `json:"meeting_id"`
	UserID    string `json:"user_id,omitempty"`
}

// JoinedPayload answers a join with the caller's peer id and who was already present.
type JoinedPayload struct {
	PeerID string        `json:"peer_id"`
	Others []Participant `json:"others"`
}

// LeavePayload is sent by a client on teardown.
type LeavePayload struct {
	MeetingID string `json:"meeting_id"`
}

// DescriptionPayload carries an offer or answer. An empty Target broadcasts to the meeting.
type DescriptionPayload struct {
	SDP    webrtc.SessionDescription `json:"sdp"`
	Target string                    `json:"target,omitempty"`
	From   string                    `json:"from,omitempty"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Target    string                  `json:"target,omitempty"`
	From      string                  `json:"from,omitempty"`
}

// ErrorPayload reports a relay-side rejection.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Event is a decoded inbound message. Exactly one payload field is set, matching Type.
type Event struct {
	Type        string
	Joined      *JoinedPayload
	Peer        *Participant
	Description *DescriptionPayload
	Candidate   *CandidatePayload
	Error       *ErrorPayload
}

// Decode turns an envelope into a typed event.
func Decode(msg Message) (Event, error) {
	ev := Event{Type: msg.Event}
	var target interface{}
	switch msg.Event {
	case EventJoined:
		ev.Joined = &JoinedPayload{}
		target = ev.Joined
	case EventPeerJoined, EventPeerLeft:
		ev.Peer = &Participant{}
		target = ev.Peer
	case EventOffer, EventAnswer:
		ev.Description = &DescriptionPayload{}
		target = ev.Description
	case EventICECandidate:
		ev.Candidate = &CandidatePayload{}
		target = ev.Candidate
	case EventError:
		ev.Error = &ErrorPayload{}
		target = ev.Error
	default:
		return ev, nil
	}
	if len(msg.Data) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(msg.Data, target); err != nil {
		return Event{}, err
	}
	return ev, nil
}
