package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	closeWait    = 2 * time.Second
)

// ErrClosed is returned by sends after Close.
var ErrClosed = errors.New("signaling channel closed")

// Client is one participant's connection to the meeting relay. Inbound messages are delivered
// on Events in arrival order; the relay gives no exactly-once or ordering guarantee across peers.
type Client struct {
	meetingID string
	conn      *websocket.Conn
	logger    *zap.Logger

	send   chan Message
	events chan Event

	mu        sync.Mutex
	closed    bool
	wrote     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at rawURL for meetingID. token is optional.
func Dial(ctx context.Context, rawURL, meetingID, token string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	q := u.Query()
	q.Set("meeting_id", meetingID)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	c := &Client{
		meetingID: meetingID,
		conn:      conn,
		logger:    logger.With(zap.String("meeting_id", meetingID)),
		send:      make(chan Message, 64),
		events:    make(chan Event, 64),
		wrote:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Events delivers inbound events. It ends with an EventDisconnect and is then closed.
func (c *Client) Events() <-chan Event { return c.events }

// Join enters the meeting; the relay answers with EventJoined.
func (c *Client) Join(userID string) error {
	return c.emit(EventJoin, JoinPayload{MeetingID: c.meetingID, UserID: userID})
}

// Leave announces departure. Best-effort.
func (c *Client) Leave() error {
	return c.emit(EventLeave, LeavePayload{MeetingID: c.meetingID})
}

// SendOffer sends an offer to target, or to every other peer when target is empty.
func (c *Client) SendOffer(sdp webrtc.SessionDescription, target string) error {
	return c.emit(EventOffer, DescriptionPayload{SDP: sdp, Target: target})
}

// SendAnswer sends an answer to target.
func (c *Client) SendAnswer(sdp webrtc.SessionDescription, target string) error {
	return c.emit(EventAnswer, DescriptionPayload{SDP: sdp, Target: target})
}

// SendICECandidate trickles a candidate to target, or broadcasts it when target is empty.
func (c *Client) SendICECandidate(candidate webrtc.ICECandidateInit, target string) error {
	return c.emit(EventICECandidate, CandidatePayload{Candidate: candidate, Target: target})
}

func (c *Client) emit(event string, payload interface{}) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("send %s: buffer full", event)
	}
}

// Close sends leave, flushes queued messages and disconnects. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.Leave()
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		select {
		case <-c.wrote:
		case <-time.After(closeWait):
		}
		_ = c.conn.Close()
		close(c.done)
	})
	return nil
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.events <- Event{Type: EventDisconnect}:
		case <-c.done:
		}
		close(c.events)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("signaling read ended", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		ev, err := Decode(msg)
		if err != nil {
			c.logger.Debug("drop malformed signaling message", zap.String("event", msg.Event), zap.Error(err))
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		close(c.wrote)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("signaling write failed", zap.String("event", msg.Event), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
