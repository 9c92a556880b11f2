package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-webinar/coachcall/internal/signaling"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// Validator resolves a bearer token to a user id. An empty token never reaches it.
type Validator func(token string) (userID, role string, err error)

// Options tunes per-connection behaviour.
type Options struct {
	MessagesPerSecond int
}

// Peer represents one WebSocket connection in a meeting.
type Peer struct {
	ID        string
	MeetingID string
	UserID    string
	JoinedAt  time.Time

	hub     *Hub
	conn    *websocket.Conn
	send    chan signaling.Message
	limiter *rate.Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	joined bool
	closed bool
}

// Participant returns the presence record for this peer.
func (p *Peer) Participant() signaling.Participant {
	return signaling.Participant{PeerID: p.ID, UserID: p.UserID}
}

// ServeWs handles the WebSocket upgrade and runs the peer loop. meeting_id is required; token
// is optional and, when present, must validate.
func ServeWs(hub *Hub, logger *zap.Logger, validate Validator, opts Options) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	perSec := opts.MessagesPerSecond
	if perSec <= 0 {
		perSec = 50
	}
	return func(c *gin.Context) {
		meetingID := c.Query("meeting_id")
		if meetingID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "meeting_id required"})
			return
		}
		var userID string
		if token := c.Query("token"); token != "" && validate != nil {
			uid, _, err := validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			userID = uid
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		id := uuid.NewString()
		p := &Peer{
			ID:        id,
			MeetingID: meetingID,
			UserID:    userID,
			hub:       hub,
			conn:      conn,
			send:      make(chan signaling.Message, 256),
			limiter:   rate.NewLimiter(rate.Limit(perSec), perSec*2),
			logger:    logger.With(zap.String("peer_id", id), zap.String("meeting_id", meetingID)),
		}
		go p.writePump()
		p.readPump()
	}
}

func (p *Peer) readPump() {
	defer func() {
		p.hub.Leave(p)
		p.mu.Lock()
		p.closed = true
		close(p.send)
		p.mu.Unlock()
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(1 << 20)
	_ = p.conn.SetReadDeadline(time.Now().Add(signaling.PongWait))
	p.conn.SetPongHandler(func(string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(signaling.PongWait))
		return nil
	})

	for {
		var msg signaling.Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(signaling.PongWait))
		if !p.limiter.Allow() {
			p.logger.Debug("rate limited signaling message", zap.String("event", msg.Event))
			continue
		}

		switch msg.Event {
		case signaling.EventJoin:
			var payload signaling.JoinPayload
			_ = json.Unmarshal(msg.Data, &payload)
			p.handleJoin(payload)
		case signaling.EventLeave:
			p.hub.Leave(p)
			p.mu.Lock()
			p.joined = false
			p.mu.Unlock()
		case signaling.EventOffer, signaling.EventAnswer:
			if !p.isJoined() {
				continue
			}
			var payload signaling.DescriptionPayload
			if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.SDP.SDP == "" {
				p.deliver(signaling.EventError, signaling.ErrorPayload{Message: "invalid " + msg.Event})
				continue
			}
			payload.From = p.ID
			p.hub.Forward(p.MeetingID, p.ID, payload.Target, msg.Event, payload)
		case signaling.EventICECandidate:
			if !p.isJoined() {
				continue
			}
			var payload signaling.CandidatePayload
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				continue
			}
			payload.From = p.ID
			p.hub.Forward(p.MeetingID, p.ID, payload.Target, msg.Event, payload)
		default:
			// ignore
		}
	}
}

func (p *Peer) handleJoin(payload signaling.JoinPayload) {
	p.mu.Lock()
	if p.joined {
		p.mu.Unlock()
		return
	}
	p.joined = true
	if p.UserID == "" {
		p.UserID = payload.UserID
	}
	p.JoinedAt = time.Now()
	p.mu.Unlock()
	p.hub.Join(p)
}

func (p *Peer) isJoined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

func (p *Peer) deliver(event string, payload interface{}) {
	msg, err := signaling.NewMessage(event, payload)
	if err != nil {
		return
	}
	p.enqueue(msg)
}

func (p *Peer) enqueue(msg signaling.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.send <- msg:
	default:
		p.logger.Debug("peer send buffer full", zap.String("event", msg.Event))
	}
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(signaling.PingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
