// Package lifecycle decides who records a call and when the external session record moves to
// in_progress and completed.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Role is decided once, from the participant count reported at join time.
type Role string

const (
	RoleUnknown      Role = ""
	RoleFirstJoiner  Role = "first-joiner"
	RoleSecondJoiner Role = "second-joiner"
)

// Status is an external session status.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

const pushTimeout = 30 * time.Second

// StatusUpdater pushes a session status to the platform.
type StatusUpdater interface {
	UpdateSessionStatus(ctx context.Context, sessionID string, status Status) error
}

// Guard is the state ShouldRecord is evaluated against.
type Guard struct {
	PeerConnection  bool
	LocalMediaReady bool
	Recording       bool
}

// Coordinator applies the recording and status rules. Status pushes run in order on a
// background worker; Wait drains them.
type Coordinator struct {
	sessionID string
	updater   StatusUpdater
	logger    *zap.Logger

	mu         sync.Mutex
	role       Role
	peerSeen   bool
	inProgress bool
	completed  bool
	closed     bool
	pushed     []Status
	queue      chan Status
	done       chan struct{}
}

// New creates a coordinator. Without a session ID or updater no status is pushed.
func New(sessionID string, updater StatusUpdater, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		sessionID: sessionID,
		updater:   updater,
		logger:    logger,
		queue:     make(chan Status, 2),
		done:      make(chan struct{}),
	}
	go c.worker()
	return c
}

// Joined records the join result. Only the first call decides the role.
func (c *Coordinator) Joined(others int) Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	if others > 0 {
		c.peerSeen = true
	}
	if c.role != RoleUnknown {
		return c.role
	}
	c.role = RoleSecondJoiner
	if others == 0 {
		c.role = RoleFirstJoiner
	}
	c.logger.Info("call role decided", zap.String("role", string(c.role)), zap.Int("others", others))
	return c.role
}

// PeerJoined notes that a second participant joined at some point.
func (c *Coordinator) PeerJoined() {
	c.mu.Lock()
	c.peerSeen = true
	c.mu.Unlock()
}

func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// BothJoined reports whether two participants were ever present.
func (c *Coordinator) BothJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerSeen
}

// ShouldRecord reports whether this participant must start the recorder now.
func (c *Coordinator) ShouldRecord(g Guard) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role == RoleFirstJoiner && g.PeerConnection && g.LocalMediaReady && !g.Recording
}

// StreamsChanged pushes in_progress the first time local and remote streams coexist.
func (c *Coordinator) StreamsChanged(local, remote bool) {
	if !local || !remote {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerSeen = true
	if c.inProgress {
		return
	}
	c.inProgress = true
	c.enqueueLocked(StatusInProgress)
}

// CallEnded pushes completed when both participants had joined. A solo session pushes nothing.
func (c *Coordinator) CallEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	if !c.peerSeen {
		c.logger.Info("solo session ended, completion not reported")
		return
	}
	c.completed = true
	c.enqueueLocked(StatusCompleted)
}

// Pushed lists the statuses handed to the updater so far, in order.
func (c *Coordinator) Pushed() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Status(nil), c.pushed...)
}

func (c *Coordinator) enqueueLocked(s Status) {
	if c.sessionID == "" || c.updater == nil {
		c.logger.Debug("no session linked, status not pushed", zap.String("status", string(s)))
		return
	}
	if c.closed {
		return
	}
	c.pushed = append(c.pushed, s)
	c.queue <- s
}

func (c *Coordinator) worker() {
	defer close(c.done)
	for s := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		err := c.updater.UpdateSessionStatus(ctx, c.sessionID, s)
		cancel()
		if err != nil {
			c.logger.Warn("update session status", zap.String("session_id", c.sessionID), zap.String("status", string(s)), zap.Error(err))
			continue
		}
		c.logger.Info("session status updated", zap.String("session_id", c.sessionID), zap.String("status", string(s)))
	}
}

// Wait stops accepting statuses and blocks until queued pushes are done or ctx expires.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
