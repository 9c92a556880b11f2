package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/signaling"
)

const (
	channelPrefix = "meeting:"
	presenceTTL   = 12 * time.Hour
	eventTTL      = 5 * time.Second
)

// RedisBus implements Bus and Presence on Redis pub/sub and one hash per meeting.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus creates a Redis bridge for meeting signaling.
func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, logger: logger}
}

func channel(meetingID string) string     { return channelPrefix + meetingID }
func presenceKey(meetingID string) string { return channelPrefix + meetingID + ":peers" }

// Publish sends an envelope to the meeting's channel.
func (r *RedisBus) Publish(meetingID string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, channel(meetingID), body).Err()
}

// Subscribe subscribes to a meeting channel and calls handler for each envelope.
// Returns a cancel function to stop the subscription.
func (r *RedisBus) Subscribe(meetingID string, handler func(Envelope)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel(meetingID))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Debug("drop malformed relay envelope", zap.Error(err))
					continue
				}
				handler(env)
			}
		}
	}()
	return cancelCtx, nil
}

// Add records p in the meeting's presence hash.
func (r *RedisBus) Add(ctx context.Context, meetingID string, p signaling.Participant) error {
	key := presenceKey(meetingID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, p.PeerID, p.UserID)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence add: %w", err)
	}
	return nil
}

// Remove drops a peer from the meeting's presence hash.
func (r *RedisBus) Remove(ctx context.Context, meetingID, peerID string) error {
	if err := r.client.HDel(ctx, presenceKey(meetingID), peerID).Err(); err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	return nil
}

// List returns every peer present in the meeting across instances.
func (r *RedisBus) List(ctx context.Context, meetingID string) ([]signaling.Participant, error) {
	m, err := r.client.HGetAll(ctx, presenceKey(meetingID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	out := make([]signaling.Participant, 0, len(m))
	for peerID, userID := range m {
		out = append(out, signaling.Participant{PeerID: peerID, UserID: userID})
	}
	return out, nil
}
