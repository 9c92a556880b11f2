package recorder

import (
	"context"
	"errors"
	"time"
)

// ErrNotReady is returned by AwaitReady when the predicate stayed false for the whole timeout.
var ErrNotReady = errors.New("recorder: source not ready")

// AwaitReady polls ready every interval until it reports true, timeout elapses or ctx is done.
func AwaitReady(ctx context.Context, ready func() bool, timeout, interval time.Duration) error {
	if ready() {
		return nil
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if ready() {
				return nil
			}
			return ErrNotReady
		case <-tick.C:
			if ready() {
				return nil
			}
		}
	}
}
