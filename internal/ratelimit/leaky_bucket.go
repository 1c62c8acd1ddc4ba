package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LeakyBucket enforces a smooth, non-bursty request rate.
//
// It schedules each caller at least one interval after the prior
// scheduled call, even under concurrency. The contact-resolution worker
// uses it to pace directory lookups, which are slow OS calls that
// misbehave under spiky bursts.
type LeakyBucket struct {
	mu sync.Mutex

	tokens  chan struct{}
	stopCh  chan struct{}
	stopped bool
}

// NewLeakyBucketFromRPM creates a bucket emitting rpm tokens per minute.
// Returns nil for rpm <= 0; a nil bucket is unthrottled.
func NewLeakyBucketFromRPM(rpm int) *LeakyBucket {
	if rpm <= 0 {
		return nil
	}
	interval := time.Minute / time.Duration(rpm)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	b := &LeakyBucket{
		tokens: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}

	// Allow one immediate request.
	b.tokens <- struct{}{}

	go b.run(interval)
	return b
}

func (b *LeakyBucket) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.stopCh)
	b.mu.Unlock()
}

func (b *LeakyBucket) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Emit at most 1 token ahead (smooth, non-bursty).
			select {
			case b.tokens <- struct{}{}:
			default:
			}
		case <-b.stopCh:
			close(b.tokens)
			return
		}
	}
}

func (b *LeakyBucket) Wait(ctx context.Context) error {
	if b == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-b.tokens:
		// If closed, treat as unthrottled.
		if !ok {
			return nil
		}
		return nil
	}
}
