package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter is a token-bucket concurrency throttle: Acquire blocks until
// a slot is free, Release returns it. It is used to bound how many blob
// streams (to the store, to a worker, to the client) run at once,
// independent of how many IOTasks are queued.
type RateLimiter struct {
	maxConcurrent int
	tokens        chan struct{}
}

// NewRateLimiter creates a limiter allowing at most maxConcurrent
// concurrent holders.
func NewRateLimiter(maxConcurrent int) *RateLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	rl := &RateLimiter{
		maxConcurrent: maxConcurrent,
		tokens:        make(chan struct{}, maxConcurrent),
	}
	for i := 0; i < maxConcurrent; i++ {
		rl.tokens <- struct{}{}
	}
	return rl
}

// Acquire blocks until a slot is available or ctx is done.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("concurrency: rate limiter acquire cancelled: %w", ctx.Err())
	}
}

// TryAcquire attempts to acquire a slot without blocking.
func (rl *RateLimiter) TryAcquire() bool {
	select {
	case <-rl.tokens:
		return true
	default:
		return false
	}
}

// AcquireWithTimeout attempts to acquire a slot, giving up after timeout.
func (rl *RateLimiter) AcquireWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return rl.Acquire(ctx)
}

// Release returns a slot to the bucket.
func (rl *RateLimiter) Release() {
	select {
	case rl.tokens <- struct{}{}:
	default:
		// Acquire/Release calls are balanced by every caller in this tree;
		// reaching here would mean a double-release.
	}
}

// Available reports how many slots are currently free.
func (rl *RateLimiter) Available() int {
	return len(rl.tokens)
}

// StreamClass names one of the blob-stream concurrency classes the
// coordinator throttles independently.
type StreamClass string

const (
	// StreamClassStoreRead bounds concurrent reads out of the content store.
	StreamClassStoreRead StreamClass = "store_read"
	// StreamClassStoreWrite bounds concurrent writes into the content store.
	StreamClassStoreWrite StreamClass = "store_write"
	// StreamClassWorkerTransfer bounds concurrent blob transfers to/from
	// worker connections.
	StreamClassWorkerTransfer StreamClass = "worker_transfer"
)

// RateLimiterManager holds one RateLimiter per StreamClass, so the
// scheduler's helper-task dispatch can throttle store I/O separately from
// worker transfer I/O.
type RateLimiterManager struct {
	limiters map[StreamClass]*RateLimiter
	mu       sync.RWMutex
}

// NewRateLimiterManager builds a manager from a class->limit map. Classes
// absent from limits fall back to a high-capacity default limiter on
// first use, so callers never block on an unconfigured class.
func NewRateLimiterManager(limits map[StreamClass]int) *RateLimiterManager {
	m := &RateLimiterManager{limiters: make(map[StreamClass]*RateLimiter, len(limits))}
	for class, n := range limits {
		m.limiters[class] = NewRateLimiter(n)
	}
	return m
}

// GetLimiter returns the limiter for class, creating a generous default
// one if none was configured.
func (m *RateLimiterManager) GetLimiter(class StreamClass) *RateLimiter {
	m.mu.RLock()
	if limiter, ok := m.limiters[class]; ok {
		m.mu.RUnlock()
		return limiter
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if limiter, ok := m.limiters[class]; ok {
		return limiter
	}
	limiter := NewRateLimiter(1000)
	m.limiters[class] = limiter
	return limiter
}

// SetLimiter replaces the limiter for a class.
func (m *RateLimiterManager) SetLimiter(class StreamClass, maxConcurrent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[class] = NewRateLimiter(maxConcurrent)
}
