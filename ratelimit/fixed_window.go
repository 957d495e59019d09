/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// FixedWindowLimiter limits how many permits may be granted within a time
// window. Permits are consumed, not returned, and fully reset to PermitLimit
// at each window boundary, with no partial accrual in between. Up to twice
// the permit limit may be obtainable across a window seam; this is the
// algorithm's known trade-off, use SlidingWindowLimiter when it matters.
type FixedWindowLimiter struct {
	permitLimit int
	window      time.Duration
	auto        bool
	queueLimit  int
	order       QueueProcessingOrder
	mc          MetricsCollector

	granted atomic.Int64
	denied  atomic.Int64

	mu          sync.Mutex
	available   int
	windowStart time.Time
	queue       *requestQueue
	idleSince   time.Time
	closed      bool

	stop chan struct{}
}

var _ ReplenishingLimiter = (*FixedWindowLimiter)(nil)

// NewFixedWindowLimiter creates a new FixedWindowLimiter. The first window
// starts at construction time with all permits available.
// If auto-replenishment is configured, the limiter owns a background task that
// runs until Close is called.
// Metrics collector is used to collect statistics about the limiter usage.
// It can be nil, in this case, metrics will be disabled.
func NewFixedWindowLimiter(cfg FixedWindowLimiterConfig, mc MetricsCollector) (*FixedWindowLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate fixed window limiter config: %w", err)
	}
	if mc == nil {
		mc = disabledMetricsCollector
	}
	l := &FixedWindowLimiter{
		permitLimit: cfg.PermitLimit,
		window:      time.Duration(cfg.Window),
		auto:        cfg.AutoReplenishment,
		queueLimit:  cfg.QueueLimit,
		order:       cfg.QueueProcessingOrder.withDefault(),
		mc:          mc,
		available:   cfg.PermitLimit,
		windowStart: time.Now(),
		queue:       newRequestQueue(cfg.QueueProcessingOrder),
		idleSince:   time.Now(),
		stop:        make(chan struct{}),
	}
	mc.SetAvailable(l.available)
	if l.auto {
		go l.replenishLoop()
	}
	return l, nil
}

// TryAcquire implements the Limiter interface.
func (l *FixedWindowLimiter) TryAcquire(count int) (*Lease, error) {
	if err := validateCount(count, l.permitLimit); err != nil {
		return nil, err
	}
	if count == 0 {
		return newGrantedLease(0, nil), nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLimiterClosed
	}
	if l.canGrantLocked(count) {
		lease := l.grantLocked(count)
		l.mu.Unlock()
		return lease, nil
	}
	retryAfter := l.retryAfterLocked()
	l.mu.Unlock()

	l.denied.Add(int64(count))
	l.mc.AddDenied(count)
	return newDeniedLeaseWithRetryAfter(retryAfter), nil
}

// Acquire implements the Limiter interface.
func (l *FixedWindowLimiter) Acquire(ctx context.Context, count int) (*Lease, error) {
	if err := validateCount(count, l.permitLimit); err != nil {
		return nil, err
	}
	if count == 0 {
		return newGrantedLease(0, nil), nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLimiterClosed
	}
	if l.canGrantLocked(count) {
		lease := l.grantLocked(count)
		l.mu.Unlock()
		return lease, nil
	}
	if !l.makeQueueRoomLocked(count) {
		retryAfter := l.retryAfterLocked()
		l.mu.Unlock()
		l.denied.Add(int64(count))
		l.mc.AddDenied(count)
		return newDeniedLeaseWithRetryAfter(retryAfter), nil
	}
	req := l.queue.enqueue(count)
	l.mc.SetQueued(l.queue.permits)
	l.mu.Unlock()

	return awaitResult(ctx, req, l.cancelQueued)
}

// Stats implements the Limiter interface.
func (l *FixedWindowLimiter) Stats() Statistics {
	l.mu.Lock()
	available, queued := l.available, l.queue.permits
	l.mu.Unlock()
	return Statistics{
		AvailablePermits: int64(available),
		QueuedCount:      int64(queued),
		TotalGranted:     l.granted.Load(),
		TotalDenied:      l.denied.Load(),
	}
}

// IdleDuration implements the Limiter interface.
func (l *FixedWindowLimiter) IdleDuration() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.idleSince.IsZero() {
		return 0, false
	}
	return time.Since(l.idleSince), true
}

// AutoReplenishing implements the ReplenishingLimiter interface.
func (l *FixedWindowLimiter) AutoReplenishing() bool {
	return l.auto
}

// ReplenishmentPeriod implements the ReplenishingLimiter interface.
func (l *FixedWindowLimiter) ReplenishmentPeriod() time.Duration {
	return l.window
}

// TryReplenish implements the ReplenishingLimiter interface.
// It starts a new window with all permits available and processes the queue.
// It's rejected (returns false) while auto-replenishment is active.
func (l *FixedWindowLimiter) TryReplenish() bool {
	if l.auto {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.replenishLocked()
	return true
}

// Close implements the Limiter interface. It stops the background
// replenishment task and resolves every queued request with ErrLimiterClosed.
func (l *FixedWindowLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.stop)
	for _, req := range l.queue.drain() {
		req.resolve(queueResult{err: ErrLimiterClosed})
	}
	l.mc.SetQueued(0)
	return nil
}

func (l *FixedWindowLimiter) replenishLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.replenishLocked()
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// replenishLocked starts a new window: full reset, no partial accrual.
func (l *FixedWindowLimiter) replenishLocked() {
	l.available = l.permitLimit
	l.windowStart = time.Now()
	l.processQueueLocked()
	l.updateIdleLocked()
	l.mc.SetAvailable(l.available)
}

func (l *FixedWindowLimiter) canGrantLocked(count int) bool {
	if l.available < count {
		return false
	}
	return l.queue.len() == 0 || l.order == QueueProcessingOrderNewestFirst
}

func (l *FixedWindowLimiter) grantLocked(count int) *Lease {
	l.available -= count
	l.updateIdleLocked()
	l.granted.Add(int64(count))
	l.mc.AddGranted(count)
	l.mc.SetAvailable(l.available)
	// Permits are consumed, the lease has no release action.
	return newGrantedLease(count, nil)
}

// retryAfterLocked estimates the time until the next window boundary.
func (l *FixedWindowLimiter) retryAfterLocked() time.Duration {
	retryAfter := l.window - time.Since(l.windowStart)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return retryAfter
}

func (l *FixedWindowLimiter) makeQueueRoomLocked(count int) bool {
	if count > l.queueLimit {
		return false
	}
	if l.queue.permits+count <= l.queueLimit {
		return true
	}
	if l.order != QueueProcessingOrderNewestFirst {
		return false
	}
	for l.queue.permits+count > l.queueLimit {
		victim := l.queue.evictOldest()
		l.denied.Add(int64(victim.count))
		l.mc.AddDenied(victim.count)
		victim.resolve(queueResult{lease: newDeniedLeaseWithRetryAfter(l.retryAfterLocked())})
	}
	return true
}

func (l *FixedWindowLimiter) processQueueLocked() {
	for {
		req := l.queue.peek()
		if req == nil || req.count > l.available {
			break
		}
		l.queue.remove(req)
		l.available -= req.count
		l.granted.Add(int64(req.count))
		l.mc.AddGranted(req.count)
		req.resolve(queueResult{lease: newGrantedLease(req.count, nil)})
	}
	l.mc.SetQueued(l.queue.permits)
}

func (l *FixedWindowLimiter) cancelQueued(req *queuedRequest) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if req.resolved {
		return false
	}
	l.queue.remove(req)
	l.mc.SetQueued(l.queue.permits)
	return true
}

func (l *FixedWindowLimiter) updateIdleLocked() {
	if l.available == l.permitLimit {
		if l.idleSince.IsZero() {
			l.idleSince = time.Now()
		}
		return
	}
	l.idleSince = time.Time{}
}
