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

// SlidingWindowLimiter limits how many permits may be granted within a time
// window divided into equal segments. Each acquisition is recorded against
// the current segment, and on each segment tick the oldest segment's
// consumption expires back to availability. Compared to FixedWindowLimiter,
// this bounds the burst obtainable across a window seam to
// PermitLimit/SegmentsPerWindow and processes the queue on every segment
// tick rather than only on full-window resets.
type SlidingWindowLimiter struct {
	permitLimit   int
	window        time.Duration
	segmentPeriod time.Duration
	auto          bool
	queueLimit    int
	order         QueueProcessingOrder
	mc            MetricsCollector

	granted atomic.Int64
	denied  atomic.Int64

	mu sync.Mutex
	// segments is a ring of per-segment consumption; segments[current] is
	// the one acquisitions are recorded against. On a tick, current advances
	// and the slot it lands on (the consumption from a full window ago)
	// expires back to availability.
	segments  []int
	current   int
	available int
	lastTick  time.Time
	queue     *requestQueue
	idleSince time.Time
	closed    bool

	stop chan struct{}
}

var _ ReplenishingLimiter = (*SlidingWindowLimiter)(nil)

// NewSlidingWindowLimiter creates a new SlidingWindowLimiter. The window
// starts at construction time with all permits available.
// If auto-replenishment is configured, the limiter owns a background task
// ticking every Window/SegmentsPerWindow until Close is called.
// Metrics collector is used to collect statistics about the limiter usage.
// It can be nil, in this case, metrics will be disabled.
func NewSlidingWindowLimiter(cfg SlidingWindowLimiterConfig, mc MetricsCollector) (*SlidingWindowLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate sliding window limiter config: %w", err)
	}
	if mc == nil {
		mc = disabledMetricsCollector
	}
	l := &SlidingWindowLimiter{
		permitLimit:   cfg.PermitLimit,
		window:        time.Duration(cfg.Window),
		segmentPeriod: time.Duration(cfg.Window) / time.Duration(cfg.SegmentsPerWindow),
		auto:          cfg.AutoReplenishment,
		queueLimit:    cfg.QueueLimit,
		order:         cfg.QueueProcessingOrder.withDefault(),
		mc:            mc,
		segments:      make([]int, cfg.SegmentsPerWindow),
		available:     cfg.PermitLimit,
		lastTick:      time.Now(),
		queue:         newRequestQueue(cfg.QueueProcessingOrder),
		idleSince:     time.Now(),
		stop:          make(chan struct{}),
	}
	mc.SetAvailable(l.available)
	if l.auto {
		go l.replenishLoop()
	}
	return l, nil
}

// TryAcquire implements the Limiter interface.
func (l *SlidingWindowLimiter) TryAcquire(count int) (*Lease, error) {
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
	retryAfter := l.retryAfterLocked(count)
	l.mu.Unlock()

	l.denied.Add(int64(count))
	l.mc.AddDenied(count)
	return newDeniedLeaseWithRetryAfter(retryAfter), nil
}

// Acquire implements the Limiter interface.
func (l *SlidingWindowLimiter) Acquire(ctx context.Context, count int) (*Lease, error) {
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
		retryAfter := l.retryAfterLocked(count)
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
func (l *SlidingWindowLimiter) Stats() Statistics {
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
func (l *SlidingWindowLimiter) IdleDuration() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.idleSince.IsZero() {
		return 0, false
	}
	return time.Since(l.idleSince), true
}

// AutoReplenishing implements the ReplenishingLimiter interface.
func (l *SlidingWindowLimiter) AutoReplenishing() bool {
	return l.auto
}

// ReplenishmentPeriod implements the ReplenishingLimiter interface.
// For a sliding window it's the segment period, Window/SegmentsPerWindow.
func (l *SlidingWindowLimiter) ReplenishmentPeriod() time.Duration {
	return l.segmentPeriod
}

// TryReplenish implements the ReplenishingLimiter interface.
// It advances the window by one segment, expiring the oldest segment's
// consumption, and processes the queue. It's rejected (returns false) while
// auto-replenishment is active.
func (l *SlidingWindowLimiter) TryReplenish() bool {
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
func (l *SlidingWindowLimiter) Close() error {
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

func (l *SlidingWindowLimiter) replenishLoop() {
	ticker := time.NewTicker(l.segmentPeriod)
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

// replenishLocked advances the window by one segment.
func (l *SlidingWindowLimiter) replenishLocked() {
	l.current = (l.current + 1) % len(l.segments)
	l.available += l.segments[l.current]
	l.segments[l.current] = 0
	l.lastTick = time.Now()
	l.processQueueLocked()
	l.updateIdleLocked()
	l.mc.SetAvailable(l.available)
}

func (l *SlidingWindowLimiter) canGrantLocked(count int) bool {
	if l.available < count {
		return false
	}
	return l.queue.len() == 0 || l.order == QueueProcessingOrderNewestFirst
}

func (l *SlidingWindowLimiter) grantLocked(count int) *Lease {
	l.segments[l.current] += count
	l.available -= count
	l.updateIdleLocked()
	l.granted.Add(int64(count))
	l.mc.AddGranted(count)
	l.mc.SetAvailable(l.available)
	// Consumption expires with its segment, the lease has no release action.
	return newGrantedLease(count, nil)
}

// retryAfterLocked estimates how many segment ticks must pass until enough
// consumption expires to cover the deficit.
func (l *SlidingWindowLimiter) retryAfterLocked(count int) time.Duration {
	deficit := count - l.available
	if deficit <= 0 {
		return 0
	}
	sinceTick := time.Since(l.lastTick)
	freed := 0
	for k := 1; k <= len(l.segments); k++ {
		// The slot current+k expires on the k-th upcoming tick.
		freed += l.segments[(l.current+k)%len(l.segments)]
		if freed >= deficit {
			retryAfter := time.Duration(k)*l.segmentPeriod - sinceTick
			if retryAfter < 0 {
				retryAfter = 0
			}
			return retryAfter
		}
	}
	retryAfter := time.Duration(len(l.segments))*l.segmentPeriod - sinceTick
	if retryAfter < 0 {
		retryAfter = 0
	}
	return retryAfter
}

func (l *SlidingWindowLimiter) makeQueueRoomLocked(count int) bool {
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
		victim.resolve(queueResult{lease: newDeniedLeaseWithRetryAfter(l.retryAfterLocked(victim.count))})
	}
	return true
}

func (l *SlidingWindowLimiter) processQueueLocked() {
	for {
		req := l.queue.peek()
		if req == nil || req.count > l.available {
			break
		}
		l.queue.remove(req)
		l.segments[l.current] += req.count
		l.available -= req.count
		l.granted.Add(int64(req.count))
		l.mc.AddGranted(req.count)
		req.resolve(queueResult{lease: newGrantedLease(req.count, nil)})
	}
	l.mc.SetQueued(l.queue.permits)
}

func (l *SlidingWindowLimiter) cancelQueued(req *queuedRequest) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if req.resolved {
		return false
	}
	l.queue.remove(req)
	l.mc.SetQueued(l.queue.permits)
	return true
}

func (l *SlidingWindowLimiter) updateIdleLocked() {
	if l.available == l.permitLimit {
		if l.idleSince.IsZero() {
			l.idleSince = time.Now()
		}
		return
	}
	l.idleSince = time.Time{}
}
