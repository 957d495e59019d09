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

// ConcurrencyLimiter limits how many permits may be held concurrently.
// Unlike the time-based limiters of this package, its permits are returned,
// not consumed: releasing a granted lease makes the permits available again
// and wakes up queued acquisitions.
type ConcurrencyLimiter struct {
	permitLimit int
	queueLimit  int
	order       QueueProcessingOrder
	mc          MetricsCollector

	granted atomic.Int64
	denied  atomic.Int64

	mu        sync.Mutex
	available int
	queue     *requestQueue
	idleSince time.Time
	closed    bool
}

var _ Limiter = (*ConcurrencyLimiter)(nil)

// NewConcurrencyLimiter creates a new ConcurrencyLimiter.
// Metrics collector is used to collect statistics about the limiter usage.
// It can be nil, in this case, metrics will be disabled.
func NewConcurrencyLimiter(cfg ConcurrencyLimiterConfig, mc MetricsCollector) (*ConcurrencyLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate concurrency limiter config: %w", err)
	}
	if mc == nil {
		mc = disabledMetricsCollector
	}
	l := &ConcurrencyLimiter{
		permitLimit: cfg.PermitLimit,
		queueLimit:  cfg.QueueLimit,
		order:       cfg.QueueProcessingOrder.withDefault(),
		mc:          mc,
		available:   cfg.PermitLimit,
		queue:       newRequestQueue(cfg.QueueProcessingOrder),
		idleSince:   time.Now(),
	}
	mc.SetAvailable(l.available)
	return l, nil
}

// TryAcquire implements the Limiter interface.
func (l *ConcurrencyLimiter) TryAcquire(count int) (*Lease, error) {
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
	l.mu.Unlock()

	l.denied.Add(int64(count))
	l.mc.AddDenied(count)
	return newDeniedLease(), nil
}

// Acquire implements the Limiter interface.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context, count int) (*Lease, error) {
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
		l.mu.Unlock()
		l.denied.Add(int64(count))
		l.mc.AddDenied(count)
		return newDeniedLease(), nil
	}
	req := l.queue.enqueue(count)
	l.mc.SetQueued(l.queue.permits)
	l.mu.Unlock()

	return awaitResult(ctx, req, l.cancelQueued)
}

// Stats implements the Limiter interface.
func (l *ConcurrencyLimiter) Stats() Statistics {
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
func (l *ConcurrencyLimiter) IdleDuration() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.idleSince.IsZero() {
		return 0, false
	}
	return time.Since(l.idleSince), true
}

// Close implements the Limiter interface.
// Permits held by outstanding leases may still be returned after Close.
func (l *ConcurrencyLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, req := range l.queue.drain() {
		req.resolve(queueResult{err: ErrLimiterClosed})
	}
	l.mc.SetQueued(0)
	return nil
}

// canGrantLocked reports whether the request may take the fast path. Under
// oldest-first order a non-empty queue forces newcomers to wait behind it;
// newest-first lets them jump ahead.
func (l *ConcurrencyLimiter) canGrantLocked(count int) bool {
	if l.available < count {
		return false
	}
	return l.queue.len() == 0 || l.order == QueueProcessingOrderNewestFirst
}

func (l *ConcurrencyLimiter) grantLocked(count int) *Lease {
	l.available -= count
	l.updateIdleLocked()
	l.granted.Add(int64(count))
	l.mc.AddGranted(count)
	l.mc.SetAvailable(l.available)
	return newGrantedLease(count, func() { l.releasePermits(count) })
}

// makeQueueRoomLocked ensures the queue has room for count more permits,
// evicting the oldest queued requests under newest-first order.
// It reports whether the request may be enqueued.
func (l *ConcurrencyLimiter) makeQueueRoomLocked(count int) bool {
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
		victim.resolve(queueResult{lease: newDeniedLease()})
	}
	return true
}

// releasePermits is the release action of granted leases. It may run on any
// goroutine; the permit return and the queue re-scan happen atomically under
// the limiter's lock, so concurrent releases cannot lose wake-ups.
func (l *ConcurrencyLimiter) releasePermits(count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available += count
	if l.available > l.permitLimit {
		panic(fmt.Sprintf("ratelimit: concurrency limiter accounting drift: %d permits available with limit %d",
			l.available, l.permitLimit))
	}
	l.processQueueLocked()
	l.updateIdleLocked()
	l.mc.SetAvailable(l.available)
}

// processQueueLocked grants every queued request it can satisfy in the
// configured order, stopping at the first one it cannot. A smaller later
// request never jumps a blocked larger one.
func (l *ConcurrencyLimiter) processQueueLocked() {
	for {
		req := l.queue.peek()
		if req == nil || req.count > l.available {
			break
		}
		l.queue.remove(req)
		l.available -= req.count
		l.granted.Add(int64(req.count))
		l.mc.AddGranted(req.count)
		count := req.count
		req.resolve(queueResult{lease: newGrantedLease(count, func() { l.releasePermits(count) })})
	}
	l.mc.SetQueued(l.queue.permits)
}

func (l *ConcurrencyLimiter) cancelQueued(req *queuedRequest) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if req.resolved {
		return false
	}
	l.queue.remove(req)
	l.mc.SetQueued(l.queue.permits)
	return true
}

func (l *ConcurrencyLimiter) updateIdleLocked() {
	if l.available == l.permitLimit {
		if l.idleSince.IsZero() {
			l.idleSince = time.Now()
		}
		return
	}
	l.idleSince = time.Time{}
}
