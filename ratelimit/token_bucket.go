/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// TokenBucketLimiter limits the rate of work by a bucket of fractional tokens.
// Tokens are consumed on acquisition and never returned; releasing a granted
// lease is a no-op. The bucket is refilled by TokensPerPeriod every
// ReplenishmentPeriod, either by an owned background task or by manual
// TryReplenish calls, and never above TokenLimit.
type TokenBucketLimiter struct {
	tokenLimit      int
	tokensPerPeriod float64
	period          time.Duration
	auto            bool
	queueLimit      int
	order           QueueProcessingOrder
	mc              MetricsCollector

	granted atomic.Int64
	denied  atomic.Int64

	mu        sync.Mutex
	tokens    float64
	queue     *requestQueue
	idleSince time.Time
	closed    bool

	stop chan struct{}
}

var _ ReplenishingLimiter = (*TokenBucketLimiter)(nil)

// NewTokenBucketLimiter creates a new TokenBucketLimiter. The bucket starts full.
// If auto-replenishment is configured, the limiter owns a background task that
// runs until Close is called.
// Metrics collector is used to collect statistics about the limiter usage.
// It can be nil, in this case, metrics will be disabled.
func NewTokenBucketLimiter(cfg TokenBucketLimiterConfig, mc MetricsCollector) (*TokenBucketLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate token bucket limiter config: %w", err)
	}
	if mc == nil {
		mc = disabledMetricsCollector
	}
	l := &TokenBucketLimiter{
		tokenLimit:      cfg.TokenLimit,
		tokensPerPeriod: cfg.TokensPerPeriod,
		period:          time.Duration(cfg.ReplenishmentPeriod),
		auto:            cfg.AutoReplenishment,
		queueLimit:      cfg.QueueLimit,
		order:           cfg.QueueProcessingOrder.withDefault(),
		mc:              mc,
		tokens:          float64(cfg.TokenLimit),
		queue:           newRequestQueue(cfg.QueueProcessingOrder),
		idleSince:       time.Now(),
		stop:            make(chan struct{}),
	}
	mc.SetAvailable(l.tokenLimit)
	if l.auto {
		go l.replenishLoop()
	}
	return l, nil
}

// TryAcquire implements the Limiter interface.
func (l *TokenBucketLimiter) TryAcquire(count int) (*Lease, error) {
	if err := validateCount(count, l.tokenLimit); err != nil {
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
func (l *TokenBucketLimiter) Acquire(ctx context.Context, count int) (*Lease, error) {
	if err := validateCount(count, l.tokenLimit); err != nil {
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
// Fractional tokens are truncated toward zero, so the snapshot never reports
// more capacity than truly exists.
func (l *TokenBucketLimiter) Stats() Statistics {
	l.mu.Lock()
	available, queued := int64(l.tokens), l.queue.permits
	l.mu.Unlock()
	return Statistics{
		AvailablePermits: available,
		QueuedCount:      int64(queued),
		TotalGranted:     l.granted.Load(),
		TotalDenied:      l.denied.Load(),
	}
}

// IdleDuration implements the Limiter interface.
func (l *TokenBucketLimiter) IdleDuration() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.idleSince.IsZero() {
		return 0, false
	}
	return time.Since(l.idleSince), true
}

// AutoReplenishing implements the ReplenishingLimiter interface.
func (l *TokenBucketLimiter) AutoReplenishing() bool {
	return l.auto
}

// ReplenishmentPeriod implements the ReplenishingLimiter interface.
func (l *TokenBucketLimiter) ReplenishmentPeriod() time.Duration {
	return l.period
}

// TryReplenish implements the ReplenishingLimiter interface.
// It refills the bucket by one period's worth of tokens and processes the
// queue. It's rejected (returns false) while auto-replenishment is active.
func (l *TokenBucketLimiter) TryReplenish() bool {
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
func (l *TokenBucketLimiter) Close() error {
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

func (l *TokenBucketLimiter) replenishLoop() {
	ticker := time.NewTicker(l.period)
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

func (l *TokenBucketLimiter) replenishLocked() {
	l.tokens += l.tokensPerPeriod
	if l.tokens > float64(l.tokenLimit) {
		l.tokens = float64(l.tokenLimit)
	}
	l.processQueueLocked()
	l.updateIdleLocked()
	l.mc.SetAvailable(int(l.tokens))
}

func (l *TokenBucketLimiter) canGrantLocked(count int) bool {
	if l.tokens < float64(count) {
		return false
	}
	return l.queue.len() == 0 || l.order == QueueProcessingOrderNewestFirst
}

func (l *TokenBucketLimiter) grantLocked(count int) *Lease {
	l.tokens -= float64(count)
	l.updateIdleLocked()
	l.granted.Add(int64(count))
	l.mc.AddGranted(count)
	l.mc.SetAvailable(int(l.tokens))
	// Tokens are consumed, the lease has no release action.
	return newGrantedLease(count, nil)
}

// retryAfterLocked estimates how long it takes the bucket to accumulate the
// missing tokens at the configured replenishment rate.
func (l *TokenBucketLimiter) retryAfterLocked(count int) time.Duration {
	deficit := math.Ceil(float64(count) - l.tokens)
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / l.tokensPerPeriod * float64(l.period))
}

func (l *TokenBucketLimiter) makeQueueRoomLocked(count int) bool {
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

func (l *TokenBucketLimiter) processQueueLocked() {
	for {
		req := l.queue.peek()
		if req == nil || float64(req.count) > l.tokens {
			break
		}
		l.queue.remove(req)
		l.tokens -= float64(req.count)
		l.granted.Add(int64(req.count))
		l.mc.AddGranted(req.count)
		req.resolve(queueResult{lease: newGrantedLease(req.count, nil)})
	}
	l.mc.SetQueued(l.queue.permits)
}

func (l *TokenBucketLimiter) cancelQueued(req *queuedRequest) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if req.resolved {
		return false
	}
	l.queue.remove(req)
	l.mc.SetQueued(l.queue.permits)
	return true
}

func (l *TokenBucketLimiter) updateIdleLocked() {
	if l.tokens == float64(l.tokenLimit) {
		if l.idleSince.IsZero() {
			l.idleSince = time.Now()
		}
		return
	}
	l.idleSince = time.Time{}
}
