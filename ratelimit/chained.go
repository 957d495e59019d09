/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// ChainedLimiter composes several limiters into one: an acquisition is
// granted only when every member grants it. Members are acquired in the
// given order; on the first denial, the already acquired member leases are
// released in reverse order, so no permits leak. The composite lease's
// release fans out to all member leases in reverse order as well.
//
// The chain doesn't own its members: Close is a no-op, and the members must
// be closed by whoever constructed them.
type ChainedLimiter struct {
	limiters []Limiter

	granted atomic.Int64
	denied  atomic.Int64
}

var _ Limiter = (*ChainedLimiter)(nil)

// NewChainedLimiter creates a new ChainedLimiter composed of the given limiters.
func NewChainedLimiter(limiters ...Limiter) (*ChainedLimiter, error) {
	if len(limiters) == 0 {
		return nil, fmt.Errorf("chained limiter requires at least one limiter")
	}
	for i, lim := range limiters {
		if lim == nil {
			return nil, fmt.Errorf("limiter at index %d is nil", i)
		}
	}
	chain := make([]Limiter, len(limiters))
	copy(chain, limiters)
	return &ChainedLimiter{limiters: chain}, nil
}

// TryAcquire implements the Limiter interface. The returned denied lease
// carries the index of the denying member as MetadataKeyChainIndex metadata
// along with the member's retry-after hint, if any.
func (l *ChainedLimiter) TryAcquire(count int) (*Lease, error) {
	return l.acquire(count, func(lim Limiter) (*Lease, error) {
		return lim.TryAcquire(count)
	})
}

// Acquire implements the Limiter interface. Members are acquired strictly in
// order, each one possibly queuing and suspending the caller.
func (l *ChainedLimiter) Acquire(ctx context.Context, count int) (*Lease, error) {
	return l.acquire(count, func(lim Limiter) (*Lease, error) {
		return lim.Acquire(ctx, count)
	})
}

func (l *ChainedLimiter) acquire(count int, acquireOne func(Limiter) (*Lease, error)) (*Lease, error) {
	acquired := make([]*Lease, 0, len(l.limiters))
	releaseAcquired := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Release()
		}
	}
	for i, lim := range l.limiters {
		lease, err := acquireOne(lim)
		if err != nil {
			releaseAcquired()
			return nil, fmt.Errorf("limiter at index %d: %w", i, err)
		}
		if !lease.Acquired() {
			releaseAcquired()
			l.denied.Add(int64(count))
			denial := newDeniedLease().withMetadata(MetadataKeyChainIndex, i)
			if retryAfter, ok := lease.RetryAfter(); ok {
				denial = denial.withMetadata(MetadataKeyRetryAfter, retryAfter)
			}
			return denial, nil
		}
		acquired = append(acquired, lease)
	}
	l.granted.Add(int64(count))
	return newGrantedLease(count, releaseAcquired), nil
}

// Stats implements the Limiter interface. AvailablePermits is the minimum
// across the members (the chain can grant no more than its most constrained
// member), QueuedCount is the sum, and the grant/denial totals count the
// chain's own composite outcomes.
func (l *ChainedLimiter) Stats() Statistics {
	stats := Statistics{
		TotalGranted: l.granted.Load(),
		TotalDenied:  l.denied.Load(),
	}
	for i, lim := range l.limiters {
		memberStats := lim.Stats()
		if i == 0 || memberStats.AvailablePermits < stats.AvailablePermits {
			stats.AvailablePermits = memberStats.AvailablePermits
		}
		stats.QueuedCount += memberStats.QueuedCount
	}
	return stats
}

// IdleDuration implements the Limiter interface. The chain is idle only when
// every member is, and then reports the minimum of the members' durations.
func (l *ChainedLimiter) IdleDuration() (time.Duration, bool) {
	var minIdle time.Duration
	for i, lim := range l.limiters {
		idle, ok := lim.IdleDuration()
		if !ok {
			return 0, false
		}
		if i == 0 || idle < minIdle {
			minIdle = idle
		}
	}
	return minIdle, true
}

// Close implements the Limiter interface. The chain doesn't own its members,
// so it's a no-op.
func (l *ChainedLimiter) Close() error {
	return nil
}
