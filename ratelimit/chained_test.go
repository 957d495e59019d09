/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/stretchr/testify/require"
)

func TestNewChainedLimiter(t *testing.T) {
	_, err := NewChainedLimiter()
	require.Error(t, err)

	member, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{PermitLimit: 1}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, member.Close()) }()

	_, err = NewChainedLimiter(member, nil)
	require.Error(t, err)

	chain, err := NewChainedLimiter(member)
	require.NoError(t, err)
	require.NoError(t, chain.Close())
}

func TestChainedLimiter_AllMembersMustGrant(t *testing.T) {
	concurrency, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{PermitLimit: 2}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, concurrency.Close()) }()
	bucket, err := NewTokenBucketLimiter(TokenBucketLimiterConfig{
		TokenLimit:          1,
		TokensPerPeriod:     1,
		ReplenishmentPeriod: config.TimeDuration(time.Second),
	}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, bucket.Close()) }()

	chain, err := NewChainedLimiter(concurrency, bucket)
	require.NoError(t, err)

	lease, err := chain.TryAcquire(1)
	require.NoError(t, err)
	require.True(t, lease.Acquired())

	// The bucket is empty now: the chain denies and reports which member did.
	denied, err := chain.TryAcquire(1)
	require.NoError(t, err)
	require.False(t, denied.Acquired())
	idx, ok := denied.Metadata(MetadataKeyChainIndex)
	require.True(t, ok)
	require.Equal(t, 1, idx)
	retryAfter, ok := denied.RetryAfter()
	require.True(t, ok)
	require.Equal(t, time.Second, retryAfter)

	// The first member's permits must have been released on the denial.
	require.Equal(t, int64(1), concurrency.Stats().AvailablePermits)
}

func TestChainedLimiter_ReleaseFansOut(t *testing.T) {
	first, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{PermitLimit: 3}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, first.Close()) }()
	second, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{PermitLimit: 3}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, second.Close()) }()

	chain, err := NewChainedLimiter(first, second)
	require.NoError(t, err)

	lease, err := chain.TryAcquire(2)
	require.NoError(t, err)
	require.True(t, lease.Acquired())
	require.Equal(t, int64(1), first.Stats().AvailablePermits)
	require.Equal(t, int64(1), second.Stats().AvailablePermits)

	lease.Release()
	require.Equal(t, int64(3), first.Stats().AvailablePermits)
	require.Equal(t, int64(3), second.Stats().AvailablePermits)
}

func TestChainedLimiter_ErrorReleasesAcquired(t *testing.T) {
	first, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{PermitLimit: 1}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, first.Close()) }()
	second, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{PermitLimit: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, second.Close()) // Closed member fails acquisitions.

	chain, err := NewChainedLimiter(first, second)
	require.NoError(t, err)

	_, err = chain.TryAcquire(1)
	require.ErrorIs(t, err, ErrLimiterClosed)
	require.ErrorContains(t, err, "limiter at index 1")
	require.Equal(t, int64(1), first.Stats().AvailablePermits)
}

func TestChainedLimiter_Stats(t *testing.T) {
	first, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{PermitLimit: 5}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, first.Close()) }()
	second, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{PermitLimit: 3}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, second.Close()) }()

	chain, err := NewChainedLimiter(first, second)
	require.NoError(t, err)

	lease, err := chain.TryAcquire(2)
	require.NoError(t, err)
	require.True(t, lease.Acquired())

	stats := chain.Stats()
	require.Equal(t, int64(1), stats.AvailablePermits, "the most constrained member defines the chain's capacity")
	require.Equal(t, int64(2), stats.TotalGranted)
	require.Equal(t, int64(0), stats.TotalDenied)

	denied, err := chain.TryAcquire(3)
	require.NoError(t, err)
	require.False(t, denied.Acquired())
	require.Equal(t, int64(3), chain.Stats().TotalDenied)
}

func TestChainedLimiter_IdleDuration(t *testing.T) {
	first, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{PermitLimit: 1}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, first.Close()) }()
	second, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{PermitLimit: 1}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, second.Close()) }()

	chain, err := NewChainedLimiter(first, second)
	require.NoError(t, err)

	_, ok := chain.IdleDuration()
	require.True(t, ok)

	lease, err := second.TryAcquire(1)
	require.NoError(t, err)
	require.True(t, lease.Acquired())
	_, ok = chain.IdleDuration()
	require.False(t, ok, "the chain is idle only when every member is")

	lease.Release()
	_, ok = chain.IdleDuration()
	require.True(t, ok)
}

func TestChainedLimiter_Acquire(t *testing.T) {
	first, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{PermitLimit: 1, QueueLimit: 1}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, first.Close()) }()

	chain, err := NewChainedLimiter(first)
	require.NoError(t, err)

	blocking, err := chain.Acquire(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, blocking.Acquired())

	grantedCh := make(chan *Lease, 1)
	go func() {
		queuedLease, _ := chain.Acquire(context.Background(), 1)
		grantedCh <- queuedLease
	}()
	require.Eventually(t, func() bool {
		return chain.Stats().QueuedCount == 1
	}, time.Second, time.Millisecond)

	blocking.Release()
	queuedLease := <-grantedCh
	require.True(t, queuedLease.Acquired())
	queuedLease.Release()
}
