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

func newManualSlidingWindow(t *testing.T, cfg SlidingWindowLimiterConfig) *SlidingWindowLimiter {
	t.Helper()
	l, err := NewSlidingWindowLimiter(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	return l
}

func TestNewSlidingWindowLimiter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SlidingWindowLimiterConfig
		wantErr bool
	}{
		{
			name: "valid",
			cfg: SlidingWindowLimiterConfig{
				PermitLimit:       6,
				Window:            config.TimeDuration(time.Second),
				SegmentsPerWindow: 3,
			},
		},
		{
			name: "zero segments",
			cfg: SlidingWindowLimiterConfig{
				PermitLimit: 6,
				Window:      config.TimeDuration(time.Second),
			},
			wantErr: true,
		},
		{
			name: "zero permit limit",
			cfg: SlidingWindowLimiterConfig{
				Window:            config.TimeDuration(time.Second),
				SegmentsPerWindow: 3,
			},
			wantErr: true,
		},
		{
			name:    "zero window",
			cfg:     SlidingWindowLimiterConfig{PermitLimit: 6, SegmentsPerWindow: 3},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewSlidingWindowLimiter(tt.cfg, nil)
			if tt.wantErr {
				require.Error(t, err)
				require.Nil(t, l)
				return
			}
			require.NoError(t, err)
			require.NoError(t, l.Close())
		})
	}
}

func TestSlidingWindowLimiter_ConsumptionExpiresPerSegment(t *testing.T) {
	l := newManualSlidingWindow(t, SlidingWindowLimiterConfig{
		PermitLimit:       6,
		Window:            config.TimeDuration(time.Second),
		SegmentsPerWindow: 3,
	})

	// Consume 4 in the first segment, 2 in the second.
	lease, err := l.TryAcquire(4)
	require.NoError(t, err)
	require.True(t, lease.Acquired())
	require.True(t, l.TryReplenish())
	lease, err = l.TryAcquire(2)
	require.NoError(t, err)
	require.True(t, lease.Acquired())
	require.Equal(t, int64(0), l.Stats().AvailablePermits)

	// Two more ticks move the first segment out of the window, expiring its 4.
	require.True(t, l.TryReplenish())
	require.Equal(t, int64(0), l.Stats().AvailablePermits)
	require.True(t, l.TryReplenish())
	require.Equal(t, int64(4), l.Stats().AvailablePermits)

	// One more tick expires the second segment's 2.
	require.True(t, l.TryReplenish())
	require.Equal(t, int64(6), l.Stats().AvailablePermits)
}

func TestSlidingWindowLimiter_EvenSpreadIsNotDenied(t *testing.T) {
	// A steady rate of PermitLimit/SegmentsPerWindow per segment never hits
	// a denial: each tick frees exactly what the next segment needs.
	l := newManualSlidingWindow(t, SlidingWindowLimiterConfig{
		PermitLimit:       6,
		Window:            config.TimeDuration(time.Second),
		SegmentsPerWindow: 3,
	})

	for i := 0; i < 12; i++ {
		lease, err := l.TryAcquire(2)
		require.NoError(t, err)
		require.True(t, lease.Acquired(), "iteration %d", i)
		require.True(t, l.TryReplenish())
	}
}

func TestSlidingWindowLimiter_SeamBurstBounded(t *testing.T) {
	// Unlike a fixed window, a tick frees only the expiring segment's
	// consumption, never the whole budget.
	l := newManualSlidingWindow(t, SlidingWindowLimiterConfig{
		PermitLimit:       4,
		Window:            config.TimeDuration(time.Second),
		SegmentsPerWindow: 4,
	})

	lease, err := l.TryAcquire(4)
	require.NoError(t, err)
	require.True(t, lease.Acquired())

	require.True(t, l.TryReplenish())
	// All 4 were consumed in one segment; nothing expires for 3 more ticks.
	denied, err := l.TryAcquire(1)
	require.NoError(t, err)
	require.False(t, denied.Acquired())
}

func TestSlidingWindowLimiter_RetryAfterHint(t *testing.T) {
	l := newManualSlidingWindow(t, SlidingWindowLimiterConfig{
		PermitLimit:       4,
		Window:            config.TimeDuration(4 * time.Second),
		SegmentsPerWindow: 4,
	})
	require.Equal(t, time.Second, l.ReplenishmentPeriod())

	// Consume 2 in the current segment, 2 in the next one.
	lease, err := l.TryAcquire(2)
	require.NoError(t, err)
	require.True(t, lease.Acquired())
	require.True(t, l.TryReplenish())
	lease, err = l.TryAcquire(2)
	require.NoError(t, err)
	require.True(t, lease.Acquired())

	// 2 more permits become available in 3 ticks (when the first segment
	// expires), 4 in 4 ticks.
	denied, err := l.TryAcquire(2)
	require.NoError(t, err)
	require.False(t, denied.Acquired())
	retryAfter, ok := denied.RetryAfter()
	require.True(t, ok)
	require.Greater(t, retryAfter, 2*time.Second)
	require.LessOrEqual(t, retryAfter, 3*time.Second)

	denied, err = l.TryAcquire(4)
	require.NoError(t, err)
	require.False(t, denied.Acquired())
	retryAfter, ok = denied.RetryAfter()
	require.True(t, ok)
	require.Greater(t, retryAfter, 3*time.Second)
	require.LessOrEqual(t, retryAfter, 4*time.Second)
}

func TestSlidingWindowLimiter_QueueProcessedOnEveryTick(t *testing.T) {
	l := newManualSlidingWindow(t, SlidingWindowLimiterConfig{
		PermitLimit:       2,
		Window:            config.TimeDuration(time.Second),
		SegmentsPerWindow: 2,
		QueueLimit:        2,
	})

	lease, err := l.TryAcquire(2)
	require.NoError(t, err)
	require.True(t, lease.Acquired())

	grantedCh := make(chan *Lease, 1)
	go func() {
		queuedLease, _ := l.Acquire(context.Background(), 2)
		grantedCh <- queuedLease
	}()
	require.Eventually(t, func() bool {
		return l.Stats().QueuedCount == 2
	}, time.Second, time.Millisecond)

	// First tick frees nothing (the consumption is one segment old at most).
	require.True(t, l.TryReplenish())
	select {
	case <-grantedCh:
		t.Fatal("request granted before the consumed segment expired")
	case <-time.After(50 * time.Millisecond):
	}

	// Second tick expires the consumed segment and wakes the queued request.
	require.True(t, l.TryReplenish())
	queuedLease := <-grantedCh
	require.True(t, queuedLease.Acquired())
}

func TestSlidingWindowLimiter_AutoReplenishment(t *testing.T) {
	l, err := NewSlidingWindowLimiter(SlidingWindowLimiterConfig{
		PermitLimit:       2,
		Window:            config.TimeDuration(40 * time.Millisecond),
		SegmentsPerWindow: 2,
		AutoReplenishment: true,
		QueueLimit:        2,
	}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, l.Close()) }()

	require.True(t, l.AutoReplenishing())
	require.False(t, l.TryReplenish())

	lease, err := l.TryAcquire(2)
	require.NoError(t, err)
	require.True(t, lease.Acquired())

	queuedLease, err := l.Acquire(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, queuedLease.Acquired())
}

func TestSlidingWindowLimiter_CloseResolvesQueued(t *testing.T) {
	l, err := NewSlidingWindowLimiter(SlidingWindowLimiterConfig{
		PermitLimit:       1,
		Window:            config.TimeDuration(time.Second),
		SegmentsPerWindow: 2,
		QueueLimit:        1,
	}, nil)
	require.NoError(t, err)

	lease, err := l.TryAcquire(1)
	require.NoError(t, err)
	require.True(t, lease.Acquired())

	errCh := make(chan error, 1)
	go func() {
		_, acquireErr := l.Acquire(context.Background(), 1)
		errCh <- acquireErr
	}()
	require.Eventually(t, func() bool {
		return l.Stats().QueuedCount == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, l.Close())
	require.ErrorIs(t, <-errCh, ErrLimiterClosed)
}
