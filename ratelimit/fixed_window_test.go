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

func TestNewFixedWindowLimiter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     FixedWindowLimiterConfig
		wantErr bool
	}{
		{name: "valid", cfg: FixedWindowLimiterConfig{PermitLimit: 5, Window: config.TimeDuration(time.Second)}},
		{name: "zero permit limit", cfg: FixedWindowLimiterConfig{Window: config.TimeDuration(time.Second)}, wantErr: true},
		{name: "zero window", cfg: FixedWindowLimiterConfig{PermitLimit: 5}, wantErr: true},
		{
			name:    "negative queue limit",
			cfg:     FixedWindowLimiterConfig{PermitLimit: 5, Window: config.TimeDuration(time.Second), QueueLimit: -1},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewFixedWindowLimiter(tt.cfg, nil)
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

func TestFixedWindowLimiter_BurstAndReset(t *testing.T) {
	l, err := NewFixedWindowLimiter(FixedWindowLimiterConfig{
		PermitLimit: 3,
		Window:      config.TimeDuration(time.Second),
	}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, l.Close()) }()

	// The whole budget may be consumed as a burst within a window.
	lease, err := l.TryAcquire(3)
	require.NoError(t, err)
	require.True(t, lease.Acquired())

	denied, err := l.TryAcquire(1)
	require.NoError(t, err)
	require.False(t, denied.Acquired())

	// Releasing consumed permits does not restore them.
	lease.Release()
	require.Equal(t, int64(0), l.Stats().AvailablePermits)

	// A window boundary resets the budget in full, with no partial accrual.
	require.True(t, l.TryReplenish())
	require.Equal(t, int64(3), l.Stats().AvailablePermits)
	lease2, err := l.TryAcquire(3)
	require.NoError(t, err)
	require.True(t, lease2.Acquired())
}

func TestFixedWindowLimiter_RetryAfterHint(t *testing.T) {
	l, err := NewFixedWindowLimiter(FixedWindowLimiterConfig{
		PermitLimit: 1,
		Window:      config.TimeDuration(time.Minute),
	}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, l.Close()) }()

	lease, err := l.TryAcquire(1)
	require.NoError(t, err)
	require.True(t, lease.Acquired())

	denied, err := l.TryAcquire(1)
	require.NoError(t, err)
	require.False(t, denied.Acquired())
	retryAfter, ok := denied.RetryAfter()
	require.True(t, ok)
	require.Greater(t, retryAfter, time.Duration(0))
	require.LessOrEqual(t, retryAfter, time.Minute)
}

func TestFixedWindowLimiter_QueuedAcquireGrantedOnNewWindow(t *testing.T) {
	l, err := NewFixedWindowLimiter(FixedWindowLimiterConfig{
		PermitLimit: 2,
		Window:      config.TimeDuration(time.Second),
		QueueLimit:  2,
	}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, l.Close()) }()

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

	require.True(t, l.TryReplenish())
	queuedLease := <-grantedCh
	require.True(t, queuedLease.Acquired())
	require.Equal(t, int64(0), l.Stats().AvailablePermits)
}

func TestFixedWindowLimiter_AutoReplenishment(t *testing.T) {
	l, err := NewFixedWindowLimiter(FixedWindowLimiterConfig{
		PermitLimit:       1,
		Window:            config.TimeDuration(20 * time.Millisecond),
		AutoReplenishment: true,
		QueueLimit:        1,
	}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, l.Close()) }()

	require.True(t, l.AutoReplenishing())
	require.Equal(t, 20*time.Millisecond, l.ReplenishmentPeriod())
	require.False(t, l.TryReplenish())

	lease, err := l.TryAcquire(1)
	require.NoError(t, err)
	require.True(t, lease.Acquired())

	queuedLease, err := l.Acquire(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, queuedLease.Acquired())
}

func TestFixedWindowLimiter_CancelQueuedAcquire(t *testing.T) {
	l, err := NewFixedWindowLimiter(FixedWindowLimiterConfig{
		PermitLimit: 1,
		Window:      config.TimeDuration(time.Second),
		QueueLimit:  1,
	}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, l.Close()) }()

	lease, err := l.TryAcquire(1)
	require.NoError(t, err)
	require.True(t, lease.Acquired())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, acquireErr := l.Acquire(ctx, 1)
		errCh <- acquireErr
	}()
	require.Eventually(t, func() bool {
		return l.Stats().QueuedCount == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Equal(t, int64(0), l.Stats().QueuedCount)

	// The cancelled request must not consume the new window's budget.
	require.True(t, l.TryReplenish())
	require.Equal(t, int64(1), l.Stats().AvailablePermits)
}
