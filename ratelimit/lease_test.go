/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestLease_Granted(t *testing.T) {
	var released atomic.Int64
	lease := newGrantedLease(3, func() { released.Inc() })

	require.True(t, lease.Acquired())
	require.Equal(t, 3, lease.PermitCount())
	require.NotEmpty(t, lease.ID())

	_, ok := lease.RetryAfter()
	require.False(t, ok)

	lease.Release()
	lease.Release()
	require.Equal(t, int64(1), released.Load(), "release action runs at most once")
}

func TestLease_ReleaseConcurrently(t *testing.T) {
	var released atomic.Int64
	lease := newGrantedLease(1, func() { released.Inc() })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease.Release()
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), released.Load())
}

func TestLease_Denied(t *testing.T) {
	lease := newDeniedLease()
	require.False(t, lease.Acquired())
	require.Zero(t, lease.PermitCount())
	require.Empty(t, lease.ID())
	lease.Release() // Releasing a denied lease is a no-op.

	_, ok := lease.RetryAfter()
	require.False(t, ok)
	_, ok = lease.Metadata(MetadataKeyRetryAfter)
	require.False(t, ok)
}

func TestLease_DeniedWithRetryAfter(t *testing.T) {
	lease := newDeniedLeaseWithRetryAfter(42 * time.Second)
	require.False(t, lease.Acquired())

	retryAfter, ok := lease.RetryAfter()
	require.True(t, ok)
	require.Equal(t, 42*time.Second, retryAfter)

	v, ok := lease.Metadata(MetadataKeyRetryAfter)
	require.True(t, ok)
	require.Equal(t, 42*time.Second, v)
}

func TestLease_Metadata(t *testing.T) {
	lease := newDeniedLease().withMetadata(MetadataKeyChainIndex, 2)
	v, ok := lease.Metadata(MetadataKeyChainIndex)
	require.True(t, ok)
	require.Equal(t, 2, v)

	_, ok = lease.Metadata("unknown")
	require.False(t, ok)
}

func TestLease_UniqueIDs(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		lease := newGrantedLease(1, nil)
		_, dup := seen[lease.ID()]
		require.False(t, dup)
		seen[lease.ID()] = struct{}{}
	}
}
