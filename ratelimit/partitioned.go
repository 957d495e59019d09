/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// PartitionedLimiter manages one independent child limiter per partition key,
// creating each lazily on first use via the provided factory. Partitions
// don't share anything: there is no cross-partition fairness and no global
// cap, and a partition persists for the limiter's lifetime once created.
//
// The partitioned limiter owns its children: Close closes all of them.
type PartitionedLimiter[K comparable] struct {
	newLimiter func(key K) (Limiter, error)

	mu         sync.RWMutex
	partitions map[K]Limiter
	closed     bool
}

// NewPartitionedLimiter creates a new PartitionedLimiter with the given
// child limiter factory.
func NewPartitionedLimiter[K comparable](newLimiter func(key K) (Limiter, error)) (*PartitionedLimiter[K], error) {
	if newLimiter == nil {
		return nil, fmt.Errorf("limiter factory is nil")
	}
	return &PartitionedLimiter[K]{
		newLimiter: newLimiter,
		partitions: make(map[K]Limiter),
	}, nil
}

// TryAcquire attempts to acquire permits from the key's partition without
// waiting, creating the partition if it doesn't exist yet.
func (l *PartitionedLimiter[K]) TryAcquire(key K, count int) (*Lease, error) {
	lim, err := l.Partition(key)
	if err != nil {
		return nil, err
	}
	return lim.TryAcquire(count)
}

// Acquire acquires permits from the key's partition, possibly queuing and
// suspending the caller, creating the partition if it doesn't exist yet.
func (l *PartitionedLimiter[K]) Acquire(ctx context.Context, key K, count int) (*Lease, error) {
	lim, err := l.Partition(key)
	if err != nil {
		return nil, err
	}
	return lim.Acquire(ctx, count)
}

// Partition returns the key's child limiter, creating it if needed.
// Concurrent first access to the same new key constructs the child
// exactly once.
func (l *PartitionedLimiter[K]) Partition(key K) (Limiter, error) {
	l.mu.RLock()
	lim, ok := l.partitions[key]
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return nil, ErrLimiterClosed
	}
	if ok {
		return lim, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLimiterClosed
	}
	if lim, ok = l.partitions[key]; ok {
		return lim, nil
	}
	lim, err := l.newLimiter(key)
	if err != nil {
		return nil, fmt.Errorf("create limiter for partition: %w", err)
	}
	if lim == nil {
		return nil, fmt.Errorf("limiter factory returned nil limiter")
	}
	l.partitions[key] = lim
	return lim, nil
}

// PartitionCount returns the number of partitions created so far.
func (l *PartitionedLimiter[K]) PartitionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.partitions)
}

// Close closes every child limiter. Subsequent acquisitions on any key fail
// with ErrLimiterClosed. Close is idempotent.
func (l *PartitionedLimiter[K]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var errs []error
	for _, lim := range l.partitions {
		if err := lim.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
