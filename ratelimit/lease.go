/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/xid"
)

// Metadata keys that limiters of this package may attach to leases.
const (
	// MetadataKeyRetryAfter holds a time.Duration hint after which a denied
	// acquisition is worth retrying. Present only when the limiter can
	// estimate it (time-based limiters).
	MetadataKeyRetryAfter = "retryAfter"

	// MetadataKeyChainIndex holds an int index of the chained limiter's child
	// that denied the acquisition.
	MetadataKeyChainIndex = "chainIndex"
)

// Lease is the result of a permit acquisition attempt, granted or denied.
//
// A granted lease may own a release action (returning permits for
// ConcurrencyLimiter, a no-op for consuming limiters); Release executes it
// at most once and is safe to call from any goroutine, including the one
// running a limiter's queue processing.
type Lease struct {
	acquired bool
	id       string
	count    int
	metadata map[string]interface{}

	releaseOnce sync.Once
	release     func()
}

func newGrantedLease(count int, release func()) *Lease {
	return &Lease{
		acquired: true,
		id:       xid.New().String(),
		count:    count,
		release:  release,
	}
}

func newDeniedLease() *Lease {
	return &Lease{}
}

func newDeniedLeaseWithRetryAfter(retryAfter time.Duration) *Lease {
	return &Lease{metadata: map[string]interface{}{MetadataKeyRetryAfter: retryAfter}}
}

// Acquired reports whether the acquisition was granted.
func (l *Lease) Acquired() bool {
	return l.acquired
}

// ID returns a unique identifier of a granted lease, usable for correlating
// logs of lease holders. It's empty for denied leases.
func (l *Lease) ID() string {
	return l.id
}

// PermitCount returns the number of permits the lease holds.
// It's zero for denied leases.
func (l *Lease) PermitCount() int {
	if !l.acquired {
		return 0
	}
	return l.count
}

// Metadata returns the metadata value associated with the given key.
func (l *Lease) Metadata(key string) (interface{}, bool) {
	v, ok := l.metadata[key]
	return v, ok
}

// RetryAfter returns the retry-after hint attached to a denied lease.
// The second return value is false when no hint is available.
func (l *Lease) RetryAfter() (time.Duration, bool) {
	v, ok := l.metadata[MetadataKeyRetryAfter]
	if !ok {
		return 0, false
	}
	d, ok := v.(time.Duration)
	return d, ok
}

// Release executes the lease's release action. Subsequent calls are no-ops.
// Releasing a denied lease is allowed and does nothing.
func (l *Lease) Release() {
	l.releaseOnce.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

func (l *Lease) withMetadata(key string, value interface{}) *Lease {
	if l.metadata == nil {
		l.metadata = make(map[string]interface{}, 1)
	}
	l.metadata[key] = value
	return l
}
