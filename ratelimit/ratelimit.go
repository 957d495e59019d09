/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueProcessingOrder determines in which order queued acquisition requests
// are served when permits become available.
type QueueProcessingOrder string

// Supported queue processing orders.
const (
	// QueueProcessingOrderOldestFirst serves queued requests in FIFO order.
	// While the queue is not empty, new requests go to the back of it.
	QueueProcessingOrderOldestFirst QueueProcessingOrder = "oldest_first"

	// QueueProcessingOrderNewestFirst serves queued requests in LIFO order.
	// New requests may be granted immediately even if the queue is not empty,
	// and when the queue is full, the oldest queued requests are evicted
	// (resolved as denied) to admit the newest one.
	QueueProcessingOrderNewestFirst QueueProcessingOrder = "newest_first"
)

// String returns a string representation of the queue processing order.
// Implements fmt.Stringer interface.
func (o QueueProcessingOrder) String() string {
	return string(o)
}

// Validate checks that the queue processing order is a known one.
// An empty value is valid and is interpreted as QueueProcessingOrderOldestFirst.
func (o QueueProcessingOrder) Validate() error {
	switch o {
	case "", QueueProcessingOrderOldestFirst, QueueProcessingOrderNewestFirst:
		return nil
	}
	return fmt.Errorf("unknown queue processing order %q", string(o))
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
// It's used by mapstructure.TextUnmarshallerHookFunc.
func (o *QueueProcessingOrder) UnmarshalText(text []byte) error {
	return o.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (o *QueueProcessingOrder) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return o.unmarshal(text)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (o *QueueProcessingOrder) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return o.unmarshal(text)
}

func (o *QueueProcessingOrder) unmarshal(text string) error {
	order := QueueProcessingOrder(text)
	if err := order.Validate(); err != nil {
		return err
	}
	*o = order.withDefault()
	return nil
}

func (o QueueProcessingOrder) withDefault() QueueProcessingOrder {
	if o == "" {
		return QueueProcessingOrderOldestFirst
	}
	return o
}

// Limiter is the contract every limiter in this package implements.
type Limiter interface {
	// TryAcquire attempts to acquire the requested number of permits without waiting.
	// It never touches the queue beyond the immediate availability check.
	// A denied lease is a normal outcome, not an error.
	// It returns *PermitCountExceededError if count exceeds the limiter's total capacity
	// and ErrLimiterClosed if the limiter has been closed.
	TryAcquire(count int) (*Lease, error)

	// Acquire attempts to acquire the requested number of permits, queuing and
	// suspending the caller when they are not immediately available and the queue
	// has room. It returns ctx.Err() if the context is cancelled while the request
	// is queued and ErrLimiterClosed if the limiter is closed before the request
	// is granted. When the queue has no room, a denied lease is returned immediately.
	Acquire(ctx context.Context, count int) (*Lease, error)

	// Stats returns a point-in-time snapshot of the limiter's counters.
	// It never blocks on queue processing.
	Stats() Statistics

	// IdleDuration returns how long the limiter has been at full capacity.
	// The second return value is false while the limiter is not at full capacity.
	IdleDuration() (time.Duration, bool)

	// Close releases the limiter's resources. Every still-queued request is
	// resolved with ErrLimiterClosed. Close is idempotent.
	Close() error
}

// ReplenishingLimiter is a Limiter whose capacity is restored over time,
// either by an owned background task or by manual TryReplenish calls.
type ReplenishingLimiter interface {
	Limiter

	// AutoReplenishing reports whether the limiter owns a background
	// replenishment task.
	AutoReplenishing() bool

	// ReplenishmentPeriod returns the period between two replenishments.
	ReplenishmentPeriod() time.Duration

	// TryReplenish performs one manual replenishment step.
	// It's a no-op returning false while auto-replenishment is active
	// or after the limiter has been closed.
	TryReplenish() bool
}
