/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"errors"
	"fmt"
)

// ErrLimiterClosed is returned by acquisition methods after the limiter has
// been closed. Requests that were queued at the moment of closing are resolved
// with this error as well.
var ErrLimiterClosed = errors.New("limiter is closed")

// PermitCountExceededError is returned when the requested permit count exceeds
// the limiter's total capacity. Unlike denial, which can be resolved by waiting,
// such a request could never be granted, so it's surfaced as an error.
type PermitCountExceededError struct {
	Requested int
	Capacity  int
}

// Error implements the error interface.
func (e *PermitCountExceededError) Error() string {
	return fmt.Sprintf("requested permit count %d exceeds the limiter's capacity %d", e.Requested, e.Capacity)
}

// validateCount checks the requested permit count against the limiter's total
// capacity. Exceeding the capacity is a validation error, not a denial: such
// a request could never be granted no matter how long the caller waits.
func validateCount(count, capacity int) error {
	if count < 0 {
		return fmt.Errorf("permit count should not be negative, got %d", count)
	}
	if count > capacity {
		return &PermitCountExceededError{Requested: count, Capacity: capacity}
	}
	return nil
}
