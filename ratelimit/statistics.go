/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

// Statistics is an immutable point-in-time snapshot of a limiter's counters.
type Statistics struct {
	// AvailablePermits is the number of permits that could be granted right now.
	// For TokenBucketLimiter fractional tokens are truncated toward zero, so the
	// snapshot never reports more capacity than truly exists.
	AvailablePermits int64

	// QueuedCount is the total number of permits requested by currently queued
	// acquisitions.
	QueuedCount int64

	// TotalGranted is the total number of permits granted since the limiter
	// was constructed.
	TotalGranted int64

	// TotalDenied is the total number of permits denied since the limiter
	// was constructed. Cancelled and closed-out requests are not counted here.
	TotalDenied int64
}
