/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides admission control for protected work:
// callers acquire permits before performing an operation (an API call,
// a worker-pool slot, an outbound request) and receive a Lease that is
// either granted or denied.
//
// Acquisition is available in two forms: TryAcquire never blocks and
// reflects immediate availability only, while Acquire may place the
// request into a bounded queue and suspend the caller until permits
// become available, the context is cancelled, or the limiter is closed.
//
// The package implements five limiters behind the common Limiter contract:
//   - ConcurrencyLimiter: a fixed pool of permits that are returned when
//     the lease is released.
//   - TokenBucketLimiter: time-replenished fractional tokens that are
//     consumed, not returned.
//   - FixedWindowLimiter: permits fully reset at each window boundary.
//   - SlidingWindowLimiter: a segmented window for smoother limiting.
//   - ChainedLimiter: composition that requires every member to grant.
//
// PartitionedLimiter wraps any of them with lazily created, fully
// independent per-key instances.
//
// Denial is not an error: a denied Lease is a normal outcome and carries
// a retry-after hint as metadata when one can be computed. Errors are
// reserved for invalid permit counts, cancellation, and limiter closure.
package ratelimit
