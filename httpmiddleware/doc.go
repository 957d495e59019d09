/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package httpmiddleware adapts the ratelimit package to net/http handlers.
//
// The middleware acquires a lease before serving each request and releases it
// after the handler returns, so both rate-limiting (token bucket, windows)
// and in-flight limiting (ConcurrencyLimiter) semantics work behind the same
// surface. Requests may be queued by the underlying limiter; queued requests
// honor client disconnects through the request context.
//
// Rejections are reported with a Retry-After header when the limiter provides
// an estimate, and can be customized with callbacks or switched to dry-run
// mode, where the rejection is only logged and the request is served anyway.
package httpmiddleware
