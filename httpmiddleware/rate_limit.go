/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpmiddleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	appmw "github.com/acronis/go-appkit/httpserver/middleware"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/restapi"

	"github.com/acronis/go-ratelimiting/ratelimit"
)

// RateLimitErrCode is an error code that is used in a response body
// if the request is rejected by the middleware.
const RateLimitErrCode = "tooManyRequests"

// Log fields for the RateLimit middleware.
const (
	RateLimitLogFieldKey = "rate_limit_key"

	userAgentLogFieldKey = "user_agent"
)

// RateLimitParams contains data that relates to the rate limiting procedure
// and could be used for rejecting or handling an occurred error.
type RateLimitParams struct {
	ErrDomain           string
	ResponseStatusCode  int
	GetRetryAfter       RateLimitGetRetryAfterFunc
	Key                 string
	EstimatedRetryAfter time.Duration
}

// RateLimitGetRetryAfterFunc is a function that is called to get a value for Retry-After response HTTP header
// when the rate limit is exceeded.
type RateLimitGetRetryAfterFunc func(r *http.Request, estimatedTime time.Duration) time.Duration

// RateLimitOnRejectFunc is a function that is called for rejecting HTTP request when the rate limit is exceeded.
type RateLimitOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger)

// RateLimitOnErrorFunc is a function that is called when an error occurs during the rate limiting.
type RateLimitOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger)

// RateLimitGetKeyFunc is a function that is called for getting key for rate limiting.
type RateLimitGetKeyFunc func(r *http.Request) (key string, bypass bool, err error)

// RateLimitOpts represents options for the RateLimit middleware.
type RateLimitOpts struct {
	// GetKey extracts the limiting key from the request. For the single-limiter
	// middleware it's used for bypassing and logging only; RateLimitPerKey
	// requires it to route requests to partitions.
	GetKey RateLimitGetKeyFunc

	// PermitsPerRequest is the number of permits one request acquires.
	// Zero means 1.
	PermitsPerRequest int

	// ResponseStatusCode is the HTTP status code of the rejection response.
	// Zero means http.StatusServiceUnavailable.
	ResponseStatusCode int

	// GetRetryAfter determines the Retry-After response header value.
	GetRetryAfter RateLimitGetRetryAfterFunc

	// DryRun makes the middleware only log rejections and serve the requests anyway.
	DryRun bool

	OnReject         RateLimitOnRejectFunc
	OnRejectInDryRun RateLimitOnRejectFunc
	OnError          RateLimitOnErrorFunc
}

// RateLimit is a middleware that limits the rate of HTTP requests with the
// single provided limiter. The limiter's lifecycle stays with the caller:
// close it when the server shuts down.
func RateLimit(limiter ratelimit.Limiter, errDomain string) (func(next http.Handler) http.Handler, error) {
	return RateLimitWithOpts(limiter, errDomain, RateLimitOpts{GetRetryAfter: GetRetryAfterEstimatedTime})
}

// MustRateLimit is a version of RateLimit that panics if an error occurs.
func MustRateLimit(limiter ratelimit.Limiter, errDomain string) func(next http.Handler) http.Handler {
	mw, err := RateLimit(limiter, errDomain)
	if err != nil {
		panic(err)
	}
	return mw
}

// RateLimitWithOpts is a configurable version of a middleware to limit the rate of HTTP requests.
func RateLimitWithOpts(
	limiter ratelimit.Limiter, errDomain string, opts RateLimitOpts,
) (func(next http.Handler) http.Handler, error) {
	if limiter == nil {
		return nil, fmt.Errorf("limiter is nil")
	}
	permits, err := permitsPerRequest(opts)
	if err != nil {
		return nil, err
	}
	acquire := func(r *http.Request) (*ratelimit.Lease, string, bool, error) {
		key, bypass, err := getKey(opts.GetKey, r)
		if err != nil || bypass {
			return nil, key, bypass, err
		}
		lease, err := limiter.Acquire(r.Context(), permits)
		return lease, key, false, err
	}
	return makeRateLimitMiddleware(acquire, errDomain, opts), nil
}

// MustRateLimitWithOpts is a version of RateLimitWithOpts that panics if an error occurs.
func MustRateLimitWithOpts(
	limiter ratelimit.Limiter, errDomain string, opts RateLimitOpts,
) func(next http.Handler) http.Handler {
	mw, err := RateLimitWithOpts(limiter, errDomain, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

// RateLimitPerKey is a middleware that limits the rate of HTTP requests
// independently per key extracted from the request. Partitions are created
// lazily and persist for the partitioned limiter's lifetime, so the key
// domain should be bounded (client identity, not raw request attributes).
// The partitioned limiter's lifecycle stays with the caller.
func RateLimitPerKey(
	limiters *ratelimit.PartitionedLimiter[string], getKeyFn RateLimitGetKeyFunc, errDomain string,
) (func(next http.Handler) http.Handler, error) {
	return RateLimitPerKeyWithOpts(limiters, errDomain, RateLimitOpts{
		GetKey:        getKeyFn,
		GetRetryAfter: GetRetryAfterEstimatedTime,
	})
}

// MustRateLimitPerKey is a version of RateLimitPerKey that panics if an error occurs.
func MustRateLimitPerKey(
	limiters *ratelimit.PartitionedLimiter[string], getKeyFn RateLimitGetKeyFunc, errDomain string,
) func(next http.Handler) http.Handler {
	mw, err := RateLimitPerKey(limiters, getKeyFn, errDomain)
	if err != nil {
		panic(err)
	}
	return mw
}

// RateLimitPerKeyWithOpts is a configurable version of a middleware to limit
// the rate of HTTP requests independently per key. Opts must provide GetKey.
func RateLimitPerKeyWithOpts(
	limiters *ratelimit.PartitionedLimiter[string], errDomain string, opts RateLimitOpts,
) (func(next http.Handler) http.Handler, error) {
	if limiters == nil {
		return nil, fmt.Errorf("partitioned limiter is nil")
	}
	if opts.GetKey == nil {
		return nil, fmt.Errorf("GetKey is required for per-key rate limiting")
	}
	permits, err := permitsPerRequest(opts)
	if err != nil {
		return nil, err
	}
	acquire := func(r *http.Request) (*ratelimit.Lease, string, bool, error) {
		key, bypass, err := getKey(opts.GetKey, r)
		if err != nil || bypass {
			return nil, key, bypass, err
		}
		lease, err := limiters.Acquire(r.Context(), key, permits)
		return lease, key, false, err
	}
	return makeRateLimitMiddleware(acquire, errDomain, opts), nil
}

// MustRateLimitPerKeyWithOpts is a version of RateLimitPerKeyWithOpts that panics if an error occurs.
func MustRateLimitPerKeyWithOpts(
	limiters *ratelimit.PartitionedLimiter[string], errDomain string, opts RateLimitOpts,
) func(next http.Handler) http.Handler {
	mw, err := RateLimitPerKeyWithOpts(limiters, errDomain, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

type acquireFunc func(r *http.Request) (lease *ratelimit.Lease, key string, bypass bool, err error)

type rateLimitHandler struct {
	next           http.Handler
	acquire        acquireFunc
	errDomain      string
	respStatusCode int
	getRetryAfter  RateLimitGetRetryAfterFunc
	dryRun         bool

	onReject         RateLimitOnRejectFunc
	onRejectInDryRun RateLimitOnRejectFunc
	onError          RateLimitOnErrorFunc
}

func makeRateLimitMiddleware(acquire acquireFunc, errDomain string, opts RateLimitOpts) func(next http.Handler) http.Handler {
	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusServiceUnavailable
	}
	return func(next http.Handler) http.Handler {
		return &rateLimitHandler{
			next:             next,
			acquire:          acquire,
			errDomain:        errDomain,
			respStatusCode:   respStatusCode,
			getRetryAfter:    opts.GetRetryAfter,
			dryRun:           opts.DryRun,
			onReject:         makeOnRejectFunc(opts.OnReject, DefaultRateLimitOnReject),
			onRejectInDryRun: makeOnRejectFunc(opts.OnRejectInDryRun, DefaultRateLimitOnRejectInDryRun),
			onError:          makeOnErrorFunc(opts),
		}
	}
}

func (h *rateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	lease, key, bypass, err := h.acquire(r)
	if err != nil {
		h.onError(rw, r, h.makeParams(key, 0), err, h.next, appmw.GetLoggerFromContext(r.Context()))
		return
	}
	if bypass { // Rate limiting is bypassed for this request.
		h.next.ServeHTTP(rw, r)
		return
	}
	if !lease.Acquired() {
		retryAfter, _ := lease.RetryAfter()
		params := h.makeParams(key, retryAfter)
		logger := appmw.GetLoggerFromContext(r.Context())
		if h.dryRun {
			h.onRejectInDryRun(rw, r, params, h.next, logger)
			return
		}
		h.onReject(rw, r, params, h.next, logger)
		return
	}
	defer lease.Release()
	h.next.ServeHTTP(rw, r)
}

func (h *rateLimitHandler) makeParams(key string, retryAfter time.Duration) RateLimitParams {
	return RateLimitParams{
		ErrDomain:           h.errDomain,
		ResponseStatusCode:  h.respStatusCode,
		GetRetryAfter:       h.getRetryAfter,
		Key:                 key,
		EstimatedRetryAfter: retryAfter,
	}
}

// GetRetryAfterEstimatedTime returns estimated time after that the client may retry the request.
func GetRetryAfterEstimatedTime(_ *http.Request, estimatedTime time.Duration) time.Duration {
	return estimatedTime
}

// DefaultRateLimitOnReject sends a typical error response when the rate limit is exceeded.
func DefaultRateLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(RateLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	if params.GetRetryAfter != nil {
		rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(params.GetRetryAfter(r, params.EstimatedRetryAfter).Seconds()))))
	}
	apiErr := restapi.NewError(params.ErrDomain, RateLimitErrCode, "Too many requests.")
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultRateLimitOnRejectInDryRun logs the rejection and serves the request anyway.
func DefaultRateLimitOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.String(RateLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

// DefaultRateLimitOnError sends a typical error response in case when an error occurs during the rate limiting.
func DefaultRateLimitOnError(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(RateLimitLogFieldKey, params.Key))
	}
	restapi.RespondInternalError(rw, params.ErrDomain, logger)
}

func permitsPerRequest(opts RateLimitOpts) (int, error) {
	if opts.PermitsPerRequest < 0 {
		return 0, fmt.Errorf("permits per request should not be negative, got %d", opts.PermitsPerRequest)
	}
	if opts.PermitsPerRequest == 0 {
		return 1, nil
	}
	return opts.PermitsPerRequest, nil
}

func getKey(getKeyFn RateLimitGetKeyFunc, r *http.Request) (key string, bypass bool, err error) {
	if getKeyFn == nil {
		return "", false, nil
	}
	key, bypass, err = getKeyFn(r)
	if err != nil {
		return key, false, fmt.Errorf("get key for rate limit: %w", err)
	}
	return key, bypass, nil
}

func makeOnRejectFunc(fn, defaultFn RateLimitOnRejectFunc) RateLimitOnRejectFunc {
	if fn != nil {
		return fn
	}
	return defaultFn
}

func makeOnErrorFunc(opts RateLimitOpts) RateLimitOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultRateLimitOnError
}
