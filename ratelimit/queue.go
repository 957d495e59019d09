/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"container/list"
	"context"
	"time"
)

// queueResult resolves a queued acquisition: a granted lease, a denied lease
// (queue eviction under newest-first order), or ErrLimiterClosed on teardown.
type queueResult struct {
	lease *Lease
	err   error
}

// queuedRequest lives in a limiter's request queue until it's granted,
// evicted, cancelled, or the limiter is closed.
type queuedRequest struct {
	count      int
	enqueuedAt time.Time

	// done is buffered with capacity 1, so resolving never blocks the
	// queue processor. resolved is flipped together with the send, both
	// under the owning limiter's lock.
	done     chan queueResult
	resolved bool

	elem *list.Element
}

// resolve delivers the result to the waiting caller.
// Must be called under the owning limiter's lock, at most once per request.
func (r *queuedRequest) resolve(res queueResult) {
	r.done <- res
	r.resolved = true
}

// requestQueue is an ordered queue of pending acquisitions. Limits and counts
// are measured in permits, not requests. Not safe for concurrent use: the
// owning limiter guards it with its own lock.
type requestQueue struct {
	order   QueueProcessingOrder
	list    *list.List
	permits int
}

func newRequestQueue(order QueueProcessingOrder) *requestQueue {
	return &requestQueue{order: order.withDefault(), list: list.New()}
}

func (q *requestQueue) len() int {
	return q.list.Len()
}

func (q *requestQueue) enqueue(count int) *queuedRequest {
	req := &queuedRequest{
		count:      count,
		enqueuedAt: time.Now(),
		done:       make(chan queueResult, 1),
	}
	req.elem = q.list.PushBack(req)
	q.permits += count
	return req
}

// peek returns the next request to be served according to the configured
// order, or nil if the queue is empty.
func (q *requestQueue) peek() *queuedRequest {
	var elem *list.Element
	if q.order == QueueProcessingOrderNewestFirst {
		elem = q.list.Back()
	} else {
		elem = q.list.Front()
	}
	if elem == nil {
		return nil
	}
	return elem.Value.(*queuedRequest)
}

// remove unlinks the request from the queue and updates permit accounting.
func (q *requestQueue) remove(req *queuedRequest) {
	q.list.Remove(req.elem)
	q.permits -= req.count
}

// evictOldest unlinks and returns the oldest queued request, or nil if the
// queue is empty. Used to make room for newcomers under newest-first order.
func (q *requestQueue) evictOldest() *queuedRequest {
	elem := q.list.Front()
	if elem == nil {
		return nil
	}
	req := elem.Value.(*queuedRequest)
	q.remove(req)
	return req
}

// drain unlinks and returns all queued requests in FIFO order.
func (q *requestQueue) drain() []*queuedRequest {
	reqs := make([]*queuedRequest, 0, q.list.Len())
	for elem := q.list.Front(); elem != nil; elem = q.list.Front() {
		req := elem.Value.(*queuedRequest)
		q.remove(req)
		reqs = append(reqs, req)
	}
	return reqs
}

// awaitResult suspends the caller until the queued request is resolved or the
// context is cancelled. cancel must, under the owning limiter's lock, remove
// the request from the queue and report whether it was still unresolved.
// If the queue processor resolved the request before the cancellation was
// observed, the resolution wins and the cancellation becomes a no-op.
func awaitResult(ctx context.Context, req *queuedRequest, cancel func(*queuedRequest) bool) (*Lease, error) {
	select {
	case res := <-req.done:
		return res.lease, res.err
	case <-ctx.Done():
		if cancel(req) {
			return nil, ctx.Err()
		}
		// The request was resolved concurrently; the result is already
		// in the buffered channel.
		res := <-req.done
		return res.lease, res.err
	}
}
