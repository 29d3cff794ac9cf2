package channel

import (
	"context"
	"sync"
	"time"
)

// RequestQueue is the ordered outbound queue between a Channel and its Endpoint.
// Each fragment put on the queue stays unfinished until the endpoint calls Done,
// which lets the channel wait for the wire to drain.
type RequestQueue struct {
	items chan []byte

	mu         sync.Mutex
	unfinished int
	drained    chan struct{} // closed while unfinished == 0
}

// NewRequestQueue creates a queue holding up to size fragments
func NewRequestQueue(size int) *RequestQueue {
	drained := make(chan struct{})
	close(drained)
	return &RequestQueue{
		items:   make(chan []byte, size),
		drained: drained,
	}
}

// Put appends a fragment, blocking while the queue is full
func (q *RequestQueue) Put(ctx context.Context, fragment []byte) error {
	q.add(1)
	select {
	case q.items <- fragment:
		return nil
	case <-ctx.Done():
		q.add(-1)
		return ctx.Err()
	}
}

// Get removes the next fragment, blocking until one is available
func (q *RequestQueue) Get(ctx context.Context) ([]byte, error) {
	select {
	case fragment := <-q.items:
		return fragment, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Items exposes the receive side of the queue for endpoints that select on
// several sources. Every fragment received must still be marked Done.
func (q *RequestQueue) Items() <-chan []byte {
	return q.items
}

// Done marks one fragment taken from the queue as written
func (q *RequestQueue) Done() {
	q.add(-1)
}

func (q *RequestQueue) add(delta int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev := q.unfinished
	q.unfinished += delta
	if q.unfinished < 0 {
		panic("channel: RequestQueue.Done called more times than Put")
	}

	switch {
	case prev == 0 && q.unfinished > 0:
		q.drained = make(chan struct{})
	case prev > 0 && q.unfinished == 0:
		close(q.drained)
	}
}

// Len returns the number of fragments waiting to be taken by the endpoint
func (q *RequestQueue) Len() int {
	return len(q.items)
}

// Pending returns the number of fragments not yet marked Done
func (q *RequestQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// Join waits until every fragment put on the queue has been marked Done.
// It returns false if that does not happen within timeout.
func (q *RequestQueue) Join(timeout time.Duration) bool {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-drained:
		return true
	case <-timer.C:
		return false
	}
}
