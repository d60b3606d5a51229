// Package pending buffers HTTP requests that arrive while the child process
// is not yet ready to serve them.
//
// A Queue is not safe for concurrent use. It is owned by the supervisor's run
// loop, which is the only goroutine that enqueues, drains or removes entries.
// Entry outcomes, on the other hand, are delivered across goroutines: the
// handler that created an entry blocks on Ready() until the loop resolves it.
package pending

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome tells a waiting handler what to do with its request.
type Outcome struct {
	// Port is the child's listening port when the request should be forwarded.
	Port int
	// Code and Err are set when the request must be rejected instead.
	Code int
	Err  error
	// After, when non-nil, is closed once the previously released request
	// has been sent upstream. Waiting on it keeps a drained batch in
	// arrival order on the wire.
	After <-chan struct{}
}

// Forward reports whether the outcome releases the request to the child.
func (o Outcome) Forward() bool {
	return o.Err == nil && o.Port > 0
}

// Entry is one buffered request.
type Entry struct {
	ID         string
	Request    *http.Request
	Writer     http.ResponseWriter
	EnqueuedAt time.Time

	ready    chan Outcome
	resolved bool

	dispatched   chan struct{}
	dispatchOnce sync.Once
}

// NewEntry wraps a request/response pair for queueing.
func NewEntry(r *http.Request, w http.ResponseWriter) *Entry {
	return &Entry{
		ID:         uuid.NewString(),
		Request:    r,
		Writer:     w,
		EnqueuedAt: time.Now(),
		ready:      make(chan Outcome, 1),
		dispatched: make(chan struct{}),
	}
}

// Ready yields exactly one Outcome once the entry is resolved.
func (e *Entry) Ready() <-chan Outcome {
	return e.ready
}

// Resolve delivers o to the waiting handler. Only the first call has any
// effect; it reports whether this call was the one that resolved the entry.
// Resolve must only be called from the goroutine that owns the Queue.
func (e *Entry) Resolve(o Outcome) bool {
	if e.resolved {
		return false
	}
	e.resolved = true
	e.ready <- o
	return true
}

// Dispatched is closed by MarkDispatched.
func (e *Entry) Dispatched() <-chan struct{} {
	return e.dispatched
}

// MarkDispatched records that the handler is done with its turn: the request
// was written upstream, or it will never be. Safe to call more than once and
// from any goroutine.
func (e *Entry) MarkDispatched() {
	e.dispatchOnce.Do(func() { close(e.dispatched) })
}

// Queue is an ordered, duplicate-free buffer of entries.
type Queue struct {
	entries []*Entry
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends e unless an entry for the same *http.Request is already
// queued. It returns the entry that now represents the request, and whether
// e was the one added.
func (q *Queue) Enqueue(e *Entry) (*Entry, bool) {
	// Depth is bounded by startup bursts, so a linear scan is fine.
	for i := len(q.entries) - 1; i >= 0; i-- {
		if q.entries[i].Request == e.Request {
			return q.entries[i], false
		}
	}
	q.entries = append(q.entries, e)
	return e, true
}

// DrainAll returns the queued entries in insertion order and empties the queue.
func (q *Queue) DrainAll() []*Entry {
	out := q.entries
	q.entries = nil
	return out
}

// Remove withdraws e. It reports whether e was still queued.
func (q *Queue) Remove(e *Entry) bool {
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	return len(q.entries)
}
