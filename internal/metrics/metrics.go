package metrics

import (
	"time"
)

// Collector receives supervisor and dispatcher measurements.
type Collector interface {
	// StatusTransition records a supervisor status change.
	StatusTransition(from, to string)

	// Restart records a start attempt and what triggered it
	// ("boot", "request", "admin").
	Restart(trigger string)

	// SpawnFailure records a child that could not be started.
	SpawnFailure()

	// CleanupFailure records a working directory that could not be removed.
	CleanupFailure()

	// ChildExit records a child exit by exit code.
	ChildExit(code int)

	// QueueDepth records the current pending queue depth.
	QueueDepth(depth int)

	// Queued records a request entering the pending queue.
	Queued()

	// Released records entries released for forwarding by a drain.
	Released(n int)

	// Rejected records requests answered without reaching the child.
	Rejected(reason string, n int)

	// PendingWait records how long a request waited in the queue.
	PendingWait(d time.Duration)

	// Forwarded records a proxied request and its outcome.
	Forwarded(d time.Duration, err error)
}

type noopCollector struct{}

func (noopCollector) StatusTransition(from, to string)     {}
func (noopCollector) Restart(trigger string)               {}
func (noopCollector) SpawnFailure()                        {}
func (noopCollector) CleanupFailure()                      {}
func (noopCollector) ChildExit(code int)                   {}
func (noopCollector) QueueDepth(depth int)                 {}
func (noopCollector) Queued()                              {}
func (noopCollector) Released(n int)                       {}
func (noopCollector) Rejected(reason string, n int)        {}
func (noopCollector) PendingWait(d time.Duration)          {}
func (noopCollector) Forwarded(d time.Duration, err error) {}

// Noop returns a Collector that discards everything.
func Noop() Collector {
	return noopCollector{}
}
