// Package dispatch is the boundary between job submission and execution.
// Only job ids cross it; workers always re-read the job from the store.
package dispatch

import (
	"context"
	"errors"
)

var (
	ErrQueueFull = errors.New("dispatch: queue full")
	ErrClosed    = errors.New("dispatch: closed")
)

// Dispatcher accepts job ids for asynchronous execution. Enqueue must not
// wait for the job to run.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID string) error
	Close() error
}

// Delivery is one handed-out job id. Exactly one of Ack, Retry or Reject
// should be called.
type Delivery interface {
	JobID() string
	// Attempt is 0 for the first delivery and grows with every Retry.
	Attempt() int
	Ack() error
	// Retry schedules a redelivery, or dead-letters the job once the
	// transport's attempt limit is reached.
	Retry(ctx context.Context) error
	Reject() error
}

// Source feeds deliveries to workers until ctx is done.
type Source interface {
	Deliveries(ctx context.Context) (<-chan Delivery, error)
}
