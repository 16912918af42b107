// Package queue implements a fixed-capacity, multi-producer/single-consumer
// transport with an overwrite-on-full policy and an optional debug mirror,
// used between the capture, flow-aggregation, and L7-parsing stages.
package queue

import (
	"errors"
	"fmt"
)

// TerminatedError is returned by Send/Recv once the Receiver side of a
// queue has been closed. It carries the payload that could not be
// delivered so a caller may recover it instead of losing data silently.
type TerminatedError[T any] struct {
	Item  *T
	Batch []T
}

func (e *TerminatedError[T]) Error() string {
	return "queue: terminated"
}

// BatchTooLargeError is returned by SendAll when the batch exceeds the
// queue's capacity; the whole batch is rejected rather than partially
// enqueued.
type BatchTooLargeError[T any] struct {
	Batch []T
}

func (e *BatchTooLargeError[T]) Error() string {
	return fmt.Sprintf("queue: batch of %d exceeds capacity", len(e.Batch))
}

// ErrTimeout is returned by Recv/RecvN when no item arrives before the
// deadline passed by the caller.
var ErrTimeout = errors.New("queue: recv timeout")
