package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

// ring is the shared state behind every Sender/Receiver pair: a fixed-size
// circular buffer guarded by one mutex, with a condition variable for
// consumers waiting on data.
type ring[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	buf   []T
	head  int // next slot to read
	count int

	closed bool

	sent    atomic.Uint64
	dropped atomic.Uint64
	recv    atomic.Uint64
}

func newRing[T any](size int) *ring[T] {
	r := &ring[T]{buf: make([]T, size)}
	r.notEmpty = sync.NewCond(&r.mu)
	return r
}

// pushOverwrite enqueues msg, evicting the oldest element (and counting a
// drop) if the buffer is already full. Returns false if the queue has been
// closed.
func (r *ring[T]) pushOverwrite(msg T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	tail := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		// Buffer full: overwrite the oldest slot and advance head, so the
		// newest item always survives at the cost of the oldest one.
		r.buf[r.head] = msg
		r.head = (r.head + 1) % len(r.buf)
		r.dropped.Add(1)
	} else {
		r.buf[tail] = msg
		r.count++
	}

	r.sent.Add(1)
	r.notEmpty.Signal()
	return true
}

func (r *ring[T]) popWait(deadline time.Time, hasDeadline bool) (T, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == 0 && !r.closed {
		if !hasDeadline {
			r.notEmpty.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			var zero T
			return zero, false, false
		}
		// sync.Cond has no timed wait; approximate one by releasing the
		// lock for a short slice and rechecking, bounded by remaining.
		r.mu.Unlock()
		time.Sleep(minDuration(remaining, 10*time.Millisecond))
		r.mu.Lock()
	}

	if r.count == 0 && r.closed {
		var zero T
		return zero, false, true
	}

	item := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	r.recv.Add(1)
	return item, true, false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (r *ring[T]) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *ring[T]) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.notEmpty.Broadcast()
}

// Sender is a cloneable producer handle (spec.md §4.1: "Multiple Sender
// handles may exist; cloning a Sender increases producer count").
type Sender[T any] struct {
	r *ring[T]
}

// Send enqueues msg, applying the overwrite-on-full policy.
func (s *Sender[T]) Send(msg T) error {
	if !s.r.pushOverwrite(msg) {
		return &TerminatedError[T]{Item: &msg}
	}
	return nil
}

// SendAll enqueues msgs in order, rejecting the whole batch if it exceeds
// capacity. Items are pushed one at a time, each under its own lock, so
// items from concurrent senders may interleave with the batch, and a Close
// partway through leaves the items already pushed in the queue.
func (s *Sender[T]) SendAll(msgs []T) error {
	if len(msgs) > len(s.r.buf) {
		return &BatchTooLargeError[T]{Batch: msgs}
	}
	for _, m := range msgs {
		if !s.r.pushOverwrite(m) {
			return &TerminatedError[T]{Batch: msgs}
		}
	}
	return nil
}

// SendInBatch chunks msgs into sub-batches of at most batchSize and sends
// each as a bulk enqueue.
func (s *Sender[T]) SendInBatch(msgs []T, batchSize int) error {
	if batchSize <= 0 {
		batchSize = len(msgs)
	}
	for start := 0; start < len(msgs); start += batchSize {
		end := start + batchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := s.SendAll(msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Size returns a monotonic sample of the current queue depth; may be stale
// by the time the caller observes it.
func (s *Sender[T]) Size() int { return s.r.size() }

// Clone returns a new Sender handle sharing the same underlying queue.
func (s *Sender[T]) Clone() *Sender[T] { return &Sender[T]{r: s.r} }

// Receiver is the single consumer handle for a queue.
type Receiver[T any] struct {
	r *ring[T]
}

// Recv blocks until an item is available, the timeout elapses, or the
// queue is terminated. timeout <= 0 means wait indefinitely.
func (rv *Receiver[T]) Recv(timeout time.Duration) (T, error) {
	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	item, ok, terminated := rv.r.popWait(deadline, hasDeadline)
	if terminated {
		return item, &TerminatedError[T]{}
	}
	if !ok {
		return item, ErrTimeout
	}
	return item, nil
}

// RecvN drains up to max items, blocking for at most timeout for the
// first item, then returning immediately with whatever else is ready.
func (rv *Receiver[T]) RecvN(max int, timeout time.Duration) ([]T, error) {
	first, err := rv.Recv(timeout)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, max)
	out = append(out, first)

	for len(out) < max {
		item, ok, terminated := rv.r.popWait(time.Now(), true)
		if terminated || !ok {
			break
		}
		out = append(out, item)
		if rv.r.size() == 0 {
			break
		}
	}
	return out, nil
}

// Close terminates the queue: further Sends fail, and Recv drains
// remaining buffered items before returning TerminatedError.
func (rv *Receiver[T]) Close() {
	rv.r.close()
}

// StatsHandle exposes sampled counters for a queue without granting send
// or receive access.
type StatsHandle[T any] struct {
	r *ring[T]
}

// Len returns the current queued count.
func (h *StatsHandle[T]) Len() int { return h.r.size() }

// Sent returns the cumulative count of items accepted by Send*.
func (h *StatsHandle[T]) Sent() uint64 { return h.r.sent.Load() }

// Dropped returns the cumulative count of items evicted by the
// overwrite-on-full policy.
func (h *StatsHandle[T]) Dropped() uint64 { return h.r.dropped.Load() }

// Received returns the cumulative count of items delivered via Recv/RecvN.
func (h *StatsHandle[T]) Received() uint64 { return h.r.recv.Load() }

// Bounded constructs a fixed-capacity overwrite queue of the given size.
func Bounded[T any](size int) (*Sender[T], *Receiver[T], *StatsHandle[T]) {
	r := newRing[T](size)
	return &Sender[T]{r: r}, &Receiver[T]{r: r}, &StatsHandle[T]{r: r}
}
