package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// queueLen bounds how many rendered items are chunked into a single
// send_all call against a debug tap, mirroring the chunking in the
// original queue debug tap (debug.rs: `msgs.chunks(QUEUE_LEN)`).
const queueLen = 1024

// QueueDebugger is the runtime registry an operator uses to turn a named
// queue's debug mirror on or off without restarting the process.
type QueueDebugger struct {
	mu      sync.Mutex
	streams map[string]*debugStream
}

type debugStream struct {
	receiver *Receiver[string]
	enabled  *atomic.Bool
}

// NewQueueDebugger creates an empty debugger registry.
func NewQueueDebugger() *QueueDebugger {
	return &QueueDebugger{streams: make(map[string]*debugStream)}
}

func (d *QueueDebugger) register(name string, receiver *Receiver[string], enabled *atomic.Bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streams[name] = &debugStream{receiver: receiver, enabled: enabled}
}

// Enable turns on the debug mirror for the named queue. Returns false if no
// queue was registered under that name.
func (d *QueueDebugger) Enable(name string) bool {
	d.mu.Lock()
	s, ok := d.streams[name]
	d.mu.Unlock()
	if !ok {
		return false
	}
	s.enabled.Store(true)
	return true
}

// Disable turns off the debug mirror for the named queue.
func (d *QueueDebugger) Disable(name string) bool {
	d.mu.Lock()
	s, ok := d.streams[name]
	d.mu.Unlock()
	if !ok {
		return false
	}
	s.enabled.Store(false)
	return true
}

// Receiver returns the debug-tap Receiver registered under name, if any.
func (d *QueueDebugger) Receiver(name string) (*Receiver[string], bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[name]
	if !ok {
		return nil, false
	}
	return s.receiver, true
}

// DebugSender wraps a Sender[T] with a best-effort textual mirror onto a
// named debug queue (spec.md §4.1, "debug tap").
type DebugSender[T any] struct {
	sender  *Sender[T]
	debug   *Sender[string]
	enabled *atomic.Bool
}

func (s *DebugSender[T]) sendDebug(msgs []T) {
	if !s.enabled.Load() {
		return
	}
	for start := 0; start < len(msgs); start += queueLen {
		end := start + queueLen
		if end > len(msgs) {
			end = len(msgs)
		}
		rendered := make([]string, 0, end-start)
		for _, m := range msgs[start:end] {
			rendered = append(rendered, fmt.Sprintf("%+v", m))
		}
		// Best-effort: a full or terminated debug queue must never affect
		// the primary send path.
		_ = s.debug.SendAll(rendered)
	}
}

// Send enqueues msg on the primary queue, mirroring it to the debug tap
// first if the tap is currently enabled.
func (s *DebugSender[T]) Send(msg T) error {
	s.sendDebug([]T{msg})
	return s.sender.Send(msg)
}

// SendAll enqueues msgs as one unit, mirroring them to the debug tap first.
func (s *DebugSender[T]) SendAll(msgs []T) error {
	s.sendDebug(msgs)
	return s.sender.SendAll(msgs)
}

// SendInBatch chunks msgs and sends each chunk, mirroring each to the
// debug tap.
func (s *DebugSender[T]) SendInBatch(msgs []T, batchSize int) error {
	s.sendDebug(msgs)
	return s.sender.SendInBatch(msgs, batchSize)
}

// Size returns the primary queue's current depth.
func (s *DebugSender[T]) Size() int { return s.sender.Size() }

// Clone returns a new DebugSender handle sharing the same primary and
// debug queues.
func (s *DebugSender[T]) Clone() *DebugSender[T] {
	return &DebugSender[T]{sender: s.sender.Clone(), debug: s.debug.Clone(), enabled: s.enabled}
}

// BoundedWithDebug constructs a queue like Bounded, additionally
// registering a debug-tap queue of the given name with debugger. The tap
// is off by default; enable it via debugger.Enable(name).
func BoundedWithDebug[T any](size int, name string, debugger *QueueDebugger) (*DebugSender[T], *Receiver[T], *StatsHandle[T]) {
	sender, receiver, stats := Bounded[T](size)

	debugSender, debugReceiver, _ := Bounded[string](queueLen)
	enabled := &atomic.Bool{}
	debugger.register(name, debugReceiver, enabled)

	return &DebugSender[T]{sender: sender, debug: debugSender, enabled: enabled}, receiver, stats
}
