package bus

import (
	"context"
	"sync/atomic"

	"main/internal/schema"
	"main/pkg/exception"
)

// EventKind discriminates inbound agent messages.
type EventKind uint16

const (
	EventUnknown EventKind = iota
	EventLiveness
	EventConfirmation
)

// Event is the unit passed from the gateway receive loops into the core.
// Exactly one payload field is set, per Kind.
type Event struct {
	Kind         EventKind
	AgentID      schema.AgentID
	Capabilities []string
	Confirmation schema.Confirmation
	RecvNano     int64
}

// Queue is a bounded, non-blocking event queue. Publishing never blocks
// the gateway receive loop; a full queue drops with an explicit error.
type Queue struct {
	ch     chan Event
	closed uint32
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(e Event) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return exception.ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		return exception.ErrQueueFull
	}
}

// Close stops the queue from accepting new events.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Run consumes events until the context is done or the queue is closed.
func (q *Queue) Run(ctx context.Context, handler func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}
