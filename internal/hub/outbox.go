package hub

import (
	"sync"

	"kanban-sync/internal/domain"
)

// Outbox is the bounded outbound queue of one connection. Push never blocks.
type Outbox struct {
	mu     sync.Mutex
	ch     chan domain.Event
	done   chan struct{}
	closed bool
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{ch: make(chan domain.Event, size), done: make(chan struct{})}
}

// Push queues ev and reports false when the queue is full or closed.
func (o *Outbox) Push(ev domain.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- ev:
		return true
	default:
		return false
	}
}

// Events is drained by the connection's write loop.
func (o *Outbox) Events() <-chan domain.Event {
	return o.ch
}

// Done is closed once the outbox is closed.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Close is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}
