package api

import (
	"sync"

	"github.com/google/uuid"

	"kanban-sync/internal/domain"
	"kanban-sync/internal/hub"
)

// queuedConn is a connection backed by an outbox drained by its transport.
type queuedConn struct {
	id      string
	subject string
	outbox  *hub.Outbox
}

func newQueuedConn(subject string, size int) *queuedConn {
	return &queuedConn{id: uuid.NewString(), subject: subject, outbox: hub.NewOutbox(size)}
}

func (c *queuedConn) ID() string                { return c.id }
func (c *queuedConn) Send(ev domain.Event) bool { return c.outbox.Push(ev) }
func (c *queuedConn) Close()                    { c.outbox.Close() }

// requestConn collects the replies to a single POSTed event. It is never
// registered for broadcasts.
type requestConn struct {
	id string

	mu      sync.Mutex
	replies []domain.Event
}

func newRequestConn() *requestConn {
	return &requestConn{id: "req-" + uuid.NewString()}
}

func (c *requestConn) ID() string { return c.id }

func (c *requestConn) Send(ev domain.Event) bool {
	c.mu.Lock()
	c.replies = append(c.replies, ev)
	c.mu.Unlock()
	return true
}

func (c *requestConn) Close() {}

func (c *requestConn) last() (domain.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return domain.Event{}, false
	}
	return c.replies[len(c.replies)-1], true
}
