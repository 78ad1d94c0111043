package hub

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"kanban-sync/internal/domain"
)

// Conn is one live client connection as seen by the hub.
type Conn interface {
	ID() string
	// Send queues ev without blocking. It reports false when the connection
	// cannot keep up or is already closed.
	Send(ev domain.Event) bool
	Close()
}

// Broadcaster delivers a notification to every connected client.
type Broadcaster interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Registry is the set of connections attached to this process.
type Registry struct {
	log *log.Logger

	mu    sync.RWMutex
	conns map[string]Conn
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		panic("hub.NewRegistry: logger is nil")
	}
	return &Registry{log: logger, conns: make(map[string]Conn)}
}

func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	n := len(r.conns)
	r.mu.Unlock()
	r.log.WithFields(log.Fields{"conn": c.ID(), "connections": n}).Debug("client connected")
}

// Remove detaches the connection with the given id and reports whether it was
// registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	n := len(r.conns)
	r.mu.Unlock()
	if ok {
		r.log.WithFields(log.Fields{"conn": id, "connections": n}).Debug("client disconnected")
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast queues ev on every connection and returns how many accepted it.
// Connections whose queue is full are removed and closed; they resync by
// reconnecting.
func (r *Registry) Broadcast(ev domain.Event) int {
	r.mu.RLock()
	var slow []Conn
	delivered := 0
	for _, c := range r.conns {
		if c.Send(ev) {
			delivered++
			continue
		}
		slow = append(slow, c)
	}
	r.mu.RUnlock()

	for _, c := range slow {
		if r.Remove(c.ID()) {
			r.log.WithFields(log.Fields{"conn": c.ID(), "event": ev.Name}).Warn("dropping slow client")
		}
		c.Close()
	}
	return delivered
}

// Publish fans ev out to the local connections.
func (r *Registry) Publish(_ context.Context, ev domain.Event) error {
	r.Broadcast(ev)
	return nil
}

// CloseAll detaches and closes every connection. Transports notice the closed
// connection and end their sessions, which lets an HTTP shutdown drain.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Conn)
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		r.log.WithField("connections", len(conns)).Info("closed all clients")
	}
}
