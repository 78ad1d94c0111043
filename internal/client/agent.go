package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"kanban-sync/internal/domain"
)

var errNotConnected = errors.New("not connected")

// Options configures an Agent.
type Options struct {
	// URL is the http(s) base of the sync server.
	URL   string
	Token string

	Logger     *log.Logger
	Dialer     *websocket.Dialer
	HTTPClient *http.Client

	OnChange func(Snapshot)
	OnError  func(domain.ErrorData)

	// DisableWebSocket forces the event stream transport.
	DisableWebSocket bool

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Agent keeps a Mirror connected to a sync server and sends task operations
// on the live transport.
type Agent struct {
	opts   Options
	log    *log.Logger
	mirror *Mirror

	mu sync.RWMutex
	tr transport
}

func NewAgent(opts Options) *Agent {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 5 * time.Second
		if opts.MaxBackoff < opts.MinBackoff {
			opts.MaxBackoff = opts.MinBackoff
		}
	}

	m := NewMirror(opts.Logger)
	if opts.OnChange != nil {
		m.OnChange(opts.OnChange)
	}
	if opts.OnError != nil {
		m.OnError(opts.OnError)
	}
	return &Agent{opts: opts, log: opts.Logger, mirror: m}
}

func (a *Agent) Mirror() *Mirror      { return a.mirror }
func (a *Agent) Connected() bool      { return a.mirror.Connected() }
func (a *Agent) Loading() bool        { return a.mirror.Loading() }
func (a *Agent) Tasks() []domain.Task { return a.mirror.Tasks() }
func (a *Agent) Statuses() []string   { return a.mirror.Statuses() }
func (a *Agent) Snapshot() Snapshot   { return a.mirror.Snapshot() }

// Run connects and applies notifications until ctx is done, reconnecting
// with capped exponential backoff whenever the session drops. Every new
// session starts with a fresh snapshot, so nothing is replayed.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.opts.MinBackoff
	for {
		tr, err := a.connect(ctx)
		if err == nil {
			backoff = a.opts.MinBackoff
			err = a.session(ctx, tr)
		}
		if ctx.Err() != nil {
			return nil
		}
		a.log.WithError(err).WithField("retry_in", backoff.String()).Warn("sync connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.opts.MaxBackoff {
			backoff = a.opts.MaxBackoff
		}
	}
}

func (a *Agent) connect(ctx context.Context) (transport, error) {
	if !a.opts.DisableWebSocket {
		tr, err := dialWS(ctx, a.opts.Dialer, a.opts.URL, a.opts.Token)
		if err == nil {
			return tr, nil
		}
		a.log.WithError(err).Info("websocket unavailable, falling back to event stream")
	}
	return dialSSE(ctx, a.opts.HTTPClient, a.opts.URL, a.opts.Token, a.log.WithField("transport", "sse"))
}

func (a *Agent) session(ctx context.Context, tr transport) error {
	stop := context.AfterFunc(ctx, func() { _ = tr.Close() })
	defer stop()
	defer tr.Close()

	a.setTransport(tr)
	a.mirror.SetConnected(true)
	a.log.WithField("transport", tr.Name()).Info("sync connected")
	defer func() {
		a.setTransport(nil)
		a.mirror.SetConnected(false)
	}()

	for {
		ev, err := tr.Next(ctx)
		if err != nil {
			if domain.IsValidation(err) {
				a.log.WithError(err).Warn("discarding malformed frame")
				continue
			}
			return err
		}
		if err := a.mirror.Apply(ev); err != nil {
			a.log.WithError(err).WithField("event", ev.Name).Warn("could not apply event")
		}
	}
}

func (a *Agent) setTransport(tr transport) {
	a.mu.Lock()
	a.tr = tr
	a.mu.Unlock()
}

func (a *Agent) send(ctx context.Context, name string, payload any) error {
	ev, err := domain.NewEvent(name, payload)
	if err != nil {
		return err
	}
	a.mu.RLock()
	tr := a.tr
	a.mu.RUnlock()
	if tr == nil {
		return &domain.TransportError{Op: "send", Err: errNotConnected}
	}
	return tr.Send(ctx, ev)
}

// Create asks the server to create a task. The result arrives as a
// task:created notification.
func (a *Agent) Create(ctx context.Context, req domain.CreateRequest) error {
	return a.send(ctx, domain.EventTaskCreate, req)
}

func (a *Agent) Update(ctx context.Context, req domain.UpdateRequest) error {
	if req.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "required"}
	}
	return a.send(ctx, domain.EventTaskUpdate, req)
}

// Move checks status against the statuses the server announced before
// sending. Before any announcement the server is left to decide.
func (a *Agent) Move(ctx context.Context, id, status string) error {
	if id == "" {
		return &domain.ValidationError{Field: "id", Reason: "required"}
	}
	if statuses := a.mirror.Statuses(); len(statuses) > 0 {
		known := false
		for _, s := range statuses {
			if s == status {
				known = true
				break
			}
		}
		if !known {
			return &domain.ValidationError{Field: "status", Reason: "unknown status " + status}
		}
	}
	return a.send(ctx, domain.EventTaskMove, domain.MoveRequest{ID: id, Status: status})
}

func (a *Agent) Delete(ctx context.Context, id string) error {
	if id == "" {
		return &domain.ValidationError{Field: "id", Reason: "required"}
	}
	return a.send(ctx, domain.EventTaskDelete, id)
}
