package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"kanban-sync/internal/domain"
)

const (
	wsPath     = "/ws"
	streamPath = "/stream"
	eventsPath = "/api/events"

	wsWriteWait    = 10 * time.Second
	maxStreamFrame = 64 << 20
)

var errClosed = errors.New("transport closed")

// transport carries frames between the agent and one server session.
type transport interface {
	Name() string
	Next(ctx context.Context) (domain.Event, error)
	Send(ctx context.Context, ev domain.Event) error
	Close() error
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// wsURL rewrites the http base into the WebSocket endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + wsPath
	return u.String(), nil
}

func httpURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

func dialWS(ctx context.Context, dialer *websocket.Dialer, base, token string) (*wsTransport, error) {
	target, err := wsURL(base)
	if err != nil {
		return nil, &domain.TransportError{Op: "dial", Err: err}
	}
	conn, resp, err := dialer.DialContext(ctx, target, authHeader(token))
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &domain.TransportError{Op: "dial", Err: err}
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Name() string { return "ws" }

func (t *wsTransport) Next(ctx context.Context) (domain.Event, error) {
	for {
		kind, frame, err := t.conn.ReadMessage()
		if err != nil {
			return domain.Event{}, &domain.TransportError{Op: "read", Err: err}
		}
		if kind != websocket.TextMessage {
			continue
		}
		return domain.DecodeEvent(frame)
	}
}

func (t *wsTransport) Send(ctx context.Context, ev domain.Event) error {
	frame, err := ev.Encode()
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &domain.TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// sseTransport reads notifications from the event stream and sends client
// events as individual POST requests. Error replies to a POST are fed back
// into the receive side so they reach the mirror like any other frame.
type sseTransport struct {
	base   string
	token  string
	client *http.Client
	log    *log.Entry

	cancel context.CancelFunc
	body   io.ReadCloser
	events chan domain.Event
	done   chan struct{}

	errMu sync.Mutex
	err   error
	once  sync.Once
}

func dialSSE(ctx context.Context, client *http.Client, base, token string, logger *log.Entry) (*sseTransport, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, httpURL(base, streamPath), nil)
	if err != nil {
		cancel()
		return nil, &domain.TransportError{Op: "dial", Err: err}
	}
	req.Header = authHeader(token)
	req.Header.Set("Accept", "text/event-stream")

	// The dial context bounds only the handshake; the stream outlives it.
	stop := context.AfterFunc(ctx, cancel)
	resp, err := client.Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, &domain.TransportError{Op: "dial", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &domain.TransportError{Op: "dial", Err: fmt.Errorf("stream status %d", resp.StatusCode)}
	}

	t := &sseTransport{
		base:   base,
		token:  token,
		client: client,
		log:    logger,
		cancel: cancel,
		body:   resp.Body,
		events: make(chan domain.Event, 64),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *sseTransport) Name() string { return "sse" }

func (t *sseTransport) readLoop() {
	scanner := bufio.NewScanner(t.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamFrame)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			frame := strings.Join(data, "\n")
			data = data[:0]
			ev, err := domain.DecodeEvent([]byte(frame))
			if err != nil {
				t.log.WithError(err).Warn("discarding malformed stream frame")
				continue
			}
			if !t.deliver(ev) {
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment or keep-alive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.fail(err)
}

func (t *sseTransport) deliver(ev domain.Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		return false
	}
}

func (t *sseTransport) fail(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
	t.once.Do(func() { close(t.done) })
}

func (t *sseTransport) Next(ctx context.Context) (domain.Event, error) {
	select {
	case ev := <-t.events:
		return ev, nil
	case <-t.done:
		t.errMu.Lock()
		err := t.err
		t.errMu.Unlock()
		return domain.Event{}, &domain.TransportError{Op: "read", Err: err}
	case <-ctx.Done():
		return domain.Event{}, ctx.Err()
	}
}

func (t *sseTransport) Send(ctx context.Context, ev domain.Event) error {
	frame, err := ev.Encode()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpURL(t.base, eventsPath), bytes.NewReader(frame))
	if err != nil {
		return &domain.TransportError{Op: "send", Err: err}
	}
	req.Header = authHeader(t.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &domain.TransportError{Op: "send", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusAccepted {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxStreamFrame))
	reply, err := domain.DecodeEvent(body)
	if err != nil || reply.Name != domain.EventError {
		return &domain.TransportError{Op: "send", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	select {
	case t.events <- reply:
		return nil
	case <-t.done:
		return &domain.TransportError{Op: "send", Err: errClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *sseTransport) Close() error {
	t.fail(errClosed)
	t.cancel()
	return t.body.Close()
}
