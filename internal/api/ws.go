package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-sync/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type wsHandler struct {
	srv        *SyncServer
	upgrader   websocket.Upgrader
	readLimit  int64
	sendBuffer int
	log        *log.Logger
}

func newWSHandler(srv *SyncServer, opts Options, logger *log.Logger) *wsHandler {
	return &wsHandler{
		srv: srv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		readLimit:  opts.MaxMessageBytes,
		sendBuffer: opts.SendBuffer,
		log:        logger,
	}
}

// serve upgrades the request and runs the connection until either side
// closes it.
func (h *wsHandler) serve(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.log.WithError(err).Debug("websocket upgrade failed")
		return nil
	}
	conn := newQueuedConn(subjectFrom(c), h.sendBuffer)
	logger := h.log.WithFields(log.Fields{"conn": conn.id, "transport": "ws"})
	if conn.subject != "" {
		logger = logger.WithField("sub", conn.subject)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer ws.Close()

	initial := h.srv.Open(ctx, conn)
	defer h.srv.Close(conn)
	for _, ev := range initial {
		if err := writeEvent(ws, ev); err != nil {
			logger.WithError(err).Debug("initial write failed")
			conn.Close()
			return nil
		}
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		h.writePump(ws, conn, logger)
	}()

	h.readLoop(ctx, ws, conn, logger)
	conn.Close()
	<-pumpDone
	return nil
}

func (h *wsHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *queuedConn, logger *log.Entry) {
	ws.SetReadLimit(h.readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.WithError(err).Warn("websocket read failed")
			}
			return
		}
		ev, err := domain.DecodeEvent(frame)
		if err != nil {
			h.srv.reply(conn, domain.ErrorEvent("Invalid event", err.Error()))
			continue
		}
		_ = h.srv.Handle(ctx, conn, ev)
	}
}

// writePump is the only writer on ws once the initial events are out.
func (h *wsHandler) writePump(ws *websocket.Conn, conn *queuedConn, logger *log.Entry) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case ev := <-conn.outbox.Events():
			if err := writeEvent(ws, ev); err != nil {
				logger.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-conn.outbox.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func writeEvent(ws *websocket.Conn, ev domain.Event) error {
	frame, err := ev.Encode()
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// originChecker allows requests without an Origin header and those whose
// origin is listed. A "*" entry allows any origin.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
