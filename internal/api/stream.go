package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-sync/internal/domain"
)

const streamKeepAlive = 15 * time.Second

// streamEvents is the downstream half of the fallback transport: every frame
// the WebSocket would carry is written as one Server-Sent Event.
func streamEvents(srv *SyncServer, sendBuffer int, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)

		ctx := c.Request().Context()
		conn := newQueuedConn(subjectFrom(c), sendBuffer)
		entry := logger.WithFields(log.Fields{"conn": conn.id, "transport": "sse"})

		initial := srv.Open(ctx, conn)
		defer srv.Close(conn)
		defer conn.Close()
		for _, ev := range initial {
			if err := writeSSE(c.Response(), ev); err != nil {
				entry.WithError(err).Debug("initial write failed")
				return nil
			}
		}
		flusher.Flush()

		keepAlive := time.NewTicker(streamKeepAlive)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-conn.outbox.Done():
				return nil
			case ev := <-conn.outbox.Events():
				if err := writeSSE(c.Response(), ev); err != nil {
					entry.WithError(err).Debug("stream write failed")
					return nil
				}
				flusher.Flush()
			case <-keepAlive.C:
				if _, err := io.WriteString(c.Response(), ": keep-alive\n\n"); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w io.Writer, ev domain.Event) error {
	frame, err := ev.Encode()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "data: "); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n\n")
	return err
}

// postEvent is the upstream half of the fallback transport. The body is one
// frame; an error reply is returned in the response, success is 202 and the
// resulting notification arrives on the stream.
func postEvent(srv *SyncServer, maxBytes int64) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBytes+1))
		if err != nil {
			return c.JSON(http.StatusBadRequest, domain.ErrorEvent("Invalid event", err.Error()))
		}
		if int64(len(body)) > maxBytes {
			return c.JSON(http.StatusRequestEntityTooLarge, domain.ErrorEvent("Invalid event", "message too large"))
		}
		ev, err := domain.DecodeEvent(body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, domain.ErrorEvent("Invalid event", err.Error()))
		}

		conn := newRequestConn()
		if err := srv.Handle(c.Request().Context(), conn, ev); err != nil {
			reply, ok := conn.last()
			if !ok {
				reply = domain.ErrorEvent("Failed to process event", err.Error())
			}
			return c.JSON(statusForError(err), reply)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func statusForError(err error) int {
	var unavailable *domain.StoreUnavailableError
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
