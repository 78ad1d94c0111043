package api

import (
	"net/http"

	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
)

// Options configures the HTTP surface.
type Options struct {
	// Auth guards the sync routes when set.
	Auth            Authenticator
	AllowedOrigins  []string
	MaxMessageBytes int64
	SendBuffer      int
	Debug           bool
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, srv *SyncServer, opts Options, logger *log.Logger) {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 50 << 20
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: opts.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	var guard []echo.MiddlewareFunc
	if opts.Auth != nil {
		guard = append(guard, requireAuth(opts.Auth))
	}

	ws := newWSHandler(srv, opts, logger)
	e.GET("/ws", ws.serve, guard...)
	e.GET("/stream", streamEvents(srv, opts.SendBuffer, logger), guard...)
	e.POST("/api/events", postEvent(srv, opts.MaxMessageBytes), guard...)
	e.GET("/api/statuses", getStatuses(srv))
	e.GET("/health", health(srv))

	if opts.Debug {
		pprof.Register(e)
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Tasks    *int   `json:"tasks,omitempty"`
	Database string `json:"database"`
}

func health(srv *SyncServer) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := srv.store.Count(c.Request().Context())
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, healthResponse{Status: "ERROR", Database: "disconnected"})
		}
		return c.JSON(http.StatusOK, healthResponse{Status: "OK", Tasks: &n, Database: "connected"})
	}
}

type statusesResponse struct {
	Statuses []string `json:"statuses"`
}

func getStatuses(srv *SyncServer) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, statusesResponse{Statuses: srv.schema.Statuses()})
	}
}
