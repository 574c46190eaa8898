// Package ops serves the operational HTTP endpoints: liveness and a
// read-only view of the live calls.
package ops

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Hieu-vn/voip-ai-agent/internal/session"
)

// SessionLister exposes the live call snapshots. *control.Listener
// satisfies it.
type SessionLister interface {
	Snapshot() []session.Snapshot
}

// Server is the ops HTTP server.
type Server struct {
	e      *echo.Echo
	lister SessionLister
	addr   string
}

func NewServer(addr string, lister SessionLister) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{e: e, lister: lister, addr: addr}
	e.GET("/healthz", s.health)
	e.GET("/calls", s.calls)
	return s
}

func (s *Server) health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) calls(c echo.Context) error {
	snaps := s.lister.Snapshot()
	if snaps == nil {
		snaps = []session.Snapshot{}
	}
	return c.JSON(http.StatusOK, snaps)
}

// Start blocks serving on the configured address.
func (s *Server) Start() error { return s.e.Start(s.addr) }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }
