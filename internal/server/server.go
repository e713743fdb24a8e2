package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/events"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/hotzone"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/settlement"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/sweeper"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/tile"
)

// HotZones is the part of the scorer the read API uses.
type HotZones interface {
	IsHotZone(ctx context.Context, tileID string) (hotzone.Status, error)
}

// Deps are the engine components the HTTP layer exposes.
type Deps struct {
	Settlement *settlement.Service
	Territory  *territory.Store
	Index      *tile.Index
	HotZones   HotZones
	Sweeper    *sweeper.Sweeper
	Broker     *events.Broker

	// AdminKeyHash is a bcrypt hash of the X-Admin-Key value. Empty disables
	// the admin routes.
	AdminKeyHash      string
	EnableDebugAttack bool

	// RatePerSec and Burst bound requests per client IP on /api. Zero
	// disables the limit.
	RatePerSec float64
	Burst      int
}

type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// New builds the server. mount adds routes owned by other packages, such as
// health checks and the websocket feed.
func New(addr string, logger *slog.Logger, deps Deps, mount func(r chi.Router)) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(newStructuredLogger(logger))
	r.Use(middleware.Recoverer)

	addRoutes(r, logger, deps)
	if mount != nil {
		mount(r)
	}

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Run(_ context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}

	err = s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
