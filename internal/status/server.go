// Package status serves a small read-only HTTP endpoint reporting the
// bridge's dependency health and its most recent poll cycle.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/omvbridge/internal/buildinfo"
	"github.com/nugget/omvbridge/internal/connwatch"
	"github.com/nugget/omvbridge/internal/poller"
	"github.com/nugget/omvbridge/internal/session"
)

// HealthSource reports dependency health. *connwatch.Manager
// satisfies it.
type HealthSource interface {
	Status() []connwatch.Health
}

// CycleSource reports the last poll cycle. *poller.Poller satisfies it.
type CycleSource interface {
	LastCycle() (poller.Report, bool)
}

// SessionSource reports the appliance session. *session.Manager
// satisfies it.
type SessionSource interface {
	State() session.State
}

// Config configures the status server.
type Config struct {
	Address string
	Port    int

	Health  HealthSource
	Cycles  CycleSource
	Session SessionSource

	Logger *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	cfg    Config
	router chi.Router
	logger *slog.Logger
}

// NewServer builds the router. Call [Server.Start] to listen.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
	})
	s.router = r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status       string             `json:"status"`
	Version      string             `json:"version"`
	Uptime       string             `json:"uptime"`
	Dependencies []connwatch.Health `json:"dependencies,omitempty"`
	Session      *session.State     `json:"session,omitempty"`
	LastCycle    *poller.Report     `json:"last_cycle,omitempty"`
}

// handleHealth answers 200 when every dependency is up and 503
// otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: buildinfo.Version,
		Uptime:  buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.cfg.Health != nil {
		resp.Dependencies = s.cfg.Health.Status()
		for _, d := range resp.Dependencies {
			if !d.Ready {
				resp.Status = "degraded"
			}
		}
	}
	if s.cfg.Session != nil {
		st := s.cfg.Session.State()
		resp.Session = &st
	}
	if s.cfg.Cycles != nil {
		if r, ok := s.cfg.Cycles.LastCycle(); ok {
			resp.LastCycle = &r
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("status response write failed", "error", err)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Debug("status request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
