// Package dashboard serves a read-only JSON status API for operators.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/wheelhouse/internal/rebalance"
	"github.com/eddiefleurent/wheelhouse/internal/storage"
)

// Status is the live loop state the bot exposes alongside persisted storage.
type Status struct {
	Mode       string               `json:"mode"`
	Underlying string               `json:"underlying"`
	Portfolio  rebalance.Assessment `json:"portfolio"`
	CycleCount int                  `json:"cycle_count"`
	// HoldOnly is true while the broker is unreachable.
	HoldOnly bool      `json:"hold_only"`
	AsOf     time.Time `json:"as_of"`
}

// StatusFunc supplies the current Status; it must be safe for concurrent use.
type StatusFunc func() Status

// Server is the dashboard HTTP server.
type Server struct {
	store  storage.Interface
	status StatusFunc
	logger *logrus.Logger
	srv    *http.Server
}

// NewServer creates the dashboard server bound to listen.
func NewServer(listen string, store storage.Interface, status StatusFunc, logger *logrus.Logger) *Server {
	s := &Server{store: store, status: status, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/slots", s.handleSlots)
		r.Get("/journal", s.handleJournal)
		r.Get("/reports", s.handleReports)
		r.Get("/stats", s.handleStats)
	})

	s.srv = &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called. It returns nil on graceful shutdown.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.srv.Addr).Info("dashboard listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.status())
}

func (s *Server) handleSlots(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	s.writeJSON(w, map[string]any{
		"updated_at": snap.UpdatedAt,
		"window":     snap.Window,
		"positions":  snap.Positions,
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.store.Snapshot().Journal)
}

func (s *Server) handleReports(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.store.Snapshot().Reports)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.store.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("dashboard response encode failed")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("dashboard request")
	})
}
