// Package webhook exposes the HTTP trigger for on-demand sync passes. The
// front-door reverse proxy rewrites and forwards POST /api/sync here; asset
// traffic itself never touches this server.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/mirror"
)

// Server implements the webhook HTTP server
type Server struct {
	cfg    *config.Config
	engine *mirror.Engine
	logger *slog.Logger
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, engine *mirror.Engine, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		engine: engine,
		logger: logger,
	}
}

// Routes builds the HTTP handler
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Post("/api/sync", s.handleSync)

	return r
}

// Start starts the webhook HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// The sync handler runs the pass synchronously, so the write
		// timeout must outlast a full pass.
		WriteTimeout:   s.cfg.Sync.Timeout.Std() + 30*time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", s.cfg.Serve.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"service": "relsyncd",
		"message": "POST /api/sync to trigger a mirror pass",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSync triggers a sync pass and reports its outcome. A pass keeps
// running even if the webhook caller disconnects, hence the detached
// context.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("received sync webhook", "remote", r.RemoteAddr)

	report, err := s.engine.Run(context.WithoutCancel(r.Context()))

	switch {
	case errors.Is(err, mirror.ErrBusy):
		// A 202 is only honest when a re-run was actually queued behind
		// the running pass; a lock held by another process queues nothing.
		if s.cfg.Sync.BusyPolicy == config.BusyCoalesce && !errors.Is(err, mirror.ErrLockHeld) {
			s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
			return
		}
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "sync already in progress"})

	case err != nil:
		s.logger.Error("webhook sync failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})

	default:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"report": report,
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}
