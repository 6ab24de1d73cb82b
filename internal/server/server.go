// Package server exposes health, metrics and webhook endpoints next to the
// polling loop.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drewdunne/rebasebot/internal/config"
	"github.com/drewdunne/rebasebot/internal/metrics"
	"github.com/drewdunne/rebasebot/internal/webhook"
)

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// Server is the HTTP server of the bot.
type Server struct {
	cfg          *config.Config
	router       chi.Router
	trigger      func()
	drainTimeout time.Duration
	gitAvailable bool
}

// New creates a new Server. trigger is called for every relevant webhook and
// should request a polling pass.
func New(cfg *config.Config, trigger func()) *Server {
	s := &Server{
		cfg:          cfg,
		router:       chi.NewRouter(),
		trigger:      trigger,
		drainTimeout: defaultDrainTimeout,
		gitAvailable: checkGitAvailable(),
	}
	s.routes()
	return s
}

func checkGitAvailable() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// workspaceWritable reports whether clones can be created in the workspace.
func (s *Server) workspaceWritable() bool {
	if err := os.MkdirAll(s.cfg.Workspace, 0o755); err != nil {
		return false
	}
	f, err := os.CreateTemp(s.cfg.Workspace, ".health-*")
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(f.Name())
	return true
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	if secret := s.cfg.Webhooks.GitHubSecret; secret != "" {
		s.router.Method(http.MethodPost, "/webhook/github", webhook.NewGitHubHandler(secret, s.handleWebhook))
	}
	if secret := s.cfg.Webhooks.GitLabSecret; secret != "" {
		s.router.Method(http.MethodPost, "/webhook/gitlab", webhook.NewGitLabHandler(secret, s.handleWebhook))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		clog.FromContext(r.Context()).Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	workspace := s.workspaceWritable()
	checks := map[string]interface{}{
		"git":       s.gitAvailable,
		"workspace": workspace,
	}

	status := "ok"
	if !s.gitAvailable || !workspace {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{
		Status: status,
		Checks: checks,
	})
}

func (s *Server) handleWebhook(ctx context.Context, e webhook.Event) {
	clog.FromContext(ctx).Infof("Received %s %s event for %s, requesting pass", e.Provider, e.Kind, e.Repository)
	metrics.WebhookReceived(e.Provider)
	if s.trigger != nil {
		s.trigger()
	}
}
