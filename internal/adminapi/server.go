// Package adminapi is the admin HTTP surface: liveness, readiness,
// Prometheus metrics, and an authenticated status snapshot. Grounded on
// cmd/stream/main.go's health/metrics router (chi +
// middleware.RequestID/RealIP/Recoverer + promhttp.Handler) and
// internal/platform/api/response.go's JSON helpers, trimmed to the
// handful this worker needs.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/johnny-lai/sqs-dispatch/internal/metrics"
)

// instrument records every admin request in metrics.HTTPRequestsTotal.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		routePath := chi.RouteContext(r.Context()).RoutePattern()
		if routePath == "" {
			routePath = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, routePath, strconv.Itoa(ww.Status())).Inc()
	})
}

// DispatcherStatus is the subset of internal/dispatcher.Dispatcher this
// surface reports on.
type DispatcherStatus interface {
	State() string
	InflightCount() int
}

// Checker reports queue connectivity, satisfied by
// internal/queue/sqs.HealthService.
type Checker interface {
	IsAvailable() bool
	LastError() string
}

// Config configures the admin server.
type Config struct {
	Addr string
	Auth *TokenAuth // nil serves /status without authentication
}

// Server is the admin HTTP surface.
type Server struct {
	httpServer *http.Server
	dispatcher DispatcherStatus
	checker    Checker
	auth       *TokenAuth
}

// New builds a Server. dispatcher and checker back /status and /readyz
// respectively.
func New(cfg Config, dispatcher DispatcherStatus, checker Checker) *Server {
	s := &Server{dispatcher: dispatcher, checker: checker, auth: cfg.Auth}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	if s.auth != nil {
		r.Post("/auth/token", s.handleIssueToken)
		r.With(s.auth.RequireToken).Get("/status", s.handleStatus)
	} else {
		r.Get("/status", s.handleStatus)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start runs the server until Shutdown is called; ListenAndServe's
// ErrServerClosed is swallowed.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("admin HTTP surface starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown implements the lifecycle Manager's admin HTTP shutdown step.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.checker.IsAvailable() {
		writeServiceUnavailable(w, s.checker.LastError())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	State    string `json:"state"`
	Inflight int    `json:"inflight"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		State:    s.dispatcher.State(),
		Inflight: s.dispatcher.InflightCount(),
	})
}

type tokenRequest struct {
	Token string `json:"token"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	token, err := s.auth.IssueToken(req.Token)
	if err != nil {
		writeUnauthorized(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}
