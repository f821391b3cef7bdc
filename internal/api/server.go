// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scout/internal/classifier"
	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/engine"
	"github.com/JakeFAU/scout/internal/metrics"
	"github.com/JakeFAU/scout/internal/scheduler"
)

// Scheduler is the read side of the job scheduler.
type Scheduler interface {
	Stats() scheduler.Stats
	DeadLetters(ctx context.Context) ([]crawler.DeadLetter, error)
}

// Credentials is the operator surface of the credential pool.
type Credentials interface {
	Snapshot() []crawler.Credential
	Disable(id string) error
	Enable(id string) error
}

// Classifications lists per-domain classifier state.
type Classifications interface {
	States() []classifier.DomainState
}

// Frontier counts candidates by lifecycle state.
type Frontier interface {
	Counts() map[crawler.CandidateState]int
}

// Discoverer starts a discovery pass.
type Discoverer interface {
	Discover(ctx context.Context, query string) (engine.Report, error)
}

// Deps are the Server's collaborators. Scheduler is required; routes whose
// collaborator is nil answer 404.
type Deps struct {
	Scheduler       Scheduler
	Credentials     Credentials
	Classifications Classifications
	Frontier        Frontier
	Discoverer      Discoverer
	// Ready reports whether downstream dependencies are usable.
	Ready func(ctx context.Context) error
	// BaseContext scopes discovery passes started over HTTP. They are
	// cancelled with it, not with the request.
	BaseContext context.Context
	APIKey      string
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the engine's components.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) (*Server, error) {
	if deps.Scheduler == nil {
		return nil, errors.New("api: scheduler is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	s := &Server{deps: deps, logger: deps.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.APIKey != "" {
			r.Use(apiKeyMiddleware(deps.APIKey))
		}
		r.Get("/stats", s.stats)
		r.Get("/deadletters", s.deadLetters)
		r.Get("/classifications", s.classifications)
		r.Post("/discover", s.discover)
		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", s.credentials)
			r.Post("/{credential_id}/disable", s.setCredential(true))
			r.Post("/{credential_id}/enable", s.setCredential(false))
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler.Stats().Closed {
		writeError(w, http.StatusServiceUnavailable, "draining")
		return
	}
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	Scheduler   scheduler.Stats                `json:"scheduler"`
	Candidates  map[crawler.CandidateState]int `json:"candidates,omitempty"`
	Credentials map[string]credentialSummary   `json:"credentials,omitempty"`
}

type credentialSummary struct {
	Total     int   `json:"total"`
	Active    int   `json:"active"`
	Remaining int64 `json:"remaining"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Scheduler: s.deps.Scheduler.Stats()}
	if s.deps.Frontier != nil {
		resp.Candidates = s.deps.Frontier.Counts()
	}
	if s.deps.Credentials != nil {
		resp.Credentials = make(map[string]credentialSummary)
		for _, cred := range s.deps.Credentials.Snapshot() {
			sum := resp.Credentials[cred.Service]
			sum.Total++
			if cred.Health == crawler.CredentialActive {
				sum.Active++
				sum.Remaining += cred.Remaining()
			}
			resp.Credentials[cred.Service] = sum
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.deps.Scheduler.DeadLetters(r.Context())
	if err != nil {
		s.logger.Error("list dead letters", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if letters == nil {
		letters = []crawler.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters, "count": len(letters)})
}

func (s *Server) classifications(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Classifications == nil {
		writeError(w, http.StatusNotFound, "classifier not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": s.deps.Classifications.States()})
}

func (s *Server) credentials(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Credentials == nil {
		writeError(w, http.StatusNotFound, "credential pool not configured")
		return
	}
	snapshot := s.deps.Credentials.Snapshot()
	views := make([]credentialView, 0, len(snapshot))
	for _, cred := range snapshot {
		views = append(views, credentialView{Credential: cred, Remaining: cred.Remaining(), SuccessRate: cred.SuccessRate()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": views})
}

// credentialView adds derived fields; Secret and ProxyURL stay hidden.
type credentialView struct {
	crawler.Credential
	Remaining   int64   `json:"remaining"`
	SuccessRate float64 `json:"success_rate"`
}

func (s *Server) setCredential(disable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Credentials == nil {
			writeError(w, http.StatusNotFound, "credential pool not configured")
			return
		}
		id := chi.URLParam(r, "credential_id")
		set, health := s.deps.Credentials.Enable, "enabled"
		if disable {
			set, health = s.deps.Credentials.Disable, "disabled"
		}
		if err := set(id); err != nil {
			if errors.Is(err, crawler.ErrNotFound) {
				writeError(w, http.StatusNotFound, "credential not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Info("credential updated by operator", zap.String("credential_id", id), zap.String("action", health))
		writeJSON(w, http.StatusOK, map[string]string{"credential_id": id, "status": health})
	}
}

type discoverRequest struct {
	Query string `json:"query"`
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discoverer == nil {
		writeError(w, http.StatusNotFound, "discovery not configured")
		return
	}
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}
	go func() {
		report, err := s.deps.Discoverer.Discover(s.deps.BaseContext, query)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("discovery failed", zap.String("query", query), zap.Error(err))
			return
		}
		s.logger.Info("discovery finished",
			zap.String("query", query),
			zap.Int("enqueued", report.Enqueued),
			zap.Int("rejected", report.Rejected),
		)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"query": query, "status": "started"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
