// Package server exposes the manager's HTTP surface: the public
// health endpoints, the client API, the runner callbacks and result
// retrieval.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/taskrelay/taskrelay/internal/config"
	"github.com/taskrelay/taskrelay/internal/priority"
	"github.com/taskrelay/taskrelay/internal/service"
	"github.com/taskrelay/taskrelay/internal/storage"
	"github.com/taskrelay/taskrelay/internal/urlcheck"
)

// Server holds the handler dependencies.
type Server struct {
	svc     *service.Service
	limiter *ipLimiter
}

// New builds the server around the service layer.
func New(svc *service.Service) *Server {
	return &Server{
		svc:     svc,
		limiter: newIPLimiter(func() int { return svc.Config().RateLimitPerMinute }),
	}
}

// Router assembles the full route tree with its middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.liveCORS)
	r.Use(s.rateLimit)

	// Public endpoints.
	r.Get("/", s.handleRoot)
	r.Get("/manager/health", s.handleHealth)

	// Client API, authenticated against the configured tokens.
	r.Group(func(r chi.Router) {
		r.Use(s.requireClientToken)
		r.Get("/api/version", s.handleVersion)
		r.Get("/api/runners", s.handleRunners)
		r.Get("/api/tasks", s.handleTasks)
		r.Post("/runner/register", s.handleRegister)
		r.Post("/task/execute", s.handleExecute)
		r.Get("/task/status/{taskID}", s.handleTaskStatus)
		r.Get("/task/list", s.handleTaskList)
		r.Get("/task/result/{taskID}", s.handleTaskResult)
		r.Get("/task/result/{taskID}/file/*", s.handleTaskResultFile)
	})

	// Admin reporting, behind Basic auth.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/statistics/data", s.handleStatistics)
	})

	// Runner callbacks, authenticated with the minted runner token.
	r.Post("/runner/heartbeat/{runnerID}", s.handleHeartbeat)
	r.Post("/task/completion", s.handleCompletion)

	return r
}

// liveCORS applies the CORS policy from the current config snapshot,
// rebuilding the middleware when a reload swaps the config.
func (s *Server) liveCORS(next http.Handler) http.Handler {
	var (
		mu      sync.Mutex
		built   *config.Config
		wrapped http.Handler
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.svc.Config()
		mu.Lock()
		if wrapped == nil || built != cfg {
			wrapped = cors.Handler(cors.Options{
				AllowedOrigins:   cfg.CORSAllowOrigins,
				AllowedMethods:   cfg.CORSAllowMethods,
				AllowedHeaders:   cfg.CORSAllowHeaders,
				AllowCredentials: cfg.CORSAllowCredentials,
			})(next)
			built = cfg
		}
		h := wrapped
		mu.Unlock()
		h.ServeHTTP(w, r)
	})
}

// logRequests emits one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeErr(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeServiceErr maps domain errors onto the HTTP taxonomy.
func writeServiceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrTaskNotFound), errors.Is(err, service.ErrRunnerNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeErr(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrVersionMismatch):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrBadRequest),
		errors.Is(err, service.ErrBadVersion),
		errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, urlcheck.ErrUnsafe):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNoRunners),
		errors.Is(err, priority.ErrQuotaExceeded):
		writeErr(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, storage.ErrLockTimeout):
		writeErr(w, http.StatusInternalServerError, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
