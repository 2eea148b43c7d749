package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/medrag/internal/auth"
	"github.com/knoguchi/medrag/internal/memory"
	"github.com/knoguchi/medrag/internal/metrics"
	"github.com/knoguchi/medrag/internal/pipeline"
)

// DefaultQuery is answered by GET /run when no query parameter is given.
const DefaultQuery = "What are Parkinson's treatments?"

// SessionHeader selects the conversation a query is recorded under.
const SessionHeader = "X-Session-ID"

//go:embed index.html
var indexHTML []byte

// HTTPServer serves the query API with chi
type HTTPServer struct {
	server   *http.Server
	router   *chi.Mux
	runner   Runner
	sessions *memory.Store
	logger   *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
	Auth           *auth.Authenticator
	Metrics        *metrics.Metrics
	Sessions       *memory.Store
}

// NewHTTPServer creates a new HTTP server for runner
func NewHTTPServer(cfg HTTPServerConfig, runner Runner) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authenticator := cfg.Auth
	if authenticator == nil {
		authenticator = auth.NewAuthenticator(nil, "", nil)
	}

	s := &HTTPServer{
		router:   chi.NewRouter(),
		runner:   runner,
		sessions: cfg.Sessions,
		logger:   logger,
	}

	// Add middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLoggingMiddleware(logger, cfg.Metrics))
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware(cfg.AllowedOrigins))

	s.router.Get("/", s.handleIndex)
	s.router.Get("/healthz", healthCheckHandler())
	s.router.Get("/readyz", s.handleReady)
	if cfg.Metrics != nil {
		s.router.Handle("/metrics", cfg.Metrics.Handler())
	}

	s.router.Group(func(r chi.Router) {
		r.Use(authenticator.Middleware)

		r.Get("/run", s.handleRun)
		r.Post("/v1/query", s.handleQuery)
		r.Get("/v1/sessions/{id}", s.handleGetSession)
		r.Delete("/v1/sessions/{id}", s.handleDeleteSession)
		r.With(auth.RequireAdmin).Delete("/v1/cache", s.handleClearCache)
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // a query makes several model calls
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the root handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *HTTPServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

// handleRun answers GET /run?query=... with {status, logs, final_answer}.
func (s *HTTPServer) handleRun(w http.ResponseWriter, r *http.Request) {
	query := DefaultQuery
	if values, ok := r.URL.Query()["query"]; ok {
		query = values[0]
	}

	res, err := s.runner.RunQuery(r.Context(), query, nil)
	s.record(r, query, res, err)
	if err != nil {
		writeJSON(w, HTTPStatus(err), runResponse{Status: StatusError, Message: err.Error(), Logs: logText(res)})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Status: StatusSuccess, Logs: logText(res), FinalAnswer: res.Answer})
}

type queryRequest struct {
	Query string `json:"query"`
}

// handleQuery answers POST /v1/query with the full pipeline diagnostics.
func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: StatusError, Kind: "invalid_argument", Message: "invalid request body: " + err.Error()})
		return
	}

	res, err := s.runner.RunQuery(r.Context(), req.Query, nil)
	s.record(r, req.Query, res, err)
	if err != nil {
		writeJSON(w, HTTPStatus(err), newErrorResponse(res, err))
		return
	}
	writeJSON(w, http.StatusOK, newQueryResponse(res))
}

func (s *HTTPServer) handleClearCache(w http.ResponseWriter, r *http.Request) {
	keys, err := s.runner.ClearCache(r.Context())
	if err != nil {
		writeJSON(w, HTTPStatus(err), newErrorResponse(nil, err))
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": StatusSuccess, "cleared": keys})
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var history []memory.Message
	if s.sessions != nil {
		history = s.sessions.History(id)
	}
	if history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Status: StatusError, Message: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": history})
}

func (s *HTTPServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil || !s.sessions.Clear(chi.URLParam(r, "id")) {
		writeJSON(w, http.StatusNotFound, errorResponse{Status: StatusError, Message: "session not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// record appends the turn to the caller's session, if it sent one.
func (s *HTTPServer) record(r *http.Request, query string, res *pipeline.Result, err error) {
	sessionID := r.Header.Get(SessionHeader)
	if s.sessions == nil || sessionID == "" || res == nil {
		return
	}
	s.sessions.AddUserMessage(sessionID, res.QueryID, query)
	if err == nil {
		s.sessions.AddAssistantMessage(sessionID, res.QueryID, res.Answer)
	}
}

// requestLoggingMiddleware logs HTTP requests and counts them by route
func requestLoggingMiddleware(logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.ObserveHTTP(route, ww.Status())

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key, X-Session-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
