// Package server exposes the mission orchestration core over HTTP and
// WebSocket. Handlers validate at the boundary, delegate to the core,
// and map core error kinds onto the HTTP error taxonomy.
package server

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"swarmd/internal/bus"
	"swarmd/internal/config"
	"swarmd/internal/logging"
	"swarmd/internal/metrics"
	"swarmd/internal/swarm"
	"swarmd/internal/trace"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Boundary rate limits, per IP per minute. The execute endpoint is the
// expensive one and gets the stricter window.
const (
	generalRatePerMinute = 120
	executeRatePerMinute = 10
)

// Server is the HTTP/WS surface over the orchestration core.
type Server struct {
	cfg     *config.Config
	engine  *swarm.Engine
	store   *trace.Store
	bus     *bus.Bus
	metrics *metrics.Registry
	router  chi.Router
	log     *zap.Logger

	upgrader       websocket.Upgrader
	generalLimiter *ipLimiter
	executeLimiter *ipLimiter
}

// New wires the server and registers all routes.
func New(cfg *config.Config, engine *swarm.Engine, store *trace.Store, b *bus.Bus, reg *metrics.Registry) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		bus:     b,
		metrics: reg,
		log:     logging.Server(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		generalLimiter: newIPLimiter(generalRatePerMinute, time.Minute),
		executeLimiter: newIPLimiter(executeRatePerMinute, time.Minute),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.logMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimitMiddleware(s.generalLimiter))

		r.With(s.rateLimitMiddleware(s.executeLimiter)).
			Post("/mission/execute", s.handleExecute)
		r.Post("/mission/estimate", s.handleEstimate)
		r.Get("/mission/{traceId}", s.handleGetTrace)
		r.Get("/mission/{traceId}/status", s.handleGetStatus)
		r.Get("/traces", s.handleListTraces)
		r.Delete("/traces/{traceId}", s.handleDeleteTrace)
		r.Get("/swarms/active", s.handleActiveSwarms)
		r.Get("/health", s.handleHealth)
	})
	r.Get("/metrics", s.handleMetrics)
	r.Get("/ws", s.handleWebSocket)

	s.router = r
}

// logMiddleware logs every request at debug level.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// recoverMiddleware converts handler panics into 500 responses. The
// stack is logged, never serialized.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Error codes in the boundary taxonomy.
const (
	codeValidation     = "VALIDATION_ERROR"
	codeNotFound       = "NOT_FOUND"
	codeBudgetExceeded = "BUDGET_EXCEEDED"
	codeSafetyBlocked  = "SAFETY_BLOCKED"
	codeRateLimited    = "RATE_LIMITED"
	codeUpstreamFailed = "UPSTREAM_FAILED"
	codeInternal       = "INTERNAL_ERROR"
)

// errorBody is every non-2xx JSON payload.
type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	TraceID    string `json:"traceId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}
