// Package http exposes the progression and energy economy over a JSON REST API,
// plus health endpoints and a metrics snapshot.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lingokids/progression-hub/internal/application/command"
	"github.com/lingokids/progression-hub/internal/application/query"
	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/interface/http/handlers"
	"github.com/lingokids/progression-hub/pkg/logger"
	"github.com/lingokids/progression-hub/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RequestTimeout bounds one API call, its transaction included.
	RequestTimeout time.Duration

	MaxHeaderBytes int

	// MaxBodyBytes caps attempt, purchase and rule import bodies.
	MaxBodyBytes int64

	// AllowedOrigins enables CORS for the kid apps; "*" allows any origin.
	// Empty disables CORS.
	AllowedOrigins []string

	// EnableMetrics exposes GET /metrics.
	EnableMetrics bool
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxHeaderBytes: 1 << 20,
		MaxBodyBytes:   1 << 20,
		AllowedOrigins: []string{"*"},
		EnableMetrics:  true,
	}
}

// Address returns the listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// MetricsSource returns a JSON-serializable snapshot for GET /metrics.
type MetricsSource func() any

// Dependencies contains the handlers behind the API. A nil handler makes its
// operation answer 501.
type Dependencies struct {
	// Commands
	OpenEconomy     *command.OpenEconomyHandler
	RecordAttempt   *command.RecordAttemptHandler
	PurchaseEnergy  *command.PurchaseEnergyHandler
	StartLesson     *command.StartLessonHandler
	AdjustEnergy    *command.AdjustEnergyHandler
	ImportGameRules *command.ImportGameRulesHandler

	// Queries
	GetEnergy           *query.GetEnergyHandler
	GetEconomy          *query.GetEconomyHandler
	GetTotalStars       *query.GetTotalStarsHandler
	GetLevelStars       *query.GetLevelStarsHandler
	IsChallengeUnlocked *query.IsChallengeUnlockedHandler
	FindGameRule        *query.FindGameRuleHandler

	// Policy and Clock shape economy responses of write endpoints.
	Policy economy.Policy
	Clock  timeutil.Clock

	Logger        *logger.Logger
	HealthChecker handlers.HealthChecker

	// Metrics are keyed by section name in the /metrics document.
	Metrics map[string]MetricsSource
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server serves the progression API.
type Server struct {
	config     Config
	deps       Dependencies
	httpServer *http.Server
	router     *http.ServeMux
	logger     *logger.Logger
	ops        *operationStats
	startedAt  time.Time
}

// NewServer wires routes and middleware.
func NewServer(config Config, deps Dependencies) *Server {
	if deps.Clock == nil {
		deps.Clock = timeutil.SystemClock{}
	}
	if deps.Policy.MaxEnergy == 0 {
		deps.Policy = economy.DefaultPolicy()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}

	s := &Server{
		config:    config,
		deps:      deps,
		router:    http.NewServeMux(),
		logger:    deps.Logger.With(logger.Component("http")),
		ops:       newOperationStats(),
		startedAt: time.Now(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.buildMiddlewareChain(s.router),
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// so a committed attempt still gets its response.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) uptime() time.Duration {
	return time.Since(s.startedAt)
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

// operation is one API endpoint. Its name labels logs and /metrics.
type operation struct {
	name    string
	pattern string
	handler http.HandlerFunc
}

func (s *Server) operations() []operation {
	return []operation{
		{"open_economy", "POST /api/v1/kids/{kidId}/economy", s.handleOpenEconomy},
		{"get_economy", "GET /api/v1/kids/{kidId}/economy", s.handleGetEconomy},

		{"get_energy", "GET /api/v1/kids/{kidId}/energy", s.handleGetEnergy},
		{"purchase_energy", "POST /api/v1/kids/{kidId}/energy/purchase", s.handlePurchaseEnergy},
		{"adjust_energy", "POST /api/v1/kids/{kidId}/energy/adjust", s.handleAdjustEnergy},

		{"start_lesson", "POST /api/v1/kids/{kidId}/lessons/{lessonId}/start", s.handleStartLesson},
		{"record_attempt", "POST /api/v1/kids/{kidId}/lessons/{lessonId}/attempts", s.handleRecordAttempt},

		{"get_total_stars", "GET /api/v1/kids/{kidId}/stars", s.handleGetTotalStars},
		{"get_level_stars", "GET /api/v1/kids/{kidId}/levels/{levelId}/stars", s.handleGetLevelStars},
		{"is_challenge_unlocked", "GET /api/v1/kids/{kidId}/levels/{levelId}/units/{unitId}/challenge", s.handleIsChallengeUnlocked},

		{"find_game_rule", "GET /api/v1/game-rules/{levelId}/{unitId}/{type}", s.handleFindGameRule},
		{"import_game_rules", "POST /api/v1/game-rules", s.handleImportGameRules},
	}
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /healthz", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /live", s.handleLive)

	api := handlers.Chain(
		handlers.SecurityHeadersMiddleware,
		handlers.NoCacheMiddleware,
		handlers.RequestSizeLimitMiddleware(s.config.MaxBodyBytes),
		handlers.TimeoutMiddleware(s.config.RequestTimeout),
	)
	for _, op := range s.operations() {
		s.router.Handle(op.pattern, s.track(op.name, api(op.handler)))
	}

	if s.config.EnableMetrics {
		s.router.HandleFunc("GET /metrics", s.handleMetrics)
	}
}

// track tags the request logger with the operation and the kid it concerns,
// and counts the outcome.
func (s *Server) track(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := requestInfoFrom(r.Context())
		info.operation = name
		info.kidID = r.PathValue("kidId")

		fields := []logger.Field{logger.String("operation", name)}
		if info.kidID != "" {
			fields = append(fields, logger.KidID(info.kidID))
		}
		if lessonID := r.PathValue("lessonId"); lessonID != "" {
			fields = append(fields, logger.LessonID(lessonID))
		}
		log := logger.FromContext(r.Context(), s.logger).With(fields...)

		start := time.Now()
		rw := wrapResponseWriter(w)
		next.ServeHTTP(rw, r.WithContext(logger.WithContext(r.Context(), log)))
		s.ops.record(name, rw.statusCode, time.Since(start))
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE CHAIN
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) buildMiddlewareChain(handler http.Handler) http.Handler {
	// The last wrapper runs first.
	h := handler
	h = s.accessLogMiddleware(h)
	h = s.recoveryMiddleware(h)
	h = s.requestIDMiddleware(h)
	if len(s.config.AllowedOrigins) > 0 {
		h = s.corsMiddleware(h)
	}
	return h
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestInfoKey{}, &requestInfo{requestID: requestID})
		ctx = logger.WithContext(ctx, s.logger.WithRequestID(requestID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLogMiddleware logs one line per request. API calls carry the
// operation and kid filled in by track.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrapResponseWriter(w)
		next.ServeHTTP(rw, r)

		fields := []logger.Field{
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", rw.statusCode),
			logger.Latency(time.Since(start)),
			logger.String("ip", clientIP(r)),
		}
		info := requestInfoFrom(r.Context())
		if info.operation == "" {
			logger.FromContext(r.Context(), s.logger).Debug("health request", fields...)
			return
		}
		fields = append(fields, logger.String("operation", info.operation))
		if info.kidID != "" {
			fields = append(fields, logger.KidID(info.kidID))
		}

		log := logger.FromContext(r.Context(), s.logger)
		if rw.statusCode >= http.StatusInternalServerError {
			log.Warn("api request", fields...)
			return
		}
		log.Info("api request", fields...)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.FromContext(r.Context(), s.logger).Error("panic recovered",
					logger.Any("error", err),
					logger.String("stack", string(debug.Stack())),
					logger.String("path", r.URL.Path),
				)
				writeJSONError(w, r, http.StatusInternalServerError, "INTERNAL", "an unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	anyOrigin := slices.Contains(s.config.AllowedOrigins, "*")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (anyOrigin || slices.Contains(s.config.AllowedOrigins, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// OPERATION STATS
// ══════════════════════════════════════════════════════════════════════════════

// OperationStats counts the calls of one API operation.
type OperationStats struct {
	Requests     int64         `json:"requests"`
	ClientErrors int64         `json:"client_errors,omitempty"`
	ServerErrors int64         `json:"server_errors,omitempty"`
	AvgLatency   time.Duration `json:"avg_latency_ns"`
	MaxLatency   time.Duration `json:"max_latency_ns"`

	total time.Duration
}

type operationStats struct {
	mu   sync.Mutex
	byOp map[string]*OperationStats
}

func newOperationStats() *operationStats {
	return &operationStats{byOp: make(map[string]*OperationStats)}
}

func (o *operationStats) record(name string, status int, took time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.byOp[name]
	if !ok {
		st = &OperationStats{}
		o.byOp[name] = st
	}
	st.Requests++
	switch {
	case status >= http.StatusInternalServerError:
		st.ServerErrors++
	case status >= http.StatusBadRequest:
		st.ClientErrors++
	}
	st.total += took
	st.AvgLatency = st.total / time.Duration(st.Requests)
	st.MaxLatency = max(st.MaxLatency, took)
}

func (o *operationStats) snapshot() map[string]OperationStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]OperationStats, len(o.byOp))
	for name, st := range o.byOp {
		out[name] = *st
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse is the envelope of every API response.
type JSONResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError carries a stable error code (KID_NOT_FOUND, INSUFFICIENT_ENERGY...).
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, r, status, JSONResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSONErrorWithDetails(w, r, status, code, message, "")
}

func writeJSONErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code, message, details string) {
	writeEnvelope(w, r, status, JSONResponse{
		Error: &APIError{Code: code, Message: message, Details: details},
	})
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, response JSONResponse) {
	response.RequestID = requestInfoFrom(r.Context()).requestID
	response.Timestamp = time.Now().UTC()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST CONTEXT
// ══════════════════════════════════════════════════════════════════════════════

type requestInfoKey struct{}

// requestInfo is shared by the middleware layers of one request.
type requestInfo struct {
	requestID string
	operation string
	kidID     string
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return info
	}
	return &requestInfo{}
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func clientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
