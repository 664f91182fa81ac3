package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/backend"
	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/ratelimit"
	"github.com/ashita-ai/kotae/internal/service/analytics"
	"github.com/ashita-ai/kotae/internal/service/generate"
	"github.com/ashita-ai/kotae/internal/service/prompt"
	"github.com/ashita-ai/kotae/internal/service/retrieval"
	"github.com/ashita-ai/kotae/internal/service/websearch"
	"github.com/ashita-ai/kotae/internal/signup"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// Server is the Kotae HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	h          *Handlers
	jwt        *auth.JWTManager
	checker    *authz.Checker
	cfg        config.Config
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Web, Limiter, MCPServer, Telemetry, Hooks,
// ExtraRoutes, ExtraMiddleware.
type ServerConfig struct {
	Config  config.Config
	Version string

	// Required dependencies.
	DB        *storage.DB
	Pool      *backend.Pool
	JWT       *auth.JWTManager
	Checker   *authz.Checker
	Retriever *retrieval.Service
	Composer  *prompt.Composer
	Generator *generate.Service
	Buffer    *analytics.Buffer
	Signup    *signup.Service
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Web       *websearch.Service
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	Telemetry *telemetry.Telemetry
	Hooks     []SearchHook

	// Embedder extension points. ExtraRoutes registers on the mux before the
	// middleware chain wraps it; ExtraMiddleware wraps the finished chain,
	// first entry outermost.
	ExtraRoutes     func(mux *http.ServeMux)
	ExtraMiddleware []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:        cfg.DB,
		Pool:      cfg.Pool,
		JWT:       cfg.JWT,
		Checker:   cfg.Checker,
		Retriever: cfg.Retriever,
		Composer:  cfg.Composer,
		Generator: cfg.Generator,
		Buffer:    cfg.Buffer,
		Signup:    cfg.Signup,
		Web:       cfg.Web,
		Config:    cfg.Config,
		Logger:    cfg.Logger,
		Version:   cfg.Version,
		Hooks:     cfg.Hooks,
	})

	s := &Server{
		h:       h,
		jwt:     cfg.JWT,
		checker: cfg.Checker,
		cfg:     cfg.Config,
		logger:  cfg.Logger,
	}

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}

	// Rate limit rules. The auth rule doubles as the brute-force throttle and
	// is configurable; answer endpoints use fixed per-user budgets. A nil
	// Limiter disables all three.
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Name: "auth", Limit: cfg.Config.RateLimitMax, Window: cfg.Config.RateLimitWindow,
	}, s.rateKey, reqIDFunc, s.onRateLimited)
	chatRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Name: "chat", Limit: 60, Window: time.Minute,
	}, s.rateKey, reqIDFunc, s.onRateLimited)
	searchRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Name: "search", Limit: 120, Window: time.Minute,
	}, s.rateKey, reqIDFunc, s.onRateLimited)

	// Permission guards. Admins pass every guard.
	needChat := s.requirePermission(model.PermChat)
	needSearch := s.requirePermission(model.PermSearch)
	needDownload := s.requirePermission(model.PermDownloadDocuments)
	needManageDocs := s.requirePermission(model.PermManageDocuments)
	needAnalytics := s.requirePermission(model.PermViewAnalytics)
	audited := s.auditMiddleware

	mux := http.NewServeMux()

	// Account endpoints (no auth required, rate limited by IP).
	mux.Handle("POST /api/auth/login", authRL(http.HandlerFunc(h.HandleLogin)))
	mux.Handle("POST /api/auth/refresh", authRL(http.HandlerFunc(h.HandleRefresh)))
	mux.Handle("POST /api/auth/register", authRL(audited(http.HandlerFunc(h.HandleRegister))))
	mux.Handle("POST /api/auth/verify-email", authRL(audited(http.HandlerFunc(h.HandleVerifyEmail))))
	mux.Handle("POST /api/auth/forgot-password", authRL(http.HandlerFunc(h.HandleForgotPassword)))
	mux.Handle("POST /api/auth/reset-password", authRL(audited(http.HandlerFunc(h.HandleResetPassword))))

	// Authenticated account endpoints. Force-change is the one route a
	// password_change_required token may reach; the auth middleware knows it.
	mux.Handle("GET /api/auth/me", http.HandlerFunc(h.HandleMe))
	mux.Handle("POST /api/auth/change-password", authRL(audited(http.HandlerFunc(h.HandleChangePassword))))
	mux.Handle("POST /api/auth/force-change-password", authRL(audited(http.HandlerFunc(h.HandleForceChangePassword))))

	// Answer endpoints (permission guarded, rate limited per user).
	mux.Handle("POST /api/rag-chat", chatRL(needChat(http.HandlerFunc(h.HandleRAGChat))))
	mux.Handle("POST /api/hybrid-search", searchRL(needSearch(http.HandlerFunc(h.HandleHybridSearch))))
	mux.Handle("POST /api/fused-hybrid-search", searchRL(needSearch(http.HandlerFunc(h.HandleFusedSearch))))
	mux.Handle("POST /api/intelligent-hybrid-search", searchRL(needSearch(http.HandlerFunc(h.HandleIntelligentSearch))))
	mux.Handle("POST /api/classify-query", searchRL(needSearch(http.HandlerFunc(h.HandleClassifyQuery))))
	mux.Handle("POST /api/intelligent-route", searchRL(needSearch(http.HandlerFunc(h.HandleIntelligentRoute))))
	mux.Handle("GET /api/ollama-health", http.HandlerFunc(h.HandleOllamaHealth))

	// Document endpoints.
	mux.Handle("GET /api/documents", searchRL(needSearch(http.HandlerFunc(h.HandleListDocuments))))
	mux.Handle("POST /api/documents/list", searchRL(needSearch(http.HandlerFunc(h.HandleListDocuments))))
	mux.Handle("GET /api/documents/{id}", searchRL(needSearch(http.HandlerFunc(h.HandleGetDocument))))
	mux.Handle("GET /api/documents/{id}/download", searchRL(needDownload(http.HandlerFunc(h.HandleDownloadDocument))))
	mux.Handle("DELETE /api/documents/{id}", needManageDocs(audited(http.HandlerFunc(h.HandleDeleteDocument))))

	// Analytics endpoints. The security log is admin only.
	mux.Handle("GET /api/analytics/summary", needAnalytics(http.HandlerFunc(h.HandleAnalyticsSummary)))
	mux.Handle("GET /api/analytics/recent", needAnalytics(http.HandlerFunc(h.HandleAnalyticsRecent)))
	mux.Handle("GET /api/analytics/security", s.requireAdmin(http.HandlerFunc(h.HandleSecurityEvents)))

	// MCP StreamableHTTP transport (search permission, search rate limit).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", searchRL(needSearch(mcpHTTP)))
	}

	// Health and meta endpoints. /health/details requires a token; the rest
	// are public via the auth skip list.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /api/health", h.HandleHealth)
	mux.HandleFunc("GET /health/details", h.HandleHealthDetails)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Prometheus exposition from the telemetry registry.
	if cfg.Telemetry != nil && cfg.Telemetry.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Telemetry.Registry, promhttp.HandlerOpts{}))
	}

	// Embedder-supplied routes.
	if cfg.ExtraRoutes != nil {
		cfg.ExtraRoutes(mux)
	}

	// Middleware chain (outermost executes first): request ID → security
	// headers → CORS → tracing → access log → recovery → body cap → auth.
	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.tracingMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = s.requestIDMiddleware(handler)
	for i := len(cfg.ExtraMiddleware) - 1; i >= 0; i-- {
		handler = cfg.ExtraMiddleware[i](handler)
	}

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Config.Host, cfg.Config.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Config.ReadTimeout,
		WriteTimeout: cfg.Config.WriteTimeout,
	}
	return s
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.h
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
