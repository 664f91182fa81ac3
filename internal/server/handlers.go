package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kotae/api"
	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/backend"
	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/service/analytics"
	"github.com/ashita-ai/kotae/internal/service/generate"
	"github.com/ashita-ai/kotae/internal/service/prompt"
	"github.com/ashita-ai/kotae/internal/service/retrieval"
	"github.com/ashita-ai/kotae/internal/service/websearch"
	"github.com/ashita-ai/kotae/internal/signup"
	"github.com/ashita-ai/kotae/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db        *storage.DB
	pool      *backend.Pool
	jwt       *auth.JWTManager
	checker   *authz.Checker
	retriever *retrieval.Service
	composer  *prompt.Composer
	generator *generate.Service
	buffer    *analytics.Buffer
	signup    *signup.Service
	web       *websearch.Service
	cfg       config.Config
	logger    *slog.Logger
	version   string
	startedAt time.Time
	// hooks fire asynchronously after each answered query. Nil means none.
	hooks []SearchHook
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Web, Hooks.
type HandlersDeps struct {
	DB        *storage.DB
	Pool      *backend.Pool
	JWT       *auth.JWTManager
	Checker   *authz.Checker
	Retriever *retrieval.Service
	Composer  *prompt.Composer
	Generator *generate.Service
	Buffer    *analytics.Buffer
	Signup    *signup.Service
	Web       *websearch.Service
	Config    config.Config
	Logger    *slog.Logger
	Version   string
	Hooks     []SearchHook
}

// NewHandlers creates a Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:        d.DB,
		pool:      d.Pool,
		jwt:       d.JWT,
		checker:   d.Checker,
		retriever: d.Retriever,
		composer:  d.Composer,
		generator: d.Generator,
		buffer:    d.Buffer,
		signup:    d.Signup,
		web:       d.Web,
		cfg:       d.Config,
		logger:    d.Logger,
		version:   d.Version,
		startedAt: time.Now(),
		hooks:     d.Hooks,
	}
}

// HandleHealth handles GET /health and GET /api/health: cheap liveness, no
// dependencies touched.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleHealthDetails handles GET /health/details: Postgres reachability,
// backend pool state, and analytics buffer pressure in one response.
func (h *Handlers) HandleHealthDetails(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthDetailsResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	pingCtx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := h.db.Ping(pingCtx); err != nil {
		resp.Postgres = "unreachable"
		resp.Status = "unhealthy"
	} else {
		resp.Postgres = "ok"
	}

	resp.Backends = h.pool.Snapshot()
	if resp.Status == "healthy" && resp.Backends.Status != "healthy" {
		resp.Status = "degraded"
	}

	depth, capacity := h.buffer.Len(), h.buffer.Capacity()
	resp.BufferDepth = depth
	resp.EventsDropped = h.buffer.Dropped()
	switch {
	case depth >= capacity*3/4:
		resp.BufferStatus = "critical"
	case depth >= capacity/2:
		resp.BufferStatus = "high"
	default:
		resp.BufferStatus = "ok"
	}
	if resp.Status == "healthy" && resp.BufferStatus != "ok" {
		resp.Status = "degraded"
	}

	resp.WebCacheEnabled = h.web != nil && h.web.CacheEnabled()

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(api.OpenAPISpec)
}

// SeedAdmin creates the bootstrap admin account on first boot. With no
// configured password a random one is generated and logged exactly once;
// rotate it immediately. Idempotent: an existing account is left alone.
func (h *Handlers) SeedAdmin(ctx context.Context) error {
	if h.cfg.AdminEmail == "" {
		return nil
	}
	email := model.NormalizeEmail(h.cfg.AdminEmail)

	if _, err := h.db.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	password := h.cfg.AdminPassword
	generated := false
	if password == "" {
		raw := make([]byte, 18)
		if _, err := rand.Read(raw); err != nil {
			return err
		}
		password = base64.RawURLEncoding.EncodeToString(raw)
		generated = true
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	user, err := h.db.CreateUser(ctx, model.User{
		Email:         email,
		PasswordHash:  hash,
		FirstName:     "Admin",
		Status:        model.UserStatusActive,
		EmailVerified: true,
	})
	if err != nil {
		return err
	}
	if err := h.db.AssignRole(ctx, user.ID, model.RoleAdmin); err != nil {
		return err
	}

	if generated {
		h.logger.Warn("seeded admin account with generated password; change it now",
			"email", email,
			"password", password,
		)
	} else {
		h.logger.Info("seeded admin account", "email", email)
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when absent or
// malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// clampInt bounds n to [lo, hi].
func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
