// Package kotae is the public API for embedding the Kotae answer gateway.
//
// Deployments that need custom glue import this package to construct and
// extend the server without forking it:
//
//	app, err := kotae.New(
//	    kotae.WithVersion(version),
//	    kotae.WithLogger(logger),
//	    kotae.WithEventHook(myAnalyticsSink{}),
//	    kotae.WithExtraRoutes(myDebugRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kotae (root) imports
// internal/*, but internal/* never imports kotae (root). Public types
// (SearchEvent, WebResult, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package kotae

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/backend"
	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/mcp"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/ratelimit"
	"github.com/ashita-ai/kotae/internal/search"
	"github.com/ashita-ai/kotae/internal/server"
	"github.com/ashita-ai/kotae/internal/service/analytics"
	"github.com/ashita-ai/kotae/internal/service/embedding"
	"github.com/ashita-ai/kotae/internal/service/generate"
	"github.com/ashita-ai/kotae/internal/service/prompt"
	"github.com/ashita-ai/kotae/internal/service/rerank"
	"github.com/ashita-ai/kotae/internal/service/retrieval"
	"github.com/ashita-ai/kotae/internal/service/websearch"
	"github.com/ashita-ai/kotae/internal/signup"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/telemetry"
	"github.com/ashita-ai/kotae/migrations"
)

// Sweep cadences for the periodic maintenance loops started by Run.
const (
	webCacheSweepInterval = 10 * time.Minute
	tokenSweepInterval    = time.Hour
)

// App is the Kotae server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg         config.Config
	db          *storage.DB
	srv         *server.Server
	pool        *backend.Pool
	buf         *analytics.Buffer
	outbox      *search.OutboxWorker
	qdrantIndex *search.QdrantIndex // nil when Qdrant is not configured
	checker     *authz.Checker
	limiter     ratelimit.Limiter
	tel         *telemetry.Telemetry
	logger      *slog.Logger
	version     string
}

// New initialises the Kotae server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kotae starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	tel, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database. The pool is sized at twice the request concurrency
	// ceiling so retrieval and analytics flushes never starve each other.
	db, err := storage.New(context.Background(), cfg.DSN(), 2*cfg.MaxConcurrentRequests, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run embedded migrations.
	if cfg.SkipMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Run extra migrations after the embedded ones.
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = tel.Shutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration. If the pgvector extension
	// failed to create, the chunk migration fails and the server would start
	// with no corpus tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'document_chunks')`,
	).Scan(&schemaOK); err != nil {
		db.Close()
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close()
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("critical table 'document_chunks' does not exist after migration; check that the vector extension is installed")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenExpiryHours)
	if err != nil {
		db.Close()
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Permission checker with its refresh cache.
	checker := authz.NewChecker(db)

	// Backend pool. Probing starts in Run(); until the first probe completes
	// every instance counts as unknown and Acquire falls back accordingly.
	pool := backend.NewPool(cfg, logger)

	// Create embedding provider. An external override takes priority; with no
	// Ollama instances configured, vector retrieval degrades to keyword-only.
	var embedder embedding.Provider
	switch {
	case o.embeddingProvider != nil:
		embedder = &embedderAdapter{p: o.embeddingProvider}
		logger.Info("embedding provider: external override", "dimensions", embedder.Dimensions())
	case pool.Size() > 0:
		embedder = embedding.NewOllamaProvider(pool, cfg.EmbeddingModel, cfg.EmbeddingDimensions, cfg.EmbeddingTimeout)
		logger.Info("embedding provider: ollama", "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
	default:
		embedder = embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		logger.Warn("embedding provider: noop (no OLLAMA_INSTANCES configured)")
	}

	// Initialize Qdrant search index and outbox worker.
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			checker.Close()
			db.Close()
			_ = tel.Shutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", idxErr)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			checker.Close()
			db.Close()
			_ = tel.Shutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL), vector search served by pgvector")
	}

	// External Searcher override (replaces Qdrant for retrieval; the outbox
	// mirror keeps running so the index stays warm for a later switch back).
	if o.searcher != nil {
		searcher = &searcherAdapter{s: o.searcher}
	}

	// Reranker. Scoring is a generation call against a reasoning backend, so
	// it needs the pool; without instances the retriever keeps first-pass
	// combined scores.
	var scorer rerank.Scorer
	if pool.Size() > 0 {
		scorer = rerank.NewOllama(pool, cfg.ReasoningModel, 0)
		logger.Info("reranker: ollama", "model", cfg.ReasoningModel)
	} else {
		logger.Info("reranker: disabled (no backends)")
	}

	// Web search with its Postgres-backed cache.
	var webSvc *websearch.Service
	var webSearcher retrieval.WebSearcher
	if cfg.WebSearchURL != "" {
		var fetcher websearch.Fetcher = websearch.NewDuckDuckGo(cfg.WebSearchURL, cfg.WebSearchTimeout)
		if o.webFetcher != nil {
			fetcher = &fetcherAdapter{f: o.webFetcher}
			logger.Info("web search: external fetcher override")
		}
		webSvc = websearch.New(db, fetcher, cfg, logger)
		webSearcher = webSvc
	} else {
		logger.Info("web search: disabled (no KOTAE_WEB_SEARCH_URL)")
	}

	// Retrieval pipeline and the services built on it.
	retriever := retrieval.New(db, embedder, searcher, scorer, webSearcher, cfg, logger)
	composer := prompt.NewComposer(db, cfg, logger)
	generator := generate.New(pool, cfg, logger)

	// Analytics event buffer.
	buf := analytics.NewBuffer(db, logger, cfg.EventBufferSize, cfg.EventFlushInterval)

	// Self-serve signup with outbound email.
	signupSvc := signup.New(db, signup.Config{
		SMTPHost:      cfg.SMTPHost,
		SMTPPort:      cfg.SMTPPort,
		SMTPUser:      cfg.SMTPUser,
		SMTPPass:      cfg.SMTPPassword,
		SMTPFrom:      cfg.EmailSender,
		UseTLS:        cfg.SMTPUseTLS,
		VerifySubject: cfg.EmailSubject,
		BaseURL:       cfg.EmailLinkBase,
	}, logger)

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter()
		logger.Info("rate limiting: memory (in-process sliding window)",
			"auth_limit", cfg.RateLimitMax, "auth_window", cfg.RateLimitWindow)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server.
	mcpSrv := mcp.New(db, retriever, logger, version)

	// Adapt event hooks from public kotae.EventHook to internal server.SearchHook.
	var hooks []server.SearchHook
	for _, h := range o.eventHooks {
		hooks = append(hooks, &searchHookAdapter{hook: h})
	}

	// Fold route registrars into the single mux hook the server exposes.
	var extraRoutes func(mux *http.ServeMux)
	if len(o.routeRegistrars) > 0 {
		regs := o.routeRegistrars
		extraRoutes = func(mux *http.ServeMux) {
			for _, fn := range regs {
				fn(mux)
			}
		}
	}

	// Adapt middlewares from kotae.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	// Create HTTP server.
	srv := server.New(server.ServerConfig{
		Config:          cfg,
		Version:         version,
		DB:              db,
		Pool:            pool,
		JWT:             jwtMgr,
		Checker:         checker,
		Retriever:       retriever,
		Composer:        composer,
		Generator:       generator,
		Buffer:          buf,
		Signup:          signupSvc,
		Logger:          logger,
		Web:             webSvc,
		Limiter:         limiter,
		MCPServer:       mcpSrv.MCPServer(),
		Telemetry:       tel,
		Hooks:           hooks,
		ExtraRoutes:     extraRoutes,
		ExtraMiddleware: middlewares,
	})

	// Seed the bootstrap admin account.
	if err := srv.Handlers().SeedAdmin(context.Background()); err != nil {
		if qdrantIndex != nil {
			_ = qdrantIndex.Close()
		}
		checker.Close()
		_ = limiter.Close()
		db.Close()
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:         cfg,
		db:          db,
		srv:         srv,
		pool:        pool,
		buf:         buf,
		outbox:      outboxWorker,
		qdrantIndex: qdrantIndex,
		checker:     checker,
		limiter:     limiter,
		tel:         tel,
		logger:      logger,
		version:     version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	a.buf.Start(ctx)
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	go a.pool.Run(ctx)

	// Periodic maintenance.
	go a.webCacheSweepLoop(ctx)
	go a.tokenSweepLoop(ctx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) flush the analytics buffer to Postgres,
// (3) drain remaining outbox entries to Qdrant.
// It then closes the permission cache, rate limiter, database pool, and OTEL
// providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kotae shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: buffer drain.
	bufCtx, bufCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownBufferTimeout)
	a.buf.Drain(bufCtx)
	bufCancel()
	if n := a.buf.Len(); n > 0 {
		a.logger.Error("analytics buffer drain incomplete, unflushed events lost",
			"remaining_events", n,
			"configured_timeout", a.cfg.ShutdownBufferTimeout,
		)
	}

	// Phase 3: outbox drain.
	if a.outbox != nil {
		outboxCtx, outboxCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownOutboxTimeout)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	// Cleanup.
	a.checker.Close()
	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.tel.Shutdown(context.Background())
	a.db.Close()

	a.logger.Info("kotae stopped")
	return nil
}

// webCacheSweepLoop deletes expired web cache rows so the table stays inside
// its row budget between the evictions WebCacheStore does on write.
func (a *App) webCacheSweepLoop(ctx context.Context) {
	if !a.cfg.WebCacheEnabled {
		return
	}
	ticker := time.NewTicker(webCacheSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.WebCachePurgeExpired(opCtx)
			cancel()
			if err != nil {
				a.logger.Warn("web cache sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("web cache sweep deleted rows", "deleted", deleted)
			}
		}
	}
}

// tokenSweepLoop removes expired verification and reset tokens. Consumption
// already deletes used rows; this catches the ones nobody ever clicked.
func (a *App) tokenSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(tokenSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.PurgeExpiredTokens(opCtx)
			cancel()
			if err != nil {
				a.logger.Warn("token sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("token sweep deleted rows", "deleted", deleted)
			}
		}
	}
}

// ---------- Adapters (defined here because this file imports both sides) ----------

// embedderAdapter wraps a kotae.EmbeddingProvider to satisfy embedding.Provider.
// It converts []float32 to pgvector.Vector at the boundary so external
// providers never need the pgvector dependency.
type embedderAdapter struct {
	p EmbeddingProvider
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embedderAdapter) Dimensions() int { return a.p.Dimensions() }

// searcherAdapter wraps a kotae.Searcher to satisfy search.Searcher.
type searcherAdapter struct {
	s Searcher
}

func (a *searcherAdapter) Search(ctx context.Context, embedding []float32, privacyLevels []string, limit int) ([]search.Result, error) {
	hits, err := a.s.Search(ctx, embedding, privacyLevels, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.Result, len(hits))
	for i, h := range hits {
		out[i] = search.Result{ChunkID: h.ChunkID, Score: h.Score}
	}
	return out, nil
}

func (a *searcherAdapter) Healthy(ctx context.Context) error {
	return a.s.Healthy(ctx)
}

// fetcherAdapter wraps a kotae.WebFetcher to satisfy websearch.Fetcher.
// FromCache stays false here; the cache layer sets it on hits.
type fetcherAdapter struct {
	f WebFetcher
}

func (a *fetcherAdapter) Fetch(ctx context.Context, query string, maxResults int) ([]model.WebResult, error) {
	results, err := a.f.Fetch(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	out := make([]model.WebResult, len(results))
	for i, r := range results {
		out[i] = model.WebResult{
			Title:     r.Title,
			URL:       r.URL,
			Snippet:   r.Snippet,
			Source:    r.Source,
			Relevance: r.Relevance,
		}
	}
	return out, nil
}

// searchHookAdapter wraps a kotae.EventHook to satisfy server.SearchHook.
// It converts internal model types to public kotae types at the boundary.
type searchHookAdapter struct {
	hook EventHook
}

func (a *searchHookAdapter) OnSearchCompleted(ctx context.Context, e model.SearchEvent) error {
	return a.hook.OnSearchCompleted(ctx, toPublicSearchEvent(e))
}

// toPublicSearchEvent converts an internal model.SearchEvent to the public
// kotae.SearchEvent.
func toPublicSearchEvent(e model.SearchEvent) SearchEvent {
	return SearchEvent{
		ID:              e.ID,
		RequestID:       e.RequestID,
		UserID:          e.UserID,
		Query:           e.Query,
		Category:        string(e.Category),
		Strategy:        string(e.Strategy),
		Method:          string(e.Method),
		Model:           e.Model,
		Backend:         e.Backend,
		RAGConfidence:   e.RAGConfidence,
		FinalConfidence: e.FinalConfidence,
		ChunkCount:      e.ChunkCount,
		WebCount:        e.WebCount,
		FusedCount:      e.FusedCount,
		TokensOut:       e.TokensOut,
		TokensPerSec:    e.TokensPerSec,
		LatencyMS:       e.LatencyMS,
		Streamed:        e.Streamed,
		ErrorCode:       e.ErrorCode,
		CreatedAt:       e.CreatedAt,
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
