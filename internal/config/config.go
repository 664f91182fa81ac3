// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Specialization tags accepted in OLLAMA_INSTANCES entries, in the order used
// for cyclic assignment of untagged entries.
var instanceTags = []string{"chat_qa", "code_technical", "reasoning_math", "embeddings_search"}

// Instance is one parsed OLLAMA_INSTANCES entry.
type Instance struct {
	Name string // "ollama-0", "ollama-1", ...
	URL  string // "http://host:port"
	Tag  string // specialization tag
}

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. DatabaseURL wins when set; otherwise the DSN is
	// assembled from the DB_* parts.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBName      string
	DBUser      string
	DBPassword  string

	// Backend pool settings.
	Instances             []Instance
	ProbeInterval         time.Duration
	ProbeTimeout          time.Duration
	AcquireWait           time.Duration
	MaxConcurrentRequests int

	// Model assignments per specialization.
	ChatModel      string
	CodingModel    string
	ReasoningModel string
	VisionModel    string
	EmbeddingModel string

	// Pipeline settings.
	EmbeddingTimeout        time.Duration
	EmbeddingDimensions     int
	RetrievalCandidates     int
	RetrievalTimeout        time.Duration
	GenerationTimeout       time.Duration
	RequestTimeout          time.Duration
	ModelContextTokens      int
	EnableMetadataWeighting bool

	// Web search settings.
	WebCacheEnabled  bool
	WebCacheTTL      time.Duration
	WebCacheMaxRows  int
	WebSearchURL     string
	WebSearchTimeout time.Duration

	// JWT settings. TokenExpiryHours of 0 keeps the default 30-minute access TTL.
	JWTSecret        string
	TokenExpiryHours int

	// Auth rate limit (sliding window over login attempts).
	RateLimitEnabled bool
	RateLimitMax     int
	RateLimitWindow  time.Duration

	// Seed admin bootstrap.
	AdminEmail    string
	AdminPassword string

	// Qdrant mirror. Empty URL disables the mirror and the outbox worker.
	QdrantURL          string
	QdrantAPIKey       string
	QdrantCollection   string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// SMTP settings for verification and reset mail.
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	SMTPUseTLS    bool
	EmailSender   string
	EmailSubject  string
	EmailLinkBase string

	// Operational settings.
	LogLevel              string
	LogDir                string
	UploadsDir            string
	ArchiveDir            string
	PollInterval          time.Duration // ingestion-side key, recognized but not consumed here
	TrustProxy            bool
	CORSAllowedOrigins    []string
	MaxRequestBodyBytes   int64
	ShutdownHTTPTimeout   time.Duration
	ShutdownBufferTimeout time.Duration
	ShutdownOutboxTimeout time.Duration
	EventBufferSize       int
	EventFlushInterval    time.Duration
	SkipMigrations        bool
}

// Load reads configuration from environment variables with sensible defaults.
// All malformed values are reported together rather than one at a time.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error

	cfg.Host = envStr("API_HOST", "0.0.0.0")
	cfg.Port, err = envInt("API_PORT", 8008)
	collect(err)
	cfg.ReadTimeout, err = envDuration("KOTAE_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("KOTAE_WRITE_TIMEOUT", 120*time.Second)
	collect(err)

	cfg.DatabaseURL = envStr("DATABASE_URL", "")
	cfg.DBHost = envStr("DB_HOST", "localhost")
	cfg.DBPort, err = envInt("DB_PORT", 5432)
	collect(err)
	cfg.DBName = envStr("DB_NAME", "kotae")
	cfg.DBUser = envStr("DB_USER", "postgres")
	cfg.DBPassword = envStr("DB_PASSWORD", "")

	cfg.Instances, err = parseInstances(envStr("OLLAMA_INSTANCES", ""))
	collect(err)
	probeInterval, err := envInt("KOTAE_PROBE_INTERVAL_SECONDS", 30)
	collect(err)
	cfg.ProbeInterval = time.Duration(probeInterval) * time.Second
	probeTimeout, err := envInt("KOTAE_PROBE_TIMEOUT_SECONDS", 5)
	collect(err)
	cfg.ProbeTimeout = time.Duration(probeTimeout) * time.Second
	acquireWait, err := envInt("KOTAE_ACQUIRE_WAIT_SECONDS", 2)
	collect(err)
	cfg.AcquireWait = time.Duration(acquireWait) * time.Second
	cfg.MaxConcurrentRequests, err = envInt("KOTAE_MAX_CONCURRENT_REQUESTS", 32)
	collect(err)

	cfg.ChatModel = envStr("CHAT_MODEL", "llama3.1:8b")
	cfg.CodingModel = envStr("CODING_MODEL", "qwen2.5-coder:7b")
	cfg.ReasoningModel = envStr("REASONING_MODEL", "deepseek-r1:8b")
	cfg.VisionModel = envStr("VISION_MODEL", "llama3.2-vision:11b")
	cfg.EmbeddingModel = envStr("EMBEDDING_MODEL", "nomic-embed-text")

	embTimeout, err := envInt("EMBEDDING_TIMEOUT_SECONDS", 30)
	collect(err)
	cfg.EmbeddingTimeout = time.Duration(embTimeout) * time.Second
	cfg.EmbeddingDimensions, err = envInt("KOTAE_EMBEDDING_DIMENSIONS", 768)
	collect(err)
	cfg.RetrievalCandidates, err = envInt("RETRIEVAL_CANDIDATES", 30)
	collect(err)
	retrTimeout, err := envInt("KOTAE_RETRIEVAL_TIMEOUT_SECONDS", 10)
	collect(err)
	cfg.RetrievalTimeout = time.Duration(retrTimeout) * time.Second
	genTimeout, err := envInt("KOTAE_GENERATION_TIMEOUT_SECONDS", 30)
	collect(err)
	cfg.GenerationTimeout = time.Duration(genTimeout) * time.Second
	reqTimeout, err := envInt("KOTAE_REQUEST_TIMEOUT_SECONDS", 60)
	collect(err)
	cfg.RequestTimeout = time.Duration(reqTimeout) * time.Second
	cfg.ModelContextTokens, err = envInt("KOTAE_MODEL_CONTEXT_TOKENS", 8192)
	collect(err)
	cfg.EnableMetadataWeighting, err = envBool("ENABLE_METADATA_WEIGHTING", false)
	collect(err)

	cfg.WebCacheEnabled, err = envBool("WEB_CACHE_ENABLED", true)
	collect(err)
	cacheTTL, err := envInt("WEB_CACHE_TTL_SECONDS", 86400)
	collect(err)
	cfg.WebCacheTTL = time.Duration(cacheTTL) * time.Second
	cfg.WebCacheMaxRows, err = envInt("WEB_CACHE_MAX_ROWS", 10000)
	collect(err)
	cfg.WebSearchURL = envStr("KOTAE_WEB_SEARCH_URL", "https://api.duckduckgo.com")
	webTimeout, err := envInt("KOTAE_WEB_TIMEOUT_SECONDS", 10)
	collect(err)
	cfg.WebSearchTimeout = time.Duration(webTimeout) * time.Second

	cfg.JWTSecret = envStr("JWT_SECRET", "")
	cfg.TokenExpiryHours, err = envInt("JWT_TOKEN_EXPIRY_HOURS", 0)
	collect(err)

	cfg.RateLimitEnabled, err = envBool("KOTAE_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitMax, err = envInt("KOTAE_RATE_LIMIT_REQUESTS", 10)
	collect(err)
	rlWindow, err := envInt("KOTAE_RATE_LIMIT_WINDOW_SECONDS", 300)
	collect(err)
	cfg.RateLimitWindow = time.Duration(rlWindow) * time.Second

	cfg.AdminEmail = envStr("KOTAE_ADMIN_EMAIL", "admin@example.com")
	cfg.AdminPassword = envStr("KOTAE_ADMIN_PASSWORD", "")

	cfg.QdrantURL = envStr("KOTAE_QDRANT_URL", "")
	cfg.QdrantAPIKey = envStr("KOTAE_QDRANT_API_KEY", "")
	cfg.QdrantCollection = envStr("KOTAE_QDRANT_COLLECTION", "kotae_chunks")
	cfg.OutboxPollInterval, err = envDuration("KOTAE_OUTBOX_POLL_INTERVAL", 5*time.Second)
	collect(err)
	cfg.OutboxBatchSize, err = envInt("KOTAE_OUTBOX_BATCH_SIZE", 256)
	collect(err)

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.OTELInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", true)
	collect(err)
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "kotae")

	cfg.SMTPHost = envStr("SMTP_HOST", "")
	cfg.SMTPPort, err = envInt("SMTP_PORT", 587)
	collect(err)
	cfg.SMTPUser = envStr("SMTP_USERNAME", "")
	cfg.SMTPPassword = envStr("SMTP_PASSWORD", "")
	cfg.SMTPUseTLS, err = envBool("SMTP_USE_TLS", true)
	collect(err)
	cfg.EmailSender = envStr("VERIFICATION_EMAIL_SENDER", "noreply@kotae.dev")
	cfg.EmailSubject = envStr("VERIFICATION_EMAIL_SUBJECT", "Verify your email")
	cfg.EmailLinkBase = envStr("VERIFICATION_EMAIL_LINK_BASE", "http://localhost:8008")

	cfg.LogLevel = envStr("LOG_LEVEL", "info")
	cfg.LogDir = envStr("LOG_DIR", "./logs")
	cfg.UploadsDir = envStr("UPLOADS_DIR", "./uploads")
	cfg.ArchiveDir = envStr("ARCHIVE_DIR", "./archive")
	pollInterval, err := envInt("POLL_INTERVAL_SECONDS", 60)
	collect(err)
	cfg.PollInterval = time.Duration(pollInterval) * time.Second
	cfg.TrustProxy, err = envBool("KOTAE_TRUST_PROXY", false)
	collect(err)
	cfg.CORSAllowedOrigins = splitCSV(envStr("KOTAE_CORS_ALLOWED_ORIGINS", ""))
	maxBody, err := envInt("KOTAE_MAX_BODY_BYTES", 1*1024*1024)
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.ShutdownHTTPTimeout, err = envDuration("KOTAE_SHUTDOWN_HTTP_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.ShutdownBufferTimeout, err = envDuration("KOTAE_SHUTDOWN_BUFFER_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.ShutdownOutboxTimeout, err = envDuration("KOTAE_SHUTDOWN_OUTBOX_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.EventBufferSize, err = envInt("KOTAE_EVENT_BUFFER_SIZE", 4096)
	collect(err)
	cfg.EventFlushInterval, err = envDuration("KOTAE_EVENT_FLUSH_INTERVAL", 2*time.Second)
	collect(err)
	cfg.SkipMigrations, err = envBool("KOTAE_SKIP_EMBEDDED_MIGRATIONS", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and in range.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("config: JWT_SECRET must be at least 32 bytes")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: API_PORT must be between 1 and 65535")
	}
	if c.DatabaseURL == "" && c.DBHost == "" {
		return fmt.Errorf("config: DB_HOST or DATABASE_URL is required")
	}
	if len(c.Instances) == 0 {
		return fmt.Errorf("config: at least one OLLAMA_INSTANCES entry is required")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: KOTAE_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.RetrievalCandidates <= 0 {
		return fmt.Errorf("config: RETRIEVAL_CANDIDATES must be positive")
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("config: KOTAE_MAX_CONCURRENT_REQUESTS must be positive")
	}
	if c.ModelContextTokens <= 0 {
		return fmt.Errorf("config: KOTAE_MODEL_CONTEXT_TOKENS must be positive")
	}
	if c.WebCacheMaxRows <= 0 {
		return fmt.Errorf("config: WEB_CACHE_MAX_ROWS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KOTAE_MAX_BODY_BYTES must be positive")
	}
	if c.TokenExpiryHours < 0 {
		return fmt.Errorf("config: JWT_TOKEN_EXPIRY_HOURS must not be negative")
	}
	return nil
}

// DSN returns the Postgres connection string: DATABASE_URL verbatim when set,
// otherwise assembled from the DB_* parts.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	if c.DBPassword != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	} else {
		u.User = url.User(c.DBUser)
	}
	q := u.Query()
	q.Set("sslmode", "prefer")
	u.RawQuery = q.Encode()
	return u.String()
}

// parseInstances parses OLLAMA_INSTANCES: comma-separated entries of the form
// [tag@]host:port. Untagged entries get specialization tags assigned
// cyclically. An empty value yields the four-instance localhost default.
func parseInstances(raw string) ([]Instance, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "chat_qa@127.0.0.1:11434,code_technical@127.0.0.1:11435,reasoning_math@127.0.0.1:11436,embeddings_search@127.0.0.1:11437"
	}
	parts := splitCSV(raw)
	instances := make([]Instance, 0, len(parts))
	for i, part := range parts {
		tag := instanceTags[i%len(instanceTags)]
		hostport := part
		if at := strings.IndexByte(part, '@'); at >= 0 {
			tag = part[:at]
			hostport = part[at+1:]
			if !validTag(tag) {
				return nil, fmt.Errorf(`OLLAMA_INSTANCES entry %q has unknown tag %q`, part, tag)
			}
		}
		if hostport == "" {
			return nil, fmt.Errorf(`OLLAMA_INSTANCES entry %q has no address`, part)
		}
		addr := hostport
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		u, err := url.Parse(addr)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf(`OLLAMA_INSTANCES entry %q is not a valid address`, part)
		}
		instances = append(instances, Instance{
			Name: fmt.Sprintf("ollama-%d", i),
			URL:  u.Scheme + "://" + u.Host,
			Tag:  tag,
		})
	}
	return instances, nil
}

func validTag(tag string) bool {
	for _, t := range instanceTags {
		if t == tag {
			return true
		}
	}
	return false
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
