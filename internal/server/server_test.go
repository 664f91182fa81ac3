package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/backend"
	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/fingerprint"
	"github.com/ashita-ai/kotae/internal/mcp"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/ratelimit"
	"github.com/ashita-ai/kotae/internal/server"
	"github.com/ashita-ai/kotae/internal/service/analytics"
	"github.com/ashita-ai/kotae/internal/service/generate"
	"github.com/ashita-ai/kotae/internal/service/prompt"
	"github.com/ashita-ai/kotae/internal/service/retrieval"
	"github.com/ashita-ai/kotae/internal/signup"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/testutil"
)

const (
	adminEmail    = "admin@kotae.test"
	adminPassword = "AdminPass123"
	userEmail     = "user@kotae.test"
	userPassword  = "UserPass123"

	// genAnswer is the text the stub backend streams for every generation.
	genAnswer = "Answer: the fake backend replies."
)

var (
	testDB     *storage.DB
	testSrv    *httptest.Server
	testEmb    = testutil.NewUnitEmbedder(768)
	adminToken string
	userToken  string
)

func TestMain(m *testing.M) {
	// Short mode runs the unit tests only; the tests in this file skip
	// themselves on the nil shared DB.
	if testutil.ShortMode() {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

// requireContainer skips tests that need the shared database when the suite
// runs in short mode without Docker.
func requireContainer(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("requires the Postgres container; run without -short")
	}
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx, cancel := context.WithCancel(context.Background())
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: create DB: %v\n", err)
		cancel()
		return 1
	}
	defer testDB.Close()

	fakeOllama := httptest.NewServer(ollamaStub())
	defer fakeOllama.Close()

	cfg := testConfig(fakeOllama.URL)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenExpiryHours)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: jwt manager: %v\n", err)
		cancel()
		return 1
	}

	pool := backend.NewPool(cfg, logger)
	pool.ProbeOnce(ctx)

	checker := authz.NewChecker(testDB)
	defer checker.Close()

	retriever := retrieval.New(testDB, testEmb, nil, nil, nil, cfg, logger)
	composer := prompt.NewComposer(testDB, cfg, logger)
	generator := generate.New(pool, cfg, logger)

	buf := analytics.NewBuffer(testDB, logger, cfg.EventBufferSize, cfg.EventFlushInterval)
	buf.Start(ctx)
	defer buf.Drain(context.Background())
	defer cancel() // stop the flush loop before draining

	signupSvc := signup.New(testDB, signup.Config{
		SMTPFrom: "noreply@kotae.test",
		BaseURL:  "http://localhost:8008",
	}, logger)

	limiter := ratelimit.NewMemoryLimiter()
	defer func() { _ = limiter.Close() }()

	mcpSrv := mcp.New(testDB, retriever, logger, "test")

	srv := server.New(server.ServerConfig{
		Config:    cfg,
		Version:   "test",
		DB:        testDB,
		Pool:      pool,
		JWT:       jwtMgr,
		Checker:   checker,
		Retriever: retriever,
		Composer:  composer,
		Generator: generator,
		Buffer:    buf,
		Signup:    signupSvc,
		Logger:    logger,
		Limiter:   limiter,
		MCPServer: mcpSrv.MCPServer(),
	})

	if err := srv.Handlers().SeedAdmin(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server test: seed admin: %v\n", err)
		return 1
	}

	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	adminToken = mustLogin(adminEmail, adminPassword)
	mustCreateUser(ctx, userEmail, userPassword, model.RoleUser)
	userToken = mustLogin(userEmail, userPassword)

	return m.Run()
}

// testConfig assembles the configuration the wired services need: one stub
// backend tagged for chat, roomy rate limits so only the dedicated test can
// trip them, and a fast analytics flush so reads need only a short wait.
func testConfig(ollamaURL string) config.Config {
	return config.Config{
		Host:                  "127.0.0.1",
		Instances:             []config.Instance{{Name: "ollama-0", URL: ollamaURL, Tag: "chat_qa"}},
		ProbeInterval:         time.Minute,
		ProbeTimeout:          2 * time.Second,
		AcquireWait:           2 * time.Second,
		MaxConcurrentRequests: 4,
		ChatModel:             "chat-model-test",
		CodingModel:           "code-model-test",
		ReasoningModel:        "reason-model-test",
		VisionModel:           "vision-model-test",
		EmbeddingModel:        "embed-model-test",
		EmbeddingTimeout:      5 * time.Second,
		EmbeddingDimensions:   768,
		RetrievalCandidates:   50,
		RetrievalTimeout:      10 * time.Second,
		GenerationTimeout:     10 * time.Second,
		RequestTimeout:        30 * time.Second,
		ModelContextTokens:    4096,
		JWTSecret:             "server-test-secret-0123456789abcdef",
		RateLimitEnabled:      true,
		RateLimitMax:          100,
		RateLimitWindow:       time.Minute,
		AdminEmail:            adminEmail,
		AdminPassword:         adminPassword,
		MaxRequestBodyBytes:   1 << 20,
		EventBufferSize:       1024,
		EventFlushInterval:    50 * time.Millisecond,
	}
}

// ollamaStub mimics the two endpoints the pool and the generator touch: the
// probe's model list and the NDJSON generate stream.
func ollamaStub() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"models":[{"name":"chat-model-test"}]}`)
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"response":"Answer: ","done":false}`)
		fmt.Fprintln(w, `{"response":"the fake backend replies.","done":false}`)
		fmt.Fprintln(w, `{"done":true,"prompt_eval_count":24,"eval_count":6}`)
	})
	return mux
}

// mustLogin authenticates against the running test server and panics on any
// failure, so TestMain setup errors surface immediately.
func mustLogin(email, password string) string {
	body, _ := json.Marshal(model.LoginRequest{Email: email, Password: password})
	resp, err := http.Post(testSrv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("login %s: request failed: %v", email, err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("login %s: status %d, body: %s", email, resp.StatusCode, data))
	}
	var lr model.LoginResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		panic(fmt.Sprintf("login %s: unmarshal: %v, body: %s", email, err, data))
	}
	if lr.AccessToken == "" {
		panic(fmt.Sprintf("login %s: empty access token, body: %s", email, data))
	}
	return lr.AccessToken
}

// mustCreateUser inserts an active, verified account directly and assigns
// the role, bypassing the email verification flow.
func mustCreateUser(ctx context.Context, email, password, role string) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		panic(fmt.Sprintf("create user %s: hash: %v", email, err))
	}
	u, err := testDB.CreateUser(ctx, model.User{
		Email:         email,
		PasswordHash:  hash,
		FirstName:     "Test",
		Status:        model.UserStatusActive,
		EmailVerified: true,
	})
	if err != nil {
		panic(fmt.Sprintf("create user %s: %v", email, err))
	}
	if err := testDB.AssignRole(ctx, u.ID, role); err != nil {
		panic(fmt.Sprintf("assign role %s to %s: %v", role, email, err))
	}
}

func authedRequest(method, url, token string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

// decodeInto unmarshals the response body into dst and fails the test on
// unexpected status.
func decodeInto(t *testing.T, resp *http.Response, wantStatus int, dst any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "unexpected status, body: %s", data)
	if dst != nil {
		require.NoError(t, json.Unmarshal(data, dst), "body: %s", data)
	}
}

// mustSeedDocument inserts a document with one embedded chunk and returns
// the document ID. Chunk embeddings come from the same embedder the test
// retriever uses, so cosine distances against query vectors are well
// defined.
func mustSeedDocument(t *testing.T, title, content string, privacy model.PrivacyLevel) string {
	t.Helper()
	ctx := context.Background()

	var docID string
	err := testDB.Pool().QueryRow(ctx,
		`INSERT INTO documents (file_name, title, product, privacy_level, file_hash, chunk_count)
		 VALUES ($1, $2, 'kotae', $3, $4, 1) RETURNING id`,
		title+".pdf", title, string(privacy), uuid.NewString(),
	).Scan(&docID)
	require.NoError(t, err)

	emb, err := testEmb.Embed(ctx, content)
	require.NoError(t, err)
	_, err = testDB.Pool().Exec(ctx,
		`INSERT INTO document_chunks (document_id, ordinal, content, content_hash, token_count, privacy_level, embedding)
		 VALUES ($1, 0, $2, $3, 64, $4, $5)`,
		docID, content, uuid.NewString(), string(privacy), emb,
	)
	require.NoError(t, err)
	return docID
}

// ---------- health and meta ----------

func TestHealthEndpoint(t *testing.T) {
	requireContainer(t)
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)

	var hr model.HealthResponse
	decodeInto(t, resp, http.StatusOK, &hr)
	assert.Equal(t, "ok", hr.Status)
	assert.Equal(t, "test", hr.Version)

	// /api/health is the same handler on an alias path.
	resp, err = http.Get(testSrv.URL + "/api/health")
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusOK, &hr)
	assert.Equal(t, "ok", hr.Status)
}

func TestHealthDetails(t *testing.T) {
	requireContainer(t)
	// Unauthenticated requests are rejected: details disclose topology.
	resp, err := http.Get(testSrv.URL + "/health/details")
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusUnauthorized, nil)

	resp, err = authedRequest("GET", testSrv.URL+"/health/details", adminToken, nil)
	require.NoError(t, err)

	var hd model.HealthDetailsResponse
	decodeInto(t, resp, http.StatusOK, &hd)
	assert.Equal(t, "healthy", hd.Status)
	assert.Equal(t, "ok", hd.Postgres)
	assert.Equal(t, 1, hd.Backends.HealthyInstances)
	assert.Equal(t, 1, hd.Backends.TotalInstances)
	assert.Equal(t, "ok", hd.BufferStatus)
}

func TestOpenAPISpec(t *testing.T) {
	requireContainer(t)
	resp, err := http.Get(testSrv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))

	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "/api/rag-chat")
}

// ---------- auth ----------

func TestLogin(t *testing.T) {
	requireContainer(t)
	// Unknown account and wrong password are indistinguishable.
	body, _ := json.Marshal(model.LoginRequest{Email: "nobody@kotae.test", Password: "Whatever123"})
	resp, err := http.Post(testSrv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var apiErr model.APIError
	decodeInto(t, resp, http.StatusUnauthorized, &apiErr)
	assert.Equal(t, model.ErrCodeInvalidCredentials, apiErr.ErrorCode)

	body, _ = json.Marshal(model.LoginRequest{Email: adminEmail, Password: "WrongPass999"})
	resp, err = http.Post(testSrv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusUnauthorized, &apiErr)
	assert.Equal(t, model.ErrCodeInvalidCredentials, apiErr.ErrorCode)

	// Missing fields fail before any lookup.
	body, _ = json.Marshal(model.LoginRequest{Email: adminEmail})
	resp, err = http.Post(testSrv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusBadRequest, nil)

	// Success issues the full session envelope.
	body, _ = json.Marshal(model.LoginRequest{Email: adminEmail, Password: adminPassword})
	resp, err = http.Post(testSrv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var lr model.LoginResponse
	decodeInto(t, resp, http.StatusOK, &lr)
	assert.True(t, lr.Success)
	assert.NotEmpty(t, lr.AccessToken)
	assert.NotEmpty(t, lr.RefreshToken)
	assert.Equal(t, "bearer", lr.TokenType)
	assert.Positive(t, lr.ExpiresIn)
	assert.Equal(t, adminEmail, lr.User.Email)
	assert.Contains(t, lr.User.Roles, model.RoleAdmin)
}

func TestMe(t *testing.T) {
	requireContainer(t)
	resp, err := authedRequest("GET", testSrv.URL+"/api/auth/me", adminToken, nil)
	require.NoError(t, err)

	var me model.MeResponse
	decodeInto(t, resp, http.StatusOK, &me)
	assert.Equal(t, adminEmail, me.User.Email)
	assert.Contains(t, me.User.Permissions, model.PermManageUsers)

	resp, err = authedRequest("GET", testSrv.URL+"/api/auth/me", userToken, nil)
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusOK, &me)
	assert.Contains(t, me.User.Roles, model.RoleUser)
	assert.Contains(t, me.User.Permissions, model.PermSearch)
	assert.NotContains(t, me.User.Permissions, model.PermManageUsers)
}

func TestRefresh(t *testing.T) {
	requireContainer(t)
	body, _ := json.Marshal(model.LoginRequest{Email: userEmail, Password: userPassword})
	resp, err := http.Post(testSrv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var lr model.LoginResponse
	decodeInto(t, resp, http.StatusOK, &lr)

	// Refresh mints a new access token that authenticates.
	body, _ = json.Marshal(model.RefreshRequest{RefreshToken: lr.RefreshToken})
	resp, err = http.Post(testSrv.URL+"/api/auth/refresh", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var rr model.RefreshResponse
	decodeInto(t, resp, http.StatusOK, &rr)
	assert.NotEmpty(t, rr.AccessToken)

	resp, err = authedRequest("GET", testSrv.URL+"/api/auth/me", rr.AccessToken, nil)
	require.NoError(t, err)
	var me model.MeResponse
	decodeInto(t, resp, http.StatusOK, &me)
	assert.Equal(t, userEmail, me.User.Email)

	// An access token cannot stand in for a refresh token.
	body, _ = json.Marshal(model.RefreshRequest{RefreshToken: lr.AccessToken})
	resp, err = http.Post(testSrv.URL+"/api/auth/refresh", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusUnauthorized, nil)

	// Garbage is rejected.
	body, _ = json.Marshal(model.RefreshRequest{RefreshToken: "not-a-token"})
	resp, err = http.Post(testSrv.URL+"/api/auth/refresh", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusUnauthorized, nil)
}

func TestRegisterAndPendingLogin(t *testing.T) {
	requireContainer(t)
	ctx := context.Background()
	email := "pending@kotae.test"

	body, _ := json.Marshal(model.RegisterRequest{Email: email, Password: "FreshPass123", FirstName: "Pending"})
	resp, err := http.Post(testSrv.URL+"/api/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var sr model.StatusResponse
	decodeInto(t, resp, http.StatusOK, &sr)
	assert.True(t, sr.Success)

	// Re-registering the same address returns the identical response, so
	// the endpoint cannot probe for accounts.
	resp, err = http.Post(testSrv.URL+"/api/auth/register", "application/json", bytes.NewReader(bytes.Clone(body)))
	require.NoError(t, err)
	var dup model.StatusResponse
	decodeInto(t, resp, http.StatusOK, &dup)
	assert.Equal(t, sr.Message, dup.Message)

	u, err := testDB.GetUserByEmail(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, model.UserStatusPendingVerification, u.Status)

	// Valid credentials on an unverified account disclose the state.
	body, _ = json.Marshal(model.LoginRequest{Email: email, Password: "FreshPass123"})
	resp, err = http.Post(testSrv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var apiErr model.APIError
	decodeInto(t, resp, http.StatusForbidden, &apiErr)
	assert.Equal(t, model.ErrCodeAccountDisabled, apiErr.ErrorCode)

	// A bogus verification token is rejected.
	body, _ = json.Marshal(model.VerifyEmailRequest{Token: "bogus"})
	resp, err = http.Post(testSrv.URL+"/api/auth/verify-email", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusBadRequest, nil)
}

func TestForgotPasswordNondisclosure(t *testing.T) {
	requireContainer(t)
	known, _ := json.Marshal(model.ForgotPasswordRequest{Email: userEmail})
	resp, err := http.Post(testSrv.URL+"/api/auth/forgot-password", "application/json", bytes.NewReader(known))
	require.NoError(t, err)
	var a model.StatusResponse
	decodeInto(t, resp, http.StatusOK, &a)

	unknown, _ := json.Marshal(model.ForgotPasswordRequest{Email: "ghost@kotae.test"})
	resp, err = http.Post(testSrv.URL+"/api/auth/forgot-password", "application/json", bytes.NewReader(unknown))
	require.NoError(t, err)
	var b model.StatusResponse
	decodeInto(t, resp, http.StatusOK, &b)

	assert.Equal(t, a.Message, b.Message)

	// Reset with an invalid token fails closed.
	body, _ := json.Marshal(model.ResetPasswordRequest{Token: "bogus", NewPassword: "NewPass123"})
	resp, err = http.Post(testSrv.URL+"/api/auth/reset-password", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusBadRequest, nil)
}

func TestChangePassword(t *testing.T) {
	requireContainer(t)
	ctx := context.Background()
	email := "rotate@kotae.test"
	mustCreateUser(ctx, email, "OldPass123", model.RoleUser)
	token := mustLogin(email, "OldPass123")

	// The current password is required even on an authenticated session.
	resp, err := authedRequest("POST", testSrv.URL+"/api/auth/change-password", token,
		model.ChangePasswordRequest{CurrentPassword: "WrongOld999", NewPassword: "NewPass456"})
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusUnauthorized, nil)

	// Weak replacements are rejected with a validation error.
	resp, err = authedRequest("POST", testSrv.URL+"/api/auth/change-password", token,
		model.ChangePasswordRequest{CurrentPassword: "OldPass123", NewPassword: "short"})
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusUnprocessableEntity, nil)

	resp, err = authedRequest("POST", testSrv.URL+"/api/auth/change-password", token,
		model.ChangePasswordRequest{CurrentPassword: "OldPass123", NewPassword: "NewPass456"})
	require.NoError(t, err)
	var sr model.StatusResponse
	decodeInto(t, resp, http.StatusOK, &sr)
	assert.True(t, sr.Success)

	// Old credential is dead, new one works.
	body, _ := json.Marshal(model.LoginRequest{Email: email, Password: "OldPass123"})
	resp, err = http.Post(testSrv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusUnauthorized, nil)

	mustLogin(email, "NewPass456")
}

func TestUnauthenticatedAccess(t *testing.T) {
	requireContainer(t)
	resp, err := http.Get(testSrv.URL + "/api/documents")
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusUnauthorized, nil)

	resp, err = http.Post(testSrv.URL+"/api/rag-chat", "application/json",
		strings.NewReader(`{"query":"hi"}`))
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusUnauthorized, nil)

	resp, err = http.Post(testSrv.URL+"/mcp", "application/json", nil)
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusUnauthorized, nil)
}

// ---------- classification and routing ----------

func TestClassifyQuery(t *testing.T) {
	requireContainer(t)
	resp, err := authedRequest("POST", testSrv.URL+"/api/classify-query", userToken,
		model.ChatRequest{Query: "Write a Go function that reverses a slice"})
	require.NoError(t, err)

	var cr model.ClassifyResponse
	decodeInto(t, resp, http.StatusOK, &cr)
	assert.True(t, cr.Success)
	assert.NotEmpty(t, cr.Classification.Category)
	assert.NotEmpty(t, cr.Classification.Strategy)

	// Validation failures are 422, not 500.
	resp, err = authedRequest("POST", testSrv.URL+"/api/classify-query", userToken,
		model.ChatRequest{Query: "   "})
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusUnprocessableEntity, nil)

	// Unknown fields are a client error.
	req, _ := http.NewRequest("POST", testSrv.URL+"/api/classify-query",
		strings.NewReader(`{"query":"x","typo_field":true}`))
	req.Header.Set("Authorization", "Bearer "+userToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusBadRequest, nil)
}

func TestIntelligentRoute(t *testing.T) {
	requireContainer(t)
	resp, err := authedRequest("POST", testSrv.URL+"/api/intelligent-route", userToken,
		model.ChatRequest{Query: "What is the warranty period for the pump?"})
	require.NoError(t, err)

	var rr model.RouteResponse
	decodeInto(t, resp, http.StatusOK, &rr)
	assert.True(t, rr.Success)
	assert.Equal(t, "ollama-0", rr.SelectedBackend)
	assert.NotEmpty(t, rr.SelectedModel)
	assert.NotEmpty(t, rr.Specialization)
}

func TestOllamaHealth(t *testing.T) {
	requireContainer(t)
	resp, err := authedRequest("GET", testSrv.URL+"/api/ollama-health", userToken, nil)
	require.NoError(t, err)

	var bh model.BackendHealthResponse
	decodeInto(t, resp, http.StatusOK, &bh)
	assert.Equal(t, "healthy", bh.Status)
	assert.Equal(t, 1, bh.TotalInstances)
	assert.Equal(t, 1, bh.HealthyInstances)
	require.Len(t, bh.Instances, 1)
	assert.Equal(t, "ollama-0", bh.Instances[0].Name)
}

// ---------- answer pipeline ----------

func TestHybridSearch(t *testing.T) {
	requireContainer(t)
	mustSeedDocument(t, "pump-manual",
		"The cryoflux pump requires a torque of 35 Nm on the coupling bolts.",
		model.PrivacyPublic)

	resp, err := authedRequest("POST", testSrv.URL+"/api/hybrid-search", userToken,
		model.ChatRequest{Query: "cryoflux pump coupling torque"})
	require.NoError(t, err)

	var sr model.SearchResponse
	decodeInto(t, resp, http.StatusOK, &sr)
	assert.True(t, sr.Success)
	assert.Equal(t, genAnswer, sr.Answer)
	assert.Equal(t, string(model.MethodHybrid), sr.SearchMethod)
	assert.True(t, sr.ContextRetrieved)
	assert.Equal(t, "ollama-0", sr.Backend)
	assert.NotEmpty(t, sr.Model)
	assert.NotEmpty(t, sr.MessageID)
	require.NotEmpty(t, sr.ContextUsed)

	var found bool
	for _, item := range sr.ContextUsed {
		if strings.Contains(item.Content, "cryoflux") {
			found = true
			assert.False(t, item.IsWeb)
		}
	}
	assert.True(t, found, "context should include the seeded passage")
}

func TestFusedSearchWithoutWeb(t *testing.T) {
	requireContainer(t)
	mustSeedDocument(t, "valve-manual",
		"The heliotrope valve opens at 4.2 bar line pressure.",
		model.PrivacyPublic)

	// No web searcher is wired, so fusion proceeds on corpus evidence alone
	// but still reports the fused method it was asked for.
	resp, err := authedRequest("POST", testSrv.URL+"/api/fused-hybrid-search", userToken,
		model.ChatRequest{Query: "heliotrope valve opening pressure"})
	require.NoError(t, err)

	var sr model.SearchResponse
	decodeInto(t, resp, http.StatusOK, &sr)
	assert.True(t, sr.Success)
	assert.Equal(t, string(model.MethodFusion), sr.SearchMethod)
	assert.Equal(t, genAnswer, sr.Answer)
}

func TestIntelligentSearch(t *testing.T) {
	requireContainer(t)
	resp, err := authedRequest("POST", testSrv.URL+"/api/intelligent-hybrid-search", userToken,
		model.ChatRequest{Query: "how do I reset the controller to factory defaults"})
	require.NoError(t, err)

	var sr model.SearchResponse
	decodeInto(t, resp, http.StatusOK, &sr)
	assert.True(t, sr.Success)
	assert.NotEmpty(t, sr.SearchMethod)
	assert.NotEmpty(t, sr.Answer)
}

func TestSearchWithoutContext(t *testing.T) {
	requireContainer(t)
	// An explicit zero for max_context_chunks skips retrieval entirely: the
	// generator answers the bare question and the response says so.
	zero := 0
	resp, err := authedRequest("POST", testSrv.URL+"/api/intelligent-hybrid-search", userToken,
		model.ChatRequest{Query: "introduce yourself in one sentence", MaxContextChunks: &zero})
	require.NoError(t, err)

	var sr model.SearchResponse
	decodeInto(t, resp, http.StatusOK, &sr)
	assert.True(t, sr.Success)
	assert.Equal(t, genAnswer, sr.Answer)
	assert.False(t, sr.ContextRetrieved)
	assert.Empty(t, sr.ContextUsed)
	assert.Equal(t, string(model.MethodDirect), sr.SearchMethod)
}

func TestCorrectionShortCircuits(t *testing.T) {
	requireContainer(t)
	ctx := context.Background()
	query := "what is the maximum operating temperature of the flux capacitor"
	canonical := "The flux capacitor operates safely up to 85 degrees Celsius."

	require.NoError(t, testDB.UpsertCorrection(ctx, fingerprint.QueryKey(query), canonical, ""))

	resp, err := authedRequest("POST", testSrv.URL+"/api/hybrid-search", userToken,
		model.ChatRequest{Query: query})
	require.NoError(t, err)

	var sr model.SearchResponse
	decodeInto(t, resp, http.StatusOK, &sr)
	assert.Equal(t, canonical, sr.Answer)
	assert.Equal(t, string(model.MethodCorrection), sr.SearchMethod)
	assert.Equal(t, 1.0, sr.ConfidenceScore)

	// Case and whitespace changes hit the same fingerprint.
	resp, err = authedRequest("POST", testSrv.URL+"/api/hybrid-search", userToken,
		model.ChatRequest{Query: "  What is the MAXIMUM operating   temperature of the flux capacitor  "})
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusOK, &sr)
	assert.Equal(t, canonical, sr.Answer)
}

// sseFrame is the union of the streaming frame shapes.
type sseFrame struct {
	Type       string   `json:"type"`
	Sources    []string `json:"sources"`
	Confidence float64  `json:"confidence"`
	Method     string   `json:"method"`
	Token      string   `json:"token"`
	MessageID  string   `json:"messageId"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
}

// readSSE collects all data frames from an event stream body.
func readSSE(t *testing.T, body io.Reader) []sseFrame {
	t.Helper()
	var frames []sseFrame
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f sseFrame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f))
		frames = append(frames, f)
	}
	require.NoError(t, scanner.Err())
	return frames
}

func TestRAGChatStream(t *testing.T) {
	requireContainer(t)
	mustSeedDocument(t, "chat-manual",
		"The quillon assembly must be greased every 500 operating hours.",
		model.PrivacyPublic)

	resp, err := authedRequest("POST", testSrv.URL+"/api/rag-chat", userToken,
		model.ChatRequest{Query: "quillon assembly greasing interval"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	frames := readSSE(t, resp.Body)
	require.NotEmpty(t, frames)

	// Frame order: sources first, tokens in the middle, done last.
	assert.Equal(t, "sources", frames[0].Type)
	assert.NotEmpty(t, frames[0].Method)

	last := frames[len(frames)-1]
	require.Equal(t, "done", last.Type)
	assert.NotEmpty(t, last.MessageID)

	var text strings.Builder
	for _, f := range frames[1 : len(frames)-1] {
		require.Equal(t, "token", f.Type)
		text.WriteString(f.Token)
	}
	assert.Equal(t, genAnswer, text.String())
}

func TestRAGChatBackendOutage(t *testing.T) {
	requireContainer(t)
	// A dedicated server whose only backend refuses connections, so the pool
	// never has a healthy instance. The chat endpoint must answer with a
	// plain 503 envelope, not a 200 stream wrapping an error frame.
	ctx := context.Background()
	logger := testutil.TestLogger()

	cfg := testConfig("http://127.0.0.1:1")
	cfg.ProbeTimeout = 500 * time.Millisecond
	cfg.AcquireWait = 100 * time.Millisecond

	pool := backend.NewPool(cfg, logger)
	pool.ProbeOnce(ctx)
	require.Zero(t, pool.HealthyCount())

	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenExpiryHours)
	require.NoError(t, err)
	checker := authz.NewChecker(testDB)
	defer checker.Close()

	buf := analytics.NewBuffer(testDB, logger, cfg.EventBufferSize, cfg.EventFlushInterval)
	buf.Start(ctx)
	defer buf.Drain(context.Background())

	outage := httptest.NewServer(server.New(server.ServerConfig{
		Config:    cfg,
		Version:   "test",
		DB:        testDB,
		Pool:      pool,
		JWT:       jwtMgr,
		Checker:   checker,
		Retriever: retrieval.New(testDB, testEmb, nil, nil, nil, cfg, logger),
		Composer:  prompt.NewComposer(testDB, cfg, logger),
		Generator: generate.New(pool, cfg, logger),
		Buffer:    buf,
		Signup:    signup.New(testDB, signup.Config{}, logger),
		Logger:    logger,
	}).Handler())
	defer outage.Close()

	resp, err := authedRequest("POST", outage.URL+"/api/rag-chat", userToken,
		model.ChatRequest{Query: "is anything still running back there"})
	require.NoError(t, err)
	assert.NotContains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var apiErr model.APIError
	decodeInto(t, resp, http.StatusServiceUnavailable, &apiErr)
	assert.Equal(t, model.ErrCodeBackendUnavailable, apiErr.ErrorCode)

	// The non-streaming pipeline reports the same outage.
	resp, err = authedRequest("POST", outage.URL+"/api/hybrid-search", userToken,
		model.ChatRequest{Query: "is anything still running back there"})
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusServiceUnavailable, &apiErr)
	assert.Equal(t, model.ErrCodeBackendUnavailable, apiErr.ErrorCode)

	// And the health snapshot agrees.
	resp, err = authedRequest("GET", outage.URL+"/api/ollama-health", userToken, nil)
	require.NoError(t, err)
	var bh model.BackendHealthResponse
	decodeInto(t, resp, http.StatusOK, &bh)
	assert.Equal(t, "unhealthy", bh.Status)
	assert.Zero(t, bh.HealthyInstances)
}

// ---------- documents ----------

func TestDocumentLifecycle(t *testing.T) {
	requireContainer(t)
	content := "The xylograph bearing tolerates 2500 rpm continuous load."
	docID := mustSeedDocument(t, "bearing-manual", content, model.PrivacyPublic)

	// Listed for regular users.
	resp, err := authedRequest("GET", testSrv.URL+"/api/documents?search=bearing-manual", userToken, nil)
	require.NoError(t, err)
	var list model.DocumentListResponse
	decodeInto(t, resp, http.StatusOK, &list)
	require.NotEmpty(t, list.Documents)

	var seen bool
	for _, d := range list.Documents {
		if d.ID == docID {
			seen = true
		}
	}
	assert.True(t, seen, "seeded document should be listed")

	// Detail carries the chunk summaries.
	resp, err = authedRequest("GET", testSrv.URL+"/api/documents/"+docID, userToken, nil)
	require.NoError(t, err)
	var detail model.DocumentDetailResponse
	decodeInto(t, resp, http.StatusOK, &detail)
	assert.Equal(t, docID, detail.Document.ID)
	assert.Equal(t, 1, detail.ChunkCount)

	// Download needs the download permission, which the user role lacks.
	resp, err = authedRequest("GET", testSrv.URL+"/api/documents/"+docID+"/download", userToken, nil)
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusForbidden, nil)

	resp, err = authedRequest("GET", testSrv.URL+"/api/documents/"+docID+"/download", adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "xylograph")

	// Deletion is a management operation.
	resp, err = authedRequest("DELETE", testSrv.URL+"/api/documents/"+docID, userToken, nil)
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusForbidden, nil)

	resp, err = authedRequest("DELETE", testSrv.URL+"/api/documents/"+docID, adminToken, nil)
	require.NoError(t, err)
	var sr model.StatusResponse
	decodeInto(t, resp, http.StatusOK, &sr)
	assert.True(t, sr.Success)

	// Gone means gone, and the second delete says so.
	resp, err = authedRequest("GET", testSrv.URL+"/api/documents/"+docID, adminToken, nil)
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusNotFound, nil)

	resp, err = authedRequest("DELETE", testSrv.URL+"/api/documents/"+docID, adminToken, nil)
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusNotFound, nil)
}

func TestDocumentPrivacyScoping(t *testing.T) {
	requireContainer(t)
	content := "The obsidian manifold pressure limit is 42 bar."
	docID := mustSeedDocument(t, "private-manual", content, model.PrivacyPrivate)

	// Regular users never see private documents in listings.
	resp, err := authedRequest("GET", testSrv.URL+"/api/documents?search=private-manual", userToken, nil)
	require.NoError(t, err)
	var list model.DocumentListResponse
	decodeInto(t, resp, http.StatusOK, &list)
	for _, d := range list.Documents {
		assert.NotEqual(t, docID, d.ID, "private document leaked into user listing")
	}

	// Direct fetch reads as 404, not 403, so existence stays hidden.
	resp, err = authedRequest("GET", testSrv.URL+"/api/documents/"+docID, userToken, nil)
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusNotFound, nil)

	// Asking for a scope outside the caller's role returns an empty page.
	resp, err = authedRequest("GET", testSrv.URL+"/api/documents?privacy_level=private", userToken, nil)
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusOK, &list)
	assert.Empty(t, list.Documents)
	assert.Zero(t, list.Total)

	// Admins see everything.
	resp, err = authedRequest("GET", testSrv.URL+"/api/documents/"+docID, adminToken, nil)
	require.NoError(t, err)
	var detail model.DocumentDetailResponse
	decodeInto(t, resp, http.StatusOK, &detail)
	assert.Equal(t, docID, detail.Document.ID)
}

func TestDocumentBadID(t *testing.T) {
	requireContainer(t)
	resp, err := authedRequest("GET", testSrv.URL+"/api/documents/not-a-uuid", adminToken, nil)
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusBadRequest, nil)
}

// ---------- analytics ----------

func TestAnalytics(t *testing.T) {
	requireContainer(t)
	marker := "analytics marker query zibeline"
	resp, err := authedRequest("POST", testSrv.URL+"/api/hybrid-search", userToken,
		model.ChatRequest{Query: marker})
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusOK, nil)

	// Wait for the buffer flush.
	time.Sleep(250 * time.Millisecond)

	resp, err = authedRequest("GET", testSrv.URL+"/api/analytics/recent?limit=100", adminToken, nil)
	require.NoError(t, err)
	var recent model.RecentEventsResponse
	decodeInto(t, resp, http.StatusOK, &recent)
	require.NotEmpty(t, recent.Events)

	var found bool
	for _, ev := range recent.Events {
		if ev.Query == marker {
			found = true
			assert.Equal(t, model.MethodHybrid, ev.Method)
			assert.False(t, ev.Streamed)
			assert.NotEmpty(t, ev.UserID)
		}
	}
	assert.True(t, found, "search event should be recorded")

	resp, err = authedRequest("GET", testSrv.URL+"/api/analytics/summary?last_hours=1", adminToken, nil)
	require.NoError(t, err)
	var summary model.AnalyticsSummaryResponse
	decodeInto(t, resp, http.StatusOK, &summary)
	assert.True(t, summary.Success)
	assert.Positive(t, summary.Summary.TotalSearches)
	assert.NotEmpty(t, summary.Summary.ByMethod)

	// The user role has no analytics permission.
	resp, err = authedRequest("GET", testSrv.URL+"/api/analytics/summary", userToken, nil)
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusForbidden, nil)
}

func TestSecurityEventLog(t *testing.T) {
	requireContainer(t)
	// Provoke a recorded failure.
	body, _ := json.Marshal(model.LoginRequest{Email: userEmail, Password: "Definitely-Wrong1"})
	resp, err := http.Post(testSrv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusUnauthorized, nil)

	// Security rows are written on a detached context; give them a moment.
	time.Sleep(250 * time.Millisecond)

	resp, err = authedRequest("GET", testSrv.URL+"/api/analytics/security?limit=200", adminToken, nil)
	require.NoError(t, err)
	var sec model.SecurityEventsResponse
	decodeInto(t, resp, http.StatusOK, &sec)
	require.NotEmpty(t, sec.Events)

	var found bool
	for _, ev := range sec.Events {
		if ev.Kind == model.SecurityLoginFailed && ev.Email == userEmail {
			found = true
		}
	}
	assert.True(t, found, "failed login should be in the security log")

	// Admin only: even the analyst-grade analytics permission is not enough.
	resp, err = authedRequest("GET", testSrv.URL+"/api/analytics/security", userToken, nil)
	require.NoError(t, err)
	decodeInto(t, resp, http.StatusForbidden, nil)
}

// ---------- rate limiting ----------

func TestRateLimitExhaustion(t *testing.T) {
	requireContainer(t)
	// A dedicated account so the exhausted budget cannot bleed into other
	// tests: limits key on user ID.
	ctx := context.Background()
	email := "burster@kotae.test"
	mustCreateUser(ctx, email, "BurstPass123", model.RoleUser)
	token := mustLogin(email, "BurstPass123")

	var limited *http.Response
	for i := 0; i < 130; i++ {
		resp, err := authedRequest("POST", testSrv.URL+"/api/classify-query", token,
			model.ChatRequest{Query: "ping"})
		require.NoError(t, err)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = resp
			break
		}
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}
	require.NotNil(t, limited, "search budget should exhaust within the loop")
	defer func() { _ = limited.Body.Close() }()

	assert.NotEmpty(t, limited.Header.Get("Retry-After"))
	assert.NotEmpty(t, limited.Header.Get("X-RateLimit-Limit"))

	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(limited.Body).Decode(&apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.ErrorCode)

	// Admins are exempt from every budget.
	for i := 0; i < 5; i++ {
		resp, err := authedRequest("POST", testSrv.URL+"/api/classify-query", adminToken,
			model.ChatRequest{Query: "ping"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

// ---------- MCP ----------

func newMCPClient(t *testing.T, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		testSrv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	return c
}

func TestMCPRoundtrip(t *testing.T) {
	requireContainer(t)
	mustSeedDocument(t, "mcp-manual",
		"The palanquin hoist carries a rated load of 1200 kg.", model.PrivacyPublic)

	c := newMCPClient(t, userToken)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	initResult, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "kotae", initResult.ServerInfo.Name)
	assert.Equal(t, "test", initResult.ServerInfo.Version)

	toolsResult, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)

	toolNames := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		toolNames[tool.Name] = true
	}
	assert.True(t, toolNames["kotae_search"], "expected kotae_search tool")
	assert.True(t, toolNames["kotae_classify"], "expected kotae_classify tool")
	assert.True(t, toolNames["kotae_define"], "expected kotae_define tool")

	searchResult, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "kotae_search",
			Arguments: map[string]any{
				"query": "palanquin hoist rated load",
				"limit": 5,
			},
		},
	})
	require.NoError(t, err)
	require.False(t, searchResult.IsError, "search tool returned error: %v", searchResult.Content)
	require.NotEmpty(t, searchResult.Content)

	var text string
	for _, content := range searchResult.Content {
		if tc, ok := content.(mcplib.TextContent); ok {
			text = tc.Text
		}
	}
	assert.Contains(t, text, "palanquin")
}
