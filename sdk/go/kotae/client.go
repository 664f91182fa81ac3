package kotae

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kotae server (e.g. "http://localhost:8080").
	BaseURL string

	// Email and Password are the account credentials. The client logs in
	// lazily on the first authenticated call and renews tokens as needed.
	Email    string
	Password string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. Streaming chat calls bypass the
	// timeout so a long generation is not cut off mid-answer.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the kotae question-answering API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, Email, or Password is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kotae: BaseURL is required")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("kotae: Email is required")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("kotae: Password is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.Email, cfg.Password, httpClient),
	}, nil
}

// Login authenticates eagerly and returns the account profile. Calling it is
// optional: any authenticated method logs in on demand.
func (c *Client) Login(ctx context.Context) (*UserProfile, error) {
	return c.tokenMgr.login(ctx)
}

// Refresh renews the access token ahead of its expiry.
func (c *Client) Refresh(ctx context.Context) error {
	return c.tokenMgr.refresh(ctx)
}

// Me returns the profile of the authenticated account, including its
// effective permissions.
func (c *Client) Me(ctx context.Context) (*UserProfile, error) {
	var resp meResponse
	if err := c.get(ctx, "/api/auth/me", &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// ClassifyQuery runs the query classifier without retrieving or generating
// anything.
func (c *Client) ClassifyQuery(ctx context.Context, query string) (*Classification, error) {
	body := map[string]any{"query": query}
	var resp classifyResponse
	if err := c.post(ctx, "/api/classify-query", body, &resp); err != nil {
		return nil, err
	}
	return &resp.Classification, nil
}

// RouteQuery reports which model backend would serve the query, without
// generating an answer.
func (c *Client) RouteQuery(ctx context.Context, query string) (*RouteResponse, error) {
	body := map[string]any{"query": query}
	var resp RouteResponse
	if err := c.post(ctx, "/api/intelligent-route", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HybridSearch answers a query from document retrieval alone.
func (c *Client) HybridSearch(ctx context.Context, req ChatRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.post(ctx, "/api/hybrid-search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FusedSearch answers a query from documents fused with web results.
func (c *Client) FusedSearch(ctx context.Context, req ChatRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.post(ctx, "/api/fused-hybrid-search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IntelligentSearch lets the server pick the retrieval strategy from the
// query classification.
func (c *Client) IntelligentSearch(ctx context.Context, req ChatRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.post(ctx, "/api/intelligent-hybrid-search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

// ListDocuments returns one page of the document catalog, optionally
// filtered. Nil opts return the first page with server defaults.
func (c *Client) ListDocuments(ctx context.Context, opts *DocumentListOptions) (*DocumentList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Page > 0 {
			params.Set("page", strconv.Itoa(opts.Page))
		}
		if opts.PageSize > 0 {
			params.Set("page_size", strconv.Itoa(opts.PageSize))
		}
		if opts.Product != "" {
			params.Set("product", opts.Product)
		}
		if opts.Version != "" {
			params.Set("version", opts.Version)
		}
		if opts.Classification != "" {
			params.Set("classification", opts.Classification)
		}
		if opts.PrivacyLevel != "" {
			params.Set("privacy_level", string(opts.PrivacyLevel))
		}
		if opts.Search != "" {
			params.Set("search", opts.Search)
		}
	}

	path := "/api/documents"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp documentListResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &DocumentList{
		Documents: resp.Documents,
		Total:     resp.Total,
		Page:      resp.Page,
		PageSize:  resp.PageSize,
	}, nil
}

// GetDocument returns a document's catalog entry with its chunk summaries.
func (c *Client) GetDocument(ctx context.Context, id string) (*DocumentDetail, error) {
	var resp documentDetailResponse
	if err := c.get(ctx, "/api/documents/"+id, &resp); err != nil {
		return nil, err
	}
	return &DocumentDetail{
		Document:   resp.Document,
		ChunkCount: resp.ChunkCount,
		Chunks:     resp.Chunks,
	}, nil
}

// DownloadDocument returns the document's extracted text.
func (c *Client) DownloadDocument(ctx context.Context, id string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/documents/"+id+"/download", nil)
	if err != nil {
		return "", fmt.Errorf("kotae: create request: %w", err)
	}

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kotae: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("kotae: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", parseErrorResponse(resp.StatusCode, body)
	}
	return string(body), nil
}

// DeleteDocument removes a document and its chunks. Requires the
// manage_documents permission.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	return c.doDelete(ctx, "/api/documents/"+id, nil)
}

// ---------------------------------------------------------------------------
// Analytics and health
// ---------------------------------------------------------------------------

// AnalyticsSummary aggregates search activity over the trailing lastHours
// window (server clamps to 1..168; 0 takes the 24-hour default). Requires
// the view_analytics permission.
func (c *Client) AnalyticsSummary(ctx context.Context, lastHours int) (*AnalyticsSummary, error) {
	path := "/api/analytics/summary"
	if lastHours > 0 {
		path += "?last_hours=" + strconv.Itoa(lastHours)
	}
	var resp analyticsSummaryResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp.Summary, nil
}

// RecentSearches returns the newest search events, newest first. A limit of
// 0 takes the server default of 50.
func (c *Client) RecentSearches(ctx context.Context, limit int) ([]SearchEvent, error) {
	path := "/api/analytics/recent"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp recentEventsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// SecurityEvents returns the recent authentication security log, newest
// first. Requires the admin role.
func (c *Client) SecurityEvents(ctx context.Context, limit int) ([]SecurityEvent, error) {
	path := "/api/analytics/security"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp securityEventsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// BackendHealth reports per-instance health of the model backend pool.
func (c *Client) BackendHealth(ctx context.Context) (*BackendHealth, error) {
	var resp BackendHealth
	if err := c.get(ctx, "/api/ollama-health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's liveness. This endpoint does not require
// authentication and works even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiError is the server's error envelope. Responses carry their payload
// flat rather than under a data key, so errors are the only envelope the
// transport needs to know about.
type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
	RequestID string `json:"request_id"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kotae: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kotae: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kotae: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kotae: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kotae: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kotae: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kotae: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kotae: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content or caller wants nothing back.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("kotae: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiError
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message != "" {
		apiErr.Code = envelope.ErrorCode
		apiErr.Message = envelope.Message
		apiErr.RequestID = envelope.RequestID
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
