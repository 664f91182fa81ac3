// Package generate orchestrates streaming text generation against the
// Ollama backend pool: it reserves an instance for the query's category,
// relays NDJSON token frames to the caller, and records token counts and
// throughput for analytics.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kotae/internal/backend"
	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/model"
)

// TokenFunc receives each streamed token as it arrives. Returning an error
// aborts the stream; the orchestrator treats it as a client-side failure and
// does not blame the backend instance.
type TokenFunc func(token string) error

// Options tune a single generation call.
type Options struct {
	Temperature float64
	NumCtx      int // context window override; 0 uses the configured default
}

// Result describes a completed or partially completed generation. Streamed
// counts tokens actually delivered to the callback: when it is nonzero the
// client has already seen output and the call must not be retried.
type Result struct {
	Text         string
	Model        string
	Backend      string
	PromptTokens int
	OutputTokens int
	TokensPerSec float64
	Latency      time.Duration
	Retried      bool
	Streamed     int
}

// callbackError marks a failure inside the caller's token callback so the
// instance is not demoted for a client-side write problem.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// Service streams completions from whichever pool instance matches the
// query's specialization.
type Service struct {
	pool       *backend.Pool
	httpClient *http.Client
	logger     *slog.Logger
	timeout    time.Duration
	numCtx     int
	models     map[model.Specialization]string
}

// New builds the orchestrator. Model assignments follow the per-
// specialization config keys; the generation timeout bounds each attempt
// end to end, including streaming.
func New(pool *backend.Pool, cfg config.Config, logger *slog.Logger) *Service {
	timeout := cfg.GenerationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		pool:   pool,
		logger: logger,
		// No client-level timeout: a stream outlives any fixed deadline, so
		// the per-attempt context carries the budget instead.
		httpClient: &http.Client{},
		timeout:    timeout,
		numCtx:     cfg.ModelContextTokens,
		models: map[model.Specialization]string{
			model.SpecChatQA:        cfg.ChatModel,
			model.SpecCodeTechnical: cfg.CodingModel,
			model.SpecReasoningMath: cfg.ReasoningModel,
		},
	}
}

// ModelFor returns the model assigned to a specialization, falling back to
// the chat model for tags without an assignment.
func (s *Service) ModelFor(spec model.Specialization) string {
	if m, ok := s.models[spec]; ok && m != "" {
		return m
	}
	return s.models[model.SpecChatQA]
}

// Generate streams a completion on a backend matching the query category.
// Tokens are delivered through onToken as they arrive (onToken may be nil
// for non-streaming callers, which only want the collected text).
//
// A failure before any token reached the client is retried once on a
// different healthy instance. A failure after the first token returns the
// partial Result with Streamed > 0 so the caller can emit a terminal error
// frame instead of an HTTP error. The reserved in-flight slot is released
// in all paths.
func (s *Service) Generate(ctx context.Context, prompt string, category model.QueryCategory, opts Options, onToken TokenFunc) (Result, error) {
	spec := category.BackendFor()

	b, err := s.pool.Acquire(ctx, spec)
	if err != nil {
		return Result{}, err
	}

	res, err := s.attempt(ctx, b, prompt, opts, onToken)
	if err == nil {
		return res, nil
	}

	var cbErr *callbackError
	if res.Streamed > 0 || errors.As(err, &cbErr) || ctx.Err() != nil {
		return res, err
	}

	s.logger.Warn("generate: attempt failed before any token, retrying",
		"backend", b.Name(),
		"error", err,
	)

	// attempt demoted the failed instance, so a fresh acquire lands
	// elsewhere. When nothing else is healthy, surface the original failure.
	b2, err2 := s.pool.Acquire(ctx, spec)
	if err2 != nil {
		return res, err
	}
	res, err = s.attempt(ctx, b2, prompt, opts, onToken)
	res.Retried = true
	return res, err
}

// attempt runs one generation against one reserved instance. The slot is
// released before returning, success revives the instance's health, and
// failures demote it unless the client aborted.
func (s *Service) attempt(ctx context.Context, b *backend.Backend, prompt string, opts Options, onToken TokenFunc) (Result, error) {
	defer s.pool.Release(b)

	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res := Result{
		Model:   s.ModelFor(b.Specialization()),
		Backend: b.Name(),
	}

	start := time.Now()
	err := s.streamOn(attemptCtx, b, &res, prompt, opts, onToken)
	res.Latency = time.Since(start)

	var cbErr *callbackError
	switch {
	case err == nil:
		s.pool.ReportSuccess(b, res.Latency)
	case errors.As(err, &cbErr), ctx.Err() != nil:
		// Client went away; the instance did nothing wrong.
	default:
		s.pool.ReportFailure(b)
	}

	if res.OutputTokens > 0 && res.Latency > 0 {
		res.TokensPerSec = float64(res.OutputTokens) / res.Latency.Seconds()
	}
	return res, err
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// generateFrame is one NDJSON line of Ollama's /api/generate stream. The
// final frame carries done=true plus the token counts.
type generateFrame struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (s *Service) streamOn(ctx context.Context, b *backend.Backend, res *Result, prompt string, opts Options, onToken TokenFunc) error {
	numCtx := opts.NumCtx
	if numCtx == 0 {
		numCtx = s.numCtx
	}
	body, err := json.Marshal(generateRequest{
		Model:  res.Model,
		Prompt: prompt,
		Stream: true,
		Options: generateOptions{
			Temperature: opts.Temperature,
			NumCtx:      numCtx,
		},
	})
	if err != nil {
		return fmt.Errorf("generate: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL()+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("generate: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("generate: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("generate: backend %s status %d: %s", b.Name(), resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var text strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var frame generateFrame
		if err := dec.Decode(&frame); err != nil {
			res.Text = text.String()
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("generate: backend %s closed stream before done frame", b.Name())
			}
			return fmt.Errorf("generate: decode frame: %w", err)
		}
		if frame.Error != "" {
			res.Text = text.String()
			return fmt.Errorf("generate: backend %s: %s", b.Name(), frame.Error)
		}
		if frame.Response != "" {
			text.WriteString(frame.Response)
			if onToken != nil {
				if err := onToken(frame.Response); err != nil {
					res.Text = text.String()
					return &callbackError{err: err}
				}
				res.Streamed++
			}
		}
		if frame.Done {
			res.Text = text.String()
			res.PromptTokens = frame.PromptEvalCount
			res.OutputTokens = frame.EvalCount
			return nil
		}
	}
}
