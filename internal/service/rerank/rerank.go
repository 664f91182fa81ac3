// Package rerank re-scores retrieval candidates against the original query
// with a second, more expensive model pass.
//
// The scorer asks a reasoning backend to grade every passage 0-100 in a
// single batched prompt. Any failure (no backend, transport error,
// unparsable output) surfaces as an error; the retriever treats that as a
// signal to keep its first-pass combined scores.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashita-ai/kotae/internal/backend"
	"github.com/ashita-ai/kotae/internal/model"
)

// Scorer scores passages against a query. Scores are in [0,1], aligned to
// the input order, higher meaning more relevant.
type Scorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

const (
	// passageTokenBudget bounds each passage sent to the scoring model.
	// Tokens are estimated at four bytes apiece.
	passageTokenBudget = 480
	maxPassageBytes    = passageTokenBudget * 4

	defaultTimeout = 45 * time.Second
)

// Ollama scores passages through a reasoning backend from the pool. Scoring
// is a generation call, so it holds a pool slot for the duration.
type Ollama struct {
	pool       *backend.Pool
	model      string
	httpClient *http.Client
}

// NewOllama creates a pool-backed scorer using the given reasoning model.
func NewOllama(pool *backend.Pool, modelName string, timeout time.Duration) *Ollama {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Ollama{
		pool:       pool,
		model:      modelName,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Score grades each passage 0-100 against the query in one batched call and
// returns normalized scores. The batch is all-or-nothing: a response that
// does not score every passage is an error.
func (o *Ollama) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	b, err := o.pool.Acquire(ctx, model.SpecReasoningMath)
	if err != nil {
		return nil, fmt.Errorf("rerank: acquire backend: %w", err)
	}
	defer o.pool.Release(b)

	start := time.Now()
	raw, err := o.generateOn(ctx, b, buildPrompt(query, passages))
	if err != nil {
		o.pool.ReportFailure(b)
		return nil, err
	}
	o.pool.ReportSuccess(b, time.Since(start))

	scores, err := parseScores(raw, len(passages))
	if err != nil {
		return nil, err
	}
	return scores, nil
}

func (o *Ollama) generateOn(ctx context.Context, b *backend.Backend, prompt string) (string, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		// Deterministic scoring: the same candidates always rank the same way.
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return "", fmt.Errorf("rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL()+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("rerank: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("rerank: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("rerank: backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("rerank: decode response: %w", err)
	}
	return out.Response, nil
}

func buildPrompt(query string, passages []string) string {
	var sb strings.Builder
	sb.WriteString("Score how well each passage answers the question. ")
	sb.WriteString("Reply with one line per passage in the form \"N: score\" ")
	sb.WriteString("where score is an integer from 0 (irrelevant) to 100 (directly answers). ")
	sb.WriteString("No other text.\n\nQuestion: ")
	sb.WriteString(query)
	sb.WriteString("\n")
	for i, p := range passages {
		fmt.Fprintf(&sb, "\nPassage %d:\n%s\n", i+1, truncatePassage(p))
	}
	return sb.String()
}

// truncatePassage cuts a passage to the token budget without splitting a
// UTF-8 sequence.
func truncatePassage(s string) string {
	if len(s) <= maxPassageBytes {
		return s
	}
	cut := maxPassageBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

var (
	// thinkRe strips the reasoning preamble that thinking models emit
	// before their answer.
	thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

	// scoreLineRe matches one "N: score" line, tolerating the common
	// separator drift (N. score, N) score, N - score).
	scoreLineRe = regexp.MustCompile(`(?m)^\s*(\d+)\s*[:.)\-]\s*(\d{1,3})\b`)
)

// parseScores extracts one score per passage from the model output. The
// first occurrence of each passage number wins; scores above 100 clamp.
func parseScores(raw string, n int) ([]float64, error) {
	raw = thinkRe.ReplaceAllString(raw, "")

	scores := make([]float64, n)
	seen := make([]bool, n)
	found := 0

	for _, m := range scoreLineRe.FindAllStringSubmatch(raw, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > n || seen[idx-1] {
			continue
		}
		v, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if v > 100 {
			v = 100
		}
		scores[idx-1] = float64(v) / 100
		seen[idx-1] = true
		found++
	}

	if found != n {
		return nil, fmt.Errorf("rerank: incomplete scores: parsed %d of %d passages", found, n)
	}
	return scores, nil
}
