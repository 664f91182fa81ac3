package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashita-ai/kotae/internal/model"
)

// DuckDuckGo fetches results from the DuckDuckGo instant-answer API. Instant
// answers cover abstracts, direct answers, definitions, and related topics;
// they are not a full results page but require no API key.
type DuckDuckGo struct {
	baseURL    string
	httpClient *http.Client
}

// NewDuckDuckGo creates a fetcher pointed at baseURL (the production
// endpoint is https://api.duckduckgo.com).
func NewDuckDuckGo(baseURL string, timeout time.Duration) *DuckDuckGo {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DuckDuckGo{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// instantAnswer is the subset of the instant-answer response kotae consumes.
type instantAnswer struct {
	Heading          string         `json:"Heading"`
	AbstractText     string         `json:"AbstractText"`
	AbstractURL      string         `json:"AbstractURL"`
	AbstractSource   string         `json:"AbstractSource"`
	Answer           string         `json:"Answer"`
	Definition       string         `json:"Definition"`
	DefinitionURL    string         `json:"DefinitionURL"`
	DefinitionSource string         `json:"DefinitionSource"`
	RelatedTopics    []relatedTopic `json:"RelatedTopics"`
}

// relatedTopic is a single related result. Category groups nest their
// members under Topics instead of carrying Text themselves.
type relatedTopic struct {
	Text     string         `json:"Text"`
	FirstURL string         `json:"FirstURL"`
	Topics   []relatedTopic `json:"Topics"`
}

// Fetch queries the instant-answer endpoint and flattens the response into
// ranked results.
func (d *DuckDuckGo) Fetch(ctx context.Context, query string, maxResults int) ([]model.WebResult, error) {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("websearch: create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websearch: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("websearch: provider returned status %d", resp.StatusCode)
	}

	var ia instantAnswer
	if err := json.NewDecoder(resp.Body).Decode(&ia); err != nil {
		return nil, fmt.Errorf("websearch: decode response: %w", err)
	}

	return ia.results(query, maxResults), nil
}

// results flattens an instant answer into results ordered by descending
// relevance: direct answers rank above the abstract, the abstract above the
// dictionary definition, and related topics trail everything else.
func (ia instantAnswer) results(query string, max int) []model.WebResult {
	var out []model.WebResult

	if ia.Answer != "" {
		out = append(out, model.WebResult{
			Title:     firstNonEmpty(ia.Heading, query),
			URL:       ia.AbstractURL,
			Snippet:   ia.Answer,
			Source:    firstNonEmpty(ia.AbstractSource, "duckduckgo"),
			Relevance: 1.0,
		})
	}
	if ia.AbstractText != "" {
		out = append(out, model.WebResult{
			Title:     firstNonEmpty(ia.Heading, query),
			URL:       ia.AbstractURL,
			Snippet:   ia.AbstractText,
			Source:    firstNonEmpty(ia.AbstractSource, "duckduckgo"),
			Relevance: 0.9,
		})
	}
	if ia.Definition != "" {
		out = append(out, model.WebResult{
			Title:     firstNonEmpty(ia.Heading, query),
			URL:       ia.DefinitionURL,
			Snippet:   ia.Definition,
			Source:    firstNonEmpty(ia.DefinitionSource, "duckduckgo"),
			Relevance: 0.8,
		})
	}

	relevance := 0.7
	for _, topic := range flattenTopics(ia.RelatedTopics) {
		if len(out) >= max {
			break
		}
		out = append(out, model.WebResult{
			Title:     topicTitle(topic.Text),
			URL:       topic.FirstURL,
			Snippet:   topic.Text,
			Source:    "duckduckgo",
			Relevance: relevance,
		})
		if relevance > 0.1 {
			relevance -= 0.05
		}
	}

	if len(out) > max {
		out = out[:max]
	}
	return out
}

// flattenTopics expands nested category groups into a flat list, dropping
// entries with no text or URL.
func flattenTopics(topics []relatedTopic) []relatedTopic {
	var flat []relatedTopic
	for _, t := range topics {
		if len(t.Topics) > 0 {
			flat = append(flat, flattenTopics(t.Topics)...)
			continue
		}
		if t.Text == "" || t.FirstURL == "" {
			continue
		}
		flat = append(flat, t)
	}
	return flat
}

// topicTitle extracts the leading name from a related-topic text, which the
// API formats as "Name - description".
func topicTitle(text string) string {
	if name, _, found := strings.Cut(text, " - "); found {
		return name
	}
	return text
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
