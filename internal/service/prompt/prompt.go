// Package prompt assembles the generation prompt from retrieved evidence,
// glossary hints, and the user's question.
//
// Layout is fixed: system preamble, terminology glossary, labeled context
// block, the question verbatim, citation instructions. When the estimated
// token count exceeds the model's context window the composer drops the
// lowest-ranked evidence items first; labels on the surviving items do not
// shift, so citations in the answer still map to the fused list returned to
// the client.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

const (
	// bytesPerToken is the rough estimate used for budgeting. Real tokenizers
	// vary per model; four bytes per token is close enough for English prose.
	bytesPerToken = 4

	maxGlossaryAcronyms = 3
	maxGlossarySynonyms = 5
)

const preamble = `You are a support assistant answering questions about the product documentation. Use only the evidence in the context below. Be exact about commands, configuration keys, versions, and port numbers. If the context does not answer the question, say so plainly instead of guessing.`

const citationInstructions = `Cite [DOC n] or [WEB n] inline after each claim taken from the context; mark conflicts between sources explicitly.`

var tokenRe = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9_-]*`)

// Composer builds prompts. The database is consulted only for glossary
// lookups, which are best-effort: a failed lookup costs the glossary section,
// never the request.
type Composer struct {
	db            *storage.DB
	logger        *slog.Logger
	contextTokens int
	meter         metric.Meter
}

// NewComposer creates a composer bounded by the configured context window.
func NewComposer(db *storage.DB, cfg config.Config, logger *slog.Logger) *Composer {
	return &Composer{
		db:            db,
		logger:        logger,
		contextTokens: cfg.ModelContextTokens,
		meter:         telemetry.Meter("kotae/prompt"),
	}
}

// Composed is a finished prompt plus the bookkeeping callers report.
type Composed struct {
	Prompt          string
	EstimatedTokens int
	DroppedItems    int
	GlossaryLines   int
}

// Compose renders the prompt for query over the fused evidence items.
func (c *Composer) Compose(ctx context.Context, query string, items []model.FusedItem) Composed {
	glossary := c.glossary(ctx, query)

	kept := make([]model.FusedItem, len(items))
	copy(kept, items)

	text := render(query, glossary, kept)
	dropped := 0
	for estimateTokens(text) > c.contextTokens && len(kept) > 0 {
		kept = dropLowest(kept)
		dropped++
		text = render(query, glossary, kept)
	}

	if dropped > 0 {
		c.logger.Warn("prompt: context truncated",
			"dropped_items", dropped,
			"estimated_tokens", estimateTokens(text),
			"budget_tokens", c.contextTokens,
		)
		if counter, err := c.meter.Int64Counter("kotae.prompt.context_truncated_total"); err == nil {
			counter.Add(ctx, 1)
		}
	}

	return Composed{
		Prompt:          text,
		EstimatedTokens: estimateTokens(text),
		DroppedItems:    dropped,
		GlossaryLines:   len(glossary),
	}
}

// glossary returns rendered terminology lines for tokens found in the query.
func (c *Composer) glossary(ctx context.Context, query string) []string {
	if c.db == nil {
		return nil
	}
	tokens := tokenRe.FindAllString(query, -1)
	if len(tokens) == 0 {
		return nil
	}

	var lines []string
	acronyms, err := c.db.MatchAcronyms(ctx, tokens, maxGlossaryAcronyms)
	if err != nil {
		c.logger.Warn("prompt: acronym lookup failed", "error", err)
	}
	for _, a := range acronyms {
		lines = append(lines, fmt.Sprintf("- %s: %s", a.Acronym, a.Definition))
	}

	synonyms, err := c.db.MatchSynonyms(ctx, tokens, maxGlossarySynonyms)
	if err != nil {
		c.logger.Warn("prompt: synonym lookup failed", "error", err)
	}
	for _, s := range synonyms {
		lines = append(lines, fmt.Sprintf("- %q may also appear as %q", s.Term, s.Synonym))
	}
	return lines
}

func render(query string, glossary []string, items []model.FusedItem) string {
	var sb strings.Builder
	sb.WriteString(preamble)
	sb.WriteString("\n\n")

	if len(glossary) > 0 {
		sb.WriteString("Terminology:\n")
		for _, line := range glossary {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}

	if len(items) > 0 {
		sb.WriteString("Context:\n")
		for _, it := range items {
			sb.WriteString(it.Label)
			if it.Title != "" {
				sb.WriteByte(' ')
				sb.WriteString(it.Title)
			}
			if it.URL != "" {
				fmt.Fprintf(&sb, " (%s)", it.URL)
			}
			sb.WriteString(":\n")
			sb.WriteString(it.Content)
			sb.WriteString("\n\n")
		}
	}

	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")
	sb.WriteString(citationInstructions)
	return sb.String()
}

// dropLowest removes the worst-scored item. Ties drop the later item, which
// is the lower-ranked one in fusion order.
func dropLowest(items []model.FusedItem) []model.FusedItem {
	drop := 0
	for i, it := range items {
		if it.Score <= items[drop].Score {
			drop = i
		}
	}
	return append(items[:drop], items[drop+1:]...)
}

func estimateTokens(s string) int {
	return len(s) / bytesPerToken
}
