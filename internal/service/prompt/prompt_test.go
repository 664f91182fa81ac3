package prompt

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/testutil"
)

func docItem(label, content string, score float64) model.FusedItem {
	return model.FusedItem{Label: label, SourceKind: "doc", Title: "manual.pdf", Content: content, Score: score}
}

func TestComposeLayout(t *testing.T) {
	c := NewComposer(nil, config.Config{ModelContextTokens: 8192}, testutil.TestLogger())

	items := []model.FusedItem{
		docItem("[DOC 1]", "The gateway listens on port 8008 by default.", 0.9),
		{Label: "[WEB 1]", SourceKind: "web", Title: "Gateway docs", URL: "https://example.com/gw", Content: "Port 8008 is configurable.", Score: 0.7},
	}

	out := c.Compose(context.Background(), "Which port does the gateway use?", items)
	require.NotEmpty(t, out.Prompt)
	assert.Zero(t, out.DroppedItems)

	// Question appears verbatim, after the context block.
	assert.Contains(t, out.Prompt, "Question: Which port does the gateway use?")
	assert.Contains(t, out.Prompt, "[DOC 1] manual.pdf:\nThe gateway listens on port 8008 by default.")
	assert.Contains(t, out.Prompt, "[WEB 1] Gateway docs (https://example.com/gw):\nPort 8008 is configurable.")
	assert.Contains(t, out.Prompt, "Cite [DOC n] or [WEB n] inline")
	assert.True(t, strings.HasPrefix(out.Prompt, preamble))
	assert.True(t, strings.Index(out.Prompt, "[DOC 1]") < strings.Index(out.Prompt, "Question:"))

	// No glossary without a database.
	assert.NotContains(t, out.Prompt, "Terminology:")
	assert.Zero(t, out.GlossaryLines)
}

func TestComposeNoEvidence(t *testing.T) {
	c := NewComposer(nil, config.Config{ModelContextTokens: 8192}, testutil.TestLogger())

	out := c.Compose(context.Background(), "hello there", nil)
	assert.NotContains(t, out.Prompt, "Context:")
	assert.Contains(t, out.Prompt, "Question: hello there")
}

func TestComposeTruncatesLowestRanked(t *testing.T) {
	query := "Which port does the gateway use?"
	filler := strings.Repeat("The collector forwards frames to the gateway on the service network. ", 6)
	items := []model.FusedItem{
		docItem("[DOC 1]", filler, 0.9),
		docItem("[DOC 2]", filler, 0.2),
		docItem("[DOC 3]", filler, 0.5),
	}

	// Budget one token under the full render forces exactly one drop.
	budget := estimateTokens(render(query, nil, items)) - 1
	c := NewComposer(nil, config.Config{ModelContextTokens: budget}, testutil.TestLogger())

	out := c.Compose(context.Background(), query, items)
	assert.Equal(t, 1, out.DroppedItems)
	assert.NotContains(t, out.Prompt, "[DOC 2]")
	assert.Contains(t, out.Prompt, "[DOC 1]")
	assert.Contains(t, out.Prompt, "[DOC 3]")
	assert.True(t, strings.Index(out.Prompt, "[DOC 1]") < strings.Index(out.Prompt, "[DOC 3]"))
	assert.LessOrEqual(t, out.EstimatedTokens, budget)
}

func TestComposeDropsAllWhenBudgetTiny(t *testing.T) {
	items := []model.FusedItem{
		docItem("[DOC 1]", "content one", 0.9),
		docItem("[DOC 2]", "content two", 0.8),
	}
	c := NewComposer(nil, config.Config{ModelContextTokens: 1}, testutil.TestLogger())

	// Preamble and question always survive; only evidence is droppable.
	out := c.Compose(context.Background(), "q", items)
	assert.Equal(t, 2, out.DroppedItems)
	assert.NotContains(t, out.Prompt, "Context:")
	assert.Contains(t, out.Prompt, "Question: q")
}

func TestDropLowest(t *testing.T) {
	items := []model.FusedItem{
		{Label: "[DOC 1]", Score: 0.5},
		{Label: "[DOC 2]", Score: 0.5},
		{Label: "[DOC 3]", Score: 0.9},
	}
	// Ties drop the later (lower-ranked) item.
	got := dropLowest(items)
	require.Len(t, got, 2)
	assert.Equal(t, "[DOC 1]", got[0].Label)
	assert.Equal(t, "[DOC 3]", got[1].Label)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("abcd"))
	assert.Equal(t, 25, estimateTokens(strings.Repeat("a", 100)))
}
