package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/classify"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/service/retrieval"
)

func (s *Server) registerTools() {
	// kotae_search: hybrid retrieval over the document corpus.
	s.mcpServer.AddTool(
		mcplib.NewTool("kotae_search",
			mcplib.WithDescription(`Search the document corpus with hybrid retrieval (vector + lexical).

WHEN TO USE: When you need passages from the internal documentation to
answer a question. Results are fused, reranked context chunks; cite them
rather than answering from memory.

WHAT YOU GET BACK:
- results: fused context items with label, source, content, and score
- total: number of items returned
- web_consulted: whether web search contributed to the results

Results are restricted to documents the authenticated caller may see.

EXAMPLE: kotae_search with query="how is the retry backoff configured"
returns the most relevant documentation chunks about retry configuration.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language search query describing what you're looking for"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum context items to return"),
				mcplib.Min(1),
				mcplib.Max(20),
				mcplib.DefaultNumber(5),
			),
			mcplib.WithBoolean("enable_web",
				mcplib.Description("Allow web search to supplement document retrieval"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleSearch,
	)

	// kotae_classify: classify a query without retrieving anything.
	s.mcpServer.AddTool(
		mcplib.NewTool("kotae_classify",
			mcplib.WithDescription(`Classify a query into a category and retrieval strategy.

WHEN TO USE: To understand how the pipeline would treat a question before
searching: which category it falls into (code, math, factual, ...), how
many chunks it would retrieve, and whether web search is preferred.

Classification is deterministic keyword scoring, so the same query always
classifies the same way.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("The query to classify"),
				mcplib.Required(),
			),
		),
		s.handleClassify,
	)

	// kotae_define: look up acronyms and synonyms from the terminology store.
	s.mcpServer.AddTool(
		mcplib.NewTool("kotae_define",
			mcplib.WithDescription(`Look up a term in the corpus terminology store.

WHEN TO USE: When a query or document contains an unfamiliar acronym or
product-specific term. Returns acronym expansions and synonym mappings
mined from the corpus, with confidence scores.

EXAMPLE: kotae_define with term="RBAC" returns its expansion and any
equivalent phrasings used in the documentation.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("term",
				mcplib.Description("The acronym or term to define; multiple words are looked up separately"),
				mcplib.Required(),
			),
		),
		s.handleDefine,
	)
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := request.GetInt("limit", 5)
	enableWeb := request.GetBool("enable_web", false)

	// Same scoping as the HTTP search handlers: the caller's privacy scope
	// restricts which documents retrieval may touch.
	cls := classify.Classify(query)
	res, err := s.retriever.Retrieve(ctx, query, retrieval.Options{
		TopK:           limit,
		PrivacyLevels:  authz.PrivacyScope(claims).Levels(),
		EnableWeb:      enableWeb,
		Classification: cls,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"results":       res.Fused,
		"total":         len(res.Fused),
		"web_consulted": res.Meta.WebConsulted,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleClassify(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	resultData, _ := json.MarshalIndent(classify.Classify(query), "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleDefine(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	term := request.GetString("term", "")
	if term == "" {
		return errorResult("term is required"), nil
	}

	tokens := strings.Fields(term)
	acronyms, err := s.db.MatchAcronyms(ctx, tokens, 10)
	if err != nil {
		return errorResult(fmt.Sprintf("acronym lookup failed: %v", err)), nil
	}
	synonyms, err := s.db.MatchSynonyms(ctx, tokens, 10)
	if err != nil {
		return errorResult(fmt.Sprintf("synonym lookup failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"term":     term,
		"acronyms": acronyms,
		"synonyms": synonyms,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}
