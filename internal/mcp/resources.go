package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

func (s *Server) registerResources() {
	// kotae://documents/recent: the newest documents in the corpus.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kotae://documents/recent",
			"Recent Documents",
			mcplib.WithResourceDescription("Most recently ingested documents visible to the caller"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleDocumentsRecent,
	)

	// kotae://documents/{id}: one document with its chunk metadata.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kotae://documents/{id}",
			"Document Detail",
			mcplib.WithTemplateDescription("A document row plus per-chunk summaries"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleDocumentByID,
	)
}

func (s *Server) handleDocumentsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	docs, total, err := s.db.ListDocuments(ctx, storage.DocumentFilter{
		PrivacyLevels: authz.PrivacyScope(claims).Levels(),
	}, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent documents: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"documents": docs,
		"total":     total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal documents: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kotae://documents/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleDocumentByID(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	uri := request.Params.URI
	id := strings.TrimPrefix(uri, "kotae://documents/")
	if id == uri || uuid.Validate(id) != nil {
		return nil, fmt.Errorf("mcp: invalid document URI: %s", uri)
	}

	doc, err := s.db.GetDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: document %s: %w", id, err)
	}
	// Out-of-scope documents read as missing, same as the HTTP handler.
	if authz.PrivacyScope(claims) != model.FilterAll && doc.PrivacyLevel != model.PrivacyPublic {
		return nil, fmt.Errorf("mcp: document %s: %w", id, storage.ErrNotFound)
	}

	chunks, err := s.db.GetChunkSummaries(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: chunk summaries: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"document":    doc,
		"chunk_count": len(chunks),
		"chunks":      chunks,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal document: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
