package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

func readRequest(uri string) mcplib.ReadResourceRequest {
	return mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: uri},
	}
}

func TestHandleDocumentsRecent(t *testing.T) {
	mustSeedDocument(t, "recent-doc",
		"Firmware rollback procedure for the relay controller.", model.PrivacyPublic)

	contents, err := testServer.handleDocumentsRecent(adminCtx(), readRequest("kotae://documents/recent"))
	require.NoError(t, err)
	require.Len(t, contents, 1)

	trc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "expected TextResourceContents")
	assert.Equal(t, "kotae://documents/recent", trc.URI)
	assert.Equal(t, "application/json", trc.MIMEType)

	var resp struct {
		Documents []model.Document `json:"documents"`
		Total     int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(trc.Text), &resp))
	assert.NotEmpty(t, resp.Documents)
	assert.Greater(t, resp.Total, 0)
}

func TestHandleDocumentsRecent_UserScope(t *testing.T) {
	mustSeedDocument(t, "recent-private",
		"Internal escalation runbook, restricted distribution.", model.PrivacyPrivate)

	contents, err := testServer.handleDocumentsRecent(userCtx(), readRequest("kotae://documents/recent"))
	require.NoError(t, err)
	require.Len(t, contents, 1)

	trc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)

	var resp struct {
		Documents []model.Document `json:"documents"`
	}
	require.NoError(t, json.Unmarshal([]byte(trc.Text), &resp))
	for _, d := range resp.Documents {
		assert.Equal(t, model.PrivacyPublic, d.PrivacyLevel,
			"non-admin listing must contain only public documents")
	}
}

func TestHandleDocumentsRecent_NilClaims(t *testing.T) {
	// MCP handlers sit behind the HTTP auth middleware, but claims lookup is
	// nil-safe: an unauthenticated context degrades to public-only scope.
	contents, err := testServer.handleDocumentsRecent(context.Background(), readRequest("kotae://documents/recent"))
	require.NoError(t, err)
	require.Len(t, contents, 1)
}

func TestHandleDocumentByID(t *testing.T) {
	docID := mustSeedDocument(t, "detail-doc",
		"Cooling loop maintenance schedule and torque table.", model.PrivacyPublic)

	uri := "kotae://documents/" + docID
	contents, err := testServer.handleDocumentByID(userCtx(), readRequest(uri))
	require.NoError(t, err)
	require.Len(t, contents, 1)

	trc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "expected TextResourceContents")
	assert.Equal(t, uri, trc.URI)
	assert.Equal(t, "application/json", trc.MIMEType)

	var resp struct {
		Document   model.Document       `json:"document"`
		ChunkCount int                  `json:"chunk_count"`
		Chunks     []model.ChunkSummary `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal([]byte(trc.Text), &resp))
	assert.Equal(t, docID, resp.Document.ID)
	assert.Equal(t, "detail-doc", resp.Document.Title)
	require.Equal(t, 1, resp.ChunkCount)
	assert.Equal(t, "text", resp.Chunks[0].Kind)
}

func TestHandleDocumentByID_PrivateHidden(t *testing.T) {
	docID := mustSeedDocument(t, "detail-private",
		"Unredacted incident postmortem for the March outage.", model.PrivacyPrivate)

	uri := "kotae://documents/" + docID

	// Out-of-scope documents read as missing, not forbidden.
	_, err := testServer.handleDocumentByID(userCtx(), readRequest(uri))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	contents, err := testServer.handleDocumentByID(adminCtx(), readRequest(uri))
	require.NoError(t, err, "admins read private documents")
	require.Len(t, contents, 1)
}

func TestHandleDocumentByID_NotFound(t *testing.T) {
	uri := "kotae://documents/" + uuid.NewString()
	_, err := testServer.handleDocumentByID(adminCtx(), readRequest(uri))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestHandleDocumentByID_InvalidURI(t *testing.T) {
	for _, uri := range []string{
		"kotae://documents/not-a-uuid",
		"kotae://other/path",
	} {
		_, err := testServer.handleDocumentByID(adminCtx(), readRequest(uri))
		require.Error(t, err, "uri %q should be rejected", uri)
		assert.Contains(t, err.Error(), "invalid document URI")
	}
}
