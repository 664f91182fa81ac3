package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// HandleListDocuments handles GET /api/documents (query parameters) and
// POST /api/documents/list (JSON body): the paginated catalog listing.
func (h *Handlers) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	var req model.DocumentListRequest
	if r.Method == http.MethodPost {
		if err := decodeJSON(r, &req); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	} else {
		q := r.URL.Query()
		req = model.DocumentListRequest{
			Page:           queryInt(r, "page", 0),
			PageSize:       queryInt(r, "page_size", 0),
			Product:        q.Get("product"),
			Version:        q.Get("version"),
			Classification: q.Get("classification"),
			PrivacyLevel:   q.Get("privacy_level"),
			Search:         q.Get("search"),
		}
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := clampInt(req.PageSize, 1, maxPageSize)
	if req.PageSize == 0 {
		pageSize = defaultPageSize
	}

	claims := ctxutil.ClaimsFromContext(r.Context())
	levels, ok := privacyLevelsFor(claims, req.PrivacyLevel)
	if !ok {
		// The caller asked for a scope their role cannot see. An empty page
		// reveals less than a 403 would.
		writeJSON(w, http.StatusOK, model.DocumentListResponse{
			Success:   true,
			Documents: []model.Document{},
			Total:     0,
			Page:      page,
			PageSize:  pageSize,
		})
		return
	}

	docs, total, err := h.db.ListDocuments(r.Context(), storage.DocumentFilter{
		Product:        req.Product,
		Version:        req.Version,
		Classification: req.Classification,
		PrivacyLevels:  levels,
		Search:         req.Search,
	}, pageSize, (page-1)*pageSize)
	if err != nil {
		h.logger.Error("list documents failed", "error", err)
		writeInternalError(w, r)
		return
	}
	if docs == nil {
		docs = []model.Document{}
	}

	writeJSON(w, http.StatusOK, model.DocumentListResponse{
		Success:   true,
		Documents: docs,
		Total:     total,
		Page:      page,
		PageSize:  pageSize,
	})
}

// privacyLevelsFor intersects the caller's privacy scope with an explicit
// privacy_level filter. The second return is false when the request asks for
// levels outside the caller's scope.
func privacyLevelsFor(claims *auth.Claims, requested string) ([]string, bool) {
	admin := claims != nil && claims.IsAdmin()
	if requested == "" {
		if admin {
			return nil, true // unrestricted
		}
		return []string{string(model.PrivacyPublic)}, true
	}
	if admin {
		return []string{requested}, true
	}
	if requested == string(model.PrivacyPublic) {
		return []string{requested}, true
	}
	return nil, false
}

// HandleGetDocument handles GET /api/documents/{id}: catalog metadata plus
// the per-chunk summary. A private document reads as 404 to callers whose
// scope excludes it.
func (h *Handlers) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.fetchVisibleDocument(w, r)
	if !ok {
		return
	}

	chunks, err := h.db.GetChunkSummaries(r.Context(), doc.ID)
	if err != nil {
		h.logger.Error("get chunk summaries failed", "error", err, "document_id", doc.ID)
		writeInternalError(w, r)
		return
	}
	if chunks == nil {
		chunks = []model.ChunkSummary{}
	}

	writeJSON(w, http.StatusOK, model.DocumentDetailResponse{
		Success:    true,
		Document:   doc,
		ChunkCount: len(chunks),
		Chunks:     chunks,
	})
}

// HandleDownloadDocument handles GET /api/documents/{id}/download: the
// document's extracted text as a plain-text attachment. Binary originals
// live in the ingestion pipeline's archive, not in this service.
func (h *Handlers) HandleDownloadDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.fetchVisibleDocument(w, r)
	if !ok {
		return
	}

	text, err := h.db.GetDocumentText(r.Context(), doc.ID)
	if err != nil {
		h.logger.Error("document text failed", "error", err, "document_id", doc.ID)
		writeInternalError(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Filename+".txt"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// HandleDeleteDocument handles DELETE /api/documents/{id}. The chunk rows
// cascade and their tombstones reach the ANN mirror through the outbox.
func (h *Handlers) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if uuid.Validate(id) != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid document id")
		return
	}

	if err := h.db.DeleteDocument(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "document not found")
			return
		}
		h.logger.Error("delete document failed", "error", err, "document_id", id)
		writeInternalError(w, r)
		return
	}

	h.logger.Info("document deleted",
		"document_id", id,
		"user_id", ctxutil.UserIDFromContext(r.Context()),
	)
	writeJSON(w, http.StatusOK, model.StatusResponse{Success: true, Message: "document deleted"})
}

// fetchVisibleDocument loads the {id} path document and enforces the privacy
// scope, writing the error response itself when the document cannot be
// served. Out-of-scope documents 404 rather than 403 so their existence
// stays hidden.
func (h *Handlers) fetchVisibleDocument(w http.ResponseWriter, r *http.Request) (model.Document, bool) {
	id := r.PathValue("id")
	if uuid.Validate(id) != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid document id")
		return model.Document{}, false
	}

	doc, err := h.db.GetDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "document not found")
			return model.Document{}, false
		}
		h.logger.Error("get document failed", "error", err, "document_id", id)
		writeInternalError(w, r)
		return model.Document{}, false
	}

	claims := ctxutil.ClaimsFromContext(r.Context())
	if authz.PrivacyScope(claims) != model.FilterAll && doc.PrivacyLevel != model.PrivacyPublic {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "document not found")
		return model.Document{}, false
	}
	return doc, true
}
