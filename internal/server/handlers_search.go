package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/kotae/internal/backend"
	"github.com/ashita-ai/kotae/internal/classify"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/fingerprint"
	"github.com/ashita-ai/kotae/internal/model"
)

// HandleHybridSearch handles POST /api/hybrid-search: non-streaming search +
// answer, always reported as the hybrid method.
func (h *Handlers) HandleHybridSearch(w http.ResponseWriter, r *http.Request) {
	h.runSearch(w, r, pipeline{fixedMethod: model.MethodHybrid})
}

// HandleFusedSearch handles POST /api/fused-hybrid-search: web consultation
// is forced so the answer fuses corpus and web evidence whenever both exist.
func (h *Handlers) HandleFusedSearch(w http.ResponseWriter, r *http.Request) {
	h.runSearch(w, r, pipeline{fixedMethod: model.MethodFusion, forceWeb: true})
}

// HandleIntelligentSearch handles POST /api/intelligent-hybrid-search: the
// classifier picks the strategy and the reported method follows the evidence
// that actually answered.
func (h *Handlers) HandleIntelligentSearch(w http.ResponseWriter, r *http.Request) {
	h.runSearch(w, r, pipeline{})
}

// runSearch is the shared non-streaming request path of the three search
// endpoints.
func (h *Handlers) runSearch(w http.ResponseWriter, r *http.Request, p pipeline) {
	var req model.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, r, err.Error())
		return
	}

	claims := ctxutil.ClaimsFromContext(r.Context())
	ans, err := h.answerQuery(r.Context(), r, req, claims, p)
	if err != nil {
		status, code := answerStatus(err)
		msg := "answer generation failed"
		if code == model.ErrCodeBackendUnavailable {
			msg = "no healthy backend available"
		}
		h.logger.Error("search failed",
			"error", err,
			"method", string(p.fixedMethod),
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		)
		writeError(w, r, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, model.SearchResponse{
		Success:          true,
		Answer:           ans.text,
		SearchMethod:     string(ans.method),
		ConfidenceScore:  ans.finalConfidence,
		RAGConfidence:    ans.ragConfidence,
		ContextUsed:      contextItems(ans.ret),
		ContextRetrieved: len(ans.ret.Fused) > 0,
		Classification:   ans.cls,
		Model:            ans.gen.Model,
		Backend:          ans.gen.Backend,
		LatencyMS:        ans.latency.Milliseconds(),
		MessageID:        ans.messageID,
	})
}

// contextItems converts the fused evidence into response items. Document
// items are joined back to their chunks by content fingerprint to recover
// page, section, and document ID, which fusion deliberately drops.
func contextItems(ret model.RetrievalResult) []model.ContextItem {
	byKey := make(map[string]model.RetrievedChunk, len(ret.Chunks))
	for _, c := range ret.Chunks {
		byKey[fingerprint.ContentKey(c.Content)] = c
	}

	items := make([]model.ContextItem, 0, len(ret.Fused))
	for _, it := range ret.Fused {
		item := model.ContextItem{
			Label:   it.Label,
			Source:  it.Title,
			Content: it.Content,
			Score:   it.Score,
			IsWeb:   it.SourceKind == "web",
			URL:     it.URL,
		}
		if c, ok := byKey[fingerprint.ContentKey(it.Content)]; ok && !item.IsWeb {
			item.Page = c.Page
			item.Section = c.SectionTitle
			item.DocumentID = c.DocumentID
		}
		items = append(items, item)
	}
	return items
}

// HandleClassifyQuery handles POST /api/classify-query: classifier output
// alone, no retrieval and no generation.
func (h *Handlers) HandleClassifyQuery(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, r, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, model.ClassifyResponse{
		Success:        true,
		Classification: classify.Classify(req.Query),
	})
}

// HandleIntelligentRoute handles POST /api/intelligent-route: reports which
// backend and model would serve the query, without generating.
func (h *Handlers) HandleIntelligentRoute(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, r, err.Error())
		return
	}

	cls := classify.Classify(req.Query)
	b, err := h.pool.Pick(cls.Category.BackendFor())
	if err != nil {
		if errors.Is(err, backend.ErrUnavailable) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeBackendUnavailable, "no healthy backend available")
			return
		}
		h.logger.Error("route pick failed", "error", err)
		writeInternalError(w, r)
		return
	}

	writeJSON(w, http.StatusOK, model.RouteResponse{
		Success:         true,
		SelectedBackend: b.Name(),
		SelectedURL:     b.URL(),
		SelectedModel:   h.generator.ModelFor(b.Specialization()),
		Specialization:  string(b.Specialization()),
		Classification:  cls,
	})
}

// HandleOllamaHealth handles GET /api/ollama-health: the pool's per-instance
// snapshot. Always 200; the status field carries the verdict.
func (h *Handlers) HandleOllamaHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Snapshot())
}
