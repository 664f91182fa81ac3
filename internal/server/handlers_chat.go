package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/backend"
	"github.com/ashita-ai/kotae/internal/classify"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/fingerprint"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/service/confidence"
	"github.com/ashita-ai/kotae/internal/service/generate"
	"github.com/ashita-ai/kotae/internal/service/retrieval"
	"github.com/ashita-ai/kotae/internal/storage"
)

// pipeline tunes one answerQuery run. The chat endpoint streams through the
// callbacks; the search endpoints leave them nil and read the collected text.
type pipeline struct {
	// fixedMethod pins the reported search method regardless of what evidence
	// turned up. Empty means derive it from the retrieval result.
	fixedMethod model.SearchMethod
	// forceWeb consults the web even when corpus confidence clears the bar.
	forceWeb bool
	streamed bool
	// onSources, when set, receives the sources frame before generation
	// starts. A returned error aborts the pipeline.
	onSources func(model.SourcesFrame) error
	onToken   generate.TokenFunc
}

// answer is everything a handler needs to render a response and everything
// the analytics event needs to describe it.
type answer struct {
	text            string
	cls             model.Classification
	ret             model.RetrievalResult
	gen             generate.Result
	method          model.SearchMethod
	ragConfidence   float64
	finalConfidence float64
	messageID       string
	latency         time.Duration
	corrected       bool
}

// answerQuery runs the full answer pipeline: correction lookup, classify,
// retrieve, compose, generate, score. Exactly one search event is recorded
// per call, success or failure, and hooks fire after it.
func (h *Handlers) answerQuery(ctx context.Context, r *http.Request, req model.ChatRequest, claims *auth.Claims, p pipeline) (answer, error) {
	start := time.Now()
	if h.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		defer cancel()
	}

	ans := answer{cls: classify.Classify(req.Query)}
	errCode := ""
	defer func() {
		ans.latency = time.Since(start)
		event := h.searchEvent(r, req.Query, &ans, errCode, p.streamed)
		h.buffer.Record(event)
		h.fireSearchHooks(event)
	}()

	// Curated corrections outrank everything: a fingerprint hit streams the
	// canonical answer without touching retrieval or a backend.
	corr, err := h.db.FindCorrection(ctx, fingerprint.QueryKey(req.Query))
	switch {
	case err == nil:
		ans.corrected = true
		ans.method = model.MethodCorrection
		ans.text = corr.Answer
		ans.ragConfidence = confidence.CorrectionScore
		ans.finalConfidence = confidence.CorrectionScore
		ans.messageID = uuid.NewString()
		if err := h.streamCorrection(&ans, p); err != nil {
			return ans, err
		}
		return ans, nil
	case errors.Is(err, storage.ErrNotFound):
		// No correction; the normal pipeline answers.
	default:
		h.logger.Warn("correction lookup failed", "error", err)
	}

	// With nothing healthy the pipeline cannot finish, so fail before any
	// frame is produced and the client gets a real 503. Corrections above
	// still answer during a total outage; they need no backend.
	if h.pool.HealthyCount() == 0 {
		_, errCode = answerStatus(backend.ErrUnavailable)
		return ans, backend.ErrUnavailable
	}

	topK := 0
	withContext := true
	if req.MaxContextChunks != nil {
		topK = *req.MaxContextChunks
		// An explicit zero asks for a context-free answer: retrieval is
		// skipped and the generator runs on the bare question.
		withContext = topK > 0
	}
	if req.ConfidenceThreshold != nil {
		ans.cls.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	enableWeb := true
	if req.EnableWebSearch != nil {
		enableWeb = *req.EnableWebSearch
	}

	var ret model.RetrievalResult
	if withContext {
		retCtx := ctx
		if h.cfg.RetrievalTimeout > 0 {
			var cancel context.CancelFunc
			retCtx, cancel = context.WithTimeout(ctx, h.cfg.RetrievalTimeout)
			defer cancel()
		}
		ret, err = h.retriever.Retrieve(retCtx, req.Query, retrieval.Options{
			TopK:           topK,
			PrivacyLevels:  authz.PrivacyScope(claims).Levels(),
			EnableWeb:      enableWeb,
			ForceWeb:       p.forceWeb,
			Classification: ans.cls,
		})
		if err != nil {
			_, errCode = answerStatus(err)
			return ans, err
		}
	}
	ans.ret = ret
	ans.ragConfidence = ret.Meta.TopScore

	ans.method = p.fixedMethod
	if ans.method == "" {
		ans.method = deriveMethod(ret)
	}

	if p.onSources != nil {
		frame := model.SourcesFrame{
			Type:       model.FrameSources,
			Sources:    sourceList(ret.Fused),
			Confidence: ret.Meta.TopScore,
			Method:     string(ans.method),
		}
		if err := p.onSources(frame); err != nil {
			_, errCode = answerStatus(err)
			return ans, err
		}
	}

	composed := h.composer.Compose(ctx, req.Query, ret.Fused)
	gen, err := h.generator.Generate(ctx, composed.Prompt, ans.cls.Category, generate.Options{
		Temperature: temperatureFor(ans.cls.Category),
	}, p.onToken)
	ans.gen = gen
	if err != nil {
		_, errCode = answerStatus(err)
		return ans, err
	}

	ans.text = gen.Text
	ans.finalConfidence = confidence.Score(req.Query, ret.Chunks, gen.Text, ans.cls)
	ans.messageID = uuid.NewString()
	return ans, nil
}

// streamCorrection replays a curated answer through the streaming callbacks:
// an empty-sources frame, then the answer split on whitespace so clients see
// the same token cadence a generated answer has.
func (h *Handlers) streamCorrection(ans *answer, p pipeline) error {
	if p.onSources != nil {
		frame := model.SourcesFrame{
			Type:       model.FrameSources,
			Sources:    []string{},
			Confidence: confidence.CorrectionScore,
			Method:     string(model.MethodCorrection),
		}
		if err := p.onSources(frame); err != nil {
			return err
		}
	}
	if p.onToken == nil {
		return nil
	}
	words := strings.Fields(ans.text)
	for i, w := range words {
		tok := w
		if i < len(words)-1 {
			tok += " "
		}
		if err := p.onToken(tok); err != nil {
			return err
		}
	}
	return nil
}

// searchEvent assembles the analytics record for one pipeline run.
func (h *Handlers) searchEvent(r *http.Request, query string, ans *answer, errCode string, streamed bool) model.SearchEvent {
	return model.SearchEvent{
		ID:              uuid.New(),
		RequestID:       ctxutil.RequestIDFromContext(r.Context()),
		UserID:          ctxutil.UserIDFromContext(r.Context()),
		Query:           query,
		Category:        ans.cls.Category,
		Strategy:        ans.cls.Strategy,
		Method:          ans.method,
		Model:           ans.gen.Model,
		Backend:         ans.gen.Backend,
		RAGConfidence:   ans.ragConfidence,
		FinalConfidence: ans.finalConfidence,
		ChunkCount:      len(ans.ret.Chunks),
		WebCount:        len(ans.ret.WebResults),
		FusedCount:      len(ans.ret.Fused),
		TokensOut:       ans.gen.OutputTokens,
		TokensPerSec:    ans.gen.TokensPerSec,
		LatencyMS:       ans.latency.Milliseconds(),
		Streamed:        streamed,
		ErrorCode:       errCode,
		CreatedAt:       time.Now().UTC(),
	}
}

// deriveMethod names the pipeline by the evidence that actually fed the
// prompt.
func deriveMethod(ret model.RetrievalResult) model.SearchMethod {
	hasDocs := len(ret.Chunks) > 0
	hasWeb := len(ret.WebResults) > 0
	switch {
	case hasDocs && hasWeb:
		return model.MethodFusion
	case hasWeb:
		return model.MethodWeb
	case hasDocs:
		return model.MethodRAG
	default:
		return model.MethodDirect
	}
}

// sourceList renders the fused evidence as the citation strings of the
// sources frame: document items by filename, web items by URL.
func sourceList(fused []model.FusedItem) []string {
	sources := make([]string, 0, len(fused))
	for _, it := range fused {
		ref := it.Title
		if it.SourceKind == "web" {
			ref = it.URL
		}
		if ref == "" {
			sources = append(sources, it.Label)
			continue
		}
		sources = append(sources, it.Label+" "+ref)
	}
	return sources
}

// temperatureFor picks the sampling temperature by category: precise for
// code, technical, and math, loose for creative, moderate otherwise.
func temperatureFor(cat model.QueryCategory) float64 {
	switch cat {
	case model.CategoryCode, model.CategoryTechnical, model.CategoryMath:
		return 0.3
	case model.CategoryCreative:
		return 0.9
	default:
		return 0.7
	}
}

// answerStatus maps a pipeline error to the HTTP status and error code
// reported to clients and recorded on the search event.
func answerStatus(err error) (int, string) {
	if errors.Is(err, backend.ErrUnavailable) || errors.Is(err, backend.ErrBusy) {
		return http.StatusServiceUnavailable, model.ErrCodeBackendUnavailable
	}
	return http.StatusInternalServerError, model.ErrCodeInternal
}

// HandleRAGChat handles POST /api/rag-chat: the streaming retrieval +
// generation endpoint. Frame order is sources, zero or more tokens, then
// done or error.
func (h *Handlers) HandleRAGChat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, r, err.Error())
		return
	}

	// The stream commits an HTTP 200 with its first frame, so it opens
	// lazily on the sources frame. A pipeline that dies before producing
	// any frame still owns the status line: a total backend outage is a
	// plain 503 envelope, not a 200 wrapping an error frame.
	var stream *eventStream
	var stopKeepalive func()
	defer func() {
		if stopKeepalive != nil {
			stopKeepalive()
		}
	}()
	openStream := func() error {
		if stream != nil {
			return nil
		}
		s, err := newEventStream(w)
		if err != nil {
			return err
		}
		stream = s
		stopKeepalive = s.startKeepalive()
		return nil
	}

	claims := ctxutil.ClaimsFromContext(r.Context())
	ans, err := h.answerQuery(r.Context(), r, req, claims, pipeline{
		streamed: true,
		onSources: func(frame model.SourcesFrame) error {
			if err := openStream(); err != nil {
				return err
			}
			return stream.send(frame)
		},
		onToken: func(token string) error {
			return stream.send(model.TokenFrame{Type: model.FrameToken, Token: token})
		},
	})
	if err != nil {
		h.logger.Error("rag-chat failed",
			"error", err,
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		)
		status, code := answerStatus(err)
		msg := "answer generation failed"
		if code == model.ErrCodeBackendUnavailable {
			msg = "no healthy backend available"
		}
		if stream == nil {
			writeError(w, r, status, code, msg)
			return
		}
		// Headers are long gone; the error travels as a terminal frame. When
		// the client caused the failure by disconnecting this write fails
		// too, which is fine.
		_ = stream.send(model.ErrorFrame{Type: model.FrameError, Code: code, Message: msg})
		return
	}

	if err := openStream(); err != nil {
		writeInternalError(w, r)
		return
	}
	_ = stream.send(model.DoneFrame{Type: model.FrameDone, MessageID: ans.messageID})
}
