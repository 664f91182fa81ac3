// Package retrieval implements hybrid document retrieval: vector and lexical
// candidate search, score fusion, optional reranking, and optional web
// augmentation.
//
// The vector leg normally runs in Postgres; when an external ANN index is
// configured and healthy it serves the vector leg instead, with chunk rows
// hydrated (and privacy re-checked) from Postgres. Web augmentation and
// reranking are best-effort: their failures degrade the answer, never the
// request. A Postgres failure is fatal.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/fingerprint"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/search"
	"github.com/ashita-ai/kotae/internal/service/embedding"
	"github.com/ashita-ai/kotae/internal/service/rerank"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

const (
	// vectorWeight blends the normalized per-leg scores. The vector leg
	// dominates: lexical rank mostly rescues exact-term matches the
	// embedding missed.
	vectorWeight  = 0.7
	keywordWeight = 0.3

	minCandidatePool = 30
	maxFusedItems    = 10
	maxWebResults    = 5
)

// WebSearcher is the slice of the web search service the retriever needs.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]model.WebResult, error)
}

// Options control a single retrieval call.
type Options struct {
	TopK           int
	PrivacyLevels  []string
	EnableWeb      bool
	ForceWeb       bool // consult the web even when corpus confidence is high
	Classification model.Classification
}

// Service is the hybrid retriever. The index, scorer, and web fields are
// optional; a nil field disables that stage.
type Service struct {
	db         *storage.DB
	embedder   embedding.Provider
	index      search.Searcher
	scorer     rerank.Scorer
	web        WebSearcher
	candidates int
	logger     *slog.Logger
	meter      metric.Meter
}

// New creates a retriever.
func New(db *storage.DB, embedder embedding.Provider, index search.Searcher, scorer rerank.Scorer, web WebSearcher, cfg config.Config, logger *slog.Logger) *Service {
	candidates := cfg.RetrievalCandidates
	if candidates <= 0 {
		candidates = minCandidatePool
	}
	return &Service{
		db:         db,
		embedder:   embedder,
		index:      index,
		scorer:     scorer,
		web:        web,
		candidates: candidates,
		logger:     logger,
		meter:      telemetry.Meter("kotae/retrieval"),
	}
}

// Retrieve runs the full pipeline for query. Empty results are a well-formed
// empty response, not an error.
func (s *Service) Retrieve(ctx context.Context, query string, opts Options) (model.RetrievalResult, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = opts.Classification.ChunkTarget
	}
	if topK <= 0 {
		topK = 5
	}
	pool := topK * 3
	if pool < s.candidates {
		pool = s.candidates
	}

	result := model.RetrievalResult{Meta: model.FusionMeta{Pool: pool}}

	candidates, err := s.gatherCandidates(ctx, query, pool, opts.PrivacyLevels)
	if err != nil {
		return result, err
	}

	normalizeAndBlend(candidates)
	sortByCombined(candidates)

	chunks, reranked := s.rerankTop(ctx, query, candidates, pool, topK)
	result.Meta.Reranked = reranked
	result.Meta.RerankSkipped = !reranked && s.scorer != nil && len(candidates) > 0
	result.Chunks = chunks

	var topScore float64
	if len(chunks) > 0 {
		topScore = chunks[0].Score()
	}
	result.Meta.TopScore = topScore

	if s.consultWeb(opts, topScore) {
		result.Meta.WebConsulted = true
		webResults, err := s.web.Search(ctx, query, maxWebResults)
		if err != nil {
			// Web augmentation is an enhancement; the answer proceeds on
			// local evidence alone.
			s.logger.Warn("retrieval: web search failed", "error", err)
		} else {
			result.WebResults = webResults
		}
	}

	webFirst := opts.Classification.Strategy == model.StrategyWebFirst
	result.Fused, result.Meta.Deduped = fuse(result.Chunks, result.WebResults, webFirst, maxFusedItems)
	return result, nil
}

// gatherCandidates returns merged vector+keyword candidates with raw scores.
// The external index serves the vector leg only when it reports healthy;
// index errors after that degrade to the Postgres leg rather than failing
// the request.
func (s *Service) gatherCandidates(ctx context.Context, query string, pool int, privacyLevels []string) ([]model.RetrievedChunk, error) {
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	if s.index != nil && s.index.Healthy(ctx) == nil {
		hits, err := s.index.Search(ctx, emb.Slice(), privacyLevels, pool)
		if err == nil {
			return s.mergeIndexCandidates(ctx, query, hits, pool, privacyLevels)
		}
		s.logger.Warn("retrieval: index search failed, using pgvector", "error", err)
	}

	candidates, err := s.db.SearchCandidates(ctx, emb, query, pool, privacyLevels)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search candidates: %w", err)
	}
	return candidates, nil
}

// mergeIndexCandidates hydrates ANN hits from Postgres and merges in the
// lexical leg, mirroring the merge the store does when it runs both legs.
func (s *Service) mergeIndexCandidates(ctx context.Context, query string, hits []search.Result, pool int, privacyLevels []string) ([]model.RetrievedChunk, error) {
	ids := make([]string, len(hits))
	scores := make(map[string]float64, len(hits))
	for i, h := range hits {
		id := h.ChunkID.String()
		ids[i] = id
		scores[id] = float64(h.Score)
	}

	vectorHits, err := s.db.ChunksByIDs(ctx, ids, privacyLevels)
	if err != nil {
		return nil, fmt.Errorf("retrieval: hydrate index hits: %w", err)
	}
	for i := range vectorHits {
		vectorHits[i].VectorScore = scores[vectorHits[i].ID]
	}

	keywordHits, err := s.db.KeywordCandidates(ctx, query, pool, privacyLevels)
	if err != nil {
		return nil, fmt.Errorf("retrieval: keyword candidates: %w", err)
	}

	merged := make(map[string]*model.RetrievedChunk, len(vectorHits)+len(keywordHits))
	order := make([]string, 0, len(vectorHits)+len(keywordHits))
	for i := range vectorHits {
		h := vectorHits[i]
		merged[h.ID] = &h
		order = append(order, h.ID)
	}
	for i := range keywordHits {
		h := keywordHits[i]
		if existing, ok := merged[h.ID]; ok {
			existing.KeywordScore = h.KeywordScore
			continue
		}
		merged[h.ID] = &h
		order = append(order, h.ID)
	}

	out := make([]model.RetrievedChunk, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	return out, nil
}

// rerankTop scores the top half of the candidate pool and returns the final
// topK chunks. On any rerank failure the first-pass combined order stands.
func (s *Service) rerankTop(ctx context.Context, query string, candidates []model.RetrievedChunk, pool, topK int) ([]model.RetrievedChunk, bool) {
	if len(candidates) == 0 {
		return nil, false
	}

	if s.scorer != nil {
		half := pool / 2
		if half > len(candidates) {
			half = len(candidates)
		}
		if half > 0 {
			subset := candidates[:half]
			passages := make([]string, len(subset))
			for i, c := range subset {
				passages[i] = c.Content
			}

			scores, err := s.scorer.Score(ctx, query, passages)
			if err == nil {
				reranked := make([]model.RetrievedChunk, len(subset))
				copy(reranked, subset)
				for i := range reranked {
					v := scores[i]
					reranked[i].Rerank = &v
				}
				sort.SliceStable(reranked, func(a, b int) bool {
					return *reranked[a].Rerank > *reranked[b].Rerank
				})
				return clipChunks(reranked, topK), true
			}

			s.logger.Warn("retrieval: rerank_skipped", "error", err, "passages", len(passages))
			if counter, err := s.meter.Int64Counter("kotae.rerank.skipped_total"); err == nil {
				counter.Add(ctx, 1)
			}
		}
	}

	return clipChunks(candidates, topK), false
}

func (s *Service) consultWeb(opts Options, topScore float64) bool {
	if !opts.EnableWeb || s.web == nil {
		return false
	}
	if opts.ForceWeb {
		return true
	}
	if opts.Classification.Strategy == model.StrategyWebFirst {
		return true
	}
	return topScore < opts.Classification.ConfidenceThreshold
}

// normalizeAndBlend min-max normalizes each leg across the candidate set and
// writes the combined score. A chunk found by only one leg carries zero on
// the other, which normalization treats as the floor.
func normalizeAndBlend(candidates []model.RetrievedChunk) {
	if len(candidates) == 0 {
		return
	}

	vMin, vMax := candidates[0].VectorScore, candidates[0].VectorScore
	kMin, kMax := candidates[0].KeywordScore, candidates[0].KeywordScore
	for _, c := range candidates[1:] {
		if c.VectorScore < vMin {
			vMin = c.VectorScore
		}
		if c.VectorScore > vMax {
			vMax = c.VectorScore
		}
		if c.KeywordScore < kMin {
			kMin = c.KeywordScore
		}
		if c.KeywordScore > kMax {
			kMax = c.KeywordScore
		}
	}

	for i := range candidates {
		v := normalize(candidates[i].VectorScore, vMin, vMax)
		k := normalize(candidates[i].KeywordScore, kMin, kMax)
		candidates[i].VectorScore = v
		candidates[i].KeywordScore = k
		candidates[i].Combined = vectorWeight*v + keywordWeight*k
	}
}

func normalize(v, min, max float64) float64 {
	if max == min {
		if max > 0 {
			return 1
		}
		return 0
	}
	return (v - min) / (max - min)
}

// sortByCombined orders candidates best-first. Equal combined scores prefer
// the chunk earlier in its document, then the shorter content.
func sortByCombined(candidates []model.RetrievedChunk) {
	sort.SliceStable(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.Combined != cb.Combined {
			return ca.Combined > cb.Combined
		}
		if ca.Ordinal != cb.Ordinal {
			return ca.Ordinal < cb.Ordinal
		}
		return len(ca.Content) < len(cb.Content)
	})
}

// fuse interleaves chunks and web results into the labeled evidence list.
// Near-duplicate content is dropped by prefix hash; a dropped duplicate does
// not forfeit its source's turn in the interleave.
func fuse(chunks []model.RetrievedChunk, webs []model.WebResult, webFirst bool, limit int) ([]model.FusedItem, int) {
	seen := make(map[string]bool, len(chunks)+len(webs))
	var fused []model.FusedItem
	deduped := 0

	di, wi := 0, 0
	docN, webN := 0, 0
	docTurn := !webFirst

	for len(fused) < limit && (di < len(chunks) || wi < len(webs)) {
		if docTurn && di >= len(chunks) {
			docTurn = false
		}
		if !docTurn && wi >= len(webs) {
			docTurn = true
		}

		if docTurn {
			c := chunks[di]
			di++
			key := fingerprint.ContentKey(c.Content)
			if seen[key] {
				deduped++
				continue
			}
			seen[key] = true
			docN++
			fused = append(fused, model.FusedItem{
				Label:      fmt.Sprintf("[DOC %d]", docN),
				SourceKind: "doc",
				Title:      c.Filename,
				Content:    c.Content,
				Score:      c.Score(),
			})
		} else {
			w := webs[wi]
			wi++
			key := fingerprint.ContentKey(w.Snippet)
			if seen[key] {
				deduped++
				continue
			}
			seen[key] = true
			webN++
			fused = append(fused, model.FusedItem{
				Label:      fmt.Sprintf("[WEB %d]", webN),
				SourceKind: "web",
				Title:      w.Title,
				URL:        w.URL,
				Content:    w.Snippet,
				Score:      w.Relevance,
			})
		}
		docTurn = !docTurn
	}

	return fused, deduped
}

func clipChunks(chunks []model.RetrievedChunk, topK int) []model.RetrievedChunk {
	if len(chunks) <= topK {
		return chunks
	}
	return chunks[:topK]
}
