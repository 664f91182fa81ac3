package model

import "time"

// PrivacyLevel controls which callers may retrieve a document's chunks.
type PrivacyLevel string

const (
	PrivacyPublic  PrivacyLevel = "public"
	PrivacyPrivate PrivacyLevel = "private"
)

// PrivacyFilter is a retrieval-time scope: which privacy levels to search.
type PrivacyFilter string

const (
	FilterPublic  PrivacyFilter = "public"
	FilterPrivate PrivacyFilter = "private"
	FilterAll     PrivacyFilter = "all"
)

// ValidPrivacyFilter reports whether f is a known retrieval scope.
func ValidPrivacyFilter(f PrivacyFilter) bool {
	switch f {
	case FilterPublic, FilterPrivate, FilterAll:
		return true
	}
	return false
}

// Levels expands a filter into the privacy levels it permits. FilterAll
// returns nil, which the store treats as unrestricted.
func (f PrivacyFilter) Levels() []string {
	switch f {
	case FilterPublic:
		return []string{string(PrivacyPublic)}
	case FilterPrivate:
		return []string{string(PrivacyPrivate)}
	default:
		return nil
	}
}

// ChunkKind is the structural type of a chunk extracted during ingestion.
type ChunkKind string

const (
	ChunkText     ChunkKind = "text"
	ChunkTable    ChunkKind = "table"
	ChunkImageRef ChunkKind = "image_ref"
)

// Document is one ingested source document. Ingestion happens out of band;
// this service only reads the catalog.
type Document struct {
	ID             string       `json:"id"`
	Filename       string       `json:"filename"`
	Title          string       `json:"title,omitempty"`
	Product        string       `json:"product,omitempty"`
	Version        string       `json:"version,omitempty"`
	Classification string       `json:"classification,omitempty"`
	PrivacyLevel   PrivacyLevel `json:"privacy_level"`
	ContentHash    string       `json:"content_hash,omitempty"`
	PageCount      int          `json:"page_count,omitempty"`
	ChunkCount     int          `json:"chunk_count,omitempty"`
	SizeBytes      int64        `json:"size_bytes,omitempty"`
	IngestedAt     time.Time    `json:"ingested_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Chunk is one retrievable unit of a document. Embedding stays in storage;
// retrieval results carry scores on RetrievedChunk instead.
type Chunk struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	Ordinal      int       `json:"ordinal"`
	Content      string    `json:"content"`
	Kind         ChunkKind `json:"kind"`
	Page         *int      `json:"page,omitempty"`
	SectionTitle string    `json:"section_title,omitempty"`
	TokenCount   int       `json:"token_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// RetrievedChunk is a chunk with its retrieval scores attached. VectorScore
// and KeywordScore are the min-max normalized per-leg scores; Combined is the
// weighted blend; Rerank is set only when the reranking pass succeeded.
type RetrievedChunk struct {
	Chunk
	Filename     string   `json:"filename"`
	Product      string   `json:"product,omitempty"`
	DocVersion   string   `json:"doc_version,omitempty"`
	VectorScore  float64  `json:"vector_score"`
	KeywordScore float64  `json:"keyword_score"`
	Combined     float64  `json:"combined_score"`
	Rerank       *float64 `json:"rerank_score,omitempty"`
}

// Score returns the effective ranking score: rerank when present, otherwise
// the combined vector/keyword blend.
func (c RetrievedChunk) Score() float64 {
	if c.Rerank != nil {
		return *c.Rerank
	}
	return c.Combined
}

// WebResult is one web search hit, either fresh or from the shared cache.
type WebResult struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Snippet   string  `json:"snippet"`
	Source    string  `json:"source,omitempty"`
	Relevance float64 `json:"relevance"`
	FromCache bool    `json:"from_cache"`
}

// FusedItem is one entry of the interleaved evidence list handed to the
// prompt composer and echoed back to clients for citation mapping. Label is
// the citation tag ("[DOC 1]", "[WEB 2]"); labels are assigned at fusion
// time and survive context truncation so citations never shift.
type FusedItem struct {
	Label      string  `json:"label"`
	SourceKind string  `json:"source_kind"` // "doc" or "web"
	Title      string  `json:"title,omitempty"`
	URL        string  `json:"url,omitempty"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// FusionMeta describes how a retrieval result was assembled.
type FusionMeta struct {
	Pool          int     `json:"pool"`
	Reranked      bool    `json:"reranked"`
	RerankSkipped bool    `json:"rerank_skipped,omitempty"`
	WebConsulted  bool    `json:"web_consulted"`
	TopScore      float64 `json:"top_score"`
	Deduped       int     `json:"deduped,omitempty"`
}

// RetrievalResult is the full output of the hybrid retriever.
type RetrievalResult struct {
	Chunks     []RetrievedChunk `json:"chunks"`
	WebResults []WebResult      `json:"web_results,omitempty"`
	Fused      []FusedItem      `json:"fused"`
	Meta       FusionMeta       `json:"fusion_meta"`
}

// Correction is an operator-curated answer served verbatim when a query's
// fingerprint matches. Corrections outrank retrieval entirely.
type Correction struct {
	ID                  string    `json:"id"`
	QuestionFingerprint string    `json:"question_fingerprint"`
	Answer              string    `json:"answer"`
	CreatedBy           string    `json:"created_by,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Acronym is one glossary expansion injected into prompts. Rows merge on the
// acronym itself: re-ingesting an acronym unions sources and keeps the higher
// confidence.
type Acronym struct {
	Acronym    string   `json:"acronym"`
	Definition string   `json:"definition"`
	Sources    []string `json:"sources,omitempty"`
	Confidence float64  `json:"confidence"`
	Verified   bool     `json:"verified"`
}

// Synonym maps a term to an equivalent phrasing for glossary hints. Rows merge
// on (term, synonym, kind).
type Synonym struct {
	Term       string  `json:"term"`
	Synonym    string  `json:"synonym"`
	Kind       string  `json:"kind,omitempty"`
	Confidence float64 `json:"confidence"`
}
