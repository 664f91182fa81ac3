package model

// QueryCategory is the classified intent of a query. Categories are a closed
// set; tie-breaking between equal scores follows the declaration order below.
type QueryCategory string

const (
	CategoryTechnical     QueryCategory = "technical"
	CategoryCode          QueryCategory = "code"
	CategoryMath          QueryCategory = "math"
	CategoryCreative      QueryCategory = "creative"
	CategoryFactual       QueryCategory = "factual"
	CategoryChat          QueryCategory = "chat"
	CategoryCurrentEvents QueryCategory = "current_events"
	CategoryComparison    QueryCategory = "comparison"
)

// Categories lists every query category in tie-break order.
func Categories() []QueryCategory {
	return []QueryCategory{
		CategoryTechnical,
		CategoryCode,
		CategoryMath,
		CategoryCreative,
		CategoryFactual,
		CategoryChat,
		CategoryCurrentEvents,
		CategoryComparison,
	}
}

// Strategy tells the retriever where to look first.
type Strategy string

const (
	StrategyRAGFirst Strategy = "rag_first"
	StrategyWebFirst Strategy = "web_first"
	StrategyBalanced Strategy = "balanced"
)

// Complexity is the estimated effort class of a query. It sets the retrieval
// chunk target.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityExpert   Complexity = "expert"
)

// Specialization is a backend capability tag. Each backend instance carries
// one; the router maps query categories onto them.
type Specialization string

const (
	SpecChatQA          Specialization = "chat_qa"
	SpecCodeTechnical   Specialization = "code_technical"
	SpecReasoningMath   Specialization = "reasoning_math"
	SpecEmbeddingSearch Specialization = "embeddings_search"
)

// ValidSpecialization reports whether s is a known backend tag.
func ValidSpecialization(s Specialization) bool {
	switch s {
	case SpecChatQA, SpecCodeTechnical, SpecReasoningMath, SpecEmbeddingSearch:
		return true
	}
	return false
}

// Classification is the full output of the query classifier. It is pure data:
// the classifier computes it without I/O and every downstream stage treats it
// as read-only.
type Classification struct {
	Category            QueryCategory `json:"category"`
	Confidence          float64       `json:"confidence"`
	Strategy            Strategy      `json:"suggested_strategy"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	Complexity          Complexity    `json:"complexity"`
	ChunkTarget         int           `json:"chunk_target"`
	PreferWeb           bool          `json:"prefer_web"`
	MatchedSignals      []string      `json:"matched_signals,omitempty"`
}

// BackendFor maps a query category to the backend specialization that should
// serve it.
func (c QueryCategory) BackendFor() Specialization {
	switch c {
	case CategoryCode, CategoryTechnical:
		return SpecCodeTechnical
	case CategoryMath, CategoryComparison:
		return SpecReasoningMath
	default:
		return SpecChatQA
	}
}
