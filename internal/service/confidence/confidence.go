// Package confidence estimates how trustworthy a generated answer is.
// Scores (0.0-1.0) accompany every answer so clients can badge weak ones
// and analytics can track retrieval quality over time.
package confidence

import (
	"regexp"
	"strings"

	"github.com/ashita-ai/kotae/internal/model"
)

// CorrectionScore is the fixed confidence of an answer served from a
// curator-approved correction. Corrections bypass generation entirely.
const CorrectionScore = 1.0

// Factor weights. Evidence, overlap, and diversity are additive; coherence
// is a small bonus and uncertainty a larger penalty, so an answer built on
// thin evidence cannot score high no matter how fluent it reads.
const (
	weightEvidence  = 0.30
	weightOverlap   = 0.25
	weightDiversity = 0.15

	maxCoherenceBonus     = 0.10
	maxUncertaintyPenalty = 0.30
	uncertaintyPenaltyPer = 0.10

	defaultChunkTarget = 5
)

// complexityMultiplier discounts confidence on harder questions: the same
// evidence supports a simple lookup better than an expert synthesis.
var complexityMultiplier = map[model.Complexity]float64{
	model.ComplexitySimple:   1.0,
	model.ComplexityModerate: 0.95,
	model.ComplexityComplex:  0.90,
	model.ComplexityExpert:   0.85,
}

// uncertaintySentinels are hedging phrases models emit when the context did
// not actually contain the answer. Each distinct hit costs
// uncertaintyPenaltyPer, capped at maxUncertaintyPenalty.
var uncertaintySentinels = []*regexp.Regexp{
	regexp.MustCompile(`(?i)i (don't|do not|did not) know`),
	regexp.MustCompile(`(?i)\bcannot (find|answer|determine|locate|verify)`),
	regexp.MustCompile(`(?i)\bno (information|relevant|mention|documentation)\b`),
	regexp.MustCompile(`(?i)\bnot (sure|certain|specified|mentioned)\b`),
	regexp.MustCompile(`(?i)\bunable to (find|locate|determine)\b`),
	regexp.MustCompile(`(?i)\binsufficient (context|information|detail)`),
	regexp.MustCompile(`(?i)\bunclear from the\b`),
	regexp.MustCompile(`(?i)\bdoes not (appear|seem) to\b`),
}

// structuredRe spots answers with visible structure: bullet or numbered
// lists, headings, or fenced code.
var structuredRe = regexp.MustCompile("(?m)^(\\s*[-*] |\\s*\\d+[.)] |#{1,3} )|```")

// stopwords are excluded from query-term overlap. Matching "the" against the
// context says nothing about whether the evidence covers the question.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "to": true, "of": true, "and": true,
	"or": true, "in": true, "on": true, "at": true, "for": true, "with": true,
	"how": true, "what": true, "why": true, "when": true, "where": true,
	"who": true, "which": true, "do": true, "does": true, "did": true,
	"i": true, "you": true, "it": true, "my": true, "your": true, "can": true,
	"could": true, "should": true, "would": true, "will": true, "this": true,
	"that": true, "there": true, "about": true, "from": true, "into": true,
}

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// Score computes the confidence of a generated answer.
//
// Scoring factors:
//   - Evidence density: min(chunks / target, 1), weight 0.30.
//   - Query-term overlap: fraction of non-stopword query tokens found in the
//     retrieved context, weight 0.25.
//   - Source diversity: distinct documents among the chunks, weight 0.15.
//   - Coherence: bonus up to 0.10 for longer, structured answers.
//   - Uncertainty: penalty up to 0.30 for hedging phrases.
//
// The sum is multiplied by the complexity discount and clamped to [0,1].
func Score(query string, chunks []model.RetrievedChunk, answer string, cls model.Classification) float64 {
	score := evidenceDensity(len(chunks), cls.ChunkTarget) * weightEvidence
	score += termOverlap(query, chunks) * weightOverlap
	score += sourceDiversity(chunks) * weightDiversity
	score += coherenceBonus(answer)
	score -= uncertaintyPenalty(answer)

	if m, ok := complexityMultiplier[cls.Complexity]; ok {
		score *= m
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func evidenceDensity(chunkCount, target int) float64 {
	if target <= 0 {
		target = defaultChunkTarget
	}
	d := float64(chunkCount) / float64(target)
	if d > 1 {
		return 1
	}
	return d
}

// termOverlap is the fraction of distinct non-stopword query tokens that
// appear anywhere in the retrieved chunk contents.
func termOverlap(query string, chunks []model.RetrievedChunk) float64 {
	terms := queryTerms(query)
	if len(terms) == 0 || len(chunks) == 0 {
		return 0
	}

	var ctx strings.Builder
	for _, c := range chunks {
		ctx.WriteString(strings.ToLower(c.Content))
		ctx.WriteByte(' ')
	}
	context := ctx.String()

	matched := 0
	for term := range terms {
		if strings.Contains(context, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func queryTerms(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(query), -1) {
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		terms[tok] = true
	}
	return terms
}

// sourceDiversity is the fraction of distinct source documents among the
// chunks. One document repeated five times is weaker evidence than five
// documents agreeing.
func sourceDiversity(chunks []model.RetrievedChunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	docs := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		docs[c.DocumentID] = true
	}
	return float64(len(docs)) / float64(len(chunks))
}

func coherenceBonus(answer string) float64 {
	n := len(strings.TrimSpace(answer))
	var bonus float64
	switch {
	case n > 800:
		bonus = 0.06
	case n > 300:
		bonus = 0.04
	case n > 100:
		bonus = 0.02
	}
	if structuredRe.MatchString(answer) {
		bonus += 0.04
	}
	if bonus > maxCoherenceBonus {
		return maxCoherenceBonus
	}
	return bonus
}

func uncertaintyPenalty(answer string) float64 {
	var penalty float64
	for _, re := range uncertaintySentinels {
		if re.MatchString(answer) {
			penalty += uncertaintyPenaltyPer
			if penalty >= maxUncertaintyPenalty {
				return maxUncertaintyPenalty
			}
		}
	}
	return penalty
}
