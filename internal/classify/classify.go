// Package classify maps free-form query text to a category and the retrieval
// parameters that go with it.
//
// Classification is a scored pattern match over lowercased text: keyword
// lists per category plus a few regex signals (version numbers, code symbols,
// arithmetic, acronyms). No I/O and no model calls; the same input always
// yields the same Classification.
package classify

import (
	"regexp"
	"strings"

	"github.com/ashita-ai/kotae/internal/model"
)

// keywordWeight and patternWeight set how much a single hit contributes to a
// category's score. Regex signals are stronger than plain keywords.
const (
	keywordWeight = 1.0
	patternWeight = 2.0

	maxSignals = 8
)

// thresholds is the per-category base confidence threshold handed to the
// retriever: below it, answers consult the web. Technical content in the
// corpus is deep, so its bar is low; chit-chat should almost never trigger
// expensive augmentation.
var thresholds = map[model.QueryCategory]float64{
	model.CategoryTechnical:     0.40,
	model.CategoryCode:          0.40,
	model.CategoryMath:          0.45,
	model.CategoryCreative:      0.55,
	model.CategoryFactual:       0.50,
	model.CategoryChat:          0.65,
	model.CategoryCurrentEvents: 0.50,
	model.CategoryComparison:    0.50,
}

// chunkTargets maps complexity to how many chunks retrieval should aim for.
var chunkTargets = map[model.Complexity]int{
	model.ComplexitySimple:   3,
	model.ComplexityModerate: 5,
	model.ComplexityComplex:  8,
	model.ComplexityExpert:   10,
}

var keywords = map[model.QueryCategory][]string{
	model.CategoryTechnical: {
		"error", "install", "configure", "configuration", "setup", "server",
		"deploy", "deployment", "upgrade", "troubleshoot", "failed", "failure",
		"crash", "logs", "timeout", "certificate", "network", "protocol",
		"firmware", "driver", "endpoint", "authentication", "database",
		"restart", "license", "port", "proxy", "cluster",
	},
	model.CategoryCode: {
		"function", "code", "snippet", "script", "compile", "syntax", "bug",
		"debug", "implement", "class", "method", "regex", "python", "golang",
		"javascript", "typescript", "java", "sql", "exception", "stack trace",
		"null pointer", "segfault", "library", "import",
	},
	model.CategoryMath: {
		"calculate", "sum", "integral", "derivative", "equation", "solve",
		"probability", "percentage", "average", "median", "formula", "theorem",
		"matrix", "convert", "how many", "how much",
	},
	model.CategoryCreative: {
		"write a", "story", "poem", "imagine", "creative", "brainstorm",
		"slogan", "joke", "lyrics", "fictional", "haiku", "rewrite",
	},
	model.CategoryFactual: {
		"what is", "what are", "who is", "when did", "when was", "where is",
		"define", "definition", "meaning of", "explain", "history of",
		"capital of", "stands for",
	},
	model.CategoryChat: {
		"hello", "hi there", "hey", "thanks", "thank you", "how are you",
		"good morning", "good evening", "goodbye", "bye", "nice to meet",
		"who are you", "can you help",
	},
	model.CategoryCurrentEvents: {
		"latest", "news", "today", "current", "recent", "recently",
		"this year", "this month", "announcement", "announced",
		"release date", "just released", "update on", "right now",
	},
	model.CategoryComparison: {
		" vs ", " vs.", "versus", "compare", "comparison",
		"difference between", "better than", "pros and cons",
		"which is better", "tradeoff", "trade-off", "or should i",
	},
}

var (
	// v1.2 / 3.10.4 style version strings point at technical documentation.
	reVersion = regexp.MustCompile(`\bv?\d+\.\d+(\.\d+)?\b`)
	// Acronyms are matched on the original (pre-lowercase) text.
	reAcronym = regexp.MustCompile(`\b[A-Z]{2,6}\b`)
	// Symbols that rarely show up outside code.
	reCodeSym = regexp.MustCompile("[{}();]|->|::|==|!=|`")
	// SQL statements are code even when they carry none of the brace or
	// semicolon symbols above: a verb followed by a clause keyword is enough.
	reSQL = regexp.MustCompile(`\b(select|insert|update|delete|create|alter|drop|truncate)\b.*\b(from|into|set|table|where|join|values)\b`)
	// Digits combined with arithmetic operators.
	reArith = regexp.MustCompile(`\d\s*[-+*/^%=]\s*\d`)
	// A bare 2020s year reads as a recency cue.
	reYear = regexp.MustCompile(`\b202\d\b`)
)

// sqlKeywords are uppercase SQL words that would otherwise read as acronyms
// and pull an all-caps query toward technical instead of code.
var sqlKeywords = map[string]bool{
	"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true,
	"CREATE": true, "ALTER": true, "DROP": true, "TRUNCATE": true,
	"FROM": true, "INTO": true, "SET": true, "TABLE": true, "WHERE": true,
	"JOIN": true, "VALUES": true, "AND": true, "OR": true, "NOT": true,
	"NULL": true, "ORDER": true, "GROUP": true, "BY": true, "LIMIT": true,
	"NOW": true, "INTERVAL": true, "LIKE": true, "IN": true, "AS": true,
}

// Classify maps query text to a category, strategy, and retrieval parameters.
func Classify(text string) model.Classification {
	lower := strings.ToLower(strings.TrimSpace(text))
	tokens := strings.Fields(lower)

	scores := make(map[model.QueryCategory]float64, len(keywords))
	var signals []string
	addSignal := func(s string) {
		if len(signals) < maxSignals {
			signals = append(signals, s)
		}
	}

	// Fixed iteration order keeps MatchedSignals deterministic.
	for _, cat := range model.Categories() {
		for _, w := range keywords[cat] {
			if strings.Contains(lower, w) {
				scores[cat] += keywordWeight
				addSignal(string(cat) + ":" + strings.TrimSpace(w))
			}
		}
	}

	if reVersion.MatchString(lower) {
		scores[model.CategoryTechnical] += patternWeight
		addSignal("technical:version")
	}
	for _, m := range reAcronym.FindAllString(text, -1) {
		if sqlKeywords[m] {
			continue
		}
		scores[model.CategoryTechnical] += keywordWeight
		addSignal("technical:acronym")
		break
	}
	if reCodeSym.MatchString(text) {
		scores[model.CategoryCode] += patternWeight
		addSignal("code:symbols")
	}
	if reSQL.MatchString(lower) {
		scores[model.CategoryCode] += patternWeight
		addSignal("code:sql")
	}
	if reArith.MatchString(lower) {
		scores[model.CategoryMath] += patternWeight
		addSignal("math:arithmetic")
	}
	if reYear.MatchString(lower) {
		scores[model.CategoryCurrentEvents] += keywordWeight
		addSignal("current_events:year")
	}
	if strings.Contains(lower, "?") {
		scores[model.CategoryFactual] += 0.5
	}

	category, confidence := dominant(scores)
	complexity := complexityOf(lower, tokens)

	return model.Classification{
		Category:            category,
		Confidence:          confidence,
		Strategy:            strategyFor(category),
		ConfidenceThreshold: thresholds[category],
		Complexity:          complexity,
		ChunkTarget:         chunkTargets[complexity],
		PreferWeb:           category == model.CategoryCurrentEvents,
		MatchedSignals:      signals,
	}
}

// dominant picks the highest-scoring category; ties break in declaration
// order. Confidence is the winner's share of the total score, clamped to
// [0,1]. A query with no signals at all defaults to factual with zero
// confidence.
func dominant(scores map[model.QueryCategory]float64) (model.QueryCategory, float64) {
	var total float64
	for _, s := range scores {
		total += s
	}
	if total == 0 {
		return model.CategoryFactual, 0
	}

	best := model.QueryCategory("")
	bestScore := 0.0
	for _, cat := range model.Categories() {
		if s := scores[cat]; s > bestScore {
			best, bestScore = cat, s
		}
	}

	confidence := bestScore / total
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return best, confidence
}

// strategyFor maps a category to where retrieval should look first.
func strategyFor(cat model.QueryCategory) model.Strategy {
	switch cat {
	case model.CategoryTechnical, model.CategoryCode, model.CategoryMath:
		return model.StrategyRAGFirst
	case model.CategoryCurrentEvents:
		return model.StrategyWebFirst
	default:
		return model.StrategyBalanced
	}
}

// connectors chain clauses; enough of them bumps complexity one level.
var connectors = []string{" and ", " then ", " also ", " as well as ", " after that ", " step by step"}

// complexityOf estimates query effort from length and clause structure.
func complexityOf(lower string, tokens []string) model.Complexity {
	levels := []model.Complexity{
		model.ComplexitySimple,
		model.ComplexityModerate,
		model.ComplexityComplex,
		model.ComplexityExpert,
	}

	idx := 0
	switch n := len(tokens); {
	case n <= 6:
		idx = 0
	case n <= 16:
		idx = 1
	case n <= 32:
		idx = 2
	default:
		idx = 3
	}

	chained := 0
	for _, c := range connectors {
		chained += strings.Count(lower, c)
	}
	if chained >= 2 || strings.Count(lower, "?") >= 2 {
		idx++
	}
	if idx >= len(levels) {
		idx = len(levels) - 1
	}
	return levels[idx]
}
