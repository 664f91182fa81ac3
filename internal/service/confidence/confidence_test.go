package confidence

import (
	"math"
	"strings"
	"testing"

	"github.com/ashita-ai/kotae/internal/model"
)

func chunk(docID, content string) model.RetrievedChunk {
	return model.RetrievedChunk{Chunk: model.Chunk{DocumentID: docID, Content: content}}
}

func TestScore(t *testing.T) {
	goodAnswer := "To rotate the gateway keys:\n" +
		"1. Generate a new secret with the genkey tool.\n" +
		"2. Update JWT_SECRET in the environment.\n" +
		"3. Restart the gateway; active sessions stay valid until expiry.\n" +
		strings.Repeat("Each step is logged to the audit trail. ", 10)

	tests := []struct {
		name     string
		query    string
		chunks   []model.RetrievedChunk
		answer   string
		cls      model.Classification
		minScore float64
		maxScore float64
	}{
		{
			name:     "no evidence no answer",
			query:    "how do I rotate the gateway keys?",
			answer:   "",
			cls:      model.Classification{Complexity: model.ComplexitySimple, ChunkTarget: 3},
			minScore: 0.0,
			maxScore: 0.05,
		},
		{
			name:  "full evidence diverse sources structured answer",
			query: "how do I rotate the gateway keys?",
			chunks: []model.RetrievedChunk{
				chunk("doc-1", "rotate the gateway keys with the genkey tool"),
				chunk("doc-2", "JWT_SECRET must be updated before restart"),
				chunk("doc-3", "the gateway rereads secrets on restart"),
			},
			answer:   goodAnswer,
			cls:      model.Classification{Complexity: model.ComplexitySimple, ChunkTarget: 3},
			minScore: 0.70,
			maxScore: 0.80,
		},
		{
			name:  "hedging answer is penalized",
			query: "how do I rotate the gateway keys?",
			chunks: []model.RetrievedChunk{
				chunk("doc-1", "rotate the gateway keys with the genkey tool"),
				chunk("doc-2", "JWT_SECRET must be updated before restart"),
				chunk("doc-3", "the gateway rereads secrets on restart"),
			},
			answer:   "I don't know. The documentation is unclear from the context and I cannot find the rotation steps.",
			cls:      model.Classification{Complexity: model.ComplexitySimple, ChunkTarget: 3},
			minScore: 0.35,
			maxScore: 0.55,
		},
		{
			name:  "single repeated source scores below diverse sources",
			query: "how do I rotate the gateway keys?",
			chunks: []model.RetrievedChunk{
				chunk("doc-1", "rotate the gateway keys with the genkey tool"),
				chunk("doc-1", "JWT_SECRET must be updated before restart"),
				chunk("doc-1", "the gateway rereads secrets on restart"),
			},
			answer:   goodAnswer,
			cls:      model.Classification{Complexity: model.ComplexitySimple, ChunkTarget: 3},
			minScore: 0.60,
			maxScore: 0.72,
		},
		{
			name:  "expert complexity discounts",
			query: "how do I rotate the gateway keys?",
			chunks: []model.RetrievedChunk{
				chunk("doc-1", "rotate the gateway keys with the genkey tool"),
				chunk("doc-2", "JWT_SECRET must be updated before restart"),
				chunk("doc-3", "the gateway rereads secrets on restart"),
			},
			answer:   goodAnswer,
			cls:      model.Classification{Complexity: model.ComplexityExpert, ChunkTarget: 3},
			minScore: 0.55,
			maxScore: 0.70,
		},
		{
			name:     "stopword-only query contributes no overlap",
			query:    "what is it about?",
			chunks:   []model.RetrievedChunk{chunk("doc-1", "some content")},
			answer:   "short",
			cls:      model.Classification{Complexity: model.ComplexitySimple, ChunkTarget: 3},
			minScore: 0.20,
			maxScore: 0.40,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.query, tt.chunks, tt.answer, tt.cls)
			if got < tt.minScore || got > tt.maxScore {
				t.Errorf("Score() = %.3f, want within [%.2f, %.2f]", got, tt.minScore, tt.maxScore)
			}
		})
	}
}

func TestScoreClampsToZero(t *testing.T) {
	// No evidence plus heavy hedging would go negative without the clamp.
	got := Score("rotate keys", nil,
		"I don't know. I cannot find it. There is no information and I am unable to determine the answer.",
		model.Classification{Complexity: model.ComplexitySimple, ChunkTarget: 3})
	if got != 0 {
		t.Errorf("Score() = %.3f, want 0", got)
	}
}

func TestEvidenceDensity(t *testing.T) {
	tests := []struct {
		chunks, target int
		want           float64
	}{
		{0, 5, 0},
		{3, 5, 0.6},
		{5, 5, 1},
		{12, 5, 1},   // capped
		{3, 0, 0.6},  // zero target falls back to the default of 5
		{2, -1, 0.4}, // negative target likewise
	}
	for _, tt := range tests {
		if got := evidenceDensity(tt.chunks, tt.target); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("evidenceDensity(%d, %d) = %v, want %v", tt.chunks, tt.target, got, tt.want)
		}
	}
}

func TestTermOverlap(t *testing.T) {
	chunks := []model.RetrievedChunk{
		chunk("doc-1", "The collector listens on port 4317 for OTLP traffic."),
	}

	// "collector", "port", "4317" present; "firewall" and "status" absent.
	got := termOverlap("collector port 4317 firewall status", chunks)
	if math.Abs(got-0.6) > 1e-9 {
		t.Errorf("termOverlap = %v, want 0.6", got)
	}

	if got := termOverlap("what is it", chunks); got != 0 {
		t.Errorf("stopword-only overlap = %v, want 0", got)
	}
	if got := termOverlap("collector port", nil); got != 0 {
		t.Errorf("no-chunk overlap = %v, want 0", got)
	}
}

func TestSourceDiversity(t *testing.T) {
	if got := sourceDiversity(nil); got != 0 {
		t.Errorf("empty diversity = %v, want 0", got)
	}
	same := []model.RetrievedChunk{chunk("d1", "a"), chunk("d1", "b"), chunk("d1", "c")}
	if got := sourceDiversity(same); math.Abs(got-1.0/3.0) > 1e-9 {
		t.Errorf("single-doc diversity = %v, want 1/3", got)
	}
	mixed := []model.RetrievedChunk{chunk("d1", "a"), chunk("d2", "b")}
	if got := sourceDiversity(mixed); got != 1 {
		t.Errorf("all-distinct diversity = %v, want 1", got)
	}
}

func TestCoherenceBonus(t *testing.T) {
	if got := coherenceBonus("short"); got != 0 {
		t.Errorf("short answer bonus = %v, want 0", got)
	}

	long := strings.Repeat("The gateway validates every token before routing. ", 20)
	if got := coherenceBonus(long); got != 0.06 {
		t.Errorf("long answer bonus = %v, want 0.06", got)
	}

	structured := "Steps:\n1. stop the service\n2. replace the config\n3. start the service"
	if got := coherenceBonus(structured); got != 0.04 {
		t.Errorf("structured short answer bonus = %v, want 0.04", got)
	}

	// Long and structured hits the cap.
	both := long + "\n- first\n- second\n- third"
	if got := coherenceBonus(both); got != maxCoherenceBonus {
		t.Errorf("long structured bonus = %v, want %v", got, maxCoherenceBonus)
	}
}

func TestUncertaintyPenalty(t *testing.T) {
	if got := uncertaintyPenalty("The port is 4317."); got != 0 {
		t.Errorf("confident answer penalty = %v, want 0", got)
	}
	if got := uncertaintyPenalty("I don't know the answer."); got != uncertaintyPenaltyPer {
		t.Errorf("single hedge penalty = %v, want %v", got, uncertaintyPenaltyPer)
	}
	heavy := "I don't know. I cannot find it. No information exists. I am not sure. Unable to determine."
	if got := uncertaintyPenalty(heavy); got != maxUncertaintyPenalty {
		t.Errorf("heavy hedge penalty = %v, want %v", got, maxUncertaintyPenalty)
	}
}

func TestCorrectionScore(t *testing.T) {
	if CorrectionScore != 1.0 {
		t.Errorf("CorrectionScore = %v, want 1.0", CorrectionScore)
	}
}
