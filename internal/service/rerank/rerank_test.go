package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashita-ai/kotae/internal/backend"
	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/testutil"
)

func TestParseScores(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		n       int
		want    []float64
		wantErr bool
	}{
		{
			name: "colon separated",
			raw:  "1: 85\n2: 10\n3: 60",
			n:    3,
			want: []float64{0.85, 0.10, 0.60},
		},
		{
			name: "mixed separators",
			raw:  "1. 85\n2) 10\n3 - 60",
			n:    3,
			want: []float64{0.85, 0.10, 0.60},
		},
		{
			name: "thinking preamble stripped",
			raw:  "<think>passage 1 mentions the port directly, 2: 90 seems high</think>\n1: 70\n2: 30",
			n:    2,
			want: []float64{0.70, 0.30},
		},
		{
			name: "duplicate lines first wins",
			raw:  "1: 80\n1: 20\n2: 50",
			n:    2,
			want: []float64{0.80, 0.50},
		},
		{
			name: "scores above 100 clamp",
			raw:  "1: 850\n2: 100",
			n:    2,
			want: []float64{1.0, 1.0},
		},
		{
			name: "out of range index ignored",
			raw:  "1: 40\n2: 60\n7: 99",
			n:    2,
			want: []float64{0.40, 0.60},
		},
		{
			name:    "missing passage",
			raw:     "1: 40",
			n:       2,
			wantErr: true,
		},
		{
			name:    "no scores at all",
			raw:     "I am unable to score these passages.",
			n:       2,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScores(tt.raw, tt.n)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseScores(%q) expected error, got %v", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseScores(%q): %v", tt.raw, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d scores, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("score[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTruncatePassage(t *testing.T) {
	short := "fits in the budget"
	if got := truncatePassage(short); got != short {
		t.Errorf("short passage modified: %q", got)
	}

	long := strings.Repeat("a", maxPassageBytes+100)
	if got := truncatePassage(long); len(got) != maxPassageBytes {
		t.Errorf("long passage len = %d, want %d", len(got), maxPassageBytes)
	}

	// Multibyte rune straddling the cut must not be split.
	multibyte := strings.Repeat("a", maxPassageBytes-1) + "日本語"
	got := truncatePassage(multibyte)
	if len(got) > maxPassageBytes {
		t.Errorf("truncated len = %d, want <= %d", len(got), maxPassageBytes)
	}
	for _, r := range got {
		if r == '\uFFFD' {
			t.Error("truncation split a multibyte rune")
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := buildPrompt("how do I rotate keys?", []string{"first passage", "second passage"})
	for _, want := range []string{
		"Question: how do I rotate keys?",
		"Passage 1:\nfirst passage",
		"Passage 2:\nsecond passage",
		"0 (irrelevant) to 100",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

// fakeReasoner serves /api/tags for probes and /api/generate with a canned
// scoring response.
func fakeReasoner(t *testing.T, response string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.WriteHeader(http.StatusOK)
		case "/api/generate":
			var req ollamaGenerateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode generate request: %v", err)
			}
			if req.Stream {
				t.Error("scoring request must not stream")
			}
			if req.Model != "test-reasoner" {
				t.Errorf("model = %q, want test-reasoner", req.Model)
			}
			_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: response, Done: true})
		default:
			http.NotFound(w, r)
		}
	}))
}

func poolFor(t *testing.T, url string) *backend.Pool {
	t.Helper()
	cfg := config.Config{
		Instances:             []config.Instance{{Name: "ollama-rerank", URL: url, Tag: "reasoning_math"}},
		ProbeInterval:         30 * time.Second,
		ProbeTimeout:          time.Second,
		AcquireWait:           100 * time.Millisecond,
		MaxConcurrentRequests: 4,
	}
	p := backend.NewPool(cfg, testutil.TestLogger())
	p.ProbeOnce(context.Background())
	return p
}

func TestOllamaScore(t *testing.T) {
	srv := fakeReasoner(t, "1: 90\n2: 40")
	defer srv.Close()

	scorer := NewOllama(poolFor(t, srv.URL), "test-reasoner", 5*time.Second)
	scores, err := scorer.Score(context.Background(), "which port does the gateway use?", []string{"the gateway listens on 8008", "unrelated text"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(scores) != 2 || scores[0] != 0.9 || scores[1] != 0.4 {
		t.Fatalf("scores = %v, want [0.9 0.4]", scores)
	}
}

func TestOllamaScoreEmptyPassages(t *testing.T) {
	scorer := NewOllama(nil, "test-reasoner", time.Second)
	scores, err := scorer.Score(context.Background(), "anything", nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if scores != nil {
		t.Fatalf("scores = %v, want nil", scores)
	}
}

func TestOllamaScoreErrors(t *testing.T) {
	t.Run("server error demotes instance", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/tags" {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		scorer := NewOllama(poolFor(t, srv.URL), "test-reasoner", 5*time.Second)
		_, err := scorer.Score(context.Background(), "q", []string{"p"})
		if err == nil {
			t.Fatal("expected error from failing backend")
		}

		// The failure demoted the only instance.
		_, err = scorer.Score(context.Background(), "q", []string{"p"})
		if !errors.Is(err, backend.ErrUnavailable) {
			t.Fatalf("err = %v, want ErrUnavailable", err)
		}
	})

	t.Run("incomplete response", func(t *testing.T) {
		srv := fakeReasoner(t, "1: 90")
		defer srv.Close()

		scorer := NewOllama(poolFor(t, srv.URL), "test-reasoner", 5*time.Second)
		_, err := scorer.Score(context.Background(), "q", []string{"p1", "p2"})
		if err == nil || !strings.Contains(err.Error(), "incomplete scores") {
			t.Fatalf("err = %v, want incomplete scores", err)
		}
	})
}
