package testutil

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/pgvector/pgvector-go"
)

// UnitEmbedder produces deterministic non-zero unit vectors from text. Zero
// vectors (the noop provider) make pgvector's cosine distance NaN, which
// poisons ordering once chunks are seeded, so integration tests embed with
// this instead.
type UnitEmbedder struct {
	dims int
}

// NewUnitEmbedder creates a UnitEmbedder with the given dimensionality.
func NewUnitEmbedder(dims int) *UnitEmbedder {
	return &UnitEmbedder{dims: dims}
}

func (e *UnitEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum32()

	v := make([]float32, e.dims)
	var norm float64
	for i := range v {
		seed = seed*1664525 + 1013904223
		v[i] = float32(seed%2001)/1000 - 1
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0], norm = 1, 1
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return pgvector.NewVector(v), nil
}

func (e *UnitEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i := range texts {
		vec, err := e.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *UnitEmbedder) Dimensions() int { return e.dims }
