package embedding

import (
	"context"
	"math/rand"

	"kbrag/internal/domain"
)

// Source tells whether a vector is a real embedding or a placeholder.
type Source int

const (
	// SourceEmbedded vectors come from the embedding model.
	SourceEmbedded Source = iota
	// SourceFallback vectors are random and carry no meaning.
	SourceFallback
)

func (s Source) String() string {
	if s == SourceFallback {
		return "fallback"
	}
	return "embedded"
}

// Result is a vector tagged with where it came from.
// Err holds the embedding failure when Source is SourceFallback.
type Result struct {
	Vector []float64
	Source Source
	Err    error
}

// Fallback returns dims components drawn uniformly from [-1, 1).
func Fallback(dims int, rng *rand.Rand) []float64 {
	if dims < 0 {
		dims = 0
	}
	v := make([]float64, dims)
	for i := range v {
		if rng != nil {
			v[i] = rng.Float64()*2 - 1
		} else {
			v[i] = rand.Float64()*2 - 1
		}
	}
	return v
}

// EmbedOrFallback embeds text and, if that fails for any reason, returns
// a Fallback vector of dims components instead of an error.
func EmbedOrFallback(ctx context.Context, e domain.Embedder, text, modelID string, dims int, rng *rand.Rand) Result {
	v, err := e.Embed(ctx, text, modelID)
	if err != nil {
		return Result{Vector: Fallback(dims, rng), Source: SourceFallback, Err: err}
	}
	return Result{Vector: v, Source: SourceEmbedded}
}
