// Package similarity ranks candidate vectors against a query by cosine
// similarity using a brute-force scan.
package similarity

import (
	"math"
	"sort"
)

// Candidate is a vector with an id and an arbitrary payload.
type Candidate[T any] struct {
	ID      string
	Vector  []float64
	Payload T
}

// Match is a candidate that passed the threshold.
type Match[T any] struct {
	ID         string
	Similarity float64
	Payload    T
}

// Cosine returns dot(a,b)/(|a||b|). Vectors of different length are both
// truncated to the shorter length first. Zero magnitude yields 0.
func Cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Search scores every candidate against query, drops those below threshold,
// and returns the rest by descending similarity. Equal scores keep candidate
// order. limit <= 0 means no limit.
func Search[T any](query []float64, candidates []Candidate[T], threshold float64, limit int) []Match[T] {
	matches := make([]Match[T], 0, len(candidates))
	for _, c := range candidates {
		s := Cosine(query, c.Vector)
		if s < threshold || math.IsNaN(s) {
			continue
		}
		matches = append(matches, Match[T]{ID: c.ID, Similarity: s, Payload: c.Payload})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Mismatched counts candidates whose length differs from the query's.
func Mismatched[T any](query []float64, candidates []Candidate[T]) int {
	n := 0
	for _, c := range candidates {
		if len(c.Vector) != len(query) {
			n++
		}
	}
	return n
}
