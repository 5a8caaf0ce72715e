package similarity

import (
	"math"
	"math/rand"
	"testing"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name     string
		a        []float64
		b        []float64
		expected float64
	}{
		{name: "identical vectors", a: []float64{1, 2, 3}, b: []float64{1, 2, 3}, expected: 1},
		{name: "orthogonal vectors", a: []float64{1, 0, 0}, b: []float64{0, 1, 0}, expected: 0},
		{name: "opposite vectors", a: []float64{1, 2, 3}, b: []float64{-1, -2, -3}, expected: -1},
		{name: "zero vector", a: []float64{0, 0, 0}, b: []float64{1, 2, 3}, expected: 0},
		{name: "empty vector", a: nil, b: []float64{1}, expected: 0},
		{
			name:     "different length vectors",
			a:        []float64{1, 2, 3},
			b:        []float64{1, 2},
			expected: 1,
		},
		{
			name:     "truncation changes the comparison",
			a:        []float64{1, 0, 5},
			b:        []float64{0, 1},
			expected: 0,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Cosine(test.a, test.b)
			if math.IsNaN(got) {
				t.Fatalf("Cosine() = NaN")
			}
			if math.Abs(got-test.expected) > 1e-9 {
				t.Errorf("Cosine() = %v, want %v", got, test.expected)
			}
		})
	}
}

func TestCosineProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		d := 1 + rng.Intn(32)
		a := make([]float64, d)
		b := make([]float64, d)
		neg := make([]float64, d)
		for j := range a {
			a[j] = rng.Float64()*2 - 1
			b[j] = rng.Float64()*2 - 1
			neg[j] = -a[j]
		}
		if math.Abs(Cosine(a, a)-1) > 1e-9 {
			t.Fatalf("Cosine(v, v) = %v", Cosine(a, a))
		}
		if math.Abs(Cosine(a, neg)+1) > 1e-9 {
			t.Fatalf("Cosine(v, -v) = %v", Cosine(a, neg))
		}
		if Cosine(a, b) != Cosine(b, a) {
			t.Fatalf("Cosine not symmetric: %v vs %v", Cosine(a, b), Cosine(b, a))
		}
		if Cosine(a, make([]float64, d)) != 0 {
			t.Fatal("Cosine(v, 0) != 0")
		}
	}
}

func TestSearchThresholdAndLimit(t *testing.T) {
	query := []float64{1, 0}
	// Similarities 1.0, 0.9, ..., 0.1 expressed as unit vectors at known angles.
	var cands []Candidate[int]
	for i := 0; i < 10; i++ {
		s := 1 - float64(i)/10
		cands = append(cands, Candidate[int]{
			ID:      string(rune('a' + i)),
			Vector:  []float64{s, math.Sqrt(1 - s*s)},
			Payload: i,
		})
	}
	// Shuffle so ordering comes from the sort, not the input.
	rand.New(rand.NewSource(3)).Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })

	got := Search(query, cands, 0.5, 3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, m := range got {
		if m.Similarity < 0.5 {
			t.Errorf("result %d similarity %v < threshold", i, m.Similarity)
		}
		if i > 0 && got[i-1].Similarity < m.Similarity {
			t.Errorf("results not sorted descending at %d", i)
		}
	}
	if got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Errorf("top ids = %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}

	all := Search(query, cands, 0.5, 0)
	if len(all) != 6 {
		t.Errorf("unlimited search returned %d, want 6", len(all))
	}
}

func TestSearchStableTies(t *testing.T) {
	cands := []Candidate[string]{
		{ID: "low", Vector: []float64{1, 0}},
		{ID: "first", Vector: []float64{1, 1}},
		{ID: "second", Vector: []float64{1, 1}},
		{ID: "third", Vector: []float64{1, 1}},
	}
	got := Search([]float64{1, 1}, cands, 0, 10)
	if len(got) != 4 || got[0].ID != "first" || got[1].ID != "second" || got[2].ID != "third" || got[3].ID != "low" {
		t.Errorf("ties not stable: %+v", got)
	}
}

func TestSearchEmpty(t *testing.T) {
	got := Search[int]([]float64{1}, nil, 0.1, 5)
	if got == nil || len(got) != 0 {
		t.Errorf("Search(nil) = %#v, want empty non-nil", got)
	}
}

func TestMismatched(t *testing.T) {
	cands := []Candidate[int]{{Vector: []float64{1, 2}}, {Vector: []float64{1, 2, 3}}, {Vector: nil}}
	if n := Mismatched([]float64{1, 2, 3}, cands); n != 2 {
		t.Errorf("Mismatched() = %d, want 2", n)
	}
}
