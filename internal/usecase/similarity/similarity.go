// Package similarity implements cosine similarity and embedding-based
// candidate ranking. It is pure math: no provider calls, no shared state.
package similarity

import (
	"math"
	"sort"
)

// Candidate is a caller-supplied record with an optional precomputed
// embedding, eligible for similarity ranking.
type Candidate = map[string]any

// Well-known candidate fields.
const (
	EmbeddingField = "embedding"
	ScoreField     = "score"
)

// Cosine computes the cosine similarity dot(a,b)/(‖a‖·‖b‖) of two vectors.
// A zero vector has no direction, so similarity against one is 0.0, never
// NaN or Inf. The result is not clamped; for well-formed equal-length inputs
// it stays within [-1, 1] by Cauchy–Schwarz. Mismatched dimensionality is
// undefined behavior: the dot product runs over the shorter length while
// norms use the full vectors.
func Cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}

	var normA, normB float64
	for _, v := range a {
		normA += v * v
	}
	for _, v := range b {
		normB += v * v
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Rank scores candidates by cosine similarity to query and returns them
// sorted by score descending. Candidates without a usable embedding are
// silently dropped. Input candidates are never mutated: each included
// candidate is shallow-copied with a "score" field added, so the same payload
// can be ranked repeatedly. Ties keep the relative order of the filtered
// input (stable sort). No truncation happens here; callers apply their own
// top-N policy.
func Rank(query []float64, candidates []Candidate) []Candidate {
	ranked := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		emb, ok := embeddingOf(c[EmbeddingField])
		if !ok {
			continue
		}

		scored := make(Candidate, len(c)+1)
		for k, v := range c {
			scored[k] = v
		}
		scored[ScoreField] = Cosine(query, emb)
		ranked = append(ranked, scored)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i][ScoreField].(float64) > ranked[j][ScoreField].(float64)
	})

	return ranked
}

// HasEmbedding reports whether the candidate carries a usable embedding.
func HasEmbedding(c Candidate) bool {
	_, ok := embeddingOf(c[EmbeddingField])
	return ok
}

// embeddingOf coerces the raw embedding field into a vector. JSON-decoded
// payloads arrive as []any; native callers pass []float64 or []float32.
// Absent, nil, empty, or non-numeric values are unusable.
func embeddingOf(v any) ([]float64, bool) {
	switch e := v.(type) {
	case []float64:
		if len(e) == 0 {
			return nil, false
		}
		return e, true
	case []float32:
		if len(e) == 0 {
			return nil, false
		}
		out := make([]float64, len(e))
		for i, f := range e {
			out[i] = float64(f)
		}
		return out, true
	case []any:
		if len(e) == 0 {
			return nil, false
		}
		out := make([]float64, len(e))
		for i, item := range e {
			f, ok := item.(float64)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}
