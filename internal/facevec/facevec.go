// Package facevec holds the vector math for 512-dimensional face embeddings:
// normalization, cosine similarity, and centroid computation with
// quality-weighted outlier rejection.
package facevec

import (
	"fmt"
	"math"
)

// Dim is the embedding dimensionality used across the whole system.
const Dim = 512

// centroidMinEmbeddings is the floor under which no centroid is computed and
// under which outlier rejection is skipped.
const centroidMinEmbeddings = 3

// outlierSimilarityFloor drops embeddings whose similarity to the initial
// weighted mean falls below this value.
const outlierSimilarityFloor = 0.50

// Validate checks dimensionality and unit norm.
func Validate(v []float32) error {
	if len(v) != Dim {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(v), Dim)
	}
	n := Norm(v)
	if math.Abs(n-1.0) > 1e-6 {
		return fmt.Errorf("embedding norm %.8f is not unit length", n)
	}
	return nil
}

// Norm returns the L2 norm.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. A zero vector is returned as-is.
func Normalize(v []float32) []float32 {
	n := Norm(v)
	out := make([]float32, len(v))
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// Cosine returns the cosine similarity of two vectors. Zero-length or
// mismatched vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Weighted is one source embedding plus its detection score.
type Weighted struct {
	Vector []float32
	Score  float64
}

// CentroidMeta records how a centroid was computed.
type CentroidMeta struct {
	EmbeddingsUsed   int     `json:"embeddings_used"`
	EmbeddingsTotal  int     `json:"embeddings_total"`
	OutliersRejected int     `json:"outliers_rejected"`
	AvgScore         float64 `json:"avg_detection_score"`
}

// Centroid computes the quality-weighted, outlier-rejected centroid of a
// contributor's single embeddings. It returns nil when fewer than three
// embeddings are supplied.
//
// The algorithm: weighted mean, normalize, drop members whose cosine
// similarity to that mean is below 0.50 unless that would leave fewer than
// three, then recompute the weighted mean over the kept members.
func Centroid(members []Weighted) ([]float32, *CentroidMeta, bool) {
	if len(members) < centroidMinEmbeddings {
		return nil, nil, false
	}

	initial := weightedMean(members)

	kept := make([]Weighted, 0, len(members))
	for _, m := range members {
		if Cosine(m.Vector, initial) >= outlierSimilarityFloor {
			kept = append(kept, m)
		}
	}
	if len(kept) < centroidMinEmbeddings {
		kept = members
	}

	final := weightedMean(kept)

	var scoreSum float64
	for _, m := range kept {
		scoreSum += m.Score
	}
	meta := &CentroidMeta{
		EmbeddingsUsed:   len(kept),
		EmbeddingsTotal:  len(members),
		OutliersRejected: len(members) - len(kept),
		AvgScore:         scoreSum / float64(len(kept)),
	}
	return final, meta, true
}

func weightedMean(members []Weighted) []float32 {
	acc := make([]float64, Dim)
	var totalWeight float64
	for _, m := range members {
		w := m.Score
		if w <= 0 {
			w = 1e-6
		}
		for i, x := range m.Vector {
			if i >= Dim {
				break
			}
			acc[i] += float64(x) * w
		}
		totalWeight += w
	}
	mean := make([]float32, Dim)
	if totalWeight > 0 {
		for i := range acc {
			mean[i] = float32(acc[i] / totalWeight)
		}
	}
	return Normalize(mean)
}
