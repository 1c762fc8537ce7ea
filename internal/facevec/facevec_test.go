package facevec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomUnit(t *testing.T, rng *rand.Rand) []float32 {
	t.Helper()
	v := make([]float32, Dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return Normalize(v)
}

// basisVector points entirely along one axis, handy for exact similarities.
func basisVector(axis int) []float32 {
	v := make([]float32, Dim)
	v[axis] = 1
	return v
}

func TestNormalizeProducesUnitVectors(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		v := randomUnit(t, rng)
		require.NoError(t, Validate(v))
		assert.InDelta(t, 1.0, Norm(v), 1e-6)
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	v := make([]float32, Dim)
	out := Normalize(v)
	assert.Equal(t, v, out)
}

func TestValidateRejectsWrongDimension(t *testing.T) {
	assert.Error(t, Validate(make([]float32, 128)))
	assert.Error(t, Validate(nil))
}

func TestValidateRejectsUnnormalized(t *testing.T) {
	v := make([]float32, Dim)
	v[0] = 2
	assert.Error(t, Validate(v))
}

func TestCosineSelfSimilarity(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 10; i++ {
		v := randomUnit(t, rng)
		assert.InDelta(t, 1.0, Cosine(v, v), 1e-6)
	}
}

func TestCosineOrthogonalAndOpposite(t *testing.T) {
	a := basisVector(0)
	b := basisVector(1)
	assert.InDelta(t, 0.0, Cosine(a, b), 1e-9)

	neg := make([]float32, Dim)
	neg[0] = -1
	assert.InDelta(t, -1.0, Cosine(a, neg), 1e-9)
}

func TestCosineMismatchedLengths(t *testing.T) {
	assert.Equal(t, 0.0, Cosine(make([]float32, 10), make([]float32, 12)))
	assert.Equal(t, 0.0, Cosine(nil, nil))
}

func TestCentroidRequiresThreeMembers(t *testing.T) {
	members := []Weighted{
		{Vector: basisVector(0), Score: 0.9},
		{Vector: basisVector(0), Score: 0.9},
	}
	_, _, ok := Centroid(members)
	assert.False(t, ok)
}

func TestCentroidOfIdenticalMembers(t *testing.T) {
	v := basisVector(3)
	members := []Weighted{
		{Vector: v, Score: 0.99},
		{Vector: v, Score: 0.98},
		{Vector: v, Score: 0.97},
	}
	centroid, meta, ok := Centroid(members)
	require.True(t, ok)
	require.NoError(t, Validate(centroid))
	assert.InDelta(t, 1.0, Cosine(centroid, v), 1e-6)
	assert.Equal(t, 3, meta.EmbeddingsUsed)
	assert.Equal(t, 3, meta.EmbeddingsTotal)
	assert.Equal(t, 0, meta.OutliersRejected)
	assert.InDelta(t, 0.98, meta.AvgScore, 1e-9)
}

func TestCentroidRejectsOutlier(t *testing.T) {
	// Three aligned members and one orthogonal outlier. The outlier's cosine
	// similarity to the initial mean is well below 0.50.
	aligned := basisVector(0)
	outlier := basisVector(1)
	members := []Weighted{
		{Vector: aligned, Score: 0.99},
		{Vector: aligned, Score: 0.98},
		{Vector: outlier, Score: 0.30},
		{Vector: aligned, Score: 0.97},
	}
	centroid, meta, ok := Centroid(members)
	require.True(t, ok)
	require.NoError(t, Validate(centroid))
	assert.Equal(t, 3, meta.EmbeddingsUsed)
	assert.Equal(t, 4, meta.EmbeddingsTotal)
	assert.Equal(t, 1, meta.OutliersRejected)
	assert.InDelta(t, 1.0, Cosine(centroid, aligned), 1e-6)
}

func TestCentroidKeepsAllWhenRejectionWouldUnderflow(t *testing.T) {
	// Three mutually orthogonal members: everything looks like an outlier,
	// so rejection must be skipped entirely.
	members := []Weighted{
		{Vector: basisVector(0), Score: 0.9},
		{Vector: basisVector(1), Score: 0.9},
		{Vector: basisVector(2), Score: 0.9},
	}
	centroid, meta, ok := Centroid(members)
	require.True(t, ok)
	require.NoError(t, Validate(centroid))
	assert.Equal(t, 3, meta.EmbeddingsUsed)
	assert.Equal(t, 0, meta.OutliersRejected)
}

func TestCentroidDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	base := randomUnit(t, rng)
	members := make([]Weighted, 5)
	for i := range members {
		noisy := make([]float32, Dim)
		for j := range noisy {
			noisy[j] = base[j] + float32(rng.NormFloat64()*0.01)
		}
		members[i] = Weighted{Vector: Normalize(noisy), Score: 0.9 + float64(i)*0.01}
	}

	c1, m1, ok1 := Centroid(members)
	c2, m2, ok2 := Centroid(members)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, c1, c2)
	assert.Equal(t, m1, m2)
}

func TestCentroidWeightsHigherScores(t *testing.T) {
	a := basisVector(0)
	b := make([]float32, Dim)
	b[0] = float32(math.Sqrt(0.5))
	b[1] = float32(math.Sqrt(0.5))

	members := []Weighted{
		{Vector: a, Score: 0.99},
		{Vector: a, Score: 0.99},
		{Vector: b, Score: 0.10},
	}
	centroid, _, ok := Centroid(members)
	require.True(t, ok)
	// the low-score member barely moves the centroid off a
	assert.Greater(t, Cosine(centroid, a), Cosine(centroid, b))
}
