package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madeofus/scanner/internal/face"
	"github.com/madeofus/scanner/internal/facevec"
	"github.com/madeofus/scanner/internal/mlstate"
	"github.com/madeofus/scanner/internal/store"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for x := 0; x < 256; x++ {
		for y := 0; y < 256; y++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func unitVec(seed float32) []float32 {
	v := make([]float32, facevec.Dim)
	v[0] = seed
	return facevec.Normalize(v)
}

type mockStore struct {
	pendingImages []store.ContributorImage
	selfies       []store.PendingRegistrySelfie
	singles       map[int64][]store.ContributorEmbedding
	contributors  map[int64]*store.Contributor
	images        map[int64]*store.DiscoveredImage
	backfill      []store.FaceEmbedding
	firstInsert   bool

	statuses     map[int64]string
	embedInserts []int64
	promoted     []int64
	centroids    []int64
	centroidMeta json.RawMessage
	matches      []store.NewMatch
	schedules    []int64
	registrySet  []int64
	registryFail map[int64]string
	nextEmbID    int64
}

func newMockStore() *mockStore {
	return &mockStore{
		singles:      map[int64][]store.ContributorEmbedding{},
		contributors: map[int64]*store.Contributor{},
		images:       map[int64]*store.DiscoveredImage{},
		statuses:     map[int64]string{},
		registryFail: map[int64]string{},
		nextEmbID:    1000,
	}
}

func (m *mockStore) PendingContributorImages(ctx context.Context, limit int) ([]store.ContributorImage, error) {
	return m.pendingImages, nil
}

func (m *mockStore) SetContributorImageStatus(ctx context.Context, imageID int64, status store.EmbeddingStatus, reason string) error {
	m.statuses[imageID] = string(status) + ":" + reason
	return nil
}

func (m *mockStore) InsertContributorEmbedding(ctx context.Context, contributorID, sourceImageID int64, vector []float32, score float64) (int64, bool, error) {
	m.nextEmbID++
	m.embedInserts = append(m.embedInserts, m.nextEmbID)
	return m.nextEmbID, m.firstInsert, nil
}

func (m *mockStore) ContributorSingles(ctx context.Context, contributorID int64) ([]store.ContributorEmbedding, error) {
	return m.singles[contributorID], nil
}

func (m *mockStore) PromotePrimary(ctx context.Context, contributorID, embeddingID int64) error {
	m.promoted = append(m.promoted, embeddingID)
	return nil
}

func (m *mockStore) ReplaceCentroid(ctx context.Context, contributorID int64, vector []float32, avgScore float64, meta json.RawMessage) error {
	m.centroids = append(m.centroids, contributorID)
	m.centroidMeta = meta
	return nil
}

func (m *mockStore) HighestScoreSingle(ctx context.Context, contributorID int64) (int64, error) {
	best := int64(0)
	score := -1.0
	for _, s := range m.singles[contributorID] {
		if s.Score > score {
			best, score = s.ID, s.Score
		}
	}
	return best, nil
}

func (m *mockStore) BackfillCandidates(ctx context.Context, vector []float32, threshold float64, lookback time.Duration, limit int) ([]store.FaceEmbedding, error) {
	return m.backfill, nil
}

func (m *mockStore) GetDiscoveredImage(ctx context.Context, id int64) (*store.DiscoveredImage, error) {
	img, ok := m.images[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return img, nil
}

func (m *mockStore) GetContributor(ctx context.Context, id int64) (*store.Contributor, error) {
	return m.contributors[id], nil
}

func (m *mockStore) InsertMatch(ctx context.Context, nm store.NewMatch) (int64, bool, error) {
	m.matches = append(m.matches, nm)
	return int64(len(m.matches)), true, nil
}

func (m *mockStore) UpsertScanSchedule(ctx context.Context, contributorID int64, interval time.Duration, priority int) error {
	m.schedules = append(m.schedules, contributorID)
	return nil
}

func (m *mockStore) PendingRegistrySelfies(ctx context.Context, limit int) ([]store.PendingRegistrySelfie, error) {
	return m.selfies, nil
}

func (m *mockStore) SetRegistryEmbedding(ctx context.Context, identityID int64, vector []float32) error {
	m.registrySet = append(m.registrySet, identityID)
	return nil
}

func (m *mockStore) FailRegistryEmbedding(ctx context.Context, identityID int64, reason string) error {
	m.registryFail[identityID] = reason
	return nil
}

type stubObjects struct {
	body []byte
	err  error
}

func (s stubObjects) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	return s.body, s.err
}

type stubDetector struct {
	faces []face.Face
	err   error
}

func (s stubDetector) InitModel(ctx context.Context, name string) error { return nil }

func (s stubDetector) Detect(ctx context.Context, b []byte) ([]face.Face, error) {
	return s.faces, s.err
}

type memState struct{ values map[string]json.RawMessage }

func (m *memState) GetMLState(ctx context.Context, key string) (json.RawMessage, error) {
	return m.values[key], nil
}

func (m *memState) SetMLState(ctx context.Context, key string, value json.RawMessage) error {
	return nil
}

func testReader() *mlstate.Reader {
	return mlstate.NewReader(&memState{}, mlstate.Thresholds{Low: 0.50, Medium: 0.65, High: 0.85})
}

func newWorker(st *mockStore, objects ObjectStore, det face.Detector) *Worker {
	return NewWorker(st, objects, det, testReader(), 10, 90*24*time.Hour)
}

func TestNoFaceIsTerminal(t *testing.T) {
	st := newMockStore()
	st.pendingImages = []store.ContributorImage{{ID: 1, ContributorID: 7, Bucket: "b", Path: "p"}}

	w := newWorker(st, stubObjects{body: testPNG(t)}, stubDetector{})
	stats, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, "failed:no_face_detected", st.statuses[1])
	assert.Empty(t, st.embedInserts)
}

func TestMultipleFacesIsTerminal(t *testing.T) {
	st := newMockStore()
	st.pendingImages = []store.ContributorImage{{ID: 2, ContributorID: 7, Bucket: "b", Path: "p"}}
	det := stubDetector{faces: []face.Face{
		{Embedding: unitVec(1), Score: 0.9},
		{Embedding: unitVec(2), Score: 0.8},
	}}

	w := newWorker(st, stubObjects{body: testPNG(t)}, det)
	stats, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, "failed:multiple_faces", st.statuses[2])
}

func TestDownloadFailureIsTerminal(t *testing.T) {
	st := newMockStore()
	st.pendingImages = []store.ContributorImage{{ID: 3, ContributorID: 7, Bucket: "b", Path: "p"}}

	w := newWorker(st, stubObjects{err: errors.New("404")}, stubDetector{})
	_, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "failed:download_failed", st.statuses[3])
}

func TestDetectorFailureLeavesPending(t *testing.T) {
	st := newMockStore()
	st.pendingImages = []store.ContributorImage{{ID: 4, ContributorID: 7, Bucket: "b", Path: "p"}}

	w := newWorker(st, stubObjects{body: testPNG(t)}, stubDetector{err: errors.New("model down")})
	_, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, st.statuses, int64(4))
}

func TestSingleFacePromotesBestSingle(t *testing.T) {
	st := newMockStore()
	st.pendingImages = []store.ContributorImage{{ID: 5, ContributorID: 7, Bucket: "b", Path: "p"}}
	st.contributors[7] = &store.Contributor{ID: 7, Tier: store.TierFree}
	st.singles[7] = []store.ContributorEmbedding{
		{ID: 1001, Vector: unitVec(1), Score: 0.80},
		{ID: 1002, Vector: unitVec(1), Score: 0.95},
	}
	det := stubDetector{faces: []face.Face{{Embedding: unitVec(1), Score: 0.80}}}

	w := newWorker(st, stubObjects{body: testPNG(t)}, det)
	stats, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, "processed:", st.statuses[5])
	require.Len(t, st.promoted, 1)
	assert.Equal(t, int64(1002), st.promoted[0], "highest score wins primary")
	assert.Empty(t, st.centroids, "two singles is below the centroid floor")
}

func TestThreeSinglesBuildCentroid(t *testing.T) {
	st := newMockStore()
	st.pendingImages = []store.ContributorImage{{ID: 6, ContributorID: 7, Bucket: "b", Path: "p"}}
	st.contributors[7] = &store.Contributor{ID: 7, Tier: store.TierProtected}
	st.singles[7] = []store.ContributorEmbedding{
		{ID: 1001, Vector: unitVec(1), Score: 0.99},
		{ID: 1002, Vector: unitVec(1), Score: 0.98},
		{ID: 1003, Vector: unitVec(1), Score: 0.97},
	}
	det := stubDetector{faces: []face.Face{{Embedding: unitVec(1), Score: 0.97}}}

	w := newWorker(st, stubObjects{body: testPNG(t)}, det)
	stats, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Centroids)
	assert.Equal(t, []int64{7}, st.centroids)
	assert.Empty(t, st.promoted, "centroid replaces single-primary promotion")

	var meta map[string]any
	require.NoError(t, json.Unmarshal(st.centroidMeta, &meta))
	assert.EqualValues(t, 3, meta["embeddings_total"])
}

func TestFirstEmbeddingTriggersBackfillAndSchedule(t *testing.T) {
	st := newMockStore()
	st.firstInsert = true
	st.pendingImages = []store.ContributorImage{{ID: 8, ContributorID: 7, Bucket: "b", Path: "p"}}
	st.contributors[7] = &store.Contributor{ID: 7, Tier: store.TierPremium}

	probe := unitVec(1)
	st.backfill = []store.FaceEmbedding{
		{ID: 300, ImageID: 30, FaceIndex: 0, Vector: probe, Score: 0.9},       // similarity 1.0
		{ID: 301, ImageID: 31, FaceIndex: 1, Vector: unitVec(-1), Score: 0.9}, // similarity -1.0
	}
	st.images[30] = &store.DiscoveredImage{ID: 30, PageURL: "https://host.example/30"}
	st.images[31] = &store.DiscoveredImage{ID: 31, PageURL: "https://host.example/31"}

	det := stubDetector{faces: []face.Face{{Embedding: probe, Score: 0.9}}}
	w := newWorker(st, stubObjects{body: testPNG(t)}, det)
	stats, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{7}, st.schedules)
	assert.Equal(t, 1, stats.BackfillMatches, "only the above-threshold candidate matches")
	require.Len(t, st.matches, 1)
	assert.Equal(t, int64(30), st.matches[0].ImageID)
	assert.Equal(t, store.TierHigh, st.matches[0].Tier)
}

func TestNotFirstEmbeddingSkipsBackfill(t *testing.T) {
	st := newMockStore()
	st.firstInsert = false
	st.pendingImages = []store.ContributorImage{{ID: 9, ContributorID: 7, Bucket: "b", Path: "p"}}
	st.contributors[7] = &store.Contributor{ID: 7, Tier: store.TierPremium}
	st.backfill = []store.FaceEmbedding{{ID: 300, ImageID: 30, Vector: unitVec(1)}}

	det := stubDetector{faces: []face.Face{{Embedding: unitVec(1), Score: 0.9}}}
	w := newWorker(st, stubObjects{body: testPNG(t)}, det)
	_, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, st.matches)
	assert.Empty(t, st.schedules)
}

func TestRegistrySelfieProcessed(t *testing.T) {
	st := newMockStore()
	st.selfies = []store.PendingRegistrySelfie{{IdentityID: 77, Bucket: "b", Path: "s.jpg"}}
	det := stubDetector{faces: []face.Face{{Embedding: unitVec(1), Score: 0.9}}}

	w := newWorker(st, stubObjects{body: testPNG(t)}, det)
	stats, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.RegistrySelfies)
	assert.Equal(t, []int64{77}, st.registrySet)
}

func TestRegistrySelfieNoFaceFails(t *testing.T) {
	st := newMockStore()
	st.selfies = []store.PendingRegistrySelfie{{IdentityID: 78, Bucket: "b", Path: "s.jpg"}}

	w := newWorker(st, stubObjects{body: testPNG(t)}, stubDetector{})
	_, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonNoFace, st.registryFail[78])
}
