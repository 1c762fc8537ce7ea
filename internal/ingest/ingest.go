// Package ingest turns pending reference images and registry selfies into
// contributor embeddings, maintains the primary/centroid invariant, and
// triggers the one-shot historical backfill when a contributor gains their
// first embedding.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/madeofus/scanner/internal/face"
	"github.com/madeofus/scanner/internal/facevec"
	"github.com/madeofus/scanner/internal/imgutil"
	"github.com/madeofus/scanner/internal/match"
	"github.com/madeofus/scanner/internal/mlstate"
	"github.com/madeofus/scanner/internal/store"
	"github.com/madeofus/scanner/internal/tierpolicy"
)

const backfillLimit = 500

// Terminal failure reasons stored on a reference image row.
const (
	ReasonNoFace         = "no_face_detected"
	ReasonMultipleFaces  = "multiple_faces"
	ReasonDownloadFailed = "download_failed"
	ReasonInvalidImage   = "invalid_image"
)

// Store is the slice of the data store the ingest worker touches.
type Store interface {
	PendingContributorImages(ctx context.Context, limit int) ([]store.ContributorImage, error)
	SetContributorImageStatus(ctx context.Context, imageID int64, status store.EmbeddingStatus, reason string) error
	InsertContributorEmbedding(ctx context.Context, contributorID, sourceImageID int64, vector []float32, score float64) (int64, bool, error)
	ContributorSingles(ctx context.Context, contributorID int64) ([]store.ContributorEmbedding, error)
	PromotePrimary(ctx context.Context, contributorID, embeddingID int64) error
	ReplaceCentroid(ctx context.Context, contributorID int64, vector []float32, avgScore float64, meta json.RawMessage) error
	HighestScoreSingle(ctx context.Context, contributorID int64) (int64, error)
	BackfillCandidates(ctx context.Context, vector []float32, threshold float64, lookback time.Duration, limit int) ([]store.FaceEmbedding, error)
	GetDiscoveredImage(ctx context.Context, id int64) (*store.DiscoveredImage, error)
	GetContributor(ctx context.Context, id int64) (*store.Contributor, error)
	InsertMatch(ctx context.Context, m store.NewMatch) (int64, bool, error)
	UpsertScanSchedule(ctx context.Context, contributorID int64, interval time.Duration, priority int) error
	PendingRegistrySelfies(ctx context.Context, limit int) ([]store.PendingRegistrySelfie, error)
	SetRegistryEmbedding(ctx context.Context, identityID int64, vector []float32) error
	FailRegistryEmbedding(ctx context.Context, identityID int64, reason string) error
}

// ObjectStore downloads reference images.
type ObjectStore interface {
	Download(ctx context.Context, bucket, path string) ([]byte, error)
}

// Worker is the ingest workstream.
type Worker struct {
	store      Store
	objects    ObjectStore
	detector   face.Detector
	thresholds *mlstate.Reader
	batchSize  int
	lookback   time.Duration
}

// NewWorker wires the ingest workstream.
func NewWorker(st Store, objects ObjectStore, detector face.Detector, thresholds *mlstate.Reader, batchSize int, lookback time.Duration) *Worker {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Worker{
		store:      st,
		objects:    objects,
		detector:   detector,
		thresholds: thresholds,
		batchSize:  batchSize,
		lookback:   lookback,
	}
}

// Stats summarizes one ingest tick.
type Stats struct {
	Processed       int
	Failed          int
	Centroids       int
	BackfillMatches int
	RegistrySelfies int
}

// Run advances one batch of pending reference images and registry selfies.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	images, err := w.store.PendingContributorImages(ctx, w.batchSize)
	if err != nil {
		return stats, err
	}
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		w.processImage(ctx, img, &stats)
	}

	selfies, err := w.store.PendingRegistrySelfies(ctx, w.batchSize)
	if err != nil {
		return stats, err
	}
	for _, selfie := range selfies {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		w.processSelfie(ctx, selfie, &stats)
	}

	if stats.Processed > 0 || stats.Failed > 0 || stats.RegistrySelfies > 0 {
		log.Info().Int("processed", stats.Processed).Int("failed", stats.Failed).
			Int("centroids", stats.Centroids).Int("backfill_matches", stats.BackfillMatches).
			Int("registry_selfies", stats.RegistrySelfies).Msg("Ingest tick complete")
	}
	return stats, nil
}

func (w *Worker) processImage(ctx context.Context, img store.ContributorImage, stats *Stats) {
	emb, failReason, err := w.embedReference(ctx, img.Bucket, img.Path)
	if err != nil {
		// Transient: leave the row pending for the next tick.
		log.Warn().Err(err).Int64("image_id", img.ID).Msg("Reference embedding deferred")
		return
	}
	if failReason != "" {
		if err := w.store.SetContributorImageStatus(ctx, img.ID, store.EmbeddingFailed, failReason); err != nil {
			log.Error().Err(err).Int64("image_id", img.ID).Msg("Failed to mark reference image")
			return
		}
		stats.Failed++
		return
	}

	embID, isFirst, err := w.store.InsertContributorEmbedding(ctx, img.ContributorID, img.ID, emb.Embedding, emb.Score)
	if err != nil {
		log.Error().Err(err).Int64("image_id", img.ID).Msg("Failed to insert contributor embedding")
		return
	}
	if err := w.store.SetContributorImageStatus(ctx, img.ID, store.EmbeddingProcessed, ""); err != nil {
		log.Error().Err(err).Int64("image_id", img.ID).Msg("Failed to mark reference image processed")
	}
	stats.Processed++

	w.refreshPrimary(ctx, img.ContributorID, embID, stats)

	if isFirst {
		w.onFirstEmbedding(ctx, img.ContributorID, emb.Embedding, stats)
	}
}

// embedReference downloads and embeds one reference photo. A non-empty
// reason is a terminal failure; an error is transient.
func (w *Worker) embedReference(ctx context.Context, bucket, path string) (*face.Face, string, error) {
	body, err := w.objects.Download(ctx, bucket, path)
	if err != nil {
		return nil, ReasonDownloadFailed, nil
	}

	if _, err := imgutil.DecodeAndResize(body, imgutil.MaxLongEdge); err != nil {
		return nil, ReasonInvalidImage, nil
	}

	faces, err := w.detector.Detect(ctx, body)
	if err != nil {
		return nil, "", err
	}
	faces = face.NormalizeFaces(faces)

	switch len(faces) {
	case 0:
		return nil, ReasonNoFace, nil
	case 1:
		return &faces[0], "", nil
	default:
		// Onboarding photos must be unambiguous.
		return nil, ReasonMultipleFaces, nil
	}
}

// refreshPrimary re-derives the primary embedding: the centroid when the
// contributor has three or more singles, otherwise the best-scoring single.
func (w *Worker) refreshPrimary(ctx context.Context, contributorID, newEmbeddingID int64, stats *Stats) {
	singles, err := w.store.ContributorSingles(ctx, contributorID)
	if err != nil {
		log.Error().Err(err).Int64("contributor_id", contributorID).Msg("Failed to load singles")
		return
	}

	members := make([]facevec.Weighted, 0, len(singles))
	for _, s := range singles {
		members = append(members, facevec.Weighted{Vector: s.Vector, Score: s.Score})
	}

	if centroid, meta, ok := facevec.Centroid(members); ok {
		raw, err := json.Marshal(meta)
		if err != nil {
			log.Error().Err(err).Int64("contributor_id", contributorID).Msg("Failed to encode centroid metadata")
			return
		}
		if err := w.store.ReplaceCentroid(ctx, contributorID, centroid, meta.AvgScore, raw); err != nil {
			log.Error().Err(err).Int64("contributor_id", contributorID).Msg("Failed to replace centroid")
			return
		}
		stats.Centroids++
		log.Info().Int64("contributor_id", contributorID).
			Int("embeddings_used", meta.EmbeddingsUsed).Int("outliers_rejected", meta.OutliersRejected).
			Msg("Centroid recomputed")
		return
	}

	best, err := w.store.HighestScoreSingle(ctx, contributorID)
	if err != nil || best == 0 {
		if err != nil {
			log.Error().Err(err).Int64("contributor_id", contributorID).Msg("Failed to find best single")
		}
		return
	}
	if err := w.store.PromotePrimary(ctx, contributorID, best); err != nil {
		log.Error().Err(err).Int64("contributor_id", contributorID).Msg("Failed to promote primary")
	}
}

// onFirstEmbedding schedules the contributor's reverse-image scans and runs
// the one-shot historical backfill against already-discovered faces.
func (w *Worker) onFirstEmbedding(ctx context.Context, contributorID int64, vector []float32, stats *Stats) {
	contributor, err := w.store.GetContributor(ctx, contributorID)
	if err != nil {
		log.Warn().Err(err).Int64("contributor_id", contributorID).Msg("Contributor load failed, backfill skipped")
		return
	}
	policy := tierpolicy.For(contributor.Tier)
	if err := w.store.UpsertScanSchedule(ctx, contributorID, policy.ReverseImageInterval, priorityFor(contributor.Tier)); err != nil {
		log.Warn().Err(err).Int64("contributor_id", contributorID).Msg("Failed to upsert scan schedule")
	}

	th := w.thresholds.Thresholds(ctx)
	candidates, err := w.store.BackfillCandidates(ctx, vector, th.Low, w.lookback, backfillLimit)
	if err != nil {
		log.Warn().Err(err).Int64("contributor_id", contributorID).Msg("Backfill search failed")
		return
	}

	for _, cand := range candidates {
		similarity := facevec.Cosine(vector, cand.Vector)
		tier, ok := match.TierFor(similarity, th)
		if !ok {
			continue
		}
		img, err := w.store.GetDiscoveredImage(ctx, cand.ImageID)
		if err != nil || img == nil {
			continue
		}
		_, created, err := w.store.InsertMatch(ctx, store.NewMatch{
			ImageID:       cand.ImageID,
			ContributorID: contributorID,
			EmbeddingID:   0,
			FaceIndex:     cand.FaceIndex,
			Similarity:    similarity,
			Tier:          tier,
			SourceAccount: img.PageURL,
		})
		if err != nil {
			log.Warn().Err(err).Int64("image_id", cand.ImageID).Msg("Backfill match insert failed")
			continue
		}
		if created {
			stats.BackfillMatches++
		}
	}
	if stats.BackfillMatches > 0 {
		log.Info().Int64("contributor_id", contributorID).Int("matches", stats.BackfillMatches).
			Msg("Historical backfill complete")
	}
}

func (w *Worker) processSelfie(ctx context.Context, selfie store.PendingRegistrySelfie, stats *Stats) {
	emb, failReason, err := w.embedReference(ctx, selfie.Bucket, selfie.Path)
	if err != nil {
		log.Warn().Err(err).Int64("identity_id", selfie.IdentityID).Msg("Registry embedding deferred")
		return
	}
	if failReason != "" {
		if err := w.store.FailRegistryEmbedding(ctx, selfie.IdentityID, failReason); err != nil {
			log.Error().Err(err).Int64("identity_id", selfie.IdentityID).Msg("Failed to fail registry selfie")
		}
		return
	}
	if err := w.store.SetRegistryEmbedding(ctx, selfie.IdentityID, emb.Embedding); err != nil {
		log.Error().Err(err).Int64("identity_id", selfie.IdentityID).Msg("Failed to store registry embedding")
		return
	}
	stats.RegistrySelfies++
}

func priorityFor(tier store.Tier) int {
	switch tier {
	case store.TierPremium:
		return 2
	case store.TierProtected:
		return 1
	default:
		return 0
	}
}
