// Package match is the matching workstream: it scans unmatched discovered
// face embeddings against contributor embeddings and the registry, creates
// tiered match rows, and runs the tier-scoped post-match actions.
package match

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/madeofus/scanner/internal/aiclass"
	"github.com/madeofus/scanner/internal/evidence"
	"github.com/madeofus/scanner/internal/metrics"
	"github.com/madeofus/scanner/internal/mlstate"
	"github.com/madeofus/scanner/internal/storage"
	"github.com/madeofus/scanner/internal/store"
	"github.com/madeofus/scanner/internal/tierpolicy"
)

const defaultTopK = 5

// Store is the slice of the data store the engine touches.
type Store interface {
	SelectUnmatchedEmbeddings(ctx context.Context, limit int) ([]store.FaceEmbedding, error)
	CountUnmatchedEmbeddings(ctx context.Context) (int64, error)
	MarkFaceEmbeddingsMatched(ctx context.Context, ids []int64) error
	CompareAgainstRegistry(ctx context.Context, vector []float32, threshold float64, limit int, primaryOnly bool) ([]store.VectorHit, error)
	GetDiscoveredImage(ctx context.Context, id int64) (*store.DiscoveredImage, error)
	GetContributor(ctx context.Context, id int64) (*store.Contributor, error)
	KnownAccountsFor(ctx context.Context, contributorIDs []int64) (map[int64][]store.KnownAccount, error)
	InsertMatch(ctx context.Context, m store.NewMatch) (int64, bool, error)
	MarkKnownAccount(ctx context.Context, matchID, knownAccountID int64) error
	SetAIClassification(ctx context.Context, matchID int64, isAI bool, score float64, generator string) error
	InsertRegistryMatch(ctx context.Context, m store.NewRegistryMatch) (bool, error)
	InsertEvidence(ctx context.Context, e store.Evidence) error
	InsertNotification(ctx context.Context, contributorID int64, title, body string, payload json.RawMessage) error
}

// EvidenceService captures and stores a screenshot for a match.
type EvidenceService interface {
	CaptureAndStore(ctx context.Context, matchID int64, pageURL string) (*evidence.Record, error)
}

// ThumbnailResolver maps a stored thumbnail key to a fetchable URL.
type ThumbnailResolver interface {
	PublicURL(bucket, path string) string
}

// Engine runs one matching batch per tick.
type Engine struct {
	store      Store
	thresholds *mlstate.Reader
	classifier aiclass.Classifier
	evidence   EvidenceService
	thumbnails ThumbnailResolver

	batchSize   int
	topK        int
	primaryOnly bool
}

// NewEngine wires the matching workstream. classifier, evidence and
// thumbnails may be nil; the corresponding post-match actions are skipped.
func NewEngine(st Store, thresholds *mlstate.Reader, classifier aiclass.Classifier, ev EvidenceService, thumbnails ThumbnailResolver, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Engine{
		store:       st,
		thresholds:  thresholds,
		classifier:  classifier,
		evidence:    ev,
		thumbnails:  thumbnails,
		batchSize:   batchSize,
		topK:        defaultTopK,
		primaryOnly: true,
	}
}

// Stats summarizes one matching batch.
type Stats struct {
	Embeddings      int
	Matches         int
	RegistryMatches int
	KnownAccounts   int
}

// Run processes one batch of unmatched embeddings. Every successfully
// processed embedding is marked matched at the end of the batch whether or
// not it produced matches; a crash before that leaves them eligible for an
// at-least-once retry, and the (image, contributor) unique index keeps the
// retry idempotent.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	th := e.thresholds.Thresholds(ctx)

	if pending, err := e.store.CountUnmatchedEmbeddings(ctx); err == nil {
		metrics.UnmatchedEmbeddingsGauge.Set(float64(pending))
	}

	embeddings, err := e.store.SelectUnmatchedEmbeddings(ctx, e.batchSize)
	if err != nil {
		return Stats{}, err
	}
	if len(embeddings) == 0 {
		return Stats{}, nil
	}

	var stats Stats
	processed := make([]int64, 0, len(embeddings))
	for _, emb := range embeddings {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := e.processEmbedding(ctx, emb, th, &stats); err != nil {
			log.Error().Err(err).Int64("embedding_id", emb.ID).Msg("Embedding match scan failed, retried next tick")
			continue
		}
		processed = append(processed, emb.ID)
	}
	stats.Embeddings = len(processed)

	if len(processed) > 0 {
		if err := e.store.MarkFaceEmbeddingsMatched(ctx, processed); err != nil {
			return stats, fmt.Errorf("mark embeddings matched: %w", err)
		}
		metrics.EmbeddingsMatchedTotal.Add(float64(len(processed)))
	}

	log.Info().Int("embeddings", stats.Embeddings).Int("matches", stats.Matches).
		Int("registry_matches", stats.RegistryMatches).Int("known_accounts", stats.KnownAccounts).
		Msg("Matching batch complete")
	return stats, nil
}

func (e *Engine) processEmbedding(ctx context.Context, emb store.FaceEmbedding, th mlstate.Thresholds, stats *Stats) error {
	hits, err := e.store.CompareAgainstRegistry(ctx, emb.Vector, th.Low, e.topK, e.primaryOnly)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		return nil
	}

	img, err := e.store.GetDiscoveredImage(ctx, emb.ImageID)
	if err != nil {
		return err
	}

	for _, hit := range hits {
		tier, ok := TierFor(hit.Similarity, th)
		if !ok {
			continue
		}

		if hit.Source == store.HitSourceRegistry {
			created, err := e.store.InsertRegistryMatch(ctx, store.NewRegistryMatch{
				IdentityID: hit.OwnerID,
				ImageID:    emb.ImageID,
				FaceIndex:  emb.FaceIndex,
				Similarity: hit.Similarity,
				Tier:       tier,
			})
			if err != nil {
				log.Error().Err(err).Int64("identity_id", hit.OwnerID).Msg("Registry match insert failed")
				continue
			}
			if created {
				stats.RegistryMatches++
			}
			continue
		}

		e.processContributorHit(ctx, emb, img, hit, tier, stats)
	}
	return nil
}

func (e *Engine) processContributorHit(ctx context.Context, emb store.FaceEmbedding, img *store.DiscoveredImage, hit store.VectorHit, tier store.ConfidenceTier, stats *Stats) {
	matchID, created, err := e.store.InsertMatch(ctx, store.NewMatch{
		ImageID:       emb.ImageID,
		ContributorID: hit.OwnerID,
		EmbeddingID:   hit.EmbeddingID,
		FaceIndex:     emb.FaceIndex,
		Similarity:    hit.Similarity,
		Tier:          tier,
		SourceAccount: img.PageURL,
	})
	if err != nil {
		log.Error().Err(err).Int64("contributor_id", hit.OwnerID).Msg("Match insert failed")
		return
	}
	if !created {
		return
	}
	stats.Matches++
	metrics.MatchesCreatedTotal.WithLabelValues(string(tier)).Inc()

	log.Info().Int64("match_id", matchID).Int64("contributor_id", hit.OwnerID).
		Int64("image_id", emb.ImageID).Float64("similarity", hit.Similarity).
		Str("tier", string(tier)).Msg("Match created")

	accounts, err := e.store.KnownAccountsFor(ctx, []int64{hit.OwnerID})
	if err != nil {
		log.Warn().Err(err).Int64("contributor_id", hit.OwnerID).Msg("Allowlist load failed")
	} else if acct, ok := MatchKnownAccount(img.PageURL, accounts[hit.OwnerID]); ok {
		if err := e.store.MarkKnownAccount(ctx, matchID, acct.ID); err != nil {
			log.Warn().Err(err).Int64("match_id", matchID).Msg("Failed to mark known account")
		}
		stats.KnownAccounts++
		return
	}

	contributor, err := e.store.GetContributor(ctx, hit.OwnerID)
	if err != nil {
		log.Warn().Err(err).Int64("contributor_id", hit.OwnerID).Msg("Contributor load failed, skipping post-match actions")
		return
	}
	policy := tierpolicy.For(contributor.Tier)

	if tierpolicy.Paid(contributor.Tier) && AtLeast(tier, store.TierMedium) {
		e.classify(ctx, matchID, img, policy)
		e.capture(ctx, matchID, img, policy)
	}

	if policy.NotifyMatches {
		e.notify(ctx, matchID, contributor.ID, img, tier, hit.Similarity)
	}
}

func (e *Engine) classify(ctx context.Context, matchID int64, img *store.DiscoveredImage, policy tierpolicy.Policy) {
	if !policy.ClassifyAI || e.classifier == nil || e.thumbnails == nil || img.ThumbnailKey == nil {
		return
	}
	thumbURL := e.thumbnails.PublicURL(storage.BucketDiscoveredImages, *img.ThumbnailKey)
	verdict, err := e.classifier.Classify(ctx, thumbURL)
	if err != nil {
		log.Warn().Err(err).Int64("match_id", matchID).Msg("AI classification failed")
		return
	}
	if err := e.store.SetAIClassification(ctx, matchID, verdict.IsAIGenerated, verdict.Score, verdict.Generator); err != nil {
		log.Warn().Err(err).Int64("match_id", matchID).Msg("Failed to store AI classification")
	}
}

func (e *Engine) capture(ctx context.Context, matchID int64, img *store.DiscoveredImage, policy tierpolicy.Policy) {
	if !policy.CaptureEvidence || e.evidence == nil || img.PageURL == "" {
		return
	}
	rec, err := e.evidence.CaptureAndStore(ctx, matchID, img.PageURL)
	if err != nil {
		log.Warn().Err(err).Int64("match_id", matchID).Msg("Evidence capture failed")
		return
	}
	err = e.store.InsertEvidence(ctx, store.Evidence{
		MatchID:    matchID,
		Type:       "screenshot",
		StorageURL: rec.StorageURL,
		SHA256:     rec.SHA256,
		ByteSize:   rec.ByteSize,
	})
	if err != nil {
		log.Warn().Err(err).Int64("match_id", matchID).Msg("Failed to store evidence row")
	}
}

func (e *Engine) notify(ctx context.Context, matchID, contributorID int64, img *store.DiscoveredImage, tier store.ConfidenceTier, similarity float64) {
	payload, err := json.Marshal(map[string]any{
		"match_id":   matchID,
		"page_url":   img.PageURL,
		"platform":   img.Platform,
		"tier":       tier,
		"similarity": similarity,
	})
	if err != nil {
		return
	}
	title := "Possible use of your likeness found"
	body := fmt.Sprintf("We found a %s-confidence match on %s.", tier, img.Platform)
	if err := e.store.InsertNotification(ctx, contributorID, title, body, payload); err != nil {
		log.Warn().Err(err).Int64("match_id", matchID).Msg("Failed to insert notification")
	}
}
