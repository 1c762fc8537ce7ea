package crawl

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/madeofus/scanner/internal/errs"
	"github.com/madeofus/scanner/internal/face"
	"github.com/madeofus/scanner/internal/metrics"
	"github.com/madeofus/scanner/internal/store"
)

// Crawler dispatches platform providers uniformly over both detection
// strategies and persists cursor progress at end-of-tick.
type Crawler struct {
	store     *store.Store
	detector  face.Detector
	providers map[string]Provider
}

// NewCrawler builds the crawler over a provider set.
func NewCrawler(st *store.Store, detector face.Detector, providers []Provider) *Crawler {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.SourceName()] = p
	}
	return &Crawler{store: st, detector: detector, providers: byName}
}

// Providers lists the registered provider names.
func (c *Crawler) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	return names
}

// RunPlatform executes one crawl tick for a due platform. Cursor state is
// persisted only at end-of-tick; a circuit-open abort persists the partial
// cursor progress and still advances last_crawl_at. The returned counters
// feed the platform's scan-job row.
func (c *Crawler) RunPlatform(ctx context.Context, state store.CrawlState) (store.JobCounters, error) {
	var counters store.JobCounters
	provider, ok := c.providers[state.Platform]
	if !ok {
		return counters, fmt.Errorf("no provider registered for platform %q", state.Platform)
	}

	prev, err := ParseCursor(state.Cursor)
	if err != nil {
		log.Warn().Err(err).Str("platform", state.Platform).
			Msg("Corrupt cursor blob, restarting from scratch")
		prev = CursorState{}
	}

	if err := c.store.SetCrawlPhase(ctx, state.Platform, store.PhaseCrawling); err != nil {
		log.Warn().Err(err).Str("platform", state.Platform).Msg("Failed to set crawl phase")
	}

	req := Request{
		Cursor:   prev.PruneExhausted(),
		MaxPages: func(term string) int { return 1 },
	}
	if mp, ok := provider.(interface{ MaxPages(term string) int }); ok {
		req.MaxPages = mp.MaxPages
	}

	var result *DiscoveryResult
	var discoverErr error
	if inline, ok := provider.(InlineProvider); ok && provider.Strategy() == StrategyInline {
		result, discoverErr = inline.DiscoverWithDetection(ctx, req, c.detector)
	} else {
		result, discoverErr = provider.Discover(ctx, req)
	}

	if discoverErr != nil && !errs.IsCircuitOpen(discoverErr) {
		// Cursor stays at the last persisted tick; the error surfaces to the
		// scheduler which logs and continues.
		c.setIdle(ctx, state.Platform)
		return counters, discoverErr
	}
	if result == nil {
		result = &DiscoveryResult{}
	}

	newRows, faces, err := c.persistResult(ctx, provider, result)
	if err != nil {
		c.setIdle(ctx, state.Platform)
		return counters, err
	}
	counters.ImagesFound = newRows
	counters.FacesFound = faces

	merged := prev.PruneExhausted().Merge(result.Cursors)
	encoded, err := merged.Encode()
	if err != nil {
		c.setIdle(ctx, state.Platform)
		return counters, fmt.Errorf("encode cursor: %w", err)
	}

	if err := c.store.FinishCrawl(ctx, state.Platform, store.CrawlResult{
		Cursor:        encoded,
		NewImages:     newRows,
		TagsTotal:     result.TagsAttempted,
		TagsExhausted: merged.CountExhausted(),
	}); err != nil {
		return counters, err
	}
	c.setIdle(ctx, state.Platform)

	metrics.ImagesDiscoveredTotal.WithLabelValues(state.Platform).Add(float64(newRows))

	evt := log.Info().
		Str("platform", state.Platform).
		Int("new_images", newRows).
		Int("tags_attempted", result.TagsAttempted).
		Int("tags_exhausted", merged.CountExhausted())
	if faces > 0 {
		evt = evt.Int("faces_found", faces)
	}
	if discoverErr != nil {
		evt = evt.Bool("circuit_open_abort", true)
	}
	evt.Msg("Platform crawl tick finished")

	if discoverErr != nil {
		return counters, discoverErr
	}
	return counters, nil
}

func (c *Crawler) persistResult(ctx context.Context, provider Provider, result *DiscoveryResult) (newRows, faces int, err error) {
	switch provider.Strategy() {
	case StrategyInline:
		for _, annotated := range result.Annotated {
			embeddings := make([]store.NewFaceEmbedding, 0, len(annotated.Faces))
			for _, f := range annotated.Faces {
				embeddings = append(embeddings, store.NewFaceEmbedding{
					FaceIndex: f.Index,
					Vector:    f.Embedding,
					Score:     f.Score,
				})
			}
			created, err := c.store.InsertDiscoveredWithFaces(ctx,
				annotated.Image, annotated.Phash, annotated.ThumbnailKey, embeddings)
			if err != nil {
				return newRows, faces, err
			}
			if created {
				newRows++
				faces += len(embeddings)
			}
		}
		if faces > 0 {
			metrics.FacesDetectedTotal.Add(float64(faces))
		}
		return newRows, faces, nil

	default: // deferred
		n, err := c.store.BatchInsertDiscovered(ctx, result.Images)
		return n, 0, err
	}
}

func (c *Crawler) setIdle(ctx context.Context, platform string) {
	if err := c.store.SetCrawlPhase(ctx, platform, store.PhaseIdle); err != nil {
		log.Debug().Err(err).Str("platform", platform).Msg("Failed to reset crawl phase")
	}
}
