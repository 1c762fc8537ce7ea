// Package scan runs the per-contributor reverse-image discovery source:
// when a contributor's schedule fires, their reference photos are sent to
// the reverse-image provider and every returned page runs through the
// standard per-image pipeline.
package scan

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/madeofus/scanner/internal/face"
	"github.com/madeofus/scanner/internal/facevec"
	"github.com/madeofus/scanner/internal/imgutil"
	"github.com/madeofus/scanner/internal/match"
	"github.com/madeofus/scanner/internal/metrics"
	"github.com/madeofus/scanner/internal/mlstate"
	"github.com/madeofus/scanner/internal/reverseimage"
	"github.com/madeofus/scanner/internal/store"
	"github.com/madeofus/scanner/internal/tierpolicy"
)

// Store is the slice of the data store the scan runner touches.
type Store interface {
	DueScans(ctx context.Context, limit int) ([]store.ScanSchedule, error)
	AdvanceScanSchedule(ctx context.Context, contributorID int64) error
	GetContributor(ctx context.Context, id int64) (*store.Contributor, error)
	PrimaryEmbedding(ctx context.Context, contributorID int64) ([]float32, error)
	ProcessedContributorImages(ctx context.Context, contributorID int64, limit int) ([]store.ContributorImage, error)
	InsertDiscoveredWithFaces(ctx context.Context, img store.NewDiscoveredImage, phash *uint64, thumbnailKey *string, faces []store.NewFaceEmbedding) (bool, error)
	CreateJob(ctx context.Context, scanType, sourceName, stage string) (int64, error)
	StartJob(ctx context.Context, jobID int64) error
	CompleteJob(ctx context.Context, jobID int64, counters store.JobCounters) error
	FailJob(ctx context.Context, jobID int64, jobErr error) error
}

// ObjectStore downloads stored reference photos.
type ObjectStore interface {
	Download(ctx context.Context, bucket, path string) ([]byte, error)
}

// ImageFetcher downloads and prefilters a backlinked image.
type ImageFetcher interface {
	FetchValidated(ctx context.Context, rawURL string) (*imgutil.Result, error)
}

// Runner drives due reverse-image scans.
type Runner struct {
	store      Store
	objects    ObjectStore
	searcher   reverseimage.Searcher
	fetcher    ImageFetcher
	detector   face.Detector
	thresholds *mlstate.Reader
	batchSize  int
}

// NewRunner wires the scan workstream.
func NewRunner(st Store, objects ObjectStore, searcher reverseimage.Searcher, fetcher ImageFetcher, detector face.Detector, thresholds *mlstate.Reader, batchSize int) *Runner {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Runner{
		store:      st,
		objects:    objects,
		searcher:   searcher,
		fetcher:    fetcher,
		detector:   detector,
		thresholds: thresholds,
		batchSize:  batchSize,
	}
}

// Stats summarizes one scan tick.
type Stats struct {
	Scans       int
	Images      int
	Faces       int
	FastMatches int
}

// Run executes every due contributor scan. A failing scan is recorded on its
// job row and does not stop the rest of the batch; the schedule advances
// either way so a broken contributor cannot hot-loop the provider.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	if r.searcher == nil {
		// No reverse-image provider configured.
		return stats, nil
	}

	due, err := r.store.DueScans(ctx, r.batchSize)
	if err != nil {
		return stats, err
	}

	for _, sched := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		r.runScan(ctx, sched.ContributorID, &stats)
		if err := r.store.AdvanceScanSchedule(ctx, sched.ContributorID); err != nil {
			log.Error().Err(err).Int64("contributor_id", sched.ContributorID).Msg("Failed to advance scan schedule")
		}
	}
	return stats, nil
}

func (r *Runner) runScan(ctx context.Context, contributorID int64, stats *Stats) {
	jobID, err := r.store.CreateJob(ctx, "contributor", strconv.FormatInt(contributorID, 10), "reverse_image")
	if err != nil {
		log.Error().Err(err).Int64("contributor_id", contributorID).Msg("Failed to create scan job")
		return
	}
	if err := r.store.StartJob(ctx, jobID); err != nil {
		log.Error().Err(err).Int64("job_id", jobID).Msg("Failed to start scan job")
		return
	}

	counters, err := r.scanContributor(ctx, contributorID)
	if err != nil {
		if ferr := r.store.FailJob(ctx, jobID, err); ferr != nil {
			log.Error().Err(ferr).Int64("job_id", jobID).Msg("Failed to fail scan job")
		}
		metrics.ScanJobsTotal.WithLabelValues("contributor", "failed").Inc()
		log.Warn().Err(err).Int64("contributor_id", contributorID).Msg("Reverse-image scan failed")
		return
	}

	if err := r.store.CompleteJob(ctx, jobID, counters); err != nil {
		log.Error().Err(err).Int64("job_id", jobID).Msg("Failed to complete scan job")
	}
	metrics.ScanJobsTotal.WithLabelValues("contributor", "completed").Inc()

	stats.Scans++
	stats.Images += counters.ImagesFound
	stats.Faces += counters.FacesFound
	stats.FastMatches += counters.MatchesFound

	log.Info().Int64("contributor_id", contributorID).
		Int("images", counters.ImagesFound).Int("faces", counters.FacesFound).
		Int("fast_matches", counters.MatchesFound).Msg("Reverse-image scan complete")
}

func (r *Runner) scanContributor(ctx context.Context, contributorID int64) (store.JobCounters, error) {
	var counters store.JobCounters

	contributor, err := r.store.GetContributor(ctx, contributorID)
	if err != nil {
		return counters, err
	}
	if contributor.OptedOut || contributor.Suspended {
		return counters, nil
	}

	primary, err := r.store.PrimaryEmbedding(ctx, contributorID)
	if err != nil {
		return counters, err
	}
	if primary == nil {
		// Not eligible until at least one reference photo has embedded.
		return counters, nil
	}

	policy := tierpolicy.For(contributor.Tier)
	photos, err := r.store.ProcessedContributorImages(ctx, contributorID, policy.MaxPhotosPerScan)
	if err != nil {
		return counters, err
	}

	th := r.thresholds.Thresholds(ctx)
	seen := make(map[string]struct{})
	for _, photo := range photos {
		if err := ctx.Err(); err != nil {
			return counters, err
		}

		body, err := r.objects.Download(ctx, photo.Bucket, photo.Path)
		if err != nil {
			log.Warn().Err(err).Int64("image_id", photo.ID).Msg("Reference photo download failed, skipped")
			continue
		}

		backlinks, err := r.searcher.Search(ctx, body)
		if err != nil {
			// Provider outage: surface on the job row rather than half-report.
			return counters, err
		}

		for _, link := range backlinks {
			if link.ImageURL == "" {
				continue
			}
			if _, dup := seen[link.ImageURL]; dup {
				continue
			}
			seen[link.ImageURL] = struct{}{}
			r.processBacklink(ctx, primary, th, link, &counters)
		}
	}
	return counters, nil
}

// processBacklink runs one returned URL through the shared per-image path:
// download, prefilter, phash, inline face detection, deduplicated insert.
// The target contributor is tested directly as a fast path; the stored
// embeddings stay unmatched so the matching engine still runs the full
// registry comparison and its post-match actions.
func (r *Runner) processBacklink(ctx context.Context, primary []float32, th mlstate.Thresholds, link reverseimage.Backlink, counters *store.JobCounters) {
	res, err := r.fetcher.FetchValidated(ctx, link.ImageURL)
	if err != nil {
		log.Debug().Err(err).Str("url", link.ImageURL).Msg("Backlink download rejected")
		return
	}

	decoded, err := imgutil.DecodeAndResize(res.Body, imgutil.MaxLongEdge)
	if err != nil {
		log.Debug().Err(err).Str("url", link.ImageURL).Msg("Backlink image undecodable")
		return
	}

	faces, err := r.detector.Detect(ctx, res.Body)
	if err != nil {
		// Detector outage: skip the insert so the URL is retried when the
		// next scan returns it.
		log.Warn().Err(err).Str("url", link.ImageURL).Msg("Backlink detection failed, skipped")
		return
	}
	faces = face.NormalizeFaces(faces)

	rows := make([]store.NewFaceEmbedding, 0, len(faces))
	for i, f := range faces {
		rows = append(rows, store.NewFaceEmbedding{FaceIndex: i, Vector: f.Embedding, Score: f.Score})
	}

	var phashPtr *uint64
	if phash, err := imgutil.Phash(decoded.Image); err == nil {
		phashPtr = &phash
	}

	created, err := r.store.InsertDiscoveredWithFaces(ctx, store.NewDiscoveredImage{
		SourceURL: link.ImageURL,
		PageURL:   link.PageURL,
		Platform:  platformFromURL(link.PageURL),
		Width:     &decoded.OriginalWidth,
		Height:    &decoded.OriginalHeight,
	}, phashPtr, nil, rows)
	if err != nil {
		log.Error().Err(err).Str("url", link.ImageURL).Msg("Backlink insert failed")
		return
	}
	if !created {
		return
	}
	counters.ImagesFound++
	counters.FacesFound += len(faces)
	metrics.ImagesDiscoveredTotal.WithLabelValues("reverse_image").Inc()
	if len(faces) > 0 {
		metrics.FacesDetectedTotal.Add(float64(len(faces)))
	}

	for _, f := range faces {
		similarity := facevec.Cosine(primary, f.Embedding)
		if _, ok := match.TierFor(similarity, th); ok {
			counters.MatchesFound++
		}
	}
}

// platformFromURL reduces a backlink's page host to a platform label.
func platformFromURL(pageURL string) string {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		return "web"
	}
	host := strings.ToLower(parsed.Host)
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}
