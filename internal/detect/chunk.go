package detect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/madeofus/scanner/internal/errs"
	"github.com/madeofus/scanner/internal/face"
	"github.com/madeofus/scanner/internal/imgutil"
	"github.com/madeofus/scanner/internal/metrics"
	"github.com/madeofus/scanner/internal/storage"
	"github.com/madeofus/scanner/internal/store"
)

const (
	miniBatchSize   = 50
	detectParallel  = 5
	nearDupDistance = 6
	nearDupWindow   = 24 * time.Hour
)

// ImageStore is the slice of the data store the chunk pipeline touches.
type ImageStore interface {
	SelectPendingDetection(ctx context.Context, limit int) ([]store.DiscoveredImage, error)
	SetFaceResult(ctx context.Context, imageID int64, faceCount int) error
	SetPhash(ctx context.Context, imageID int64, phash uint64) error
	SetThumbnailKey(ctx context.Context, imageID int64, key string) error
	HasRecentNearDuplicate(ctx context.Context, platform string, phash uint64, maxDistance int, window time.Duration) (bool, error)
	InsertFaceEmbeddings(ctx context.Context, imageID int64, faces []store.NewFaceEmbedding) error
}

// Fetcher downloads and prefilters image bytes.
type Fetcher interface {
	FetchValidated(ctx context.Context, rawURL string) (*imgutil.Result, error)
}

// Uploader stores thumbnails for face-positive images.
type Uploader interface {
	Upload(ctx context.Context, bucket, path string, body []byte, contentType string) (string, error)
}

// Prober supplies the cheap low-resolution probe URL for a platform's CDN.
// Platforms without a prober get single-pass detection on the original.
type Prober interface {
	Platform() string
	ProbeURL(raw string) (string, bool)
}

// Stats summarizes one chunk run.
type Stats struct {
	Processed   int
	FacesFound  int
	Unprobeable int
	NearDups    int
}

// ChunkProcessor is the child-process pipeline: select pending rows, probe
// and detect, persist results. It is stateless between runs.
type ChunkProcessor struct {
	store    ImageStore
	detector face.Detector
	fetcher  Fetcher
	uploads  Uploader
	probers  map[string]Prober
	tempDir  string
}

// NewChunkProcessor wires the chunk pipeline.
func NewChunkProcessor(st ImageStore, detector face.Detector, fetcher Fetcher, uploads Uploader, probers []Prober, tempDir string) *ChunkProcessor {
	byPlatform := make(map[string]Prober, len(probers))
	for _, p := range probers {
		byPlatform[p.Platform()] = p
	}
	return &ChunkProcessor{
		store:    st,
		detector: detector,
		fetcher:  fetcher,
		uploads:  uploads,
		probers:  byPlatform,
		tempDir:  tempDir,
	}
}

// Run processes up to chunkSize pending images in mini-batches.
func (p *ChunkProcessor) Run(ctx context.Context, chunkSize int) (Stats, error) {
	images, err := p.store.SelectPendingDetection(ctx, chunkSize)
	if err != nil {
		return Stats{}, err
	}
	if len(images) == 0 {
		return Stats{}, nil
	}

	var (
		mu    sync.Mutex
		stats Stats
	)
	for start := 0; start < len(images); start += miniBatchSize {
		end := start + miniBatchSize
		if end > len(images) {
			end = len(images)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(detectParallel)
		for _, img := range images[start:end] {
			img := img
			g.Go(func() error {
				result := p.processImage(gctx, img)
				mu.Lock()
				stats.Processed++
				stats.FacesFound += result.faces
				if result.unprobeable {
					stats.Unprobeable++
				}
				if result.nearDup {
					stats.NearDups++
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}
		// The decoded images of a mini-batch are sizable; give them back
		// before the next batch allocates.
		runtime.GC()
	}

	if stats.FacesFound > 0 {
		metrics.FacesDetectedTotal.Add(float64(stats.FacesFound))
	}
	log.Info().Int("processed", stats.Processed).Int("faces", stats.FacesFound).
		Int("unprobeable", stats.Unprobeable).Int("near_dups", stats.NearDups).
		Msg("Detection chunk complete")
	return stats, nil
}

type imageResult struct {
	faces       int
	unprobeable bool
	nearDup     bool
}

// processImage runs the per-image pipeline. Persistence failures and
// detector failures leave the row null so the next tick retries it; download
// and decode failures mark it terminally unprobeable.
func (p *ChunkProcessor) processImage(ctx context.Context, img store.DiscoveredImage) imageResult {
	prober, twoPass := p.probers[img.Platform]
	if twoPass {
		if probeURL, ok := prober.ProbeURL(img.SourceURL); ok {
			return p.twoPassDetect(ctx, img, probeURL)
		}
	}
	return p.singlePassDetect(ctx, img)
}

func (p *ChunkProcessor) singlePassDetect(ctx context.Context, img store.DiscoveredImage) imageResult {
	body, decoded, status := p.download(ctx, img)
	if status == downloadTransient {
		return imageResult{}
	}
	if status == downloadTerminal {
		return p.markUnprobeable(ctx, img)
	}

	if hash, err := imgutil.Phash(decoded.Image); err == nil {
		if err := p.store.SetPhash(ctx, img.ID, hash); err != nil {
			log.Warn().Err(err).Int64("image_id", img.ID).Msg("Failed to store phash")
		}
	}

	faces, err := p.detect(ctx, img, body)
	if err != nil {
		return imageResult{}
	}
	return p.persistFaces(ctx, img, body, faces)
}

// twoPassDetect probes a CDN-transformed low-resolution variant first and
// downloads the original only for face-positive images.
func (p *ChunkProcessor) twoPassDetect(ctx context.Context, img store.DiscoveredImage, probeURL string) imageResult {
	probeBody, probeDecoded, status := p.downloadURL(ctx, img, probeURL)
	if status == downloadTransient {
		return imageResult{}
	}
	if status == downloadTerminal {
		return p.markUnprobeable(ctx, img)
	}

	if hash, err := imgutil.Phash(probeDecoded.Image); err == nil {
		dup, dupErr := p.store.HasRecentNearDuplicate(ctx, img.Platform, hash, nearDupDistance, nearDupWindow)
		if dupErr != nil {
			log.Warn().Err(dupErr).Int64("image_id", img.ID).Msg("Near-duplicate check failed")
		} else if dup {
			if err := p.store.SetFaceResult(ctx, img.ID, -1); err != nil {
				log.Warn().Err(err).Int64("image_id", img.ID).Msg("Failed to mark near-duplicate")
			}
			return imageResult{nearDup: true}
		}
		if err := p.store.SetPhash(ctx, img.ID, hash); err != nil {
			log.Warn().Err(err).Int64("image_id", img.ID).Msg("Failed to store phash")
		}
	}

	probeFaces, err := p.detect(ctx, img, probeBody)
	if err != nil {
		return imageResult{}
	}
	if len(probeFaces) == 0 {
		if err := p.store.SetFaceResult(ctx, img.ID, 0); err != nil {
			log.Warn().Err(err).Int64("image_id", img.ID).Msg("Failed to store probe result")
		}
		return imageResult{}
	}

	// Pass 2: full resolution for the embeddings.
	fullBody, _, fullStatus := p.download(ctx, img)
	if fullStatus == downloadTransient {
		return imageResult{}
	}
	if fullStatus == downloadTerminal {
		return p.markUnprobeable(ctx, img)
	}
	faces, err := p.detect(ctx, img, fullBody)
	if err != nil {
		return imageResult{}
	}
	return p.persistFaces(ctx, img, fullBody, faces)
}

func (p *ChunkProcessor) persistFaces(ctx context.Context, img store.DiscoveredImage, body []byte, faces []face.Face) imageResult {
	if len(faces) > 0 {
		embeddings := make([]store.NewFaceEmbedding, 0, len(faces))
		for _, f := range faces {
			embeddings = append(embeddings, store.NewFaceEmbedding{
				FaceIndex: f.Index,
				Vector:    f.Embedding,
				Score:     f.Score,
			})
		}
		if err := p.store.InsertFaceEmbeddings(ctx, img.ID, embeddings); err != nil {
			log.Error().Err(err).Int64("image_id", img.ID).Msg("Failed to insert face embeddings")
			return imageResult{}
		}
		p.uploadThumbnail(ctx, img, body)
	}

	if err := p.store.SetFaceResult(ctx, img.ID, len(faces)); err != nil {
		log.Error().Err(err).Int64("image_id", img.ID).Msg("Failed to store face result")
		return imageResult{}
	}
	return imageResult{faces: len(faces)}
}

func (p *ChunkProcessor) uploadThumbnail(ctx context.Context, img store.DiscoveredImage, body []byte) {
	if p.uploads == nil || img.ThumbnailKey != nil {
		return
	}
	key := fmt.Sprintf("%s/%s.jpg", img.Platform, uuid.NewString())
	if _, err := p.uploads.Upload(ctx, storage.BucketDiscoveredImages, key, body, "image/jpeg"); err != nil {
		log.Warn().Err(err).Int64("image_id", img.ID).Msg("Thumbnail upload failed")
		return
	}
	if err := p.store.SetThumbnailKey(ctx, img.ID, key); err != nil {
		log.Warn().Err(err).Int64("image_id", img.ID).Msg("Failed to store thumbnail key")
	}
}

type downloadStatus int

const (
	downloadOK downloadStatus = iota
	// downloadTerminal marks the row unprobeable: bad URL, non-image body,
	// undecodable or undersized content.
	downloadTerminal
	// downloadTransient leaves the row null for the next tick: the host's
	// breaker is open or the context was cancelled.
	downloadTransient
)

func (p *ChunkProcessor) download(ctx context.Context, img store.DiscoveredImage) ([]byte, *imgutil.Decoded, downloadStatus) {
	return p.downloadURL(ctx, img, img.SourceURL)
}

// downloadURL fetches, spools to a temp file, and decodes. The temp file
// exists only for the lifetime of the call; detection reads from memory.
func (p *ChunkProcessor) downloadURL(ctx context.Context, img store.DiscoveredImage, rawURL string) ([]byte, *imgutil.Decoded, downloadStatus) {
	res, err := p.fetcher.FetchValidated(ctx, rawURL)
	if err != nil {
		if errs.IsCircuitOpen(err) || ctx.Err() != nil {
			log.Debug().Err(err).Int64("image_id", img.ID).Msg("Transient download failure, row retried next tick")
			return nil, nil, downloadTransient
		}
		return nil, nil, downloadTerminal
	}

	tmp := p.spool(img.ID, res.Body)
	defer p.unspool(tmp)

	decoded, err := imgutil.DecodeAndResize(res.Body, imgutil.MaxLongEdge)
	if err != nil {
		return nil, nil, downloadTerminal
	}
	return res.Body, decoded, downloadOK
}

func (p *ChunkProcessor) detect(ctx context.Context, img store.DiscoveredImage, body []byte) ([]face.Face, error) {
	faces, err := p.detector.Detect(ctx, body)
	if err != nil {
		log.Warn().Err(err).Int64("image_id", img.ID).Msg("Detection failed, row retried next tick")
		return nil, err
	}
	return face.NormalizeFaces(faces), nil
}

func (p *ChunkProcessor) markUnprobeable(ctx context.Context, img store.DiscoveredImage) imageResult {
	if err := p.store.SetFaceResult(ctx, img.ID, -1); err != nil {
		log.Error().Err(err).Int64("image_id", img.ID).Msg("Failed to mark image unprobeable")
		return imageResult{}
	}
	return imageResult{unprobeable: true}
}

func (p *ChunkProcessor) spool(imageID int64, body []byte) string {
	if p.tempDir == "" {
		return ""
	}
	if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
		return ""
	}
	path := filepath.Join(p.tempDir, fmt.Sprintf("img-%d-%s", imageID, uuid.NewString()))
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return ""
	}
	return path
}

func (p *ChunkProcessor) unspool(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("path", path).Msg("Failed to remove temp file")
	}
}
