// Package cleanup enforces the retention policy: batched deletes of aged
// pipeline rows once per hour, plus temp-file garbage collection.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Retention windows. Days are the policy unit; the store methods take
// durations.
const (
	facelessRetention     = 7 * 24 * time.Hour
	unmatchedRetention    = 30 * 24 * time.Hour
	embeddingRetention    = 60 * 24 * time.Hour
	jobRetention          = 30 * 24 * time.Hour
	notificationRetention = 90 * 24 * time.Hour
	tempFileRetention     = 5 * time.Minute
	defaultRunInterval    = time.Hour
)

// Store is the retention slice of the data store.
type Store interface {
	DeleteFacelessImages(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteUnmatchedFaceImages(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteOldFaceEmbeddings(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteFinishedJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteReadNotifications(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Worker runs the retention passes.
type Worker struct {
	store    Store
	tempDir  string
	interval time.Duration
	lastRun  time.Time
}

// NewWorker wires the cleanup workstream. tempDir may be empty to skip
// temp-file collection.
func NewWorker(st Store, tempDir string) *Worker {
	return &Worker{store: st, tempDir: tempDir, interval: defaultRunInterval}
}

// Due reports whether a retention pass should run this tick. Temp-file GC is
// cheap and runs every tick regardless.
func (w *Worker) Due(now time.Time) bool {
	return now.Sub(w.lastRun) >= w.interval
}

// Stats summarizes one retention pass.
type Stats struct {
	FacelessImages  int64
	UnmatchedImages int64
	FaceEmbeddings  int64
	Jobs            int64
	Notifications   int64
	TempFiles       int
}

// Run executes every retention delete. Individual failures are logged and do
// not stop the remaining passes.
func (w *Worker) Run(ctx context.Context, now time.Time) Stats {
	w.lastRun = now
	var stats Stats

	stats.FacelessImages = w.deletePass(ctx, "faceless_images", facelessRetention, w.store.DeleteFacelessImages)
	stats.UnmatchedImages = w.deletePass(ctx, "unmatched_images", unmatchedRetention, w.store.DeleteUnmatchedFaceImages)
	stats.FaceEmbeddings = w.deletePass(ctx, "face_embeddings", embeddingRetention, w.store.DeleteOldFaceEmbeddings)
	stats.Jobs = w.deletePass(ctx, "scan_jobs", jobRetention, w.store.DeleteFinishedJobs)
	stats.Notifications = w.deletePass(ctx, "notifications", notificationRetention, w.store.DeleteReadNotifications)
	stats.TempFiles = w.CollectTempFiles(now)

	if stats.FacelessImages+stats.UnmatchedImages+stats.FaceEmbeddings+stats.Jobs+stats.Notifications > 0 {
		log.Info().Int64("faceless", stats.FacelessImages).Int64("unmatched", stats.UnmatchedImages).
			Int64("embeddings", stats.FaceEmbeddings).Int64("jobs", stats.Jobs).
			Int64("notifications", stats.Notifications).Msg("Retention pass complete")
	}
	return stats
}

func (w *Worker) deletePass(ctx context.Context, name string, olderThan time.Duration, fn func(context.Context, time.Duration) (int64, error)) int64 {
	n, err := fn(ctx, olderThan)
	if err != nil {
		log.Error().Err(err).Str("pass", name).Msg("Retention delete failed")
	}
	return n
}

// CollectTempFiles removes spooled detection files older than five minutes.
// A live chunk touches its spool files well inside that window.
func (w *Worker) CollectTempFiles(now time.Time) int {
	if w.tempDir == "" {
		return 0
	}
	entries, err := os.ReadDir(w.tempDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("dir", w.tempDir).Msg("Temp dir scan failed")
		}
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < tempFileRetention {
			continue
		}
		if err := os.Remove(filepath.Join(w.tempDir, entry.Name())); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Temp file remove failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Str("dir", w.tempDir).Msg("Collected temp files")
	}
	return removed
}
