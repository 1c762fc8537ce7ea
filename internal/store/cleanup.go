package store

import (
	"context"
	"fmt"
	"time"
)

// cleanupBatchLimit bounds each retention DELETE so no single statement holds
// a long transaction. Postgres has no DELETE ... LIMIT, so batches go through
// a ctid subquery.
const cleanupBatchLimit = 5000

func (s *Store) deleteBatched(ctx context.Context, table, predicate string, args ...interface{}) (int64, error) {
	var total int64
	for {
		q := fmt.Sprintf(`DELETE FROM %s WHERE ctid IN (
			SELECT ctid FROM %s WHERE %s LIMIT %d)`, table, table, predicate, cleanupBatchLimit)
		tag, err := s.pool.Exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", table, err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < cleanupBatchLimit {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// DeleteFacelessImages removes discovered images probed with no faces older
// than the retention window.
func (s *Store) DeleteFacelessImages(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.deleteBatched(ctx, "discovered_images",
		"faces_detected = false AND discovered_at < now() - $1::interval", olderThan.String())
}

// DeleteUnmatchedFaceImages removes face-positive images with no match and
// no remaining embedding children past the retention window.
func (s *Store) DeleteUnmatchedFaceImages(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.deleteBatched(ctx, "discovered_images", `
		faces_detected = true
		AND discovered_at < now() - $1::interval
		AND NOT EXISTS (SELECT 1 FROM matches m WHERE m.discovered_image_id = discovered_images.id)
		AND NOT EXISTS (SELECT 1 FROM discovered_face_embeddings e WHERE e.image_id = discovered_images.id)`,
		olderThan.String())
}

// DeleteOldFaceEmbeddings removes discovered face embeddings past retention.
func (s *Store) DeleteOldFaceEmbeddings(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.deleteBatched(ctx, "discovered_face_embeddings",
		"created_at < now() - $1::interval", olderThan.String())
}

// DeleteFinishedJobs removes completed and failed scan jobs past retention.
func (s *Store) DeleteFinishedJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.deleteBatched(ctx, "scan_jobs",
		"status IN ('completed', 'failed') AND completed_at < now() - $1::interval", olderThan.String())
}

// DeleteReadNotifications removes read notifications past retention.
func (s *Store) DeleteReadNotifications(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.deleteBatched(ctx, "notifications",
		"read AND created_at < now() - $1::interval", olderThan.String())
}
