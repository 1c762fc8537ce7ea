package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// insertBatchSize caps a single multi-row INSERT of discovered images.
const insertBatchSize = 500

// NewDiscoveredImage is the insert shape for a crawl result row.
type NewDiscoveredImage struct {
	SourceURL string
	PageURL   string
	PageTitle string
	Platform  string
	Width     *int
	Height    *int
}

// BatchInsertDiscovered inserts discovered images deduplicated on the URL
// hash index. Conflicting rows are silently dropped; the return value is the
// new-rows count.
func (s *Store) BatchInsertDiscovered(ctx context.Context, images []NewDiscoveredImage) (int, error) {
	inserted := 0
	for start := 0; start < len(images); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(images) {
			end = len(images)
		}
		n, err := s.insertDiscoveredBatch(ctx, images[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) insertDiscoveredBatch(ctx context.Context, images []NewDiscoveredImage) (int, error) {
	if len(images) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO discovered_images (source_url, page_url, page_title, platform, width, height) VALUES `)
	args := make([]interface{}, 0, len(images)*6)
	for i, img := range images {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, img.SourceURL, img.PageURL, img.PageTitle, img.Platform, img.Width, img.Height)
	}
	// The conflict target is the expression index over md5(source_url); the
	// raw URL is too long to index directly.
	sb.WriteString(` ON CONFLICT (md5(source_url)) DO NOTHING`)

	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("batch insert discovered images: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertDiscoveredWithFaces inserts a fully annotated image row (inline
// strategy) together with its face embeddings in one transaction. Returns
// false when the URL already existed.
func (s *Store) InsertDiscoveredWithFaces(ctx context.Context, img NewDiscoveredImage, phash *uint64, thumbnailKey *string, faces []NewFaceEmbedding) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	faceCount := len(faces)
	facesDetected := faceCount > 0

	var imageID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO discovered_images
			(source_url, page_url, page_title, platform, width, height,
			 phash, faces_detected, face_count, thumbnail_key)
		VALUES ($1, $2, $3, $4, $5, $6, phash_from_uint($7), $8, $9, $10)
		ON CONFLICT (md5(source_url)) DO NOTHING
		RETURNING id`,
		img.SourceURL, img.PageURL, img.PageTitle, img.Platform, img.Width, img.Height,
		phashArg(phash), facesDetected, faceCount, thumbnailKey).Scan(&imageID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert discovered image: %w", err)
	}

	for _, f := range faces {
		if err := insertFaceEmbeddingTx(ctx, tx, imageID, f); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// phashArg converts an optional uint64 to the bigint the phash_from_uint SQL
// helper expects (bit(64) columns have no native uint64 binding).
func phashArg(phash *uint64) *int64 {
	if phash == nil {
		return nil
	}
	v := int64(*phash)
	return &v
}

// SelectPendingDetection returns up to limit images whose face flag is still
// null, newest discoveries first.
func (s *Store) SelectPendingDetection(ctx context.Context, limit int) ([]DiscoveredImage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_url, page_url, COALESCE(page_title, ''), platform, discovered_at
		FROM discovered_images
		WHERE faces_detected IS NULL
		ORDER BY discovered_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending detection: %w", err)
	}
	defer rows.Close()

	var images []DiscoveredImage
	for rows.Next() {
		var img DiscoveredImage
		if err := rows.Scan(&img.ID, &img.SourceURL, &img.PageURL, &img.PageTitle, &img.Platform, &img.DiscoveredAt); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// CountPendingDetection reports how many images still await the face probe.
func (s *Store) CountPendingDetection(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM discovered_images WHERE faces_detected IS NULL`).Scan(&n)
	return n, err
}

// SetFaceResult records a completed face probe. faceCount < 0 means the image
// was unprobeable (download or decode failure): the flag is set false with no
// count so the row is never retried.
func (s *Store) SetFaceResult(ctx context.Context, imageID int64, faceCount int) error {
	var err error
	if faceCount < 0 {
		_, err = s.pool.Exec(ctx, `
			UPDATE discovered_images SET faces_detected = false, face_count = NULL
			WHERE id = $1`, imageID)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE discovered_images SET faces_detected = $2, face_count = $3
			WHERE id = $1`, imageID, faceCount > 0, faceCount)
	}
	if err != nil {
		return fmt.Errorf("set face result: %w", err)
	}
	return nil
}

// SetThumbnailKey records the stored-thumbnail object key for an image.
func (s *Store) SetThumbnailKey(ctx context.Context, imageID int64, key string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE discovered_images SET thumbnail_key = $2 WHERE id = $1`, imageID, key)
	return err
}

// SetPhash stores the perceptual hash of an image's probe thumbnail.
func (s *Store) SetPhash(ctx context.Context, imageID int64, phash uint64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE discovered_images SET phash = phash_from_uint($2) WHERE id = $1`,
		imageID, int64(phash))
	return err
}

// HasRecentNearDuplicate reports whether any image on the platform stored
// within the window has a phash within maxDistance Hamming bits of the
// candidate. Uses the bit_count(a # b) vector-extension helper.
func (s *Store) HasRecentNearDuplicate(ctx context.Context, platform string, phash uint64, maxDistance int, window time.Duration) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM discovered_images
			WHERE platform = $1
			  AND phash IS NOT NULL
			  AND discovered_at > now() - $4::interval
			  AND bit_count(phash # phash_from_uint($2)) <= $3
		)`, platform, int64(phash), maxDistance, window.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("near-duplicate check: %w", err)
	}
	if exists {
		log.Debug().Str("platform", platform).Msg("Skipping near-duplicate image")
	}
	return exists, nil
}

// GetDiscoveredImage loads one row by ID.
func (s *Store) GetDiscoveredImage(ctx context.Context, id int64) (*DiscoveredImage, error) {
	var img DiscoveredImage
	err := s.pool.QueryRow(ctx, `
		SELECT id, source_url, page_url, COALESCE(page_title, ''), platform,
		       faces_detected, face_count, thumbnail_key, discovered_at
		FROM discovered_images WHERE id = $1`, id).
		Scan(&img.ID, &img.SourceURL, &img.PageURL, &img.PageTitle, &img.Platform,
			&img.FacesDetected, &img.FaceCount, &img.ThumbnailKey, &img.DiscoveredAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}
