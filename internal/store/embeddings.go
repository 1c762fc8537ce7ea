package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// NewFaceEmbedding is the insert shape for a detected face.
type NewFaceEmbedding struct {
	FaceIndex int
	Vector    []float32
	Score     float64
}

// InsertFaceEmbeddings writes one row per detected face for a discovered
// image. Unique on (image_id, face_index), so re-runs are idempotent.
func (s *Store) InsertFaceEmbeddings(ctx context.Context, imageID int64, faces []NewFaceEmbedding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, f := range faces {
		if err := insertFaceEmbeddingTx(ctx, tx, imageID, f); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func insertFaceEmbeddingTx(ctx context.Context, tx pgx.Tx, imageID int64, f NewFaceEmbedding) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO discovered_face_embeddings (image_id, face_index, embedding, detection_score)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (image_id, face_index) DO NOTHING`,
		imageID, f.FaceIndex, pgvector.NewVector(f.Vector), f.Score)
	if err != nil {
		return fmt.Errorf("insert face embedding: %w", err)
	}
	return nil
}

// SelectUnmatchedEmbeddings returns up to limit face embeddings whose
// matched_at is still null, oldest first.
func (s *Store) SelectUnmatchedEmbeddings(ctx context.Context, limit int) ([]FaceEmbedding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, image_id, face_index, embedding, detection_score
		FROM discovered_face_embeddings
		WHERE matched_at IS NULL
		ORDER BY id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select unmatched embeddings: %w", err)
	}
	defer rows.Close()

	var embeddings []FaceEmbedding
	for rows.Next() {
		var e FaceEmbedding
		var vec pgvector.Vector
		if err := rows.Scan(&e.ID, &e.ImageID, &e.FaceIndex, &vec, &e.Score); err != nil {
			return nil, err
		}
		e.Vector = vec.Slice()
		embeddings = append(embeddings, e)
	}
	return embeddings, rows.Err()
}

// CountUnmatchedEmbeddings reports how many embeddings await matching.
func (s *Store) CountUnmatchedEmbeddings(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM discovered_face_embeddings WHERE matched_at IS NULL`).Scan(&n)
	return n, err
}

// MarkFaceEmbeddingsMatched sets matched_at on the processed batch. Runs
// after match inserts so a crash leaves the batch eligible for retry.
func (s *Store) MarkFaceEmbeddingsMatched(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE discovered_face_embeddings SET matched_at = now()
		WHERE id = ANY($1) AND matched_at IS NULL`, ids)
	if err != nil {
		return fmt.Errorf("mark embeddings matched: %w", err)
	}
	return nil
}

// --- Contributor embeddings ---

// PendingContributorImages returns reference images awaiting embedding.
func (s *Store) PendingContributorImages(ctx context.Context, limit int) ([]ContributorImage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, contributor_id, bucket, path, COALESCE(capture_step, '')
		FROM contributor_images
		WHERE embedding_status = 'pending'
		ORDER BY id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending contributor images: %w", err)
	}
	defer rows.Close()

	var images []ContributorImage
	for rows.Next() {
		var img ContributorImage
		if err := rows.Scan(&img.ID, &img.ContributorID, &img.Bucket, &img.Path, &img.CaptureStep); err != nil {
			return nil, err
		}
		img.Status = EmbeddingPending
		images = append(images, img)
	}
	return images, rows.Err()
}

// SetContributorImageStatus transitions a reference image to a terminal state.
func (s *Store) SetContributorImageStatus(ctx context.Context, imageID int64, status EmbeddingStatus, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE contributor_images SET embedding_status = $2, error_reason = NULLIF($3, '')
		WHERE id = $1`, imageID, status, reason)
	return err
}

// InsertContributorEmbedding stores a single-kind embedding and returns its
// ID plus whether it is the contributor's first.
func (s *Store) InsertContributorEmbedding(ctx context.Context, contributorID, sourceImageID int64, vector []float32, score float64) (int64, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback(ctx)

	var existing int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM contributor_embeddings WHERE contributor_id = $1`,
		contributorID).Scan(&existing); err != nil {
		return 0, false, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO contributor_embeddings
			(contributor_id, source_image_id, embedding, detection_score, kind, is_primary)
		VALUES ($1, $2, $3, $4, 'single', false)
		RETURNING id`,
		contributorID, sourceImageID, pgvector.NewVector(vector), score).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("insert contributor embedding: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, err
	}
	return id, existing == 0, nil
}

// ContributorSingles returns all single-kind embeddings for a contributor.
func (s *Store) ContributorSingles(ctx context.Context, contributorID int64) ([]ContributorEmbedding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, embedding, detection_score, is_primary
		FROM contributor_embeddings
		WHERE contributor_id = $1 AND kind = 'single'
		ORDER BY id ASC`, contributorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContributorEmbedding
	for rows.Next() {
		var e ContributorEmbedding
		var vec pgvector.Vector
		if err := rows.Scan(&e.ID, &vec, &e.Score, &e.IsPrimary); err != nil {
			return nil, err
		}
		e.ContributorID = contributorID
		e.Kind = KindSingle
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	return out, rows.Err()
}

// PromotePrimary marks the given embedding primary and clears the flag on
// all of the contributor's other embeddings, in one transaction.
func (s *Store) PromotePrimary(ctx context.Context, contributorID, embeddingID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE contributor_embeddings SET is_primary = false WHERE contributor_id = $1 AND is_primary`,
		contributorID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE contributor_embeddings SET is_primary = true WHERE id = $1 AND contributor_id = $2`,
		embeddingID, contributorID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReplaceCentroid deletes any previous centroid, clears primary from all
// siblings, and inserts the new centroid as primary with its metadata.
func (s *Store) ReplaceCentroid(ctx context.Context, contributorID int64, vector []float32, avgScore float64, meta json.RawMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM contributor_embeddings WHERE contributor_id = $1 AND kind = 'centroid'`,
		contributorID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE contributor_embeddings SET is_primary = false WHERE contributor_id = $1 AND is_primary`,
		contributorID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO contributor_embeddings
			(contributor_id, embedding, detection_score, kind, is_primary, centroid_meta)
		VALUES ($1, $2, $3, 'centroid', true, $4)`,
		contributorID, pgvector.NewVector(vector), avgScore, meta); err != nil {
		return fmt.Errorf("insert centroid: %w", err)
	}
	return tx.Commit(ctx)
}

// HighestScoreSingle returns the contributor's best single embedding ID.
func (s *Store) HighestScoreSingle(ctx context.Context, contributorID int64) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM contributor_embeddings
		WHERE contributor_id = $1 AND kind = 'single'
		ORDER BY detection_score DESC, id ASC
		LIMIT 1`, contributorID).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// ProcessedContributorImages returns up to limit reference images that have
// produced an embedding, best capture first.
func (s *Store) ProcessedContributorImages(ctx context.Context, contributorID int64, limit int) ([]ContributorImage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ci.id, ci.bucket, ci.path, COALESCE(ci.capture_step, '')
		FROM contributor_images ci
		JOIN contributor_embeddings ce ON ce.source_image_id = ci.id
		WHERE ci.contributor_id = $1 AND ci.embedding_status = 'processed'
		ORDER BY ce.detection_score DESC, ci.id ASC
		LIMIT $2`, contributorID, limit)
	if err != nil {
		return nil, fmt.Errorf("select processed contributor images: %w", err)
	}
	defer rows.Close()

	var images []ContributorImage
	for rows.Next() {
		var img ContributorImage
		if err := rows.Scan(&img.ID, &img.Bucket, &img.Path, &img.CaptureStep); err != nil {
			return nil, err
		}
		img.ContributorID = contributorID
		img.Status = EmbeddingProcessed
		images = append(images, img)
	}
	return images, rows.Err()
}

// PrimaryEmbedding returns the contributor's primary vector, or nil when the
// contributor has no embeddings yet.
func (s *Store) PrimaryEmbedding(ctx context.Context, contributorID int64) ([]float32, error) {
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx, `
		SELECT embedding FROM contributor_embeddings
		WHERE contributor_id = $1 AND is_primary
		LIMIT 1`, contributorID).Scan(&vec)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return vec.Slice(), nil
}

// BackfillCandidates runs the one-shot historical search for a contributor's
// first embedding: stored discovered-face embeddings within the lookback
// window with similarity above the threshold.
func (s *Store) BackfillCandidates(ctx context.Context, vector []float32, threshold float64, lookback time.Duration, limit int) ([]FaceEmbedding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, image_id, face_index, embedding, detection_score,
		       1 - (embedding <=> $1) AS similarity
		FROM discovered_face_embeddings
		WHERE created_at > now() - $3::interval
		  AND 1 - (embedding <=> $1) > $2
		ORDER BY embedding <=> $1 ASC
		LIMIT $4`,
		pgvector.NewVector(vector), threshold, lookback.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("backfill search: %w", err)
	}
	defer rows.Close()

	var out []FaceEmbedding
	for rows.Next() {
		var e FaceEmbedding
		var vec pgvector.Vector
		var similarity float64
		if err := rows.Scan(&e.ID, &e.ImageID, &e.FaceIndex, &vec, &e.Score, &similarity); err != nil {
			return nil, err
		}
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	return out, rows.Err()
}
