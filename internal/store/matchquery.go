package store

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// VectorHit is one row from the combined registry comparison query.
type VectorHit struct {
	OwnerID     int64 // contributor ID or registry identity ID
	EmbeddingID int64
	Similarity  float64
	Source      string // "contributor" or "registry"
}

// HitSourceContributor and HitSourceRegistry label the two query branches.
const (
	HitSourceContributor = "contributor"
	HitSourceRegistry    = "registry"
)

// registryComparisonSQL assembles the combined contributor+registry vector
// query. Both branches compute cosine similarity as 1 - cosine distance,
// filter by the low threshold, and the union is ordered by similarity
// descending with a top-K limit.
//
// Parameters: $1 query embedding, $2 similarity threshold, $3 limit.
func registryComparisonSQL(primaryOnly bool) string {
	primaryFilter := ""
	if primaryOnly {
		primaryFilter = " AND ce.is_primary = true"
	}
	return fmt.Sprintf(`
		SELECT owner_id, embedding_id, similarity, source FROM (
			SELECT ce.contributor_id AS owner_id,
			       ce.id AS embedding_id,
			       1 - (ce.embedding <=> $1) AS similarity,
			       'contributor' AS source
			FROM contributor_embeddings ce
			JOIN contributors c ON c.id = ce.contributor_id
			WHERE c.opted_out = false
			  AND c.suspended = false%s
			UNION ALL
			SELECT ri.id AS owner_id,
			       ri.id AS embedding_id,
			       1 - (ri.embedding <=> $1) AS similarity,
			       'registry' AS source
			FROM registry_identities ri
			WHERE ri.embedding IS NOT NULL
			  AND ri.embedding_status = 'processed'
			  AND ri.status IN ('claimed', 'verified')
		) hits
		WHERE similarity > $2
		ORDER BY similarity DESC
		LIMIT $3`, primaryFilter)
}

// CompareAgainstRegistry runs the combined vector query for one discovered
// face embedding.
func (s *Store) CompareAgainstRegistry(ctx context.Context, vector []float32, threshold float64, limit int, primaryOnly bool) ([]VectorHit, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, registryComparisonSQL(primaryOnly),
		pgvector.NewVector(vector), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("registry comparison query: %w", err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.OwnerID, &h.EmbeddingID, &h.Similarity, &h.Source); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
