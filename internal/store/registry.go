package store

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// PendingRegistrySelfie is a registry identity awaiting embedding.
type PendingRegistrySelfie struct {
	IdentityID int64
	Bucket     string
	Path       string
}

// PendingRegistrySelfies returns registry identities whose selfie has not
// been embedded yet.
func (s *Store) PendingRegistrySelfies(ctx context.Context, limit int) ([]PendingRegistrySelfie, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, selfie_bucket, selfie_path
		FROM registry_identities
		WHERE embedding_status = 'pending' AND selfie_path IS NOT NULL
		ORDER BY id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending registry selfies: %w", err)
	}
	defer rows.Close()

	var out []PendingRegistrySelfie
	for rows.Next() {
		var p PendingRegistrySelfie
		if err := rows.Scan(&p.IdentityID, &p.Bucket, &p.Path); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetRegistryEmbedding stores a registry identity's face embedding.
func (s *Store) SetRegistryEmbedding(ctx context.Context, identityID int64, vector []float32) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE registry_identities
		SET embedding = $2, embedding_status = 'processed'
		WHERE id = $1`, identityID, pgvector.NewVector(vector))
	return err
}

// FailRegistryEmbedding marks a registry selfie terminally failed.
func (s *Store) FailRegistryEmbedding(ctx context.Context, identityID int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE registry_identities
		SET embedding_status = 'failed', embedding_error = $2
		WHERE id = $1`, identityID, reason)
	return err
}
