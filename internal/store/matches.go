package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// NewMatch is the insert shape for a contributor match.
type NewMatch struct {
	ImageID       int64
	ContributorID int64
	EmbeddingID   int64
	FaceIndex     int
	Similarity    float64
	Tier          ConfidenceTier
	SourceAccount string
}

// InsertMatch creates a match row, deduplicated on (image, contributor).
// Returns (matchID, true) when a new row was created, (0, false) on conflict.
func (s *Store) InsertMatch(ctx context.Context, m NewMatch) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO matches
			(discovered_image_id, contributor_id, contributor_embedding_id,
			 face_index, similarity_score, confidence_tier, source_account, review_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		ON CONFLICT (discovered_image_id, contributor_id) DO NOTHING
		RETURNING id`,
		m.ImageID, m.ContributorID, m.EmbeddingID, m.FaceIndex,
		m.Similarity, m.Tier, m.SourceAccount).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert match: %w", err)
	}
	return id, true, nil
}

// MarkKnownAccount flags a match as allowlisted.
func (s *Store) MarkKnownAccount(ctx context.Context, matchID, knownAccountID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE matches SET is_known_account = true, known_account_id = $2
		WHERE id = $1`, matchID, knownAccountID)
	return err
}

// SetAIClassification records the AI-generation verdict on a match.
func (s *Store) SetAIClassification(ctx context.Context, matchID int64, isAI bool, score float64, generator string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE matches SET ai_generated = $2, ai_score = $3, ai_generator = NULLIF($4, '')
		WHERE id = $1`, matchID, isAI, score, generator)
	return err
}

// NewRegistryMatch is the insert shape for a registry identity match.
type NewRegistryMatch struct {
	IdentityID int64
	ImageID    int64
	FaceIndex  int
	Similarity float64
	Tier       ConfidenceTier
}

// InsertRegistryMatch creates a registry match, deduplicated on
// (identity, image, face_index).
func (s *Store) InsertRegistryMatch(ctx context.Context, m NewRegistryMatch) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO registry_matches
			(identity_id, discovered_image_id, face_index, similarity_score, confidence_tier)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identity_id, discovered_image_id, face_index) DO NOTHING`,
		m.IdentityID, m.ImageID, m.FaceIndex, m.Similarity, m.Tier)
	if err != nil {
		return false, fmt.Errorf("insert registry match: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertEvidence attaches a content-addressed screenshot to a match.
func (s *Store) InsertEvidence(ctx context.Context, e Evidence) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO match_evidence (match_id, evidence_type, storage_url, sha256, byte_size)
		VALUES ($1, $2, $3, $4, $5)`,
		e.MatchID, e.Type, e.StorageURL, e.SHA256, e.ByteSize)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// KnownAccountsFor preloads a contributor set's allowlist entries, keyed by
// contributor ID, to avoid per-match roundtrips during a matching batch.
func (s *Store) KnownAccountsFor(ctx context.Context, contributorIDs []int64) (map[int64][]KnownAccount, error) {
	if len(contributorIDs) == 0 {
		return map[int64][]KnownAccount{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, contributor_id, COALESCE(platform, ''), COALESCE(handle, ''), COALESCE(domain, '')
		FROM known_accounts
		WHERE contributor_id = ANY($1)`, contributorIDs)
	if err != nil {
		return nil, fmt.Errorf("select known accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]KnownAccount)
	for rows.Next() {
		var ka KnownAccount
		if err := rows.Scan(&ka.ID, &ka.ContributorID, &ka.Platform, &ka.Handle, &ka.Domain); err != nil {
			return nil, err
		}
		out[ka.ContributorID] = append(out[ka.ContributorID], ka)
	}
	return out, rows.Err()
}

// GetContributor loads a contributor's tier and flags.
func (s *Store) GetContributor(ctx context.Context, id int64) (*Contributor, error) {
	var c Contributor
	err := s.pool.QueryRow(ctx, `
		SELECT id, subscription_tier, opted_out, suspended, onboarding_complete
		FROM contributors WHERE id = $1`, id).
		Scan(&c.ID, &c.Tier, &c.OptedOut, &c.Suspended, &c.OnboardingComplete)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertNotification queues a user-facing notification.
func (s *Store) InsertNotification(ctx context.Context, contributorID int64, title, body string, payload json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (contributor_id, title, body, payload)
		VALUES ($1, $2, $3, $4)`, contributorID, title, body, payload)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}
