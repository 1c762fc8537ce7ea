package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DueCrawls returns enabled platforms whose next_crawl_at has passed.
func (s *Store) DueCrawls(ctx context.Context) ([]CrawlState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT platform, enabled, next_crawl_at, last_crawl_at, interval_hours,
		       COALESCE(cursor, 'null'::jsonb), tags_total, tags_exhausted,
		       total_images_discovered, phase
		FROM platform_crawl_state
		WHERE enabled AND next_crawl_at <= now()`)
	if err != nil {
		return nil, fmt.Errorf("select due crawls: %w", err)
	}
	defer rows.Close()

	var states []CrawlState
	for rows.Next() {
		st, err := scanCrawlState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

func scanCrawlState(row pgx.Row) (*CrawlState, error) {
	var st CrawlState
	var intervalHours int
	if err := row.Scan(&st.Platform, &st.Enabled, &st.NextCrawlAt, &st.LastCrawlAt,
		&intervalHours, &st.Cursor, &st.TagsTotal, &st.TagsExhausted,
		&st.TotalDiscovered, &st.Phase); err != nil {
		return nil, err
	}
	st.Interval = time.Duration(intervalHours) * time.Hour
	return &st, nil
}

// CrawlResult is what a finished platform tick persists.
type CrawlResult struct {
	Cursor        json.RawMessage
	NewImages     int
	TagsTotal     int
	TagsExhausted int
}

// FinishCrawl persists cursor and coverage counters at end-of-tick and
// schedules the next crawl. The cursor is written only here, after all pages
// for the tick have been processed. total_images_discovered counts new rows
// only.
func (s *Store) FinishCrawl(ctx context.Context, platform string, result CrawlResult) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE platform_crawl_state
		SET cursor = $2,
		    tags_total = $3,
		    tags_exhausted = $4,
		    total_images_discovered = total_images_discovered + $5,
		    last_crawl_at = now(),
		    next_crawl_at = now() + (interval_hours || ' hours')::interval
		WHERE platform = $1`,
		platform, result.Cursor, result.TagsTotal, result.TagsExhausted, result.NewImages)
	if err != nil {
		return fmt.Errorf("finish crawl: %w", err)
	}
	return nil
}

// SetCrawlPhase updates the platform's coarse pipeline phase.
func (s *Store) SetCrawlPhase(ctx context.Context, platform string, phase CrawlPhase) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE platform_crawl_state SET phase = $2 WHERE platform = $1`, platform, phase)
	return err
}

// EnsureCrawlState seeds a platform row if missing. Used at startup so new
// providers schedule their first crawl immediately.
func (s *Store) EnsureCrawlState(ctx context.Context, platform string, interval time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO platform_crawl_state (platform, enabled, next_crawl_at, interval_hours, phase)
		VALUES ($1, true, now(), $2, 'idle')
		ON CONFLICT (platform) DO UPDATE SET interval_hours = EXCLUDED.interval_hours`,
		platform, int(interval.Hours()))
	if err != nil {
		return fmt.Errorf("ensure crawl state: %w", err)
	}
	return nil
}
