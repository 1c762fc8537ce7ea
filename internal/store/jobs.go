package store

import (
	"context"
	"fmt"
	"time"
)

// maxJobErrorLen truncates persisted error messages.
const maxJobErrorLen = 500

// CreateJob inserts a pending scan job and returns its ID.
func (s *Store) CreateJob(ctx context.Context, scanType, sourceName, stage string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO scan_jobs (scan_type, source_name, stage, status)
		VALUES ($1, $2, NULLIF($3, ''), 'pending')
		RETURNING id`, scanType, sourceName, stage).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

// StartJob transitions a job to running.
func (s *Store) StartJob(ctx context.Context, jobID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scan_jobs SET status = 'running', started_at = now()
		WHERE id = $1`, jobID)
	return err
}

// JobCounters aggregates the per-job result counters.
type JobCounters struct {
	ImagesFound  int
	FacesFound   int
	MatchesFound int
}

// CompleteJob transitions a job to completed with its counters.
func (s *Store) CompleteJob(ctx context.Context, jobID int64, counters JobCounters) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scan_jobs
		SET status = 'completed', completed_at = now(),
		    images_found = $2, faces_found = $3, matches_found = $4
		WHERE id = $1`,
		jobID, counters.ImagesFound, counters.FacesFound, counters.MatchesFound)
	return err
}

// FailJob transitions a job to failed with a truncated error message.
func (s *Store) FailJob(ctx context.Context, jobID int64, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	if len(msg) > maxJobErrorLen {
		msg = msg[:maxJobErrorLen]
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE scan_jobs SET status = 'failed', completed_at = now(), error = $2
		WHERE id = $1`, jobID, msg)
	return err
}

// InterruptRunningJobs marks all running jobs interrupted. Called during
// graceful shutdown.
func (s *Store) InterruptRunningJobs(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scan_jobs SET status = 'interrupted', completed_at = now()
		WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("interrupt running jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecoverStaleJobs reclassifies jobs stuck in running beyond maxAge as
// failed with the stale-job marker. Called once at startup.
func (s *Store) RecoverStaleJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scan_jobs SET status = 'failed', completed_at = now(), error = $2
		WHERE status = 'running' AND started_at < now() - $1::interval`,
		maxAge.String(), StaleJobError)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DueScans returns contributor scan schedules whose next_scan_at has passed,
// ordered by priority descending then next_scan_at ascending.
func (s *Store) DueScans(ctx context.Context, limit int) ([]ScanSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contributor_id, next_scan_at, interval_hours, priority
		FROM scan_schedules
		WHERE next_scan_at <= now()
		ORDER BY priority DESC, next_scan_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select due scans: %w", err)
	}
	defer rows.Close()

	var schedules []ScanSchedule
	for rows.Next() {
		var sch ScanSchedule
		var intervalHours int
		if err := rows.Scan(&sch.ContributorID, &sch.NextScanAt, &intervalHours, &sch.Priority); err != nil {
			return nil, err
		}
		sch.Interval = time.Duration(intervalHours) * time.Hour
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

// AdvanceScanSchedule pushes a contributor's next scan out by its interval.
func (s *Store) AdvanceScanSchedule(ctx context.Context, contributorID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scan_schedules
		SET next_scan_at = now() + (interval_hours || ' hours')::interval
		WHERE contributor_id = $1`, contributorID)
	return err
}

// UpsertScanSchedule creates or updates a contributor's scan schedule with a
// tier-derived interval.
func (s *Store) UpsertScanSchedule(ctx context.Context, contributorID int64, interval time.Duration, priority int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_schedules (contributor_id, next_scan_at, interval_hours, priority)
		VALUES ($1, now(), $2, $3)
		ON CONFLICT (contributor_id)
		DO UPDATE SET interval_hours = EXCLUDED.interval_hours, priority = EXCLUDED.priority`,
		contributorID, int(interval.Hours()), priority)
	return err
}
