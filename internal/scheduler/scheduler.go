// Package scheduler owns the tick loop: each tick advances ingest, runs due
// reverse-image scans, refreshes the tag taxonomy when due, dispatches the
// three pipeline workstreams in parallel, then runs retention cleanup. The
// workstreams share no in-memory state, only database rows.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/madeofus/scanner/internal/cleanup"
	"github.com/madeofus/scanner/internal/ingest"
	"github.com/madeofus/scanner/internal/match"
	"github.com/madeofus/scanner/internal/metrics"
	"github.com/madeofus/scanner/internal/scan"
	"github.com/madeofus/scanner/internal/store"
)

// shutdownGrace bounds the post-cancellation database writes.
const shutdownGrace = 10 * time.Second

// Store is the scheduling slice of the data store.
type Store interface {
	DueCrawls(ctx context.Context) ([]store.CrawlState, error)
	EnsureCrawlState(ctx context.Context, platform string, interval time.Duration) error
	RecoverStaleJobs(ctx context.Context, maxAge time.Duration) (int, error)
	InterruptRunningJobs(ctx context.Context) (int, error)
	CreateJob(ctx context.Context, scanType, sourceName, stage string) (int64, error)
	StartJob(ctx context.Context, jobID int64) error
	CompleteJob(ctx context.Context, jobID int64, counters store.JobCounters) error
	FailJob(ctx context.Context, jobID int64, jobErr error) error
}

// Crawler runs one platform crawl tick.
type Crawler interface {
	Providers() []string
	RunPlatform(ctx context.Context, state store.CrawlState) (store.JobCounters, error)
}

// IngestWorker advances pending reference images and registry selfies.
type IngestWorker interface {
	Run(ctx context.Context) (ingest.Stats, error)
}

// ScanRunner executes due per-contributor reverse-image scans.
type ScanRunner interface {
	Run(ctx context.Context) (scan.Stats, error)
}

// DetectWorker dispatches face-detection chunks.
type DetectWorker interface {
	Run(ctx context.Context) error
}

// MatchEngine processes one batch of unmatched embeddings.
type MatchEngine interface {
	Run(ctx context.Context) (match.Stats, error)
}

// CleanupWorker runs the hourly retention pass and the per-tick temp GC.
type CleanupWorker interface {
	Due(now time.Time) bool
	Run(ctx context.Context, now time.Time) cleanup.Stats
	CollectTempFiles(now time.Time) int
}

// TaxonomyMapper refreshes the platform tag lists. The mapper itself is an
// external collaborator; the scheduler only gives it a slot in the tick.
type TaxonomyMapper interface {
	Due(now time.Time) bool
	Refresh(ctx context.Context) error
}

// Options wires a scheduler.
type Options struct {
	Store          Store
	Crawler        Crawler
	Ingest         IngestWorker
	Scans          ScanRunner
	Detect         DetectWorker
	Match          MatchEngine
	Cleanup        CleanupWorker
	Taxonomy       TaxonomyMapper // optional
	TickInterval   time.Duration
	StaleJobMaxAge time.Duration
	CrawlIntervals map[string]time.Duration

	// Reload fires when the environment file changes; the scheduler answers
	// with an immediate tick. Optional.
	Reload <-chan struct{}
}

// Scheduler is the tick loop.
type Scheduler struct {
	opts Options
	now  func() time.Time
}

// New builds a scheduler.
func New(opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	return &Scheduler{opts: opts, now: time.Now}
}

// Run starts the loop and blocks until ctx is cancelled. On shutdown the
// still-running jobs are marked interrupted under a short grace context.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.startup(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.opts.Reload:
			log.Info().Msg("Configuration reloaded, running immediate tick")
			s.Tick(ctx)
		}
	}
}

// startup recovers jobs orphaned by a previous crash and seeds crawl-state
// rows for every registered provider.
func (s *Scheduler) startup(ctx context.Context) error {
	recovered, err := s.opts.Store.RecoverStaleJobs(ctx, s.opts.StaleJobMaxAge)
	if err != nil {
		return err
	}
	if recovered > 0 {
		log.Warn().Int("jobs", recovered).Msg("Recovered stale running jobs")
	}

	for _, platform := range s.opts.Crawler.Providers() {
		interval, ok := s.opts.CrawlIntervals[platform]
		if !ok {
			interval = 6 * time.Hour
		}
		if err := s.opts.Store.EnsureCrawlState(ctx, platform, interval); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	interrupted, err := s.opts.Store.InterruptRunningJobs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to interrupt running jobs on shutdown")
		return
	}
	if interrupted > 0 {
		log.Info().Int("jobs", interrupted).Msg("Marked running jobs interrupted")
	}
}

// Tick executes one full scheduler pass. Workstream failures are isolated:
// each is logged and counted, and never stops the others.
func (s *Scheduler) Tick(ctx context.Context) {
	start := s.now()
	defer func() {
		metrics.TickDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	if _, err := s.opts.Ingest.Run(ctx); err != nil {
		s.workstreamError("ingest", err)
	}
	if _, err := s.opts.Scans.Run(ctx); err != nil {
		s.workstreamError("scan", err)
	}
	if s.opts.Taxonomy != nil && s.opts.Taxonomy.Due(start) {
		if err := s.opts.Taxonomy.Refresh(ctx); err != nil {
			s.workstreamError("taxonomy", err)
		}
	}

	s.runParallelWorkstreams(ctx)

	if s.opts.Cleanup.Due(start) {
		s.opts.Cleanup.Run(ctx, start)
	} else {
		s.opts.Cleanup.CollectTempFiles(start)
	}
}

// runParallelWorkstreams fans out detection, matching and the due platform
// crawls. The closures always return nil so one workstream's failure cannot
// cancel its siblings through the group context.
func (s *Scheduler) runParallelWorkstreams(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.opts.Detect.Run(ctx); err != nil {
			s.workstreamError("detect", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := s.opts.Match.Run(ctx); err != nil {
			s.workstreamError("match", err)
		}
		return nil
	})

	due, err := s.opts.Store.DueCrawls(ctx)
	if err != nil {
		s.workstreamError("crawl", err)
	}
	for _, state := range due {
		state := state
		g.Go(func() error {
			s.runCrawlJob(ctx, state)
			return nil
		})
	}

	g.Wait()
}

func (s *Scheduler) runCrawlJob(ctx context.Context, state store.CrawlState) {
	jobID, err := s.opts.Store.CreateJob(ctx, "platform", state.Platform, "crawl")
	if err != nil {
		log.Error().Err(err).Str("platform", state.Platform).Msg("Failed to create crawl job")
		return
	}
	if err := s.opts.Store.StartJob(ctx, jobID); err != nil {
		log.Error().Err(err).Int64("job_id", jobID).Msg("Failed to start crawl job")
		return
	}

	counters, err := s.opts.Crawler.RunPlatform(ctx, state)
	if err != nil {
		if ferr := s.opts.Store.FailJob(ctx, jobID, err); ferr != nil {
			log.Error().Err(ferr).Int64("job_id", jobID).Msg("Failed to fail crawl job")
		}
		metrics.ScanJobsTotal.WithLabelValues("platform", "failed").Inc()
		s.workstreamError("crawl", err)
		return
	}

	if err := s.opts.Store.CompleteJob(ctx, jobID, counters); err != nil {
		log.Error().Err(err).Int64("job_id", jobID).Msg("Failed to complete crawl job")
	}
	metrics.ScanJobsTotal.WithLabelValues("platform", "completed").Inc()
}

func (s *Scheduler) workstreamError(name string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	metrics.WorkstreamErrorsTotal.WithLabelValues(name).Inc()
	log.Error().Err(err).Str("workstream", name).Msg("Workstream failed")
}
