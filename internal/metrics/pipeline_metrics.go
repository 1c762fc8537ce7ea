package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Discovery metrics
	ImagesDiscoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_images_discovered_total",
			Help: "Total number of new discovered-image rows by platform",
		},
		[]string{"platform"},
	)

	CrawlPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_crawl_pages_total",
			Help: "Total crawl pages fetched by platform and outcome",
		},
		[]string{"platform", "outcome"}, // ok, error, circuit_open
	)

	// Face detection metrics
	FacesDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanner_faces_detected_total",
			Help: "Total faces detected across all discovered images",
		},
	)

	DetectionChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_detection_chunks_total",
			Help: "Total face-detection child processes by outcome",
		},
		[]string{"outcome"}, // completed, timeout, failed
	)

	// Matching metrics
	MatchesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_matches_created_total",
			Help: "Total match rows created by confidence tier",
		},
		[]string{"tier"},
	)

	EmbeddingsMatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanner_embeddings_matched_total",
			Help: "Total discovered face embeddings scanned against the registry",
		},
	)

	UnmatchedEmbeddingsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanner_unmatched_embeddings",
			Help: "Discovered face embeddings still awaiting a registry scan",
		},
	)

	// Breaker and rate limiting
	CircuitBreakerOpensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_circuit_breaker_opens_total",
			Help: "Total circuit breaker transitions to open by host",
		},
		[]string{"host"},
	)

	// Scheduler metrics
	TickDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanner_tick_duration_seconds",
			Help:    "Duration of full scheduler ticks",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	WorkstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_workstream_errors_total",
			Help: "Total workstream errors by workstream name",
		},
		[]string{"workstream"}, // crawl, detect, match, ingest, scan, cleanup
	)

	ScanJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_scan_jobs_total",
			Help: "Total scan jobs by type and final status",
		},
		[]string{"type", "status"},
	)
)
