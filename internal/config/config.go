package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the unified environment-driven configuration for the scanner.
type Config struct {
	// Database
	DatabaseURL string
	DatabaseSSL bool

	// Object storage (supabase-style REST endpoint)
	SupabaseURL        string
	SupabaseServiceKey string

	// External providers
	FaceAPIURL         string
	ReverseImageAPIURL string
	AIClassifierURL    string

	// Matching thresholds (defaults; live values come from the ML state store)
	MatchThresholdLow    float64
	MatchThresholdMedium float64
	MatchThresholdHigh   float64

	// Scheduler
	SchedulerTickSeconds int
	ScanBatchSize        int
	StaleJobMaxAge       time.Duration
	BackfillLookbackDays int

	// Face detection worker
	FaceDetectionChunkSize int
	FaceDetectionMaxChunks int
	FaceDetectionTimeout   time.Duration

	// Matching
	MatchingBatchSize int

	// Crawls
	CivitaiCrawlInterval    time.Duration
	DeviantartCrawlInterval time.Duration
	CivitaiMaxPages         int
	CivitaiHighDamagePages  int
	CivitaiMedDamagePages   int
	CivitaiLowDamagePages   int
	DeviantartMaxPages      int

	// Provider endpoints and credentials. The tag lists are seeded from the
	// env until the taxonomy mapper refreshes them.
	CivitaiBaseURL         string
	CivitaiTagsHigh        []string
	CivitaiTagsMedium      []string
	CivitaiTagsLow         []string
	DeviantartBaseURL      string
	DeviantartClientID     string
	DeviantartClientSecret string
	DeviantartSearchTerms  []string

	// Downloads
	DownloadConcurrency int
	ProxyURL            string
	TempDir             string

	// ML recommendations
	AutoApplyLowRisk bool

	// Observability
	LogLevel    string
	LogFormat   string
	MetricsPort int
}

// Load reads configuration from the environment, with .env support.
func Load() (*Config, error) {
	// A .env in the working directory is optional; environment always wins.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env file")
	}

	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DatabaseSSL:        envBool("DATABASE_SSL", true),
		SupabaseURL:        strings.TrimRight(os.Getenv("SUPABASE_URL"), "/"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_KEY"),

		FaceAPIURL:         envString("FACE_API_URL", "http://127.0.0.1:18081"),
		ReverseImageAPIURL: os.Getenv("REVERSE_IMAGE_API_URL"),
		AIClassifierURL:    os.Getenv("AI_CLASSIFIER_URL"),

		MatchThresholdLow:    envFloat("MATCH_THRESHOLD_LOW", 0.50),
		MatchThresholdMedium: envFloat("MATCH_THRESHOLD_MEDIUM", 0.65),
		MatchThresholdHigh:   envFloat("MATCH_THRESHOLD_HIGH", 0.85),

		SchedulerTickSeconds: envInt("SCHEDULER_TICK_SECONDS", 60),
		ScanBatchSize:        envInt("SCAN_BATCH_SIZE", 10),
		StaleJobMaxAge:       time.Duration(envInt("STALE_JOB_MAX_AGE_MINUTES", 120)) * time.Minute,
		BackfillLookbackDays: envInt("BACKFILL_LOOKBACK_DAYS", 90),

		FaceDetectionChunkSize: envInt("FACE_DETECTION_CHUNK_SIZE", 200),
		FaceDetectionMaxChunks: envInt("FACE_DETECTION_MAX_CHUNKS", 3),
		FaceDetectionTimeout:   time.Duration(envInt("FACE_DETECTION_TIMEOUT", 600)) * time.Second,

		MatchingBatchSize: envInt("MATCHING_BATCH_SIZE", 500),

		CivitaiCrawlInterval:    time.Duration(envInt("CIVITAI_CRAWL_INTERVAL_HOURS", 6)) * time.Hour,
		DeviantartCrawlInterval: time.Duration(envInt("DEVIANTART_CRAWL_INTERVAL_HOURS", 12)) * time.Hour,
		CivitaiMaxPages:         envInt("CIVITAI_MAX_PAGES", 3),
		CivitaiHighDamagePages:  envInt("CIVITAI_HIGH_DAMAGE_PAGES", 10),
		CivitaiMedDamagePages:   envInt("CIVITAI_MEDIUM_DAMAGE_PAGES", 5),
		CivitaiLowDamagePages:   envInt("CIVITAI_LOW_DAMAGE_PAGES", 2),
		DeviantartMaxPages:      envInt("DEVIANTART_MAX_PAGES", 5),

		CivitaiBaseURL:         envString("CIVITAI_BASE_URL", "https://civitai.com"),
		CivitaiTagsHigh:        envList("CIVITAI_TAGS_HIGH"),
		CivitaiTagsMedium:      envList("CIVITAI_TAGS_MEDIUM"),
		CivitaiTagsLow:         envList("CIVITAI_TAGS_LOW"),
		DeviantartBaseURL:      envString("DEVIANTART_BASE_URL", "https://www.deviantart.com"),
		DeviantartClientID:     os.Getenv("DEVIANTART_CLIENT_ID"),
		DeviantartClientSecret: os.Getenv("DEVIANTART_CLIENT_SECRET"),
		DeviantartSearchTerms:  envList("DEVIANTART_SEARCH_TERMS"),

		DownloadConcurrency: envInt("DOWNLOAD_CONCURRENCY", 5),
		ProxyURL:            os.Getenv("PROXY_URL"),
		TempDir:             envString("TEMP_DIR", filepath.Join(os.TempDir(), "scanner")),

		AutoApplyLowRisk: envBool("AUTO_APPLY_LOW_RISK", false),

		LogLevel:    envString("LOG_LEVEL", "info"),
		LogFormat:   envString("LOG_FORMAT", "auto"),
		MetricsPort: envInt("METRICS_PORT", 9109),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.SchedulerTickSeconds < 5 {
		return fmt.Errorf("SCHEDULER_TICK_SECONDS must be at least 5, got %d", c.SchedulerTickSeconds)
	}
	if !(c.MatchThresholdLow < c.MatchThresholdMedium && c.MatchThresholdMedium < c.MatchThresholdHigh) {
		return fmt.Errorf("match thresholds must be strictly increasing: low=%v medium=%v high=%v",
			c.MatchThresholdLow, c.MatchThresholdMedium, c.MatchThresholdHigh)
	}
	if c.MatchThresholdLow <= 0 || c.MatchThresholdHigh >= 1 {
		return fmt.Errorf("match thresholds must lie in (0,1)")
	}
	if c.FaceDetectionChunkSize <= 0 || c.FaceDetectionMaxChunks <= 0 {
		return fmt.Errorf("face detection chunk settings must be positive")
	}
	if c.DownloadConcurrency <= 0 {
		c.DownloadConcurrency = 5
	}
	return nil
}

// TickInterval returns the scheduler cadence as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.SchedulerTickSeconds) * time.Second
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid float in environment, using default")
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment, using default")
		return fallback
	}
}
