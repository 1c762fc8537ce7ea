package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/madeofus/scanner/internal/aiclass"
	"github.com/madeofus/scanner/internal/cleanup"
	"github.com/madeofus/scanner/internal/config"
	"github.com/madeofus/scanner/internal/crawl"
	"github.com/madeofus/scanner/internal/crawl/civitai"
	"github.com/madeofus/scanner/internal/crawl/deviantart"
	"github.com/madeofus/scanner/internal/detect"
	"github.com/madeofus/scanner/internal/evidence"
	"github.com/madeofus/scanner/internal/face"
	"github.com/madeofus/scanner/internal/imgutil"
	"github.com/madeofus/scanner/internal/ingest"
	"github.com/madeofus/scanner/internal/logging"
	"github.com/madeofus/scanner/internal/match"
	"github.com/madeofus/scanner/internal/mlstate"
	"github.com/madeofus/scanner/internal/ratelimit"
	"github.com/madeofus/scanner/internal/reverseimage"
	"github.com/madeofus/scanner/internal/scan"
	"github.com/madeofus/scanner/internal/scheduler"
	"github.com/madeofus/scanner/internal/storage"
	"github.com/madeofus/scanner/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// faceModel is the detection model the sidecar loads.
const faceModel = "buffalo_l"

const downloadTimeout = 60 * time.Second

var rootCmd = &cobra.Command{
	Use:     "scanner",
	Short:   "Likeness-discovery scanner",
	Long:    `Scanner crawls image platforms, detects faces, and matches them against consenting contributors and the registry.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runScanner()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Scanner %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(detectChunkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runScanner() {
	// Baseline logger for early startup logs; re-initialized from config below.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "scanner"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "scanner"})

	log.Info().Str("version", Version).Msg("Starting likeness scanner")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startMetricsServer(ctx, fmt.Sprintf(":%d", cfg.MetricsPort))

	st, err := store.New(ctx, cfg.DatabaseURL, cfg.DatabaseSSL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer st.Close()

	limiter := ratelimit.NewRegistry(ratelimit.DefaultLimits(), nil)
	objects := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey)
	detector := face.NewHTTPDetector(cfg.FaceAPIURL)
	if err := detector.InitModel(ctx, faceModel); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize detection model")
	}
	thresholds := mlstate.NewReader(st, mlstate.Thresholds{
		Low:    cfg.MatchThresholdLow,
		Medium: cfg.MatchThresholdMedium,
		High:   cfg.MatchThresholdHigh,
	})

	downloader, err := imgutil.NewDownloader(limiter, int64(cfg.DownloadConcurrency), cfg.ProxyURL, downloadTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build image downloader")
	}

	crawler := crawl.NewCrawler(st, detector, []crawl.Provider{
		civitai.New(civitai.Options{
			BaseURL:           cfg.CivitaiBaseURL,
			MaxPages:          cfg.CivitaiMaxPages,
			HighDamagePages:   cfg.CivitaiHighDamagePages,
			MediumDamagePages: cfg.CivitaiMedDamagePages,
			LowDamagePages:    cfg.CivitaiLowDamagePages,
			TagsHigh:          cfg.CivitaiTagsHigh,
			TagsMedium:        cfg.CivitaiTagsMedium,
			TagsLow:           cfg.CivitaiTagsLow,
		}, limiter),
		deviantart.New(deviantart.Options{
			BaseURL:      cfg.DeviantartBaseURL,
			ClientID:     cfg.DeviantartClientID,
			ClientSecret: cfg.DeviantartClientSecret,
			MaxPages:     cfg.DeviantartMaxPages,
			SearchTerms:  cfg.DeviantartSearchTerms,
		}, limiter, downloader, objects),
	})

	detectWorker := detect.NewWorker(st, cfg.FaceDetectionChunkSize, cfg.FaceDetectionMaxChunks, cfg.FaceDetectionTimeout, nil)

	var classifier aiclass.Classifier
	if cfg.AIClassifierURL != "" {
		classifier = aiclass.New(cfg.AIClassifierURL, limiter)
	}
	capturer := evidence.NewBrowserCapturer(0)
	defer capturer.Shutdown()
	engine := match.NewEngine(st, thresholds, classifier, evidence.NewService(capturer, objects), objects, cfg.MatchingBatchSize)

	lookback := time.Duration(cfg.BackfillLookbackDays) * 24 * time.Hour
	ingestWorker := ingest.NewWorker(st, objects, detector, thresholds, cfg.ScanBatchSize, lookback)

	var searcher reverseimage.Searcher
	if cfg.ReverseImageAPIURL != "" {
		searcher = reverseimage.New(cfg.ReverseImageAPIURL, limiter)
	}
	scanRunner := scan.NewRunner(st, objects, searcher, downloader, detector, thresholds, cfg.ScanBatchSize)

	reload := make(chan struct{}, 1)
	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, live reload disabled")
	} else {
		watcher.SetReloadCallback(func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	sched := scheduler.New(scheduler.Options{
		Store:          st,
		Crawler:        crawler,
		Ingest:         ingestWorker,
		Scans:          scanRunner,
		Detect:         detectWorker,
		Match:          engine,
		Cleanup:        cleanup.NewWorker(st, cfg.TempDir),
		TickInterval:   cfg.TickInterval(),
		StaleJobMaxAge: cfg.StaleJobMaxAge,
		CrawlIntervals: map[string]time.Duration{
			civitai.SourceName:    cfg.CivitaiCrawlInterval,
			deviantart.SourceName: cfg.DeviantartCrawlInterval,
		},
		Reload: reload,
	})

	go handleSignals(cancel, watcher)

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Scheduler stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Scanner stopped")
}

// handleSignals cancels the root context on INT/TERM and reloads the env
// file on HUP.
func handleSignals(cancel context.CancelFunc, watcher *config.Watcher) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			log.Info().Msg("Received SIGHUP, reloading configuration")
			if watcher != nil {
				watcher.Reload()
			}
			continue
		}
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		return
	}
}
