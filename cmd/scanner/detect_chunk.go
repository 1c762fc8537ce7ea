package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/madeofus/scanner/internal/config"
	"github.com/madeofus/scanner/internal/crawl/civitai"
	"github.com/madeofus/scanner/internal/detect"
	"github.com/madeofus/scanner/internal/face"
	"github.com/madeofus/scanner/internal/imgutil"
	"github.com/madeofus/scanner/internal/logging"
	"github.com/madeofus/scanner/internal/ratelimit"
	"github.com/madeofus/scanner/internal/storage"
	"github.com/madeofus/scanner/internal/store"
)

var detectChunkSize int

// detectChunkCmd is the child side of the detection worker. The parent
// spawns one process per chunk so the model memory is reclaimed on exit.
var detectChunkCmd = &cobra.Command{
	Use:    "detect-chunk",
	Short:  "Process one face-detection chunk and exit",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		runDetectChunk()
	},
}

func init() {
	detectChunkCmd.Flags().IntVar(&detectChunkSize, "chunk-size", 200, "images to process in this chunk")
}

func runDetectChunk() {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "scanner-detect"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "scanner-detect"})

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(sigCtx, cfg.FaceDetectionTimeout)
	defer cancel()

	st, err := store.New(ctx, cfg.DatabaseURL, cfg.DatabaseSSL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer st.Close()

	limiter := ratelimit.NewRegistry(ratelimit.DefaultLimits(), nil)
	downloader, err := imgutil.NewDownloader(limiter, int64(cfg.DownloadConcurrency), cfg.ProxyURL, downloadTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build image downloader")
	}

	detector := face.NewHTTPDetector(cfg.FaceAPIURL)
	if err := detector.InitModel(ctx, faceModel); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize detection model")
	}

	objects := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey)
	proc := detect.NewChunkProcessor(st, detector, downloader, objects,
		[]detect.Prober{civitai.Prober{}}, cfg.TempDir)

	stats, err := proc.Run(ctx, detectChunkSize)
	if err != nil {
		log.Error().Err(err).Msg("Detection chunk failed")
		os.Exit(1)
	}
	log.Info().Int("processed", stats.Processed).Int("faces", stats.FacesFound).
		Int("unprobeable", stats.Unprobeable).Int("near_dups", stats.NearDups).
		Msg("Detection chunk complete")
}
