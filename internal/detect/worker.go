// Package detect is the deferred face-detection workstream. The parent
// process sizes the work and spawns one child process per chunk so the
// detection model's memory is reclaimed when the child exits; the child runs
// the within-chunk pipeline in chunk.go.
package detect

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/madeofus/scanner/internal/metrics"
)

// PendingCounter reports how many images still await the face probe.
type PendingCounter interface {
	CountPendingDetection(ctx context.Context) (int64, error)
}

// SpawnFunc runs one detection chunk in an isolated child process.
type SpawnFunc func(ctx context.Context, chunkSize int) error

// Worker sizes and dispatches detection chunks each tick.
type Worker struct {
	pending   PendingCounter
	chunkSize int
	maxChunks int
	timeout   time.Duration
	spawn     SpawnFunc
}

// NewWorker builds the parent-side worker. A nil spawn uses the detect-chunk
// subcommand of the current executable.
func NewWorker(pending PendingCounter, chunkSize, maxChunks int, timeout time.Duration, spawn SpawnFunc) *Worker {
	w := &Worker{
		pending:   pending,
		chunkSize: chunkSize,
		maxChunks: maxChunks,
		timeout:   timeout,
		spawn:     spawn,
	}
	if w.spawn == nil {
		w.spawn = w.execChunk
	}
	return w
}

// Run executes up to maxChunks child processes. A failed or timed-out chunk
// is logged and the remaining chunks still run; the rows it left untouched
// stay null and are retried next tick.
func (w *Worker) Run(ctx context.Context) error {
	pending, err := w.pending.CountPendingDetection(ctx)
	if err != nil {
		return err
	}
	if pending == 0 {
		return nil
	}

	chunks := int((pending + int64(w.chunkSize) - 1) / int64(w.chunkSize))
	if chunks > w.maxChunks {
		chunks = w.maxChunks
	}
	log.Info().Int64("pending", pending).Int("chunks", chunks).
		Int("chunk_size", w.chunkSize).Msg("Dispatching face-detection chunks")

	for i := 0; i < chunks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.spawn(ctx, w.chunkSize); err != nil {
			outcome := "error"
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = "timeout"
			}
			metrics.DetectionChunksTotal.WithLabelValues(outcome).Inc()
			log.Error().Err(err).Int("chunk", i).Msg("Detection chunk failed")
			continue
		}
		metrics.DetectionChunksTotal.WithLabelValues("ok").Inc()
	}
	return nil
}

// execChunk re-invokes the scanner binary with the hidden detect-chunk
// subcommand. The child inherits the environment, so it loads the same
// configuration.
func (w *Worker) execChunk(ctx context.Context, chunkSize int) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	chunkCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(chunkCtx, exe, "detect-chunk",
		"--chunk-size", strconv.Itoa(chunkSize))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if chunkCtx.Err() == context.DeadlineExceeded {
			return context.DeadlineExceeded
		}
		return err
	}
	return nil
}
