// Package evidence produces court-usable match evidence: a full-page
// screenshot of the hosting page, stored content-addressed with its SHA-256
// hash.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/madeofus/scanner/internal/storage"
)

// Capturer renders a page URL to screenshot bytes.
type Capturer interface {
	Capture(ctx context.Context, pageURL string) ([]byte, error)
}

// Uploader stores evidence objects.
type Uploader interface {
	Upload(ctx context.Context, bucket, path string, body []byte, contentType string) (string, error)
}

// Record is a stored piece of evidence.
type Record struct {
	StorageURL string
	SHA256     string
	ByteSize   int64
}

// BrowserCapturer drives a process-wide headless browser. The browser
// context is created lazily on first capture and torn down by Shutdown.
type BrowserCapturer struct {
	mu       sync.Mutex
	allocCtx context.Context
	cancel   context.CancelFunc
	timeout  time.Duration
}

// NewBrowserCapturer builds the lazy singleton capturer.
func NewBrowserCapturer(timeout time.Duration) *BrowserCapturer {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &BrowserCapturer{timeout: timeout}
}

func (b *BrowserCapturer) allocator(ctx context.Context) context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocCtx == nil {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
		)
		b.allocCtx, b.cancel = chromedp.NewExecAllocator(context.Background(), opts...)
		log.Info().Msg("Started headless browser for evidence capture")
	}
	return b.allocCtx
}

// Capture renders the page and returns PNG bytes.
func (b *BrowserCapturer) Capture(ctx context.Context, pageURL string) ([]byte, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.allocator(ctx))
	defer cancelTab()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, b.timeout)
	defer cancelTimeout()

	var shot []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(pageURL),
		chromedp.Sleep(2*time.Second),
		chromedp.FullScreenshot(&shot, 90),
	)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", pageURL, err)
	}
	return shot, nil
}

// Shutdown tears down the browser process.
func (b *BrowserCapturer) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.allocCtx = nil
		b.cancel = nil
	}
}

// Service captures and stores evidence for matches.
type Service struct {
	capturer Capturer
	uploads  Uploader
}

// NewService wires the evidence pipeline.
func NewService(capturer Capturer, uploads Uploader) *Service {
	return &Service{capturer: capturer, uploads: uploads}
}

// CaptureAndStore screenshots the page and uploads it under the match ID.
func (s *Service) CaptureAndStore(ctx context.Context, matchID int64, pageURL string) (*Record, error) {
	shot, err := s.capturer.Capture(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(shot)
	path := fmt.Sprintf("matches/%d/%s.png", matchID, uuid.NewString())
	storageURL, err := s.uploads.Upload(ctx, storage.BucketEvidence, path, shot, "image/png")
	if err != nil {
		return nil, err
	}

	return &Record{
		StorageURL: storageURL,
		SHA256:     hex.EncodeToString(sum[:]),
		ByteSize:   int64(len(shot)),
	}, nil
}
