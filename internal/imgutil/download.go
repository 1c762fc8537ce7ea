package imgutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/madeofus/scanner/internal/errs"
	"github.com/madeofus/scanner/internal/ratelimit"
)

// maxDownloadBytes caps a single image body. Originals above this are not
// worth detecting on.
const maxDownloadBytes = 50 << 20

// Downloader fetches image bytes with a global concurrency bound and
// per-host rate limiting.
type Downloader struct {
	client  *http.Client
	sem     *semaphore.Weighted
	limiter *ratelimit.Registry
	retry   errs.RetryConfig
}

// NewDownloader builds a downloader. proxyURL is optional; concurrency bounds
// simultaneous fetches across all workstreams.
func NewDownloader(limiter *ratelimit.Registry, concurrency int64, proxyURL string, timeout time.Duration) (*Downloader, error) {
	if concurrency <= 0 {
		concurrency = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	return &Downloader{
		client:  &http.Client{Timeout: timeout, Transport: transport},
		sem:     semaphore.NewWeighted(concurrency),
		limiter: limiter,
		retry:   errs.DefaultRetryConfig(),
	}, nil
}

// Result is a downloaded body plus the metadata the prefilter needs.
type Result struct {
	Body        []byte
	ContentType string
	StatusCode  int
}

// Fetch downloads a single URL. Transient failures (connection errors,
// 5xx, 429) are retried with backoff; validation errors and an open
// circuit breaker fail immediately.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errs.WrapValidation("download_image", fmt.Errorf("bad url %q: %w", rawURL, err))
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	var result *Result
	guard := d.limiter.Guard(parsed.Host)
	err = errs.Retry(ctx, "download_image", d.retry, func(ctx context.Context) error {
		return guard.Do(ctx, "download_image", func(ctx context.Context) error {
			return d.fetchOnce(ctx, rawURL, parsed.Host, &result)
		})
	})
	if err != nil {
		return nil, err
	}

	log.Trace().Str("url", rawURL).Int("bytes", len(result.Body)).Msg("Downloaded image")
	return result, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, rawURL, host string, result **Result) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errs.WrapValidation("download_image", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; likeness-scanner/1.0)")

	resp, err := d.client.Do(req)
	if err != nil {
		return errs.WrapConnection("download_image", host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused.
		io.CopyN(io.Discard, resp.Body, 4096)
		return errs.WrapAPI("download_image", host, fmt.Errorf("status %d", resp.StatusCode), resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return errs.WrapConnection("download_image", host, err)
	}
	if len(body) > maxDownloadBytes {
		return errs.WrapValidation("download_image", fmt.Errorf("body exceeds %d bytes", maxDownloadBytes))
	}

	*result = &Result{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}
	return nil
}

// FetchValidated downloads and runs the prefilter in one step.
func (d *Downloader) FetchValidated(ctx context.Context, rawURL string) (*Result, error) {
	result, err := d.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if err := Prefilter(result.ContentType, result.Body); err != nil {
		return nil, err
	}
	return result, nil
}
