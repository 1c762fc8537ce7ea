// Package reverseimage is the reverse-image-search provider client: it
// uploads a reference photo and returns the pages that embed lookalike
// images.
package reverseimage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/madeofus/scanner/internal/errs"
	"github.com/madeofus/scanner/internal/ratelimit"
)

// Backlink is one page hosting a visually similar image.
type Backlink struct {
	PageURL  string `json:"page_url"`
	ImageURL string `json:"image_url"`
}

// Searcher runs one reverse-image lookup.
type Searcher interface {
	Search(ctx context.Context, imageBytes []byte) ([]Backlink, error)
}

// Client is the HTTP-backed searcher.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *ratelimit.Registry
	retry   errs.RetryConfig
}

// New builds the client. A nil limiter disables rate limiting (tests).
func New(baseURL string, limiter *ratelimit.Registry) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 90 * time.Second},
		limiter: limiter,
		retry:   errs.DefaultRetryConfig(),
	}
}

// Search posts the image as multipart and decodes the backlink list.
// Transient provider failures are retried with backoff.
func (c *Client) Search(ctx context.Context, imageBytes []byte) ([]Backlink, error) {
	if c.limiter == nil {
		return c.search(ctx, imageBytes)
	}

	host := "reverse-image"
	if parsed, err := url.Parse(c.baseURL); err == nil && parsed.Host != "" {
		host = parsed.Host
	}

	var links []Backlink
	err := errs.Retry(ctx, "reverse_image_search", c.retry, func(ctx context.Context) error {
		return c.limiter.Guard(host).Do(ctx, "reverse_image_search", func(ctx context.Context) error {
			var err error
			links, err = c.search(ctx, imageBytes)
			return err
		})
	})
	return links, err
}

func (c *Client) search(ctx context.Context, imageBytes []byte) ([]Backlink, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", "query.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(imageBytes); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", &buf)
	if err != nil {
		return nil, errs.WrapValidation("reverse_image_search", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.WrapConnection("reverse_image_search", "reverse-image", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.WrapAPI("reverse_image_search", "reverse-image",
			fmt.Errorf("status %d: %s", resp.StatusCode, body), resp.StatusCode)
	}

	var payload struct {
		Backlinks []Backlink `json:"backlinks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errs.WrapAPI("reverse_image_search", "reverse-image", fmt.Errorf("decode: %w", err), resp.StatusCode)
	}
	return payload.Backlinks, nil
}
