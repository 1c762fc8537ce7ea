// Package storage is the object-storage client. Downloads use the
// authenticated path, uploads the object path with upsert; both carry the
// service bearer token.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/madeofus/scanner/internal/errs"
)

// Bucket names used by the scanner.
const (
	BucketDiscoveredImages = "discovered-images"
	BucketAdIntelImages    = "ad-intel-images"
	BucketEvidence         = "madeofus-evidence"
)

// Client talks to the supabase-style storage REST API.
type Client struct {
	baseURL    string
	serviceKey string
	http       *http.Client
}

// New builds a storage client.
func New(baseURL, serviceKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		http:       &http.Client{Timeout: 60 * time.Second},
	}
}

// PublicURL returns the unauthenticated serving URL for an object.
func (c *Client) PublicURL(bucket, path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, bucket, path)
}

// Download fetches an object from a bucket.
func (c *Client) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/storage/v1/authenticated/%s/%s", c.baseURL, bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.WrapConnection("storage_download", "object-storage", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.New(errs.KindNotFound, "storage_download", "object-storage",
			fmt.Errorf("%w: %s/%s", errs.ErrNotFound, bucket, path))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.WrapAPI("storage_download", "object-storage",
			fmt.Errorf("status %d: %s", resp.StatusCode, body), resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// Upload stores an object with upsert semantics and returns its public URL.
func (c *Client) Upload(ctx context.Context, bucket, path string, body []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.WrapConnection("storage_upload", "object-storage", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errs.WrapAPI("storage_upload", "object-storage",
			fmt.Errorf("status %d: %s", resp.StatusCode, respBody), resp.StatusCode)
	}

	log.Debug().Str("bucket", bucket).Str("path", path).Int("bytes", len(body)).Msg("Uploaded object")
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, bucket, path), nil
}
