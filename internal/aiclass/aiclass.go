// Package aiclass is the AI-generation classification provider client.
package aiclass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/madeofus/scanner/internal/errs"
	"github.com/madeofus/scanner/internal/ratelimit"
)

// Verdict is the provider's judgment on one image URL.
type Verdict struct {
	IsAIGenerated bool    `json:"is_ai_generated"`
	Score         float64 `json:"score"`
	Generator     string  `json:"generator,omitempty"`
}

// Classifier answers whether an image is AI-generated.
type Classifier interface {
	Classify(ctx context.Context, imageURL string) (*Verdict, error)
}

// Client is the HTTP-backed classifier.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *ratelimit.Registry
}

// New builds the client. A nil limiter disables rate limiting (tests).
func New(baseURL string, limiter *ratelimit.Registry) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
	}
}

// Classify posts the image URL and decodes the verdict.
func (c *Client) Classify(ctx context.Context, imageURL string) (*Verdict, error) {
	payload, err := json.Marshal(map[string]string{"image_url": imageURL})
	if err != nil {
		return nil, err
	}

	do := func(ctx context.Context) (*Verdict, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/classify", bytes.NewReader(payload))
		if err != nil {
			return nil, errs.WrapValidation("ai_classify", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, errs.WrapConnection("ai_classify", "ai-classifier", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, errs.WrapAPI("ai_classify", "ai-classifier",
				fmt.Errorf("status %d: %s", resp.StatusCode, body), resp.StatusCode)
		}

		var verdict Verdict
		if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
			return nil, errs.WrapAPI("ai_classify", "ai-classifier", fmt.Errorf("decode: %w", err), resp.StatusCode)
		}
		return &verdict, nil
	}

	if c.limiter == nil {
		return do(ctx)
	}

	host := "ai-classifier"
	if parsed, err := url.Parse(c.baseURL); err == nil && parsed.Host != "" {
		host = parsed.Host
	}

	var verdict *Verdict
	err = c.limiter.Guard(host).Do(ctx, "ai_classify", func(ctx context.Context) error {
		v, err := do(ctx)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	return verdict, err
}
