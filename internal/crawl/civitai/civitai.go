// Package civitai crawls the civitai image API by tag. Discovery is
// deferred: the provider records URL metadata only and the detection worker
// probes the images later through the CDN transform pass.
package civitai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/madeofus/scanner/internal/crawl"
	"github.com/madeofus/scanner/internal/errs"
	"github.com/madeofus/scanner/internal/ratelimit"
	"github.com/madeofus/scanner/internal/store"
)

// SourceName is the platform key used in crawl state and image rows.
const SourceName = "civitai"

const pageLimit = 100

// DamageTier categorizes a tag by how likely it is to surface harmful
// likeness content. Higher tiers get deeper per-tick page traversal.
type DamageTier string

const (
	DamageHigh   DamageTier = "high"
	DamageMedium DamageTier = "medium"
	DamageLow    DamageTier = "low"
)

// Options configures the provider.
type Options struct {
	BaseURL string

	MaxPages          int
	HighDamagePages   int
	MediumDamagePages int
	LowDamagePages    int

	TagsHigh   []string
	TagsMedium []string
	TagsLow    []string
}

// Provider implements the deferred crawl strategy over the civitai tag
// browse endpoint.
type Provider struct {
	opts    Options
	http    *http.Client
	limiter *ratelimit.Registry
	retry   errs.RetryConfig
	damage  map[string]DamageTier
	terms   []string
}

// New builds the provider. Tag order is high damage first so a mid-tick
// circuit-open abort still covered the riskiest tags.
func New(opts Options, limiter *ratelimit.Registry) *Provider {
	p := &Provider{
		opts:    opts,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		retry:   errs.DefaultRetryConfig(),
		damage:  make(map[string]DamageTier),
	}
	for _, t := range opts.TagsHigh {
		p.damage[t] = DamageHigh
		p.terms = append(p.terms, t)
	}
	for _, t := range opts.TagsMedium {
		p.damage[t] = DamageMedium
		p.terms = append(p.terms, t)
	}
	for _, t := range opts.TagsLow {
		p.damage[t] = DamageLow
		p.terms = append(p.terms, t)
	}
	return p
}

func (p *Provider) SourceName() string { return SourceName }

func (p *Provider) Strategy() crawl.Strategy { return crawl.StrategyDeferred }

// MaxPages returns the per-tag page depth, honoring the damage tier.
func (p *Provider) MaxPages(term string) int {
	switch p.damage[term] {
	case DamageHigh:
		return p.opts.HighDamagePages
	case DamageMedium:
		return p.opts.MediumDamagePages
	case DamageLow:
		return p.opts.LowDamagePages
	default:
		return p.opts.MaxPages
	}
}

// Discover runs one tag-browse tick.
func (p *Provider) Discover(ctx context.Context, req crawl.Request) (*crawl.DiscoveryResult, error) {
	images, cursors, err := crawl.TraverseTerms(ctx, SourceName, p.terms, req.Cursor.Tags, p.MaxPages, p.fetchPage)

	result := &crawl.DiscoveryResult{
		Images:        images,
		Cursors:       crawl.CursorState{Tags: cursors},
		TagsAttempted: len(p.terms),
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

type apiImage struct {
	ID     int64  `json:"id"`
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	PostID int64  `json:"postId"`
}

type apiPage struct {
	Items    []apiImage `json:"items"`
	Metadata struct {
		NextCursor *string `json:"nextCursor"`
	} `json:"metadata"`
}

func (p *Provider) fetchPage(ctx context.Context, tag string, cursor *string) (*crawl.Page, error) {
	endpoint, err := url.Parse(p.opts.BaseURL + "/api/v1/images")
	if err != nil {
		return nil, errs.WrapValidation("civitai_fetch", err)
	}
	q := endpoint.Query()
	q.Set("limit", fmt.Sprintf("%d", pageLimit))
	q.Set("tags", tag)
	q.Set("sort", "Newest")
	if cursor != nil {
		q.Set("cursor", *cursor)
	}
	endpoint.RawQuery = q.Encode()

	var page apiPage
	guard := p.limiter.Guard(endpoint.Host)
	err = errs.Retry(ctx, "civitai_fetch", p.retry, func(ctx context.Context) error {
		return guard.Do(ctx, "civitai_fetch", func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
			if err != nil {
				return errs.WrapValidation("civitai_fetch", err)
			}
			req.Header.Set("Accept", "application/json")

			resp, err := p.http.Do(req)
			if err != nil {
				return errs.WrapConnection("civitai_fetch", SourceName, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				io.CopyN(io.Discard, resp.Body, 4096)
				return errs.WrapAPI("civitai_fetch", SourceName,
					fmt.Errorf("tag %q: status %d", tag, resp.StatusCode), resp.StatusCode)
			}
			if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
				return errs.WrapAPI("civitai_fetch", SourceName, fmt.Errorf("decode page: %w", err), resp.StatusCode)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := &crawl.Page{NextCursor: page.Metadata.NextCursor}
	for _, item := range page.Items {
		if item.URL == "" {
			continue
		}
		w, h := item.Width, item.Height
		out.Images = append(out.Images, store.NewDiscoveredImage{
			SourceURL: item.URL,
			PageURL:   fmt.Sprintf("%s/images/%d", p.opts.BaseURL, item.ID),
			PageTitle: tag,
			Platform:  SourceName,
			Width:     &w,
			Height:    &h,
		})
	}
	if len(page.Items) == 0 {
		// An empty page with a cursor still present means the API ran dry.
		out.NextCursor = nil
	}
	return out, nil
}
