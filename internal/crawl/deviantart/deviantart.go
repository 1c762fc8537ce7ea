// Package deviantart crawls the DeviantArt search API. Discovery runs
// inline: pages return few images and the per-image download dominates, so
// the provider downloads and detects during the crawl and returns rows
// already annotated with embeddings.
package deviantart

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/madeofus/scanner/internal/crawl"
	"github.com/madeofus/scanner/internal/errs"
	"github.com/madeofus/scanner/internal/face"
	"github.com/madeofus/scanner/internal/imgutil"
	"github.com/madeofus/scanner/internal/ratelimit"
	"github.com/madeofus/scanner/internal/storage"
	"github.com/madeofus/scanner/internal/store"
)

// SourceName is the platform key used in crawl state and image rows.
const SourceName = "deviantart"

const pageLimit = 24

// ImageFetcher downloads and prefilters image bytes.
type ImageFetcher interface {
	FetchValidated(ctx context.Context, rawURL string) (*imgutil.Result, error)
}

// Uploader stores thumbnails for face-positive rows.
type Uploader interface {
	Upload(ctx context.Context, bucket, path string, body []byte, contentType string) (string, error)
}

// Options configures the provider.
type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	MaxPages     int
	SearchTerms  []string
}

// Provider implements the inline crawl strategy over DeviantArt search.
type Provider struct {
	opts    Options
	http    *http.Client
	tokens  *tokenSource
	limiter *ratelimit.Registry
	retry   errs.RetryConfig
	fetcher ImageFetcher
	uploads Uploader
}

// New builds the provider.
func New(opts Options, limiter *ratelimit.Registry, fetcher ImageFetcher, uploads Uploader) *Provider {
	client := &http.Client{Timeout: 30 * time.Second}
	return &Provider{
		opts:    opts,
		http:    client,
		tokens:  newTokenSource(opts.BaseURL, opts.ClientID, opts.ClientSecret, client),
		limiter: limiter,
		retry:   errs.DefaultRetryConfig(),
		fetcher: fetcher,
		uploads: uploads,
	}
}

func (p *Provider) SourceName() string { return SourceName }

func (p *Provider) Strategy() crawl.Strategy { return crawl.StrategyInline }

// MaxPages returns the per-term page depth.
func (p *Provider) MaxPages(string) int { return p.opts.MaxPages }

// Discover runs a metadata-only tick. The scheduler normally calls
// DiscoverWithDetection; this path exists for cursor warm-up and tests.
func (p *Provider) Discover(ctx context.Context, req crawl.Request) (*crawl.DiscoveryResult, error) {
	images, cursors, err := crawl.TraverseTerms(ctx, SourceName,
		p.opts.SearchTerms, req.Cursor.Search, p.MaxPages, p.fetchPage)

	result := &crawl.DiscoveryResult{
		Images:        images,
		Cursors:       crawl.CursorState{Search: cursors},
		TagsAttempted: len(p.opts.SearchTerms),
	}
	return result, err
}

// DiscoverWithDetection runs one inline tick: traverse search terms, then
// download and detect every discovered image before returning.
func (p *Provider) DiscoverWithDetection(ctx context.Context, req crawl.Request, detector face.Detector) (*crawl.DiscoveryResult, error) {
	images, cursors, traverseErr := crawl.TraverseTerms(ctx, SourceName,
		p.opts.SearchTerms, req.Cursor.Search, p.MaxPages, p.fetchPage)

	result := &crawl.DiscoveryResult{
		Cursors:       crawl.CursorState{Search: cursors},
		TagsAttempted: len(p.opts.SearchTerms),
	}

	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		annotated, ok := p.annotate(ctx, img, detector)
		if !ok {
			continue
		}
		result.Annotated = append(result.Annotated, annotated)
		result.FacesFound += len(annotated.Faces)
	}

	return result, traverseErr
}

// annotate downloads one image and runs detection. Validation rejects and
// decode failures produce a no-face row so the URL is never reprocessed;
// transient download errors and detector failures drop the row entirely so
// the next tick rediscovers it.
func (p *Provider) annotate(ctx context.Context, img store.NewDiscoveredImage, detector face.Detector) (crawl.AnnotatedImage, bool) {
	out := crawl.AnnotatedImage{Image: img}

	res, err := p.fetcher.FetchValidated(ctx, img.SourceURL)
	if err != nil {
		if errs.IsRetryable(err) {
			log.Debug().Err(err).Str("url", img.SourceURL).Msg("Inline download failed, row deferred to next tick")
			return out, false
		}
		log.Debug().Err(err).Str("url", img.SourceURL).Msg("Inline image rejected, storing as unprobeable")
		return out, true
	}

	decoded, err := imgutil.DecodeAndResize(res.Body, imgutil.MaxLongEdge)
	if err != nil {
		log.Debug().Err(err).Str("url", img.SourceURL).Msg("Inline decode failed, storing as unprobeable")
		return out, true
	}

	if hash, err := imgutil.Phash(decoded.Image); err == nil {
		out.Phash = &hash
	}

	faces, err := detector.Detect(ctx, res.Body)
	if err != nil {
		log.Warn().Err(err).Str("url", img.SourceURL).Msg("Inline detection failed, row deferred to next tick")
		return out, false
	}
	out.Faces = face.NormalizeFaces(faces)

	if len(out.Faces) > 0 && p.uploads != nil {
		key := fmt.Sprintf("%s/%s.jpg", SourceName, uuid.NewString())
		contentType := res.ContentType
		if contentType == "" {
			contentType = "image/jpeg"
		}
		if _, err := p.uploads.Upload(ctx, storage.BucketDiscoveredImages, key, res.Body, contentType); err != nil {
			log.Warn().Err(err).Str("url", img.SourceURL).Msg("Thumbnail upload failed")
		} else {
			out.ThumbnailKey = &key
		}
	}

	return out, true
}

type apiDeviation struct {
	DeviationID string `json:"deviationid"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Content     *struct {
		Src    string `json:"src"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"content"`
}

type apiPage struct {
	HasMore    bool           `json:"has_more"`
	NextOffset *int           `json:"next_offset"`
	Results    []apiDeviation `json:"results"`
}

func (p *Provider) fetchPage(ctx context.Context, term string, cursor *string) (*crawl.Page, error) {
	offset := 0
	if cursor != nil {
		n, err := strconv.Atoi(*cursor)
		if err != nil {
			log.Warn().Str("term", term).Str("cursor", *cursor).Msg("Corrupt offset cursor, restarting term")
		} else {
			offset = n
		}
	}

	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	endpoint, err := url.Parse(p.opts.BaseURL + "/api/v1/oauth2/browse/newest")
	if err != nil {
		return nil, errs.WrapValidation("deviantart_fetch", err)
	}
	q := endpoint.Query()
	q.Set("q", term)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(pageLimit))
	q.Set("mature_content", "true")
	endpoint.RawQuery = q.Encode()

	var page apiPage
	guard := p.limiter.Guard(endpoint.Host)
	err = errs.Retry(ctx, "deviantart_fetch", p.retry, func(ctx context.Context) error {
		return guard.Do(ctx, "deviantart_fetch", func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
			if err != nil {
				return errs.WrapValidation("deviantart_fetch", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)

			resp, err := p.http.Do(req)
			if err != nil {
				return errs.WrapConnection("deviantart_fetch", SourceName, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusUnauthorized {
				p.tokens.Invalidate()
			}
			if resp.StatusCode != http.StatusOK {
				io.CopyN(io.Discard, resp.Body, 4096)
				return errs.WrapAPI("deviantart_fetch", SourceName,
					fmt.Errorf("term %q: status %d", term, resp.StatusCode), resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(&page)
		})
	})
	if err != nil {
		return nil, err
	}

	out := &crawl.Page{}
	for _, dev := range page.Results {
		if dev.Content == nil || dev.Content.Src == "" {
			continue
		}
		w, h := dev.Content.Width, dev.Content.Height
		out.Images = append(out.Images, store.NewDiscoveredImage{
			SourceURL: dev.Content.Src,
			PageURL:   dev.URL,
			PageTitle: dev.Title,
			Platform:  SourceName,
			Width:     &w,
			Height:    &h,
		})
	}
	if page.HasMore && page.NextOffset != nil {
		next := strconv.Itoa(*page.NextOffset)
		out.NextCursor = &next
	}
	return out, nil
}
