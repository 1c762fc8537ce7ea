// Package crawl holds the platform-crawl state machine: resumable cursors,
// multi-page traversal with circuit-breaker awareness, uniform dispatch over
// the inline and deferred detection strategies, and coverage accounting.
package crawl

import (
	"context"

	"github.com/madeofus/scanner/internal/face"
	"github.com/madeofus/scanner/internal/store"
)

// Strategy declares how a provider handles face detection.
type Strategy string

const (
	// StrategyInline providers download and detect during the crawl and
	// return rows already annotated with embeddings.
	StrategyInline Strategy = "inline"
	// StrategyDeferred providers return URL metadata only; detection runs
	// later in the deferred worker.
	StrategyDeferred Strategy = "deferred"
)

// AnnotatedImage is an inline-strategy result row: the image metadata plus
// the faces detected during the crawl and the provider's thumbnail upload.
type AnnotatedImage struct {
	Image        store.NewDiscoveredImage
	Faces        []face.Face
	Phash        *uint64
	ThumbnailKey *string
}

// DiscoveryResult is what one platform tick produced.
type DiscoveryResult struct {
	// Images carries URL metadata rows for deferred providers.
	Images []store.NewDiscoveredImage
	// Annotated carries fully detected rows for inline providers.
	Annotated []AnnotatedImage

	// Cursors holds this tick's cursor updates; null-valued keys mark
	// exhausted terms.
	Cursors CursorState

	TagsAttempted int
	FacesFound    int
}

// Request is the per-tick input handed to a provider.
type Request struct {
	Cursor CursorState
	// MaxPages returns the page depth for a term, honoring per-tag damage
	// tier overrides.
	MaxPages func(term string) int
}

// Provider is a platform-specific URL discovery source.
type Provider interface {
	SourceName() string
	Strategy() Strategy
	// Discover runs one crawl tick. A CircuitOpen error may accompany a
	// partial result: cursors already advanced stay advanced, the failing
	// term's cursor is untouched, and remaining terms were not attempted.
	Discover(ctx context.Context, req Request) (*DiscoveryResult, error)
}

// InlineProvider is implemented by inline-strategy providers.
type InlineProvider interface {
	Provider
	DiscoverWithDetection(ctx context.Context, req Request, detector face.Detector) (*DiscoveryResult, error)
}
