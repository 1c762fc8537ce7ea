package crawl

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/madeofus/scanner/internal/errs"
	"github.com/madeofus/scanner/internal/metrics"
	"github.com/madeofus/scanner/internal/store"
)

// Page is one page of results from a term fetch.
type Page struct {
	Images     []store.NewDiscoveredImage
	NextCursor *string
}

// FetchPage retrieves one page for a term. A nil NextCursor means the term
// is exhausted.
type FetchPage func(ctx context.Context, term string, cursor *string) (*Page, error)

// TraverseTerms walks every term up to its page depth, accumulating images
// and per-term cursor outcomes. Error handling per term:
//
//   - circuit-open: the saved cursor is preserved, remaining terms are not
//     attempted, and the error is returned alongside the partial result
//   - any other error: the saved cursor is preserved and traversal continues
//     with the next term
//
// Term order follows the terms slice so a circuit-open abort is
// deterministic about which terms were reached.
func TraverseTerms(ctx context.Context, platform string, terms []string, saved map[string]*string, maxPages func(term string) int, fetch FetchPage) ([]store.NewDiscoveredImage, map[string]*string, error) {
	var images []store.NewDiscoveredImage
	cursors := make(map[string]*string, len(terms))

	for _, term := range terms {
		if err := ctx.Err(); err != nil {
			return images, cursors, err
		}

		cursor := saved[term]
		depth := maxPages(term)
		exhausted := false
		advanced := false
		failed := false

		for page := 0; page < depth; page++ {
			result, err := fetch(ctx, term, cursor)
			if err != nil {
				metrics.CrawlPagesTotal.WithLabelValues(platform, outcomeLabel(err)).Inc()
				if errs.IsCircuitOpen(err) {
					// The failing term keeps its saved cursor; remaining
					// terms are not attempted this tick.
					log.Warn().Str("platform", platform).Str("term", term).
						Msg("Circuit open, aborting platform crawl for this tick")
					return images, cursors, err
				}
				log.Warn().Err(err).Str("platform", platform).Str("term", term).
					Msg("Term fetch failed, preserving saved cursor and continuing")
				failed = true
				break
			}

			metrics.CrawlPagesTotal.WithLabelValues(platform, "ok").Inc()
			images = append(images, result.Images...)

			if result.NextCursor == nil {
				exhausted = true
				break
			}
			cursor = result.NextCursor
			advanced = true
		}

		if exhausted {
			cursors[term] = nil
		} else if advanced && !failed {
			cursors[term] = cursor
		}
	}

	return images, cursors, nil
}

func outcomeLabel(err error) string {
	if errs.IsCircuitOpen(err) {
		return "circuit_open"
	}
	return "error"
}
