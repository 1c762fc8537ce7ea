package match

import (
	"github.com/madeofus/scanner/internal/mlstate"
	"github.com/madeofus/scanner/internal/store"
)

// TierFor buckets a similarity into a confidence tier. Returns false below
// the low threshold: no match row is created there.
func TierFor(similarity float64, th mlstate.Thresholds) (store.ConfidenceTier, bool) {
	switch {
	case similarity >= th.High:
		return store.TierHigh, true
	case similarity >= th.Medium:
		return store.TierMedium, true
	case similarity >= th.Low:
		return store.TierLow, true
	default:
		return "", false
	}
}

var tierRank = map[store.ConfidenceTier]int{
	store.TierLow:    1,
	store.TierMedium: 2,
	store.TierHigh:   3,
}

// AtLeast reports whether tier is at or above the floor.
func AtLeast(tier, floor store.ConfidenceTier) bool {
	return tierRank[tier] >= tierRank[floor]
}
