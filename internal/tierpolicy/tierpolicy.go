// Package tierpolicy holds the per-subscription-tier capability table. The
// table is deliberately hard-coded: tier semantics are product decisions
// shipped with the binary, not runtime configuration.
package tierpolicy

import (
	"time"

	"github.com/madeofus/scanner/internal/store"
)

// Policy controls what the pipeline does for a contributor of a given tier.
type Policy struct {
	ReverseImageInterval time.Duration
	MaxPhotosPerScan     int
	URLCheckEnabled      bool
	URLCheckInterval     time.Duration

	StoreMatches    bool
	NotifyMatches   bool
	CaptureEvidence bool
	ClassifyAI      bool

	TakedownGeneration bool
	LegalEscalation    bool
	FullDetailPreview  bool
}

var policies = map[store.Tier]Policy{
	store.TierFree: {
		ReverseImageInterval: 30 * 24 * time.Hour,
		MaxPhotosPerScan:     1,
		URLCheckEnabled:      false,
		StoreMatches:         true,
		NotifyMatches:        false,
		CaptureEvidence:      false,
		ClassifyAI:           false,
		TakedownGeneration:   false,
		LegalEscalation:      false,
		FullDetailPreview:    false,
	},
	store.TierProtected: {
		ReverseImageInterval: 7 * 24 * time.Hour,
		MaxPhotosPerScan:     3,
		URLCheckEnabled:      true,
		URLCheckInterval:     24 * time.Hour,
		StoreMatches:         true,
		NotifyMatches:        true,
		CaptureEvidence:      true,
		ClassifyAI:           true,
		TakedownGeneration:   true,
		LegalEscalation:      false,
		FullDetailPreview:    true,
	},
	store.TierPremium: {
		ReverseImageInterval: 24 * time.Hour,
		MaxPhotosPerScan:     5,
		URLCheckEnabled:      true,
		URLCheckInterval:     6 * time.Hour,
		StoreMatches:         true,
		NotifyMatches:        true,
		CaptureEvidence:      true,
		ClassifyAI:           true,
		TakedownGeneration:   true,
		LegalEscalation:      true,
		FullDetailPreview:    true,
	},
}

// For returns the policy for a tier. Unknown tiers fall back to free.
func For(tier store.Tier) Policy {
	if p, ok := policies[tier]; ok {
		return p
	}
	return policies[store.TierFree]
}

// Paid reports whether the tier is a paying tier. AI classification and
// evidence capture only run for paid tiers at sufficient confidence.
func Paid(tier store.Tier) bool {
	return tier == store.TierProtected || tier == store.TierPremium
}
