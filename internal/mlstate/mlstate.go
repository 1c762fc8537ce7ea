// Package mlstate reads mutable pipeline tuning from the database so an
// approved threshold-change recommendation takes effect on the next tick
// without a restart.
package mlstate

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

const thresholdsKey = "match_thresholds"

// Store is the key/value slice of the data store this package uses.
type Store interface {
	GetMLState(ctx context.Context, key string) (json.RawMessage, error)
	SetMLState(ctx context.Context, key string, value json.RawMessage) error
}

// Thresholds divide the similarity axis into the four confidence zones.
type Thresholds struct {
	Low    float64 `json:"low"`
	Medium float64 `json:"medium"`
	High   float64 `json:"high"`
}

// Valid reports whether the thresholds are strictly increasing in (0,1).
func (t Thresholds) Valid() bool {
	return t.Low > 0 && t.Low < t.Medium && t.Medium < t.High && t.High < 1
}

// Reader resolves live thresholds with config-supplied defaults.
type Reader struct {
	store    Store
	defaults Thresholds
}

// NewReader builds a reader. defaults come from the environment config.
func NewReader(store Store, defaults Thresholds) *Reader {
	return &Reader{store: store, defaults: defaults}
}

// Thresholds returns the current live thresholds. A missing or malformed
// state row falls back to the defaults; the pipeline never stalls on tuning
// data.
func (r *Reader) Thresholds(ctx context.Context) Thresholds {
	raw, err := r.store.GetMLState(ctx, thresholdsKey)
	if err != nil || len(raw) == 0 {
		return r.defaults
	}

	var t Thresholds
	if err := json.Unmarshal(raw, &t); err != nil {
		log.Warn().Err(err).Msg("Malformed threshold state, using defaults")
		return r.defaults
	}
	if !t.Valid() {
		log.Warn().Float64("low", t.Low).Float64("medium", t.Medium).Float64("high", t.High).
			Msg("Non-monotonic threshold state, using defaults")
		return r.defaults
	}
	return t
}

// SetThresholds persists new thresholds after an approved recommendation.
func (r *Reader) SetThresholds(ctx context.Context, t Thresholds) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.store.SetMLState(ctx, thresholdsKey, raw)
}
