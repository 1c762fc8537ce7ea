package mlstate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	values map[string]json.RawMessage
	err    error
}

func (f *fakeStore) GetMLState(ctx context.Context, key string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.values[key], nil
}

func (f *fakeStore) SetMLState(ctx context.Context, key string, value json.RawMessage) error {
	if f.values == nil {
		f.values = map[string]json.RawMessage{}
	}
	f.values[key] = value
	return nil
}

var defaults = Thresholds{Low: 0.50, Medium: 0.65, High: 0.85}

func TestLiveThresholdsOverrideDefaults(t *testing.T) {
	st := &fakeStore{values: map[string]json.RawMessage{
		thresholdsKey: json.RawMessage(`{"low":0.55,"medium":0.70,"high":0.90}`),
	}}
	r := NewReader(st, defaults)

	got := r.Thresholds(context.Background())
	assert.Equal(t, 0.55, got.Low)
	assert.Equal(t, 0.90, got.High)
}

func TestMissingStateFallsBack(t *testing.T) {
	r := NewReader(&fakeStore{}, defaults)
	assert.Equal(t, defaults, r.Thresholds(context.Background()))
}

func TestStoreErrorFallsBack(t *testing.T) {
	r := NewReader(&fakeStore{err: errors.New("db down")}, defaults)
	assert.Equal(t, defaults, r.Thresholds(context.Background()))
}

func TestNonMonotonicStateRejected(t *testing.T) {
	st := &fakeStore{values: map[string]json.RawMessage{
		thresholdsKey: json.RawMessage(`{"low":0.9,"medium":0.65,"high":0.85}`),
	}}
	r := NewReader(st, defaults)
	assert.Equal(t, defaults, r.Thresholds(context.Background()))
}

func TestSetThresholdsRoundTrips(t *testing.T) {
	st := &fakeStore{}
	r := NewReader(st, defaults)

	next := Thresholds{Low: 0.52, Medium: 0.68, High: 0.88}
	require.NoError(t, r.SetThresholds(context.Background(), next))
	assert.Equal(t, next, r.Thresholds(context.Background()))
}
