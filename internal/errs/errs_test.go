package errs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    *ScanError
		target error
		want   bool
	}{
		{"timeout kind matches ErrTimeout", New(KindTimeout, "crawl_page", "civitai", errors.New("deadline")), ErrTimeout, true},
		{"connection kind matches ErrConnectionFailed", New(KindConnection, "download_image", "civitai", errors.New("refused")), ErrConnectionFailed, true},
		{"circuit kind matches ErrCircuitOpen", New(KindCircuitOpen, "crawl_page", "deviantart", errors.New("open")), ErrCircuitOpen, true},
		{"validation does not match timeout", New(KindValidation, "prefilter", "", ErrNotImage), ErrTimeout, false},
		{"wrapped sentinel matches through Err", New(KindValidation, "prefilter", "", ErrNotImage), ErrNotImage, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestRetryability(t *testing.T) {
	assert.True(t, IsRetryable(New(KindConnection, "op", "", errors.New("x"))))
	assert.True(t, IsRetryable(New(KindTimeout, "op", "", errors.New("x"))))
	assert.False(t, IsRetryable(New(KindValidation, "op", "", ErrNotImage)))
	assert.False(t, IsRetryable(New(KindCircuitOpen, "op", "", nil)))

	// 5xx retryable, 4xx not
	assert.True(t, IsRetryable(WrapAPI("op", "civitai", errors.New("boom"), 502)))
	assert.True(t, IsRetryable(WrapAPI("op", "civitai", errors.New("slow down"), 429)))
	assert.False(t, IsRetryable(WrapAPI("op", "civitai", errors.New("bad request"), 400)))
}

func TestIsCircuitOpen(t *testing.T) {
	assert.True(t, IsCircuitOpen(gobreaker.ErrOpenState))
	assert.True(t, IsCircuitOpen(New(KindCircuitOpen, "op", "p", gobreaker.ErrOpenState)))
	assert.False(t, IsCircuitOpen(errors.New("plain")))
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", RetryConfig{Attempts: 3, Initial: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return WrapValidation("prefilter", ErrNotImage)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRetriesTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", RetryConfig{Attempts: 3, Initial: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return WrapConnection("download_image", "civitai", errors.New("reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", RetryConfig{Attempts: 3, Initial: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return WrapConnection("download_image", "civitai", errors.New("reset"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, "test", DefaultRetryConfig(), func(ctx context.Context) error {
		t.Fatal("should not run with cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextDelayBounds(t *testing.T) {
	cfg := RetryConfig{Initial: time.Second, Multiplier: 3, Jitter: 0, Max: 30 * time.Second}
	assert.Equal(t, time.Second, cfg.nextDelay(0, 0.5))
	assert.Equal(t, 3*time.Second, cfg.nextDelay(1, 0.5))
	assert.Equal(t, 9*time.Second, cfg.nextDelay(2, 0.5))
	assert.Equal(t, 30*time.Second, cfg.nextDelay(10, 0.5))
}
