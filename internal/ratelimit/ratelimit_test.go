package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madeofus/scanner/internal/errs"
)

func testLimits() Limits {
	return Limits{
		TokensPerSecond:  1000,
		Burst:            1000,
		FailureThreshold: 3,
		OpenTimeout:      50 * time.Millisecond,
	}
}

func TestRegistryReusesGuards(t *testing.T) {
	r := NewRegistry(testLimits(), nil)
	g1 := r.Guard("civitai.com")
	g2 := r.Guard("civitai.com")
	g3 := r.Guard("deviantart.com")
	assert.Same(t, g1, g2)
	assert.NotSame(t, g1, g3)
}

func TestRegistryAppliesOverrides(t *testing.T) {
	r := NewRegistry(testLimits(), map[string]Limits{
		"slow.example.com": {TokensPerSecond: 0.5, Burst: 1, FailureThreshold: 2, OpenTimeout: time.Second},
	})
	g := r.Guard("slow.example.com")
	require.NotNil(t, g)
	// one burst token available, a second immediate acquire must wait
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, g.Acquire(context.Background()))
	assert.Error(t, g.Acquire(ctx))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(testLimits(), nil)
	g := r.Guard("flaky.example.com")

	boom := errors.New("upstream 500")
	for i := 0; i < 3; i++ {
		err := g.Do(context.Background(), "crawl_page", func(ctx context.Context) error { return boom })
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	err := g.Do(context.Background(), "crawl_page", func(ctx context.Context) error {
		t.Fatal("must fail fast while open")
		return nil
	})
	require.Error(t, err)
	assert.True(t, errs.IsCircuitOpen(err))
	assert.ErrorIs(t, err, errs.ErrCircuitOpen)
}

func TestBreakerRecoversAfterHalfOpenSuccess(t *testing.T) {
	r := NewRegistry(testLimits(), nil)
	g := r.Guard("recovering.example.com")

	boom := errors.New("upstream 500")
	for i := 0; i < 3; i++ {
		_ = g.Do(context.Background(), "crawl_page", func(ctx context.Context) error { return boom })
	}
	require.Equal(t, gobreaker.StateOpen, g.State())

	// wait out the open window so the half-open probe is allowed
	time.Sleep(70 * time.Millisecond)

	err := g.Do(context.Background(), "crawl_page", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r := NewRegistry(testLimits(), nil)
	g := r.Guard("mostly-fine.example.com")

	boom := errors.New("blip")
	for i := 0; i < 2; i++ {
		_ = g.Do(context.Background(), "crawl_page", func(ctx context.Context) error { return boom })
	}
	require.NoError(t, g.Do(context.Background(), "crawl_page", func(ctx context.Context) error { return nil }))

	// two more failures should not trip a threshold of three
	for i := 0; i < 2; i++ {
		_ = g.Do(context.Background(), "crawl_page", func(ctx context.Context) error { return boom })
	}
	assert.Equal(t, gobreaker.StateClosed, g.State())
}
