// Package ratelimit guards every remote call the pipeline makes with a
// per-host token bucket and a consecutive-failure circuit breaker.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/madeofus/scanner/internal/errs"
	"github.com/madeofus/scanner/internal/metrics"
)

// Limits configures a per-host guard.
type Limits struct {
	TokensPerSecond  float64
	Burst            int
	FailureThreshold uint32 // consecutive failures before the breaker opens
	OpenTimeout      time.Duration
}

// DefaultLimits matches the pipeline-wide defaults.
func DefaultLimits() Limits {
	return Limits{
		TokensPerSecond:  2,
		Burst:            5,
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
	}
}

// HostGuard combines the token bucket and circuit breaker for one remote host.
type HostGuard struct {
	host    string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Registry hands out one guard per host.
type Registry struct {
	mu       sync.Mutex
	guards   map[string]*HostGuard
	defaults Limits
	override map[string]Limits
}

// NewRegistry constructs a registry with per-host overrides.
func NewRegistry(defaults Limits, overrides map[string]Limits) *Registry {
	if defaults.TokensPerSecond <= 0 {
		defaults = DefaultLimits()
	}
	return &Registry{
		guards:   make(map[string]*HostGuard),
		defaults: defaults,
		override: overrides,
	}
}

// Guard returns the guard for a host, creating it on first use.
func (r *Registry) Guard(host string) *HostGuard {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.guards[host]; ok {
		return g
	}

	limits := r.defaults
	if o, ok := r.override[host]; ok {
		limits = o
	}
	g := newHostGuard(host, limits)
	r.guards[host] = g
	return g
}

func newHostGuard(host string, limits Limits) *HostGuard {
	threshold := limits.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := limits.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 60 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    host,
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.CircuitBreakerOpensTotal.WithLabelValues(name).Inc()
				log.Warn().Str("host", name).Str("from", from.String()).Msg("Circuit breaker opened")
			} else {
				log.Info().Str("host", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
			}
		},
	}

	return &HostGuard{
		host:    host,
		limiter: rate.NewLimiter(rate.Limit(limits.TokensPerSecond), max(limits.Burst, 1)),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Acquire blocks until a token is available or the context is done.
func (g *HostGuard) Acquire(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// Do acquires a token, then runs fn under the circuit breaker. An open
// breaker returns a CircuitOpen error without consuming a token.
func (g *HostGuard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.breaker.State() == gobreaker.StateOpen {
		return errs.New(errs.KindCircuitOpen, op, g.host, gobreaker.ErrOpenState)
	}
	if err := g.Acquire(ctx); err != nil {
		return err
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		if errs.IsCircuitOpen(err) {
			return errs.New(errs.KindCircuitOpen, op, g.host, err)
		}
		return err
	}
	return nil
}

// State exposes the breaker state for coverage accounting.
func (g *HostGuard) State() gobreaker.State {
	return g.breaker.State()
}
