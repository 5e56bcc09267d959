package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrProvidersExhausted reports that every backend in a [Chain] either
// failed or was skipped by an open breaker.
var ErrProvidersExhausted = errors.New("resilience: all providers exhausted")

// FallbackConfig is the breaker template a [Chain] stamps out per backend.
// The Name field is overwritten with each backend's own name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// link pairs one backend with its dedicated breaker.
type link[T any] struct {
	name    string
	backend T
	breaker *CircuitBreaker
}

// Chain tries a primary backend first and falls through to alternates in
// registration order. Each backend carries its own breaker, so a provider
// that keeps failing is skipped without probing it on the hot path.
//
// Chain is not safe for concurrent mutation: register all backends during
// wiring, before serving traffic. Calls through the chain are safe for
// concurrent use.
type Chain[T any] struct {
	links []link[T]
	cfg   FallbackConfig
}

// NewChain builds a chain with primary as the preferred backend.
func NewChain[T any](primary T, primaryName string, cfg FallbackConfig) *Chain[T] {
	c := &Chain[T]{cfg: cfg}
	c.add(primaryName, primary)
	return c
}

// AddFallback registers an alternate backend behind everything added so far.
func (c *Chain[T]) AddFallback(name string, backend T) {
	c.add(name, backend)
}

func (c *Chain[T]) add(name string, backend T) {
	bcfg := c.cfg.CircuitBreaker
	bcfg.Name = name
	c.links = append(c.links, link[T]{
		name:    name,
		backend: backend,
		breaker: NewCircuitBreaker(bcfg),
	})
}

// First runs fn against each backend in order and returns the first
// successful result. Backends with open breakers are skipped. When nothing
// succeeds the last error is wrapped in [ErrProvidersExhausted].
//
// First is a package-level function because Go does not support method-level
// type parameters.
func First[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.links {
		ln := &c.links[i]
		var out R
		err := ln.breaker.Do(func() error {
			var callErr error
			out, callErr = fn(ln.backend)
			return callErr
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider with open breaker", "provider", ln.name)
		} else {
			slog.Warn("provider call failed, falling back",
				"provider", ln.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrProvidersExhausted, lastErr)
}
