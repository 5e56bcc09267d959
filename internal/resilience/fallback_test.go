package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestChainPrefersPrimary(t *testing.T) {
	t.Parallel()

	c := NewChain("primary-backend", "aws", FallbackConfig{})
	c.AddFallback("openai", "fallback-backend")

	got, err := First(c, func(backend string) (string, error) {
		return backend, nil
	})
	if err != nil {
		t.Fatalf("First() error = %v", err)
	}
	if got != "primary-backend" {
		t.Fatalf("First() = %q, want the primary's result", got)
	}
}

func TestChainFallsThroughOnFailure(t *testing.T) {
	t.Parallel()

	c := NewChain("aws", "aws", FallbackConfig{})
	c.AddFallback("openai", "openai")

	got, err := First(c, func(backend string) (string, error) {
		if backend == "aws" {
			return "", errProviderDown
		}
		return "translated by " + backend, nil
	})
	if err != nil {
		t.Fatalf("First() error = %v", err)
	}
	if got != "translated by openai" {
		t.Fatalf("First() = %q, want the fallback's result", got)
	}
}

func TestChainExhaustionWrapsLastError(t *testing.T) {
	t.Parallel()

	c := NewChain("aws", "aws", FallbackConfig{})
	c.AddFallback("openai", "openai")

	_, err := First(c, func(string) (string, error) {
		return "", errProviderDown
	})
	if !errors.Is(err, ErrProvidersExhausted) {
		t.Fatalf("First() error = %v, want ErrProvidersExhausted", err)
	}
}

func TestChainSkipsTrippedBackend(t *testing.T) {
	t.Parallel()

	c := NewChain("aws", "aws", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{TripAfter: 1, Cooldown: time.Hour},
	})
	c.AddFallback("openai", "openai")

	calls := map[string]int{}
	run := func() (string, error) {
		return First(c, func(backend string) (string, error) {
			calls[backend]++
			if backend == "aws" {
				return "", errProviderDown
			}
			return backend, nil
		})
	}

	// First pass trips the primary's breaker.
	if got, err := run(); err != nil || got != "openai" {
		t.Fatalf("run() = %q, %v; want openai, nil", got, err)
	}
	// Second pass must not touch the tripped primary at all.
	if got, err := run(); err != nil || got != "openai" {
		t.Fatalf("run() = %q, %v; want openai, nil", got, err)
	}
	if calls["aws"] != 1 {
		t.Fatalf("primary called %d times, want 1 (breaker open)", calls["aws"])
	}
	if calls["openai"] != 2 {
		t.Fatalf("fallback called %d times, want 2", calls["openai"])
	}
}
