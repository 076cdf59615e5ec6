// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package ratelimit implements the per-provider admission gate (spec.md
// §4.B): a token-bucket limiter bounding inter-call spacing and concurrency,
// layered with a circuit breaker that fails fast once a provider is judged
// unhealthy. Circuit state is advisory input to the Model Router's fallback
// decision, not itself a retry mechanism.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"buildforge/internal/pipeline/errs"
	"buildforge/pkg/logging"
)

// ProviderConfig is the per-provider admission configuration.
type ProviderConfig struct {
	// MaxConcurrent bounds in-flight calls to this provider.
	MaxConcurrent int
	// MinInterval is the minimum spacing between call starts (the
	// token-bucket's inverse rate); a burst of 1 with this interval
	// models "one call per MinInterval" pacing.
	MinInterval time.Duration
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold uint32
	// CooldownPeriod is how long the circuit stays open before moving to
	// half-open and allowing a single probe.
	CooldownPeriod time.Duration
}

// DefaultProviderConfig returns reasonable defaults: 8 concurrent calls, no
// enforced minimum spacing, opening after 5 consecutive failures with a
// 30s cooldown.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		MaxConcurrent:    8,
		MinInterval:      0,
		FailureThreshold: 5,
		CooldownPeriod:   30 * time.Second,
	}
}

// Ticket represents an admitted, in-flight call. Callers must call Release
// exactly once when the call completes, reporting success so the circuit
// breaker can track outcomes.
type Ticket struct {
	provider string
	gate     *providerGate
	release  func()
	done     bool
	mu       sync.Mutex
}

// Release frees the concurrency slot and records the outcome against the
// provider's circuit breaker. Safe to call at most once; subsequent calls
// are no-ops.
func (t *Ticket) Release(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.gate.recordOutcome(success)
	t.release()
}

type providerGate struct {
	name    string
	limiter *rate.Limiter
	sem     chan struct{}
	breaker *gobreaker.CircuitBreaker
	cfg     ProviderConfig
}

func (g *providerGate) recordOutcome(success bool) {
	// gobreaker tracks outcomes via Execute; since admission and execution
	// are split here (the ticket model needs to release concurrency before
	// classification completes), we drive the breaker's counts directly
	// through a zero-cost Execute wrapping a sentinel.
	_, _ = g.breaker.Execute(func() (any, error) {
		if success {
			return nil, nil
		}
		return nil, errBreakerObservedFailure
	})
}

var errBreakerObservedFailure = fmt.Errorf("ratelimit: observed call failure")

// Limiter is the per-provider admission gate keyed by provider name.
type Limiter struct {
	mu     sync.Mutex
	gates  map[string]*providerGate
	config map[string]ProviderConfig
	log    logging.Logger
}

// New creates a Limiter. Per-provider configs may be supplied up front via
// Configure; providers first seen without an explicit config get
// DefaultProviderConfig.
func New(log logging.Logger) *Limiter {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Limiter{
		gates:  make(map[string]*providerGate),
		config: make(map[string]ProviderConfig),
		log:    log,
	}
}

// Configure registers (or replaces) the admission configuration for a
// provider. Must be called before the first Admit for that provider to take
// effect; safe to call at boot time while wiring the Provider Registry.
func (l *Limiter) Configure(provider string, cfg ProviderConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config[provider] = cfg
	delete(l.gates, provider) // force re-creation with new config on next Admit
}

func (l *Limiter) gateFor(provider string) *providerGate {
	l.mu.Lock()
	defer l.mu.Unlock()

	if g, ok := l.gates[provider]; ok {
		return g
	}

	cfg, ok := l.config[provider]
	if !ok {
		cfg = DefaultProviderConfig()
	}

	var limiter *rate.Limiter
	if cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	} else {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	settings := gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1, // allow exactly one probe while half-open
		Timeout:     cfg.CooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}

	g := &providerGate{
		name:    provider,
		limiter: limiter,
		sem:     make(chan struct{}, maxInt(cfg.MaxConcurrent, 1)),
		breaker: gobreaker.NewCircuitBreaker(settings),
		cfg:     cfg,
	}
	l.gates[provider] = g
	return g
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Admit blocks (respecting ctx) until a call to provider may proceed: the
// circuit is not open, a concurrency slot is free, and the token bucket has
// capacity. Returns ProviderUnavailable immediately if the circuit is open,
// without waiting on the bucket or semaphore.
func (l *Limiter) Admit(ctx context.Context, provider string) (*Ticket, error) {
	g := l.gateFor(provider)

	if g.breaker.State() == gobreaker.StateOpen {
		return nil, errs.New(errs.KindProviderUnavailable, fmt.Sprintf("circuit open for provider %s", provider))
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindCancelled, "admission cancelled waiting for concurrency slot", ctx.Err())
	}

	if err := g.limiter.Wait(ctx); err != nil {
		<-g.sem
		return nil, errs.Wrap(errs.KindCancelled, "admission cancelled waiting for rate limit", err)
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		<-g.sem
	}

	return &Ticket{provider: provider, gate: g, release: release}, nil
}

// State reports the current circuit-breaker state for a provider, one of
// "closed", "half-open", "open". Unknown providers report "closed".
func (l *Limiter) State(provider string) string {
	l.mu.Lock()
	g, ok := l.gates[provider]
	l.mu.Unlock()
	if !ok {
		return "closed"
	}
	switch g.breaker.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
