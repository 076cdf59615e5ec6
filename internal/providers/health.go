// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package providers

import (
	"sync"
	"time"

	"buildforge/internal/domain"
)

// HealthWindowSize is the sliding-window size N of spec.md §3 "Provider
// health record" (default N=10).
const HealthWindowSize = 10

type outcomeSample struct {
	success bool
	latency time.Duration
}

// HealthTracker maintains a sliding window of the last N call outcomes per
// provider and derives the health state transitions of spec.md §4.3-style
// thresholds: a provider is degraded once its recent error rate crosses
// 20%, unhealthy once it crosses 50%.
type HealthTracker struct {
	mu      sync.Mutex
	windows map[string][]outcomeSample
}

// NewHealthTracker constructs an empty HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{windows: make(map[string][]outcomeSample)}
}

// RecordOutcome appends one outcome to provider's sliding window, evicting
// the oldest sample once the window exceeds HealthWindowSize.
func (h *HealthTracker) RecordOutcome(provider string, success bool, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w := h.windows[provider]
	w = append(w, outcomeSample{success: success, latency: latency})
	if len(w) > HealthWindowSize {
		w = w[len(w)-HealthWindowSize:]
	}
	h.windows[provider] = w
}

// Health derives the current ProviderHealth for provider from its sliding
// window. A provider with no recorded outcomes yet reports
// ProviderUnknown.
func (h *HealthTracker) Health(provider string) domain.ProviderHealth {
	h.mu.Lock()
	w := append([]outcomeSample(nil), h.windows[provider]...)
	h.mu.Unlock()

	if len(w) == 0 {
		return domain.ProviderHealth{Provider: provider, State: domain.ProviderUnknown}
	}

	var failures int
	var totalLatency time.Duration
	for _, s := range w {
		if !s.success {
			failures++
		}
		totalLatency += s.latency
	}

	errorRate := float64(failures) / float64(len(w))
	avgLatency := totalLatency / time.Duration(len(w))

	state := domain.ProviderHealthy
	switch {
	case errorRate >= 0.5:
		state = domain.ProviderUnhealthy
	case errorRate >= 0.2:
		state = domain.ProviderDegraded
	}

	return domain.ProviderHealth{Provider: provider, ErrorRate: errorRate, AverageLatency: avgLatency, State: state}
}
