// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package mock provides a deterministic provider Adapter for tests and
// local development without live API credentials.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"buildforge/internal/providers"
)

// Adapter is a deterministic, in-memory provider. Responses are computed
// from the input rather than recorded/replayed, so the same conversation
// always yields the same response, which keeps cache-key and retry tests
// reproducible.
type Adapter struct {
	id        string
	models    []providers.ModelPrice
	callCount int64

	mu       sync.Mutex
	failNext int // number of subsequent Call/Stream invocations to fail
	failWith error
}

// New constructs a mock Adapter. If id is empty it defaults to "mock".
func New(id string) *Adapter {
	if id == "" {
		id = "mock"
	}
	return &Adapter{
		id: id,
		models: []providers.ModelPrice{
			{Model: "mock-small", InputPerMToken: 0.10, OutputPerMToken: 0.20},
			{Model: "mock-large", InputPerMToken: 1.00, OutputPerMToken: 2.00},
		},
	}
}

func (a *Adapter) ID() string                     { return a.id }
func (a *Adapter) Models() []providers.ModelPrice { return a.models }

// CallCount returns the number of Call/Stream invocations so far, useful
// for asserting retry/fallback counts in tests.
func (a *Adapter) CallCount() int64 { return atomic.LoadInt64(&a.callCount) }

// FailNext configures the adapter to return err for the next n calls to
// Call or Stream, after which it resumes succeeding deterministically.
func (a *Adapter) FailNext(n int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = n
	a.failWith = err
}

func (a *Adapter) takeFailure() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext > 0 {
		a.failNext--
		return a.failWith
	}
	return nil
}

func (a *Adapter) Call(ctx context.Context, model string, messages []providers.Message, opts providers.CallOptions) (providers.Response, error) {
	atomic.AddInt64(&a.callCount, 1)
	if err := a.takeFailure(); err != nil {
		return providers.Response{}, err
	}

	body := deterministicBody(messages)
	inputTokens := estimateTokens(messages)
	outputTokens := int64(len(strings.Fields(body)))

	return providers.Response{
		Body:         body,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      0,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, model string, messages []providers.Message, opts providers.CallOptions, yield func(providers.StreamChunk) error) error {
	atomic.AddInt64(&a.callCount, 1)
	if err := a.takeFailure(); err != nil {
		return err
	}

	body := deterministicBody(messages)
	for _, word := range strings.Fields(body) {
		if err := yield(providers.StreamChunk{Delta: word + " "}); err != nil {
			return err
		}
	}
	return yield(providers.StreamChunk{Done: true})
}

// ClassifyError always reports retryable: the mock adapter has no real
// error taxonomy of its own, and tests that need a specific class should
// assert on the error value they injected via FailNext directly.
func (a *Adapter) ClassifyError(err error) providers.ErrorClass {
	return providers.ErrorRetryable
}

func (a *Adapter) HealthProbe(ctx context.Context) error { return nil }

func deterministicBody(messages []providers.Message) string {
	if len(messages) == 0 {
		return "mock-response: (empty input)"
	}
	last := messages[len(messages)-1]
	return fmt.Sprintf("mock-response: %s", strings.ToUpper(last.Content))
}

func estimateTokens(messages []providers.Message) int64 {
	var total int
	for _, m := range messages {
		total += len(strings.Fields(m.Content))
	}
	return int64(total)
}
