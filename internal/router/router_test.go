// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildforge/internal/cache"
	"buildforge/internal/cost"
	"buildforge/internal/domain"
	"buildforge/internal/pipeline/errs"
	"buildforge/internal/providers"
	"buildforge/internal/providers/mock"
	"buildforge/internal/ratelimit"
)

// classifyAdapter wraps the mock adapter with a fixed error class, so the
// router's classification branches can be exercised.
type classifyAdapter struct {
	*mock.Adapter
	class providers.ErrorClass
}

func (a *classifyAdapter) ClassifyError(err error) providers.ErrorClass { return a.class }

func newTracker(t *testing.T) *cost.Tracker {
	t.Helper()
	tracker, err := cost.NewTracker(cost.Config{SQLitePath: ":memory:"}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })
	return tracker
}

func callCount(t *testing.T, tracker *cost.Tracker, buildID string) int64 {
	t.Helper()
	aggs, err := tracker.Query(context.Background(), cost.QueryFilters{BuildID: buildID}, domain.DimensionBuild)
	require.NoError(t, err)
	var total int64
	for _, agg := range aggs {
		total += agg.CallCount
	}
	return total
}

func messages() []providers.Message {
	return []providers.Message{{Role: "user", Content: "build a todo app"}}
}

func cctx(buildID string) CallContext {
	return CallContext{BuildID: buildID, TenantID: "t1", UserID: "u1", ProjectID: "p1", Role: "clarifier"}
}

func TestCallProviderSuccess(t *testing.T) {
	adapter := mock.New("mock")
	registry := providers.NewRegistry()
	registry.Register(adapter)
	tracker := newTracker(t)

	r := New(registry, ratelimit.New(nil), nil, 0, nil, tracker, nil, nil, nil)

	result, err := r.CallProvider(context.Background(), cctx("b1"), "mock", "mock-small", messages(), NewOptions())
	require.NoError(t, err)

	assert.Contains(t, result.Response.Body, "TODO")
	assert.False(t, result.Cached)
	assert.False(t, result.FallbackUsed)
	assert.EqualValues(t, 1, adapter.CallCount())
	assert.EqualValues(t, 1, callCount(t, tracker, "b1"), "exactly one call record per terminal outcome")
}

func TestRetrySameProviderThenSuccess(t *testing.T) {
	adapter := mock.New("mock")
	adapter.FailNext(2, errors.New("blip"))
	registry := providers.NewRegistry()
	registry.Register(adapter)
	tracker := newTracker(t)

	r := New(registry, ratelimit.New(nil), nil, 0, nil, tracker, nil, nil, nil)

	result, err := r.CallProvider(context.Background(), cctx("b2"), "mock", "mock-small", messages(), NewOptions())
	require.NoError(t, err)

	assert.False(t, result.FallbackUsed, "same-provider retry is not a fallback")
	assert.EqualValues(t, 3, adapter.CallCount())
	assert.EqualValues(t, 1, callCount(t, tracker, "b2"), "retries collapse into one terminal record")
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	adapter := &classifyAdapter{Adapter: mock.New("primary"), class: providers.ErrorNonRetryable}
	adapter.FailNext(10, errors.New("invalid api key"))
	fallback := mock.New("fallback")
	registry := providers.NewRegistry()
	registry.Register(adapter)
	registry.Register(fallback)
	tracker := newTracker(t)

	r := New(registry, ratelimit.New(nil), nil, 0, nil, tracker, nil, nil, nil)
	r.SetRoleMap(map[string]providers.RoleBinding{
		"clarifier": {
			Provider: "primary", Model: "mock-small",
			Fallback: []providers.RoleBinding{{Provider: "fallback", Model: "mock-small"}},
		},
	})

	_, err := r.CallRole(context.Background(), cctx("b3"), messages(), NewOptions())
	require.Error(t, err)

	assert.Equal(t, errs.KindProviderPermanent, errs.Of(err))
	assert.EqualValues(t, 1, adapter.CallCount(), "no same-provider retries after a permanent error")
	assert.Zero(t, fallback.CallCount(), "no fallback after a permanent error")
}

func TestFallbackChainUsedAfterExhaustion(t *testing.T) {
	primary := mock.New("primary")
	primary.FailNext(100, errors.New("down"))
	fallback := mock.New("fallback")
	registry := providers.NewRegistry()
	registry.Register(primary)
	registry.Register(fallback)
	tracker := newTracker(t)

	r := New(registry, ratelimit.New(nil), nil, 0, nil, tracker, nil, nil, nil)
	r.SetRoleMap(map[string]providers.RoleBinding{
		"clarifier": {
			Provider: "primary", Model: "mock-small",
			Fallback: []providers.RoleBinding{{Provider: "fallback", Model: "mock-small"}},
		},
	})

	opts := NewOptions()
	opts.MaxRetries = 1 // keep the exhaustion fast
	result, err := r.CallRole(context.Background(), cctx("b4"), messages(), opts)
	require.NoError(t, err)

	assert.True(t, result.FallbackUsed)
	assert.Equal(t, "fallback", result.Provider)
	assert.EqualValues(t, 2, primary.CallCount(), "initial + 1 retry on the primary")
	assert.EqualValues(t, 1, fallback.CallCount())
}

func TestCostDeniedBeforeProviderTouched(t *testing.T) {
	adapter := mock.New("mock")
	registry := providers.NewRegistry()
	registry.Register(adapter)
	tracker := newTracker(t)
	controller := cost.NewController(tracker, cost.Limits{PerBuildLimit: 1}, nil, nil)

	r := New(registry, ratelimit.New(nil), nil, 0, controller, tracker, nil, nil, nil)

	opts := NewOptions()
	opts.EstimatedCost = 5 // over the per-build limit
	_, err := r.CallProvider(context.Background(), cctx("b5"), "mock", "mock-small", messages(), opts)
	require.Error(t, err)

	assert.Equal(t, errs.KindCostDenied, errs.Of(err))
	assert.Zero(t, adapter.CallCount(), "denied calls never reach the provider")
	assert.Zero(t, callCount(t, tracker, "b5"), "denied calls emit no call record")
}

func newCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return cache.New(rdb, cache.Config{MaxEntries: 100}, nil)
}

func TestCacheHitSkipsProviderAndAccounting(t *testing.T) {
	adapter := mock.New("mock")
	registry := providers.NewRegistry()
	registry.Register(adapter)
	tracker := newTracker(t)

	r := New(registry, ratelimit.New(nil), newCache(t), time.Hour, nil, tracker, nil, nil, nil)

	first, err := r.CallProvider(context.Background(), cctx("b6"), "mock", "mock-small", messages(), NewOptions())
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := r.CallProvider(context.Background(), cctx("b6"), "mock", "mock-small", messages(), NewOptions())
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Response.Body, second.Response.Body, "cached responses are byte-identical")
	assert.EqualValues(t, 1, adapter.CallCount(), "the second call never reached the provider")
	assert.EqualValues(t, 1, callCount(t, tracker, "b6"), "cache hits emit no call record")
}

func TestCacheBypassedWhenDisabled(t *testing.T) {
	adapter := mock.New("mock")
	registry := providers.NewRegistry()
	registry.Register(adapter)

	r := New(registry, ratelimit.New(nil), newCache(t), time.Hour, nil, nil, nil, nil, nil)

	opts := Options{UseCache: false}
	_, err := r.CallProvider(context.Background(), cctx("b7"), "mock", "mock-small", messages(), opts)
	require.NoError(t, err)
	_, err = r.CallProvider(context.Background(), cctx("b7"), "mock", "mock-small", messages(), opts)
	require.NoError(t, err)

	assert.EqualValues(t, 2, adapter.CallCount())
}

func TestStreamForwardsChunks(t *testing.T) {
	adapter := mock.New("mock")
	registry := providers.NewRegistry()
	registry.Register(adapter)
	tracker := newTracker(t)

	r := New(registry, ratelimit.New(nil), nil, 0, nil, tracker, nil, nil, nil)

	var chunks []providers.StreamChunk
	err := r.Stream(context.Background(), cctx("b8"), "", "mock", "mock-small", messages(), NewOptions(), func(c providers.StreamChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)

	require.NotEmpty(t, chunks)
	assert.True(t, chunks[len(chunks)-1].Done)
	assert.EqualValues(t, 1, callCount(t, tracker, "b8"), "streaming calls are accounted like any other")
}
