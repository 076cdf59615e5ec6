// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package router implements the Model Router (spec.md §4.G): admit ->
// cache -> attempt -> classify -> retry -> fallback, emitting a call
// record, a provider-health update, and a metrics point on every terminal
// outcome.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"buildforge/internal/cache"
	"buildforge/internal/cost"
	"buildforge/internal/domain"
	"buildforge/internal/pipeline/errs"
	"buildforge/internal/providers"
	"buildforge/internal/ratelimit"
	"buildforge/pkg/logging"
)

// CallContext is the principal/build/role scope one call is made within.
type CallContext struct {
	BuildID       string
	TenantID      string
	UserID        string
	ProjectID     string
	Role          string // empty when Provider/Model are given explicitly
	CorrelationID string
}

// Options mirrors providers.CallOptions plus router-level knobs.
type Options struct {
	Temperature   float64
	MaxTokens     int
	UseCache      bool // default true; callers that want the default set this via NewOptions
	EstimatedCost float64
	MaxRetries    int // same-provider retry count; 0 uses DefaultMaxRetries
}

// DefaultMaxRetries is the "up to the configured retry count (default 2
// additional attempts)" of spec.md §4.G step 5.
const DefaultMaxRetries = 2

// NewOptions returns Options with UseCache defaulted to true, matching
// spec.md §4.G step 2 ("If options.useCache (default true)").
func NewOptions() Options { return Options{UseCache: true} }

// Result is the Model Router's normalized outcome for one logical call
// (which may have spanned several provider attempts).
type Result struct {
	Response     providers.Response
	Provider     string
	Model        string
	Cached       bool
	FallbackUsed bool
	CallRecord   domain.CallRecord
}

// Metrics are the Prometheus series the Router emits per terminal outcome.
type Metrics struct {
	LatencyMs *prometheus.HistogramVec
	Outcomes  *prometheus.CounterVec
}

// NewMetrics registers Router metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buildforge_router_call_latency_ms",
			Help:    "Model Router call latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(50, 2, 12),
		}, []string{"provider", "role", "cached"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildforge_router_outcomes_total",
			Help: "Model Router terminal outcomes by provider, role, and outcome kind.",
		}, []string{"provider", "role", "outcome"}),
	}
	reg.MustRegister(m.LatencyMs, m.Outcomes)
	return m
}

// HealthTracker records per-provider outcome history for fallback
// decisions and health reporting, satisfying spec.md §3 "Provider health
// record" with a sliding window of the last N outcomes.
type HealthTracker interface {
	RecordOutcome(provider string, success bool, latency time.Duration)
	Health(provider string) domain.ProviderHealth
}

// Router is the Model Router.
type Router struct {
	registry *providers.Registry
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	cacheTTL time.Duration
	cost     *cost.Controller
	tracker  *cost.Tracker
	health   HealthTracker
	metrics  *Metrics
	log      logging.Logger

	roles map[string]providers.RoleBinding
}

// New constructs a Router. cache, metrics, and health may be nil to
// disable those features (tests commonly disable cache and metrics).
func New(registry *providers.Registry, limiter *ratelimit.Limiter, c *cache.Cache, cacheTTL time.Duration, costCtrl *cost.Controller, tracker *cost.Tracker, health HealthTracker, metrics *Metrics, log logging.Logger) *Router {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Router{
		registry: registry,
		limiter:  limiter,
		cache:    c,
		cacheTTL: cacheTTL,
		cost:     costCtrl,
		tracker:  tracker,
		health:   health,
		metrics:  metrics,
		log:      log,
		roles:    make(map[string]providers.RoleBinding),
	}
}

// SetRoleMap replaces the role -> (provider, model, fallback chain)
// bindings.
func (r *Router) SetRoleMap(roles map[string]providers.RoleBinding) {
	r.roles = roles
}

// CallRole resolves role to its bound (provider, model) + fallback chain
// and performs the call.
func (r *Router) CallRole(ctx context.Context, cctx CallContext, messages []providers.Message, opts Options) (Result, error) {
	binding, ok := r.roles[cctx.Role]
	if !ok {
		return Result{}, errs.New(errs.KindInternal, fmt.Sprintf("router: no role binding for %q", cctx.Role))
	}
	return r.call(ctx, cctx, binding, messages, opts)
}

// CallProvider performs a call against an explicit (provider, model) with
// no fallback chain.
func (r *Router) CallProvider(ctx context.Context, cctx CallContext, provider, model string, messages []providers.Message, opts Options) (Result, error) {
	return r.call(ctx, cctx, providers.RoleBinding{Provider: provider, Model: model}, messages, opts)
}

func (r *Router) call(ctx context.Context, cctx CallContext, binding providers.RoleBinding, messages []providers.Message, opts Options) (Result, error) {
	if cctx.CorrelationID == "" {
		cctx.CorrelationID = uuid.NewString()
	}

	// 1. Admission.
	if r.cost != nil {
		decision := r.cost.AdmitCall(cost.AdmissionContext{
			BuildID: cctx.BuildID, TenantID: cctx.TenantID, UserID: cctx.UserID, ProjectID: cctx.ProjectID,
		}, opts.EstimatedCost)
		if !decision.Allowed {
			return Result{}, errs.New(errs.KindCostDenied, fmt.Sprintf("cost controller denied call: %v", decision.Reasons)).WithCorrelationID(cctx.CorrelationID)
		}
	}

	// 2. Cache.
	useCache := opts.UseCache
	var cacheKey string
	if useCache && r.cache != nil {
		key, err := cacheKeyFor(binding.Provider, binding.Model, opts.Temperature, messages)
		if err == nil {
			cacheKey = key
			if entry, lookupErr := r.cache.Lookup(ctx, cacheKey); lookupErr == nil {
				var resp providers.Response
				if jsonErr := json.Unmarshal(entry.Body, &resp); jsonErr == nil {
					return Result{Response: resp, Provider: entry.Provider, Model: entry.Model, Cached: true}, nil
				}
			}
		}
	}

	chain := append([]providers.RoleBinding{{Provider: binding.Provider, Model: binding.Model}}, binding.Fallback...)

	var lastErr error
	for i, link := range chain {
		resp, latency, err := r.attemptWithRetry(ctx, cctx, link.Provider, link.Model, messages, opts)
		if err == nil {
			result := Result{Response: resp, Provider: link.Provider, Model: link.Model, FallbackUsed: i > 0}
			r.recordSuccess(ctx, cctx, result, latency)
			if cacheKey != "" {
				r.storeCache(ctx, cacheKey, link.Provider, link.Model, resp)
			}
			return result, nil
		}

		lastErr = err
		if errs.Of(err) == errs.KindProviderPermanent || errs.Of(err) == errs.KindCostDenied {
			// permanent/non-retryable at this link: stop walking the chain
			// entirely per step 4 ("do not retry, do not fall back").
			r.recordFailure(ctx, cctx, link.Provider, link.Model, err, latency)
			return Result{}, err
		}
		r.log.Warn("router: provider exhausted, trying fallback", logging.NewField("provider", link.Provider), logging.NewField("correlationId", cctx.CorrelationID))
	}

	// 7. Exhaustion.
	if lastErr == nil {
		lastErr = errs.New(errs.KindInternal, "router: empty fallback chain")
	}
	r.recordFailure(ctx, cctx, chain[len(chain)-1].Provider, chain[len(chain)-1].Model, lastErr, 0)
	return Result{}, lastErr
}

// attemptWithRetry performs up to opts.MaxRetries+1 attempts against one
// provider, with the fixed-with-jitter backoff schedule of spec.md §4.G
// step 5. Rate-limited errors use a longer base delay.
func (r *Router) attemptWithRetry(ctx context.Context, cctx CallContext, provider, model string, messages []providers.Message, opts Options) (providers.Response, time.Duration, error) {
	adapter, err := r.registry.Get(provider)
	if err != nil {
		return providers.Response{}, 0, errs.Wrap(errs.KindInternal, "router: resolving provider", err)
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var lastErr error
	var lastLatency time.Duration
	rateLimited := false
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt, rateLimited || errs.Of(lastErr) == errs.KindProviderUnavailable); err != nil {
				return providers.Response{}, lastLatency, errs.Wrap(errs.KindCancelled, "router: cancelled during backoff", err)
			}
		}

		ticket, admitErr := r.limiter.Admit(ctx, provider)
		if admitErr != nil {
			lastErr = admitErr
			if errs.Of(admitErr) != errs.KindProviderUnavailable {
				return providers.Response{}, lastLatency, admitErr
			}
			continue
		}

		start := time.Now()
		resp, callErr := adapter.Call(ctx, model, messages, providers.CallOptions{
			Temperature: opts.Temperature, MaxTokens: opts.MaxTokens, UseCache: opts.UseCache,
		})
		latency := time.Since(start)
		lastLatency = latency

		if callErr == nil {
			ticket.Release(true)
			if r.health != nil {
				r.health.RecordOutcome(provider, true, latency)
			}
			return resp, latency, nil
		}

		ticket.Release(false)
		if r.health != nil {
			r.health.RecordOutcome(provider, false, latency)
		}

		class := adapter.ClassifyError(callErr)
		switch class {
		case providers.ErrorNonRetryable:
			return providers.Response{}, latency, errs.Wrap(errs.KindProviderPermanent, "provider returned non-retryable error", callErr).WithCorrelationID(cctx.CorrelationID)
		case providers.ErrorRateLimited:
			rateLimited = true
			lastErr = errs.Wrap(errs.KindProviderTransient, "provider rate-limited", callErr).WithCorrelationID(cctx.CorrelationID).WithAttempt(attempt + 1)
		default:
			rateLimited = false
			lastErr = errs.Wrap(errs.KindProviderTransient, "provider transient error", callErr).WithCorrelationID(cctx.CorrelationID).WithAttempt(attempt + 1)
		}
	}

	return providers.Response{}, lastLatency, lastErr
}

// sleepBackoff waits according to the stage backoff schedule, using the
// rate-limited longer base when isRateLimited, plus up to 20% jitter.
func sleepBackoff(ctx context.Context, attempt int, isRateLimited bool) error {
	base := domain.BackoffSchedule(attempt)
	if isRateLimited {
		base *= 2
	}
	if base <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Int63n(int64(base)/5 + 1)) // up to 20%
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cacheKeyFor(provider, model string, temperature float64, messages []providers.Message) (string, error) {
	bucket := int(temperature * 10)
	msgs := make([]string, len(messages))
	for i, m := range messages {
		msgs[i] = m.Role + ":" + m.Content
	}
	return cache.Key(cache.RequestKeyInput{Provider: provider, Model: model, TemperatureBucket: bucket, Messages: msgs})
}

func (r *Router) storeCache(ctx context.Context, key, provider, model string, resp providers.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := r.cache.Store(ctx, key, cache.Entry{Provider: provider, Model: model, Body: body}, r.cacheTTL); err != nil {
		r.log.Warn("router: cache store failed", logging.NewField("error", err.Error()))
	}
}

func (r *Router) recordSuccess(ctx context.Context, cctx CallContext, result Result, latency time.Duration) {
	cr := domain.CallRecord{
		ID: uuid.NewString(), Provider: result.Provider, Model: result.Model, Role: cctx.Role,
		TenantID: cctx.TenantID, UserID: cctx.UserID, ProjectID: cctx.ProjectID, BuildID: cctx.BuildID,
		InputTokens: result.Response.InputTokens, OutputTokens: result.Response.OutputTokens,
		CostUSD: result.Response.CostUSD, LatencyMs: latency.Milliseconds(), Cached: result.Cached, FallbackUsed: result.FallbackUsed,
		Outcome: domain.OutcomeSuccess, CorrelationID: cctx.CorrelationID, OccurredAt: time.Now().UTC(),
	}
	result.CallRecord = cr
	r.finish(ctx, cr)
}

func (r *Router) recordFailure(ctx context.Context, cctx CallContext, provider, model string, callErr error, latency time.Duration) {
	outcome := domain.OutcomeRetryableError
	if !errs.IsRetryable(callErr) {
		outcome = domain.OutcomeFatalError
	}
	cr := domain.CallRecord{
		ID: uuid.NewString(), Provider: provider, Model: model, Role: cctx.Role,
		TenantID: cctx.TenantID, UserID: cctx.UserID, ProjectID: cctx.ProjectID, BuildID: cctx.BuildID,
		LatencyMs: latency.Milliseconds(), Outcome: outcome, CorrelationID: cctx.CorrelationID, OccurredAt: time.Now().UTC(),
	}
	r.finish(ctx, cr)
}

func (r *Router) finish(ctx context.Context, cr domain.CallRecord) {
	if r.tracker != nil {
		if err := r.tracker.Record(ctx, cr); err != nil {
			r.log.Error("router: cost tracker record failed", logging.NewField("error", err.Error()))
		}
	}
	if r.cost != nil {
		r.cost.OnCallCompleted(cr)
	}
	if r.metrics != nil {
		cached := "false"
		if cr.Cached {
			cached = "true"
		}
		r.metrics.LatencyMs.WithLabelValues(cr.Provider, cr.Role, cached).Observe(float64(cr.LatencyMs))
		r.metrics.Outcomes.WithLabelValues(cr.Provider, cr.Role, string(cr.Outcome)).Inc()
	}
}

// Stream performs a streaming call. It bypasses the Cache and applies cost
// admission and the provider's rate limit, but makes a single attempt
// against one provider: there is no same-provider retry and no fallback
// chain, even when the role has one. Chunks are forwarded to yield as they
// arrive; a failure mid-stream discards any partial response without
// caching it.
func (r *Router) Stream(ctx context.Context, cctx CallContext, role, provider, model string, messages []providers.Message, opts Options, yield func(providers.StreamChunk) error) error {
	if cctx.CorrelationID == "" {
		cctx.CorrelationID = uuid.NewString()
	}
	if role != "" {
		binding, ok := r.roles[role]
		if !ok {
			return errs.New(errs.KindInternal, fmt.Sprintf("router: no role binding for %q", role))
		}
		provider, model = binding.Provider, binding.Model
	}

	if r.cost != nil {
		decision := r.cost.AdmitCall(cost.AdmissionContext{BuildID: cctx.BuildID, TenantID: cctx.TenantID, UserID: cctx.UserID, ProjectID: cctx.ProjectID}, opts.EstimatedCost)
		if !decision.Allowed {
			return errs.New(errs.KindCostDenied, fmt.Sprintf("cost controller denied streaming call: %v", decision.Reasons)).WithCorrelationID(cctx.CorrelationID)
		}
	}

	adapter, err := r.registry.Get(provider)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "router: resolving provider", err)
	}

	ticket, err := r.limiter.Admit(ctx, provider)
	if err != nil {
		return err
	}

	start := time.Now()
	streamErr := adapter.Stream(ctx, model, messages, providers.CallOptions{Temperature: opts.Temperature, MaxTokens: opts.MaxTokens}, yield)
	latency := time.Since(start)

	ticket.Release(streamErr == nil)
	if r.health != nil {
		r.health.RecordOutcome(provider, streamErr == nil, latency)
	}

	cr := domain.CallRecord{
		ID: uuid.NewString(), Provider: provider, Model: model, Role: role,
		TenantID: cctx.TenantID, UserID: cctx.UserID, ProjectID: cctx.ProjectID, BuildID: cctx.BuildID,
		LatencyMs: latency.Milliseconds(), CorrelationID: cctx.CorrelationID, OccurredAt: time.Now().UTC(),
	}
	if streamErr != nil {
		cr.Outcome = domain.OutcomeFatalError
		r.finish(ctx, cr)
		return errs.Wrap(errs.KindProviderTransient, "streaming call failed", streamErr).WithCorrelationID(cctx.CorrelationID)
	}
	cr.Outcome = domain.OutcomeSuccess
	r.finish(ctx, cr)
	return nil
}
