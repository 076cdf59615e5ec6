// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package pipeline implements the Pipeline Orchestrator (spec.md §4.I):
// the stage DAG driver for one build, with preflight, a fixed-backoff
// attempt loop, artifact persistence, cancellation, and the retry /
// retry-stage control operations. Each build is driven by exactly one
// worker goroutine for the duration; builds run in parallel bounded by
// the configured worker count.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"buildforge/internal/artifact"
	"buildforge/internal/bus"
	"buildforge/internal/collab"
	"buildforge/internal/cost"
	"buildforge/internal/domain"
	"buildforge/internal/pipeline/errs"
	"buildforge/pkg/logging"
)

// UsageSource reports per-build AI usage for the read-only rollup
// surfaced by the Control API. The Cost Tracker satisfies it.
type UsageSource interface {
	BuildUsage(ctx context.Context, buildID string) (calls int64, tokens int64, err error)
}

// Config carries the Orchestrator's tunables.
type Config struct {
	// WorkerCount bounds how many builds run concurrently.
	WorkerCount int
	// QueueSize bounds how many builds may wait for a worker.
	QueueSize int
	// DrainGrace is how long a terminal build's bus topic stays readable
	// for late subscribers.
	DrainGrace time.Duration
	// Backoff maps a 0-based retry index to the delay before the next
	// attempt. Defaults to the fixed [0, 500ms, 1500ms, ...] schedule.
	Backoff func(attempt int) time.Duration
}

// DefaultConfig returns 4 workers, a queue of 64, and a 30s drain grace.
func DefaultConfig() Config {
	return Config{WorkerCount: 4, QueueSize: 64, DrainGrace: 30 * time.Second}
}

// buildControl tracks the cancel state for one in-flight (or queued)
// build.
type buildControl struct {
	mu        sync.Mutex
	cancelled bool
	cancelFn  context.CancelFunc
}

func (c *buildControl) requestCancel() {
	c.mu.Lock()
	c.cancelled = true
	fn := c.cancelFn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *buildControl) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Orchestrator drives the stage DAG.
type Orchestrator struct {
	cfg      Config
	stages   []domain.StageDescriptor
	handlers map[string]Handler
	store    collab.BuildStore
	art      *artifact.Store
	bus      *bus.Bus
	cost     *cost.Controller
	usage    UsageSource
	log      logging.Logger

	queue    chan string
	controls sync.Map // buildID -> *buildControl
	wg       sync.WaitGroup
}

// New constructs an Orchestrator. cost and usage may be nil to disable
// admission checks and the usage rollup respectively.
func New(cfg Config, stages []domain.StageDescriptor, handlers map[string]Handler, store collab.BuildStore, art *artifact.Store, b *bus.Bus, costCtrl *cost.Controller, usage UsageSource, log logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultConfig().DrainGrace
	}
	if cfg.Backoff == nil {
		cfg.Backoff = domain.BackoffSchedule
	}

	sorted := make([]domain.StageDescriptor, len(stages))
	copy(sorted, stages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	return &Orchestrator{
		cfg:      cfg,
		stages:   sorted,
		handlers: handlers,
		store:    store,
		art:      art,
		bus:      b,
		cost:     costCtrl,
		usage:    usage,
		log:      log,
		queue:    make(chan string, cfg.QueueSize),
	}
}

// Stages returns the stage DAG in numeric order.
func (o *Orchestrator) Stages() []domain.StageDescriptor { return o.stages }

// Run starts the worker pool. Workers exit when ctx is cancelled; call
// Shutdown to wait for in-flight builds to settle.
func (o *Orchestrator) Run(ctx context.Context) {
	for i := 0; i < o.cfg.WorkerCount; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case buildID := <-o.queue:
					o.executeBuild(ctx, buildID)
				}
			}
		}()
	}
}

// Shutdown waits for the workers started by Run to exit.
func (o *Orchestrator) Shutdown() { o.wg.Wait() }

// Start creates a new queued build for spec and enqueues it. The Cost
// Controller's build admission runs first; a denial means no build record
// is created at all.
func (o *Orchestrator) Start(ctx context.Context, spec, tenantID, projectID, userID string, estimatedCost float64) (string, error) {
	if o.cost != nil {
		decision := o.cost.AdmitBuild(cost.AdmissionContext{TenantID: tenantID, UserID: userID, ProjectID: projectID}, estimatedCost)
		if !decision.Allowed {
			return "", errs.New(errs.KindCostDenied, fmt.Sprintf("build admission denied: %v", decision.Reasons))
		}
	}

	b := &domain.Build{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		ProjectID:      projectID,
		UserID:         userID,
		Spec:           spec,
		Status:         domain.BuildQueued,
		StageStatus:    map[string]domain.StageStatus{},
		StageArtifacts: map[string][]string{},
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.Save(ctx, b); err != nil {
		return "", err
	}
	if err := o.enqueue(b.ID); err != nil {
		return "", err
	}
	return b.ID, nil
}

func (o *Orchestrator) enqueue(buildID string) error {
	o.controls.LoadOrStore(buildID, &buildControl{})
	select {
	case o.queue <- buildID:
		return nil
	default:
		return errs.New(errs.KindInternal, "orchestrator: build queue full")
	}
}

// Cancel sets the cancel flag for a queued or running build. Idempotent;
// the flag cannot be cleared (spec.md §4.I).
func (o *Orchestrator) Cancel(ctx context.Context, buildID string) error {
	b, err := o.store.FindByID(ctx, buildID)
	if err != nil {
		return err
	}
	if b.Status != domain.BuildQueued && b.Status != domain.BuildRunning {
		return errs.New(errs.KindValidation, fmt.Sprintf("build %s is %s and cannot be cancelled", buildID, b.Status))
	}
	ctl, _ := o.controls.LoadOrStore(buildID, &buildControl{})
	ctl.(*buildControl).requestCancel()
	b.RequestCancel()
	return nil
}

// Retry clones a failed build into a new queued build carrying the same
// specification, and enqueues it.
func (o *Orchestrator) Retry(ctx context.Context, buildID string) (string, error) {
	b, err := o.store.FindByID(ctx, buildID)
	if err != nil {
		return "", err
	}
	if b.Status != domain.BuildFailed {
		return "", errs.New(errs.KindValidation, fmt.Sprintf("build %s is %s; only failed builds can be retried", buildID, b.Status))
	}

	clone := b.Clone(uuid.NewString())
	clone.CreatedAt = time.Now().UTC()
	if err := o.store.Save(ctx, clone); err != nil {
		return "", err
	}
	if err := o.enqueue(clone.ID); err != nil {
		return "", err
	}
	return clone.ID, nil
}

// RetryStage re-executes one failed stage in place: the stage and every
// downstream stage reset to pending (their artifact pointers untouched
// until their handlers overwrite them), and the build re-enters the
// queue. Completed stages before the target keep their state.
func (o *Orchestrator) RetryStage(ctx context.Context, buildID string, stageNumber float64) error {
	b, err := o.store.FindByID(ctx, buildID)
	if err != nil {
		return err
	}
	key := domain.StageKey(stageNumber)
	if b.StageStatus[key] != domain.StageFailed {
		return errs.New(errs.KindValidation, fmt.Sprintf("stage %s of build %s is %q; only failed stages can be retried", key, buildID, b.StageStatus[key]))
	}

	for _, st := range o.stages {
		if st.Number >= stageNumber {
			b.StageStatus[domain.StageKey(st.Number)] = domain.StagePending
		}
	}
	b.Status = domain.BuildQueued
	b.CompletedAt = nil
	b.FailedAt = nil
	b.ErrorMessage = ""
	if err := o.store.Update(ctx, b); err != nil {
		return err
	}

	// A fresh control: the previous run's cancel state must not leak into
	// the re-execution.
	o.controls.Store(buildID, &buildControl{})
	return o.enqueue(buildID)
}

// executeBuild drives one build from its first pending stage to a
// terminal state.
func (o *Orchestrator) executeBuild(ctx context.Context, buildID string) {
	b, err := o.store.FindByID(ctx, buildID)
	if err != nil {
		o.log.Error("orchestrator: loading build failed", logging.NewField("buildId", buildID), logging.NewField("error", err.Error()))
		return
	}

	ctl, _ := o.controls.LoadOrStore(buildID, &buildControl{})
	control := ctl.(*buildControl)

	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	control.mu.Lock()
	control.cancelFn = cancel
	alreadyCancelled := control.cancelled
	control.mu.Unlock()

	if alreadyCancelled {
		o.finalizeCancelled(ctx, b, -1)
		return
	}

	now := time.Now().UTC()
	b.Status = domain.BuildRunning
	if b.StartedAt == nil {
		b.StartedAt = &now
	}
	for _, st := range o.stages {
		key := domain.StageKey(st.Number)
		if _, ok := b.StageStatus[key]; !ok {
			b.StageStatus[key] = domain.StagePending
		}
	}
	if err := o.store.Update(ctx, b); err != nil {
		o.log.Error("orchestrator: marking build running failed", logging.NewField("buildId", buildID), logging.NewField("error", err.Error()))
		return
	}
	o.bus.Publish(b.ID, domain.Event{Type: domain.EventStatus, Status: domain.BuildRunning})

	for _, st := range o.stages {
		key := domain.StageKey(st.Number)
		if b.StageStatus[key] == domain.StageCompleted {
			continue
		}
		if control.isCancelled() {
			o.finalizeCancelled(ctx, b, st.Number)
			return
		}
		if !o.executeStage(ctx, buildCtx, control, b, st) {
			return
		}
	}

	o.finalizeCompleted(ctx, b)
}

// executeStage runs one stage to a terminal sub-state. It returns true if
// the build should advance, false if the build reached a terminal state.
func (o *Orchestrator) executeStage(ctx, buildCtx context.Context, control *buildControl, b *domain.Build, st domain.StageDescriptor) bool {
	key := domain.StageKey(st.Number)
	log := o.log.WithFields(logging.NewField("buildId", b.ID), logging.NewField("stage", key))

	b.StageStatus[key] = domain.StageRunning
	b.CurrentStage = st.Number
	if err := o.store.Update(ctx, b); err != nil {
		log.Error("orchestrator: persisting stage start failed", logging.NewField("error", err.Error()))
	}
	o.bus.Publish(b.ID, domain.Event{Type: domain.EventPhase, Phase: domain.PhaseStarted, Stage: st.Number})

	if st.Disabled {
		err := errs.New(errs.KindInternal, fmt.Sprintf("stage %s is disabled: %s", st.Name, st.DisabledReason))
		o.finalizeStageFailure(ctx, b, st, err, 1, uuid.NewString())
		return false
	}

	handler, ok := o.handlers[st.HandlerID]
	if !ok {
		err := errs.New(errs.KindInternal, fmt.Sprintf("no handler registered for %q", st.HandlerID))
		o.finalizeStageFailure(ctx, b, st, err, 1, uuid.NewString())
		return false
	}

	// Input preflight: every declared input must be readable, or the
	// stage fails immediately with MissingInputArtifact — no retries.
	inputs := make(map[string][]byte, len(st.Inputs))
	for _, name := range st.Inputs {
		data, err := o.art.Get(b.ID, name)
		if err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				err = errs.New(errs.KindMissingInputArtifact, fmt.Sprintf("stage %s requires artifact %q which was never produced", st.Name, name))
			}
			o.finalizeStageFailure(ctx, b, st, err, 1, uuid.NewString())
			return false
		}
		inputs[name] = data
	}

	budget := st.RetryBudget()
	for attempt := 1; attempt <= budget; attempt++ {
		if delay := o.cfg.Backoff(attempt - 1); delay > 0 {
			select {
			case <-time.After(delay):
			case <-buildCtx.Done():
				o.finalizeCancelled(ctx, b, st.Number)
				return false
			}
		}
		if control.isCancelled() {
			o.finalizeCancelled(ctx, b, st.Number)
			return false
		}

		correlationID := uuid.NewString()
		attemptCtx, cancelAttempt := context.WithTimeout(buildCtx, st.Timeout)
		result, err := handler.Execute(attemptCtx, &HandlerContext{
			Build:         b,
			Stage:         st,
			Inputs:        inputs,
			Attempt:       attempt,
			CorrelationID: correlationID,
			Log:           log,
		})
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancelAttempt()

		if err == nil {
			err = o.persistOutputs(b, st, result)
			if err == nil {
				o.finalizeStageSuccess(ctx, b, st, attempt)
				return true
			}
		}

		// Even on failure, partial outputs are kept for post-mortem.
		if result != nil {
			o.persistPartial(b, st, result)
		}

		if control.isCancelled() {
			o.finalizeCancelled(ctx, b, st.Number)
			return false
		}
		if buildCtx.Err() != nil && !timedOut {
			o.finalizeCancelled(ctx, b, st.Number)
			return false
		}
		if timedOut {
			err = errs.Wrap(errs.KindTimeout, fmt.Sprintf("stage %s exceeded its %s budget", st.Name, st.Timeout), err)
		}

		if errs.IsRetryable(err) && attempt < budget {
			nextDelay := o.cfg.Backoff(attempt)
			b.ErrorLog = append(b.ErrorLog, errorEntry(err, st.Number, attempt, correlationID, false))
			if updateErr := o.store.Update(ctx, b); updateErr != nil {
				log.Error("orchestrator: persisting retry state failed", logging.NewField("error", updateErr.Error()))
			}
			o.bus.Publish(b.ID, domain.Event{
				Type:      domain.EventPhase,
				Phase:     domain.PhaseRetrying,
				Stage:     st.Number,
				Attempt:   attempt + 1,
				BackoffMs: nextDelay.Milliseconds(),
			})
			log.Warn("stage attempt failed, retrying",
				logging.NewField("attempt", attempt),
				logging.NewField("backoffMs", nextDelay.Milliseconds()),
				logging.NewField("error", err.Error()))
			continue
		}

		o.finalizeStageFailure(ctx, b, st, err, attempt, correlationID)
		return false
	}

	// Unreachable: the loop always returns. Kept for the compiler.
	return false
}

// persistOutputs writes every artifact the handler produced and verifies
// each declared output landed. Write failures don't stop the remaining
// writes (spec.md §4.A); the first failure is reported after all writes
// were attempted.
func (o *Orchestrator) persistOutputs(b *domain.Build, st domain.StageDescriptor, result *HandlerResult) error {
	if result == nil {
		result = &HandlerResult{}
	}

	var firstErr error
	written := make(map[string]bool, len(result.Artifacts))
	for name, data := range result.Artifacts {
		if err := o.art.Put(b.ID, name, data); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written[name] = true
		b.Usage.ArtifactsWritten++
		b.Usage.TotalBytesWritten += int64(len(data))
	}
	if firstErr != nil {
		e := errs.Wrap(errs.KindArtifactWriteError, fmt.Sprintf("persisting outputs of stage %s", st.Name), firstErr)
		e.Retryable = true
		return e
	}

	key := domain.StageKey(st.Number)
	for _, name := range st.Outputs {
		if !written[name] {
			// The handler reported success without its declared output:
			// its own contract check failed. Folded into the normal
			// retry path rather than a separate error kind.
			e := errs.New(errs.KindInternal, fmt.Sprintf("stage %s completed without declared output %q", st.Name, name))
			e.Retryable = true
			return e
		}
	}

	// Artifact pointers are append-only within a run; a retry overwrites
	// its own outputs without duplicating pointer entries.
	existing := make(map[string]bool, len(b.StageArtifacts[key]))
	for _, name := range b.StageArtifacts[key] {
		existing[name] = true
	}
	for name := range written {
		if !existing[name] {
			b.StageArtifacts[key] = append(b.StageArtifacts[key], name)
		}
	}
	sort.Strings(b.StageArtifacts[key])
	return nil
}

// persistPartial best-effort persists whatever a failed attempt produced.
func (o *Orchestrator) persistPartial(b *domain.Build, st domain.StageDescriptor, result *HandlerResult) {
	for name, data := range result.Artifacts {
		if err := o.art.Put(b.ID, name, data); err != nil {
			o.log.Warn("orchestrator: persisting partial artifact failed",
				logging.NewField("buildId", b.ID),
				logging.NewField("artifact", name),
				logging.NewField("error", err.Error()))
		}
	}
}

func (o *Orchestrator) finalizeStageSuccess(ctx context.Context, b *domain.Build, st domain.StageDescriptor, attempt int) {
	key := domain.StageKey(st.Number)
	b.StageStatus[key] = domain.StageCompleted
	if err := o.store.Update(ctx, b); err != nil {
		o.log.Error("orchestrator: persisting stage completion failed", logging.NewField("buildId", b.ID), logging.NewField("error", err.Error()))
	}

	// Artifact writes happen-before phase{completed} (spec.md §5).
	if attempt > 1 {
		o.bus.Publish(b.ID, domain.Event{Type: domain.EventPhase, Phase: domain.PhaseRetrySuccess, Stage: st.Number, Attempt: attempt})
	}
	o.bus.Publish(b.ID, domain.Event{Type: domain.EventPhase, Phase: domain.PhaseCompleted, Stage: st.Number})
	o.bus.Publish(b.ID, domain.Event{
		Type:    domain.EventProgress,
		Percent: o.progressPercent(b),
		Label:   st.Name + " completed",
	})
}

func (o *Orchestrator) progressPercent(b *domain.Build) int {
	if len(o.stages) == 0 {
		return 0
	}
	var done int
	for _, st := range o.stages {
		if b.StageStatus[domain.StageKey(st.Number)] == domain.StageCompleted {
			done++
		}
	}
	return done * 100 / len(o.stages)
}

func (o *Orchestrator) finalizeStageFailure(ctx context.Context, b *domain.Build, st domain.StageDescriptor, err error, attempt int, correlationID string) {
	key := domain.StageKey(st.Number)
	kind := errs.Of(err)
	entry := errorEntry(err, st.Number, attempt, correlationID, true)

	now := time.Now().UTC()
	b.StageStatus[key] = domain.StageFailed
	b.Status = domain.BuildFailed
	b.CurrentStage = st.Number
	b.FailedAt = &now
	b.CompletedAt = &now
	b.ErrorLog = append(b.ErrorLog, entry)
	b.ErrorMessage = entry.Message
	o.fillUsage(ctx, b)
	if updateErr := o.store.Update(ctx, b); updateErr != nil {
		o.log.Error("orchestrator: persisting build failure failed", logging.NewField("buildId", b.ID), logging.NewField("error", updateErr.Error()))
	}

	o.bus.Publish(b.ID, domain.Event{Type: domain.EventPhase, Phase: domain.PhaseFailed, Stage: st.Number, Attempt: attempt})
	o.bus.Publish(b.ID, domain.Event{
		Type:          domain.EventError,
		Stage:         st.Number,
		Attempt:       attempt,
		ErrorKind:     string(kind),
		ErrorMessage:  entry.Message,
		Retryable:     false,
		CorrelationID: correlationID,
	})
	o.bus.Publish(b.ID, domain.Event{Type: domain.EventStatus, Status: domain.BuildFailed})
	o.bus.Drain(b.ID, o.cfg.DrainGrace)
	o.controls.Delete(b.ID)

	o.log.Warn("build failed",
		logging.NewField("buildId", b.ID),
		logging.NewField("stage", key),
		logging.NewField("kind", string(kind)),
		logging.NewField("attempt", attempt))
}

func (o *Orchestrator) finalizeCancelled(ctx context.Context, b *domain.Build, stageNumber float64) {
	now := time.Now().UTC()
	if stageNumber >= 0 {
		key := domain.StageKey(stageNumber)
		if b.StageStatus[key] == domain.StageRunning {
			b.StageStatus[key] = domain.StageCancelled
		}
		b.CurrentStage = stageNumber
	}
	b.Status = domain.BuildCancelled
	b.CompletedAt = &now
	o.fillUsage(ctx, b)
	if err := o.store.Update(ctx, b); err != nil {
		o.log.Error("orchestrator: persisting cancellation failed", logging.NewField("buildId", b.ID), logging.NewField("error", err.Error()))
	}

	o.bus.Publish(b.ID, domain.Event{Type: domain.EventStatus, Status: domain.BuildCancelled})
	o.bus.Drain(b.ID, o.cfg.DrainGrace)
	o.controls.Delete(b.ID)
	o.log.Info("build cancelled", logging.NewField("buildId", b.ID))
}

func (o *Orchestrator) finalizeCompleted(ctx context.Context, b *domain.Build) {
	now := time.Now().UTC()
	b.Status = domain.BuildCompleted
	b.CompletedAt = &now
	// Cost recording happens-before status{completed} (spec.md §5): the
	// usage rollup reads the Tracker before the terminal event goes out.
	o.fillUsage(ctx, b)
	if err := o.store.Update(ctx, b); err != nil {
		o.log.Error("orchestrator: persisting completion failed", logging.NewField("buildId", b.ID), logging.NewField("error", err.Error()))
	}

	o.bus.Publish(b.ID, domain.Event{Type: domain.EventStatus, Status: domain.BuildCompleted})
	o.bus.Drain(b.ID, o.cfg.DrainGrace)
	o.controls.Delete(b.ID)
	o.log.Info("build completed", logging.NewField("buildId", b.ID))
}

func (o *Orchestrator) fillUsage(ctx context.Context, b *domain.Build) {
	if o.usage == nil {
		return
	}
	calls, tokens, err := o.usage.BuildUsage(ctx, b.ID)
	if err != nil {
		o.log.Warn("orchestrator: usage rollup failed", logging.NewField("buildId", b.ID), logging.NewField("error", err.Error()))
		return
	}
	b.Usage.AIRequestsUsed = int(calls)
	b.Usage.AITokensConsumed = tokens
}

// errorEntry builds one error-log row with the operator-safe message: the
// taxonomy kind plus the component message, never raw cause chains that
// could carry credentials (spec.md §7).
func errorEntry(err error, stage float64, attempt int, correlationID string, final bool) domain.ErrorLogEntry {
	return domain.ErrorLogEntry{
		Kind:           string(errs.Of(err)),
		Stage:          stage,
		Attempt:        attempt,
		Message:        redactedMessage(err),
		CorrelationID:  correlationID,
		IsFinalFailure: final,
		OccurredAt:     time.Now().UTC(),
	}
}

func redactedMessage(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		return string(e.Kind) + ": " + e.Message
	}
	return "internal error"
}
