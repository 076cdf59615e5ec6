// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildforge/internal/artifact"
	"buildforge/internal/bus"
	"buildforge/internal/domain"
	"buildforge/internal/pipeline/errs"
	"buildforge/internal/store/memstore"
)

type fixture struct {
	orch  *Orchestrator
	store *memstore.Store
	art   *artifact.Store
	bus   *bus.Bus
}

func newFixture(t *testing.T, stages []domain.StageDescriptor, handlers map[string]Handler, cfg Config) *fixture {
	t.Helper()
	store := memstore.New()
	art := artifact.New(t.TempDir(), nil)
	b := bus.New(bus.DefaultConfig(), nil)
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 2
	}
	if cfg.DrainGrace == 0 {
		cfg.DrainGrace = time.Second
	}
	orch := New(cfg, stages, handlers, store, art, b, nil, nil, nil)
	return &fixture{orch: orch, store: store, art: art, bus: b}
}

func noBackoff(int) time.Duration { return 0 }

func mkStage(number float64, name string, inputs, outputs []string, handlerID string, retries int) domain.StageDescriptor {
	return domain.StageDescriptor{
		Number:    number,
		Name:      name,
		Inputs:    inputs,
		Outputs:   outputs,
		HandlerID: handlerID,
		Timeout:   5 * time.Second,
		Retries:   retries,
	}
}

// produceOutputs returns a handler emitting dummy content for every
// declared output, plus any extra artifacts given.
func produceOutputs(calls *int64, extra map[string]string) Handler {
	return HandlerFunc(func(ctx context.Context, hc *HandlerContext) (*HandlerResult, error) {
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		artifacts := make(map[string][]byte)
		for _, name := range hc.Stage.Outputs {
			artifacts[name] = []byte(`{"stage":"` + hc.Stage.Name + `"}`)
		}
		for name, content := range extra {
			artifacts[name] = []byte(content)
		}
		return &HandlerResult{Artifacts: artifacts}, nil
	})
}

func waitForStatus(t *testing.T, f *fixture, buildID string, want domain.BuildStatus) *domain.Build {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			b, _ := f.store.FindByID(context.Background(), buildID)
			t.Fatalf("build %s never reached %s (currently %v)", buildID, want, b)
			return nil
		case <-time.After(10 * time.Millisecond):
			b, err := f.store.FindByID(context.Background(), buildID)
			require.NoError(t, err)
			if b.Status == want {
				return b
			}
		}
	}
}

func collectEvents(sub *bus.Subscription, d time.Duration) []domain.Event {
	var out []domain.Event
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestHappyPathAllStagesComplete(t *testing.T) {
	stages := DefaultStages(5*time.Second, 2)
	handlers := map[string]Handler{
		HandlerAI:          produceOutputs(nil, nil),
		HandlerScaffold:    produceOutputs(nil, map[string]string{"main.go": ""}),
		HandlerCodeGen:     produceOutputs(nil, map[string]string{"app/main.go": "package main\n"}),
		HandlerRepoPublish: produceOutputs(nil, nil),
		HandlerCloudDeploy: produceOutputs(nil, nil),
	}
	f := newFixture(t, stages, handlers, Config{Backoff: noBackoff})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildID, err := f.orch.Start(ctx, `{"app":"Todo","features":["add","remove"]}`, "t1", "p1", "u1", 0)
	require.NoError(t, err)
	sub := f.bus.Subscribe(buildID)
	defer sub.Close()

	f.orch.Run(ctx)
	b := waitForStatus(t, f, buildID, domain.BuildCompleted)

	for _, name := range []string{
		ArtifactSpecs, ArtifactSpecsRefined, ArtifactSpecsClean, ArtifactDocs,
		ArtifactSchema, ArtifactSchemaRefined, ArtifactValidatedStructure,
		ArtifactFileStructure, "main.go", "app/main.go",
	} {
		assert.True(t, f.art.Exists(buildID, name), "artifact %s must exist", name)
	}

	events := collectEvents(sub, 500*time.Millisecond)

	var completedStages []float64
	var lastSeq uint64
	for _, ev := range events {
		require.Greater(t, ev.Seq, lastSeq, "seq must be strictly increasing")
		lastSeq = ev.Seq
		if ev.Type == domain.EventPhase && ev.Phase == domain.PhaseCompleted {
			completedStages = append(completedStages, ev.Stage)
		}
	}
	assert.Equal(t, []float64{0, 1, 1.5, 2, 3, 3.5, 4, 5, 6, 7, 8, 9}, completedStages,
		"twelve phase{completed} events in numeric stage order")

	assert.NotNil(t, b.CompletedAt)
	assert.Nil(t, b.FailedAt)
	for _, st := range stages {
		assert.Equal(t, domain.StageCompleted, b.StageStatus[domain.StageKey(st.Number)])
	}
}

func TestTransientThenSuccess(t *testing.T) {
	var calls int64
	failing := HandlerFunc(func(ctx context.Context, hc *HandlerContext) (*HandlerResult, error) {
		n := atomic.AddInt64(&calls, 1)
		if n <= 2 {
			return nil, errs.New(errs.KindProviderTransient, "transient blip")
		}
		return &HandlerResult{Artifacts: map[string][]byte{"out.json": []byte(`{}`)}}, nil
	})
	stages := []domain.StageDescriptor{mkStage(1.5, "Flaky", nil, []string{"out.json"}, "flaky", 2)}
	// Default backoff: the documented [0, 500ms, 1500ms] schedule.
	f := newFixture(t, stages, map[string]Handler{"flaky": failing}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildID, err := f.orch.Start(ctx, "{}", "t1", "p1", "u1", 0)
	require.NoError(t, err)
	sub := f.bus.Subscribe(buildID)
	defer sub.Close()

	f.orch.Run(ctx)
	waitForStatus(t, f, buildID, domain.BuildCompleted)

	assert.EqualValues(t, 3, atomic.LoadInt64(&calls), "exactly three attempts")

	events := collectEvents(sub, 500*time.Millisecond)
	var retryBackoffs []int64
	sawRetrySuccess, sawCompleted := false, false
	for _, ev := range events {
		if ev.Type != domain.EventPhase {
			continue
		}
		switch ev.Phase {
		case domain.PhaseRetrying:
			retryBackoffs = append(retryBackoffs, ev.BackoffMs)
		case domain.PhaseRetrySuccess:
			sawRetrySuccess = true
			assert.False(t, sawCompleted, "retry-success precedes completed")
		case domain.PhaseCompleted:
			sawCompleted = true
		}
	}
	assert.Equal(t, []int64{500, 1500}, retryBackoffs)
	assert.True(t, sawRetrySuccess)
	assert.True(t, sawCompleted)
}

func TestPermanentFailureNoRetries(t *testing.T) {
	var calls int64
	permanent := HandlerFunc(func(ctx context.Context, hc *HandlerContext) (*HandlerResult, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errs.New(errs.KindProviderPermanent, "invalid API key")
	})
	stages := []domain.StageDescriptor{mkStage(3, "Schema Generation", nil, []string{"schema.json"}, "perm", 2)}
	f := newFixture(t, stages, map[string]Handler{"perm": permanent}, Config{Backoff: noBackoff})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildID, err := f.orch.Start(ctx, "{}", "t1", "p1", "u1", 0)
	require.NoError(t, err)
	f.orch.Run(ctx)
	b := waitForStatus(t, f, buildID, domain.BuildFailed)

	assert.EqualValues(t, 1, atomic.LoadInt64(&calls), "no stage retries past the first attempt")
	assert.Equal(t, 3.0, b.CurrentStage)
	assert.NotNil(t, b.FailedAt)
	assert.NotNil(t, b.CompletedAt)
	require.NotEmpty(t, b.ErrorLog)
	final := b.ErrorLog[len(b.ErrorLog)-1]
	assert.True(t, final.IsFinalFailure)
	assert.Equal(t, string(errs.KindProviderPermanent), final.Kind)
	assert.NotEmpty(t, b.ErrorMessage)
}

func TestCancelMidRun(t *testing.T) {
	blocking := HandlerFunc(func(ctx context.Context, hc *HandlerContext) (*HandlerResult, error) {
		if hc.Stage.Number == 2 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &HandlerResult{Artifacts: map[string][]byte{hc.Stage.Outputs[0]: []byte("{}")}}, nil
	})
	stages := []domain.StageDescriptor{
		mkStage(0, "Zero", nil, []string{"a.json"}, "h", 0),
		mkStage(1, "One", nil, []string{"b.json"}, "h", 0),
		mkStage(2, "Two", nil, []string{"c.json"}, "h", 0),
		mkStage(3, "Three", nil, []string{"d.json"}, "h", 0),
	}
	f := newFixture(t, stages, map[string]Handler{"h": blocking}, Config{Backoff: noBackoff})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildID, err := f.orch.Start(ctx, "{}", "t1", "p1", "u1", 0)
	require.NoError(t, err)
	sub := f.bus.Subscribe(buildID)
	defer sub.Close()
	f.orch.Run(ctx)

	// Wait for stage 2 to start, then cancel.
	deadline := time.After(5 * time.Second)
	for started := false; !started; {
		select {
		case ev := <-sub.Events:
			if ev.Type == domain.EventPhase && ev.Phase == domain.PhaseStarted && ev.Stage == 2 {
				started = true
			}
		case <-deadline:
			t.Fatal("stage 2 never started")
		}
	}
	require.NoError(t, f.orch.Cancel(ctx, buildID))

	b := waitForStatus(t, f, buildID, domain.BuildCancelled)
	assert.Equal(t, domain.StageCancelled, b.StageStatus["2"])
	assert.Equal(t, domain.StagePending, b.StageStatus["3"])
	assert.NotNil(t, b.CompletedAt)

	for _, ev := range collectEvents(sub, 300*time.Millisecond) {
		if ev.Type == domain.EventPhase && ev.Phase == domain.PhaseStarted {
			assert.Less(t, ev.Stage, 3.0, "no stage beyond the cancelled one may start")
		}
	}

	// Cancellation is idempotent but terminal states reject it.
	err = f.orch.Cancel(ctx, buildID)
	assert.Equal(t, errs.KindValidation, errs.Of(err))
}

func TestCostDeniedStageFails(t *testing.T) {
	denied := HandlerFunc(func(ctx context.Context, hc *HandlerContext) (*HandlerResult, error) {
		return nil, errs.New(errs.KindCostDenied, "per-build limit reached")
	})
	stages := []domain.StageDescriptor{mkStage(7, "Code Generation", nil, []string{"gen.json"}, "d", 2)}
	f := newFixture(t, stages, map[string]Handler{"d": denied}, Config{Backoff: noBackoff})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildID, err := f.orch.Start(ctx, "{}", "t1", "p1", "u1", 0)
	require.NoError(t, err)
	f.orch.Run(ctx)
	b := waitForStatus(t, f, buildID, domain.BuildFailed)

	assert.Equal(t, domain.StageFailed, b.StageStatus["7"])
	require.NotEmpty(t, b.ErrorLog)
	assert.Equal(t, string(errs.KindCostDenied), b.ErrorLog[len(b.ErrorLog)-1].Kind)
}

func TestMissingInputArtifactFailsPreflight(t *testing.T) {
	var calls int64
	stages := []domain.StageDescriptor{
		mkStage(1, "Needs Input", []string{"never_written.json"}, []string{"out.json"}, "h", 2),
	}
	f := newFixture(t, stages, map[string]Handler{"h": produceOutputs(&calls, nil)}, Config{Backoff: noBackoff})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildID, err := f.orch.Start(ctx, "{}", "t1", "p1", "u1", 0)
	require.NoError(t, err)
	f.orch.Run(ctx)
	b := waitForStatus(t, f, buildID, domain.BuildFailed)

	assert.Zero(t, atomic.LoadInt64(&calls), "handler must not run when preflight fails")
	assert.Equal(t, string(errs.KindMissingInputArtifact), b.ErrorLog[len(b.ErrorLog)-1].Kind)
}

func TestTimeoutRetryableUntilLastAttempt(t *testing.T) {
	var calls int64
	slow := HandlerFunc(func(ctx context.Context, hc *HandlerContext) (*HandlerResult, error) {
		atomic.AddInt64(&calls, 1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	stages := []domain.StageDescriptor{{
		Number: 1, Name: "Slow", Outputs: []string{"out.json"},
		HandlerID: "slow", Timeout: 30 * time.Millisecond, Retries: 1,
	}}
	f := newFixture(t, stages, map[string]Handler{"slow": slow}, Config{Backoff: noBackoff})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildID, err := f.orch.Start(ctx, "{}", "t1", "p1", "u1", 0)
	require.NoError(t, err)
	f.orch.Run(ctx)
	b := waitForStatus(t, f, buildID, domain.BuildFailed)

	assert.EqualValues(t, 2, atomic.LoadInt64(&calls), "timeout retries until the budget is exhausted")
	assert.Equal(t, string(errs.KindTimeout), b.ErrorLog[len(b.ErrorLog)-1].Kind)
}

func TestRetryClonesBuild(t *testing.T) {
	var fail int64 = 1
	flaky := HandlerFunc(func(ctx context.Context, hc *HandlerContext) (*HandlerResult, error) {
		if atomic.LoadInt64(&fail) == 1 {
			return nil, errs.New(errs.KindProviderPermanent, "down")
		}
		return &HandlerResult{Artifacts: map[string][]byte{"out.json": []byte("{}")}}, nil
	})
	stages := []domain.StageDescriptor{mkStage(0, "Only", nil, []string{"out.json"}, "h", 0)}
	f := newFixture(t, stages, map[string]Handler{"h": flaky}, Config{Backoff: noBackoff})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildID, err := f.orch.Start(ctx, `{"app":"X"}`, "t1", "p1", "u1", 0)
	require.NoError(t, err)
	f.orch.Run(ctx)
	waitForStatus(t, f, buildID, domain.BuildFailed)

	// Retrying an unknown build is rejected as NotFound.
	_, err = f.orch.Retry(ctx, "no-such-build")
	assert.Equal(t, errs.KindNotFound, errs.Of(err))

	atomic.StoreInt64(&fail, 0)
	newID, err := f.orch.Retry(ctx, buildID)
	require.NoError(t, err)
	require.NotEqual(t, buildID, newID)

	clone := waitForStatus(t, f, newID, domain.BuildCompleted)
	assert.Equal(t, buildID, clone.RetriedFromBuildID)
	assert.Equal(t, `{"app":"X"}`, clone.Spec)

	original, err := f.store.FindByID(ctx, buildID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildFailed, original.Status, "the original build never regresses")
}

func TestRetryStageResumesInPlace(t *testing.T) {
	var stage0Calls, stage2Fail int64
	atomic.StoreInt64(&stage2Fail, 1)
	h := HandlerFunc(func(ctx context.Context, hc *HandlerContext) (*HandlerResult, error) {
		if hc.Stage.Number == 0 {
			atomic.AddInt64(&stage0Calls, 1)
		}
		if hc.Stage.Number == 2 && atomic.LoadInt64(&stage2Fail) == 1 {
			return nil, errs.New(errs.KindProviderPermanent, "down")
		}
		out := make(map[string][]byte)
		for _, name := range hc.Stage.Outputs {
			out[name] = []byte("{}")
		}
		return &HandlerResult{Artifacts: out}, nil
	})
	stages := []domain.StageDescriptor{
		mkStage(0, "Zero", nil, []string{"a.json"}, "h", 0),
		mkStage(1, "One", []string{"a.json"}, []string{"b.json"}, "h", 0),
		mkStage(2, "Two", []string{"b.json"}, []string{"c.json"}, "h", 0),
		mkStage(3, "Three", []string{"c.json"}, []string{"d.json"}, "h", 0),
	}
	f := newFixture(t, stages, map[string]Handler{"h": h}, Config{Backoff: noBackoff})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildID, err := f.orch.Start(ctx, "{}", "t1", "p1", "u1", 0)
	require.NoError(t, err)
	f.orch.Run(ctx)
	b := waitForStatus(t, f, buildID, domain.BuildFailed)
	require.Equal(t, domain.StageFailed, b.StageStatus["2"])
	require.Equal(t, domain.StagePending, b.StageStatus["3"])

	// Only failed stages are retryable in place.
	err = f.orch.RetryStage(ctx, buildID, 1)
	assert.Equal(t, errs.KindValidation, errs.Of(err))

	atomic.StoreInt64(&stage2Fail, 0)
	require.NoError(t, f.orch.RetryStage(ctx, buildID, 2))

	b = waitForStatus(t, f, buildID, domain.BuildCompleted)
	assert.EqualValues(t, 1, atomic.LoadInt64(&stage0Calls), "completed upstream stages must not re-run")
	assert.Equal(t, domain.StageCompleted, b.StageStatus["2"])
	assert.Equal(t, domain.StageCompleted, b.StageStatus["3"])
	assert.Nil(t, b.FailedAt)
}

func TestPartialArtifactsPersistedOnFailure(t *testing.T) {
	partial := HandlerFunc(func(ctx context.Context, hc *HandlerContext) (*HandlerResult, error) {
		return &HandlerResult{Artifacts: map[string][]byte{"partial.json": []byte(`{"half":true}`)}},
			errs.New(errs.KindProviderPermanent, "died halfway")
	})
	stages := []domain.StageDescriptor{mkStage(0, "Partial", nil, []string{"full.json"}, "p", 0)}
	f := newFixture(t, stages, map[string]Handler{"p": partial}, Config{Backoff: noBackoff})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildID, err := f.orch.Start(ctx, "{}", "t1", "p1", "u1", 0)
	require.NoError(t, err)
	f.orch.Run(ctx)
	waitForStatus(t, f, buildID, domain.BuildFailed)

	assert.True(t, f.art.Exists(buildID, "partial.json"), "partial outputs are kept for post-mortem")
	assert.False(t, f.art.Exists(buildID, "full.json"))
}

func TestDeclaredOutputMissingIsRetried(t *testing.T) {
	var calls int64
	forgetful := HandlerFunc(func(ctx context.Context, hc *HandlerContext) (*HandlerResult, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return &HandlerResult{}, nil // success without the declared output
		}
		return &HandlerResult{Artifacts: map[string][]byte{"out.json": []byte("{}")}}, nil
	})
	stages := []domain.StageDescriptor{mkStage(0, "Forgetful", nil, []string{"out.json"}, "h", 1)}
	f := newFixture(t, stages, map[string]Handler{"h": forgetful}, Config{Backoff: noBackoff})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildID, err := f.orch.Start(ctx, "{}", "t1", "p1", "u1", 0)
	require.NoError(t, err)
	f.orch.Run(ctx)
	waitForStatus(t, f, buildID, domain.BuildCompleted)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}
