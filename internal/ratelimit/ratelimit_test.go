// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildforge/internal/pipeline/errs"
	"buildforge/internal/ratelimit"
)

func TestLimiter_AdmitAndRelease(t *testing.T) {
	l := ratelimit.New(nil)
	l.Configure("anthropic", ratelimit.ProviderConfig{
		MaxConcurrent:    2,
		FailureThreshold: 3,
		CooldownPeriod:   50 * time.Millisecond,
	})

	ticket, err := l.Admit(context.Background(), "anthropic")
	require.NoError(t, err)
	require.NotNil(t, ticket)
	ticket.Release(true)

	assert.Equal(t, "closed", l.State("anthropic"))
}

func TestLimiter_ConcurrencyBound(t *testing.T) {
	l := ratelimit.New(nil)
	l.Configure("bedrock", ratelimit.ProviderConfig{
		MaxConcurrent:    1,
		FailureThreshold: 5,
		CooldownPeriod:   time.Second,
	})

	first, err := l.Admit(context.Background(), "bedrock")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Admit(ctx, "bedrock")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCancelled))

	first.Release(true)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	second, err := l.Admit(ctx2, "bedrock")
	require.NoError(t, err)
	second.Release(true)
}

func TestLimiter_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	l := ratelimit.New(nil)
	l.Configure("flaky", ratelimit.ProviderConfig{
		MaxConcurrent:    4,
		FailureThreshold: 2,
		CooldownPeriod:   50 * time.Millisecond,
	})

	for i := 0; i < 2; i++ {
		ticket, err := l.Admit(context.Background(), "flaky")
		require.NoError(t, err)
		ticket.Release(false)
	}

	assert.Equal(t, "open", l.State("flaky"))

	_, err := l.Admit(context.Background(), "flaky")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrProviderUnavailable))
}

func TestLimiter_CircuitRecoversAfterCooldown(t *testing.T) {
	l := ratelimit.New(nil)
	l.Configure("recovers", ratelimit.ProviderConfig{
		MaxConcurrent:    4,
		FailureThreshold: 1,
		CooldownPeriod:   10 * time.Millisecond,
	})

	ticket, err := l.Admit(context.Background(), "recovers")
	require.NoError(t, err)
	ticket.Release(false)
	assert.Equal(t, "open", l.State("recovers"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "half-open", l.State("recovers"))

	probe, err := l.Admit(context.Background(), "recovers")
	require.NoError(t, err)
	probe.Release(true)
	assert.Equal(t, "closed", l.State("recovers"))
}

func TestLimiter_UnknownProviderDefaultsClosed(t *testing.T) {
	l := ratelimit.New(nil)
	assert.Equal(t, "closed", l.State("never-configured"))
}

func TestLimiter_MinIntervalPacing(t *testing.T) {
	l := ratelimit.New(nil)
	l.Configure("paced", ratelimit.ProviderConfig{
		MaxConcurrent:    4,
		MinInterval:      30 * time.Millisecond,
		FailureThreshold: 5,
		CooldownPeriod:   time.Second,
	})

	start := time.Now()
	t1, err := l.Admit(context.Background(), "paced")
	require.NoError(t, err)
	t1.Release(true)

	t2, err := l.Admit(context.Background(), "paced")
	require.NoError(t, err)
	t2.Release(true)

	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}
