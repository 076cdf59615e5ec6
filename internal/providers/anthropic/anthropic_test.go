// SPDX-License-Identifier: AGPL-3.0-or-later

package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"buildforge/internal/providers"
)

func TestToAnthropicMessages_SeparatesSystemFromTurns(t *testing.T) {
	system, turns := toAnthropicMessages([]providers.Message{
		{Role: "system", Content: "be concise"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	})

	assert.Equal(t, "be concise", system)
	assert.Len(t, turns, 2)
}

func TestToAnthropicMessages_ConcatenatesMultipleSystemMessages(t *testing.T) {
	system, _ := toAnthropicMessages([]providers.Message{
		{Role: "system", Content: "first"},
		{Role: "system", Content: "second"},
	})

	assert.Equal(t, "first\n\nsecond", system)
}

func TestPriceFor_KnownAndUnknownModel(t *testing.T) {
	p := priceFor(defaultModels, "claude-sonnet-4-20250514")
	assert.Equal(t, 3.00, p.InputPerMToken)

	unknown := priceFor(defaultModels, "does-not-exist")
	assert.Equal(t, providers.ModelPrice{}, unknown)
}

func TestNew_SetsIDAndModels(t *testing.T) {
	a := New("test-key", "")
	assert.Equal(t, "anthropic", a.ID())
	assert.NotEmpty(t, a.Models())
}

func TestClassifyError_DefaultsToRetryable(t *testing.T) {
	a := New("test-key", "")
	assert.Equal(t, providers.ErrorRetryable, a.ClassifyError(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
