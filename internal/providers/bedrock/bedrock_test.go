// SPDX-License-Identifier: AGPL-3.0-or-later

package bedrock

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildforge/internal/providers"
)

func TestBuildRequestBody_SeparatesSystemAndNormalizesRoles(t *testing.T) {
	payload, err := buildRequestBody([]providers.Message{
		{Role: "system", Content: "be concise"},
		{Role: "user", Content: "hello"},
		{Role: "tool", Content: "weird role"},
	}, providers.CallOptions{MaxTokens: 256, Temperature: 0.5})
	require.NoError(t, err)

	var decoded bedrockInvokeBody
	require.NoError(t, json.Unmarshal(payload, &decoded))

	assert.Equal(t, "be concise", decoded.System)
	assert.Equal(t, "bedrock-2023-05-31", decoded.AnthropicVersion)
	require.Len(t, decoded.Messages, 2)
	assert.Equal(t, "user", decoded.Messages[0].Role)
	assert.Equal(t, "user", decoded.Messages[1].Role) // unknown roles normalize to user
	assert.Equal(t, 256, decoded.MaxTokens)
}

func TestBuildRequestBody_DefaultsMaxTokens(t *testing.T) {
	payload, err := buildRequestBody([]providers.Message{{Role: "user", Content: "hi"}}, providers.CallOptions{})
	require.NoError(t, err)

	var decoded bedrockInvokeBody
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, 4096, decoded.MaxTokens)
}

func TestPriceFor_KnownAndUnknownModel(t *testing.T) {
	p := priceFor(defaultModels, "anthropic.claude-sonnet-4-20250514-v1:0")
	assert.Equal(t, 3.00, p.InputPerMToken)

	assert.Equal(t, providers.ModelPrice{}, priceFor(defaultModels, "nope"))
}

type fakeBedrockClient struct {
	response bedrockInvokeResponse
}

func (f *fakeBedrockClient) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	body, _ := json.Marshal(f.response)
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func (f *fakeBedrockClient) InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error) {
	return nil, nil
}

func TestAdapter_Call_ParsesResponseAndComputesCost(t *testing.T) {
	fake := &fakeBedrockClient{response: bedrockInvokeResponse{
		Content: []bedrockContentBlock{{Type: "text", Text: "hello world"}},
		Usage:   bedrockUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
	}}
	adapter := NewWithClient(fake)

	resp, err := adapter.Call(context.Background(), "anthropic.claude-sonnet-4-20250514-v1:0", []providers.Message{{Role: "user", Content: "hi"}}, providers.CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Body)
	assert.Equal(t, 18.00, resp.CostUSD)
}

func TestAdapter_IDAndModels(t *testing.T) {
	adapter := NewWithClient(&fakeBedrockClient{})
	assert.Equal(t, "bedrock", adapter.ID())
	assert.NotEmpty(t, adapter.Models())
}

func TestAdapter_ClassifyError_DefaultsToRetryable(t *testing.T) {
	adapter := NewWithClient(&fakeBedrockClient{})
	assert.Equal(t, providers.ErrorRetryable, adapter.ClassifyError(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
