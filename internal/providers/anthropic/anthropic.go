// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package anthropic adapts the Anthropic Claude API to the provider
// Adapter interface (spec.md §4.D) via the official anthropic-sdk-go
// client.
package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"buildforge/internal/providers"
)

// defaultModels is the supported-model price table, USD per million
// tokens. Kept in-package rather than config-driven: provider adapters own
// their own price tables per spec.md §4.D.
var defaultModels = []providers.ModelPrice{
	{Model: "claude-opus-4-20250514", InputPerMToken: 15.00, OutputPerMToken: 75.00},
	{Model: "claude-sonnet-4-20250514", InputPerMToken: 3.00, OutputPerMToken: 15.00},
	{Model: "claude-haiku-4-20250514", InputPerMToken: 0.80, OutputPerMToken: 4.00},
}

// Adapter implements providers.Adapter over the Anthropic Messages API.
type Adapter struct {
	client anthropic.Client
	models []providers.ModelPrice
}

// New constructs an Adapter. apiKey is required; baseURL overrides the
// default endpoint when non-empty (used for testing against a local
// stand-in).
func New(apiKey string, baseURL string) *Adapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Adapter{
		client: anthropic.NewClient(opts...),
		models: defaultModels,
	}
}

func (a *Adapter) ID() string                     { return "anthropic" }
func (a *Adapter) Models() []providers.ModelPrice { return a.models }

func toAnthropicMessages(messages []providers.Message) (system string, turns []anthropic.MessageParam) {
	for _, m := range messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case "assistant":
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, turns
}

func (a *Adapter) Call(ctx context.Context, model string, messages []providers.Message, opts providers.CallOptions) (providers.Response, error) {
	system, turns := toAnthropicMessages(messages)
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  turns,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return providers.Response{}, err
	}

	var body strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			body.WriteString(block.Text)
		}
	}

	price := priceFor(a.models, model)
	inputTokens := msg.Usage.InputTokens
	outputTokens := msg.Usage.OutputTokens
	cost := float64(inputTokens)/1_000_000*price.InputPerMToken + float64(outputTokens)/1_000_000*price.OutputPerMToken

	return providers.Response{
		Body:         body.String(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, model string, messages []providers.Message, opts providers.CallOptions, yield func(providers.StreamChunk) error) error {
	system, turns := toAnthropicMessages(messages)
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  turns,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	for stream.Next() {
		event := stream.Current()
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta.Delta.Text != "" {
				if err := yield(providers.StreamChunk{Delta: delta.Delta.Text}); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return yield(providers.StreamChunk{Done: true})
}

func priceFor(models []providers.ModelPrice, model string) providers.ModelPrice {
	for _, m := range models {
		if m.Model == model {
			return m
		}
	}
	return providers.ModelPrice{}
}

// ClassifyError maps the SDK's typed API errors to the Model Router's retry
// classes: rate limits get their own class so the router can apply a
// longer backoff base, auth/validation/billing failures are non-retryable,
// everything else (5xx, network) is retryable.
func (a *Adapter) ClassifyError(err error) providers.ErrorClass {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return providers.ErrorRateLimited
		case 401, 403, 400, 404:
			return providers.ErrorNonRetryable
		}
		if apiErr.StatusCode >= 500 {
			return providers.ErrorRetryable
		}
	}
	return providers.ErrorRetryable
}

// HealthProbe issues a minimal 1-token completion against the cheapest
// model to confirm the API key and endpoint are reachable.
func (a *Adapter) HealthProbe(ctx context.Context) error {
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(defaultModels[len(defaultModels)-1].Model),
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	return err
}
