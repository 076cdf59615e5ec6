// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package bedrock adapts AWS Bedrock-hosted models to the provider Adapter
// interface (spec.md §4.D), used as the fallback provider behind the
// primary Anthropic-direct adapter so a regional AWS outage and an
// Anthropic API outage are independent failure domains.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"buildforge/internal/providers"
)

var defaultModels = []providers.ModelPrice{
	{Model: "anthropic.claude-sonnet-4-20250514-v1:0", InputPerMToken: 3.00, OutputPerMToken: 15.00},
	{Model: "anthropic.claude-haiku-4-20250514-v1:0", InputPerMToken: 0.80, OutputPerMToken: 4.00},
}

// bedrockClient is the subset of *bedrockruntime.Client this adapter calls,
// narrowed so tests can substitute a fake without spinning up AWS
// credentials.
type bedrockClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// Adapter implements providers.Adapter over Bedrock's Anthropic-compatible
// InvokeModel API (the "messages" request/response shape Bedrock exposes
// for Claude models).
type Adapter struct {
	client bedrockClient
	models []providers.ModelPrice
}

// New constructs an Adapter from an AWS config already resolved by the
// caller (region, credentials chain).
func New(cfg aws.Config) *Adapter {
	return &Adapter{
		client: bedrockruntime.NewFromConfig(cfg),
		models: defaultModels,
	}
}

// NewWithClient constructs an Adapter around an already-built client,
// primarily for tests.
func NewWithClient(client bedrockClient) *Adapter {
	return &Adapter{client: client, models: defaultModels}
}

func (a *Adapter) ID() string                     { return "bedrock" }
func (a *Adapter) Models() []providers.ModelPrice { return a.models }

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockInvokeBody struct {
	AnthropicVersion string           `json:"anthropic_version"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type bedrockInvokeResponse struct {
	Content []bedrockContentBlock `json:"content"`
	Usage   bedrockUsage          `json:"usage"`
}

func buildRequestBody(messages []providers.Message, opts providers.CallOptions) ([]byte, error) {
	var system string
	var turns []bedrockMessage
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		turns = append(turns, bedrockMessage{Role: role, Content: m.Content})
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := bedrockInvokeBody{
		AnthropicVersion: "bedrock-2023-05-31",
		System:           system,
		Messages:         turns,
		MaxTokens:        maxTokens,
		Temperature:      opts.Temperature,
	}
	return json.Marshal(body)
}

func (a *Adapter) Call(ctx context.Context, model string, messages []providers.Message, opts providers.CallOptions) (providers.Response, error) {
	payload, err := buildRequestBody(messages, opts)
	if err != nil {
		return providers.Response{}, fmt.Errorf("bedrock: encoding request: %w", err)
	}

	out, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return providers.Response{}, err
	}

	var resp bedrockInvokeResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return providers.Response{}, fmt.Errorf("bedrock: decoding response: %w", err)
	}

	var body strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			body.WriteString(block.Text)
		}
	}

	price := priceFor(a.models, model)
	cost := float64(resp.Usage.InputTokens)/1_000_000*price.InputPerMToken + float64(resp.Usage.OutputTokens)/1_000_000*price.OutputPerMToken

	return providers.Response{
		Body:         body.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      cost,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, model string, messages []providers.Message, opts providers.CallOptions, yield func(providers.StreamChunk) error) error {
	payload, err := buildRequestBody(messages, opts)
	if err != nil {
		return fmt.Errorf("bedrock: encoding request: %w", err)
	}

	out, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return err
	}

	stream := out.GetStream()
	defer stream.Close()

	for event := range stream.Events() {
		chunkEvent, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		var partial bedrockInvokeResponse
		if err := json.Unmarshal(chunkEvent.Value.Bytes, &partial); err != nil {
			continue
		}
		for _, block := range partial.Content {
			if block.Type == "text" && block.Text != "" {
				if err := yield(providers.StreamChunk{Delta: block.Text}); err != nil {
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

// ClassifyError maps Bedrock's smithy API errors to the Model Router's
// retry classes.
func (a *Adapter) ClassifyError(err error) providers.ErrorClass {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return providers.ErrorRateLimited
		case "AccessDeniedException", "ValidationException", "UnauthorizedException":
			return providers.ErrorNonRetryable
		case "ModelTimeoutException", "ServiceUnavailableException", "InternalServerException":
			return providers.ErrorRetryable
		}
	}
	return providers.ErrorRetryable
}

// HealthProbe issues a minimal 1-token completion against the cheapest
// model.
func (a *Adapter) HealthProbe(ctx context.Context) error {
	payload, err := buildRequestBody([]providers.Message{{Role: "user", Content: "ping"}}, providers.CallOptions{MaxTokens: 1})
	if err != nil {
		return err
	}
	_, err = a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(defaultModels[len(defaultModels)-1].Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	return err
}
