// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// =============================================================================
// Retry Configuration
// =============================================================================

const (
	// maxRetries is the number of retry attempts after the first try.
	maxRetries = 2

	// baseRetryDelay is the delay before the first retry; it doubles per
	// attempt up to maxRetryDelay, with jitter.
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = time.Second
)

// isRetryableError reports whether the provider error is transient.
// Rate-limit and 5xx responses retry; 4xx are the caller's fault and fail
// fast. Transport failures retry unless caused by context cancellation.
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// retryDelay computes the jittered backoff for the given attempt.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay << attempt
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Jitter in [delay/2, delay).
	return delay/2 + time.Duration(rand.Int63n(int64(delay/2)))
}

// =============================================================================
// OpenAI Client
// =============================================================================

// OpenAIClient talks to OpenAI or any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// OpenAIConfig configures an OpenAIClient explicitly, mainly for tests and
// for pointing at OpenAI-compatible providers.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIClient builds a client from the environment: OPENAI_API_KEY
// (falling back to the /run/secrets/openai_api_key container secret),
// OPENAI_BASE_URL for compatible providers, and OPENAI_MODEL for the
// default model.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	return NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey:  apiKey,
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   os.Getenv("OPENAI_MODEL"),
	})
}

// NewOpenAIClientWithConfig builds a client from explicit configuration.
func NewOpenAIClientWithConfig(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	slog.Info("Initializing OpenAI client", "model", cfg.Model, "base_url", clientCfg.BaseURL)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

// DefaultModel returns the model used when a call passes "".
func (o *OpenAIClient) DefaultModel() string { return o.model }

// Generate implements the LLMClient interface for single-prompt callers.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	result, err := o.Chat(ctx, "", []datatypes.Message{{Role: "user", Content: prompt}}, params)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// Chat implements the LLMClient interface.
func (o *OpenAIClient) Chat(ctx context.Context, model string, messages []datatypes.Message, params GenerationParams) (*ChatResult, error) {
	req := o.buildRequest(model, messages, params)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err != nil {
			lastErr = err
			if isRetryableError(err) && attempt < maxRetries {
				slog.Debug("Retrying provider call after transient error",
					slog.String("model", req.Model),
					slog.Int("attempt", attempt+1),
					slog.String("error", err.Error()),
				)
				time.Sleep(retryDelay(attempt))
				continue
			}
			slog.Error("OpenAI API call failed", "error", err)
			return nil, fmt.Errorf("OpenAI API call failed: %w", err)
		}

		if len(resp.Choices) == 0 {
			slog.Warn("OpenAI returned no choices or empty content")
			return nil, fmt.Errorf("OpenAI returned no choices")
		}
		choice := resp.Choices[0]
		slog.Debug("Received response from OpenAI", "finish_reason", choice.FinishReason)
		return &ChatResult{
			Content:      choice.Message.Content,
			FinishReason: string(choice.FinishReason),
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}, nil
	}
	return nil, fmt.Errorf("OpenAI API call failed: %w", lastErr)
}

// ChatStream implements the LLMClient interface.
//
// # Description
//
// Opens a provider stream and pumps deltas through a DefaultStreamProcessor.
// Establishment failures retry with backoff. Once any fragment has been
// forwarded the stream is no longer retryable, because the caller may have
// already written it to the wire.
func (o *OpenAIClient) ChatStream(ctx context.Context, model string, messages []datatypes.Message, params GenerationParams, callback StreamCallback) (*ChatResult, error) {
	req := o.buildRequest(model, messages, params)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		processor := NewDefaultStreamProcessor(DefaultStreamConfig(), nil)

		result, forwarded, err := o.pumpStream(ctx, req, processor, callback)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !forwarded && isRetryableError(err) && attempt < maxRetries {
			slog.Debug("Retrying provider stream after transient error",
				slog.String("model", req.Model),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			time.Sleep(retryDelay(attempt))
			continue
		}
		break
	}
	return nil, fmt.Errorf("OpenAI stream failed: %w", lastErr)
}

// pumpStream runs one stream attempt. forwarded reports whether any
// fragment reached the callback, which disqualifies the attempt from retry.
func (o *OpenAIClient) pumpStream(ctx context.Context, req openai.ChatCompletionRequest, processor *DefaultStreamProcessor, callback StreamCallback) (*ChatResult, bool, error) {
	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, false, err
	}
	defer stream.Close()

	result := &ChatResult{}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, processor.Forwarded(), err
		}

		if chunk.Usage != nil {
			result.InputTokens = chunk.Usage.PromptTokens
			result.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := StreamDelta{
			Content:      choice.Delta.Content,
			Thinking:     choice.Delta.ReasoningContent,
			FinishReason: string(choice.FinishReason),
			Done:         choice.FinishReason != "",
		}
		if _, err := processor.ProcessDelta(ctx, delta, callback); err != nil {
			return nil, processor.Forwarded(), err
		}
	}

	result.Content = processor.GetFullResponse()
	result.FinishReason = processor.GetFinishReason()
	if result.FinishReason == "" {
		result.FinishReason = "stop"
	}
	return result, processor.Forwarded(), nil
}

// Models lists the model ids the provider serves.
func (o *OpenAIClient) Models(ctx context.Context) ([]string, error) {
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// buildRequest maps the neutral chat shape onto the OpenAI request type.
func (o *OpenAIClient) buildRequest(model string, messages []datatypes.Message, params GenerationParams) openai.ChatCompletionRequest {
	if model == "" {
		model = o.model
	}
	apiMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		apiMessages = append(apiMessages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		})
	}
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: apiMessages,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
		// The client struct marshals temperature with omitempty, so an
		// explicit 0 would vanish from the wire and the provider would
		// fall back to its default. Send the smallest nonzero float
		// instead; the provider treats it as greedy sampling.
		if req.Temperature == 0 {
			req.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}
