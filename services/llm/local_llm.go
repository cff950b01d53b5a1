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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// LocalLlamaCppClient talks to a llama.cpp server over its native
// /completion API. The server hosts exactly one model; per-request model
// routing is a no-op here.
type LocalLlamaCppClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type llamaCppPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// llamaCppResp covers both the buffered response and each SSE stream
// chunk; token counts only appear once stop is true.
type llamaCppResp struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	StoppedEOS      bool   `json:"stopped_eos"`
	StoppedWord     bool   `json:"stopped_word"`
	StoppedLimit    bool   `json:"stopped_limit"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	TokensPredicted int    `json:"tokens_predicted"`
}

// NewLocalLlamaCppClient builds a client from LLM_SERVICE_URL_BASE and
// LLM_SERVICE_MODEL (a display name only; the server ignores it).
func NewLocalLlamaCppClient() (*LocalLlamaCppClient, error) {
	baseURL := os.Getenv("LLM_SERVICE_URL_BASE")
	if baseURL == "" {
		return nil, fmt.Errorf("LLM_SERVICE_URL_BASE environment variable not set")
	}
	model := os.Getenv("LLM_SERVICE_MODEL")
	if model == "" {
		model = "local-gguf"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &LocalLlamaCppClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// DefaultModel returns the configured display name of the hosted model.
func (l *LocalLlamaCppClient) DefaultModel() string { return l.model }

// Generate implements the LLMClient interface for single-prompt callers.
// Defaults stay tight (512 tokens, newline stop) because Generate serves
// short classification and extraction prompts.
func (l *LocalLlamaCppClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	payload := l.buildPayload(prompt, params, 512)
	if len(params.Stop) == 0 {
		payload.Stop = []string{"\n"}
	}

	resp, err := l.completion(ctx, payload)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Chat implements the LLMClient interface.
//
// # Description
//
// The native /completion API takes a flat prompt, so the conversation is
// rendered as a role-tagged transcript ending with an open assistant
// line. Stops on the next user marker keep the model from continuing the
// dialogue on its own.
func (l *LocalLlamaCppClient) Chat(ctx context.Context, model string, messages []datatypes.Message, params GenerationParams) (*ChatResult, error) {
	payload := l.buildPayload(renderTranscript(messages), params, 2048)
	if len(params.Stop) == 0 {
		payload.Stop = []string{"\nUser:"}
	}

	resp, err := l.completion(ctx, payload)
	if err != nil {
		return nil, err
	}
	return &ChatResult{
		Content:      strings.TrimSpace(resp.Content),
		FinishReason: finishReasonFromLlamaCpp(resp),
		InputTokens:  resp.TokensEvaluated,
		OutputTokens: resp.TokensPredicted,
	}, nil
}

// ChatStream implements the LLMClient interface. llama.cpp streams SSE
// "data: {json}" lines; the final chunk carries stop=true and the token
// counts.
func (l *LocalLlamaCppClient) ChatStream(ctx context.Context, model string, messages []datatypes.Message, params GenerationParams, callback StreamCallback) (*ChatResult, error) {
	payload := l.buildPayload(renderTranscript(messages), params, 2048)
	payload.Stream = true
	if len(params.Stop) == 0 {
		payload.Stop = []string{"\nUser:"}
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal the payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", l.baseURL+"/completion", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to the llm: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make a request to the llm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llama.cpp failed with status %d: %s", resp.StatusCode, string(body))
	}

	processor := NewDefaultStreamProcessor(DefaultStreamConfig(), nil)
	result := &ChatResult{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk llamaCppResp
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			slog.Warn("Skipping malformed llama.cpp stream line", "error", err)
			continue
		}
		if chunk.Stop {
			result.InputTokens = chunk.TokensEvaluated
			result.OutputTokens = chunk.TokensPredicted
		}
		delta := StreamDelta{
			Content:      chunk.Content,
			Done:         chunk.Stop,
			FinishReason: finishReasonFromLlamaCpp(&chunk),
		}
		done, err := processor.ProcessDelta(ctx, delta, callback)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read llama.cpp stream: %w", err)
	}

	result.Content = strings.TrimSpace(processor.GetFullResponse())
	result.FinishReason = processor.GetFinishReason()
	if result.FinishReason == "" {
		result.FinishReason = "stop"
	}
	return result, nil
}

// Models returns the single hosted model's display name.
func (l *LocalLlamaCppClient) Models(ctx context.Context) ([]string, error) {
	return []string{l.model}, nil
}

func (l *LocalLlamaCppClient) buildPayload(prompt string, params GenerationParams, defaultPredict int) llamaCppPayload {
	payload := llamaCppPayload{Prompt: prompt}
	if params.MaxTokens != nil {
		payload.NPredict = *params.MaxTokens
	} else {
		payload.NPredict = defaultPredict
	}
	if params.Temperature != nil {
		payload.Temperature = params.Temperature
	} else {
		defaultTemperature := float32(0.2)
		payload.Temperature = &defaultTemperature
	}
	if params.TopK != nil {
		payload.TopK = params.TopK
	} else {
		defaultTopK := 20
		payload.TopK = &defaultTopK
	}
	if params.TopP != nil {
		payload.TopP = params.TopP
	} else {
		defaultTopP := float32(0.9)
		payload.TopP = &defaultTopP
	}
	payload.Stop = params.Stop
	return payload
}

// completion runs one buffered /completion call.
func (l *LocalLlamaCppClient) completion(ctx context.Context, payload llamaCppPayload) (*llamaCppResp, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal the payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", l.baseURL+"/completion", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to the llm: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make a request to the llm: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read the llm's response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llama.cpp failed with status %d: %s", resp.StatusCode, string(body))
	}
	var llmResp llamaCppResp
	if err := json.Unmarshal(body, &llmResp); err != nil {
		return nil, fmt.Errorf("failed to parse the llm response: %w", err)
	}
	return &llmResp, nil
}

// renderTranscript flattens chat messages into the role-tagged prompt the
// bare completion endpoint expects.
func renderTranscript(messages []datatypes.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "system":
			b.WriteString("System:\n")
		case "assistant":
			b.WriteString("Assistant:\n")
		default:
			b.WriteString("User:\n")
		}
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n\n")
	}
	b.WriteString("Assistant:\n")
	return b.String()
}

// finishReasonFromLlamaCpp maps the stopped_* flags onto the OpenAI
// vocabulary the gateway reports.
func finishReasonFromLlamaCpp(resp *llamaCppResp) string {
	switch {
	case !resp.Stop:
		return ""
	case resp.StoppedLimit:
		return "length"
	default:
		return "stop"
	}
}
