// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// newTestOpenAIClient creates an OpenAIClient pointing at a test server.
//
// # Description
//
// The client is configured through NewOpenAIClientWithConfig so tests never
// touch environment variables. BaseURL gets the /v1 suffix the real API
// carries.
func newTestOpenAIClient(t *testing.T, serverURL string) *OpenAIClient {
	t.Helper()
	client, err := NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: serverURL + "/v1",
		Model:   "test-model",
	})
	if err != nil {
		t.Fatalf("failed to build test client: %v", err)
	}
	return client
}

func writeChatCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{
		"id": "chatcmpl-test",
		"object": "chat.completion",
		"model": "test-model",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
	}`, content)
}

// =============================================================================
// Chat Tests
// =============================================================================

func TestOpenAIClient_Chat_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeChatCompletion(w, "Hello back")
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	result, err := client.Chat(context.Background(), "test-model", []datatypes.Message{
		{Role: "user", Content: "Hello"},
	}, GenerationParams{})

	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if result.Content != "Hello back" {
		t.Errorf("Expected 'Hello back', got '%s'", result.Content)
	}
	if result.FinishReason != "stop" {
		t.Errorf("Expected finish reason 'stop', got '%s'", result.FinishReason)
	}
	if result.InputTokens != 12 || result.OutputTokens != 4 {
		t.Errorf("Expected usage 12/4, got %d/%d", result.InputTokens, result.OutputTokens)
	}
}

// TestOpenAIClient_Chat_ZeroTemperatureReachesWire verifies an explicit
// temperature of 0 survives serialization. The client struct marshals
// temperature with omitempty, so a bare 0 would be dropped and the
// provider would silently apply its default; the request builder
// substitutes the smallest nonzero float to keep the field on the wire.
func TestOpenAIClient_Chat_ZeroTemperatureReachesWire(t *testing.T) {
	t.Parallel()

	var wire struct {
		Temperature *float32 `json:"temperature"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &wire); err != nil {
			t.Errorf("failed to decode wire request: %v", err)
		}
		writeChatCompletion(w, "deterministic")
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	zero := float32(0)
	_, err := client.Chat(context.Background(), "test-model", []datatypes.Message{
		{Role: "user", Content: "Hello"},
	}, GenerationParams{Temperature: &zero})

	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if wire.Temperature == nil {
		t.Fatal("temperature field missing from wire request")
	}
	if *wire.Temperature > 1e-6 {
		t.Errorf("Expected a near-zero temperature on the wire, got %g", *wire.Temperature)
	}
}

// TestOpenAIClient_Chat_NonZeroTemperaturePassesThrough verifies a normal
// temperature is forwarded unchanged.
func TestOpenAIClient_Chat_NonZeroTemperaturePassesThrough(t *testing.T) {
	t.Parallel()

	var wire struct {
		Temperature *float32 `json:"temperature"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &wire); err != nil {
			t.Errorf("failed to decode wire request: %v", err)
		}
		writeChatCompletion(w, "sampled")
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	temp := float32(0.7)
	_, err := client.Chat(context.Background(), "test-model", []datatypes.Message{
		{Role: "user", Content: "Hello"},
	}, GenerationParams{Temperature: &temp})

	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if wire.Temperature == nil {
		t.Fatal("temperature field missing from wire request")
	}
	if *wire.Temperature != 0.7 {
		t.Errorf("Expected temperature 0.7 on the wire, got %g", *wire.Temperature)
	}
}

// TestOpenAIClient_Chat_RetriesTransientError verifies that a 503 is
// retried and the second attempt succeeds.
func TestOpenAIClient_Chat_RetriesTransientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error": {"message": "upstream down", "type": "server_error"}}`)
			return
		}
		writeChatCompletion(w, "recovered")
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	result, err := client.Chat(context.Background(), "", []datatypes.Message{
		{Role: "user", Content: "Hello"},
	}, GenerationParams{})

	if err != nil {
		t.Fatalf("Chat returned error after retry: %v", err)
	}
	if result.Content != "recovered" {
		t.Errorf("Expected 'recovered', got '%s'", result.Content)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}
}

// TestOpenAIClient_Chat_NoRetryOnBadRequest verifies 4xx fails fast.
func TestOpenAIClient_Chat_NoRetryOnBadRequest(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "bad request", "type": "invalid_request_error"}}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	_, err := client.Chat(context.Background(), "", []datatypes.Message{
		{Role: "user", Content: "Hello"},
	}, GenerationParams{})

	if err == nil {
		t.Fatal("Chat should fail on 400")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected exactly 1 call for a 400, got %d", calls.Load())
	}
}

func TestOpenAIClient_Chat_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error": {"message": "still down", "type": "server_error"}}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	_, err := client.Chat(context.Background(), "", []datatypes.Message{
		{Role: "user", Content: "Hello"},
	}, GenerationParams{})

	if err == nil {
		t.Fatal("Chat should fail once retries are exhausted")
	}
	if calls.Load() != int32(maxRetries+1) {
		t.Errorf("Expected %d calls, got %d", maxRetries+1, calls.Load())
	}
}

// =============================================================================
// ChatStream Tests
// =============================================================================

// TestOpenAIClient_ChatStream_ForwardsDeltas verifies SSE deltas become
// callback events and the assembled result carries usage.
func TestOpenAIClient_ChatStream_ForwardsDeltas(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-test\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-test\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-test\",\"object\":\"chat.completion.chunk\",\"choices\":[],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":2,\"total_tokens\":11}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	var tokens []string
	callback := func(event StreamEvent) error {
		if event.Type == StreamEventToken {
			tokens = append(tokens, event.Content)
		}
		return nil
	}

	result, err := client.ChatStream(context.Background(), "", []datatypes.Message{
		{Role: "user", Content: "Hello"},
	}, GenerationParams{}, callback)

	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if len(tokens) != 2 || tokens[0] != "Hel" || tokens[1] != "lo" {
		t.Errorf("Expected tokens [Hel lo], got %v", tokens)
	}
	if result.Content != "Hello" {
		t.Errorf("Expected assembled content 'Hello', got '%s'", result.Content)
	}
	if result.FinishReason != "stop" {
		t.Errorf("Expected finish reason 'stop', got '%s'", result.FinishReason)
	}
	if result.InputTokens != 9 || result.OutputTokens != 2 {
		t.Errorf("Expected usage 9/2, got %d/%d", result.InputTokens, result.OutputTokens)
	}
}

// TestOpenAIClient_ChatStream_RetriesEstablishment verifies a failed
// stream open is retried before anything was forwarded.
func TestOpenAIClient_ChatStream_RetriesEstablishment(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error": {"message": "upstream down", "type": "server_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-test\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	result, err := client.ChatStream(context.Background(), "", []datatypes.Message{
		{Role: "user", Content: "Hello"},
	}, GenerationParams{}, func(StreamEvent) error { return nil })

	if err != nil {
		t.Fatalf("ChatStream returned error after retry: %v", err)
	}
	if result.Content != "ok" {
		t.Errorf("Expected content 'ok', got '%s'", result.Content)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}
}

// =============================================================================
// Models Tests
// =============================================================================

func TestOpenAIClient_Models(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object": "list", "data": [{"id": "model-a", "object": "model"}, {"id": "model-b", "object": "model"}]}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	models, err := client.Models(context.Background())
	if err != nil {
		t.Fatalf("Models returned error: %v", err)
	}
	if len(models) != 2 || models[0] != "model-a" {
		t.Errorf("Unexpected models list: %v", models)
	}
}

// =============================================================================
// Embedding Tests
// =============================================================================

func newTestEmbeddingClient(t *testing.T, serverURL string) *OpenAIEmbedding {
	t.Helper()
	client, err := NewOpenAIEmbeddingWithConfig(EmbeddingConfig{
		APIKey:  "test-key",
		BaseURL: serverURL + "/v1",
		Model:   "test-embedding",
	})
	if err != nil {
		t.Fatalf("failed to build test embedding client: %v", err)
	}
	return client
}

func TestOpenAIEmbedding_Embed_OrderPreserved(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		// Deliberately reversed: Index must restore input order.
		fmt.Fprint(w, `{
			"object": "list",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0.3, 0.4]},
				{"object": "embedding", "index": 0, "embedding": [0.1, 0.2]}
			],
			"model": "test-embedding",
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`)
	}))
	defer server.Close()

	client := newTestEmbeddingClient(t, server.URL)

	vectors, err := client.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("Expected 2 vectors, got %d", len(vectors))
	}
	if vectors[0][0] != 0.1 || vectors[1][0] != 0.3 {
		t.Errorf("Vectors not restored to input order: %v", vectors)
	}

	dim, err := client.Dimension(context.Background())
	if err != nil {
		t.Fatalf("Dimension returned error: %v", err)
	}
	if dim != 2 {
		t.Errorf("Expected dimension 2, got %d", dim)
	}
}

func TestOpenAIEmbedding_Embed_CountMismatch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"object": "list",
			"data": [{"object": "embedding", "index": 0, "embedding": [0.1]}],
			"model": "test-embedding",
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`)
	}))
	defer server.Close()

	client := newTestEmbeddingClient(t, server.URL)

	_, err := client.Embed(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("Embed should fail when the provider returns the wrong vector count")
	}
}

func TestOpenAIEmbedding_Embed_EmptyInput(t *testing.T) {
	t.Parallel()

	client := newTestEmbeddingClient(t, "http://unused.invalid")

	vectors, err := client.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed of empty input should be a no-op, got: %v", err)
	}
	if vectors != nil {
		t.Errorf("Expected nil vectors, got %v", vectors)
	}
}
