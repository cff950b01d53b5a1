// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// newOllamaTestClient points an OllamaClient at a mock server.
func newOllamaTestClient(server *httptest.Server) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    server.URL,
		model:      "test-model",
	}
}

// TestOllamaClient_ChatStream_ForwardsTokens verifies NDJSON lines are
// forwarded as token events in order and the final line supplies the
// usage counts.
//
// # Description
//
// The mock server emits three content lines and a done line carrying
// prompt_eval_count/eval_count. The client must assemble the full answer,
// report the counts, and map done_reason onto the gateway vocabulary.
func TestOllamaClient_ChatStream_ForwardsTokens(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		lines := []string{
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"message":{"role":"assistant","content":"!"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":3}`,
		}
		for _, line := range lines {
			w.Write([]byte(line + "\n"))
		}
	}))
	defer server.Close()

	client := newOllamaTestClient(server)

	var tokens []string
	callback := func(event StreamEvent) error {
		if event.Type == StreamEventToken {
			tokens = append(tokens, event.Content)
		}
		return nil
	}

	result, err := client.ChatStream(context.Background(), "",
		[]datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{}, callback)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}

	if got := strings.Join(tokens, ""); got != "Hello!" {
		t.Errorf("forwarded tokens = %q, want %q", got, "Hello!")
	}
	if result.Content != "Hello!" {
		t.Errorf("Content = %q, want %q", result.Content, "Hello!")
	}
	if result.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want %q", result.FinishReason, "stop")
	}
	if result.InputTokens != 12 || result.OutputTokens != 3 {
		t.Errorf("usage = (%d, %d), want (12, 3)", result.InputTokens, result.OutputTokens)
	}
}

// TestOllamaClient_ChatStream_CallbackErrorAborts verifies a failing
// callback tears the stream down.
func TestOllamaClient_ChatStream_CallbackErrorAborts(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"a"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":"b"},"done":false}` + "\n"))
		w.Write([]byte(`{"done":true,"done_reason":"stop"}` + "\n"))
	}))
	defer server.Close()

	client := newOllamaTestClient(server)

	sentinel := errors.New("client went away")
	_, err := client.ChatStream(context.Background(), "",
		[]datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{},
		func(StreamEvent) error { return sentinel })
	if err == nil {
		t.Fatal("ChatStream should propagate the callback error")
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected wrapped callback error, got: %v", err)
	}
}

// TestOllamaClient_ChatStream_InBandError verifies an error line from the
// daemon fails the stream.
func TestOllamaClient_ChatStream_InBandError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"par"},"done":false}` + "\n"))
		w.Write([]byte(`{"error":"gpu exploded"}` + "\n"))
	}))
	defer server.Close()

	client := newOllamaTestClient(server)

	var sawError bool
	_, err := client.ChatStream(context.Background(), "",
		[]datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{},
		func(event StreamEvent) error {
			if event.Type == StreamEventError {
				sawError = true
			}
			return nil
		})
	if err == nil {
		t.Fatal("ChatStream should fail on an in-band error line")
	}
	if !strings.Contains(err.Error(), "gpu exploded") {
		t.Errorf("error should carry the daemon message, got: %v", err)
	}
	if !sawError {
		t.Error("callback should have seen a StreamEventError before the abort")
	}
}

// TestOllamaClient_Chat_Buffered verifies the non-streaming path returns
// content, counts, and the mapped finish reason.
func TestOllamaClient_Chat_Buffered(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"message": {"role": "assistant", "content": "The answer is 42."},
			"done": true,
			"done_reason": "length",
			"prompt_eval_count": 7,
			"eval_count": 6
		}`))
	}))
	defer server.Close()

	client := newOllamaTestClient(server)

	result, err := client.Chat(context.Background(), "override-model",
		[]datatypes.Message{{Role: "user", Content: "meaning of life?"}}, GenerationParams{})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if result.Content != "The answer is 42." {
		t.Errorf("Content = %q", result.Content)
	}
	if result.FinishReason != "length" {
		t.Errorf("FinishReason = %q, want %q", result.FinishReason, "length")
	}
	if result.InputTokens != 7 || result.OutputTokens != 6 {
		t.Errorf("usage = (%d, %d), want (7, 6)", result.InputTokens, result.OutputTokens)
	}
}

// TestOllamaClient_Chat_ModelNotFoundHint verifies the 404 path keeps the
// actionable pull hint.
func TestOllamaClient_Chat_ModelNotFoundHint(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'test-model' not found"}`))
	}))
	defer server.Close()

	client := newOllamaTestClient(server)

	_, err := client.Chat(context.Background(), "",
		[]datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{})
	if err == nil {
		t.Fatal("Chat should fail on 404")
	}
	if !strings.Contains(err.Error(), "ollama pull") {
		t.Errorf("expected pull hint in error, got: %v", err)
	}
}

// TestOllamaClient_Models verifies /api/tags parsing.
func TestOllamaClient_Models(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"llama3:8b"},{"name":"gpt-oss:20b"}]}`))
	}))
	defer server.Close()

	client := newOllamaTestClient(server)

	models, err := client.Models(context.Background())
	if err != nil {
		t.Fatalf("Models returned error: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3:8b" || models[1] != "gpt-oss:20b" {
		t.Errorf("Models = %v", models)
	}
}

// TestFinishReasonFromOllama covers the done_reason mapping.
func TestFinishReasonFromOllama(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":       "",
		"stop":   "stop",
		"length": "length",
		"limit":  "length",
		"unload": "unload",
	}
	for in, want := range cases {
		if got := finishReasonFromOllama(in); got != want {
			t.Errorf("finishReasonFromOllama(%q) = %q, want %q", in, got, want)
		}
	}
}
