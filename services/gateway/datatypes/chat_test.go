// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"
)

// =============================================================================
// ChatCompletionRequest Validation Tests
// =============================================================================

func TestChatCompletionRequest_Validate_Success(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Hello"},
		},
	}

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got error: %v", err)
	}
}

func TestChatCompletionRequest_Validate_MissingModel(t *testing.T) {
	req := &ChatCompletionRequest{
		Messages: []Message{{Role: "user", Content: "Hello"}},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for missing model, got nil")
	}
}

func TestChatCompletionRequest_Validate_EmptyMessages(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for empty messages, got nil")
	}
}

func TestChatCompletionRequest_Validate_UnknownRole(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "wizard", Content: "Hello"}},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for unknown role, got nil")
	}
}

func TestChatCompletionRequest_Validate_ContentTooLarge(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []Message{
			{Role: "user", Content: strings.Repeat("a", MaxMessageContentBytes+1)},
		},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for oversized content, got nil")
	}
}

func TestChatCompletionRequest_Validate_TemperatureOutOfRange(t *testing.T) {
	temp := float32(3.5)
	req := &ChatCompletionRequest{
		Model:       "gpt-4o-mini",
		Messages:    []Message{{Role: "user", Content: "Hello"}},
		Temperature: &temp,
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for temperature > 2, got nil")
	}
}

func TestChatCompletionRequest_Validate_NMustBeOne(t *testing.T) {
	n := 3
	req := &ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "Hello"}},
		N:        &n,
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for n != 1, got nil")
	}
}

func TestChatCompletionRequest_EnsureDefaults_GeneratesSessionID(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "Hello"}},
	}

	req.EnsureDefaults()

	if req.SessionID == "" {
		t.Error("expected a generated session id, got empty string")
	}
}

func TestChatCompletionRequest_EnsureDefaults_KeepsSessionID(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:     "gpt-4o-mini",
		Messages:  []Message{{Role: "user", Content: "Hello"}},
		SessionID: "sess-1",
	}

	req.EnsureDefaults()

	if req.SessionID != "sess-1" {
		t.Errorf("expected session id preserved, got %q", req.SessionID)
	}
}

func TestChatCompletionRequest_LastUserPrompt(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []Message{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "reply"},
			{Role: "user", Content: "second"},
		},
	}

	if got := req.LastUserPrompt(); got != "second" {
		t.Errorf("expected last user prompt %q, got %q", "second", got)
	}
}

func TestChatCompletionRequest_LastUserPrompt_NoUserMessage(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "system", Content: "setup"}},
	}

	if got := req.LastUserPrompt(); got != "" {
		t.Errorf("expected empty prompt, got %q", got)
	}
}

// =============================================================================
// EmbeddingInput Tests
// =============================================================================

func TestEmbeddingInput_Unmarshal_String(t *testing.T) {
	var req EmbeddingRequest
	if err := json.Unmarshal([]byte(`{"model":"m","input":"hello"}`), &req); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if len(req.Input) != 1 || req.Input[0] != "hello" {
		t.Errorf("expected single-element input, got %v", req.Input)
	}
}

func TestEmbeddingInput_Unmarshal_Array(t *testing.T) {
	var req EmbeddingRequest
	if err := json.Unmarshal([]byte(`{"model":"m","input":["a","b"]}`), &req); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if len(req.Input) != 2 {
		t.Errorf("expected two inputs, got %v", req.Input)
	}
}

func TestEmbeddingInput_Unmarshal_Invalid(t *testing.T) {
	var req EmbeddingRequest
	if err := json.Unmarshal([]byte(`{"model":"m","input":42}`), &req); err == nil {
		t.Error("expected error for numeric input, got nil")
	}
}

func TestEmbeddingRequest_Validate_EmptyElement(t *testing.T) {
	req := &EmbeddingRequest{Model: "m", Input: EmbeddingInput{"a", ""}}

	if err := req.Validate(); err == nil {
		t.Error("expected error for empty input element, got nil")
	}
}

// =============================================================================
// Response Constructor Tests
// =============================================================================

func TestNewChatCompletionResponse_Shape(t *testing.T) {
	resp := NewChatCompletionResponse("gpt-4o-mini", "hi there", "stop", Usage{
		PromptTokens:     10,
		CompletionTokens: 2,
		TotalTokens:      12,
	})

	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("expected chatcmpl- id prefix, got %q", resp.ID)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("expected object chat.completion, got %q", resp.Object)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected one choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message.Content != "hi there" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("expected total tokens 12, got %d", resp.Usage.TotalTokens)
	}
}

func TestNewChatCompletionChunk_SharesResponseID(t *testing.T) {
	first := NewChatCompletionChunk("chatcmpl-abc", "gpt-4o-mini", "he")
	second := NewChatCompletionChunk("chatcmpl-abc", "gpt-4o-mini", "llo")

	if first.ID != second.ID {
		t.Errorf("chunks of one response must share an id: %q vs %q", first.ID, second.ID)
	}
	if first.Object != "chat.completion.chunk" {
		t.Errorf("expected object chat.completion.chunk, got %q", first.Object)
	}
}
