// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the gateway service.
//
// This file contains the OpenAI-compatible request and response types for
// the /v1/chat/completions, /v1/embeddings, and /v1/models endpoints.
// Knowledge entities live in knowledge.go; the error envelope in errors.go.
package datatypes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Unbounded message input mitigation.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100

	// MaxEmbeddingInputs is the maximum number of inputs per embeddings call.
	MaxEmbeddingInputs = 64
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Message content size limit; checks byte length (not rune count) to
	// prevent memory exhaustion with large payloads.
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

func generateUUID() string {
	return uuid.New().String()
}

// =============================================================================
// Chat Completion Request Types
// =============================================================================

// Message is a single conversation message in the OpenAI wire shape.
type Message struct {
	Role    string `json:"role" validate:"required"`
	Content string `json:"content" validate:"required,maxbytes"`
	Name    string `json:"name,omitempty"`
}

// ChatCompletionRequest represents a POST /v1/chat/completions body.
//
// # Description
//
// ChatCompletionRequest is the OpenAI-compatible chat request. The gateway
// accepts the standard fields plus two extension fields that OpenAI clients
// simply omit: SessionID ties the request to a conversation thread for
// context retrieval and memory persistence, and UserID attributes the
// exchange for per-user knowledge scoping. When SessionID is absent a fresh
// session is started for the request.
//
// # Validation
//
// Uses go-playground/validator:
//   - Model: required, non-empty
//   - Messages: required, 1-100 elements, each with non-empty role and
//     content; content capped at 32KB per message
//   - Temperature: when present, 0 <= t <= 2
//   - TopP: when present, 0 <= p <= 1
//   - MaxTokens: when present, > 0
//
// # Examples
//
//	req := ChatCompletionRequest{
//	    Model:    "gpt-4o",
//	    Messages: []Message{{Role: "user", Content: "Hello"}},
//	    Stream:   true,
//	}
//
// # Limitations
//
//   - Tool/function calling is passed through to the provider untouched;
//     tool results are not persisted as knowledge.
//   - Message content limited to 32KB (larger payloads rejected).
//
// # Assumptions
//
//   - Messages are in chronological order; the last user message is the
//     prompt used for retrieval seeding.
type ChatCompletionRequest struct {
	Model       string        `json:"model" validate:"required"`
	Messages    []Message     `json:"messages" validate:"required,min=1,max=100,dive"`
	Temperature *float32      `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP        *float32      `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxTokens   *int          `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        []string      `json:"stop,omitempty" validate:"omitempty,max=4"`
	N           *int          `json:"n,omitempty" validate:"omitempty,eq=1"`
	User        string        `json:"user,omitempty" validate:"omitempty,max=256"`
	Tools       []interface{} `json:"tools,omitempty"`

	// Gateway extensions. OpenAI clients leave these unset.
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=128"`
}

// Validate validates the request fields after JSON binding.
func (r *ChatCompletionRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return err
	}
	// Tag-based validation cannot distinguish a missing role from a blank
	// one once whitespace is involved; check explicitly so the error names
	// the offending index.
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Errorf("messages[%d].role must be non-empty", i)
		}
		if m.Content == "" {
			return fmt.Errorf("messages[%d].content must be non-empty", i)
		}
	}
	return nil
}

// EnsureDefaults populates defaults for optional fields. A missing
// SessionID starts a new conversation thread.
func (r *ChatCompletionRequest) EnsureDefaults() {
	if r.SessionID == "" {
		r.SessionID = generateUUID()
	}
}

// LastUserPrompt returns the content of the most recent user message, or ""
// when the request carries none. Used as the retrieval seed.
func (r *ChatCompletionRequest) LastUserPrompt() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// =============================================================================
// Chat Completion Response Types
// =============================================================================

// Usage reports token consumption in the OpenAI wire shape.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative (the gateway always returns one).
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatCompletionResponse is the non-streaming completion payload.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// NewChatCompletionResponse builds a single-choice completion response with
// a generated id and current timestamp.
func NewChatCompletionResponse(model, content, finishReason string, usage Usage) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      "chatcmpl-" + generateUUID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: content},
			FinishReason: finishReason,
		}},
		Usage: usage,
	}
}

// MessageDelta is the incremental content of a streamed chunk.
type MessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice of a streamed chunk.
type ChunkChoice struct {
	Index        int          `json:"index"`
	Delta        MessageDelta `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

// ChatCompletionChunk is the OpenAI-compatible streaming chunk payload
// carried inside SSE `chunk` events.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// NewChatCompletionChunk builds a content delta chunk sharing the response
// id of its stream.
func NewChatCompletionChunk(responseID, model, content string) *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      responseID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: MessageDelta{Content: content}}},
	}
}

// NewFinishChunk builds the closing chunk of a stream: an empty delta with
// finish_reason set, per the OpenAI streaming contract.
func NewFinishChunk(responseID, model, finishReason string) *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      responseID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: MessageDelta{}, FinishReason: &finishReason}},
	}
}

// ContextMetadata describes the synthetic context injected into a request.
// It is surfaced in the SSE `context` event and handed to the memory
// pipeline for provenance.
type ContextMetadata struct {
	SourceIDs  []string `json:"source_ids"`
	Tokens     int      `json:"tokens"`
	Degraded   bool     `json:"degraded,omitempty"`
	Fallback   string   `json:"fallback,omitempty"`
	MicroQuote bool     `json:"micro_quote,omitempty"`
	BuildMs    int64    `json:"build_ms"`
}

// StreamFrame is one SSE event on a streaming chat response.
//
// # Description
//
// A stream carries four frame types: "context" (once, before the first
// chunk), "chunk" (zero or more OpenAI deltas), "done" (once, with final
// usage), and "error" (terminal). Every frame carries a UUID, a millisecond
// timestamp, and a SHA-256 hash chained to the previous frame so clients
// can verify nothing was dropped or reordered in transit.
//
// Exactly one payload field is set per frame, matching Type.
type StreamFrame struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash"`

	Context   *ContextMetadata     `json:"context,omitempty"`
	Chunk     *ChatCompletionChunk `json:"chunk,omitempty"`
	Usage     *Usage               `json:"usage,omitempty"`
	SessionID string               `json:"session_id,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// =============================================================================
// Embedding Types
// =============================================================================

// EmbeddingInput accepts the OpenAI `input` field, which is either a single
// string or an array of strings.
type EmbeddingInput []string

// UnmarshalJSON accepts both `"text"` and `["a","b"]` forms.
func (e *EmbeddingInput) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*e = EmbeddingInput{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("input must be a string or array of strings: %w", err)
	}
	*e = EmbeddingInput(many)
	return nil
}

// EmbeddingRequest represents a POST /v1/embeddings body.
type EmbeddingRequest struct {
	Model string         `json:"model" validate:"required"`
	Input EmbeddingInput `json:"input" validate:"required,min=1,max=64,dive,required"`
	User  string         `json:"user,omitempty"`
}

// Validate validates the request fields after JSON binding.
func (r *EmbeddingRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EmbeddingData is one embedding vector in the response list.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// EmbeddingUsage reports token consumption for an embeddings call.
type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// EmbeddingResponse is the OpenAI-compatible embeddings payload.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  EmbeddingUsage  `json:"usage"`
}

// =============================================================================
// Model Listing Types
// =============================================================================

// ModelInfo describes one model the configured provider reports.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /v1/models payload.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}
