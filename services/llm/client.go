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

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// GenerationParams carries the optional sampling knobs a caller may set.
// Nil pointers mean "provider default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// ChatResult is the provider's final answer plus whatever usage accounting
// it reported. Token counts of 0 mean the provider did not report them and
// the caller should fall back to local estimation.
type ChatResult struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
}

// LLMClient defines the standard interface for any LLM backend.
//
// # Description
//
// Chat and ChatStream take the model per call because the gateway routes
// whatever model the request names; clients hold a default for callers
// that pass "". ChatStream invokes the callback once per delta and still
// returns the assembled ChatResult so accounting never depends on the
// caller buffering events.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Chat(ctx context.Context, model string, messages []datatypes.Message, params GenerationParams) (*ChatResult, error)
	ChatStream(ctx context.Context, model string, messages []datatypes.Message, params GenerationParams, callback StreamCallback) (*ChatResult, error)
	Models(ctx context.Context) ([]string, error)
	DefaultModel() string
}
