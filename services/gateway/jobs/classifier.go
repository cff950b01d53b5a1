// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

// ContradictionResult is the classifier verdict for one statement pair.
type ContradictionResult struct {
	Contradicts bool    `json:"contradicts"`
	Confidence  float64 `json:"confidence"`
	Rationale   string  `json:"rationale"`
}

// ContradictionClassifier decides whether two statements contradict each
// other. Discovery only consults it for pairs that are already close in
// embedding space, where "similar topic, opposite claim" hides.
type ContradictionClassifier interface {
	Classify(ctx context.Context, premise, hypothesis string) (*ContradictionResult, error)
}

const contradictionPrompt = `You are a natural language inference classifier.
Given two statements, decide whether they contradict each other: could both
be true at the same time about the same subject?

Return ONLY a JSON object with this exact shape:
{"contradicts": <bool>, "confidence": <float 0..1>, "rationale": "<one sentence>"}

Statements on different subjects do not contradict. Restatements,
elaborations, and partial overlaps do not contradict.`

// LLMClassifier implements ContradictionClassifier on the configured
// provider.
type LLMClassifier struct {
	client llm.LLMClient
	model  string
	logger *slog.Logger
}

// NewLLMClassifier builds the default classifier. model "" uses the
// client's default model.
func NewLLMClassifier(client llm.LLMClient, model string, logger *slog.Logger) *LLMClassifier {
	if client == nil {
		panic("jobs: classifier LLM client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = client.DefaultModel()
	}
	return &LLMClassifier{client: client, model: model, logger: logger}
}

func (c *LLMClassifier) Classify(ctx context.Context, premise, hypothesis string) (*ContradictionResult, error) {
	user := fmt.Sprintf("Statement A:\n%s\n\nStatement B:\n%s", premise, hypothesis)
	messages := []datatypes.Message{
		{Role: "system", Content: contradictionPrompt},
		{Role: "user", Content: user},
	}
	result, err := c.client.Chat(ctx, c.model, messages, llm.GenerationParams{})
	if err != nil {
		return nil, fmt.Errorf("contradiction call failed: %w", err)
	}

	var verdict ContradictionResult
	if err := llm.ExtractJSON(result.Content, &verdict); err != nil {
		return nil, fmt.Errorf("contradiction verdict unreadable: %w", err)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return nil, fmt.Errorf("contradiction confidence %v outside [0,1]", verdict.Confidence)
	}
	return &verdict, nil
}
