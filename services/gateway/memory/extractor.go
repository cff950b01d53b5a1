// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

// maxExtractedFacts bounds one exchange's fact yield so a rambling
// assistant turn cannot flood the knowledge store.
const maxExtractedFacts = 10

// extractionPrompt instructs the model to return strict JSON. The
// schema is restated inline because smaller models drift without it.
const extractionPrompt = `You extract durable knowledge from one chat exchange.

Return ONLY a JSON object, no prose, with this exact shape:
{
  "facts": ["<standalone factual statement worth remembering>", ...],
  "entities": ["<named person, system, project, or term>", ...],
  "tasks": ["<concrete follow-up the user asked for>", ...],
  "confidence": <float 0..1, your confidence in the facts>
}

Rules:
- Facts must be durable (preferences, decisions, configurations, identities),
  not conversational filler. At most %d facts.
- Each fact must stand alone without the conversation.
- Empty arrays are fine. If nothing is worth keeping, return
  {"facts":[],"entities":[],"tasks":[],"confidence":0}.`

// Extraction is the validated yield of one exchange.
type Extraction struct {
	Facts      []string `json:"facts"`
	Entities   []string `json:"entities"`
	Tasks      []string `json:"tasks"`
	Confidence float64  `json:"confidence"`
}

// Extractor turns a completed exchange into candidate facts.
type Extractor interface {
	Extract(ctx context.Context, userMsg, assistantMsg string, topics []string) (*Extraction, error)
}

// LLMExtractor asks the configured provider for a JSON extraction.
type LLMExtractor struct {
	client llm.LLMClient
	model  string
	logger *slog.Logger
}

// NewLLMExtractor builds the default extractor. model "" uses the
// client's default model.
func NewLLMExtractor(client llm.LLMClient, model string, logger *slog.Logger) *LLMExtractor {
	if client == nil {
		panic("memory: llm client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExtractor{client: client, model: model, logger: logger}
}

// Extract runs the extraction prompt and validates the result.
//
// # Description
//
// The session's rolling topics are passed as seed so the model resolves
// pronouns against known subjects. Output outside the schema is an
// error; the pipeline treats extraction errors as a soft skip.
func (e *LLMExtractor) Extract(ctx context.Context, userMsg, assistantMsg string, topics []string) (*Extraction, error) {
	var sb strings.Builder
	if len(topics) > 0 {
		sb.WriteString("Known session topics: ")
		sb.WriteString(strings.Join(topics, ", "))
		sb.WriteString("\n\n")
	}
	sb.WriteString("User said:\n")
	sb.WriteString(userMsg)
	sb.WriteString("\n\nAssistant replied:\n")
	sb.WriteString(assistantMsg)

	messages := []datatypes.Message{
		{Role: "system", Content: fmt.Sprintf(extractionPrompt, maxExtractedFacts)},
		{Role: "user", Content: sb.String()},
	}
	result, err := e.client.Chat(ctx, e.model, messages, llm.GenerationParams{})
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	extraction, err := parseExtraction(result.Content)
	if err != nil {
		return nil, err
	}
	return extraction, nil
}

// parseExtraction pulls the JSON object out of the model output and
// validates it.
func parseExtraction(raw string) (*Extraction, error) {
	var ext Extraction
	if err := llm.ExtractJSON(raw, &ext); err != nil {
		return nil, fmt.Errorf("extraction output is not valid JSON: %w", err)
	}
	return validateExtraction(&ext)
}

// validateExtraction enforces the fact invariants: non-empty content,
// confidence in [0,1], bounded count.
func validateExtraction(ext *Extraction) (*Extraction, error) {
	if ext.Confidence < 0 || ext.Confidence > 1 {
		return nil, fmt.Errorf("extraction confidence %v outside [0,1]", ext.Confidence)
	}

	facts := make([]string, 0, len(ext.Facts))
	for _, f := range ext.Facts {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		facts = append(facts, f)
		if len(facts) == maxExtractedFacts {
			break
		}
	}
	ext.Facts = facts

	entities := make([]string, 0, len(ext.Entities))
	for _, e := range ext.Entities {
		if e = strings.TrimSpace(e); e != "" {
			entities = append(entities, e)
		}
	}
	ext.Entities = entities

	tasks := make([]string, 0, len(ext.Tasks))
	for _, t := range ext.Tasks {
		if t = strings.TrimSpace(t); t != "" {
			tasks = append(tasks, t)
		}
	}
	ext.Tasks = tasks

	return ext, nil
}
