// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tokencount provides model-aware token counting.
//
// Counting is on the hot path of context assembly, so the package keeps a
// single encoder per process and falls back to a character heuristic when an
// encoding for the requested model is unavailable (local or unreleased
// models). The heuristic intentionally over-counts slightly so budget checks
// stay conservative.
package tokencount

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// CharsPerToken approximates characters per token for the fallback counter.
const CharsPerToken = 4.0

// Counter counts tokens in a piece of text.
type Counter interface {
	// Count returns the number of tokens in the text.
	Count(text string) int
}

// tiktokenCounter wraps a shared tiktoken encoder.
type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// estimateCounter uses character-based estimation when no encoding is known.
type estimateCounter struct{}

func (estimateCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	n := int(float64(utf8.RuneCountInString(text)) / CharsPerToken)
	if n < 1 {
		n = 1
	}
	return n
}

var (
	encoderMu sync.Mutex
	encoders  = map[string]Counter{}
)

// ForModel returns a Counter for the given model name.
//
// # Description
//
// Resolves a tiktoken encoding for the model and caches the resulting
// counter. Unknown models fall back to cl100k_base; if that also fails
// (offline environments without a cached BPE file) a character-ratio
// estimator is returned so callers never receive a nil Counter.
//
// # Inputs
//
//   - model: provider model name ("gpt-4o", "m1", ...). May be empty.
//
// # Outputs
//
//   - Counter: never nil.
func ForModel(model string) Counter {
	encoderMu.Lock()
	defer encoderMu.Unlock()
	if c, ok := encoders[model]; ok {
		return c
	}

	var c Counter
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	}
	if err != nil {
		slog.Warn("No token encoding available, using character estimate",
			"model", model, "error", err)
		c = estimateCounter{}
	} else {
		c = &tiktokenCounter{enc: enc}
	}
	encoders[model] = c
	return c
}

// Estimate returns a Counter that never touches an encoder. Used in tests
// and as the explicit degraded mode.
func Estimate() Counter {
	return estimateCounter{}
}

// Truncate returns the longest prefix of text whose token count is at most
// maxTokens, cutting on a word boundary where possible.
func Truncate(c Counter, text string, maxTokens int) string {
	if maxTokens <= 0 || text == "" {
		return ""
	}
	if c.Count(text) <= maxTokens {
		return text
	}
	// Binary search the cut point on rune boundaries.
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.Count(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	cut := string(runes[:lo])
	// Prefer ending on whitespace so we do not emit a split word.
	for i := len(cut) - 1; i > 0 && len(cut)-i < 40; i-- {
		if cut[i] == ' ' || cut[i] == '\n' {
			return cut[:i]
		}
	}
	return cut
}
