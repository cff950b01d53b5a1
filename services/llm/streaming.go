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
	"fmt"
	"log/slog"
)

// =============================================================================
// Stream Events
// =============================================================================

// StreamEventType discriminates the events a streaming generation emits.
type StreamEventType string

const (
	// StreamEventToken is a fragment of the visible answer.
	StreamEventToken StreamEventType = "token"

	// StreamEventThinking is a fragment of the model's reasoning channel,
	// emitted only when the provider exposes one and redaction is off.
	StreamEventThinking StreamEventType = "thinking"

	// StreamEventDone signals normal end of stream.
	StreamEventDone StreamEventType = "done"

	// StreamEventError signals an in-band provider failure.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one unit of streaming output.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StreamCallback receives each event in arrival order. Returning an error
// aborts the stream; the provider call is cancelled and the error is
// propagated to the caller.
type StreamCallback func(event StreamEvent) error

// StreamDelta is one provider chunk reduced to the fields the processor
// cares about. Each provider client maps its wire format into this.
type StreamDelta struct {
	Content      string
	Thinking     string
	Done         bool
	FinishReason string
	Err          string
}

// =============================================================================
// Stream Configuration
// =============================================================================

// StreamConfig controls what the processor forwards. Zero limits mean
// unlimited.
type StreamConfig struct {
	// RedactThinking drops reasoning fragments instead of forwarding them.
	RedactThinking bool

	// MaxThinkingLength caps forwarded reasoning bytes per event.
	MaxThinkingLength int

	// MaxResponseLength caps the total visible answer; overflowing
	// fragments are truncated to fit and later fragments are dropped.
	MaxResponseLength int
}

// DefaultStreamConfig forwards everything unredacted and unbounded.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{}
}

// =============================================================================
// Stream Processor
// =============================================================================

// DefaultStreamProcessor applies StreamConfig policy to raw deltas and
// keeps running accounting for the stream.
//
// # Description
//
// The processor is the single place where redaction, length limits, and
// token counting happen, so every provider client behaves identically.
// It is not safe for concurrent use; each stream gets its own instance.
type DefaultStreamProcessor struct {
	cfg            StreamConfig
	logger         *slog.Logger
	tokenCount     int
	responseLength int
	thinkingLength int
	finishReason   string
	response       []byte
}

// NewDefaultStreamProcessor creates a processor for one stream. A nil
// logger falls back to slog.Default().
func NewDefaultStreamProcessor(cfg StreamConfig, logger *slog.Logger) *DefaultStreamProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultStreamProcessor{cfg: cfg, logger: logger}
}

// ProcessDelta applies policy to one delta and forwards the resulting
// event. It returns done=true when the stream is finished, normally or
// because the delta carried an error.
func (p *DefaultStreamProcessor) ProcessDelta(ctx context.Context, delta StreamDelta, callback StreamCallback) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, err
	}

	if delta.Err != "" {
		if cbErr := callback(StreamEvent{Type: StreamEventError, Error: delta.Err}); cbErr != nil {
			p.logger.Warn("Stream error callback failed", "error", cbErr)
		}
		return true, fmt.Errorf("provider stream error: %s", delta.Err)
	}

	if delta.Thinking != "" && !p.cfg.RedactThinking {
		thinking := delta.Thinking
		if p.cfg.MaxThinkingLength > 0 {
			remaining := p.cfg.MaxThinkingLength - p.thinkingLength
			if remaining <= 0 {
				thinking = ""
			} else if len(thinking) > remaining {
				thinking = thinking[:remaining]
			}
		}
		if thinking != "" {
			p.thinkingLength += len(thinking)
			if err := callback(StreamEvent{Type: StreamEventThinking, Content: thinking}); err != nil {
				return true, fmt.Errorf("stream callback failed: %w", err)
			}
		}
	}

	if delta.Content != "" {
		content := delta.Content
		if p.cfg.MaxResponseLength > 0 {
			remaining := p.cfg.MaxResponseLength - p.responseLength
			if remaining <= 0 {
				content = ""
			} else if len(content) > remaining {
				content = content[:remaining]
			}
		}
		if content != "" {
			p.tokenCount++
			p.responseLength += len(content)
			p.response = append(p.response, content...)
			if err := callback(StreamEvent{Type: StreamEventToken, Content: content}); err != nil {
				return true, fmt.Errorf("stream callback failed: %w", err)
			}
		}
	}

	if delta.Done {
		if delta.FinishReason != "" {
			p.finishReason = delta.FinishReason
		}
		return true, nil
	}
	return false, nil
}

// GetTokenCount returns the number of forwarded answer fragments.
func (p *DefaultStreamProcessor) GetTokenCount() int { return p.tokenCount }

// Forwarded reports whether anything has reached the callback. Once true,
// the stream attempt can no longer be retried transparently.
func (p *DefaultStreamProcessor) Forwarded() bool {
	return p.tokenCount > 0 || p.thinkingLength > 0
}

// GetResponseLength returns the forwarded answer length in bytes.
func (p *DefaultStreamProcessor) GetResponseLength() int { return p.responseLength }

// GetFullResponse returns the assembled visible answer.
func (p *DefaultStreamProcessor) GetFullResponse() string { return string(p.response) }

// GetFinishReason returns the provider's finish reason, "" until done.
func (p *DefaultStreamProcessor) GetFinishReason() string { return p.finishReason }
