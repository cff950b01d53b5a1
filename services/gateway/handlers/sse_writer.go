// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes stream frames to an HTTP response in SSE wire format.
//
// # Description
//
// Each frame is assigned a UUID, a millisecond timestamp, and a SHA-256
// hash chained to the previous frame (prev_hash → hash) before it is
// serialized as `event: {type}\ndata: {json}\n\n` and flushed. Keepalive
// comments bypass the chain entirely.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the chunk pump and the
// keepalive ticker write from different goroutines.
type SSEWriter interface {
	// WriteContext emits the one-time `context` frame describing the
	// injected knowledge context (source ids, token count, degradation).
	WriteContext(meta *datatypes.ContextMetadata) error

	// WriteChunk emits a `chunk` frame wrapping one OpenAI completion delta.
	WriteChunk(chunk *datatypes.ChatCompletionChunk) error

	// WriteDone emits the terminal `done` frame with the session id and
	// final usage totals. No frames may follow it.
	WriteDone(sessionID string, usage *datatypes.Usage) error

	// WriteError emits a terminal `error` frame. The message must already
	// be sanitized for client display.
	WriteError(errMsg string) error

	// WriteKeepAlive sends an SSE comment (": ping") to keep intermediaries
	// from timing out the connection. Does not advance the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// # Fields
//
//   - writer: underlying ResponseWriter
//   - flusher: http.Flusher for immediate delivery
//   - prevHash: hash of the last written frame
//   - mu: guards writes and chain state
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter wraps the ResponseWriter for SSE output.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: ready to write frames.
//   - error: non-nil if the ResponseWriter cannot flush.
//
// # Assumptions
//
//   - Caller has already set SSE headers via SetSSEHeaders().
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:   w,
		flusher:  flusher,
		prevHash: "",
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// writeFrame stamps metadata onto the frame, extends the hash chain, and
// writes it in SSE format with an immediate flush.
func (w *sseWriter) writeFrame(frame datatypes.StreamFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Populate metadata
	frame.Id = uuid.New().String()
	frame.CreatedAt = time.Now().UnixMilli()
	frame.PrevHash = w.prevHash

	// Compute hash of frame content (before setting Hash field)
	frame.Hash = w.computeFrameHash(frame)

	// Update chain for next frame
	w.prevHash = frame.Hash

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	// Write SSE format: event: type\ndata: json\n\n
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", frame.Type, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeFrameHash computes the SHA-256 over all frame content.
//
// # Description
//
// The hash covers metadata (id, type, timestamp, prev_hash) and the JSON
// serialization of whichever payload the frame carries, giving clients a
// verifiable chain of custody over deltas, usage, and context provenance.
//
// # Assumptions
//
//   - Called before the Hash field is set.
func (w *sseWriter) computeFrameHash(frame datatypes.StreamFrame) string {
	payloadJSON := ""
	switch {
	case frame.Context != nil:
		if data, err := json.Marshal(frame.Context); err == nil {
			payloadJSON = string(data)
		}
	case frame.Chunk != nil:
		if data, err := json.Marshal(frame.Chunk); err == nil {
			payloadJSON = string(data)
		}
	case frame.Usage != nil:
		if data, err := json.Marshal(frame.Usage); err == nil {
			payloadJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s",
		frame.Id,
		frame.Type,
		frame.CreatedAt,
		frame.PrevHash,
		frame.SessionID,
		frame.Error,
		payloadJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// WriteContext emits the one-time `context` frame.
func (w *sseWriter) WriteContext(meta *datatypes.ContextMetadata) error {
	return w.writeFrame(datatypes.StreamFrame{
		Type:    "context",
		Context: meta,
	})
}

// WriteChunk emits a `chunk` frame wrapping one completion delta.
func (w *sseWriter) WriteChunk(chunk *datatypes.ChatCompletionChunk) error {
	return w.writeFrame(datatypes.StreamFrame{
		Type:  "chunk",
		Chunk: chunk,
	})
}

// WriteDone emits the terminal `done` frame with final usage.
func (w *sseWriter) WriteDone(sessionID string, usage *datatypes.Usage) error {
	return w.writeFrame(datatypes.StreamFrame{
		Type:      "done",
		SessionID: sessionID,
		Usage:     usage,
	})
}

// WriteError emits a terminal `error` frame.
//
// # Assumptions
//
//   - Caller has sanitized the message; internal details never reach clients.
func (w *sseWriter) WriteError(errMsg string) error {
	return w.writeFrame(datatypes.StreamFrame{
		Type:  "error",
		Error: errMsg,
	})
}

// WriteKeepAlive sends a comment line to keep the connection alive.
//
// # Description
//
// SSE comments are ignored by clients but reset idle timers on load
// balancers and reverse proxies. Comments are not frames and do not
// advance the hash chain.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures response headers for SSE streaming.
//
// # Description
//
// Sets Content-Type: text/event-stream, disables caching, keeps the
// connection open, and turns off nginx buffering. Must run before any
// body bytes are written.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
