// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements the SSE streaming path of /v1/chat/completions.
//
// # Description
//
// A stream is one `context` frame, zero or more `chunk` frames in the
// OpenAI delta shape, and a terminal `done` (with final usage) or `error`
// frame. Keepalive comments go out every 15s; a 30s gap between provider
// chunks trips the idle watchdog, which cancels the provider call and turns
// into an `error` frame. Client disconnects propagate cancellation to the
// provider; memory and usage writes still run best-effort over whatever
// partial output was accumulated.

package handlers

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGateway/pkg/tokencount"
	"github.com/AleutianAI/AleutianGateway/services/gateway/auth"
	"github.com/AleutianAI/AleutianGateway/services/gateway/config"
	"github.com/AleutianAI/AleutianGateway/services/gateway/contextbuilder"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval keeps the connection under typical LB timeouts
	// (60s for ALB and default nginx).
	heartbeatInterval = 15 * time.Second

	// idleCheckInterval is how often the watchdog samples stream activity.
	idleCheckInterval = time.Second
)

// =============================================================================
// Streaming Path
// =============================================================================

// streamCompletion serves one SSE completion stream.
//
// # Description
//
// The provider pump, the heartbeat ticker, and the idle watchdog run
// concurrently against one frameWriter; the writer's mutex keeps the wire
// format intact. Once SSE headers are out, failures can only be reported
// as `error` frames, never as HTTP statuses.
//
// # Inputs
//
//   - c: Gin context, headers not yet written.
//   - ctx: span-carrying request context; cancelled on client disconnect.
//   - req: validated request with defaults applied.
//   - build: finished context build (already injected into messages).
//   - messages: conversation including the synthetic system message.
func (h *ChatHandler) streamCompletion(
	c *gin.Context,
	ctx context.Context,
	req *datatypes.ChatCompletionRequest,
	authInfo *auth.AuthInfo,
	requestID string,
	build *contextbuilder.Result,
	messages []datatypes.Message,
	startTime time.Time,
	track *requestTrack,
) {
	endpoint := endpointChatStream
	span := track.span

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted("sse")
		defer m.StreamEnded("sse")
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	// Step 1: SSE setup. The last moment an HTTP status can be written.
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		h.logger.Error("Failed to create SSE writer", "error", err, "request_id", requestID)
		writeAPIError(c, span, endpoint, datatypes.NewInternal(requestID), errTypeInternal)
		return
	}

	h.runStream(ctx, writer, "sse", req, authInfo, requestID, build, messages, startTime, track, &success)
}

// runStream drives one completion stream over any frame writer. The SSE
// and WebSocket handlers share it.
func (h *ChatHandler) runStream(
	ctx context.Context,
	writer SSEWriter,
	transport string,
	req *datatypes.ChatCompletionRequest,
	authInfo *auth.AuthInfo,
	requestID string,
	build *contextbuilder.Result,
	messages []datatypes.Message,
	startTime time.Time,
	track *requestTrack,
	success *bool,
) {
	endpoint := endpointChatStream
	if transport == "websocket" {
		endpoint = endpointChatWS
	}
	span := track.span

	// Step 2: context frame, exactly once, before any chunk.
	if err := writer.WriteContext(&build.Meta); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to write context frame", "error", err, "request_id", requestID)
		return
	}

	// Step 3: heartbeat.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.runHeartbeat(ctx, writer, endpoint, heartbeatDone)

	// Step 4: accumulator for post-turn persistence.
	accumulator, accErr := NewSecureTokenAccumulator()
	if accErr != nil {
		h.logger.Warn("Token accumulator unavailable, memory persistence degraded",
			"error", accErr, "request_id", requestID)
	}
	defer func() {
		if accumulator != nil {
			accumulator.Destroy()
		}
	}()

	// Step 5: idle watchdog. The provider context is cancelled when the
	// gap between chunks exceeds the idle timeout; idleFired is how the
	// error path tells that cancellation apart from a client disconnect.
	provCtx, provCancel := context.WithCancel(ctx)
	defer provCancel()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	var idleFired atomic.Bool
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		ticker := time.NewTicker(idleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-provCtx.Done():
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastActivity.Load())) > config.StreamIdleTimeout {
					idleFired.Store(true)
					provCancel()
					return
				}
			}
		}
	}()

	// Step 6: pump. One response id spans every chunk of the stream.
	track.advance(stateProviderCalled)
	track.advance(stateStreaming)
	responseID := "chatcmpl-" + requestID

	var tokenCount int32
	var firstTokenTime time.Time

	callback := func(event llm.StreamEvent) error {
		// Cost control: stop the moment the consumer is gone.
		select {
		case <-provCtx.Done():
			return provCtx.Err()
		default:
		}
		lastActivity.Store(time.Now().UnixNano())

		switch event.Type {
		case llm.StreamEventToken:
			if firstTokenTime.IsZero() {
				firstTokenTime = time.Now()
			}
			atomic.AddInt32(&tokenCount, 1)

			if accumulator != nil {
				if err := accumulator.Write(event.Content); err != nil {
					// The user still gets the stream; only persistence degrades.
					h.logger.Warn("Failed to accumulate token",
						"error", err, "request_id", requestID, "accumulator_id", accumulator.ID())
				}
			}
			return writer.WriteChunk(datatypes.NewChatCompletionChunk(responseID, req.Model, event.Content))

		case llm.StreamEventThinking:
			// The OpenAI chunk protocol has no reasoning channel; thinking
			// deltas only count as stream activity.
			return nil

		case llm.StreamEventError:
			// The provider also returns the error from ChatStream; the
			// terminal frame is written once, in the classification below.
			return nil
		}
		return nil
	}

	result, streamErr := h.client.ChatStream(provCtx, req.Model, messages, paramsFromRequest(req), callback)

	if streamErr != nil {
		track.advance(stateFailed)
		span.RecordError(streamErr)
		span.SetAttributes(attribute.Int("stream.token_count", int(tokenCount)))

		switch {
		case idleFired.Load():
			span.SetStatus(codes.Error, "provider stream idle timeout")
			h.logger.Error("Provider stream idle timeout",
				"request_id", requestID, "model", req.Model, "token_count", tokenCount)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, errTypeIdleTimeout)
			}
			_ = writer.WriteError("provider stream timed out")

		case errors.Is(streamErr, context.Canceled):
			span.SetStatus(codes.Error, "client disconnected")
			h.logger.Info("Client disconnected mid-stream",
				"request_id", requestID, "token_count", tokenCount)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, errTypeDisconnect)
				m.RecordClientDisconnect(endpoint)
			}
			// No frame: the connection is gone.

		default:
			span.SetStatus(codes.Error, "provider stream failed")
			h.logger.Error("Provider stream failed",
				"error", streamErr, "request_id", requestID, "token_count", tokenCount)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, errTypeProvider)
			}
			_ = writer.WriteError(sanitizeStreamError(streamErr))
		}

		// Best-effort persistence of the partial turn.
		h.persistPartial(req, authInfo, requestID, build.Meta, accumulator, messages, track)
		return
	}
	track.advance(stateCompleted)

	// Step 7: closing chunk with finish_reason, then the done frame.
	if !firstTokenTime.IsZero() {
		ttft := firstTokenTime.Sub(startTime).Seconds()
		span.SetAttributes(attribute.Float64("stream.time_to_first_token_seconds", ttft))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstToken(endpoint, ttft)
		}
	}
	span.SetAttributes(attribute.Int("stream.token_count", int(tokenCount)))

	finishReason := result.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}
	if err := writer.WriteChunk(datatypes.NewFinishChunk(responseID, req.Model, finishReason)); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to write finish chunk", "error", err, "request_id", requestID)
		return
	}

	counter := tokencount.ForModel(req.Model)
	usageTotals := usageFor(counter, messages, result)
	if err := writer.WriteDone(req.SessionID, &usageTotals); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to write done frame", "error", err, "request_id", requestID)
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordTokens(usageTotals.PromptTokens, usageTotals.CompletionTokens, build.Meta.Tokens, req.Model)
	}

	// Step 8: post-turn side effects. The accumulator holds exactly what
	// was streamed; fall back to the assembled result if accumulation
	// degraded along the way.
	assistantMsg := result.Content
	if accumulator != nil {
		if answer, _, finErr := accumulator.Finalize(); finErr == nil {
			assistantMsg = answer
		}
	}
	h.finishExchange(req, authInfo, requestID, build.Meta, assistantMsg, usageTotals, track)

	*success = true
	track.advance(stateDone)
	span.SetStatus(codes.Ok, "stream completed")
}

// =============================================================================
// Helpers
// =============================================================================

// runHeartbeat writes keepalive comments until the stream ends. A write
// failure means the connection is dead and the ticker stops with it.
func (h *ChatHandler) runHeartbeat(ctx context.Context, writer SSEWriter, endpoint string, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				h.logger.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// persistPartial runs the post-turn side effects for a stream that died
// early, using whatever the accumulator captured. Disconnected clients
// still consumed tokens; both the memory pipeline and the usage log see
// the partial turn.
func (h *ChatHandler) persistPartial(
	req *datatypes.ChatCompletionRequest,
	authInfo *auth.AuthInfo,
	requestID string,
	meta datatypes.ContextMetadata,
	accumulator TokenAccumulator,
	messages []datatypes.Message,
	track *requestTrack,
) {
	if accumulator == nil {
		return
	}
	partial, _, err := accumulator.Finalize()
	if err != nil || partial == "" {
		return
	}

	counter := tokencount.ForModel(req.Model)
	in := 0
	for _, m := range messages {
		in += counter.Count(m.Content)
	}
	out := counter.Count(partial)
	h.finishExchange(req, authInfo, requestID, meta, partial, datatypes.Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
	}, track)
}

// sanitizeStreamError reduces provider errors to client-safe messages.
// Full detail stays in the logs.
func sanitizeStreamError(err error) string {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "provider stream timed out"
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return "model provider unavailable"
	default:
		return "stream failed"
	}
}
