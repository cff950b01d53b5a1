// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the gateway service.
//
// # Description
//
// The chat handlers implement the OpenAI-compatible completion surface with
// the knowledge-aware context pipeline in front of the provider. Every chat
// request walks the same stages:
//
//	RECEIVED → AUTHENTICATED → RATE_CHECKED → CONTEXT_BUILT →
//	PROVIDER_CALLED → [STREAMING|COMPLETED] → MEMORY_ENQUEUED →
//	USAGE_LOGGED → DONE/FAILED
//
// Auth and rate checks run in middleware before these handlers; the request
// states from CONTEXT_BUILT onward are tracked here on a per-request struct
// surfaced in span attributes. Context building never fails a request: the
// builder degrades and reports it in ContextMetadata. Memory and usage are
// post-turn side effects that never change the user-visible outcome.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGateway/pkg/tokencount"
	"github.com/AleutianAI/AleutianGateway/services/gateway/auth"
	"github.com/AleutianAI/AleutianGateway/services/gateway/config"
	"github.com/AleutianAI/AleutianGateway/services/gateway/contextbuilder"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/memory"
	"github.com/AleutianAI/AleutianGateway/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/usage"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// Endpoint labels for metrics.
	endpointChat       = "chat"
	endpointChatStream = "chat_stream"
	endpointChatWS     = "chat_ws"
	endpointEmbeddings = "embeddings"
	endpointModels     = "models"

	// Error type labels for metrics, lower-cased from the API taxonomy.
	errTypeValidation  = "invalid_request"
	errTypeProvider    = "provider_unavailable"
	errTypeStore       = "store_unavailable"
	errTypeNotFound    = "not_found"
	errTypeDisconnect  = "client_disconnect"
	errTypeIdleTimeout = "idle_timeout"
	errTypeInternal    = "internal"

	// sideEffectTimeout bounds the detached usage write after the
	// response has gone out.
	sideEffectTimeout = 10 * time.Second
)

// Request states surfaced in span attributes and debug logs.
const (
	stateContextBuilt   = "CONTEXT_BUILT"
	stateProviderCalled = "PROVIDER_CALLED"
	stateStreaming      = "STREAMING"
	stateCompleted      = "COMPLETED"
	stateMemoryEnqueued = "MEMORY_ENQUEUED"
	stateUsageLogged    = "USAGE_LOGGED"
	stateDone           = "DONE"
	stateFailed         = "FAILED"
)

// =============================================================================
// Dependency Interfaces
// =============================================================================

// ContextBuilder assembles the synthetic system message for a request.
// *contextbuilder.Builder satisfies it.
type ContextBuilder interface {
	Build(ctx context.Context, in contextbuilder.Input) *contextbuilder.Result
}

// MemoryEnqueuer accepts completed exchanges for asynchronous persistence.
// *memory.Pipeline satisfies it.
type MemoryEnqueuer interface {
	Enqueue(ex *memory.Exchange) bool
}

// UsageRecorder writes usage rows. *usage.Tracker satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, e usage.Entry) error
}

// =============================================================================
// Struct Definition
// =============================================================================

// ChatHandler serves the OpenAI-compatible surface: completions (blocking,
// SSE, and WebSocket), embeddings, and model listing.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction; per-request
// state lives on the stack.
type ChatHandler struct {
	client   llm.LLMClient
	embedder llm.EmbeddingProvider
	builder  ContextBuilder
	pipeline MemoryEnqueuer
	tracker  UsageRecorder
	tracer   trace.Tracer
	logger   *slog.Logger
}

// requestTrack is the per-request state record. It exists so failures can
// name the exact stage they died in.
type requestTrack struct {
	state     string
	requestID string
	span      trace.Span
	logger    *slog.Logger
}

func (t *requestTrack) advance(state string) {
	t.state = state
	t.span.SetAttributes(attribute.String("request.state", state))
	t.logger.Debug("Request state", "state", state, "request_id", t.requestID)
}

// =============================================================================
// Constructor
// =============================================================================

// NewChatHandler wires the chat surface.
//
// # Inputs
//
//   - client: LLM provider adapter. Must not be nil.
//   - embedder: embedding provider for /v1/embeddings. Must not be nil.
//   - builder: context builder. Must not be nil.
//   - pipeline: post-turn memory sink. May be nil; exchanges are then
//     dropped with a metric bump.
//   - tracker: usage recorder. May be nil; usage rows are then skipped.
//   - logger: defaulted when nil.
func NewChatHandler(
	client llm.LLMClient,
	embedder llm.EmbeddingProvider,
	builder ContextBuilder,
	pipeline MemoryEnqueuer,
	tracker UsageRecorder,
	logger *slog.Logger,
) *ChatHandler {
	if client == nil {
		panic("handlers: LLM client must not be nil")
	}
	if embedder == nil {
		panic("handlers: embedder must not be nil")
	}
	if builder == nil {
		panic("handlers: context builder must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		client:   client,
		embedder: embedder,
		builder:  builder,
		pipeline: pipeline,
		tracker:  tracker,
		tracer:   otel.Tracer("aleutian.gateway.handlers.chat"),
		logger:   logger,
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChatCompletions processes POST /v1/chat/completions.
//
// # Description
//
// Binds and validates the request, builds the knowledge context, injects it
// as a synthetic system message, and dispatches to the blocking or the SSE
// path on `stream`. Validation failures answer 400 before any side effect;
// provider failures answer 503 (blocking) or an SSE error frame (streaming).
//
// # Inputs
//
//   - c: Gin context. Auth middleware has already stored AuthInfo.
//
// # Outputs
//
// Blocking: an OpenAI chat.completion JSON body. Streaming: an SSE stream
// of context/chunk/done frames. Errors use the envelope
// {"error":{"type","message",...}}.
func (h *ChatHandler) HandleChatCompletions(c *gin.Context) {
	startTime := time.Now()

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatCompletions")
	defer span.End()

	requestID := middleware.GetRequestID(c)
	track := &requestTrack{requestID: requestID, span: span, logger: h.logger}

	// Step 1: Parse and validate.
	var req datatypes.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rejectInvalid(c, span, endpointChat, "malformed request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		rejectInvalid(c, span, endpointChat, err.Error(), err)
		return
	}
	req.EnsureDefaults()

	endpoint := endpointChat
	if req.Stream {
		endpoint = endpointChatStream
	}
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("request.model", req.Model),
		attribute.String("request.session_id", req.SessionID),
		attribute.Bool("request.stream", req.Stream),
		attribute.Int("request.message_count", len(req.Messages)),
	)

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		// Route misconfiguration; auth middleware must run first.
		writeAPIError(c, span, endpoint, datatypes.NewInternal(requestID), errTypeInternal)
		return
	}
	span.SetAttributes(attribute.String("tenant.id", authInfo.TenantID))

	// Step 2: Build the knowledge context. Build never errors; failures
	// degrade and are reported through Meta.
	build := h.builder.Build(ctx, contextbuilder.Input{
		TenantID:       authInfo.TenantID,
		SessionID:      req.SessionID,
		Prompt:         req.LastUserPrompt(),
		Model:          req.Model,
		BudgetOverride: authInfo.TokenBudget,
	})
	track.advance(stateContextBuilt)
	span.SetAttributes(
		attribute.Int("context.tokens", build.Meta.Tokens),
		attribute.Bool("context.degraded", build.Meta.Degraded),
	)

	messages := withSystemContext(req.Messages, build.SystemMessage)

	// Step 3: Dispatch.
	if req.Stream {
		h.streamCompletion(c, ctx, &req, authInfo, requestID, build, messages, startTime, track)
		return
	}
	h.completeBlocking(c, ctx, &req, authInfo, requestID, build, messages, track)
}

// completeBlocking runs the non-streaming provider call and replies with
// the full completion body.
func (h *ChatHandler) completeBlocking(
	c *gin.Context,
	ctx context.Context,
	req *datatypes.ChatCompletionRequest,
	authInfo *auth.AuthInfo,
	requestID string,
	build *contextbuilder.Result,
	messages []datatypes.Message,
	track *requestTrack,
) {
	span := track.span
	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpointChat, success)
		}
	}()

	track.advance(stateProviderCalled)
	provCtx, cancel := context.WithTimeout(ctx, config.ProviderTimeout)
	defer cancel()

	result, err := h.client.Chat(provCtx, req.Model, messages, paramsFromRequest(req))
	if err != nil {
		track.advance(stateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider call failed")
		h.logger.Error("Chat completion failed",
			"error", err, "request_id", requestID, "model", req.Model)

		if errors.Is(err, context.Canceled) {
			// Client is gone; nothing to write.
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpointChat, errTypeDisconnect)
			}
			return
		}
		apiErr := datatypes.AsAPIError(err, requestID)
		if apiErr.Type == datatypes.ErrorInternal {
			apiErr = datatypes.NewProviderUnavailable("model provider unavailable")
		}
		writeAPIError(c, span, endpointChat, apiErr, errTypeProvider)
		return
	}
	track.advance(stateCompleted)

	counter := tokencount.ForModel(req.Model)
	usageTotals := usageFor(counter, messages, result)
	resp := datatypes.NewChatCompletionResponse(req.Model, result.Content, result.FinishReason, usageTotals)

	if m := observability.DefaultMetrics; m != nil {
		m.RecordTokens(usageTotals.PromptTokens, usageTotals.CompletionTokens, build.Meta.Tokens, req.Model)
	}

	h.finishExchange(req, authInfo, requestID, build.Meta, result.Content, usageTotals, track)

	c.JSON(http.StatusOK, resp)
	success = true
	track.advance(stateDone)
	span.SetStatus(codes.Ok, "completion served")
}

// =============================================================================
// Shared Helpers
// =============================================================================

// withSystemContext prepends the synthetic system message. An empty build
// output leaves the conversation untouched.
func withSystemContext(messages []datatypes.Message, systemMessage string) []datatypes.Message {
	if systemMessage == "" {
		return messages
	}
	out := make([]datatypes.Message, 0, len(messages)+1)
	out = append(out, datatypes.Message{Role: "system", Content: systemMessage})
	out = append(out, messages...)
	return out
}

// paramsFromRequest maps the wire request onto provider sampling knobs.
func paramsFromRequest(req *datatypes.ChatCompletionRequest) llm.GenerationParams {
	return llm.GenerationParams{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
}

// usageFor prefers provider-reported token counts and falls back to local
// estimation when the provider reported zero.
func usageFor(counter tokencount.Counter, messages []datatypes.Message, result *llm.ChatResult) datatypes.Usage {
	in := result.InputTokens
	if in == 0 {
		for _, m := range messages {
			in += counter.Count(m.Content)
		}
	}
	out := result.OutputTokens
	if out == 0 && result.Content != "" {
		out = counter.Count(result.Content)
	}
	return datatypes.Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
	}
}

// finishExchange runs the post-turn side effects: a non-blocking memory
// enqueue and a detached usage write. Neither can fail the request.
func (h *ChatHandler) finishExchange(
	req *datatypes.ChatCompletionRequest,
	authInfo *auth.AuthInfo,
	requestID string,
	meta datatypes.ContextMetadata,
	assistantMsg string,
	usageTotals datatypes.Usage,
	track *requestTrack,
) {
	if h.pipeline != nil {
		enqueued := h.pipeline.Enqueue(&memory.Exchange{
			TenantID:     authInfo.TenantID,
			SessionID:    req.SessionID,
			UserID:       req.User,
			RequestID:    requestID,
			Model:        req.Model,
			UserMsg:      req.LastUserPrompt(),
			AssistantMsg: assistantMsg,
			InputTokens:  usageTotals.PromptTokens,
			OutputTokens: usageTotals.CompletionTokens,
			ContextMeta:  meta,
		})
		if enqueued {
			track.advance(stateMemoryEnqueued)
		}
	} else if m := observability.DefaultMetrics; m != nil {
		m.RecordMemoryDrop("unwired")
	}

	if h.tracker == nil {
		return
	}
	// The response must not wait on the usage row; record on a detached
	// context that survives the request.
	entry := usage.Entry{
		TenantID:        authInfo.TenantID,
		UserID:          req.User,
		SessionID:       req.SessionID,
		RequestID:       requestID,
		Model:           req.Model,
		KnowledgeTokens: meta.Tokens,
		InputTokens:     usageTotals.PromptTokens,
		OutputTokens:    usageTotals.CompletionTokens,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := h.tracker.Record(ctx, entry); err != nil {
			h.logger.Error("Usage record failed",
				"error", err, "request_id", entry.RequestID, "tenant_id", entry.TenantID)
			return
		}
		track.advance(stateUsageLogged)
	}()
}

// rejectInvalid answers 400 with the envelope and records the validation
// failure on span and metrics.
func rejectInvalid(c *gin.Context, span trace.Span, endpoint, message string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "validation failed")
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, errTypeValidation)
		m.RecordRequest(endpoint, false)
	}
	apiErr := datatypes.NewInvalidRequest(message, "")
	c.AbortWithStatusJSON(apiErr.HTTPStatus(), apiErr.Envelope())
}

// writeAPIError answers with the envelope for an already-classified error.
func writeAPIError(c *gin.Context, span trace.Span, endpoint string, apiErr *datatypes.APIError, errType string) {
	span.SetStatus(codes.Error, string(apiErr.Type))
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, errType)
	}
	c.AbortWithStatusJSON(apiErr.HTTPStatus(), apiErr.Envelope())
}
