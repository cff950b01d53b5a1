// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements the WebSocket chat bridge. One connection carries a
// sequence of chat requests, one JSON request per text message, each
// answered with the same context/chunk/done/error frames the SSE path
// emits. The frames travel as JSON text messages; keepalives use WebSocket
// ping control frames instead of SSE comments.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGateway/services/gateway/auth"
	"github.com/AleutianAI/AleutianGateway/services/gateway/contextbuilder"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
)

// wsWriteTimeout bounds one frame write; a stuck client is a dead client.
const wsWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bearer token is the access control; origin policy is the
	// deployment proxy's concern, same as for SSE.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// =============================================================================
// Frame Writer
// =============================================================================

// wsFrameWriter adapts a WebSocket connection to the stream frame
// protocol. Frames are JSON text messages carrying the same hash chain as
// the SSE wire format.
type wsFrameWriter struct {
	conn     *websocket.Conn
	prevHash string
	mu       sync.Mutex
}

func newWSFrameWriter(conn *websocket.Conn) *wsFrameWriter {
	return &wsFrameWriter{conn: conn}
}

func (w *wsFrameWriter) writeFrame(frame datatypes.StreamFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame.Id = uuid.New().String()
	frame.CreatedAt = time.Now().UnixMilli()
	frame.PrevHash = w.prevHash
	frame.Hash = wsFrameHash(frame)
	w.prevHash = frame.Hash

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// wsFrameHash mirrors the SSE hash input so a client can verify either
// transport with the same code.
func wsFrameHash(frame datatypes.StreamFrame) string {
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
		frame.Id, frame.Type, frame.CreatedAt, frame.PrevHash,
		frame.SessionID, frame.Error, payloadJSON)
	sum := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(sum[:])
}

func (w *wsFrameWriter) WriteContext(meta *datatypes.ContextMetadata) error {
	return w.writeFrame(datatypes.StreamFrame{Type: "context", Context: meta})
}

func (w *wsFrameWriter) WriteChunk(chunk *datatypes.ChatCompletionChunk) error {
	return w.writeFrame(datatypes.StreamFrame{Type: "chunk", Chunk: chunk})
}

func (w *wsFrameWriter) WriteDone(sessionID string, usage *datatypes.Usage) error {
	return w.writeFrame(datatypes.StreamFrame{Type: "done", SessionID: sessionID, Usage: usage})
}

func (w *wsFrameWriter) WriteError(errMsg string) error {
	return w.writeFrame(datatypes.StreamFrame{Type: "error", Error: errMsg})
}

// WriteKeepAlive sends a ping control frame; like SSE comments, pings are
// outside the hash chain.
func (w *wsFrameWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

var _ SSEWriter = (*wsFrameWriter)(nil)

// =============================================================================
// Handler
// =============================================================================

// HandleChatWS serves GET /v1/chat/ws.
//
// # Description
//
// Upgrades the connection and then loops: read one JSON chat request,
// stream the frames back, wait for the next request. Requests are served
// sequentially per connection; each gets its own request id, span, and
// usage row. A malformed request is answered with an `error` frame and the
// connection stays open; a read failure ends the loop.
//
// # Inputs
//
//   - c: Gin context. Auth middleware has already validated the bearer.
func (h *ChatHandler) HandleChatWS(c *gin.Context) {
	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		apiErr := datatypes.NewUnauthenticated("missing or invalid API key")
		c.AbortWithStatusJSON(apiErr.HTTPStatus(), apiErr.Envelope())
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own HTTP error.
		h.logger.Warn("WebSocket upgrade failed",
			"error", err, "request_id", middleware.GetRequestID(c))
		return
	}
	defer conn.Close()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted("websocket")
		defer m.StreamEnded("websocket")
	}

	connectionID := middleware.GetRequestID(c)
	h.logger.Info("WebSocket session opened",
		"connection_id", connectionID, "tenant_id", authInfo.TenantID)

	for {
		msgType, data, readErr := conn.ReadMessage()
		if readErr != nil {
			if websocket.IsUnexpectedCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("WebSocket closed unexpectedly",
					"error", readErr, "connection_id", connectionID)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.serveWSRequest(c, conn, data, authInfo, connectionID)
	}
}

// serveWSRequest handles one chat request read off the connection.
func (h *ChatHandler) serveWSRequest(
	c *gin.Context,
	conn *websocket.Conn,
	data []byte,
	authInfo *auth.AuthInfo,
	connectionID string,
) {
	startTime := time.Now()
	requestID := uuid.New().String()
	writer := newWSFrameWriter(conn)

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatWS")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("ws.connection_id", connectionID),
		attribute.String("tenant.id", authInfo.TenantID),
	)
	track := &requestTrack{requestID: requestID, span: span, logger: h.logger}

	var req datatypes.ChatCompletionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed request")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpointChatWS, errTypeValidation)
		}
		_ = writer.WriteError("malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpointChatWS, errTypeValidation)
		}
		_ = writer.WriteError(err.Error())
		return
	}
	req.EnsureDefaults()

	build := h.builder.Build(ctx, contextbuilder.Input{
		TenantID:       authInfo.TenantID,
		SessionID:      req.SessionID,
		Prompt:         req.LastUserPrompt(),
		Model:          req.Model,
		BudgetOverride: authInfo.TokenBudget,
	})
	track.advance(stateContextBuilt)

	messages := withSystemContext(req.Messages, build.SystemMessage)

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpointChatWS, success)
			m.RecordStreamDuration(endpointChatWS, time.Since(startTime).Seconds(), success)
		}
	}()

	h.runStream(ctx, writer, "websocket", &req, authInfo, requestID, build, messages, startTime, track, &success)
}
