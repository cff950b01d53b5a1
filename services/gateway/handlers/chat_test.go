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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGateway/services/gateway/auth"
	"github.com/AleutianAI/AleutianGateway/services/gateway/contextbuilder"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/memory"
	"github.com/AleutianAI/AleutianGateway/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGateway/services/gateway/usage"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

// =============================================================================
// Mocks
// =============================================================================

type mockLLM struct {
	mu           sync.Mutex
	chatMessages []datatypes.Message
	chatResult   *llm.ChatResult
	chatErr      error
	streamEvents []llm.StreamEvent
	models       []string
}

func (m *mockLLM) Generate(context.Context, string, llm.GenerationParams) (string, error) {
	return "", errors.New("not used")
}

func (m *mockLLM) Chat(_ context.Context, _ string, messages []datatypes.Message, _ llm.GenerationParams) (*llm.ChatResult, error) {
	m.mu.Lock()
	m.chatMessages = messages
	m.mu.Unlock()
	if m.chatErr != nil {
		return nil, m.chatErr
	}
	return m.chatResult, nil
}

func (m *mockLLM) ChatStream(_ context.Context, _ string, messages []datatypes.Message, _ llm.GenerationParams, cb llm.StreamCallback) (*llm.ChatResult, error) {
	m.mu.Lock()
	m.chatMessages = messages
	m.mu.Unlock()
	if m.chatErr != nil {
		return nil, m.chatErr
	}
	var content strings.Builder
	for _, ev := range m.streamEvents {
		if err := cb(ev); err != nil {
			return nil, err
		}
		if ev.Type == llm.StreamEventToken {
			content.WriteString(ev.Content)
		}
	}
	return &llm.ChatResult{Content: content.String(), FinishReason: "stop"}, nil
}

func (m *mockLLM) Models(context.Context) ([]string, error) { return m.models, nil }
func (m *mockLLM) DefaultModel() string                     { return "mock-model" }

func (m *mockLLM) sawMessages() []datatypes.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatMessages
}

type mockEmbedder struct{}

func (mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}
func (mockEmbedder) Dimension(context.Context) (int, error) { return 3, nil }
func (mockEmbedder) ModelName() string                      { return "mock-embed" }

type mockBuilder struct {
	result *contextbuilder.Result
	mu     sync.Mutex
	input  contextbuilder.Input
}

func (b *mockBuilder) Build(_ context.Context, in contextbuilder.Input) *contextbuilder.Result {
	b.mu.Lock()
	b.input = in
	b.mu.Unlock()
	return b.result
}

type mockPipeline struct {
	mu        sync.Mutex
	exchanges []*memory.Exchange
	accept    bool
}

func (p *mockPipeline) Enqueue(ex *memory.Exchange) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanges = append(p.exchanges, ex)
	return p.accept
}

func (p *mockPipeline) all() []*memory.Exchange {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*memory.Exchange, len(p.exchanges))
	copy(out, p.exchanges)
	return out
}

type mockTracker struct {
	mu      sync.Mutex
	entries []usage.Entry
}

func (t *mockTracker) Record(_ context.Context, e usage.Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	return nil
}

func (t *mockTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// =============================================================================
// Harness
// =============================================================================

type chatFixture struct {
	llm      *mockLLM
	builder  *mockBuilder
	pipeline *mockPipeline
	tracker  *mockTracker
	router   *gin.Engine
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &chatFixture{
		llm: &mockLLM{
			chatResult: &llm.ChatResult{
				Content:      "pong",
				FinishReason: "stop",
				InputTokens:  12,
				OutputTokens: 3,
			},
			streamEvents: []llm.StreamEvent{
				{Type: llm.StreamEventToken, Content: "po"},
				{Type: llm.StreamEventToken, Content: "ng"},
				{Type: llm.StreamEventDone},
			},
			models: []string{"mock-model"},
		},
		builder: &mockBuilder{result: &contextbuilder.Result{
			SystemMessage: "Relevant knowledge:\n- Paris is the capital of France [src:obj-1]",
			Meta: datatypes.ContextMetadata{
				SourceIDs: []string{"obj-1"},
				Tokens:    14,
			},
		}},
		pipeline: &mockPipeline{accept: true},
		tracker:  &mockTracker{},
	}

	h := NewChatHandler(f.llm, mockEmbedder{}, f.builder, f.pipeline, f.tracker, quietLogger())

	f.router = gin.New()
	f.router.Use(middleware.RequestID())
	f.router.Use(func(c *gin.Context) {
		middleware.SetAuthInfo(c, &auth.AuthInfo{
			TenantID: "tenant-1",
			APIKeyID: "key-1",
			Plan:     datatypes.PlanFree,
		})
	})
	f.router.POST("/v1/chat/completions", h.HandleChatCompletions)
	f.router.GET("/v1/models", h.HandleModels)
	return f
}

func (f *chatFixture) post(t *testing.T, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)
	return w
}

func chatBody(extra map[string]any) map[string]any {
	body := map[string]any{
		"model":      "mock-model",
		"messages":   []map[string]string{{"role": "user", "content": "Hello"}},
		"session_id": "session-1",
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

// =============================================================================
// Blocking Path
// =============================================================================

func TestChatCompletions_HappyPath(t *testing.T) {
	f := newChatFixture(t)
	w := f.post(t, chatBody(nil))
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var resp datatypes.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "pong", resp.Choices[0].Message.Content)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.GreaterOrEqual(t, resp.Usage.TotalTokens, 1)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 3, resp.Usage.CompletionTokens)
}

func TestChatCompletions_ContextPrependedNotMerged(t *testing.T) {
	f := newChatFixture(t)
	w := f.post(t, chatBody(nil))
	require.Equal(t, http.StatusOK, w.Code)

	saw := f.llm.sawMessages()
	require.Len(t, saw, 2)
	assert.Equal(t, "system", saw[0].Role)
	assert.Contains(t, saw[0].Content, "[src:obj-1]")
	// Caller messages stay verbatim after the injection.
	assert.Equal(t, "user", saw[1].Role)
	assert.Equal(t, "Hello", saw[1].Content)

	f.builder.mu.Lock()
	defer f.builder.mu.Unlock()
	assert.Equal(t, "tenant-1", f.builder.input.TenantID)
	assert.Equal(t, "session-1", f.builder.input.SessionID)
	assert.Equal(t, "Hello", f.builder.input.Prompt)
}

func TestChatCompletions_DegradedContextStillSucceeds(t *testing.T) {
	f := newChatFixture(t)
	f.builder.result = &contextbuilder.Result{
		Meta: datatypes.ContextMetadata{Degraded: true, Fallback: "empty"},
	}

	w := f.post(t, chatBody(nil))
	require.Equal(t, http.StatusOK, w.Code)

	// No synthetic system message when the build came back empty.
	saw := f.llm.sawMessages()
	require.Len(t, saw, 1)
	assert.Equal(t, "user", saw[0].Role)
	assert.NotContains(t, w.Body.String(), "[src:")
}

func TestChatCompletions_SideEffects(t *testing.T) {
	f := newChatFixture(t)
	w := f.post(t, chatBody(nil))
	require.Equal(t, http.StatusOK, w.Code)

	exchanges := f.pipeline.all()
	require.Len(t, exchanges, 1)
	ex := exchanges[0]
	assert.Equal(t, "tenant-1", ex.TenantID)
	assert.Equal(t, "session-1", ex.SessionID)
	assert.Equal(t, "Hello", ex.UserMsg)
	assert.Equal(t, "pong", ex.AssistantMsg)
	assert.NotEmpty(t, ex.RequestID)
	assert.Equal(t, []string{"obj-1"}, ex.ContextMeta.SourceIDs)

	// The usage write is detached; give it a moment.
	require.Eventually(t, func() bool { return f.tracker.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestChatCompletions_ProviderFailure(t *testing.T) {
	f := newChatFixture(t)
	f.llm.chatErr = errors.New("connection refused")

	w := f.post(t, chatBody(nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "PROVIDER_UNAVAILABLE", envelope.Error.Type)

	// A failed completion must not reach the memory pipeline.
	assert.Empty(t, f.pipeline.all())
}

// =============================================================================
// Validation
// =============================================================================

func TestChatCompletions_ValidationBoundaries(t *testing.T) {
	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"temperature 0 accepted", chatBody(map[string]any{"temperature": 0.0}), http.StatusOK},
		{"temperature 2 accepted", chatBody(map[string]any{"temperature": 2.0}), http.StatusOK},
		{"temperature above 2 rejected", chatBody(map[string]any{"temperature": 2.01}), http.StatusBadRequest},
		{"negative temperature rejected", chatBody(map[string]any{"temperature": -0.01}), http.StatusBadRequest},
		{"max_tokens 1 accepted", chatBody(map[string]any{"max_tokens": 1}), http.StatusOK},
		{"max_tokens 0 rejected", chatBody(map[string]any{"max_tokens": 0}), http.StatusBadRequest},
		{"empty messages rejected", chatBody(map[string]any{"messages": []map[string]string{}}), http.StatusBadRequest},
		{"blank content rejected", chatBody(map[string]any{"messages": []map[string]string{{"role": "user", "content": ""}}}), http.StatusBadRequest},
		{"blank role rejected", chatBody(map[string]any{"messages": []map[string]string{{"role": "", "content": "hi"}}}), http.StatusBadRequest},
		{"missing model rejected", chatBody(map[string]any{"model": ""}), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newChatFixture(t)
			w := f.post(t, tc.body)
			assert.Equal(t, tc.want, w.Code, "body: %s", w.Body.String())
			if tc.want == http.StatusBadRequest {
				assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
			}
		})
	}
}

// =============================================================================
// Streaming Path
// =============================================================================

func TestChatCompletions_Streaming(t *testing.T) {
	f := newChatFixture(t)
	w := f.post(t, chatBody(map[string]any{"stream": true}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	body := w.Body.String()
	events := map[string]int{}
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events[name]++
		}
	}
	assert.Equal(t, 1, events["context"], "exactly one context frame: %q", body)
	assert.GreaterOrEqual(t, events["chunk"], 1, "at least one chunk frame: %q", body)
	assert.Equal(t, 1, events["done"], "exactly one done frame: %q", body)
	assert.Zero(t, events["error"], "no error frame on success: %q", body)

	// Streaming completion runs the same side effects.
	exchanges := f.pipeline.all()
	require.Len(t, exchanges, 1)
	assert.Equal(t, "pong", exchanges[0].AssistantMsg)
	require.Eventually(t, func() bool { return f.tracker.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestChatCompletions_StreamingProviderFailureIsSSEError(t *testing.T) {
	f := newChatFixture(t)
	f.llm.chatErr = errors.New("upstream hiccup")

	w := f.post(t, chatBody(map[string]any{"stream": true}))
	// Headers are already out; failures ride the stream.
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: error")
	assert.NotContains(t, w.Body.String(), "event: done")
}

// =============================================================================
// Models
// =============================================================================

func TestHandleModels(t *testing.T) {
	f := newChatFixture(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "mock-model", resp.Data[0].ID)
}
