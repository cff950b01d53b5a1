// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGateway/services/gateway/auth"
	"github.com/AleutianAI/AleutianGateway/services/gateway/contextbuilder"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/handlers"
	"github.com/AleutianAI/AleutianGateway/services/gateway/jobs"
	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
	"github.com/AleutianAI/AleutianGateway/services/gateway/ratelimit"
	"github.com/AleutianAI/AleutianGateway/services/gateway/vectorstore"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type stubLLM struct{}

func (stubLLM) Generate(context.Context, string, llm.GenerationParams) (string, error) {
	return "stub", nil
}

func (stubLLM) Chat(context.Context, string, []datatypes.Message, llm.GenerationParams) (*llm.ChatResult, error) {
	return &llm.ChatResult{Content: "stub", FinishReason: "stop"}, nil
}

func (stubLLM) ChatStream(_ context.Context, _ string, _ []datatypes.Message, _ llm.GenerationParams, callback llm.StreamCallback) (*llm.ChatResult, error) {
	_ = callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: "stub"})
	return &llm.ChatResult{Content: "stub", FinishReason: "stop"}, nil
}

func (stubLLM) Models(context.Context) ([]string, error) { return []string{"stub-model"}, nil }

func (stubLLM) DefaultModel() string { return "stub-model" }

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (stubEmbedder) Dimension(context.Context) (int, error) { return 2, nil }

func (stubEmbedder) ModelName() string { return "stub-embed" }

type stubVectors struct{}

func (stubVectors) Upsert(context.Context, []vectorstore.Point) error { return nil }

func (stubVectors) Query(context.Context, vectorstore.Query) ([]vectorstore.Match, error) {
	return nil, nil
}

func (stubVectors) SetArchived(context.Context, string, string, bool) error { return nil }

func (stubVectors) Delete(context.Context, string) (bool, error) { return true, nil }

func (stubVectors) DeleteByObjectID(context.Context, string, string) error { return nil }

func (stubVectors) Statistics(context.Context) (*vectorstore.Stats, error) {
	return &vectorstore.Stats{}, nil
}

func (stubVectors) Ready(context.Context) error { return nil }

type stubBuilder struct{}

func (stubBuilder) Build(context.Context, contextbuilder.Input) *contextbuilder.Result {
	return &contextbuilder.Result{}
}

type stubAuth struct{}

func (stubAuth) Validate(_ context.Context, key string) (*auth.AuthInfo, error) {
	if key == "" {
		return nil, auth.ErrUnauthenticated
	}
	return &auth.AuthInfo{TenantID: "tenant-1", APIKeyID: "key-1", Plan: datatypes.PlanSubscription}, nil
}

type stubHealthStore struct{}

func (stubHealthStore) Ping(context.Context) error { return nil }

func (stubHealthStore) SchemaVersion(context.Context) (int64, error) {
	return knowledge.LatestSchemaVersion(), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeps() Deps {
	logger := quietLogger()
	store := knowledge.NewStore(nil, logger)
	vectors := stubVectors{}
	client := llm.LLMClient(stubLLM{})
	embedder := llm.EmbeddingProvider(stubEmbedder{})

	discovery := jobs.NewDiscovery(store, vectors, nil, 0, logger)
	summarizer := jobs.NewSummarizer(store, vectors, embedder, client, "", nil, nil, logger)

	return Deps{
		Chat:      handlers.NewChatHandler(client, embedder, stubBuilder{}, nil, nil, logger),
		Knowledge: handlers.NewKnowledgeHandler(store, vectors, embedder, nil, 0, logger),
		Jobs:      handlers.NewJobsHandler(discovery, summarizer, store, logger),
		Health:    handlers.NewHealthHandler(stubHealthStore{}, vectors, nil, "stub", "stub-embed", logger),
		Auth:      stubAuth{},
		Limiter:   ratelimit.NewRedisLimiter(nil, logger),
		ChatTier:  ratelimit.Tier{Name: ratelimit.TierChat, PerMinute: 600, Burst: 1200},
		JobsTier:  ratelimit.Tier{Name: ratelimit.TierJobs, PerMinute: 600, Burst: 1200},
	}
}

// ============================================================================
// Route Table Tests
// ============================================================================

func TestSetupRoutes_RegistersExpectedRoutes(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps())

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/v1/models"},
		{"POST", "/v1/chat/completions"},
		{"GET", "/v1/chat/ws"},
		{"POST", "/v1/embeddings"},
		{"GET", "/v1/knowledge/search"},
		{"POST", "/v1/knowledge/objects"},
		{"GET", "/v1/knowledge/objects"},
		{"GET", "/v1/knowledge/objects/:id"},
		{"PUT", "/v1/knowledge/objects/:id"},
		{"DELETE", "/v1/knowledge/objects/:id"},
		{"GET", "/v1/knowledge/objects/:id/relationships"},
		{"POST", "/jobs/relationship-discovery"},
		{"POST", "/jobs/session-summarize"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected route %s %s not found", want.method, want.path)
		}
	}
}

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Health endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Metrics endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("Metrics endpoint should return Content-Type header")
	}
}

// ============================================================================
// Middleware Chain Tests
// ============================================================================

func TestSetupRoutes_ChatRequiresAuth(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/chat/completions", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Unauthenticated chat returned %d, want %d", w.Code, http.StatusUnauthorized)
	}

	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("Response is not the error envelope: %v", err)
	}
	if envelope.Error.Type != string(datatypes.ErrorUnauthenticated) {
		t.Errorf("Error type = %q, want %q", envelope.Error.Type, datatypes.ErrorUnauthenticated)
	}
}

func TestSetupRoutes_JobsRequireAuth(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/jobs/session-summarize", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Unauthenticated job trigger returned %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestSetupRoutes_ModelsOpenWithoutAuth(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/models", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Models endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSetupRoutes_RequestIDEchoed(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-Id", "trace-me-123")
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-Id"); got != "trace-me-123" {
		t.Errorf("X-Request-Id = %q, want echo of caller value", got)
	}
}

// ============================================================================
// Nil Safety Tests
// ============================================================================

func TestSetupRoutes_MissingHandler_Panics(t *testing.T) {
	router := gin.New()
	deps := testDeps()
	deps.Chat = nil

	defer func() {
		if recover() == nil {
			t.Error("Expected SetupRoutes to panic with nil chat handler")
		}
	}()
	SetupRoutes(router, deps)
}

func TestSetupRoutes_MissingLimiter_Panics(t *testing.T) {
	router := gin.New()
	deps := testDeps()
	deps.Limiter = nil

	defer func() {
		if recover() == nil {
			t.Error("Expected SetupRoutes to panic with nil limiter")
		}
	}()
	SetupRoutes(router, deps)
}
