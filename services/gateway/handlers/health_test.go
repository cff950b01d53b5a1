// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the health endpoint

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStoreProber struct {
	pingErr       error
	schemaVersion int64
	schemaErr     error
}

func (f *fakeStoreProber) Ping(context.Context) error { return f.pingErr }

func (f *fakeStoreProber) SchemaVersion(context.Context) (int64, error) {
	return f.schemaVersion, f.schemaErr
}

type fakeIndexProber struct {
	readyErr error
}

func (f *fakeIndexProber) Ready(context.Context) error { return f.readyErr }

func serveHealth(t *testing.T, h *HealthHandler) (*httptest.ResponseRecorder, HealthStatus) {
	t.Helper()
	router := gin.New()
	router.GET("/health", h.HandleHealth)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	return w, status
}

// =============================================================================
// HandleHealth Tests
// =============================================================================

func TestHandleHealth_AllComponentsUp(t *testing.T) {
	h := NewHealthHandler(
		&fakeStoreProber{schemaVersion: 4},
		&fakeIndexProber{},
		nil,
		"ollama", "openai",
		quietLogger(),
	)

	w, status := serveHealth(t, h)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, ServiceVersion, status.Version)
	assert.Equal(t, int64(4), status.SchemaVersion)
	assert.Equal(t, "ok", status.Components["postgres"])
	assert.Equal(t, "ok", status.Components["weaviate"])
	assert.Equal(t, "skipped", status.Components["redis"])
	assert.Equal(t, "ollama", status.Components["provider"])
	assert.Equal(t, "openai", status.Components["embedder"])
}

func TestHandleHealth_DegradedWhenDatabaseDown(t *testing.T) {
	h := NewHealthHandler(
		&fakeStoreProber{pingErr: errors.New("connection refused"), schemaErr: errors.New("no table")},
		&fakeIndexProber{},
		nil,
		"ollama", "openai",
		quietLogger(),
	)

	w, status := serveHealth(t, h)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "unreachable", status.Components["postgres"])
	assert.Equal(t, "ok", status.Components["weaviate"])
	assert.Zero(t, status.SchemaVersion)
}

func TestHandleHealth_DegradedWhenIndexDown(t *testing.T) {
	h := NewHealthHandler(
		&fakeStoreProber{schemaVersion: 4},
		&fakeIndexProber{readyErr: errors.New("weaviate not ready")},
		nil,
		"ollama", "openai",
		quietLogger(),
	)

	w, status := serveHealth(t, h)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "unreachable", status.Components["weaviate"])
}

func TestHandleHealth_ProbesRedisWhenConfigured(t *testing.T) {
	// A client pointed at a closed port fails the probe immediately.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	h := NewHealthHandler(
		&fakeStoreProber{schemaVersion: 4},
		&fakeIndexProber{},
		client,
		"ollama", "openai",
		quietLogger(),
	)

	w, status := serveHealth(t, h)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "unreachable", status.Components["redis"])
}

func TestHandleHealth_JSONContentType(t *testing.T) {
	h := NewHealthHandler(&fakeStoreProber{}, &fakeIndexProber{}, nil, "ollama", "openai", quietLogger())

	router := gin.New()
	router.GET("/health", h.HandleHealth)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
}
