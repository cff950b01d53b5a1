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
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
)

// EmbeddingProvider produces dense vectors for text. Implementations must
// return one vector per input, in input order.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension(ctx context.Context) (int, error)
	ModelName() string
}

// OpenAIEmbedding calls the /embeddings endpoint of OpenAI or any
// compatible provider.
//
// # Description
//
// The vector dimension is discovered lazily by embedding a probe string on
// first use, unless EMBEDDING_DIMENSION pins it. All vectors written to the
// index must share one dimension, so the provider and model are fixed at
// construction.
type OpenAIEmbedding struct {
	client *openai.Client
	model  string

	mu  sync.Mutex
	dim int
}

// EmbeddingConfig configures an OpenAIEmbedding explicitly.
type EmbeddingConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
}

// NewOpenAIEmbedding builds an embedding client from the environment:
// EMBEDDING_API_KEY (falling back to OPENAI_API_KEY and then the container
// secret), EMBEDDING_BASE_URL, EMBEDDING_MODEL, EMBEDDING_DIMENSION.
func NewOpenAIEmbedding() (*OpenAIEmbedding, error) {
	apiKey := os.Getenv("EMBEDDING_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		if content, err := os.ReadFile("/run/secrets/openai_api_key"); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read the embedding API Key from Podman Secrets")
		}
	}
	dim := 0
	if raw := os.Getenv("EMBEDDING_DIMENSION"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("EMBEDDING_DIMENSION must be a positive integer, got %q", raw)
		}
		dim = parsed
	}
	return NewOpenAIEmbeddingWithConfig(EmbeddingConfig{
		APIKey:    apiKey,
		BaseURL:   os.Getenv("EMBEDDING_BASE_URL"),
		Model:     os.Getenv("EMBEDDING_MODEL"),
		Dimension: dim,
	})
}

// NewOpenAIEmbeddingWithConfig builds an embedding client from explicit
// configuration.
func NewOpenAIEmbeddingWithConfig(cfg EmbeddingConfig) (*OpenAIEmbedding, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
		slog.Warn("EMBEDDING_MODEL not set, defaulting to text-embedding-3-small")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	slog.Info("Initializing embedding client", "model", cfg.Model, "base_url", clientCfg.BaseURL)
	return &OpenAIEmbedding{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		dim:    cfg.Dimension,
	}, nil
}

// ModelName returns the embedding model id.
func (e *OpenAIEmbedding) ModelName() string { return e.model }

// Embed returns one vector per input text, in input order.
func (e *OpenAIEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	}

	var resp openai.EmbeddingResponse
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err = e.client.CreateEmbeddings(ctx, req)
		if err == nil {
			break
		}
		if isRetryableError(err) && attempt < maxRetries {
			slog.Debug("Retrying embedding call after transient error",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			time.Sleep(retryDelay(attempt))
			continue
		}
		return nil, fmt.Errorf("embedding call failed: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("embedding call failed: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	// Providers are allowed to reorder; Index restores input order.
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("embedding provider returned an empty vector at index %d", i)
		}
		vectors[i] = d.Embedding
	}

	e.mu.Lock()
	if e.dim == 0 {
		e.dim = len(vectors[0])
	}
	e.mu.Unlock()
	return vectors, nil
}

// Dimension returns the vector width, probing the provider on first call
// when it was not pinned by configuration.
func (e *OpenAIEmbedding) Dimension(ctx context.Context) (int, error) {
	e.mu.Lock()
	cached := e.dim
	e.mu.Unlock()
	if cached > 0 {
		return cached, nil
	}

	vectors, err := e.Embed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	return len(vectors[0]), nil
}
