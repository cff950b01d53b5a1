// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedcache

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

// CachedProvider wraps an embedding provider with the cache. It
// implements llm.EmbeddingProvider, so callers cannot tell a cached
// provider from a direct one.
type CachedProvider struct {
	inner llm.EmbeddingProvider
	cache *Cache
}

// NewCachedProvider layers the cache in front of a provider.
func NewCachedProvider(inner llm.EmbeddingProvider, cache *Cache) *CachedProvider {
	return &CachedProvider{inner: inner, cache: cache}
}

// Embed returns one vector per input text, serving hits from the cache
// and calling the provider only for the misses.
//
// # Description
//
// Cache reads and writes are best-effort. A failed read counts as a
// miss; a failed write is logged and dropped. The provider is the
// source of truth either way, so cache trouble costs latency and
// money, never correctness.
func (p *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	model := p.inner.ModelName()
	vectors := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		vector, err := p.cache.Get(ctx, model, text)
		if err != nil {
			slog.Warn("Embedding cache read failed, treating as miss", "error", err)
		}
		if m := observability.DefaultMetrics; m != nil {
			m.RecordEmbedCache(vector != nil)
		}
		if vector != nil {
			vectors[i] = vector
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return vectors, nil
	}

	fresh, err := p.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	for j, i := range missIdx {
		vectors[i] = fresh[j]
		if putErr := p.cache.Put(ctx, model, texts[i], fresh[j]); putErr != nil {
			slog.Warn("Embedding cache write failed", "error", putErr)
		}
	}
	return vectors, nil
}

// Dimension reports the provider's vector width.
func (p *CachedProvider) Dimension(ctx context.Context) (int, error) {
	return p.inner.Dimension(ctx)
}

// ModelName reports the provider's model identifier.
func (p *CachedProvider) ModelName() string {
	return p.inner.ModelName()
}
