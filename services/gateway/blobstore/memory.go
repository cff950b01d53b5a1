// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package blobstore

import (
	"context"
	"fmt"
	"sync"
)

// MemStore keeps payloads in process memory. It backs tests and
// single-node development where no bucket is configured.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

// Store keeps a copy of the payload and returns a mem:// URI.
func (s *MemStore) Store(_ context.Context, tenantID, objectID string, data []byte) (string, error) {
	if tenantID == "" || objectID == "" {
		return "", fmt.Errorf("tenant id and object id are required")
	}
	uri := "mem://" + ObjectKey(tenantID, objectID)

	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.blobs[uri] = buf
	s.mu.Unlock()
	return uri, nil
}

// Fetch returns the stored payload for a mem:// URI.
func (s *MemStore) Fetch(_ context.Context, uri string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[uri]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Len reports how many payloads are stored.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
