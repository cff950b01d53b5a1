// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth validates API keys and resolves them to tenants.
//
// # Description
//
// Keys are opaque bearer tokens; only their sha256 hash is ever stored,
// so validation is a lookup by hash. A small in-process TTL cache keeps
// the hot path off the database, and last_used_at updates happen
// asynchronously, throttled to once per minute per key, because an
// auth check must never wait on a bookkeeping write.
//
// # Error Semantics
//
// ErrUnauthenticated means the caller presented nothing or something
// unknown (401). ErrPermissionDenied means the key is real but the key
// or its tenant has been deactivated (403). Callers must not collapse
// the two; the distinction is what lets operators tell a revoked
// integration from a misconfigured one.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
)

// Sentinel errors for the two failure classes.
var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrPermissionDenied = errors.New("permission denied")
)

const (
	// cacheTTL bounds how long a validated key skips the database.
	// Revocation therefore takes effect within this window.
	cacheTTL = 60 * time.Second

	// touchInterval throttles last_used_at writes per key.
	touchInterval = time.Minute

	// keyPrefix marks gateway-issued keys so they are recognizable in
	// config files and secret stores.
	keyPrefix = "alk_"
)

// AuthInfo identifies an authenticated caller.
type AuthInfo struct {
	TenantID string
	APIKeyID string
	Plan     datatypes.Plan

	// TokenBudget is the tenant's context budget override; 0 means the
	// process default applies.
	TokenBudget int
}

// Authenticator validates presented API keys.
type Authenticator interface {
	// Validate resolves a plaintext key to the caller it identifies.
	// Returns ErrUnauthenticated for blank/unknown keys and
	// ErrPermissionDenied for deactivated keys or tenants.
	Validate(ctx context.Context, presentedKey string) (*AuthInfo, error)
}

// =============================================================================
// Key Helpers
// =============================================================================

// HashKey returns the hex sha256 of a plaintext key. This is the only
// representation that ever reaches storage or logs.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey mints a new plaintext API key and its storable hash. The
// plaintext is shown to the operator exactly once and never persisted.
func GenerateKey() (plaintext, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate key material: %w", err)
	}
	plaintext = keyPrefix + hex.EncodeToString(buf)
	return plaintext, HashKey(plaintext), nil
}

// =============================================================================
// Store-backed Authenticator
// =============================================================================

type cacheEntry struct {
	info    AuthInfo
	expires time.Time
}

// keyAuthenticator validates keys against the knowledge store.
type keyAuthenticator struct {
	store  *knowledge.Store
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	touchMu sync.Mutex
	touched map[string]time.Time
}

// NewAuthenticator builds the store-backed authenticator.
func NewAuthenticator(store *knowledge.Store, logger *slog.Logger) Authenticator {
	if store == nil {
		panic("auth: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &keyAuthenticator{
		store:   store,
		logger:  logger,
		cache:   make(map[string]cacheEntry),
		touched: make(map[string]time.Time),
	}
}

// Validate implements Authenticator.
//
// # Description
//
// Hashes the presented key, consults the cache, and otherwise resolves
// key and tenant through the store. Only fully-valid results are cached;
// denials always re-check so a reactivated key works immediately.
func (a *keyAuthenticator) Validate(ctx context.Context, presentedKey string) (*AuthInfo, error) {
	if presentedKey == "" {
		return nil, ErrUnauthenticated
	}
	keyHash := HashKey(presentedKey)

	if info, ok := a.cached(keyHash); ok {
		a.touchAsync(info.APIKeyID)
		return info, nil
	}

	key, err := a.store.Tenants.GetAPIKeyByHash(ctx, nil, keyHash)
	if err != nil {
		return nil, fmt.Errorf("look up api key: %w", err)
	}
	if key == nil {
		// Hash prefix only; the full hash would let log readers replay
		// lookups against the table.
		a.logger.Debug("Rejected unknown api key", "key_hash_prefix", keyHash[:8])
		return nil, ErrUnauthenticated
	}
	if !key.Active {
		return nil, fmt.Errorf("api key %s is deactivated: %w", key.ID, ErrPermissionDenied)
	}

	tenant, err := a.store.Tenants.GetTenant(ctx, nil, key.TenantID)
	if err != nil {
		return nil, fmt.Errorf("look up tenant: %w", err)
	}
	if tenant == nil {
		a.logger.Error("API key references missing tenant", "api_key_id", key.ID, "tenant_id", key.TenantID)
		return nil, ErrUnauthenticated
	}
	if !tenant.Active {
		return nil, fmt.Errorf("tenant %s is deactivated: %w", tenant.ID, ErrPermissionDenied)
	}

	info := AuthInfo{
		TenantID:    tenant.ID,
		APIKeyID:    key.ID,
		Plan:        tenant.Plan,
		TokenBudget: tenant.TokenBudget,
	}
	a.storeCache(keyHash, info)
	a.touchAsync(key.ID)
	return &info, nil
}

func (a *keyAuthenticator) cached(keyHash string) (*AuthInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.cache[keyHash]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	info := entry.info
	return &info, true
}

func (a *keyAuthenticator) storeCache(keyHash string, info AuthInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[keyHash] = cacheEntry{info: info, expires: time.Now().Add(cacheTTL)}
}

// touchAsync updates last_used_at in the background, at most once per
// touchInterval per key. Failures are logged and dropped.
func (a *keyAuthenticator) touchAsync(keyID string) {
	a.touchMu.Lock()
	last, seen := a.touched[keyID]
	now := time.Now()
	if seen && now.Sub(last) < touchInterval {
		a.touchMu.Unlock()
		return
	}
	a.touched[keyID] = now
	a.touchMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.Tenants.TouchKeyLastUsed(ctx, nil, keyID, now); err != nil {
			a.logger.Warn("Failed to update key last_used_at", "api_key_id", keyID, "error", err)
		}
	}()
}
