// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the gin middleware chain for the gateway.
//
// # Description
//
// The chain runs request id → auth → rate limit before any handler.
// Auth resolves the bearer key to an AuthInfo and stores it in the gin
// context; the rate limiter reads it back to key its buckets. Responses
// written here use the same error envelope as the handlers, so a caller
// cannot tell a middleware rejection from a handler rejection.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	RequireAuth
//	   │
//	   ├─► Extract key from "Authorization: Bearer <key>"
//	   │
//	   ├─► authenticator.Validate(ctx, key)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
package middleware

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianGateway/services/gateway/auth"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// =============================================================================
// Context Keys
// =============================================================================

// Keys for values stored in the gin context. Typed-string constants keep
// them from colliding with handler-set values.
const (
	authInfoKey  = "aleutian_auth_info"
	requestIDKey = "aleutian_request_id"
)

// RequestIDHeader is honored when the caller supplies it and echoed on
// every response either way.
const RequestIDHeader = "X-Request-Id"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated caller in the gin context.
func SetAuthInfo(c *gin.Context, info *auth.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated caller, or nil when the route
// skipped auth or validation failed.
func GetAuthInfo(c *gin.Context) *auth.AuthInfo {
	if v, exists := c.Get(authInfoKey); exists {
		if info, ok := v.(*auth.AuthInfo); ok {
			return info
		}
	}
	return nil
}

// GetRequestID returns the request's correlation id. RequestID middleware
// guarantees one exists; routes mounted without it get "".
func GetRequestID(c *gin.Context) string {
	if v, exists := c.Get(requestIDKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// =============================================================================
// Request ID Middleware
// =============================================================================

// RequestID ensures every request carries a correlation id.
//
// # Description
//
// Honors a caller-supplied X-Request-Id so clients can correlate retries
// and replays; generates a uuid otherwise. The id is echoed in the
// response headers and doubles as the usage-log request_id and the
// INTERNAL error correlation code.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

// =============================================================================
// Auth Middleware
// =============================================================================

// RequireAuth authenticates requests against the key store.
//
// # Description
//
// Extracts the bearer key, validates it, and stores the resulting
// AuthInfo for downstream handlers. The two failure classes map onto
// the envelope taxonomy: unknown or blank keys are UNAUTHENTICATED
// (401), deactivated keys or tenants are PERMISSION_DENIED (403). A
// store failure during validation is STORE_UNAVAILABLE (503) because
// the caller's credentials were never actually judged.
//
// # Inputs
//
//   - authenticator: key validator. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: aborts with the error envelope on failure.
func RequireAuth(authenticator auth.Authenticator) gin.HandlerFunc {
	if authenticator == nil {
		panic("middleware: authenticator must not be nil")
	}
	return func(c *gin.Context) {
		key := extractBearerToken(c)

		info, err := authenticator.Validate(c.Request.Context(), key)
		if err != nil {
			apiErr := classifyAuthError(err)
			if apiErr.Type == datatypes.ErrorStoreUnavailable {
				slog.Error("Auth lookup failed",
					"error", err,
					"request_id", GetRequestID(c),
				)
			}
			c.AbortWithStatusJSON(apiErr.HTTPStatus(), apiErr.Envelope())
			return
		}

		SetAuthInfo(c, info)
		c.Next()
	}
}

// classifyAuthError maps authenticator failures to envelope errors.
func classifyAuthError(err error) *datatypes.APIError {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return datatypes.NewUnauthenticated("missing or invalid API key")
	case errors.Is(err, auth.ErrPermissionDenied):
		return datatypes.NewPermissionDenied("API key or tenant is deactivated")
	default:
		return datatypes.NewStoreUnavailable("authentication backend unavailable")
	}
}

// extractBearerToken pulls the key out of the Authorization header.
// The "Bearer" prefix is case-insensitive per RFC 7235; a missing or
// malformed header yields "".
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
