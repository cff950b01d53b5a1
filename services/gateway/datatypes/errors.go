// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"net/http"
)

// ErrorType classifies a failure for the wire envelope and status mapping.
type ErrorType string

const (
	ErrorInvalidRequest      ErrorType = "INVALID_REQUEST"
	ErrorUnauthenticated     ErrorType = "UNAUTHENTICATED"
	ErrorPermissionDenied    ErrorType = "PERMISSION_DENIED"
	ErrorRateLimited         ErrorType = "RATE_LIMITED"
	ErrorNotFound            ErrorType = "NOT_FOUND"
	ErrorProviderUnavailable ErrorType = "PROVIDER_UNAVAILABLE"
	ErrorStoreUnavailable    ErrorType = "STORE_UNAVAILABLE"
	ErrorInternal            ErrorType = "INTERNAL"
)

// APIError is the error surfaced to callers. It travels inside the
// {"error": {...}} envelope for non-streaming responses and inside SSE
// `error` events once streaming headers are out.
type APIError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
}

// ErrorEnvelope wraps an APIError for JSON responses.
type ErrorEnvelope struct {
	Error *APIError `json:"error"`
}

func (e *APIError) Error() string {
	return string(e.Type) + ": " + e.Message
}

// HTTPStatus maps the error type to its response status code.
func (e *APIError) HTTPStatus() int {
	switch e.Type {
	case ErrorInvalidRequest:
		return http.StatusBadRequest
	case ErrorUnauthenticated:
		return http.StatusUnauthorized
	case ErrorPermissionDenied:
		return http.StatusForbidden
	case ErrorNotFound:
		return http.StatusNotFound
	case ErrorRateLimited:
		return http.StatusTooManyRequests
	case ErrorProviderUnavailable, ErrorStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Envelope returns the wire form of the error.
func (e *APIError) Envelope() ErrorEnvelope {
	return ErrorEnvelope{Error: e}
}

func NewInvalidRequest(message, param string) *APIError {
	return &APIError{Type: ErrorInvalidRequest, Message: message, Param: param}
}

func NewUnauthenticated(message string) *APIError {
	return &APIError{Type: ErrorUnauthenticated, Message: message}
}

func NewPermissionDenied(message string) *APIError {
	return &APIError{Type: ErrorPermissionDenied, Message: message}
}

func NewRateLimited(message string) *APIError {
	return &APIError{Type: ErrorRateLimited, Message: message}
}

func NewNotFound(message string) *APIError {
	return &APIError{Type: ErrorNotFound, Message: message}
}

func NewProviderUnavailable(message string) *APIError {
	return &APIError{Type: ErrorProviderUnavailable, Message: message}
}

func NewStoreUnavailable(message string) *APIError {
	return &APIError{Type: ErrorStoreUnavailable, Message: message}
}

// NewInternal hides the underlying cause from the caller; the correlation
// id lets operators find the logged detail.
func NewInternal(correlationID string) *APIError {
	return &APIError{
		Type:    ErrorInternal,
		Message: "internal error",
		Code:    correlationID,
	}
}

// AsAPIError extracts an *APIError from an error chain, or wraps the error
// as INTERNAL with the given correlation id.
func AsAPIError(err error, correlationID string) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewInternal(correlationID)
}
