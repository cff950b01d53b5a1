// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// =============================================================================
// StreamProcessor Tests
// =============================================================================

// TestDefaultStreamProcessor_ProcessDelta_ContentToken tests basic content
// token processing.
//
// # Description
//
// Verifies that DefaultStreamProcessor forwards answer fragments as
// StreamEventToken events and keeps accounting.
func TestDefaultStreamProcessor_ProcessDelta_ContentToken(t *testing.T) {
	t.Parallel()

	processor := NewDefaultStreamProcessor(DefaultStreamConfig(), nil)

	var receivedEvent StreamEvent
	callback := func(event StreamEvent) error {
		receivedEvent = event
		return nil
	}

	done, err := processor.ProcessDelta(context.Background(), StreamDelta{Content: "Hello"}, callback)

	if err != nil {
		t.Fatalf("ProcessDelta returned error: %v", err)
	}
	if done {
		t.Error("ProcessDelta returned done=true for non-final delta")
	}
	if receivedEvent.Type != StreamEventToken {
		t.Errorf("Expected StreamEventToken, got %v", receivedEvent.Type)
	}
	if receivedEvent.Content != "Hello" {
		t.Errorf("Expected content 'Hello', got '%s'", receivedEvent.Content)
	}
	if processor.GetTokenCount() != 1 {
		t.Errorf("Expected token count 1, got %d", processor.GetTokenCount())
	}
	if processor.GetResponseLength() != 5 {
		t.Errorf("Expected response length 5, got %d", processor.GetResponseLength())
	}
	if !processor.Forwarded() {
		t.Error("Forwarded should be true after a forwarded token")
	}
}

// TestDefaultStreamProcessor_ProcessDelta_ThinkingToken tests thinking
// token processing when redaction is off.
func TestDefaultStreamProcessor_ProcessDelta_ThinkingToken(t *testing.T) {
	t.Parallel()

	processor := NewDefaultStreamProcessor(StreamConfig{RedactThinking: false}, nil)

	var receivedEvent StreamEvent
	callback := func(event StreamEvent) error {
		receivedEvent = event
		return nil
	}

	done, err := processor.ProcessDelta(context.Background(), StreamDelta{Thinking: "Let me think about this..."}, callback)

	if err != nil {
		t.Fatalf("ProcessDelta returned error: %v", err)
	}
	if done {
		t.Error("ProcessDelta returned done=true for non-final delta")
	}
	if receivedEvent.Type != StreamEventThinking {
		t.Errorf("Expected StreamEventThinking, got %v", receivedEvent.Type)
	}
	if receivedEvent.Content != "Let me think about this..." {
		t.Errorf("Expected thinking content, got '%s'", receivedEvent.Content)
	}
}

// TestDefaultStreamProcessor_ProcessDelta_ThinkingRedacted verifies that
// thinking fragments are dropped when RedactThinking is set.
func TestDefaultStreamProcessor_ProcessDelta_ThinkingRedacted(t *testing.T) {
	t.Parallel()

	processor := NewDefaultStreamProcessor(StreamConfig{RedactThinking: true}, nil)

	callbackCalled := false
	callback := func(event StreamEvent) error {
		callbackCalled = true
		return nil
	}

	done, err := processor.ProcessDelta(context.Background(), StreamDelta{Thinking: "Secret thinking..."}, callback)

	if err != nil {
		t.Fatalf("ProcessDelta returned error: %v", err)
	}
	if done {
		t.Error("ProcessDelta returned done=true for non-final delta")
	}
	if callbackCalled {
		t.Error("Callback should not be called when thinking is redacted")
	}
	if processor.Forwarded() {
		t.Error("Redacted thinking must not count as forwarded")
	}
}

// TestDefaultStreamProcessor_ProcessDelta_ErrorDelta verifies that in-band
// provider errors emit StreamEventError and end the stream.
func TestDefaultStreamProcessor_ProcessDelta_ErrorDelta(t *testing.T) {
	t.Parallel()

	processor := NewDefaultStreamProcessor(DefaultStreamConfig(), nil)

	var receivedEvent StreamEvent
	callback := func(event StreamEvent) error {
		receivedEvent = event
		return nil
	}

	done, err := processor.ProcessDelta(context.Background(), StreamDelta{Err: "model not found"}, callback)

	if err == nil {
		t.Fatal("ProcessDelta should return error for delta with error field")
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("Error should contain 'model not found', got: %v", err)
	}
	if !done {
		t.Error("ProcessDelta should return done=true for error deltas")
	}
	if receivedEvent.Type != StreamEventError {
		t.Errorf("Expected StreamEventError, got %v", receivedEvent.Type)
	}
	if receivedEvent.Error != "model not found" {
		t.Errorf("Expected error 'model not found', got '%s'", receivedEvent.Error)
	}
}

// TestDefaultStreamProcessor_ProcessDelta_DoneFlag verifies done handling
// and finish reason capture.
func TestDefaultStreamProcessor_ProcessDelta_DoneFlag(t *testing.T) {
	t.Parallel()

	processor := NewDefaultStreamProcessor(DefaultStreamConfig(), nil)

	callback := func(event StreamEvent) error { return nil }

	done, err := processor.ProcessDelta(context.Background(), StreamDelta{Done: true, FinishReason: "stop"}, callback)

	if err != nil {
		t.Fatalf("ProcessDelta returned error: %v", err)
	}
	if !done {
		t.Error("ProcessDelta should return done=true when delta.Done is true")
	}
	if processor.GetFinishReason() != "stop" {
		t.Errorf("Expected finish reason 'stop', got '%s'", processor.GetFinishReason())
	}
}

// TestDefaultStreamProcessor_ProcessDelta_ResponseLengthLimit verifies that
// content is truncated once MaxResponseLength is reached.
func TestDefaultStreamProcessor_ProcessDelta_ResponseLengthLimit(t *testing.T) {
	t.Parallel()

	processor := NewDefaultStreamProcessor(StreamConfig{MaxResponseLength: 10}, nil)

	var events []StreamEvent
	callback := func(event StreamEvent) error {
		events = append(events, event)
		return nil
	}

	if _, err := processor.ProcessDelta(context.Background(), StreamDelta{Content: "Hello"}, callback); err != nil {
		t.Fatalf("ProcessDelta returned error: %v", err)
	}
	if _, err := processor.ProcessDelta(context.Background(), StreamDelta{Content: " World!"}, callback); err != nil {
		t.Fatalf("ProcessDelta returned error: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Content != "Hello" {
		t.Errorf("First event should be 'Hello', got '%s'", events[0].Content)
	}
	if events[1].Content != " Worl" {
		t.Errorf("Second event should be ' Worl' (truncated), got '%s'", events[1].Content)
	}
	if processor.GetResponseLength() != 10 {
		t.Errorf("Response length should be 10, got %d", processor.GetResponseLength())
	}
	if processor.GetFullResponse() != "Hello Worl" {
		t.Errorf("Full response should be 'Hello Worl', got '%s'", processor.GetFullResponse())
	}
}

// TestDefaultStreamProcessor_ProcessDelta_CallbackError verifies that
// callback errors are propagated and end the stream.
func TestDefaultStreamProcessor_ProcessDelta_CallbackError(t *testing.T) {
	t.Parallel()

	processor := NewDefaultStreamProcessor(DefaultStreamConfig(), nil)

	expectedErr := errors.New("callback failed")
	callback := func(event StreamEvent) error {
		return expectedErr
	}

	done, err := processor.ProcessDelta(context.Background(), StreamDelta{Content: "Hello"}, callback)

	if err == nil {
		t.Fatal("ProcessDelta should propagate callback errors")
	}
	if !errors.Is(err, expectedErr) {
		t.Errorf("Expected wrapped callback error, got: %v", err)
	}
	if !done {
		t.Error("A callback error should end the stream")
	}
}

// TestDefaultStreamProcessor_ProcessDelta_CancelledContext verifies the
// processor stops once the context is cancelled.
func TestDefaultStreamProcessor_ProcessDelta_CancelledContext(t *testing.T) {
	t.Parallel()

	processor := NewDefaultStreamProcessor(DefaultStreamConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	callbackCalled := false
	callback := func(event StreamEvent) error {
		callbackCalled = true
		return nil
	}

	done, err := processor.ProcessDelta(ctx, StreamDelta{Content: "Hello"}, callback)

	if err == nil {
		t.Fatal("ProcessDelta should return the context error")
	}
	if !done {
		t.Error("ProcessDelta should return done=true on cancellation")
	}
	if callbackCalled {
		t.Error("Callback should not run after cancellation")
	}
}
