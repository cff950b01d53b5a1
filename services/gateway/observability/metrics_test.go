// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics creates a GatewayMetrics instance on a private registry
// so tests never collide with the default registry or each other.
func newTestMetrics(t *testing.T) *GatewayMetrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestRecordRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest("chat", true)
	m.RecordRequest("chat", true)
	m.RecordRequest("chat", false)

	successVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "success"))
	if successVal != 2 {
		t.Errorf("RequestsTotal[chat,success] = %f, want 2", successVal)
	}
	errorVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "error"))
	if errorVal != 1 {
		t.Errorf("RequestsTotal[chat,error] = %f, want 1", errorVal)
	}
}

func TestRecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError("chat", "rate_limited")
	m.RecordError("chat", "rate_limited")

	val := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat", "rate_limited"))
	if val != 2 {
		t.Errorf("ErrorsTotal[chat,rate_limited] = %f, want 2", val)
	}
}

func TestRecordTokens(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTokens(100, 50, 900, "gpt-4o")
	m.RecordTokens(20, 10, 100, "gpt-4o")

	inputVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("input", "gpt-4o"))
	if inputVal != 120 {
		t.Errorf("TokensTotal[input,gpt-4o] = %f, want 120", inputVal)
	}
	outputVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("output", "gpt-4o"))
	if outputVal != 60 {
		t.Errorf("TokensTotal[output,gpt-4o] = %f, want 60", outputVal)
	}
	contextVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("context", "gpt-4o"))
	if contextVal != 1000 {
		t.Errorf("TokensTotal[context,gpt-4o] = %f, want 1000", contextVal)
	}
}

func TestStreamLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted("sse")
	m.StreamStarted("sse")
	m.StreamEnded("sse")

	val := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("sse"))
	if val != 1 {
		t.Errorf("ActiveStreams[sse] = %f, want 1", val)
	}

	m.StreamEnded("sse")
	val = testutil.ToFloat64(m.ActiveStreams.WithLabelValues("sse"))
	if val != 0 {
		t.Errorf("ActiveStreams[sse] after all ends = %f, want 0", val)
	}
}

func TestRecordContextBuild(t *testing.T) {
	m := newTestMetrics(t)

	// A full build observes latency but never bumps the degradation counter.
	m.RecordContextBuild("none", 0.3, 8)
	noneVal := testutil.ToFloat64(m.ContextDegradedTotal.WithLabelValues("none"))
	if noneVal != 0 {
		t.Errorf("ContextDegradedTotal[none] = %f, want 0", noneVal)
	}

	m.RecordContextBuild("state_only", 5.1, 0)
	m.RecordContextBuild("empty", 10.0, 0)

	stateVal := testutil.ToFloat64(m.ContextDegradedTotal.WithLabelValues("state_only"))
	if stateVal != 1 {
		t.Errorf("ContextDegradedTotal[state_only] = %f, want 1", stateVal)
	}
	emptyVal := testutil.ToFloat64(m.ContextDegradedTotal.WithLabelValues("empty"))
	if emptyVal != 1 {
		t.Errorf("ContextDegradedTotal[empty] = %f, want 1", emptyVal)
	}

	if count := testutil.CollectAndCount(m.ContextBuildSeconds); count == 0 {
		t.Error("expected ContextBuildSeconds observations to be collected")
	}
}

func TestMemoryCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.MemoryEnqueuedTotal.Inc()
	m.MemoryEnqueuedTotal.Inc()
	m.RecordMemoryDrop("queue_full")
	m.RecordMemoryProcessed("success")
	m.RecordMemoryProcessed("duplicate")

	if val := testutil.ToFloat64(m.MemoryEnqueuedTotal); val != 2 {
		t.Errorf("MemoryEnqueuedTotal = %f, want 2", val)
	}
	if val := testutil.ToFloat64(m.MemoryDroppedTotal.WithLabelValues("queue_full")); val != 1 {
		t.Errorf("MemoryDroppedTotal[queue_full] = %f, want 1", val)
	}
	if val := testutil.ToFloat64(m.MemoryProcessedTotal.WithLabelValues("duplicate")); val != 1 {
		t.Errorf("MemoryProcessedTotal[duplicate] = %f, want 1", val)
	}
}

func TestRateLimitCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRateLimitRejection("chat")
	m.RecordRateLimitRejection("jobs")
	m.RateLimitFallbackTotal.Inc()

	if val := testutil.ToFloat64(m.RateLimitRejectedTotal.WithLabelValues("chat")); val != 1 {
		t.Errorf("RateLimitRejectedTotal[chat] = %f, want 1", val)
	}
	if val := testutil.ToFloat64(m.RateLimitFallbackTotal); val != 1 {
		t.Errorf("RateLimitFallbackTotal = %f, want 1", val)
	}
}

func TestUsageAndCacheCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordUsageRecord("written")
	m.RecordUsageRecord("duplicate")
	m.RecordEmbedCache(true)
	m.RecordEmbedCache(false)
	m.RecordEmbedCache(false)

	if val := testutil.ToFloat64(m.UsageRecordsTotal.WithLabelValues("written")); val != 1 {
		t.Errorf("UsageRecordsTotal[written] = %f, want 1", val)
	}
	if val := testutil.ToFloat64(m.EmbedCacheTotal.WithLabelValues("miss")); val != 2 {
		t.Errorf("EmbedCacheTotal[miss] = %f, want 2", val)
	}
}

func TestConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 40)
	for i := 0; i < 20; i++ {
		go func() {
			m.RecordRequest("chat", true)
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		go func() {
			m.StreamStarted("sse")
			m.StreamEnded("sse")
			done <- true
		}()
	}
	for i := 0; i < 40; i++ {
		<-done
	}

	if val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "success")); val != 20 {
		t.Errorf("RequestsTotal[chat,success] = %f, want 20", val)
	}
	if val := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("sse")); val != 0 {
		t.Errorf("ActiveStreams[sse] = %f, want 0", val)
	}
}
