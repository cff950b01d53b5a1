// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package usage accounts tokens and estimated cost per request.
//
// # Description
//
// Every completed chat request produces exactly one UsageLog row keyed
// by request_id; duplicates are ignored at the store, which is what
// keeps replayed exchanges from double-billing. Cost comes from the
// reloadable pricing table. An optional Influx sink mirrors each row as
// a time-series point; sink failures never affect the request.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
)

var tracer = otel.Tracer("aleutian.gateway.usage")

// Entry is one request's accounting input.
type Entry struct {
	TenantID        string
	UserID          string
	SessionID       string
	RequestID       string
	Model           string
	KnowledgeTokens int
	InputTokens     int
	OutputTokens    int
}

// Summary aggregates a tenant window.
type Summary struct {
	Requests        int64   `json:"requests"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	KnowledgeTokens int64   `json:"knowledge_tokens"`
	Cost            float64 `json:"cost"`
}

// Sink receives usage points after the row is written. Implementations
// must not block; the tracker calls Write inline on the request path's
// detached goroutine.
type Sink interface {
	Write(e Entry, cost float64)
}

// Tracker records and aggregates usage.
type Tracker struct {
	store   *knowledge.Store
	pricing *Pricing
	sink    Sink
	logger  *slog.Logger
}

// NewTracker wires the tracker. sink may be nil.
func NewTracker(store *knowledge.Store, pricing *Pricing, sink Sink, logger *slog.Logger) *Tracker {
	if store == nil {
		panic("usage: store must not be nil")
	}
	if pricing == nil {
		panic("usage: pricing must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, pricing: pricing, sink: sink, logger: logger}
}

// Record writes one usage row.
//
// # Description
//
// Prices the entry, appends the row with conflict-ignore on request_id,
// and mirrors written rows to the sink. Returns an error only for real
// store failures; a duplicate request_id is a success from the caller's
// point of view.
func (t *Tracker) Record(ctx context.Context, e Entry) error {
	ctx, span := tracer.Start(ctx, "UsageRecord")
	defer span.End()

	if e.TenantID == "" || e.RequestID == "" {
		return fmt.Errorf("usage entry requires tenant_id and request_id")
	}

	cost := t.pricing.Cost(e.Model, e.InputTokens, e.OutputTokens)
	row := &datatypes.UsageLog{
		ID:                  uuid.New().String(),
		TenantID:            e.TenantID,
		UserID:              e.UserID,
		SessionID:           e.SessionID,
		RequestID:           e.RequestID,
		Model:               e.Model,
		KnowledgeTokensUsed: e.KnowledgeTokens,
		LLMInputTokens:      e.InputTokens,
		LLMOutputTokens:     e.OutputTokens,
		CostEstimate:        cost,
		Timestamp:           time.Now().UTC(),
	}

	written, err := t.store.Usage.Insert(ctx, nil, row)
	if err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordUsageRecord("error")
		}
		return fmt.Errorf("insert usage row: %w", err)
	}

	if m := observability.DefaultMetrics; m != nil {
		if written {
			m.RecordUsageRecord("written")
		} else {
			m.RecordUsageRecord("duplicate")
		}
	}
	if !written {
		t.logger.Debug("Usage row already recorded", "request_id", e.RequestID)
		return nil
	}

	if t.sink != nil {
		t.sink.Write(e, cost)
	}
	return nil
}

// Aggregate sums a tenant's usage over the trailing window.
func (t *Tracker) Aggregate(ctx context.Context, tenantID string, window time.Duration) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "UsageAggregate")
	defer span.End()

	totals, err := t.store.Usage.AggregateWindow(ctx, nil, tenantID, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	return &Summary{
		Requests:        totals.Requests,
		InputTokens:     totals.InputTokens,
		OutputTokens:    totals.OutputTokens,
		KnowledgeTokens: totals.KnowledgeTokens,
		Cost:            totals.Cost,
	}, nil
}

// WindowSaturated reports whether the tenant has hit either plan-level
// request cap. A cap of 0 means uncapped.
func (t *Tracker) WindowSaturated(ctx context.Context, tenantID string, perMinuteCap, perHourCap int64) (bool, error) {
	now := time.Now().UTC()
	if perMinuteCap > 0 {
		n, err := t.store.Usage.CountSince(ctx, nil, tenantID, now.Add(-time.Minute))
		if err != nil {
			return false, fmt.Errorf("count minute window: %w", err)
		}
		if n >= perMinuteCap {
			return true, nil
		}
	}
	if perHourCap > 0 {
		n, err := t.store.Usage.CountSince(ctx, nil, tenantID, now.Add(-time.Hour))
		if err != nil {
			return false, fmt.Errorf("count hour window: %w", err)
		}
		if n >= perHourCap {
			return true, nil
		}
	}
	return false, nil
}
