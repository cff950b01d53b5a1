// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/AleutianAI/AleutianGateway/pkg/tokencount"
	"github.com/AleutianAI/AleutianGateway/services/gateway/blobstore"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
	"github.com/AleutianAI/AleutianGateway/services/gateway/vectorstore"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

const (
	// summaryShortCap and summaryBulletsCap bound the two renditions
	// written back to the dialogue state.
	summaryShortCap   = 250
	summaryBulletsCap = 120

	// summaryTurnWindow bounds how many latest turns feed the prompt.
	summaryTurnWindow = 100
)

const summarizationPrompt = `You summarize a chat session for long-term memory.

Return ONLY a JSON object with this exact shape:
{
  "summary": "<concise prose summary of the session so far>",
  "bullets": ["<key fact or decision>", ...]
}

Rules:
- The summary must stand alone for a reader who never saw the session.
- Bullets are durable takeaways (decisions, preferences, open tasks),
  not a play-by-play. At most 8 bullets.
- Keep the summary under 200 words.`

// sessionSummary is the model's parsed output.
type sessionSummary struct {
	Summary string   `json:"summary"`
	Bullets []string `json:"bullets"`
}

// SummaryRecord is the completion record of one summarization run.
type SummaryRecord struct {
	Status         string `json:"status"`
	SessionID      string `json:"session_id"`
	Summary        string `json:"summary,omitempty"`
	MemoryObjectID string `json:"memory_object_id,omitempty"`
	TokensUsed     int    `json:"tokens_used"`
}

// Summarizer condenses a session into a rolling DialogueState summary
// plus an indexed SESSION_MEMORY object.
type Summarizer struct {
	store    *knowledge.Store
	vectors  vectorstore.VectorStore
	embedder llm.EmbeddingProvider
	client   llm.LLMClient
	model    string
	blobs    blobstore.BlobStore
	locks    *knowledge.SessionLocks
	logger   *slog.Logger
}

// NewSummarizer wires the job. blobs may be nil; offloaded RAW turns then
// fall back to their SHORT variants.
func NewSummarizer(
	store *knowledge.Store,
	vectors vectorstore.VectorStore,
	embedder llm.EmbeddingProvider,
	client llm.LLMClient,
	model string,
	blobs blobstore.BlobStore,
	locks *knowledge.SessionLocks,
	logger *slog.Logger,
) *Summarizer {
	if store == nil {
		panic("jobs: store must not be nil")
	}
	if vectors == nil {
		panic("jobs: vector store must not be nil")
	}
	if embedder == nil {
		panic("jobs: embedder must not be nil")
	}
	if client == nil {
		panic("jobs: LLM client must not be nil")
	}
	if model == "" {
		model = client.DefaultModel()
	}
	if locks == nil {
		locks = knowledge.NewSessionLocks()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		client:   client,
		model:    model,
		blobs:    blobs,
		locks:    locks,
		logger:   logger,
	}
}

// Run summarizes one session. A session with no turns returns status
// "empty" without touching anything.
func (s *Summarizer) Run(ctx context.Context, tenantID, sessionID string) (*SummaryRecord, error) {
	ctx, span := tracer.Start(ctx, "SessionSummarization")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("session.id", sessionID),
	)

	turns, err := s.sessionTurns(ctx, tenantID, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn collection failed")
		return nil, err
	}
	if len(turns) == 0 {
		return &SummaryRecord{Status: "empty", SessionID: sessionID}, nil
	}

	transcript, err := s.renderTranscript(ctx, turns)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcript render failed")
		return nil, err
	}

	messages := []datatypes.Message{
		{Role: "system", Content: summarizationPrompt},
		{Role: "user", Content: transcript},
	}
	result, err := s.client.Chat(ctx, s.model, messages, llm.GenerationParams{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "summarization call failed")
		return nil, fmt.Errorf("summarization call failed: %w", err)
	}

	var parsed sessionSummary
	if err := llm.ExtractJSON(result.Content, &parsed); err != nil {
		return nil, fmt.Errorf("summary output unreadable: %w", err)
	}
	if strings.TrimSpace(parsed.Summary) == "" {
		return nil, fmt.Errorf("summary output empty")
	}

	counter := tokencount.ForModel(s.model)
	summaryShort := tokencount.Truncate(counter, strings.TrimSpace(parsed.Summary), summaryShortCap)
	bulletsText := renderSummaryBullets(parsed.Bullets, counter)

	if err := s.writeState(ctx, tenantID, sessionID, summaryShort, bulletsText); err != nil {
		return nil, err
	}

	// SESSION_MEMORY hangs off the latest turn so graph traversal can
	// reach the context it condensed.
	latest := turns[len(turns)-1]
	memoryID, err := s.persistMemoryObject(ctx, tenantID, sessionID, latest, bulletsText, counter)
	if err != nil {
		// State already carries the fresh summary; the memory object is
		// an index artifact the next run recreates.
		s.logger.Warn("Session memory object persist failed",
			"tenant_id", tenantID, "session_id", sessionID, "error", err)
	}

	record := &SummaryRecord{
		Status:         "completed",
		SessionID:      sessionID,
		Summary:        summaryShort,
		MemoryObjectID: memoryID,
		TokensUsed:     result.InputTokens + result.OutputTokens,
	}
	span.SetAttributes(attribute.Int("summary.tokens_used", record.TokensUsed))
	s.logger.Info("Session summarized",
		"tenant_id", tenantID, "session_id", sessionID,
		"turns", len(turns), "tokens_used", record.TokensUsed,
		"memory_object_id", memoryID)
	return record, nil
}

// sessionTurns returns the latest turns in chronological order.
func (s *Summarizer) sessionTurns(ctx context.Context, tenantID, sessionID string) ([]*datatypes.KnowledgeObject, error) {
	// ListBySession returns newest first; reverse for the prompt.
	turns, err := s.store.Objects.ListBySession(ctx, nil, tenantID, sessionID,
		[]datatypes.ObjectType{datatypes.ObjectTurn}, summaryTurnWindow)
	if err != nil {
		return nil, fmt.Errorf("turn listing: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// renderTranscript builds the prompt body: one line per turn, RAW content
// preferred, SHORT when RAW is missing or unreachable.
func (s *Summarizer) renderTranscript(ctx context.Context, turns []*datatypes.KnowledgeObject) (string, error) {
	ids := make([]string, len(turns))
	for i, t := range turns {
		ids[i] = t.ID
	}
	variants, err := s.store.Variants.GetForObjects(ctx, nil, ids)
	if err != nil {
		return "", fmt.Errorf("variant fetch: %w", err)
	}

	var sb strings.Builder
	for _, turn := range turns {
		content := s.turnContent(ctx, variants[turn.ID])
		if content == "" {
			continue
		}
		role := "user"
		if r, ok := turn.Metadata[datatypes.MetaRole].(string); ok && r != "" {
			role = r
		}
		if role == "assistant" {
			sb.WriteString("Assistant: ")
		} else {
			sb.WriteString("User: ")
		}
		sb.WriteString(content)
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no readable turn content")
	}
	return sb.String(), nil
}

// turnContent resolves one turn's text: inline RAW, blob-backed RAW,
// then SHORT.
func (s *Summarizer) turnContent(ctx context.Context, variants []*datatypes.ContentVariant) string {
	var raw, short *datatypes.ContentVariant
	for _, v := range variants {
		switch v.Variant {
		case datatypes.VariantRaw:
			raw = v
		case datatypes.VariantShort:
			short = v
		}
	}
	if raw != nil {
		if raw.Content != nil && *raw.Content != "" {
			return *raw.Content
		}
		if raw.StorageURI != nil && s.blobs != nil {
			data, err := s.blobs.Fetch(ctx, *raw.StorageURI)
			if err == nil {
				return string(data)
			}
			s.logger.Warn("RAW blob fetch failed, using SHORT",
				"uri", *raw.StorageURI, "error", err)
		}
	}
	if short != nil && short.Content != nil {
		return *short.Content
	}
	return ""
}

// writeState updates the rolling summary under the session lock and
// resets the token watermark that drives the summarize trigger.
func (s *Summarizer) writeState(ctx context.Context, tenantID, sessionID, summaryShort, bulletsText string) error {
	unlock := s.locks.Lock(tenantID, sessionID)
	defer unlock()

	state, err := s.store.Dialogue.GetOrCreate(ctx, nil, tenantID, sessionID, "")
	if err != nil {
		return fmt.Errorf("dialogue state load: %w", err)
	}
	state.SummaryShort = summaryShort
	state.SummaryBullets = bulletsText
	state.LastSummaryTokens = state.CumulativeTokens
	if err := s.store.Dialogue.Save(ctx, nil, state); err != nil {
		return fmt.Errorf("dialogue state save: %w", err)
	}
	return nil
}

// persistMemoryObject writes the SESSION_MEMORY object with its
// BULLET_FACTS variant and indexes it.
func (s *Summarizer) persistMemoryObject(ctx context.Context, tenantID, sessionID string, latest *datatypes.KnowledgeObject, bulletsText string, counter tokencount.Counter) (string, error) {
	if bulletsText == "" {
		return "", nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{bulletsText})
	if err != nil {
		return "", fmt.Errorf("embed session memory: %w", err)
	}
	if len(vecs) != 1 {
		return "", fmt.Errorf("embedder returned %d vectors for 1 text", len(vecs))
	}

	now := time.Now().UTC()
	obj := &datatypes.KnowledgeObject{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Type:     datatypes.ObjectSessionMemory,
		ParentID: &latest.ID,
		Metadata: map[string]any{
			datatypes.MetaSource: "summarizer",
			datatypes.MetaModel:  s.model,
		},
		OriginalTokens: counter.Count(bulletsText),
		CreatedAt:      now,
	}
	sid := sessionID
	obj.SessionID = &sid
	if latest.UserID != nil {
		obj.UserID = latest.UserID
	}
	variant := &datatypes.ContentVariant{
		ID:                uuid.NewString(),
		KnowledgeObjectID: obj.ID,
		Variant:           datatypes.VariantBulletFacts,
		Content:           &bulletsText,
		Tokens:            counter.Count(bulletsText),
		CreatedAt:         now,
	}

	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.store.Objects.Create(ctx, tx, obj); err != nil {
			return err
		}
		return s.store.Variants.Create(ctx, tx, []*datatypes.ContentVariant{variant})
	})
	if err != nil {
		return "", err
	}

	emb := &datatypes.Embedding{
		ID:          uuid.NewString(),
		VariantID:   variant.ID,
		Vector:      vecs[0],
		TextSnippet: bulletsText,
		CreatedAt:   now,
	}
	if err := s.store.Embeddings.Upsert(ctx, nil, emb); err != nil {
		return "", fmt.Errorf("embedding upsert: %w", err)
	}
	if err := s.store.Variants.SetEmbeddingID(ctx, nil, variant.ID, emb.ID); err != nil {
		return "", fmt.Errorf("variant link: %w", err)
	}
	err = s.vectors.Upsert(ctx, []vectorstore.Point{{
		VariantID:  variant.ID,
		ObjectID:   obj.ID,
		TenantID:   tenantID,
		ObjectType: string(datatypes.ObjectSessionMemory),
		SessionID:  sessionID,
		Snippet:    bulletsText,
		CreatedAt:  now,
		Vector:     vecs[0],
	}})
	if err != nil {
		return "", fmt.Errorf("vector upsert: %w", err)
	}
	return obj.ID, nil
}

// renderSummaryBullets joins bullets into a dash list capped at the
// bullet token budget.
func renderSummaryBullets(bullets []string, counter tokencount.Counter) string {
	var lines []string
	for _, b := range bullets {
		if b = strings.TrimSpace(b); b != "" {
			lines = append(lines, "- "+b)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return tokencount.Truncate(counter, strings.Join(lines, "\n"), summaryBulletsCap)
}
