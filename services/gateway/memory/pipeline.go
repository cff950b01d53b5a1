// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory persists completed chat exchanges as knowledge objects.
//
// # Description
//
// The pipeline consumes exchanges off the request path. Each exchange
// becomes two TURN objects (RAW plus condensed SHORT variants, SHORT
// embedded and indexed), zero or more EXTRACTED_FACT objects from the
// LLM extractor, and a DialogueState update that may trigger session
// summarization.
//
// # Ordering
//
// Exchanges are hashed onto per-session lanes: one worker owns each
// lane, so items for a session run serially in arrival order while
// different sessions proceed in parallel. The lanes are bounded;
// overflow drops the newest item with a metric bump rather than
// blocking a response.
//
// # Idempotency
//
// request_id is the exchange key. A replay finds the earlier turns via
// the metadata index and skips every write, so retries never duplicate
// turns, facts, or state increments.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/AleutianAI/AleutianGateway/pkg/tokencount"
	"github.com/AleutianAI/AleutianGateway/services/gateway/blobstore"
	"github.com/AleutianAI/AleutianGateway/services/gateway/config"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/vectorstore"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

var tracer = otel.Tracer("aleutian.gateway.memory")

const (
	// shortVariantCap bounds the condensed SHORT rendition of a turn.
	shortVariantCap = 120

	// factDedupeCosine is the similarity above which a new fact is
	// considered a restatement of an existing one.
	factDedupeCosine = 0.95

	// factNeighborK bounds the dedupe lookup per fact.
	factNeighborK = 3
)

// Exchange is one completed chat exchange queued for persistence.
type Exchange struct {
	TenantID     string
	SessionID    string
	UserID       string
	RequestID    string
	Model        string
	UserMsg      string
	AssistantMsg string

	// Provider-reported token counts; 0 falls back to local estimation.
	InputTokens  int
	OutputTokens int

	ContextMeta datatypes.ContextMetadata
}

// SummarizeFunc kicks a session summarization off the pipeline thread.
type SummarizeFunc func(ctx context.Context, tenantID, sessionID string)

// PipelineConfig carries the queueing and trigger knobs.
type PipelineConfig struct {
	QueueSize   int
	WorkerCount int

	// InlineMax is the byte size above which RAW content is offloaded
	// to blob storage instead of being stored inline.
	InlineMax int

	// TurnInterval and TokenDelta are the summarization triggers.
	TurnInterval int
	TokenDelta   int
}

// Pipeline is the asynchronous exchange consumer. Safe for concurrent
// Enqueue; Start once, Stop once.
type Pipeline struct {
	store     *knowledge.Store
	vectors   vectorstore.VectorStore
	embedder  llm.EmbeddingProvider
	blobs     blobstore.BlobStore
	extractor Extractor
	locks     *knowledge.SessionLocks
	summarize SummarizeFunc
	cfg       PipelineConfig
	logger    *slog.Logger

	mu      sync.RWMutex
	lanes   []chan *Exchange
	stopped bool
	wg      sync.WaitGroup
}

// NewPipeline wires the pipeline. blobs, extractor, and summarize may be
// nil: without blobs RAW stays inline, without an extractor only turns
// persist, without summarize the triggers are ignored.
func NewPipeline(
	store *knowledge.Store,
	vectors vectorstore.VectorStore,
	embedder llm.EmbeddingProvider,
	blobs blobstore.BlobStore,
	extractor Extractor,
	locks *knowledge.SessionLocks,
	summarize SummarizeFunc,
	cfg PipelineConfig,
	logger *slog.Logger,
) *Pipeline {
	if store == nil {
		panic("memory: store must not be nil")
	}
	if vectors == nil {
		panic("memory: vector store must not be nil")
	}
	if embedder == nil {
		panic("memory: embedder must not be nil")
	}
	if locks == nil {
		locks = knowledge.NewSessionLocks()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = config.DefaultMemoryQueueSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = config.DefaultMemoryWorkerCount
	}
	if cfg.TurnInterval <= 0 {
		cfg.TurnInterval = config.DefaultSummarizeTurnEvery
	}
	if cfg.TokenDelta <= 0 {
		cfg.TokenDelta = config.DefaultSummarizeTokenDelta
	}
	return &Pipeline{
		store:     store,
		vectors:   vectors,
		embedder:  embedder,
		blobs:     blobs,
		extractor: extractor,
		locks:     locks,
		summarize: summarize,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start spawns one worker per lane. Idempotent.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lanes != nil {
		return
	}

	perLane := p.cfg.QueueSize / p.cfg.WorkerCount
	if perLane < 1 {
		perLane = 1
	}
	p.lanes = make([]chan *Exchange, p.cfg.WorkerCount)
	for i := range p.lanes {
		p.lanes[i] = make(chan *Exchange, perLane)
		p.wg.Add(1)
		go p.worker(p.lanes[i])
	}
	p.logger.Info("Memory pipeline started",
		"workers", p.cfg.WorkerCount, "queue_size", perLane*p.cfg.WorkerCount)
}

// Stop closes the lanes and waits for in-flight items until ctx expires.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		for _, lane := range p.lanes {
			close(lane)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("memory pipeline drain: %w", ctx.Err())
	}
}

// Enqueue hands an exchange to its session lane without blocking.
//
// # Outputs
//
//   - bool: false when the exchange was invalid, the pipeline is
//     stopped, or the lane is full. Callers only log; a response is
//     never failed for a memory drop.
func (p *Pipeline) Enqueue(ex *Exchange) bool {
	if ex == nil || ex.TenantID == "" || ex.SessionID == "" || ex.RequestID == "" {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordMemoryDrop("invalid")
		}
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped || p.lanes == nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordMemoryDrop("stopped")
		}
		return false
	}

	lane := p.lanes[p.laneFor(ex.TenantID, ex.SessionID)]
	select {
	case lane <- ex:
		return true
	default:
		p.logger.Warn("Memory queue full, dropping exchange",
			"tenant_id", ex.TenantID, "session_id", ex.SessionID, "request_id", ex.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordMemoryDrop("queue_full")
		}
		return false
	}
}

// laneFor maps a session to a lane; the same session always lands on
// the same worker, which is what serializes it.
func (p *Pipeline) laneFor(tenantID, sessionID string) int {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(p.lanes)))
}

func (p *Pipeline) worker(lane <-chan *Exchange) {
	defer p.wg.Done()
	for ex := range lane {
		p.handle(ex)
	}
}

// handle runs one exchange under the per-item deadline and funnels the
// outcome into logs and metrics. The request context is long gone by
// now, so processing starts from a fresh background context.
func (p *Pipeline) handle(ex *Exchange) {
	ctx, cancel := context.WithTimeout(context.Background(), config.MemoryItemTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "MemoryExchange")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", ex.TenantID),
		attribute.String("session.id", ex.SessionID),
		attribute.String("request.id", ex.RequestID),
	)

	start := time.Now()
	status, err := p.process(ctx, ex)
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "exchange processing failed")
		p.logger.Warn("Memory exchange dropped",
			"tenant_id", ex.TenantID, "session_id", ex.SessionID,
			"request_id", ex.RequestID, "error", err)
	} else {
		p.logger.Debug("Memory exchange processed",
			"request_id", ex.RequestID, "status", status,
			"duration_ms", time.Since(start).Milliseconds())
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordMemoryProcessed(status)
	}
}

// process executes the persistence steps. Returns the outcome label for
// metrics ("ok" or "duplicate").
func (p *Pipeline) process(ctx context.Context, ex *Exchange) (string, error) {
	// Step 1: idempotency. A replayed request finds its earlier turns.
	existing, err := p.store.Objects.FindByRequestID(ctx, nil, ex.TenantID, ex.SessionID, ex.RequestID)
	if err != nil {
		return "", fmt.Errorf("idempotency check: %w", err)
	}
	if len(existing) > 0 {
		return "duplicate", nil
	}

	counter := tokencount.ForModel(ex.Model)

	// Step 2: persist both turns with RAW + SHORT variants, SHORT
	// embedded and indexed.
	assistantTurn, err := p.persistTurns(ctx, ex, counter)
	if err != nil {
		return "", fmt.Errorf("persist turns: %w", err)
	}

	// Step 3: extraction. Soft-fails: a flaky extractor costs facts,
	// never the turns or the state update.
	var topics []string
	if state, stateErr := p.store.Dialogue.Get(ctx, nil, ex.TenantID, ex.SessionID); stateErr == nil && state != nil {
		topics = state.Topics
	}
	ext := &Extraction{}
	if p.extractor != nil {
		got, extErr := p.extractor.Extract(ctx, ex.UserMsg, ex.AssistantMsg, topics)
		if extErr != nil {
			p.logger.Warn("Memory extraction failed, keeping turns only",
				"request_id", ex.RequestID, "error", extErr)
		} else {
			ext = got
		}
	}

	// Step 4: persist surviving facts under the assistant turn.
	if len(ext.Facts) > 0 {
		if factErr := p.persistFacts(ctx, ex, assistantTurn, ext, counter); factErr != nil {
			p.logger.Warn("Fact persistence failed",
				"request_id", ex.RequestID, "error", factErr)
		}
	}

	// Step 5: state update + summarization trigger.
	if err := p.updateState(ctx, ex, ext, counter); err != nil {
		return "", fmt.Errorf("dialogue state update: %w", err)
	}
	return "ok", nil
}

// persistTurns writes the user and assistant TURN objects. Embedding
// happens before any row lands so a provider failure leaves nothing
// half-written.
func (p *Pipeline) persistTurns(ctx context.Context, ex *Exchange, counter tokencount.Counter) (*datatypes.KnowledgeObject, error) {
	now := time.Now().UTC()

	userObj := p.newTurnObject(ex, "user", ex.UserMsg, counter, now)
	assistantObj := p.newTurnObject(ex, "assistant", ex.AssistantMsg, counter, now.Add(time.Millisecond))
	assistantObj.ParentID = &userObj.ID

	shortUser := tokencount.Truncate(counter, ex.UserMsg, shortVariantCap)
	shortAssistant := tokencount.Truncate(counter, ex.AssistantMsg, shortVariantCap)

	vecs, err := p.embedder.Embed(ctx, []string{shortUser, shortAssistant})
	if err != nil {
		return nil, fmt.Errorf("embed turn shorts: %w", err)
	}
	if len(vecs) != 2 {
		return nil, fmt.Errorf("embedder returned %d vectors for 2 texts", len(vecs))
	}

	userRaw := p.newRawVariant(ctx, ex.TenantID, userObj, ex.UserMsg, counter)
	assistantRaw := p.newRawVariant(ctx, ex.TenantID, assistantObj, ex.AssistantMsg, counter)
	userShort := newInlineVariant(userObj.ID, datatypes.VariantShort, shortUser, counter, now)
	assistantShort := newInlineVariant(assistantObj.ID, datatypes.VariantShort, shortAssistant, counter, now)

	err = p.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := p.store.Objects.Create(ctx, tx, userObj); err != nil {
			return err
		}
		if err := p.store.Objects.Create(ctx, tx, assistantObj); err != nil {
			return err
		}
		return p.store.Variants.Create(ctx, tx, []*datatypes.ContentVariant{
			userRaw, userShort, assistantRaw, assistantShort,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := p.indexVariant(ctx, userObj, userShort, shortUser, vecs[0]); err != nil {
		return nil, err
	}
	if err := p.indexVariant(ctx, assistantObj, assistantShort, shortAssistant, vecs[1]); err != nil {
		return nil, err
	}
	return assistantObj, nil
}

func (p *Pipeline) newTurnObject(ex *Exchange, role, content string, counter tokencount.Counter, at time.Time) *datatypes.KnowledgeObject {
	obj := &datatypes.KnowledgeObject{
		ID:       uuid.NewString(),
		TenantID: ex.TenantID,
		Type:     datatypes.ObjectTurn,
		Metadata: map[string]any{
			datatypes.MetaRequestID: ex.RequestID,
			datatypes.MetaRole:      role,
			datatypes.MetaModel:     ex.Model,
		},
		OriginalTokens: counter.Count(content),
		CreatedAt:      at,
	}
	sessionID := ex.SessionID
	obj.SessionID = &sessionID
	if ex.UserID != "" {
		userID := ex.UserID
		obj.UserID = &userID
	}
	return obj
}

// newRawVariant stores content inline unless it exceeds InlineMax and a
// blob store is wired, in which case the payload is offloaded and only
// the URI is kept. Offload failure falls back to inline; losing a turn
// over a bucket hiccup is the worse trade.
func (p *Pipeline) newRawVariant(ctx context.Context, tenantID string, obj *datatypes.KnowledgeObject, content string, counter tokencount.Counter) *datatypes.ContentVariant {
	v := &datatypes.ContentVariant{
		ID:                uuid.NewString(),
		KnowledgeObjectID: obj.ID,
		Variant:           datatypes.VariantRaw,
		Tokens:            counter.Count(content),
		CreatedAt:         obj.CreatedAt,
	}
	if p.blobs != nil && p.cfg.InlineMax > 0 && len(content) > p.cfg.InlineMax {
		uri, err := p.blobs.Store(ctx, tenantID, obj.ID, []byte(content))
		if err == nil {
			v.StorageURI = &uri
			return v
		}
		p.logger.Warn("RAW offload failed, storing inline",
			"object_id", obj.ID, "error", err)
	}
	v.Content = &content
	return v
}

func newInlineVariant(objectID string, typ datatypes.VariantType, content string, counter tokencount.Counter, at time.Time) *datatypes.ContentVariant {
	return &datatypes.ContentVariant{
		ID:                uuid.NewString(),
		KnowledgeObjectID: objectID,
		Variant:           typ,
		Content:           &content,
		Tokens:            counter.Count(content),
		CreatedAt:         at,
	}
}

// indexVariant persists the embedding row, links it to the variant, and
// upserts the vector point. All three are idempotent on variant_id.
func (p *Pipeline) indexVariant(ctx context.Context, obj *datatypes.KnowledgeObject, v *datatypes.ContentVariant, text string, vec []float32) error {
	emb := &datatypes.Embedding{
		ID:          uuid.NewString(),
		VariantID:   v.ID,
		Vector:      vec,
		TextSnippet: text,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.store.Embeddings.Upsert(ctx, nil, emb); err != nil {
		return fmt.Errorf("embedding upsert: %w", err)
	}
	if err := p.store.Variants.SetEmbeddingID(ctx, nil, v.ID, emb.ID); err != nil {
		return fmt.Errorf("variant link: %w", err)
	}

	sessionID := ""
	if obj.SessionID != nil {
		sessionID = *obj.SessionID
	}
	err := p.vectors.Upsert(ctx, []vectorstore.Point{{
		VariantID:  v.ID,
		ObjectID:   obj.ID,
		TenantID:   obj.TenantID,
		ObjectType: string(obj.Type),
		SessionID:  sessionID,
		Snippet:    text,
		CreatedAt:  obj.CreatedAt,
		Archived:   obj.Archived,
		Vector:     vec,
	}})
	if err != nil {
		return fmt.Errorf("vector upsert: %w", err)
	}
	return nil
}

// persistFacts deduplicates the extraction yield and writes survivors as
// EXTRACTED_FACT children of the assistant turn.
func (p *Pipeline) persistFacts(ctx context.Context, ex *Exchange, parent *datatypes.KnowledgeObject, ext *Extraction, counter tokencount.Counter) error {
	bullets := make([]string, len(ext.Facts))
	for i, fact := range ext.Facts {
		bullets[i] = "- " + fact
	}
	vecs, err := p.embedder.Embed(ctx, bullets)
	if err != nil {
		return fmt.Errorf("embed facts: %w", err)
	}
	if len(vecs) != len(bullets) {
		return fmt.Errorf("embedder returned %d vectors for %d facts", len(vecs), len(bullets))
	}

	now := time.Now().UTC()
	for i, bullet := range bullets {
		if p.isDuplicateFact(ctx, ex.TenantID, bullet, vecs[i]) {
			continue
		}

		obj := &datatypes.KnowledgeObject{
			ID:       uuid.NewString(),
			TenantID: ex.TenantID,
			Type:     datatypes.ObjectExtractedFact,
			ParentID: &parent.ID,
			Metadata: map[string]any{
				datatypes.MetaRequestID:  ex.RequestID,
				datatypes.MetaSource:     "extractor",
				datatypes.MetaConfidence: ext.Confidence,
			},
			OriginalTokens: counter.Count(bullet),
			CreatedAt:      now,
		}
		sessionID := ex.SessionID
		obj.SessionID = &sessionID
		if ex.UserID != "" {
			userID := ex.UserID
			obj.UserID = &userID
		}
		variant := newInlineVariant(obj.ID, datatypes.VariantBulletFacts, bullet, counter, now)

		err := p.store.Transaction(ctx, func(tx *gorm.DB) error {
			if err := p.store.Objects.Create(ctx, tx, obj); err != nil {
				return err
			}
			return p.store.Variants.Create(ctx, tx, []*datatypes.ContentVariant{variant})
		})
		if err != nil {
			return fmt.Errorf("fact %d: %w", i, err)
		}
		if err := p.indexVariant(ctx, obj, variant, bullet, vecs[i]); err != nil {
			return fmt.Errorf("fact %d: %w", i, err)
		}
	}
	return nil
}

// isDuplicateFact runs the two dedupe rungs: exact text, then cosine
// against existing facts. Lookup errors count as "not a duplicate";
// an occasional re-stored fact beats losing one to store trouble.
func (p *Pipeline) isDuplicateFact(ctx context.Context, tenantID, bullet string, vec []float32) bool {
	existing, err := p.store.Objects.FindFactByContent(ctx, nil, tenantID, bullet)
	if err == nil && existing != nil {
		return true
	}

	matches, err := p.vectors.Query(ctx, vectorstore.Query{
		TenantID: tenantID,
		Vector:   vec,
		K:        factNeighborK,
		Types:    []string{string(datatypes.ObjectExtractedFact)},
	})
	if err != nil {
		return false
	}
	for _, m := range matches {
		if 1.0-m.Distance >= factDedupeCosine {
			return true
		}
	}
	return false
}

// updateState applies step 4 and 5 under the session lock: counters,
// topic merge, then the summarization trigger check.
func (p *Pipeline) updateState(ctx context.Context, ex *Exchange, ext *Extraction, counter tokencount.Counter) error {
	unlock := p.locks.Lock(ex.TenantID, ex.SessionID)
	defer unlock()

	state, err := p.store.Dialogue.GetOrCreate(ctx, nil, ex.TenantID, ex.SessionID, ex.UserID)
	if err != nil {
		return err
	}

	inTok, outTok := ex.InputTokens, ex.OutputTokens
	if inTok <= 0 {
		inTok = counter.Count(ex.UserMsg)
	}
	if outTok <= 0 {
		outTok = counter.Count(ex.AssistantMsg)
	}

	state.TurnCount++
	state.CumulativeTokens += inTok + outTok
	state.MergeTopics(ext.Entities)
	state.LastUpdatedAt = time.Now().UTC()

	if err := p.store.Dialogue.Save(ctx, nil, state); err != nil {
		return err
	}

	delta := state.CumulativeTokens - state.LastSummaryTokens
	if p.summarize != nil && (state.TurnCount%p.cfg.TurnInterval == 0 || delta >= p.cfg.TokenDelta) {
		p.logger.Debug("Summarization triggered",
			"tenant_id", ex.TenantID, "session_id", ex.SessionID,
			"turn_count", state.TurnCount, "token_delta", delta)
		go p.summarize(context.Background(), ex.TenantID, ex.SessionID)
	}
	return nil
}
