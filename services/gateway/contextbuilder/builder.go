// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contextbuilder assembles the knowledge context injected into
// each chat request.
//
// # Description
//
// The builder seeds a query from the prompt and the session's rolling
// topics, retrieves tenant-scoped candidates from the vector index,
// scores them by similarity, recency, and redundancy, and packs a
// diverse selection under a hard token budget with greedy MMR. The
// result is one synthetic system message; caller messages are never
// modified.
//
// # Degradation
//
// A build never fails the chat request. Retrieval failure degrades to a
// state-only context (the session's own summary bullets); embedding
// failure degrades to empty. Both paths log with explicit degraded
// fields and bump the degradation counters.
//
// # Purity
//
// Build only reads. No store mutation happens on this path, which is
// what makes rebuilding a context after a crash always safe.
package contextbuilder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGateway/pkg/tokencount"
	"github.com/AleutianAI/AleutianGateway/services/gateway/blobstore"
	"github.com/AleutianAI/AleutianGateway/services/gateway/config"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/vectorstore"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

var tracer = otel.Tracer("aleutian.gateway.contextbuilder")

// Fallback labels, shared with the metrics package.
const (
	FallbackNone      = "none"
	FallbackStateOnly = "state_only"
	FallbackEmpty     = "empty"
)

// contextHeader opens the synthetic system message.
const contextHeader = "Relevant knowledge for this conversation:"

// Config carries the packing knobs, normally filled from the process
// configuration.
type Config struct {
	TokenBudget   int
	RetrievalK    int
	MMRDiversity  float64
	RecencyDecay  float64
	MicroQuoteCap int

	// SourceTrust maps tags to trust weights in [0,1]; candidates take
	// the highest weight among their tags. Empty map disables the term.
	SourceTrust map[string]float64
}

// DefaultConfig mirrors the process defaults.
func DefaultConfig() Config {
	return Config{
		TokenBudget:   config.DefaultContextTokenBudget,
		RetrievalK:    config.DefaultContextRetrievalK,
		MMRDiversity:  config.DefaultContextMMRDiversity,
		RecencyDecay:  config.DefaultContextRecencyDecay,
		MicroQuoteCap: config.DefaultContextMicroQuoteCap,
	}
}

// Input identifies one build request.
type Input struct {
	TenantID  string
	SessionID string
	Prompt    string
	Model     string

	// BudgetOverride, when > 0, replaces the configured budget. The
	// auth layer fills it from Tenant.TokenBudget.
	BudgetOverride int
}

// Result is a finished build. SystemMessage is "" when there is nothing
// worth injecting.
type Result struct {
	SystemMessage string
	Meta          datatypes.ContextMetadata
}

// Builder assembles contexts. Safe for concurrent use.
type Builder struct {
	store    *knowledge.Store
	vectors  vectorstore.VectorStore
	embedder llm.EmbeddingProvider
	blobs    blobstore.BlobStore
	cfg      Config
	logger   *slog.Logger
}

// NewBuilder wires the builder. blobs may be nil; it is only consulted
// for micro-quote RAW content that has been offloaded.
func NewBuilder(store *knowledge.Store, vectors vectorstore.VectorStore, embedder llm.EmbeddingProvider, blobs blobstore.BlobStore, cfg Config, logger *slog.Logger) *Builder {
	if store == nil {
		panic("contextbuilder: store must not be nil")
	}
	if vectors == nil {
		panic("contextbuilder: vector store must not be nil")
	}
	if embedder == nil {
		panic("contextbuilder: embedder must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = config.DefaultContextTokenBudget
	}
	if cfg.RetrievalK <= 0 {
		cfg.RetrievalK = config.DefaultContextRetrievalK
	}
	if cfg.MMRDiversity <= 0 || cfg.MMRDiversity > 1 {
		cfg.MMRDiversity = config.DefaultContextMMRDiversity
	}
	if cfg.RecencyDecay <= 0 {
		cfg.RecencyDecay = config.DefaultContextRecencyDecay
	}
	if cfg.MicroQuoteCap <= 0 {
		cfg.MicroQuoteCap = config.DefaultContextMicroQuoteCap
	}
	return &Builder{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		blobs:    blobs,
		cfg:      cfg,
		logger:   logger,
	}
}

// Build assembles the context for one request.
//
// # Description
//
// Runs the seed → retrieve → score → pack → emit pipeline under a hard
// deadline. Never returns an error: every failure mode degrades to a
// smaller context and is reported through Result.Meta and metrics.
//
// # Inputs
//
//   - ctx: request context; Build layers its own hard deadline on top.
//   - in: tenant, session, prompt, and model for token counting.
//
// # Outputs
//
//   - *Result: never nil. Meta.Tokens is counted with the model's
//     tokenizer and is ≤ the effective budget.
func (b *Builder) Build(ctx context.Context, in Input) *Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, config.ContextHardTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "ContextBuild")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", in.TenantID),
		attribute.String("session.id", in.SessionID),
	)

	budget := b.cfg.TokenBudget
	if in.BudgetOverride > 0 {
		budget = in.BudgetOverride
	}
	counter := tokencount.ForModel(in.Model)

	// Step 1: Seed. The dialogue state is optional; a fresh session has
	// none and that is not a degradation.
	state, err := b.store.Dialogue.Get(ctx, nil, in.TenantID, in.SessionID)
	if err != nil {
		b.logger.Warn("Context build could not load dialogue state",
			"tenant_id", in.TenantID, "session_id", in.SessionID, "error", err)
		state = nil
	}
	queryText := in.Prompt
	if state != nil && len(state.Topics) > 0 {
		queryText = in.Prompt + "\n" + strings.Join(state.Topics, ", ")
	}

	// Step 2: Retrieve under the soft per-stage deadline.
	candidates, fallback := b.retrieve(ctx, in.TenantID, queryText, counter)

	// Degraded retrieval falls back to whatever the state still offers.
	if fallback != FallbackNone {
		result := b.emitDegraded(state, fallback, counter, budget, start)
		b.record(span, result, start)
		return result
	}

	// Steps 3+4: score and pack under the budget minus what the frame
	// around the packed items will cost.
	stateBullets := ""
	if state != nil {
		stateBullets = strings.TrimSpace(state.SummaryBullets)
	}
	reserve := counter.Count(contextHeader) + counter.Count(stateBullets)
	wantQuote := wantsQuotation(in.Prompt) && len(candidates) > 0
	if wantQuote {
		reserve += b.cfg.MicroQuoteCap
	}
	packBudget := budget - reserve
	if packBudget < 0 {
		packBudget = 0
	}
	selected := packMMR(candidates, packBudget, b.cfg.MMRDiversity, b.cfg.RecencyDecay)

	// Step 5: micro-quote from the top pick, RAW, hard-capped.
	quoteBlock, quoteSource := "", ""
	if wantQuote && len(selected) > 0 {
		quoteBlock, quoteSource = b.microQuote(ctx, selected[0].objectID, counter)
	}

	// Step 6: emit and verify against the budget with the same counter
	// the contract is stated in.
	message, sourceIDs := assemble(stateBullets, selected, quoteBlock)
	tokens := counter.Count(message)
	for tokens > budget && len(selected) > 0 {
		selected = selected[:len(selected)-1]
		message, sourceIDs = assemble(stateBullets, selected, quoteBlock)
		tokens = counter.Count(message)
	}
	if tokens > budget {
		// Even the frame alone exceeds the budget: inject nothing.
		message, sourceIDs, tokens = "", nil, 0
	}
	if quoteSource != "" {
		sourceIDs = appendUnique(sourceIDs, quoteSource)
	}

	result := &Result{
		SystemMessage: message,
		Meta: datatypes.ContextMetadata{
			SourceIDs:  sourceIDs,
			Tokens:     tokens,
			MicroQuote: quoteBlock != "",
			BuildMs:    time.Since(start).Milliseconds(),
		},
	}
	b.record(span, result, start)
	return result
}

// retrieve embeds the query and pulls candidates from the index.
// Returns the fallback label when a stage failed.
func (b *Builder) retrieve(ctx context.Context, tenantID, queryText string, counter tokencount.Counter) ([]*candidate, string) {
	softCtx, cancel := context.WithTimeout(ctx, config.ContextSoftTimeout)
	defer cancel()

	vecs, err := b.embedder.Embed(softCtx, []string{queryText})
	if err != nil || len(vecs) == 0 {
		b.logger.Warn("Context build embedding failed",
			"degraded", true, "fallback", FallbackEmpty, "error", err)
		return nil, FallbackEmpty
	}

	types := datatypes.RetrievableTypes()
	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}

	queryCtx, cancelQuery := context.WithTimeout(ctx, config.ContextSoftTimeout)
	defer cancelQuery()
	matches, err := b.vectors.Query(queryCtx, vectorstore.Query{
		TenantID:    tenantID,
		Vector:      vecs[0],
		K:           b.cfg.RetrievalK,
		Types:       typeNames,
		WithVectors: true,
	})
	if err != nil {
		b.logger.Warn("Context build retrieval failed",
			"degraded", true, "fallback", FallbackStateOnly, "error", err)
		return nil, FallbackStateOnly
	}

	return b.toCandidates(ctx, tenantID, matches, counter), FallbackNone
}

// toCandidates dedupes matches per object and resolves the content
// variant to pack: BULLET_FACTS first, then SHORT, then whatever was
// matched. Store failures here degrade to the index snippet instead of
// failing the build.
func (b *Builder) toCandidates(ctx context.Context, tenantID string, matches []vectorstore.Match, counter tokencount.Counter) []*candidate {
	best := make(map[string]vectorstore.Match, len(matches))
	order := make([]string, 0, len(matches))
	for _, m := range matches {
		prev, seen := best[m.ObjectID]
		if !seen {
			best[m.ObjectID] = m
			order = append(order, m.ObjectID)
			continue
		}
		if m.Distance < prev.Distance {
			best[m.ObjectID] = m
		}
	}

	variantsByObject := map[string][]*datatypes.ContentVariant{}
	if len(order) > 0 {
		var err error
		variantsByObject, err = b.store.Variants.GetForObjects(ctx, nil, order)
		if err != nil {
			b.logger.Warn("Context build variant lookup failed, using index snippets", "error", err)
			variantsByObject = map[string][]*datatypes.ContentVariant{}
		}
	}
	objects, err := b.store.Objects.GetByIDs(ctx, nil, tenantID, order)
	if err != nil {
		b.logger.Warn("Context build object lookup failed", "error", err)
		objects = nil
	}
	objByID := make(map[string]*datatypes.KnowledgeObject, len(objects))
	for _, o := range objects {
		objByID[o.ID] = o
	}

	candidates := make([]*candidate, 0, len(order))
	for _, objectID := range order {
		m := best[objectID]

		// The tenant filter is enforced in the index query; the object
		// row check keeps a stale index entry from leaking content.
		obj := objByID[objectID]
		if obj == nil && len(objects) > 0 {
			continue
		}

		content := m.Snippet
		tokens := 0
		variantID := m.VariantID
		if v := pickVariant(variantsByObject[objectID]); v != nil {
			if inline := v.InlineContent(); inline != "" {
				content = inline
				tokens = v.Tokens
				variantID = v.ID
			}
		}
		if content == "" {
			continue
		}
		if tokens <= 0 {
			tokens = counter.Count(content)
		}

		c := &candidate{
			objectID:   objectID,
			variantID:  variantID,
			objectType: m.ObjectType,
			content:    content,
			createdAt:  m.CreatedAt,
			similarity: 1.0 - m.Distance,
			vector:     m.Vector,
		}
		if obj != nil {
			c.createdAt = obj.CreatedAt
			c.trust = b.trustFor(obj.Tags)
		}
		// Budget what the rendered bullet costs, not the bare content.
		c.content = renderBullets(objectID, content)
		c.tokens = counter.Count(c.content)
		candidates = append(candidates, c)
	}
	return candidates
}

func (b *Builder) trustFor(tags []string) float64 {
	if len(b.cfg.SourceTrust) == 0 {
		return 0
	}
	maxTrust := 0.0
	for _, tag := range tags {
		if w, ok := b.cfg.SourceTrust[tag]; ok && w > maxTrust {
			maxTrust = w
		}
	}
	return maxTrust
}

// pickVariant chooses the rendition to pack. RAW is deliberately last:
// it only wins for objects that have nothing condensed, such as file
// chunks.
func pickVariant(variants []*datatypes.ContentVariant) *datatypes.ContentVariant {
	order := []datatypes.VariantType{
		datatypes.VariantBulletFacts,
		datatypes.VariantShort,
		datatypes.VariantMedium,
		datatypes.VariantRaw,
	}
	for _, want := range order {
		for _, v := range variants {
			if v.Variant == want && v.InlineContent() != "" {
				return v
			}
		}
	}
	return nil
}

// microQuote fetches the RAW variant of the top item and slices it to
// the cap. Any failure skips the quote; a context is never lost to it.
func (b *Builder) microQuote(ctx context.Context, objectID string, counter tokencount.Counter) (block, source string) {
	raw, err := b.store.Variants.GetObjectVariant(ctx, nil, objectID, datatypes.VariantRaw)
	if err != nil || raw == nil {
		return "", ""
	}
	content := raw.InlineContent()
	if content == "" && raw.StorageURI != nil && b.blobs != nil {
		data, err := b.blobs.Fetch(ctx, *raw.StorageURI)
		if err != nil {
			b.logger.Warn("Micro-quote blob fetch failed", "object_id", objectID, "error", err)
			return "", ""
		}
		content = string(data)
	}
	if content == "" {
		return "", ""
	}
	slice := tokencount.Truncate(counter, content, b.cfg.MicroQuoteCap)
	return fmt.Sprintf("Quoted source [src:%s]:\n%q", objectID, slice), objectID
}

// emitDegraded produces the state-only or empty context.
func (b *Builder) emitDegraded(state *datatypes.DialogueState, fallback string, counter tokencount.Counter, budget int, start time.Time) *Result {
	message := ""
	if fallback == FallbackStateOnly && state != nil && strings.TrimSpace(state.SummaryBullets) != "" {
		message = contextHeader + "\n" + strings.TrimSpace(state.SummaryBullets)
		if counter.Count(message) > budget {
			message = ""
		}
	}
	if message == "" {
		fallback = FallbackEmpty
	}
	return &Result{
		SystemMessage: message,
		Meta: datatypes.ContextMetadata{
			Tokens:   counter.Count(message),
			Degraded: true,
			Fallback: fallback,
			BuildMs:  time.Since(start).Milliseconds(),
		},
	}
}

// record funnels every exit through one metrics/log point.
func (b *Builder) record(span trace.Span, r *Result, start time.Time) {
	fallback := r.Meta.Fallback
	if fallback == "" {
		fallback = FallbackNone
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordContextBuild(fallback, time.Since(start).Seconds(), len(r.Meta.SourceIDs))
	}
	span.SetAttributes(
		attribute.Int("context.tokens", r.Meta.Tokens),
		attribute.Int("context.items", len(r.Meta.SourceIDs)),
		attribute.String("context.fallback", fallback),
		attribute.Bool("context.micro_quote", r.Meta.MicroQuote),
	)
}

// =============================================================================
// Assembly Helpers
// =============================================================================

// renderBullets prefixes every bullet line with the provenance marker.
// Non-bulleted content becomes a single bullet with inner newlines
// flattened.
func renderBullets(objectID, content string) string {
	marker := "[src:" + objectID + "]"
	lines := strings.Split(strings.TrimSpace(content), "\n")

	bulleted := true
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "- ") {
			bulleted = false
			break
		}
	}

	if !bulleted {
		flat := strings.Join(strings.Fields(strings.TrimSpace(content)), " ")
		return "- " + marker + " " + flat
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		out = append(out, "- "+marker+" "+strings.TrimPrefix(trimmed, "- "))
	}
	return strings.Join(out, "\n")
}

// assemble joins the frame, state bullets, packed bullets, and quote.
func assemble(stateBullets string, selected []*candidate, quoteBlock string) (string, []string) {
	var parts []string
	sourceIDs := make([]string, 0, len(selected))

	for _, c := range selected {
		parts = append(parts, c.content)
		sourceIDs = appendUnique(sourceIDs, c.objectID)
	}

	var sections []string
	if stateBullets != "" || len(parts) > 0 {
		sections = append(sections, contextHeader)
	}
	if stateBullets != "" {
		sections = append(sections, stateBullets)
	}
	sections = append(sections, parts...)
	if quoteBlock != "" {
		sections = append(sections, "", quoteBlock)
	}

	return strings.TrimSpace(strings.Join(sections, "\n")), sourceIDs
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
