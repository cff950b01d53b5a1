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
	"io"
	"log/slog"
	"sync"

	"gorm.io/gorm"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
	"github.com/AleutianAI/AleutianGateway/services/gateway/vectorstore"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

type jobObjects struct {
	knowledge.ObjectRepo
	mu       sync.Mutex
	byID     map[string]*datatypes.KnowledgeObject
	tenant   []*datatypes.KnowledgeObject
	session  []*datatypes.KnowledgeObject
	created  []*datatypes.KnowledgeObject
	listErr  error
	countErr error
}

func (f *jobObjects) GetByID(_ context.Context, _ *gorm.DB, _, id string) (*datatypes.KnowledgeObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id], nil
}

func (f *jobObjects) List(_ context.Context, _ *gorm.DB, _ string, q datatypes.ListObjectsQuery) ([]*datatypes.KnowledgeObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if q.Offset >= len(f.tenant) {
		return nil, nil
	}
	end := q.Offset + q.Limit
	if end > len(f.tenant) {
		end = len(f.tenant)
	}
	return f.tenant[q.Offset:end], nil
}

func (f *jobObjects) ListBySession(_ context.Context, _ *gorm.DB, _, _ string, _ []datatypes.ObjectType, limit int) ([]*datatypes.KnowledgeObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.session
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]*datatypes.KnowledgeObject(nil), out...), nil
}

func (f *jobObjects) Create(_ context.Context, _ *gorm.DB, obj *datatypes.KnowledgeObject) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, obj)
	return nil
}

type jobVariants struct {
	knowledge.VariantRepo
	mu       sync.Mutex
	byObject map[string][]*datatypes.ContentVariant
	created  []*datatypes.ContentVariant
	links    map[string]string
}

func (f *jobVariants) GetForObject(_ context.Context, _ *gorm.DB, objectID string) ([]*datatypes.ContentVariant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byObject[objectID], nil
}

func (f *jobVariants) GetForObjects(_ context.Context, _ *gorm.DB, objectIDs []string) (map[string][]*datatypes.ContentVariant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]*datatypes.ContentVariant, len(objectIDs))
	for _, id := range objectIDs {
		if vs, ok := f.byObject[id]; ok {
			out[id] = vs
		}
	}
	return out, nil
}

func (f *jobVariants) Create(_ context.Context, _ *gorm.DB, variants []*datatypes.ContentVariant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, variants...)
	return nil
}

func (f *jobVariants) SetEmbeddingID(_ context.Context, _ *gorm.DB, variantID, embeddingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.links == nil {
		f.links = map[string]string{}
	}
	f.links[variantID] = embeddingID
	return nil
}

type jobEmbeddings struct {
	knowledge.EmbeddingRepo
	mu        sync.Mutex
	byVariant map[string]*datatypes.Embedding
	upserts   []*datatypes.Embedding
}

func (f *jobEmbeddings) GetByVariantID(_ context.Context, _ *gorm.DB, variantID string) (*datatypes.Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byVariant[variantID], nil
}

func (f *jobEmbeddings) Upsert(_ context.Context, _ *gorm.DB, emb *datatypes.Embedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, emb)
	return nil
}

type jobRelationships struct {
	knowledge.RelationshipRepo
	mu       sync.Mutex
	existing map[string][]*datatypes.KnowledgeRelationship
	upserts  []*datatypes.KnowledgeRelationship
}

func (f *jobRelationships) ListBySource(_ context.Context, _ *gorm.DB, sourceID string) ([]*datatypes.KnowledgeRelationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[sourceID], nil
}

func (f *jobRelationships) Upsert(_ context.Context, _ *gorm.DB, rel *datatypes.KnowledgeRelationship) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, rel)
	return nil
}

func (f *jobRelationships) snapshot() []*datatypes.KnowledgeRelationship {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*datatypes.KnowledgeRelationship(nil), f.upserts...)
}

type jobDialogue struct {
	knowledge.DialogueRepo
	mu    sync.Mutex
	state *datatypes.DialogueState
}

func (f *jobDialogue) GetOrCreate(_ context.Context, _ *gorm.DB, tenantID, sessionID, _ string) (*datatypes.DialogueState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		f.state = &datatypes.DialogueState{ID: "state-1", TenantID: tenantID, SessionID: sessionID}
	}
	return f.state, nil
}

func (f *jobDialogue) Save(_ context.Context, _ *gorm.DB, state *datatypes.DialogueState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	return nil
}

type jobVectors struct {
	mu      sync.Mutex
	matches []vectorstore.Match
	points  []vectorstore.Point
	lastQ   vectorstore.Query
}

func (f *jobVectors) Upsert(_ context.Context, points []vectorstore.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, points...)
	return nil
}

func (f *jobVectors) Query(_ context.Context, q vectorstore.Query) ([]vectorstore.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQ = q
	return f.matches, nil
}

func (f *jobVectors) SetArchived(_ context.Context, _, _ string, _ bool) error { return nil }
func (f *jobVectors) Delete(_ context.Context, _ string) (bool, error)         { return true, nil }
func (f *jobVectors) DeleteByObjectID(_ context.Context, _, _ string) error    { return nil }
func (f *jobVectors) Statistics(_ context.Context) (*vectorstore.Stats, error) {
	return &vectorstore.Stats{}, nil
}
func (f *jobVectors) Ready(_ context.Context) error { return nil }

type jobEmbedder struct {
	err error
}

func (f *jobEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0, 1, 0}
	}
	return out, nil
}

func (f *jobEmbedder) Dimension(_ context.Context) (int, error) { return 3, nil }
func (f *jobEmbedder) ModelName() string                        { return "fake-embed" }

type jobChatClient struct {
	mu       sync.Mutex
	content  string
	err      error
	tokens   int
	messages []datatypes.Message
}

func (f *jobChatClient) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return f.content, f.err
}

func (f *jobChatClient) Chat(_ context.Context, _ string, messages []datatypes.Message, _ llm.GenerationParams) (*llm.ChatResult, error) {
	f.mu.Lock()
	f.messages = messages
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResult{Content: f.content, FinishReason: "stop", InputTokens: f.tokens, OutputTokens: f.tokens}, nil
}

func (f *jobChatClient) ChatStream(ctx context.Context, model string, messages []datatypes.Message, params llm.GenerationParams, _ llm.StreamCallback) (*llm.ChatResult, error) {
	return f.Chat(ctx, model, messages, params)
}

func (f *jobChatClient) Models(_ context.Context) ([]string, error) { return nil, nil }
func (f *jobChatClient) DefaultModel() string                       { return "fake-model" }

func (f *jobChatClient) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1].Content
}

type fixedClassifier struct {
	mu      sync.Mutex
	verdict *ContradictionResult
	err     error
	calls   int
}

func (f *fixedClassifier) Classify(_ context.Context, _, _ string) (*ContradictionResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.verdict == nil {
		return &ContradictionResult{}, nil
	}
	return f.verdict, nil
}

func (f *fixedClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
