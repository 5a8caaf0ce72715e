// Package service orchestrates knowledge base CRUD, document ingestion and
// similarity retrieval on top of a Store, an Embedder and a Notifier.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"kbrag/internal/chunker"
	"kbrag/internal/domain"
	"kbrag/internal/embedding"
	"kbrag/internal/events"
	"kbrag/internal/similarity"
)

// Defaults applied to omitted knowledge base fields and search parameters.
const (
	DefaultChunkSize           = 1000
	DefaultChunkOverlap        = 200
	DefaultSimilarityThreshold = 0.7
	DefaultDocumentCount       = 5
	DefaultSearchLimit         = 5
)

// Defaults can be overridden per service, e.g. from configuration.
type Defaults struct {
	ChunkSize           int
	ChunkOverlap        int
	SimilarityThreshold float64
	DocumentCount       int
	SearchLimit         int
}

// KnowledgeService owns the lifecycle of knowledge bases and documents.
type KnowledgeService struct {
	store    domain.Store
	embedder domain.Embedder
	notifier events.Notifier
	log      *slog.Logger
	now      func() time.Time
	rng      *rand.Rand
	defaults Defaults
}

// Option configures a KnowledgeService.
type Option func(*KnowledgeService)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *KnowledgeService) { s.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *KnowledgeService) { s.now = now } }

// WithRand sets the source of fallback vectors.
func WithRand(r *rand.Rand) Option { return func(s *KnowledgeService) { s.rng = r } }

// WithDefaults overrides the built-in defaults. Zero fields keep the built-in value.
func WithDefaults(d Defaults) Option {
	return func(s *KnowledgeService) {
		if d.ChunkSize > 0 {
			s.defaults.ChunkSize = d.ChunkSize
		}
		// a configured chunk size brings its own overlap, which may be 0
		if d.ChunkSize > 0 || d.ChunkOverlap > 0 {
			s.defaults.ChunkOverlap = d.ChunkOverlap
		}
		if d.SimilarityThreshold > 0 {
			s.defaults.SimilarityThreshold = d.SimilarityThreshold
		}
		if d.DocumentCount > 0 {
			s.defaults.DocumentCount = d.DocumentCount
		}
		if d.SearchLimit > 0 {
			s.defaults.SearchLimit = d.SearchLimit
		}
	}
}

// NewKnowledgeService wires a service. A nil notifier discards events.
func NewKnowledgeService(store domain.Store, embedder domain.Embedder, notifier events.Notifier, opts ...Option) *KnowledgeService {
	if notifier == nil {
		notifier = events.Discard
	}
	s := &KnowledgeService{
		store:    store,
		embedder: embedder,
		notifier: notifier,
		log:      slog.Default(),
		now:      time.Now,
		defaults: Defaults{
			ChunkSize:           DefaultChunkSize,
			ChunkOverlap:        DefaultChunkOverlap,
			SimilarityThreshold: DefaultSimilarityThreshold,
			DocumentCount:       DefaultDocumentCount,
			SearchLimit:         DefaultSearchLimit,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateParams describes a new knowledge base. Zero values take defaults.
// ChunkOverlap is a pointer so that an explicit 0 differs from omitted.
type CreateParams struct {
	Name                string  `json:"name"`
	Description         string  `json:"description,omitempty"`
	EmbeddingModelID    string  `json:"embeddingModelId"`
	Dimensions          int     `json:"dimensions"`
	ChunkSize           int     `json:"chunkSize,omitempty"`
	ChunkOverlap        *int    `json:"chunkOverlap,omitempty"`
	SimilarityThreshold float64 `json:"similarityThreshold,omitempty"`
	TargetDocumentCount int     `json:"targetDocumentCount,omitempty"`
}

// UpdateParams holds a partial update; nil fields are left unchanged.
type UpdateParams struct {
	Name                *string  `json:"name,omitempty"`
	Description         *string  `json:"description,omitempty"`
	EmbeddingModelID    *string  `json:"embeddingModelId,omitempty"`
	Dimensions          *int     `json:"dimensions,omitempty"`
	ChunkSize           *int     `json:"chunkSize,omitempty"`
	ChunkOverlap        *int     `json:"chunkOverlap,omitempty"`
	SimilarityThreshold *float64 `json:"similarityThreshold,omitempty"`
	TargetDocumentCount *int     `json:"targetDocumentCount,omitempty"`
}

// CreateKnowledgeBase stores a new knowledge base and announces it.
func (s *KnowledgeService) CreateKnowledgeBase(ctx context.Context, p CreateParams) (*domain.KnowledgeBase, error) {
	now := s.now()
	kb := domain.KnowledgeBase{
		ID:                  uuid.NewString(),
		Name:                p.Name,
		Description:         p.Description,
		EmbeddingModelID:    p.EmbeddingModelID,
		Dimensions:          p.Dimensions,
		ChunkSize:           orInt(p.ChunkSize, s.defaults.ChunkSize),
		ChunkOverlap:        s.defaults.ChunkOverlap,
		SimilarityThreshold: p.SimilarityThreshold,
		TargetDocumentCount: orInt(p.TargetDocumentCount, s.defaults.DocumentCount),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if kb.SimilarityThreshold == 0 {
		kb.SimilarityThreshold = s.defaults.SimilarityThreshold
	}
	if p.ChunkOverlap != nil {
		kb.ChunkOverlap = *p.ChunkOverlap
	} else if kb.ChunkOverlap >= kb.ChunkSize {
		// the default overlap must not make a small explicit chunk size invalid
		kb.ChunkOverlap = kb.ChunkSize / 5
	}
	if err := kb.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.PutKnowledgeBase(ctx, kb); err != nil {
		return nil, fmt.Errorf("store knowledge base: %w", err)
	}
	s.log.Info("knowledge base created", "id", kb.ID, "name", kb.Name, "model", kb.EmbeddingModelID)
	s.notifier.Notify(events.Event{Name: events.KnowledgeBaseCreated, Payload: kb})
	return &kb, nil
}

// GetKnowledgeBase returns nil, nil when the knowledge base does not exist.
func (s *KnowledgeService) GetKnowledgeBase(ctx context.Context, id string) (*domain.KnowledgeBase, error) {
	kb, err := s.store.GetKnowledgeBase(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get knowledge base %s: %w", id, err)
	}
	return kb, nil
}

// ListKnowledgeBases returns every knowledge base, oldest first.
func (s *KnowledgeService) ListKnowledgeBases(ctx context.Context) ([]domain.KnowledgeBase, error) {
	kbs, err := s.store.ListKnowledgeBases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list knowledge bases: %w", err)
	}
	return kbs, nil
}

// UpdateKnowledgeBase merges u into the stored record. It returns nil, nil
// when the knowledge base does not exist.
func (s *KnowledgeService) UpdateKnowledgeBase(ctx context.Context, id string, u UpdateParams) (*domain.KnowledgeBase, error) {
	kb, err := s.GetKnowledgeBase(ctx, id)
	if err != nil || kb == nil {
		return nil, err
	}
	merge(kb, u)
	kb.UpdatedAt = s.now()
	if err := kb.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.PutKnowledgeBase(ctx, *kb); err != nil {
		return nil, fmt.Errorf("store knowledge base: %w", err)
	}
	s.log.Info("knowledge base updated", "id", id)
	s.notifier.Notify(events.Event{Name: events.KnowledgeBaseUpdated, Payload: *kb})
	return kb, nil
}

func merge(kb *domain.KnowledgeBase, u UpdateParams) {
	if u.Name != nil {
		kb.Name = *u.Name
	}
	if u.Description != nil {
		kb.Description = *u.Description
	}
	if u.EmbeddingModelID != nil {
		kb.EmbeddingModelID = *u.EmbeddingModelID
	}
	if u.Dimensions != nil {
		kb.Dimensions = *u.Dimensions
	}
	if u.ChunkSize != nil {
		kb.ChunkSize = *u.ChunkSize
	}
	if u.ChunkOverlap != nil {
		kb.ChunkOverlap = *u.ChunkOverlap
	}
	if u.SimilarityThreshold != nil {
		kb.SimilarityThreshold = *u.SimilarityThreshold
	}
	if u.TargetDocumentCount != nil {
		kb.TargetDocumentCount = *u.TargetDocumentCount
	}
}

// DeleteKnowledgeBase removes the documents of a knowledge base and then
// the knowledge base itself. Deleting an unknown id succeeds. A store
// failure is logged and reported as false.
func (s *KnowledgeService) DeleteKnowledgeBase(ctx context.Context, id string) (bool, error) {
	n, err := s.store.DeleteDocumentsByKnowledgeBase(ctx, id)
	if err != nil {
		s.log.Error("delete documents of knowledge base failed", "id", id, "err", err)
		return false, nil
	}
	if err := s.store.DeleteKnowledgeBase(ctx, id); err != nil {
		s.log.Error("delete knowledge base failed", "id", id, "documents_removed", n, "err", err)
		return false, nil
	}
	s.log.Info("knowledge base deleted", "id", id, "documents_removed", n)
	s.notifier.Notify(events.Event{
		Name:    events.KnowledgeBaseDeleted,
		Payload: events.KnowledgeBaseDeletedPayload{ID: id, DocumentCount: n},
	})
	return true, nil
}

// AddDocumentParams is raw content to ingest into a knowledge base.
type AddDocumentParams struct {
	KnowledgeBaseID string          `json:"knowledgeBaseId"`
	Content         string          `json:"content"`
	Metadata        domain.Metadata `json:"metadata"`
}

// AddDocument chunks the content and embeds and stores each chunk in order.
// A chunk whose embedding fails gets a fallback vector; a chunk that cannot
// be stored is skipped. Neither aborts the batch. If ctx is cancelled
// between chunks, the documents stored so far are returned with ctx.Err().
func (s *KnowledgeService) AddDocument(ctx context.Context, p AddDocumentParams) ([]domain.Document, error) {
	kb, err := s.requireKnowledgeBase(ctx, p.KnowledgeBaseID)
	if err != nil {
		return nil, err
	}
	chunks, err := chunker.Split(p.Content, kb.ChunkSize, kb.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	s.log.Info("ingesting document", "knowledge_base", kb.ID, "chunks", len(chunks), "source", p.Metadata.Source)

	docs := make([]domain.Document, 0, len(chunks))
	for i, text := range chunks {
		if err := ctx.Err(); err != nil {
			s.notifyAdded(kb.ID, len(docs))
			return docs, err
		}
		res := embedding.EmbedOrFallback(ctx, s.embedder, text, kb.EmbeddingModelID, kb.Dimensions, s.rng)
		if res.Source == embedding.SourceFallback {
			s.log.Warn("embedding failed, storing chunk with fallback vector",
				"knowledge_base", kb.ID, "chunk", i, "fallback", true, "err", res.Err)
		}
		md := p.Metadata
		md.ChunkIndex = i
		md.Timestamp = s.now().UnixMilli()
		doc := domain.Document{
			ID:              uuid.NewString(),
			KnowledgeBaseID: kb.ID,
			Content:         text,
			Vector:          res.Vector,
			Metadata:        md,
			Fallback:        res.Source == embedding.SourceFallback,
		}
		if err := s.store.PutDocument(ctx, doc); err != nil {
			s.log.Error("store chunk failed, skipping", "knowledge_base", kb.ID, "chunk", i, "err", err)
			continue
		}
		docs = append(docs, doc)
		s.notifier.Notify(events.Event{
			Name: events.KnowledgeDocumentProcessed,
			Payload: events.DocumentProcessedPayload{
				DocumentID:      doc.ID,
				KnowledgeBaseID: kb.ID,
				Progress:        events.Progress{Current: i + 1, Total: len(chunks)},
			},
		})
	}
	s.notifyAdded(kb.ID, len(docs))
	s.log.Info("document ingested", "knowledge_base", kb.ID, "documents", len(docs))
	return docs, nil
}

func (s *KnowledgeService) notifyAdded(kbID string, n int) {
	s.notifier.Notify(events.Event{
		Name:    events.KnowledgeDocumentsAdded,
		Payload: events.DocumentsAddedPayload{KnowledgeBaseID: kbID, Count: n},
	})
}

// GetDocuments lists the chunks of a knowledge base in insertion order.
func (s *KnowledgeService) GetDocuments(ctx context.Context, knowledgeBaseID string) ([]domain.Document, error) {
	docs, err := s.store.DocumentsByKnowledgeBase(ctx, knowledgeBaseID)
	if err != nil {
		return nil, fmt.Errorf("list documents of %s: %w", knowledgeBaseID, err)
	}
	return docs, nil
}

// DeleteDocument returns false when the document does not exist.
func (s *KnowledgeService) DeleteDocument(ctx context.Context, id string) (bool, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Warn("delete of missing document", "id", id)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get document %s: %w", id, err)
	}
	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return false, fmt.Errorf("delete document %s: %w", id, err)
	}
	s.notifier.Notify(events.Event{
		Name:    events.KnowledgeDocumentDeleted,
		Payload: events.DocumentDeletedPayload{DocumentID: id, KnowledgeBaseID: doc.KnowledgeBaseID},
	})
	return true, nil
}

// SearchParams selects a knowledge base and query. Nil Threshold uses the
// knowledge base's threshold; a nil or non-positive Limit uses the service
// default.
type SearchParams struct {
	KnowledgeBaseID string   `json:"knowledgeBaseId"`
	Query           string   `json:"query"`
	Threshold       *float64 `json:"threshold,omitempty"`
	Limit           *int     `json:"limit,omitempty"`
}

// SearchResponse holds ranked results. Degraded is set when the query
// could not be embedded and a fallback vector was used instead.
type SearchResponse struct {
	Results  []domain.SearchResult `json:"results"`
	Degraded bool                  `json:"degraded"`
}

// Search ranks the chunks of a knowledge base against the query. An empty
// result means nothing relevant was found; only an unknown knowledge base
// or a store lookup failure of the knowledge base itself is an error.
func (s *KnowledgeService) Search(ctx context.Context, p SearchParams) (*SearchResponse, error) {
	kb, err := s.requireKnowledgeBase(ctx, p.KnowledgeBaseID)
	if err != nil {
		return nil, err
	}
	resp := &SearchResponse{Results: []domain.SearchResult{}}

	res := embedding.EmbedOrFallback(ctx, s.embedder, p.Query, kb.EmbeddingModelID, kb.Dimensions, s.rng)
	if res.Source == embedding.SourceFallback {
		resp.Degraded = true
		s.log.Warn("query embedding failed, searching with fallback vector",
			"knowledge_base", kb.ID, "fallback", true, "err", res.Err)
	}

	docs, err := s.store.DocumentsByKnowledgeBase(ctx, kb.ID)
	if err != nil {
		s.log.Error("load candidates failed", "knowledge_base", kb.ID, "err", err)
		return resp, nil
	}
	candidates := make([]similarity.Candidate[domain.Document], len(docs))
	for i, d := range docs {
		candidates[i] = similarity.Candidate[domain.Document]{ID: d.ID, Vector: d.Vector, Payload: d}
	}
	if n := similarity.Mismatched(res.Vector, candidates); n > 0 {
		s.log.Warn("vector dimension mismatch, comparing truncated vectors",
			"knowledge_base", kb.ID, "query_dimensions", len(res.Vector), "mismatched", n)
	}

	threshold := kb.SimilarityThreshold
	if p.Threshold != nil {
		threshold = *p.Threshold
	}
	limit := s.defaults.SearchLimit
	if p.Limit != nil && *p.Limit > 0 {
		limit = *p.Limit
	}
	for _, m := range similarity.Search(res.Vector, candidates, threshold, limit) {
		resp.Results = append(resp.Results, domain.SearchResult{
			DocumentID: m.ID,
			Content:    m.Payload.Content,
			Similarity: m.Similarity,
			Metadata:   m.Payload.Metadata,
		})
	}
	s.log.Debug("search done", "knowledge_base", kb.ID, "candidates", len(docs), "results", len(resp.Results))
	return resp, nil
}

// SearchKnowledge searches with the knowledge base's own threshold.
func (s *KnowledgeService) SearchKnowledge(ctx context.Context, knowledgeBaseID, query string, limit int) ([]domain.SearchResult, error) {
	p := SearchParams{KnowledgeBaseID: knowledgeBaseID, Query: query}
	if limit > 0 {
		p.Limit = &limit
	}
	resp, err := s.Search(ctx, p)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (s *KnowledgeService) requireKnowledgeBase(ctx context.Context, id string) (*domain.KnowledgeBase, error) {
	kb, err := s.GetKnowledgeBase(ctx, id)
	if err != nil {
		return nil, err
	}
	if kb == nil {
		return nil, fmt.Errorf("knowledge base %s: %w", id, domain.ErrNotFound)
	}
	return kb, nil
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
