package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"kbrag/internal/domain"
)

// Storage is an in-process store. Documents of a knowledge base are
// returned in insertion order.
type Storage struct {
	mu     sync.RWMutex
	kbs    map[string]domain.KnowledgeBase
	docs   map[string]domain.Document
	byKB   map[string][]string
}

func NewStorage() *Storage {
	return &Storage{
		kbs:  make(map[string]domain.KnowledgeBase),
		docs: make(map[string]domain.Document),
		byKB: make(map[string][]string),
	}
}

func (s *Storage) PutKnowledgeBase(ctx context.Context, kb domain.KnowledgeBase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kbs[kb.ID] = kb
	return nil
}

func (s *Storage) GetKnowledgeBase(ctx context.Context, id string) (*domain.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kb, ok := s.kbs[id]
	if !ok {
		return nil, fmt.Errorf("knowledge base %s: %w", id, domain.ErrNotFound)
	}
	return &kb, nil
}

func (s *Storage) DeleteKnowledgeBase(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kbs, id)
	return nil
}

func (s *Storage) ListKnowledgeBases(ctx context.Context) ([]domain.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.KnowledgeBase, 0, len(s.kbs))
	for _, kb := range s.kbs {
		out = append(out, kb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Storage) PutDocument(ctx context.Context, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.docs[doc.ID]; ok && old.KnowledgeBaseID != doc.KnowledgeBaseID {
		s.unindex(old)
		s.byKB[doc.KnowledgeBaseID] = append(s.byKB[doc.KnowledgeBaseID], doc.ID)
	} else if !ok {
		s.byKB[doc.KnowledgeBaseID] = append(s.byKB[doc.KnowledgeBaseID], doc.ID)
	}
	doc.Vector = append([]float64(nil), doc.Vector...)
	s.docs[doc.ID] = doc
	return nil
}

func (s *Storage) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	return &doc, nil
}

func (s *Storage) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		s.unindex(doc)
		delete(s.docs, id)
	}
	return nil
}

func (s *Storage) DocumentsByKnowledgeBase(ctx context.Context, knowledgeBaseID string) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byKB[knowledgeBaseID]
	out := make([]domain.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.docs[id])
	}
	return out, nil
}

func (s *Storage) DeleteDocumentsByKnowledgeBase(ctx context.Context, knowledgeBaseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byKB[knowledgeBaseID]
	for _, id := range ids {
		delete(s.docs, id)
	}
	delete(s.byKB, knowledgeBaseID)
	return len(ids), nil
}

func (s *Storage) Close() error { return nil }

// unindex must be called with mu held.
func (s *Storage) unindex(doc domain.Document) {
	ids := s.byKB[doc.KnowledgeBaseID]
	for i, id := range ids {
		if id == doc.ID {
			s.byKB[doc.KnowledgeBaseID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byKB[doc.KnowledgeBaseID]) == 0 {
		delete(s.byKB, doc.KnowledgeBaseID)
	}
}
