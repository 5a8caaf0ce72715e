package domain

import (
	"context"
	"fmt"
	"time"
)

// KnowledgeBase is a named collection of embedded chunks with its own
// embedding model, chunking parameters and retrieval defaults.
type KnowledgeBase struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	EmbeddingModelID    string    `json:"embeddingModelId"`
	Dimensions          int       `json:"dimensions"`
	ChunkSize           int       `json:"chunkSize"`
	ChunkOverlap        int       `json:"chunkOverlap"`
	SimilarityThreshold float64   `json:"similarityThreshold"`
	TargetDocumentCount int       `json:"targetDocumentCount"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Validate checks the chunking and dimension invariants.
func (kb *KnowledgeBase) Validate() error {
	if kb.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive, got %d", ErrInvalid, kb.Dimensions)
	}
	if kb.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalid, kb.ChunkSize)
	}
	if kb.ChunkOverlap < 0 || kb.ChunkOverlap >= kb.ChunkSize {
		return fmt.Errorf("%w: chunk overlap %d must be in [0, %d)", ErrInvalid, kb.ChunkOverlap, kb.ChunkSize)
	}
	return nil
}

// Metadata describes where a chunk came from.
type Metadata struct {
	Source     string `json:"source"`
	FileName   string `json:"fileName,omitempty"`
	FileID     string `json:"fileId,omitempty"`
	ChunkIndex int    `json:"chunkIndex"`
	// Timestamp is the ingestion time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Document is one embedded chunk of ingested content.
type Document struct {
	ID              string    `json:"id"`
	KnowledgeBaseID string    `json:"knowledgeBaseId"`
	Content         string    `json:"content"`
	Vector          []float64 `json:"vector"`
	Metadata        Metadata  `json:"metadata"`
	// Fallback is set when Vector is a random placeholder rather than a real embedding.
	Fallback bool `json:"fallback,omitempty"`
}

// SearchResult represents a matching chunk with its cosine similarity.
type SearchResult struct {
	DocumentID string   `json:"documentId"`
	Content    string   `json:"content"`
	Similarity float64  `json:"similarity"`
	Metadata   Metadata `json:"metadata"`
}

// Embedder turns text into a vector using the named embedding model.
type Embedder interface {
	Embed(ctx context.Context, text, modelID string) ([]float64, error)
}

// Store persists knowledge bases and their documents.
// Get* methods return ErrNotFound for missing records.
type Store interface {
	PutKnowledgeBase(ctx context.Context, kb KnowledgeBase) error
	GetKnowledgeBase(ctx context.Context, id string) (*KnowledgeBase, error)
	DeleteKnowledgeBase(ctx context.Context, id string) error
	ListKnowledgeBases(ctx context.Context) ([]KnowledgeBase, error)

	PutDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	DeleteDocument(ctx context.Context, id string) error
	DocumentsByKnowledgeBase(ctx context.Context, knowledgeBaseID string) ([]Document, error)
	DeleteDocumentsByKnowledgeBase(ctx context.Context, knowledgeBaseID string) (int, error)

	Close() error
}
