package sqlite

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"kbrag/internal/domain"
)

type knowledgeBaseRow struct {
	ID                  string `gorm:"primaryKey"`
	Name                string
	Description         string
	EmbeddingModelID    string
	Dimensions          int
	ChunkSize           int
	ChunkOverlap        int
	SimilarityThreshold float64
	TargetDocumentCount int
	// timestamps are owned by the service, not gorm
	CreatedAt time.Time `gorm:"index;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (knowledgeBaseRow) TableName() string { return "knowledge_bases" }

// documentRow keeps Seq as an autoincrement key so listing by it follows
// insertion order.
type documentRow struct {
	Seq             uint64 `gorm:"primaryKey;autoIncrement"`
	ID              string `gorm:"uniqueIndex"`
	KnowledgeBaseID string `gorm:"index"`
	Content         string
	Vector          []byte
	Fallback        bool
	Source          string
	FileName        string
	FileID          string
	ChunkIndex      int
	Timestamp       int64
}

func (documentRow) TableName() string { return "documents" }

func fromKnowledgeBase(kb domain.KnowledgeBase) knowledgeBaseRow {
	return knowledgeBaseRow{
		ID:                  kb.ID,
		Name:                kb.Name,
		Description:         kb.Description,
		EmbeddingModelID:    kb.EmbeddingModelID,
		Dimensions:          kb.Dimensions,
		ChunkSize:           kb.ChunkSize,
		ChunkOverlap:        kb.ChunkOverlap,
		SimilarityThreshold: kb.SimilarityThreshold,
		TargetDocumentCount: kb.TargetDocumentCount,
		CreatedAt:           kb.CreatedAt,
		UpdatedAt:           kb.UpdatedAt,
	}
}

func (r knowledgeBaseRow) toDomain() domain.KnowledgeBase {
	return domain.KnowledgeBase{
		ID:                  r.ID,
		Name:                r.Name,
		Description:         r.Description,
		EmbeddingModelID:    r.EmbeddingModelID,
		Dimensions:          r.Dimensions,
		ChunkSize:           r.ChunkSize,
		ChunkOverlap:        r.ChunkOverlap,
		SimilarityThreshold: r.SimilarityThreshold,
		TargetDocumentCount: r.TargetDocumentCount,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func fromDocument(d domain.Document) documentRow {
	return documentRow{
		ID:              d.ID,
		KnowledgeBaseID: d.KnowledgeBaseID,
		Content:         d.Content,
		Vector:          encodeVector(d.Vector),
		Fallback:        d.Fallback,
		Source:          d.Metadata.Source,
		FileName:        d.Metadata.FileName,
		FileID:          d.Metadata.FileID,
		ChunkIndex:      d.Metadata.ChunkIndex,
		Timestamp:       d.Metadata.Timestamp,
	}
}

func (r documentRow) toDomain() (domain.Document, error) {
	v, err := decodeVector(r.Vector)
	if err != nil {
		return domain.Document{}, fmt.Errorf("document %s: %w", r.ID, err)
	}
	return domain.Document{
		ID:              r.ID,
		KnowledgeBaseID: r.KnowledgeBaseID,
		Content:         r.Content,
		Vector:          v,
		Fallback:        r.Fallback,
		Metadata: domain.Metadata{
			Source:     r.Source,
			FileName:   r.FileName,
			FileID:     r.FileID,
			ChunkIndex: r.ChunkIndex,
			Timestamp:  r.Timestamp,
		},
	}, nil
}

// encodeVector packs float64s little-endian, 8 bytes each.
func encodeVector(v []float64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(x))
	}
	return b
}

func decodeVector(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 8", len(b))
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v, nil
}
