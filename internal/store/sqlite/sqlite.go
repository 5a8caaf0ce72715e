// Package sqlite stores knowledge bases and documents in SQLite through
// gorm, using the CGO-free glebarez driver.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"kbrag/internal/domain"
)

type Storage struct {
	db *gorm.DB
}

// Open opens the database at path (":memory:" works) and migrates the schema.
func Open(path string) (*Storage, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(gormsqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&knowledgeBaseRow{}, &documentRow{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Storage{db: db}, nil
}

// Ping checks that the database answers.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Storage) PutKnowledgeBase(ctx context.Context, kb domain.KnowledgeBase) error {
	row := fromKnowledgeBase(kb)
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Storage) GetKnowledgeBase(ctx context.Context, id string) (*domain.KnowledgeBase, error) {
	var row knowledgeBaseRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("knowledge base %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	kb := row.toDomain()
	return &kb, nil
}

func (s *Storage) DeleteKnowledgeBase(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&knowledgeBaseRow{}).Error
}

func (s *Storage) ListKnowledgeBases(ctx context.Context) ([]domain.KnowledgeBase, error) {
	var rows []knowledgeBaseRow
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.KnowledgeBase, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// PutDocument replaces any document with the same id; the replacement
// moves to the end of its knowledge base's order.
func (s *Storage) PutDocument(ctx context.Context, doc domain.Document) error {
	row := fromDocument(doc)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", doc.ID).Delete(&documentRow{}).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
}

func (s *Storage) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Storage) DeleteDocument(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&documentRow{}).Error
}

func (s *Storage) DocumentsByKnowledgeBase(ctx context.Context, knowledgeBaseID string) ([]domain.Document, error) {
	var rows []documentRow
	err := s.db.WithContext(ctx).Where("knowledge_base_id = ?", knowledgeBaseID).Order("seq ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Document, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Storage) DeleteDocumentsByKnowledgeBase(ctx context.Context, knowledgeBaseID string) (int, error) {
	res := s.db.WithContext(ctx).Where("knowledge_base_id = ?", knowledgeBaseID).Delete(&documentRow{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
