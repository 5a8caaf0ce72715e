// Package bolt stores knowledge bases and documents in a bbolt file.
// Values are JSON; documents of a knowledge base are indexed by insertion
// sequence so they list in the order they were added.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"kbrag/internal/domain"
)

var (
	bucketKnowledgeBases = []byte("knowledge_bases")
	bucketDocuments      = []byte("documents")
	bucketByKB           = []byte("documents_by_kb")
)

type docRecord struct {
	Seq uint64          `json:"seq"`
	Doc domain.Document `json:"doc"`
}

type Storage struct {
	db *bbolt.DB
}

// Open opens or creates the database file at path, creating its directory.
func Open(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketKnowledgeBases, bucketDocuments, bucketByKB} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Storage{db: db}, nil
}

func (s *Storage) PutKnowledgeBase(ctx context.Context, kb domain.KnowledgeBase) error {
	data, err := json.Marshal(kb)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKnowledgeBases).Put([]byte(kb.ID), data)
	})
}

func (s *Storage) GetKnowledgeBase(ctx context.Context, id string) (*domain.KnowledgeBase, error) {
	var kb domain.KnowledgeBase
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketKnowledgeBases).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("knowledge base %s: %w", id, domain.ErrNotFound)
		}
		return json.Unmarshal(data, &kb)
	})
	if err != nil {
		return nil, err
	}
	return &kb, nil
}

func (s *Storage) DeleteKnowledgeBase(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKnowledgeBases).Delete([]byte(id))
	})
}

func (s *Storage) ListKnowledgeBases(ctx context.Context) ([]domain.KnowledgeBase, error) {
	out := []domain.KnowledgeBase{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKnowledgeBases).ForEach(func(_, v []byte) error {
			var kb domain.KnowledgeBase
			if err := json.Unmarshal(v, &kb); err != nil {
				return err
			}
			out = append(out, kb)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByCreated(out)
	return out, nil
}

func (s *Storage) PutDocument(ctx context.Context, doc domain.Document) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)
		if old := docs.Get([]byte(doc.ID)); old != nil {
			if err := unindex(tx, old); err != nil {
				return err
			}
		}
		idx, err := tx.Bucket(bucketByKB).CreateBucketIfNotExists([]byte(doc.KnowledgeBaseID))
		if err != nil {
			return err
		}
		seq, err := idx.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(docRecord{Seq: seq, Doc: doc})
		if err != nil {
			return err
		}
		if err := idx.Put(seqKey(seq), []byte(doc.ID)); err != nil {
			return err
		}
		return docs.Put([]byte(doc.ID), data)
	})
}

func (s *Storage) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	var rec docRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec.Doc, nil
}

func (s *Storage) DeleteDocument(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)
		data := docs.Get([]byte(id))
		if data == nil {
			return nil
		}
		if err := unindex(tx, data); err != nil {
			return err
		}
		return docs.Delete([]byte(id))
	})
}

func (s *Storage) DocumentsByKnowledgeBase(ctx context.Context, knowledgeBaseID string) ([]domain.Document, error) {
	out := []domain.Document{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketByKB).Bucket([]byte(knowledgeBaseID))
		if idx == nil {
			return nil
		}
		docs := tx.Bucket(bucketDocuments)
		return idx.ForEach(func(_, id []byte) error {
			var rec docRecord
			if err := json.Unmarshal(docs.Get(id), &rec); err != nil {
				return fmt.Errorf("decode document %s: %w", id, err)
			}
			out = append(out, rec.Doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) DeleteDocumentsByKnowledgeBase(ctx context.Context, knowledgeBaseID string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		byKB := tx.Bucket(bucketByKB)
		idx := byKB.Bucket([]byte(knowledgeBaseID))
		if idx == nil {
			return nil
		}
		docs := tx.Bucket(bucketDocuments)
		if err := idx.ForEach(func(_, id []byte) error {
			n++
			return docs.Delete(id)
		}); err != nil {
			return err
		}
		return byKB.DeleteBucket([]byte(knowledgeBaseID))
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func unindex(tx *bbolt.Tx, data []byte) error {
	var rec docRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	idx := tx.Bucket(bucketByKB).Bucket([]byte(rec.Doc.KnowledgeBaseID))
	if idx == nil {
		return nil
	}
	return idx.Delete(seqKey(rec.Seq))
}

// seqKey is big-endian so byte order matches insertion order.
func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func sortByCreated(kbs []domain.KnowledgeBase) {
	sort.SliceStable(kbs, func(i, j int) bool { return kbs[i].CreatedAt.Before(kbs[j].CreatedAt) })
}
