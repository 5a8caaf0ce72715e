// Package storetest checks that a domain.Store backend behaves like the
// in-memory reference store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"kbrag/internal/domain"
)

// Run exercises the Store contract against stores built by open.
func Run(t *testing.T, open func(t *testing.T) domain.Store) {
	t.Run("KnowledgeBaseRoundTrip", func(t *testing.T) { testKnowledgeBases(t, open(t)) })
	t.Run("DocumentsKeepInsertionOrder", func(t *testing.T) { testDocumentOrder(t, open(t)) })
	t.Run("DeleteDocument", func(t *testing.T) { testDeleteDocument(t, open(t)) })
	t.Run("DeleteByKnowledgeBase", func(t *testing.T) { testDeleteByKB(t, open(t)) })
}

func kb(id string, created time.Time) domain.KnowledgeBase {
	return domain.KnowledgeBase{
		ID: id, Name: "name-" + id, EmbeddingModelID: "m", Dimensions: 3,
		ChunkSize: 10, ChunkOverlap: 2, SimilarityThreshold: 0.7, TargetDocumentCount: 5,
		CreatedAt: created, UpdatedAt: created,
	}
}

func doc(id, kbID string, i int) domain.Document {
	return domain.Document{
		ID: id, KnowledgeBaseID: kbID, Content: "content " + id,
		Vector:   []float64{float64(i), 0.5, -1.25},
		Metadata: domain.Metadata{Source: "src", FileName: "f.txt", ChunkIndex: i, Timestamp: 1700000000000 + int64(i)},
		Fallback: i%2 == 1,
	}
}

func testKnowledgeBases(t *testing.T, s domain.Store) {
	ctx := context.Background()
	defer s.Close()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.GetKnowledgeBase(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetKnowledgeBase(missing) error = %v, want ErrNotFound", err)
	}
	for i, id := range []string{"b", "a", "c"} {
		if err := s.PutKnowledgeBase(ctx, kb(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("PutKnowledgeBase(%s) error = %v", id, err)
		}
	}
	got, err := s.GetKnowledgeBase(ctx, "a")
	if err != nil {
		t.Fatalf("GetKnowledgeBase(a) error = %v", err)
	}
	if got.Name != "name-a" || got.ChunkOverlap != 2 || got.SimilarityThreshold != 0.7 || !got.CreatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("GetKnowledgeBase(a) = %+v", got)
	}

	updated := *got
	updated.Name = "renamed"
	if err := s.PutKnowledgeBase(ctx, updated); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListKnowledgeBases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != "b" || list[1].ID != "a" || list[2].ID != "c" || list[1].Name != "renamed" {
		t.Errorf("ListKnowledgeBases() = %+v", list)
	}

	if err := s.DeleteKnowledgeBase(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteKnowledgeBase(ctx, "a"); err != nil {
		t.Errorf("second delete error = %v", err)
	}
	if _, err := s.GetKnowledgeBase(ctx, "a"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deleted knowledge base still readable: %v", err)
	}
}

func testDocumentOrder(t *testing.T, s domain.Store) {
	ctx := context.Background()
	defer s.Close()
	ids := []string{"z", "m", "a", "q"}
	for i, id := range ids {
		if err := s.PutDocument(ctx, doc(id, "kb1", i)); err != nil {
			t.Fatalf("PutDocument(%s) error = %v", id, err)
		}
	}
	if err := s.PutDocument(ctx, doc("other", "kb2", 0)); err != nil {
		t.Fatal(err)
	}
	docs, err := s.DocumentsByKnowledgeBase(ctx, "kb1")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != len(ids) {
		t.Fatalf("got %d documents, want %d", len(docs), len(ids))
	}
	for i, d := range docs {
		if d.ID != ids[i] {
			t.Errorf("docs[%d] = %s, want %s", i, d.ID, ids[i])
		}
	}
	want := doc("m", "kb1", 1)
	got, err := s.GetDocument(ctx, "m")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(got.Vector) != fmt.Sprint(want.Vector) || got.Metadata != want.Metadata || !got.Fallback || got.Content != want.Content {
		t.Errorf("GetDocument(m) = %+v, want %+v", got, want)
	}
	empty, err := s.DocumentsByKnowledgeBase(ctx, "none")
	if err != nil || len(empty) != 0 {
		t.Errorf("DocumentsByKnowledgeBase(none) = %v, %v", empty, err)
	}
}

func testDeleteDocument(t *testing.T, s domain.Store) {
	ctx := context.Background()
	defer s.Close()
	for i, id := range []string{"d1", "d2", "d3"} {
		if err := s.PutDocument(ctx, doc(id, "kb1", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.DeleteDocument(ctx, "d2"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDocument(ctx, "d2"); err != nil {
		t.Errorf("deleting a missing document error = %v", err)
	}
	if _, err := s.GetDocument(ctx, "d2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetDocument(d2) error = %v, want ErrNotFound", err)
	}
	docs, _ := s.DocumentsByKnowledgeBase(ctx, "kb1")
	if len(docs) != 2 || docs[0].ID != "d1" || docs[1].ID != "d3" {
		t.Errorf("remaining = %+v", docs)
	}
}

func testDeleteByKB(t *testing.T, s domain.Store) {
	ctx := context.Background()
	defer s.Close()
	for i := 0; i < 3; i++ {
		if err := s.PutDocument(ctx, doc(fmt.Sprintf("a%d", i), "kb1", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PutDocument(ctx, doc("b0", "kb2", 0)); err != nil {
		t.Fatal(err)
	}
	n, err := s.DeleteDocumentsByKnowledgeBase(ctx, "kb1")
	if err != nil || n != 3 {
		t.Fatalf("DeleteDocumentsByKnowledgeBase() = %d, %v, want 3", n, err)
	}
	if docs, _ := s.DocumentsByKnowledgeBase(ctx, "kb1"); len(docs) != 0 {
		t.Errorf("%d documents left", len(docs))
	}
	if _, err := s.GetDocument(ctx, "a1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetDocument(a1) error = %v", err)
	}
	if docs, _ := s.DocumentsByKnowledgeBase(ctx, "kb2"); len(docs) != 1 {
		t.Errorf("other knowledge base lost documents: %d", len(docs))
	}
	n, err = s.DeleteDocumentsByKnowledgeBase(ctx, "kb1")
	if err != nil || n != 0 {
		t.Errorf("second delete = %d, %v", n, err)
	}
}
