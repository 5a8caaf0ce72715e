package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"kbrag/internal/domain"
	"kbrag/internal/events"
	"kbrag/internal/store/memory"
)

type scriptedEmbedder struct {
	vectors map[string][]float64
	fail    map[string]bool
	calls   []string
}

func (e *scriptedEmbedder) Embed(ctx context.Context, text, modelID string) ([]float64, error) {
	e.calls = append(e.calls, text)
	if e.fail[text] {
		return nil, fmt.Errorf("%w: unavailable", domain.ErrRemote)
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float64{1, 1, 1}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) named(n events.Name) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Name == n {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T, emb domain.Embedder) (*KnowledgeService, *memory.Storage, *recorder) {
	t.Helper()
	st := memory.NewStorage()
	rec := &recorder{}
	svc := NewKnowledgeService(st, emb, rec,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRand(rand.New(rand.NewSource(7))))
	return svc, st, rec
}

func TestCreateKnowledgeBaseDefaults(t *testing.T) {
	svc, _, rec := newTestService(t, &scriptedEmbedder{})
	kb, err := svc.CreateKnowledgeBase(context.Background(), CreateParams{Name: "kb", EmbeddingModelID: "m", Dimensions: 3})
	if err != nil {
		t.Fatalf("CreateKnowledgeBase() error = %v", err)
	}
	if kb.ID == "" || kb.CreatedAt.IsZero() || !kb.CreatedAt.Equal(kb.UpdatedAt) {
		t.Errorf("bad identity fields: %+v", kb)
	}
	if kb.ChunkSize != DefaultChunkSize || kb.ChunkOverlap != DefaultChunkOverlap ||
		kb.SimilarityThreshold != DefaultSimilarityThreshold || kb.TargetDocumentCount != DefaultDocumentCount {
		t.Errorf("defaults not applied: %+v", kb)
	}
	if len(rec.named(events.KnowledgeBaseCreated)) != 1 {
		t.Error("expected one created event")
	}
}

func TestCreateKnowledgeBaseInvalid(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedEmbedder{})
	_, err := svc.CreateKnowledgeBase(context.Background(), CreateParams{Name: "kb", EmbeddingModelID: "m"})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("error = %v, want ErrInvalid", err)
	}
}

func TestCreateKnowledgeBaseSmallChunkKeepsOverlapBelowSize(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedEmbedder{})
	kb, err := svc.CreateKnowledgeBase(context.Background(), CreateParams{Name: "kb", Dimensions: 3, ChunkSize: 50})
	if err != nil {
		t.Fatalf("CreateKnowledgeBase() error = %v", err)
	}
	if kb.ChunkOverlap >= kb.ChunkSize {
		t.Errorf("overlap %d >= size %d", kb.ChunkOverlap, kb.ChunkSize)
	}
}

func TestGetAndUpdateKnowledgeBase(t *testing.T) {
	ctx := context.Background()
	svc, _, rec := newTestService(t, &scriptedEmbedder{})

	got, err := svc.GetKnowledgeBase(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("GetKnowledgeBase(missing) = %v, %v", got, err)
	}
	upd, err := svc.UpdateKnowledgeBase(ctx, "missing", UpdateParams{})
	if err != nil || upd != nil {
		t.Fatalf("UpdateKnowledgeBase(missing) = %v, %v", upd, err)
	}

	kb, _ := svc.CreateKnowledgeBase(ctx, CreateParams{Name: "old", Dimensions: 3, ChunkSize: 10, ChunkOverlap: intPtr(2)})
	name := "new"
	threshold := 0.4
	upd, err = svc.UpdateKnowledgeBase(ctx, kb.ID, UpdateParams{Name: &name, SimilarityThreshold: &threshold})
	if err != nil {
		t.Fatalf("UpdateKnowledgeBase() error = %v", err)
	}
	if upd.Name != "new" || upd.SimilarityThreshold != 0.4 || upd.ChunkSize != 10 {
		t.Errorf("merge wrong: %+v", upd)
	}
	if upd.UpdatedAt.Before(kb.UpdatedAt) {
		t.Error("UpdatedAt not refreshed")
	}
	stored, _ := svc.GetKnowledgeBase(ctx, kb.ID)
	if stored.Name != "new" {
		t.Errorf("stored name = %q", stored.Name)
	}
	if len(rec.named(events.KnowledgeBaseUpdated)) != 1 {
		t.Error("expected one updated event")
	}

	bad := 10
	if _, err := svc.UpdateKnowledgeBase(ctx, kb.ID, UpdateParams{ChunkOverlap: &bad}); !errors.Is(err, domain.ErrInvalid) {
		t.Errorf("overlap == size error = %v, want ErrInvalid", err)
	}
}

func TestAddDocumentSurvivesEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	emb := &scriptedEmbedder{fail: map[string]bool{"bbbbb": true}}
	svc, _, rec := newTestService(t, emb)
	kb, _ := svc.CreateKnowledgeBase(ctx, CreateParams{Name: "kb", EmbeddingModelID: "m", Dimensions: 4, ChunkSize: 5, ChunkOverlap: intPtr(0)})

	docs, err := svc.AddDocument(ctx, AddDocumentParams{
		KnowledgeBaseID: kb.ID,
		Content:         "aaaaabbbbbcccccdddddeeeee",
		Metadata:        domain.Metadata{Source: "test", FileName: "f.txt"},
	})
	if err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	if len(docs) != 5 {
		t.Fatalf("got %d documents, want 5", len(docs))
	}
	for i, d := range docs {
		if d.Metadata.ChunkIndex != i || d.Metadata.Source != "test" || d.Metadata.Timestamp == 0 {
			t.Errorf("doc %d metadata = %+v", i, d.Metadata)
		}
		wantFallback := i == 1
		if d.Fallback != wantFallback {
			t.Errorf("doc %d Fallback = %v, want %v", i, d.Fallback, wantFallback)
		}
	}
	if len(docs[1].Vector) != 4 {
		t.Errorf("fallback vector has %d dimensions, want 4", len(docs[1].Vector))
	}

	progress := rec.named(events.KnowledgeDocumentProcessed)
	if len(progress) != 5 {
		t.Fatalf("got %d progress events, want 5", len(progress))
	}
	for i, e := range progress {
		p := e.Payload.(events.DocumentProcessedPayload)
		if p.Progress.Current != i+1 || p.Progress.Total != 5 {
			t.Errorf("progress %d = %+v", i, p.Progress)
		}
	}
	added := rec.named(events.KnowledgeDocumentsAdded)
	if len(added) != 1 || added[0].Payload.(events.DocumentsAddedPayload).Count != 5 {
		t.Errorf("documents added events = %+v", added)
	}
	if len(emb.calls) != 5 || emb.calls[0] != "aaaaa" || emb.calls[4] != "eeeee" {
		t.Errorf("chunks embedded out of order: %v", emb.calls)
	}
}

func TestAddDocumentUnknownKnowledgeBase(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedEmbedder{})
	_, err := svc.AddDocument(context.Background(), AddDocumentParams{KnowledgeBaseID: "nope", Content: "x"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

type flakyStore struct {
	*memory.Storage
	failContent string
}

func (s *flakyStore) PutDocument(ctx context.Context, doc domain.Document) error {
	if doc.Content == s.failContent {
		return errors.New("disk full")
	}
	return s.Storage.PutDocument(ctx, doc)
}

func TestAddDocumentSkipsChunksThatFailToStore(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Storage: memory.NewStorage(), failContent: "bbb"}
	svc := NewKnowledgeService(st, &scriptedEmbedder{}, nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	kb, _ := svc.CreateKnowledgeBase(ctx, CreateParams{Name: "kb", Dimensions: 3, ChunkSize: 3, ChunkOverlap: intPtr(0)})

	docs, err := svc.AddDocument(ctx, AddDocumentParams{KnowledgeBaseID: kb.ID, Content: "aaabbbccc"})
	if err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	if len(docs) != 2 || docs[0].Content != "aaa" || docs[1].Content != "ccc" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestAddDocumentStopsOnCancel(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedEmbedder{})
	kb, _ := svc.CreateKnowledgeBase(context.Background(), CreateParams{Name: "kb", Dimensions: 3, ChunkSize: 3, ChunkOverlap: intPtr(0)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	docs, err := svc.AddDocument(ctx, AddDocumentParams{KnowledgeBaseID: kb.ID, Content: "aaabbbccc"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(docs) != 0 {
		t.Errorf("got %d documents after cancel", len(docs))
	}
}

func TestDeleteKnowledgeBaseCascades(t *testing.T) {
	ctx := context.Background()
	svc, _, rec := newTestService(t, &scriptedEmbedder{})
	kb, _ := svc.CreateKnowledgeBase(ctx, CreateParams{Name: "kb", Dimensions: 3, ChunkSize: 3, ChunkOverlap: intPtr(0)})
	if _, err := svc.AddDocument(ctx, AddDocumentParams{KnowledgeBaseID: kb.ID, Content: "aaabbbccc"}); err != nil {
		t.Fatal(err)
	}

	ok, err := svc.DeleteKnowledgeBase(ctx, kb.ID)
	if err != nil || !ok {
		t.Fatalf("DeleteKnowledgeBase() = %v, %v", ok, err)
	}
	docs, _ := svc.GetDocuments(ctx, kb.ID)
	if len(docs) != 0 {
		t.Errorf("%d documents left", len(docs))
	}
	if got, _ := svc.GetKnowledgeBase(ctx, kb.ID); got != nil {
		t.Error("knowledge base still present")
	}
	deleted := rec.named(events.KnowledgeBaseDeleted)
	if len(deleted) != 1 {
		t.Fatalf("deleted events = %d", len(deleted))
	}
	if p := deleted[0].Payload.(events.KnowledgeBaseDeletedPayload); p.ID != kb.ID || p.DocumentCount != 3 {
		t.Errorf("payload = %+v", p)
	}

	ok, err = svc.DeleteKnowledgeBase(ctx, "missing")
	if err != nil || !ok {
		t.Errorf("DeleteKnowledgeBase(missing) = %v, %v", ok, err)
	}
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	svc, _, rec := newTestService(t, &scriptedEmbedder{})
	kb, _ := svc.CreateKnowledgeBase(ctx, CreateParams{Name: "kb", Dimensions: 3, ChunkSize: 3, ChunkOverlap: intPtr(0)})
	docs, _ := svc.AddDocument(ctx, AddDocumentParams{KnowledgeBaseID: kb.ID, Content: "aaabbb"})

	ok, err := svc.DeleteDocument(ctx, docs[0].ID)
	if err != nil || !ok {
		t.Fatalf("DeleteDocument() = %v, %v", ok, err)
	}
	ok, err = svc.DeleteDocument(ctx, docs[0].ID)
	if err != nil || ok {
		t.Errorf("second DeleteDocument() = %v, %v, want false", ok, err)
	}
	left, _ := svc.GetDocuments(ctx, kb.ID)
	if len(left) != 1 || left[0].ID != docs[1].ID {
		t.Errorf("remaining = %+v", left)
	}
	deleted := rec.named(events.KnowledgeDocumentDeleted)
	if len(deleted) != 1 {
		t.Fatalf("deleted events = %d", len(deleted))
	}
	if p := deleted[0].Payload.(events.DocumentDeletedPayload); p.DocumentID != docs[0].ID || p.KnowledgeBaseID != kb.ID {
		t.Errorf("payload = %+v", p)
	}
}

func TestIngestAndSearchEndToEnd(t *testing.T) {
	ctx := context.Background()
	emb := &scriptedEmbedder{vectors: map[string][]float64{
		"abcdefghij": {1, 0, 0},
		"ijklmnopqr": {0, 1, 0},
		"qrstuvwx":   {0, 0, 1},
		"query":      {0, 1, 0},
	}}
	svc, _, _ := newTestService(t, emb)
	kb, _ := svc.CreateKnowledgeBase(ctx, CreateParams{Name: "kb", EmbeddingModelID: "m", Dimensions: 3, ChunkSize: 10, ChunkOverlap: intPtr(2)})

	docs, err := svc.AddDocument(ctx, AddDocumentParams{KnowledgeBaseID: kb.ID, Content: "abcdefghijklmnopqrstuvwx"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"abcdefghij", "ijklmnopqr", "qrstuvwx"}
	if len(docs) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(docs), len(want))
	}
	for i, d := range docs {
		if d.Content != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, d.Content, want[i])
		}
	}

	threshold := 0.99
	resp, err := svc.Search(ctx, SearchParams{KnowledgeBaseID: kb.ID, Query: "query", Threshold: &threshold})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Degraded {
		t.Error("search should not be degraded")
	}
	if len(resp.Results) != 1 || resp.Results[0].DocumentID != docs[1].ID {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[0].Similarity < 0.99 {
		t.Errorf("similarity = %v", resp.Results[0].Similarity)
	}
}

func TestSearchUsesKnowledgeBaseThresholdAndDefaultLimit(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &scriptedEmbedder{})
	kb, _ := svc.CreateKnowledgeBase(ctx, CreateParams{Name: "kb", Dimensions: 3, ChunkSize: 1, ChunkOverlap: intPtr(0), SimilarityThreshold: 0.5})
	if _, err := svc.AddDocument(ctx, AddDocumentParams{KnowledgeBaseID: kb.ID, Content: "abcdefgh"}); err != nil {
		t.Fatal(err)
	}
	res, err := svc.SearchKnowledge(ctx, kb.ID, "q", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != DefaultSearchLimit {
		t.Errorf("got %d results, want %d", len(res), DefaultSearchLimit)
	}
	res, _ = svc.SearchKnowledge(ctx, kb.ID, "q", 2)
	if len(res) != 2 {
		t.Errorf("got %d results, want 2", len(res))
	}
}

func TestSearchDegradesOnEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	emb := &scriptedEmbedder{fail: map[string]bool{"query": true}}
	svc, _, _ := newTestService(t, emb)
	kb, _ := svc.CreateKnowledgeBase(ctx, CreateParams{Name: "kb", Dimensions: 3, ChunkSize: 3, ChunkOverlap: intPtr(0)})
	if _, err := svc.AddDocument(ctx, AddDocumentParams{KnowledgeBaseID: kb.ID, Content: "aaabbb"}); err != nil {
		t.Fatal(err)
	}
	resp, err := svc.Search(ctx, SearchParams{KnowledgeBaseID: kb.ID, Query: "query"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !resp.Degraded {
		t.Error("expected degraded search")
	}
	if resp.Results == nil {
		t.Error("results must be empty, not nil")
	}
}

func TestSearchUnknownKnowledgeBase(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedEmbedder{})
	_, err := svc.Search(context.Background(), SearchParams{KnowledgeBaseID: "nope", Query: "q"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func intPtr(v int) *int { return &v }

func TestSearchNonPositiveLimitUsesDefault(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &scriptedEmbedder{})
	kb, _ := svc.CreateKnowledgeBase(ctx, CreateParams{Name: "kb", Dimensions: 3, ChunkSize: 1, ChunkOverlap: intPtr(0), SimilarityThreshold: 0.5})
	if _, err := svc.AddDocument(ctx, AddDocumentParams{KnowledgeBaseID: kb.ID, Content: "abcdefgh"}); err != nil {
		t.Fatal(err)
	}
	for _, limit := range []int{0, -1} {
		resp, err := svc.Search(ctx, SearchParams{KnowledgeBaseID: kb.ID, Query: "q", Limit: intPtr(limit)})
		if err != nil {
			t.Fatalf("Search(limit=%d) error = %v", limit, err)
		}
		if len(resp.Results) != DefaultSearchLimit {
			t.Errorf("Search(limit=%d) returned %d results, want %d", limit, len(resp.Results), DefaultSearchLimit)
		}
	}
}

func TestTimestampsFollowClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewKnowledgeService(memory.NewStorage(), &scriptedEmbedder{}, nil,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return now }))

	kb, err := svc.CreateKnowledgeBase(ctx, CreateParams{Name: "kb", Dimensions: 3, ChunkSize: 3, ChunkOverlap: intPtr(0)})
	if err != nil {
		t.Fatal(err)
	}
	if !kb.CreatedAt.Equal(now) || !kb.UpdatedAt.Equal(now) {
		t.Errorf("created timestamps = %v / %v, want %v", kb.CreatedAt, kb.UpdatedAt, now)
	}

	now = now.Add(time.Hour)
	docs, err := svc.AddDocument(ctx, AddDocumentParams{KnowledgeBaseID: kb.ID, Content: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if docs[0].Metadata.Timestamp != now.UnixMilli() {
		t.Errorf("chunk timestamp = %d, want %d", docs[0].Metadata.Timestamp, now.UnixMilli())
	}

	now = now.Add(time.Hour)
	name := "renamed"
	upd, err := svc.UpdateKnowledgeBase(ctx, kb.ID, UpdateParams{Name: &name})
	if err != nil {
		t.Fatal(err)
	}
	if !upd.UpdatedAt.Equal(now) || !upd.CreatedAt.Equal(kb.CreatedAt) {
		t.Errorf("after update created=%v updated=%v, want updated %v", upd.CreatedAt, upd.UpdatedAt, now)
	}
}
