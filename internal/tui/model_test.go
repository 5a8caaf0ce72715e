package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"kbrag/internal/domain"
	"kbrag/internal/service"
)

type stubSearch struct {
	ctx  context.Context
	got  service.SearchParams
	resp *service.SearchResponse
	err  error
}

func (s *stubSearch) Search(ctx context.Context, p service.SearchParams) (*service.SearchResponse, error) {
	s.ctx = ctx
	s.got = p
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.resp, s.err
}

func TestEnterRunsSearchAndShowsResults(t *testing.T) {
	stub := &stubSearch{resp: &service.SearchResponse{Results: []domain.SearchResult{
		{DocumentID: "d1", Content: "Cats purr. Dogs bark.", Similarity: 0.91},
		{DocumentID: "d2", Content: "Birds sing", Similarity: 0.8},
	}}}
	m := New(context.Background(), stub, domain.KnowledgeBase{ID: "kb1", Name: "pets"}, "summary", 3)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	m = next.(Model)
	m.input.SetValue("dogs")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	if cmd == nil || !m.searching {
		t.Fatal("enter should start a search")
	}
	next, _ = m.Update(cmd())
	m = next.(Model)

	if stub.got.KnowledgeBaseID != "kb1" || stub.got.Query != "dogs" || stub.got.Limit == nil || *stub.got.Limit != 3 {
		t.Errorf("search params = %+v", stub.got)
	}
	if len(m.results) != 2 || m.searching {
		t.Fatalf("results = %+v searching=%v", m.results, m.searching)
	}
	if !strings.Contains(m.status, "2 results") {
		t.Errorf("status = %q", m.status)
	}
	if out := m.renderCurrentResult(); !strings.Contains(out, "similarity=0.910") || !strings.Contains(out, "Dogs bark.") {
		t.Errorf("render = %q", out)
	}

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(Model)
	if m.cursor != 1 {
		t.Errorf("cursor = %d, want 1", m.cursor)
	}
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	if next.(Model).cursor != 0 {
		t.Error("cursor should wrap")
	}
}

func TestSearchErrorAndDegraded(t *testing.T) {
	m := New(context.Background(), &stubSearch{}, domain.KnowledgeBase{ID: "kb1"}, "", 0)
	next, _ := m.Update(searchDoneMsg{query: "q", err: errors.New("boom")})
	if s := next.(Model).status; s != "Error: boom" {
		t.Errorf("status = %q", s)
	}
	next, _ = m.Update(searchDoneMsg{query: "q", resp: &service.SearchResponse{Results: []domain.SearchResult{}, Degraded: true}})
	got := next.(Model)
	if !strings.Contains(got.status, "embedding unavailable") {
		t.Errorf("status = %q", got.status)
	}
	if out := got.renderCurrentResult(); out != "No relevant content found." {
		t.Errorf("render = %q", out)
	}
}

func TestHighlightKeepsTrailingFragment(t *testing.T) {
	out := highlightBestSentence("First sentence. trailing fragment without stop", "fragment")
	if !strings.Contains(out, "First sentence.") || !strings.Contains(out, "trailing fragment without stop") {
		t.Errorf("highlight = %q", out)
	}
}

func TestSearchUsesProgramContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stub := &stubSearch{resp: &service.SearchResponse{}}
	m := New(ctx, stub, domain.KnowledgeBase{ID: "kb1"}, "", 0)
	m.input.SetValue("q")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)

	cancel()
	next, _ = m.Update(cmd())
	if stub.ctx != ctx {
		t.Error("search did not receive the program context")
	}
	if s := next.(Model).status; !strings.Contains(s, context.Canceled.Error()) {
		t.Errorf("status = %q, want cancellation error", s)
	}
}
