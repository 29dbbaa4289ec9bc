package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chronicle/collab/internal/store"
)

type fakeEngine struct {
	mu       sync.Mutex
	healthy  bool
	searchFn func(q Query) ([]Result, int, error)
	indexed  []ContentRecord
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) Search(q Query) ([]Result, int, error) {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return nil, 0, nil
}

func (f *fakeEngine) IndexContent(rec ContentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
	return nil
}

func (f *fakeEngine) IndexContents(recs []ContentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, recs...)
	return nil
}

type fakeContentStore struct {
	hits     []store.ContentHit
	err      error
	contents []store.DocumentContent
	lastQ    string
}

func (f *fakeContentStore) SearchContent(_ context.Context, query string, limit, offset int) ([]store.ContentHit, int, error) {
	f.lastQ = query
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.hits, len(f.hits), nil
}

func (f *fakeContentStore) ListContents(context.Context) ([]store.DocumentContent, error) {
	return f.contents, nil
}

func TestSearchPrefersHealthyPrimary(t *testing.T) {
	primary := &fakeEngine{healthy: true, searchFn: func(q Query) ([]Result, int, error) {
		return []Result{{DocumentID: "doc-1", Snippet: "from meili"}}, 1, nil
	}}
	fallback := &fakeContentStore{}
	svc := NewService(primary, NewPgFTS(fallback))

	resp := svc.Search(Query{Text: "plan"})
	if resp.Engine != "meilisearch" || resp.Total != 1 || resp.Results[0].Snippet != "from meili" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if fallback.lastQ != "" {
		t.Fatal("fallback should not be queried when primary succeeds")
	}
}

func TestSearchFallsBackOnPrimaryFailure(t *testing.T) {
	primary := &fakeEngine{healthy: true, searchFn: func(q Query) ([]Result, int, error) {
		return nil, 0, errors.New("boom")
	}}
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fallback := &fakeContentStore{hits: []store.ContentHit{{DocumentID: "doc-2", Snippet: "from pg", UpdatedAt: updated}}}
	svc := NewService(primary, NewPgFTS(fallback))

	resp := svc.Search(Query{Text: "plan"})
	if resp.Engine != "pgfts" || len(resp.Results) != 1 || resp.Results[0].DocumentID != "doc-2" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !resp.Results[0].UpdatedAt.Equal(updated) {
		t.Fatalf("expected updatedAt carried through, got %s", resp.Results[0].UpdatedAt)
	}
}

func TestSearchWithoutPrimaryUsesFallback(t *testing.T) {
	fallback := &fakeContentStore{err: errors.New("db down")}
	svc := NewService(nil, NewPgFTS(fallback))

	resp := svc.Search(Query{Text: "plan"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp)
	}
}

func TestPgFTSSkipsBlankQuery(t *testing.T) {
	fallback := &fakeContentStore{}
	results, total, err := NewPgFTS(fallback).Search(Query{Text: "   "})
	if err != nil || total != 0 || results != nil {
		t.Fatalf("blank query: %v %d %v", results, total, err)
	}
	if fallback.lastQ != "" {
		t.Fatal("blank query should not reach the store")
	}
}

func TestIndexContentSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeEngine{healthy: false}
	svc := NewService(primary, nil)
	svc.IndexContent(NewContentRecord("doc-1", "body", 1, "alice", time.Now()))
	svc.Wait()
	if len(primary.indexed) != 0 {
		t.Fatalf("unhealthy primary should not be indexed, got %+v", primary.indexed)
	}

	primary.healthy = true
	svc.IndexContent(NewContentRecord("doc-1", "body", 1, "alice", time.Now()))
	svc.Wait()
	if len(primary.indexed) != 1 || primary.indexed[0].DocumentID != "doc-1" {
		t.Fatalf("expected one indexed record, got %+v", primary.indexed)
	}
}

func TestReindexAll(t *testing.T) {
	primary := &fakeEngine{healthy: true}
	src := &fakeContentStore{contents: []store.DocumentContent{
		{DocumentID: "a.b", Body: "one", Revision: 2},
		{DocumentID: "c", Body: "two", Revision: 1},
	}}
	NewService(primary, nil).ReindexAll(context.Background(), src)

	if len(primary.indexed) != 2 {
		t.Fatalf("expected 2 records, got %d", len(primary.indexed))
	}
	if primary.indexed[0].Key != "612e62" {
		t.Fatalf("expected hex key for a.b, got %q", primary.indexed[0].Key)
	}
}

func TestHitToResultPrefersFormattedBody(t *testing.T) {
	r := hitToResult(map[string]json.RawMessage{
		"documentId": json.RawMessage(`"doc-1"`),
		"body":       json.RawMessage(`"plain body"`),
		"revision":   json.RawMessage(`3`),
		"updatedAt":  json.RawMessage(`1772366400`),
		"_formatted": json.RawMessage(`{"body":"<mark>plain</mark> body","revision":"3"}`),
	})
	if r.DocumentID != "doc-1" || r.Snippet != "<mark>plain</mark> body" || r.Revision != 3 {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.UpdatedAt.Unix() != 1772366400 {
		t.Fatalf("unexpected updatedAt: %s", r.UpdatedAt)
	}
}
