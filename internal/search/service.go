package search

import (
	"context"
	"log"
	"sync"

	"chronicle/collab/internal/store"
)

type contentLister interface {
	ListContents(ctx context.Context) ([]store.DocumentContent, error)
}

// Service is the facade that tries the primary engine first and falls back
// to PG FTS.
type Service struct {
	primary  Engine
	fallback Searcher
	wg       sync.WaitGroup
}

// NewService creates a search service. primary may be nil when Meilisearch
// is not configured.
func NewService(primary Engine, fallback Searcher) *Service {
	return &Service{primary: primary, fallback: fallback}
}

func (s *Service) Search(q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: "pgfts"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "pgfts"}
}

// IndexContent pushes a saved body to the primary engine without blocking
// the save.
func (s *Service) IndexContent(rec ContentRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.primary.IndexContent(rec); err != nil {
			log.Printf("search: index content %s: %v", rec.DocumentID, err)
		}
	}()
}

// ReindexAll loads every persisted body and pushes it to the primary engine.
func (s *Service) ReindexAll(ctx context.Context, src contentLister) {
	if s.primary == nil || !s.primary.Healthy() || src == nil {
		return
	}
	contents, err := src.ListContents(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	recs := make([]ContentRecord, 0, len(contents))
	for _, c := range contents {
		recs = append(recs, NewContentRecord(c.DocumentID, c.Body, c.Revision, c.UpdatedBy, c.UpdatedAt))
	}
	if err := s.primary.IndexContents(recs); err != nil {
		log.Printf("search: reindex contents: %v", err)
		return
	}
	log.Printf("search: reindexed %d documents", len(recs))
}

// Wait blocks until in-flight index calls finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
