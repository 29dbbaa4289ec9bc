package search

import (
	"context"
	"strings"
	"time"

	"chronicle/collab/internal/store"
)

type contentSearcher interface {
	SearchContent(ctx context.Context, query string, limit, offset int) ([]store.ContentHit, int, error)
}

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	store   contentSearcher
	timeout time.Duration
}

// NewPgFTS creates a PostgreSQL FTS searcher over document_contents.
func NewPgFTS(s contentSearcher) *PgFTS {
	return &PgFTS{store: s, timeout: 5 * time.Second}
}

// Healthy always returns true. If Postgres is down the gateway is down too.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = q.normalized()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	hits, total, err := p.store.SearchContent(ctx, q.Text, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, err
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			DocumentID: h.DocumentID,
			Snippet:    h.Snippet,
			UpdatedAt:  h.UpdatedAt,
		})
	}
	return results, total, nil
}
