// Package search indexes persisted document bodies and answers full-text
// queries, preferring Meilisearch and falling back to Postgres FTS.
package search

import (
	"encoding/hex"
	"time"
)

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID string    `json:"documentId"`
	Snippet    string    `json:"snippet"`
	Revision   int       `json:"revision,omitempty"`
	UpdatedBy  string    `json:"updatedBy,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push document bodies into a search index.
type Indexer interface {
	IndexContent(rec ContentRecord) error
	IndexContents(recs []ContentRecord) error
}

// Engine is a primary search backend that also maintains its own index.
type Engine interface {
	Searcher
	Indexer
}

// ContentRecord is the data we index for a saved document body.
type ContentRecord struct {
	Key        string `json:"key"`
	DocumentID string `json:"documentId"`
	Body       string `json:"body"`
	Revision   int    `json:"revision"`
	UpdatedBy  string `json:"updatedBy"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// NewContentRecord builds an index record. Document ids may contain
// characters Meilisearch rejects in primary keys, so the key is hex encoded.
func NewContentRecord(documentID, body string, revision int, updatedBy string, updatedAt time.Time) ContentRecord {
	return ContentRecord{
		Key:        hex.EncodeToString([]byte(documentID)),
		DocumentID: documentID,
		Body:       body,
		Revision:   revision,
		UpdatedBy:  updatedBy,
		UpdatedAt:  updatedAt.Unix(),
	}
}

func (q Query) normalized() Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
