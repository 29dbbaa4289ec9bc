package store

import "time"

// DocumentContent is the last persisted body of a document.
type DocumentContent struct {
	DocumentID  string
	Body        string
	Fingerprint string
	Revision    int
	UpdatedBy   string
	UpdatedAt   time.Time
}

// SaveRecord is one row of the per-document save log.
type SaveRecord struct {
	DocumentID  string
	Revision    int
	Fingerprint string
	CommitHash  string
	SavedBy     string
	SavedAt     time.Time
}

// ContentHit is a full-text match over persisted document bodies.
type ContentHit struct {
	DocumentID string
	Snippet    string
	Rank       float64
	UpdatedAt  time.Time
}
