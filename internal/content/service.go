// Package content persists document bodies for the save scheduler: the
// canonical copy in Postgres plus git history, an archived snapshot and a
// search index entry per revision.
package content

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"chronicle/collab/internal/archive"
	"chronicle/collab/internal/gitrepo"
	"chronicle/collab/internal/search"
	"chronicle/collab/internal/store"

	"golang.org/x/crypto/blake2b"
)

// MaxBodyBytes bounds a single saved body.
const MaxBodyBytes = 4 << 20

var (
	ErrInvalidDocument = errors.New("invalid document id")
	ErrTooLarge        = errors.New("content too large")
)

type Store interface {
	GetContent(ctx context.Context, documentID string) (store.DocumentContent, error)
	UpsertContent(ctx context.Context, documentID, body, fingerprint, updatedBy string) (store.DocumentContent, bool, error)
	RecordSave(ctx context.Context, rec store.SaveRecord) error
	ListSaves(ctx context.Context, documentID string, limit int) ([]store.SaveRecord, error)
}

type History interface {
	Commit(documentID, body, author, message string) (gitrepo.Commit, bool, error)
	History(documentID string, limit int) ([]gitrepo.Commit, error)
}

type Archiver interface {
	PutSnapshot(ctx context.Context, snap archive.Snapshot) (string, error)
}

type Indexer interface {
	IndexContent(rec search.ContentRecord)
}

// SaveResult describes the outcome of Save.
type SaveResult struct {
	Content store.DocumentContent
	Changed bool
	Commit  string
	Archive string
}

type Service struct {
	store    Store
	history  History
	archiver Archiver
	indexer  Indexer
}

// NewService wires the persistence pipeline. history, archiver and indexer
// are optional.
func NewService(s Store, history History, archiver Archiver, indexer Indexer) *Service {
	return &Service{store: s, history: history, archiver: archiver, indexer: indexer}
}

// Fingerprint is the hex blake2b-256 digest of body.
func Fingerprint(body string) string {
	sum := blake2b.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Save stores body as the document's content. Saving the body that is
// already stored is a no-op, so retried saves are safe. Only a store failure
// fails the save; history, archive and index problems are logged.
func (s *Service) Save(ctx context.Context, documentID, body, actor string) (SaveResult, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return SaveResult{}, ErrInvalidDocument
	}
	if len(body) > MaxBodyBytes {
		return SaveResult{}, ErrTooLarge
	}

	fp := Fingerprint(body)
	saved, changed, err := s.store.UpsertContent(ctx, documentID, body, fp, actor)
	if err != nil {
		return SaveResult{}, fmt.Errorf("save content: %w", err)
	}
	result := SaveResult{Content: saved, Changed: changed}
	if !changed {
		return result, nil
	}

	if s.history != nil {
		commit, _, err := s.history.Commit(documentID, body, actor, fmt.Sprintf("Save revision %d", saved.Revision))
		if err != nil {
			log.Printf("content: commit history for %s: %v", documentID, err)
		} else {
			result.Commit = commit.Hash
		}
	}

	if err := s.store.RecordSave(ctx, store.SaveRecord{
		DocumentID:  documentID,
		Revision:    saved.Revision,
		Fingerprint: fp,
		CommitHash:  result.Commit,
		SavedBy:     actor,
	}); err != nil {
		log.Printf("content: record save for %s: %v", documentID, err)
	}

	if s.archiver != nil {
		key, err := s.archiver.PutSnapshot(ctx, archive.Snapshot{
			DocumentID:  documentID,
			Revision:    saved.Revision,
			Body:        body,
			Fingerprint: fp,
			SavedBy:     actor,
			SavedAt:     saved.UpdatedAt,
		})
		if err != nil {
			log.Printf("content: archive %s rev %d: %v", documentID, saved.Revision, err)
		} else {
			result.Archive = key
		}
	}

	if s.indexer != nil {
		s.indexer.IndexContent(search.NewContentRecord(documentID, body, saved.Revision, actor, saved.UpdatedAt))
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, documentID string) (store.DocumentContent, error) {
	return s.store.GetContent(ctx, documentID)
}

// Entry is one row of a document's save history.
type Entry struct {
	Revision    int       `json:"revision"`
	Fingerprint string    `json:"fingerprint"`
	Commit      string    `json:"commit,omitempty"`
	Message     string    `json:"message,omitempty"`
	SavedBy     string    `json:"savedBy"`
	SavedAt     time.Time `json:"savedAt"`
}

// History merges the save log with commit messages from git.
func (s *Service) History(ctx context.Context, documentID string, limit int) ([]Entry, error) {
	saves, err := s.store.ListSaves(ctx, documentID, limit)
	if err != nil {
		return nil, err
	}

	messages := map[string]string{}
	if s.history != nil {
		commits, err := s.history.History(documentID, limit)
		if err != nil && !errors.Is(err, gitrepo.ErrNoHistory) {
			log.Printf("content: read git history for %s: %v", documentID, err)
		}
		for _, c := range commits {
			messages[c.Hash] = strings.TrimSpace(c.Message)
		}
	}

	entries := make([]Entry, 0, len(saves))
	for _, rec := range saves {
		entries = append(entries, Entry{
			Revision:    rec.Revision,
			Fingerprint: rec.Fingerprint,
			Commit:      rec.CommitHash,
			Message:     messages[rec.CommitHash],
			SavedBy:     rec.SavedBy,
			SavedAt:     rec.SavedAt,
		})
	}
	return entries, nil
}
