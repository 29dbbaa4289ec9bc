package content

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chronicle/collab/internal/archive"
	"chronicle/collab/internal/gitrepo"
	"chronicle/collab/internal/search"
	"chronicle/collab/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	docs     map[string]store.DocumentContent
	saves    []store.SaveRecord
	upsertFn func(documentID, body string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: map[string]store.DocumentContent{}}
}

func (f *fakeStore) GetContent(_ context.Context, documentID string) (store.DocumentContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok {
		return store.DocumentContent{}, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) UpsertContent(_ context.Context, documentID, body, fingerprint, updatedBy string) (store.DocumentContent, bool, error) {
	if f.upsertFn != nil {
		if err := f.upsertFn(documentID, body); err != nil {
			return store.DocumentContent{}, false, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.docs[documentID]
	if ok && current.Fingerprint == fingerprint {
		return current, false, nil
	}
	next := store.DocumentContent{
		DocumentID:  documentID,
		Body:        body,
		Fingerprint: fingerprint,
		Revision:    current.Revision + 1,
		UpdatedBy:   updatedBy,
		UpdatedAt:   time.Date(2026, 3, 1, 12, 0, current.Revision, 0, time.UTC),
	}
	f.docs[documentID] = next
	return next, true, nil
}

func (f *fakeStore) RecordSave(_ context.Context, rec store.SaveRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, rec)
	return nil
}

func (f *fakeStore) ListSaves(_ context.Context, documentID string, limit int) ([]store.SaveRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.SaveRecord
	for i := len(f.saves) - 1; i >= 0; i-- {
		if f.saves[i].DocumentID == documentID {
			out = append(out, f.saves[i])
		}
	}
	return out, nil
}

type fakeArchiver struct {
	snaps []archive.Snapshot
	err   error
}

func (f *fakeArchiver) PutSnapshot(_ context.Context, snap archive.Snapshot) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.snaps = append(f.snaps, snap)
	return archive.ObjectKey(snap.DocumentID, snap.Revision), nil
}

type fakeIndexer struct {
	recs []search.ContentRecord
}

func (f *fakeIndexer) IndexContent(rec search.ContentRecord) {
	f.recs = append(f.recs, rec)
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("hello")
	if a != Fingerprint("hello") {
		t.Fatal("fingerprint must be deterministic")
	}
	if a == Fingerprint("hello ") {
		t.Fatal("different bodies must fingerprint differently")
	}
	if len(a) != 64 {
		t.Fatalf("expected 32-byte hex digest, got %d chars", len(a))
	}
}

func TestSaveRunsFullPipeline(t *testing.T) {
	st := newFakeStore()
	arch := &fakeArchiver{}
	idx := &fakeIndexer{}
	svc := NewService(st, gitrepo.New(t.TempDir()), arch, idx)

	res, err := svc.Save(context.Background(), "doc-1", "# Plan", "alice")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !res.Changed || res.Content.Revision != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Commit == "" {
		t.Fatal("expected a git commit")
	}
	if res.Archive != "documents/doc-1/rev-00000001.md" {
		t.Fatalf("unexpected archive key %q", res.Archive)
	}
	if len(idx.recs) != 1 || idx.recs[0].Body != "# Plan" {
		t.Fatalf("expected body indexed, got %+v", idx.recs)
	}
	if len(st.saves) != 1 || st.saves[0].CommitHash != res.Commit {
		t.Fatalf("expected save log with commit, got %+v", st.saves)
	}
}

func TestSaveSameBodyIsIdempotent(t *testing.T) {
	st := newFakeStore()
	arch := &fakeArchiver{}
	svc := NewService(st, gitrepo.New(t.TempDir()), arch, nil)
	ctx := context.Background()

	if _, err := svc.Save(ctx, "doc-1", "same", "alice"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	res, err := svc.Save(ctx, "doc-1", "same", "bob")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if res.Changed || res.Content.Revision != 1 {
		t.Fatalf("repeat save must not change anything: %+v", res)
	}
	if len(arch.snaps) != 1 || len(st.saves) != 1 {
		t.Fatalf("repeat save must not archive or log: snaps=%d saves=%d", len(arch.snaps), len(st.saves))
	}
}

func TestSaveSurvivesArchiveFailure(t *testing.T) {
	svc := NewService(newFakeStore(), nil, &fakeArchiver{err: errors.New("bucket gone")}, nil)

	res, err := svc.Save(context.Background(), "doc-1", "body", "alice")
	if err != nil {
		t.Fatalf("archive failure must not fail the save: %v", err)
	}
	if res.Archive != "" || !res.Changed {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSaveFailsWhenStoreFails(t *testing.T) {
	st := newFakeStore()
	st.upsertFn = func(string, string) error { return errors.New("db down") }
	svc := NewService(st, nil, nil, nil)

	if _, err := svc.Save(context.Background(), "doc-1", "body", "alice"); err == nil {
		t.Fatal("expected store failure to fail the save")
	}
}

func TestSaveValidatesInput(t *testing.T) {
	svc := NewService(newFakeStore(), nil, nil, nil)
	ctx := context.Background()

	if _, err := svc.Save(ctx, "  ", "body", "alice"); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
	big := strings.Repeat("x", MaxBodyBytes+1)
	if _, err := svc.Save(ctx, "doc-1", big, "alice"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestHistoryJoinsCommitMessages(t *testing.T) {
	svc := NewService(newFakeStore(), gitrepo.New(t.TempDir()), nil, nil)
	ctx := context.Background()

	for _, body := range []string{"one", "two"} {
		if _, err := svc.Save(ctx, "doc-1", body, "alice"); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	entries, err := svc.History(ctx, "doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Revision != 2 || entries[0].Message != "Save revision 2" {
		t.Fatalf("unexpected newest entry %+v", entries[0])
	}
}
