package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetContent(ctx context.Context, documentID string) (DocumentContent, error) {
	var c DocumentContent
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, body, fingerprint, revision, updated_by, updated_at
		FROM document_contents
		WHERE document_id = $1
	`, documentID).Scan(&c.DocumentID, &c.Body, &c.Fingerprint, &c.Revision, &c.UpdatedBy, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentContent{}, ErrNotFound
	}
	if err != nil {
		return DocumentContent{}, fmt.Errorf("get content: %w", err)
	}
	return c, nil
}

// UpsertContent writes the body and bumps the revision. Writing a body whose
// fingerprint matches the stored one leaves the row untouched.
func (s *PostgresStore) UpsertContent(ctx context.Context, documentID, body, fingerprint, updatedBy string) (DocumentContent, bool, error) {
	var c DocumentContent
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO document_contents (document_id, body, fingerprint, updated_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO UPDATE
		SET body = EXCLUDED.body,
			fingerprint = EXCLUDED.fingerprint,
			updated_by = EXCLUDED.updated_by,
			revision = document_contents.revision + 1,
			updated_at = NOW()
		WHERE document_contents.fingerprint <> EXCLUDED.fingerprint
		RETURNING document_id, body, fingerprint, revision, updated_by, updated_at
	`, documentID, body, fingerprint, updatedBy).Scan(&c.DocumentID, &c.Body, &c.Fingerprint, &c.Revision, &c.UpdatedBy, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// The WHERE clause suppressed the update: content is unchanged.
		current, getErr := s.GetContent(ctx, documentID)
		if getErr != nil {
			return DocumentContent{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return DocumentContent{}, false, fmt.Errorf("upsert content: %w", err)
	}
	return c, true, nil
}

func (s *PostgresStore) ListContents(ctx context.Context) ([]DocumentContent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, body, fingerprint, revision, updated_by, updated_at
		FROM document_contents
		ORDER BY document_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list contents: %w", err)
	}
	defer rows.Close()

	var items []DocumentContent
	for rows.Next() {
		var c DocumentContent
		if err := rows.Scan(&c.DocumentID, &c.Body, &c.Fingerprint, &c.Revision, &c.UpdatedBy, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) RecordSave(ctx context.Context, rec SaveRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_saves (document_id, revision, fingerprint, commit_hash, saved_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id, revision) DO UPDATE SET commit_hash = EXCLUDED.commit_hash
	`, rec.DocumentID, rec.Revision, rec.Fingerprint, rec.CommitHash, rec.SavedBy)
	if err != nil {
		return fmt.Errorf("record save: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSaves(ctx context.Context, documentID string, limit int) ([]SaveRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, revision, fingerprint, commit_hash, saved_by, saved_at
		FROM content_saves
		WHERE document_id = $1
		ORDER BY revision DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list saves: %w", err)
	}
	defer rows.Close()

	var items []SaveRecord
	for rows.Next() {
		var r SaveRecord
		if err := rows.Scan(&r.DocumentID, &r.Revision, &r.Fingerprint, &r.CommitHash, &r.SavedBy, &r.SavedAt); err != nil {
			return nil, fmt.Errorf("scan save: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// SearchContent runs a plain full-text query over document bodies.
func (s *PostgresStore) SearchContent(ctx context.Context, query string, limit, offset int) ([]ContentHit, int, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, 0, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM document_contents WHERE fts @@ plainto_tsquery('english', $1)
	`, query).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count content hits: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id,
			ts_headline('english', body, plainto_tsquery('english', $1), 'MaxWords=30, MinWords=10'),
			ts_rank(fts, plainto_tsquery('english', $1)),
			updated_at
		FROM document_contents
		WHERE fts @@ plainto_tsquery('english', $1)
		ORDER BY 3 DESC, updated_at DESC
		LIMIT $2 OFFSET $3
	`, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search content: %w", err)
	}
	defer rows.Close()

	var hits []ContentHit
	for rows.Next() {
		var h ContentHit
		if err := rows.Scan(&h.DocumentID, &h.Snippet, &h.Rank, &h.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan content hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, total, rows.Err()
}
