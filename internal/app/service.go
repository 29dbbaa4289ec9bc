package app

import (
	"context"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"

	"chronicle/collab/internal/content"
	"chronicle/collab/internal/rbac"
	"chronicle/collab/internal/search"
	"chronicle/collab/internal/session"
	"chronicle/collab/internal/store"
	"chronicle/collab/internal/transport"
	"chronicle/collab/internal/util"
)

type ContentService interface {
	Save(ctx context.Context, documentID, body, actor string) (content.SaveResult, error)
	Get(ctx context.Context, documentID string) (store.DocumentContent, error)
	History(ctx context.Context, documentID string, limit int) ([]content.Entry, error)
}

type PresenceStore interface {
	Touch(ctx context.Context, documentID string, m session.Member) error
	Remove(ctx context.Context, documentID, userID string) error
	List(ctx context.Context, documentID string) ([]session.Member, error)
	Clear(ctx context.Context, documentID string) error
}

type Searcher interface {
	Search(q search.Query) search.Response
}

// Pinger is a dependency checked by /api/ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	content  ContentService
	presence PresenceStore
	search   Searcher

	checksMu sync.Mutex
	checks   map[string]Pinger
}

func New(contentSvc ContentService, presence PresenceStore, searcher Searcher) *Service {
	return &Service{
		content:  contentSvc,
		presence: presence,
		search:   searcher,
		checks:   make(map[string]Pinger),
	}
}

// AddCheck registers a readiness dependency under name.
func (s *Service) AddCheck(name string, p Pinger) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = p
}

func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	s.checksMu.Lock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.checksMu.Unlock()
	sort.Strings(names)

	ok := true
	results := make(map[string]any, len(names))
	for _, name := range names {
		s.checksMu.Lock()
		p := s.checks[name]
		s.checksMu.Unlock()
		if err := p.Ping(ctx); err != nil {
			ok = false
			results[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		results[name] = map[string]any{"status": "ok"}
	}
	return ok, results
}

func (s *Service) SaveContent(ctx context.Context, documentID, body string, actor transport.Identity) (content.SaveResult, error) {
	if err := validateDocumentID(documentID); err != nil {
		return content.SaveResult{}, err
	}
	if strings.TrimSpace(actor.UserID) == "" {
		return content.SaveResult{}, domainError(http.StatusBadRequest, "MISSING_USER", "Acting user is required", nil)
	}
	if !rbac.CanWrite(actor.Role) {
		log.Printf("app: save denied for %s (%s) on %s", actor.UserID, actor.Role, documentID)
		return content.SaveResult{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"role": string(rbac.Normalize(actor.Role))})
	}
	return s.content.Save(ctx, documentID, body, actor.UserID)
}

func (s *Service) GetContent(ctx context.Context, documentID string) (store.DocumentContent, error) {
	if err := validateDocumentID(documentID); err != nil {
		return store.DocumentContent{}, err
	}
	return s.content.Get(ctx, documentID)
}

func (s *Service) History(ctx context.Context, documentID string, limit int) ([]content.Entry, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	return s.content.History(ctx, documentID, limit)
}

func (s *Service) Presence(ctx context.Context, documentID string) ([]session.Member, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	return s.presence.List(ctx, documentID)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func validateDocumentID(documentID string) error {
	if !util.ValidDocumentID(documentID) {
		return domainError(http.StatusBadRequest, "INVALID_DOCUMENT", "Invalid document id", map[string]any{"documentId": documentID})
	}
	return nil
}
