package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chronicle/collab/internal/content"
	"chronicle/collab/internal/search"
	"chronicle/collab/internal/session"
	"chronicle/collab/internal/store"

	"github.com/alicebob/miniredis/v2"
)

type fakeContent struct {
	saveFn    func(ctx context.Context, documentID, body, actor string) (content.SaveResult, error)
	getFn     func(ctx context.Context, documentID string) (store.DocumentContent, error)
	historyFn func(ctx context.Context, documentID string, limit int) ([]content.Entry, error)
}

func (f *fakeContent) Save(ctx context.Context, documentID, body, actor string) (content.SaveResult, error) {
	if f.saveFn != nil {
		return f.saveFn(ctx, documentID, body, actor)
	}
	return content.SaveResult{Content: store.DocumentContent{DocumentID: documentID, Body: body, Revision: 1, UpdatedBy: actor}, Changed: true}, nil
}

func (f *fakeContent) Get(ctx context.Context, documentID string) (store.DocumentContent, error) {
	if f.getFn != nil {
		return f.getFn(ctx, documentID)
	}
	return store.DocumentContent{}, store.ErrNotFound
}

func (f *fakeContent) History(ctx context.Context, documentID string, limit int) ([]content.Entry, error) {
	if f.historyFn != nil {
		return f.historyFn(ctx, documentID, limit)
	}
	return nil, nil
}

type fakeSearcher struct {
	last search.Query
}

func (f *fakeSearcher) Search(q search.Query) search.Response {
	f.last = q
	return search.Response{Results: []search.Result{{DocumentID: "doc-1", Snippet: "match"}}, Total: 1, Query: q.Text, Engine: "pgfts"}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestPresence(t *testing.T) (*session.PresenceStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	ps, err := session.NewPresenceStore("redis://"+mr.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewPresenceStore failed: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })
	return ps, mr
}

func newTestServer(t *testing.T, fc *fakeContent) (*HTTPServer, *Service) {
	t.Helper()
	presence, _ := newTestPresence(t)
	svc := New(fc, presence, &fakeSearcher{})
	return NewHTTPServer(svc, nil, "*"), svc
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &fakeContent{})
	rr := doRequest(t, server.Handler(), http.MethodGet, "/api/health", "", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ok := decodeResponse(t, rr)["ok"]; ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header")
	}
}

func TestReadyEndpointReportsFailingCheck(t *testing.T) {
	server, svc := newTestServer(t, &fakeContent{})
	svc.AddCheck("database", pingerFunc(func(context.Context) error { return nil }))
	svc.AddCheck("redis", pingerFunc(func(context.Context) error { return errors.New("connection refused") }))

	rr := doRequest(t, server.Handler(), http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	resp := decodeResponse(t, rr)
	if resp["status"] != "not_ready" {
		t.Errorf("expected not_ready, got %v", resp["status"])
	}
	checks := resp["checks"].(map[string]any)
	if checks["database"].(map[string]any)["status"] != "ok" {
		t.Errorf("expected database ok, got %v", checks["database"])
	}
	if checks["redis"].(map[string]any)["error"] != "connection refused" {
		t.Errorf("expected redis error, got %v", checks["redis"])
	}
}

func TestReadyEndpointSuccess(t *testing.T) {
	server, svc := newTestServer(t, &fakeContent{})
	svc.AddCheck("database", pingerFunc(func(context.Context) error { return nil }))

	rr := doRequest(t, server.Handler(), http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestPutContentRequiresWriter(t *testing.T) {
	var savedBy, savedBody string
	fc := &fakeContent{saveFn: func(_ context.Context, documentID, body, actor string) (content.SaveResult, error) {
		savedBy, savedBody = actor, body
		return content.SaveResult{
			Content: store.DocumentContent{DocumentID: documentID, Revision: 3, UpdatedBy: actor},
			Changed: true,
			Commit:  "abc1234",
		}, nil
	}}
	server, _ := newTestServer(t, fc)
	h := server.Handler()

	rr := doRequest(t, h, http.MethodPut, "/api/documents/doc-1/content", `{"body":"# Plan"}`,
		map[string]string{content.HeaderUser: "val", content.HeaderRole: "viewer"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer save: expected 403, got %d", rr.Code)
	}
	if savedBy != "" {
		t.Fatal("viewer save must not reach the content service")
	}

	rr = doRequest(t, h, http.MethodPut, "/api/documents/doc-1/content", `{"body":"# Plan"}`,
		map[string]string{content.HeaderUser: "alice", content.HeaderRole: "editor"})
	if rr.Code != http.StatusOK {
		t.Fatalf("editor save: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if savedBy != "alice" || savedBody != "# Plan" {
		t.Fatalf("unexpected save call: by=%q body=%q", savedBy, savedBody)
	}
	resp := decodeResponse(t, rr)
	if resp["revision"] != float64(3) || resp["changed"] != true || resp["commit"] != "abc1234" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestPutContentValidation(t *testing.T) {
	server, _ := newTestServer(t, &fakeContent{})
	h := server.Handler()
	editor := map[string]string{content.HeaderUser: "alice", content.HeaderRole: "editor"}

	cases := []struct {
		name    string
		path    string
		body    string
		headers map[string]string
		status  int
		code    string
	}{
		{"missing body field", "/api/documents/doc-1/content", `{}`, editor, http.StatusBadRequest, "INVALID_BODY"},
		{"malformed json", "/api/documents/doc-1/content", `{"body":`, editor, http.StatusBadRequest, "INVALID_BODY"},
		{"missing user", "/api/documents/doc-1/content", `{"body":"x"}`, nil, http.StatusBadRequest, "MISSING_USER"},
		{"invalid document", "/api/documents/.hidden/content", `{"body":"x"}`, editor, http.StatusBadRequest, "INVALID_DOCUMENT"},
	}
	for _, tc := range cases {
		rr := doRequest(t, h, http.MethodPut, tc.path, tc.body, tc.headers)
		if rr.Code != tc.status {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.status, rr.Code)
			continue
		}
		if code := decodeResponse(t, rr)["code"]; code != tc.code {
			t.Errorf("%s: expected code %s, got %v", tc.name, tc.code, code)
		}
	}
}

func TestPutContentTooLarge(t *testing.T) {
	fc := &fakeContent{saveFn: func(context.Context, string, string, string) (content.SaveResult, error) {
		return content.SaveResult{}, content.ErrTooLarge
	}}
	server, _ := newTestServer(t, fc)
	rr := doRequest(t, server.Handler(), http.MethodPut, "/api/documents/doc-1/content", `{"body":"x"}`,
		map[string]string{content.HeaderUser: "alice", content.HeaderRole: "admin"})
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestGetContent(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := &fakeContent{getFn: func(_ context.Context, documentID string) (store.DocumentContent, error) {
		if documentID != "doc-1" {
			return store.DocumentContent{}, store.ErrNotFound
		}
		return store.DocumentContent{DocumentID: "doc-1", Body: "stored", Revision: 2, UpdatedAt: updated}, nil
	}}
	server, _ := newTestServer(t, fc)
	h := server.Handler()

	rr := doRequest(t, h, http.MethodGet, "/api/documents/doc-1/content", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var doc content.Document
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.Body != "stored" || doc.Revision != 2 || !doc.UpdatedAt.Equal(updated) {
		t.Fatalf("unexpected document %+v", doc)
	}

	rr = doRequest(t, h, http.MethodGet, "/api/documents/doc-2/content", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	var gotLimit int
	fc := &fakeContent{historyFn: func(_ context.Context, documentID string, limit int) ([]content.Entry, error) {
		gotLimit = limit
		return []content.Entry{{Revision: 2, Commit: "bbb"}, {Revision: 1, Commit: "aaa"}}, nil
	}}
	server, _ := newTestServer(t, fc)

	rr := doRequest(t, server.Handler(), http.MethodGet, "/api/documents/doc-1/history?limit=5", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotLimit != 5 {
		t.Fatalf("expected limit 5, got %d", gotLimit)
	}
	items := decodeResponse(t, rr)["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
}

func TestSearchEndpoint(t *testing.T) {
	presence, _ := newTestPresence(t)
	searcher := &fakeSearcher{}
	server := NewHTTPServer(New(&fakeContent{}, presence, searcher), nil, "*")
	h := server.Handler()

	rr := doRequest(t, h, http.MethodGet, "/api/search", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without q, got %d", rr.Code)
	}

	rr = doRequest(t, h, http.MethodGet, "/api/search?q=launch+plan&limit=3&offset=6", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if searcher.last.Text != "launch plan" || searcher.last.Limit != 3 || searcher.last.Offset != 6 {
		t.Fatalf("unexpected query %+v", searcher.last)
	}
	if total := decodeResponse(t, rr)["total"]; total != float64(1) {
		t.Fatalf("expected total 1, got %v", total)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	presence, _ := newTestPresence(t)
	ctx := context.Background()
	if err := presence.Touch(ctx, "doc-1", session.Member{UserID: "alice", DisplayName: "Alice", Role: "editor"}); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	server := NewHTTPServer(New(&fakeContent{}, presence, nil), nil, "*")

	rr := doRequest(t, server.Handler(), http.MethodGet, "/api/documents/doc-1/presence", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	list := decodeResponse(t, rr)["collaborators"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["userId"] != "alice" {
		t.Fatalf("unexpected collaborators %v", list)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	server, _ := newTestServer(t, &fakeContent{})
	h := server.Handler()

	if rr := doRequest(t, h, http.MethodGet, "/api/nope", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
	if rr := doRequest(t, h, http.MethodDelete, "/api/documents/doc-1/content", "", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
	if rr := doRequest(t, h, http.MethodOptions, "/api/documents/doc-1/content", "", nil); rr.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", rr.Code)
	}
}

func TestWebSocketRouteWithoutRelay(t *testing.T) {
	server, _ := newTestServer(t, &fakeContent{})
	rr := doRequest(t, server.Handler(), http.MethodGet, "/ws/documents/doc-1?userId=alice", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
