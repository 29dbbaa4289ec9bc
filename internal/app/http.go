package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chronicle/collab/internal/content"
	"chronicle/collab/internal/search"
	"chronicle/collab/internal/transport"
	"chronicle/collab/internal/util"

	"github.com/gorilla/mux"
)

// maxRequestBytes leaves room for JSON escaping around a maximal body.
const maxRequestBytes = 2*content.MaxBodyBytes + 1024

type HTTPServer struct {
	service    *Service
	relay      *Relay
	corsOrigin string
}

func NewHTTPServer(service *Service, relay *Relay, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, relay: relay, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)

	docs := api.PathPrefix("/documents/{documentId}").Subrouter()
	docs.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)
	docs.HandleFunc("/content", s.handleGetContent).Methods(http.MethodGet)
	docs.HandleFunc("/content", s.handlePutContent).Methods(http.MethodPut)
	docs.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)

	r.HandleFunc("/ws/documents/{documentId}", s.handleWebSocket).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.service.Ready(ctx)
	status, code := "ready", http.StatusOK
	if !ok {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ok":     ok,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	if !util.ValidDocumentID(documentID) {
		writeError(w, http.StatusBadRequest, "INVALID_DOCUMENT", "Invalid document id", nil)
		return
	}
	if s.relay == nil {
		writeError(w, http.StatusServiceUnavailable, "RELAY_UNAVAILABLE", "Realtime relay not configured", nil)
		return
	}
	s.relay.ServeDocument(w, r, documentID)
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	members, err := s.service.Presence(r.Context(), documentID)
	if err != nil {
		s.fail(w, err)
		return
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		items = append(items, map[string]any{
			"userId":      m.UserID,
			"displayName": m.DisplayName,
			"avatarRef":   m.AvatarRef,
			"role":        m.Role,
			"joinedAt":    m.JoinedAt,
			"lastSeenAt":  m.SeenAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId":    documentID,
		"collaborators": items,
		"connections":   s.connections(documentID),
	})
}

func (s *HTTPServer) connections(documentID string) int {
	if s.relay == nil {
		return 0
	}
	return s.relay.Connections(documentID)
}

func (s *HTTPServer) handleGetContent(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	doc, err := s.service.GetContent(r.Context(), documentID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, content.Document{
		DocumentID:  doc.DocumentID,
		Body:        doc.Body,
		Fingerprint: doc.Fingerprint,
		Revision:    doc.Revision,
		UpdatedBy:   doc.UpdatedBy,
		UpdatedAt:   doc.UpdatedAt,
	})
}

func (s *HTTPServer) handlePutContent(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	var body struct {
		Body *string `json:"body"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Body == nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "body is required", nil)
		return
	}

	result, err := s.service.SaveContent(r.Context(), documentID, *body.Body, actorFromHeaders(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId":  result.Content.DocumentID,
		"fingerprint": result.Content.Fingerprint,
		"revision":    result.Content.Revision,
		"updatedBy":   result.Content.UpdatedBy,
		"updatedAt":   result.Content.UpdatedAt,
		"changed":     result.Changed,
		"commit":      result.Commit,
		"archive":     result.Archive,
	})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	limit := queryInt(r, "limit", 50)
	entries, err := s.service.History(r.Context(), documentID, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []content.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "items": entries})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "MISSING_QUERY", "q is required", nil)
		return
	}
	resp := s.service.Search(search.Query{
		Text:   q,
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("app: %v", err)
	}
	writeError(w, status, code, message, details)
}

func actorFromHeaders(r *http.Request) transport.Identity {
	return transport.Identity{
		UserID: strings.TrimSpace(r.Header.Get(content.HeaderUser)),
		Role:   strings.TrimSpace(r.Header.Get(content.HeaderRole)),
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, "+content.HeaderUser+", "+content.HeaderRole)
	header.Set("Access-Control-Allow-Methods", "GET,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body too large")
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
