package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chronicle/collab/internal/transport"
)

// Header names the gateway reads the acting participant from.
const (
	HeaderUser = "X-Collab-User"
	HeaderRole = "X-Collab-Role"
)

// Client saves content through the gateway's HTTP API. It satisfies the
// coordinator's Persister.
type Client struct {
	baseURL  string
	identity transport.Identity
	http     *http.Client
}

func NewClient(baseURL string, identity transport.Identity) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		identity: identity,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway %d %s: %s", e.Status, e.Code, e.Message)
}

type saveRequest struct {
	Body string `json:"body"`
}

// Document is the gateway's view of a stored body.
type Document struct {
	DocumentID  string    `json:"documentId"`
	Body        string    `json:"body"`
	Fingerprint string    `json:"fingerprint"`
	Revision    int       `json:"revision"`
	UpdatedBy   string    `json:"updatedBy"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Changed     bool      `json:"changed"`
}

func (c *Client) Save(ctx context.Context, documentID, body string) error {
	payload, err := json.Marshal(saveRequest{Body: body})
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.contentURL(documentID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build save request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	var doc Document
	return c.do(req, &doc)
}

func (c *Client) Get(ctx context.Context, documentID string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.contentURL(documentID), nil)
	if err != nil {
		return Document{}, fmt.Errorf("build get request: %w", err)
	}
	var doc Document
	if err := c.do(req, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (c *Client) contentURL(documentID string) string {
	return c.baseURL + "/api/documents/" + url.PathEscape(documentID) + "/content"
}

func (c *Client) do(req *http.Request, target any) error {
	req.Header.Set(HeaderUser, c.identity.UserID)
	req.Header.Set(HeaderRole, c.identity.Role)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var body struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &body) == nil {
			apiErr.Code = body.Code
			apiErr.Message = body.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
