package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WebSocket is the client side of the gateway relay. Each subscribed
// document gets its own connection to /ws/documents/{id}; a dropped
// connection is redialed with exponential backoff while the subscription
// stays open.
type WebSocket struct {
	baseURL  *url.URL
	identity Identity
	dialer   *websocket.Dialer

	mu     sync.Mutex
	links  map[string]*wsLink
	closed bool
}

// NewWebSocket prepares a transport for the gateway at gatewayURL. http and
// https URLs are mapped to ws and wss.
func NewWebSocket(gatewayURL string, identity Identity) (*WebSocket, error) {
	gatewayURL = strings.TrimSpace(gatewayURL)
	if gatewayURL == "" {
		return nil, errors.New("gateway URL is required")
	}
	parsed, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported gateway URL scheme %q", parsed.Scheme)
	}
	if strings.TrimSpace(identity.UserID) == "" {
		return nil, errors.New("identity userId is required")
	}
	return &WebSocket{
		baseURL:  parsed,
		identity: identity,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		links: make(map[string]*wsLink),
	}, nil
}

func (w *WebSocket) documentURL(documentID string) string {
	u := *w.baseURL
	basePath := strings.TrimRight(u.Path, "/")
	u.Path = basePath + "/ws/documents/" + documentID
	u.RawPath = basePath + "/ws/documents/" + url.PathEscape(documentID)
	q := url.Values{}
	q.Set("userId", w.identity.UserID)
	q.Set("displayName", w.identity.DisplayName)
	q.Set("role", w.identity.Role)
	if w.identity.AvatarRef != "" {
		q.Set("avatarRef", w.identity.AvatarRef)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (w *WebSocket) Subscribe(ctx context.Context, documentID string) (Subscription, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := w.links[documentID]; ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("document %s is already subscribed", documentID)
	}
	w.mu.Unlock()

	target := w.documentURL(documentID)
	conn, _, err := w.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial document %s: %w", documentID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	link := &wsLink{
		owner:      w,
		documentID: documentID,
		target:     target,
		conn:       conn,
		events:     make(chan Event, defaultSubscriberBuffer),
		state:      newConnState(true),
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		cancel()
		_ = conn.Close()
		return nil, ErrClosed
	}
	if _, ok := w.links[documentID]; ok {
		w.mu.Unlock()
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("document %s is already subscribed", documentID)
	}
	w.links[documentID] = link
	w.mu.Unlock()

	go link.run()
	return link, nil
}

// Publish writes the event on its document's connection. It fails with
// ErrNotSubscribed when no subscription exists for the document and with
// ErrDisconnected while that connection is being redialed.
func (w *WebSocket) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	link := w.links[event.DocumentID]
	w.mu.Unlock()
	if link == nil {
		return ErrNotSubscribed
	}
	return link.write(ctx, event)
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	links := make([]*wsLink, 0, len(w.links))
	for _, link := range w.links {
		links = append(links, link)
	}
	w.mu.Unlock()

	for _, link := range links {
		_ = link.Close()
	}
	return nil
}

func (w *WebSocket) forget(link *wsLink) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.links[link.documentID] == link {
		delete(w.links, link.documentID)
	}
}

type wsLink struct {
	owner      *WebSocket
	documentID string
	target     string

	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	events    chan Event
	state     *connState
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (l *wsLink) Events() <-chan Event { return l.events }
func (l *wsLink) State() <-chan bool   { return l.state.ch }
func (l *wsLink) Connected() bool      { return l.state.get() }

func (l *wsLink) Close() error {
	l.closeOnce.Do(func() {
		l.owner.forget(l)
		l.cancel()
		if conn := l.current(); conn != nil {
			l.writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
				time.Now().Add(time.Second),
			)
			l.writeMu.Unlock()
			_ = conn.Close()
		}
		<-l.done
	})
	return nil
}

func (l *wsLink) current() *websocket.Conn {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	return l.conn
}

func (l *wsLink) swap(conn *websocket.Conn) {
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.state.set(conn != nil)
}

func (l *wsLink) write(ctx context.Context, event Event) error {
	conn := l.current()
	if conn == nil {
		return ErrDisconnected
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}
	if err := conn.WriteJSON(event); err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}
	return nil
}

func (l *wsLink) run() {
	defer close(l.done)
	defer close(l.events)

	for {
		conn := l.current()
		if conn != nil {
			l.readLoop(conn)
			_ = conn.Close()
			l.swap(nil)
		}
		if l.ctx.Err() != nil {
			return
		}
		next, err := l.redial()
		if err != nil {
			return
		}
		l.swap(next)
		// Close may have run between the dial and the swap.
		if l.ctx.Err() != nil {
			_ = next.Close()
			l.swap(nil)
			return
		}
	}
}

func (l *wsLink) readLoop(conn *websocket.Conn) {
	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			if l.ctx.Err() == nil {
				log.Printf("transport: websocket %s read failed: %v", l.documentID, err)
			}
			return
		}
		if err := event.Validate(); err != nil {
			log.Printf("transport: drop malformed event on %s: %v", l.documentID, err)
			continue
		}
		select {
		case l.events <- event:
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *wsLink) redial() (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	operation := func() error {
		if err := l.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		next, _, err := l.owner.dialer.DialContext(l.ctx, l.target, nil)
		if err != nil {
			return err
		}
		conn = next
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("transport: redial %s failed, retrying in %s: %v", l.documentID, wait, err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, l.ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}
