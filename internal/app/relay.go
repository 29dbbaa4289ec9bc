package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chronicle/collab/internal/collab"
	"chronicle/collab/internal/rbac"
	"chronicle/collab/internal/session"
	"chronicle/collab/internal/transport"
	"chronicle/collab/internal/util"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// GatewayUserID is the sender of presence snapshots produced by the gateway.
const GatewayUserID = "gateway"

const (
	maxMessageBytes = 64 << 10
	sendBuffer      = 256
)

var errReservedUser = errors.New("userId is reserved")

type RelayOptions struct {
	// CursorInterval bounds cursor and selection fan-out per user. Keep it
	// below the clients' own throttle so jitter does not drop updates.
	CursorInterval time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	PublishTimeout time.Duration
	// AllowedOrigin is matched against the Origin header; "*" or empty
	// accepts any origin.
	AllowedOrigin string
	Clock         clock.Clock
}

func (o RelayOptions) withDefaults() RelayOptions {
	if o.CursorInterval <= 0 {
		o.CursorInterval = 50 * time.Millisecond
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Relay bridges websocket clients to the channel broker. Each connection
// joins one document channel.
type Relay struct {
	broker   transport.Transport
	presence PresenceStore
	opts     RelayOptions
	throttle *collab.Throttle
	upgrader websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]map[string]int
	conns  map[*relayConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewRelay(broker transport.Transport, presence PresenceStore, opts RelayOptions) *Relay {
	opts = opts.withDefaults()
	r := &Relay{
		broker:   broker,
		presence: presence,
		opts:     opts,
		throttle: collab.NewThrottle(opts.Clock, opts.CursorInterval),
		rooms:    make(map[string]map[string]int),
		conns:    make(map[*relayConn]struct{}),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	allowed := strings.TrimSpace(r.opts.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := req.Header.Get("Origin")
	return origin == "" || origin == allowed
}

// Connections returns the number of live connections on a document.
func (r *Relay) Connections(documentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.rooms[documentID] {
		total += n
	}
	return total
}

// ServeDocument upgrades the request and relays the connection until it
// closes.
func (r *Relay) ServeDocument(w http.ResponseWriter, req *http.Request, documentID string) {
	identity, err := identityFromQuery(req.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_IDENTITY", err.Error(), nil)
		return
	}

	r.mu.Lock()
	closed := r.closed
	if !closed {
		r.wg.Add(1)
	}
	r.mu.Unlock()
	if closed {
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Gateway is shutting down", nil)
		return
	}
	defer r.wg.Done()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("relay: upgrade %s for %s: %v", documentID, identity.UserID, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := r.broker.Subscribe(ctx, documentID)
	if err != nil {
		log.Printf("relay: subscribe %s: %v", documentID, err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "channel unavailable"),
			time.Now().Add(r.opts.WriteTimeout))
		_ = conn.Close()
		return
	}

	c := &relayConn{
		id:         util.NewID("conn"),
		relay:      r,
		conn:       conn,
		documentID: documentID,
		identity:   identity,
		sub:        sub,
		send:       make(chan transport.Event, sendBuffer),
		ctx:        ctx,
	}
	r.register(c)
	log.Printf("relay: %s joined %s as %s (%s)", c.id, documentID, identity.UserID, identity.Role)

	writerDone := make(chan struct{})
	forwardDone := make(chan struct{})
	go c.writeLoop(writerDone)
	go c.forward(forwardDone)

	c.readLoop()

	cancel()
	_ = sub.Close()
	<-forwardDone
	close(c.send)
	<-writerDone
	_ = conn.Close()
	r.unregister(c)
	log.Printf("relay: %s left %s", c.id, documentID)
}

// Close disconnects every client and waits for their teardown.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*relayConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
	r.wg.Wait()
}

func (r *Relay) register(c *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	users := r.rooms[c.documentID]
	if users == nil {
		users = make(map[string]int)
		r.rooms[c.documentID] = users
	}
	users[c.identity.UserID]++
	if r.closed {
		// Close already swept the connection list.
		_ = c.conn.Close()
	}
}

// unregister drops the connection. The user's presence ends only when its
// last connection on the document closes, and the document's presence set is
// cleared once nobody is left.
func (r *Relay) unregister(c *relayConn) {
	r.mu.Lock()
	delete(r.conns, c)
	users := r.rooms[c.documentID]
	users[c.identity.UserID]--
	lastForUser := users[c.identity.UserID] <= 0
	if lastForUser {
		delete(users, c.identity.UserID)
	}
	lastForDoc := len(users) == 0
	if lastForDoc {
		delete(r.rooms, c.documentID)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PublishTimeout)
	defer cancel()

	if lastForUser {
		r.throttle.Forget(throttleKey(c.documentID, c.identity.UserID, transport.KindCursorUpdate))
		r.throttle.Forget(throttleKey(c.documentID, c.identity.UserID, transport.KindSelectionUpdate))
		if !c.left {
			r.publishLeave(ctx, c)
		}
	}
	if lastForDoc {
		members, err := r.presence.List(ctx, c.documentID)
		if err != nil {
			log.Printf("relay: list presence %s: %v", c.documentID, err)
			return
		}
		if len(members) == 0 {
			if err := r.presence.Clear(ctx, c.documentID); err != nil {
				log.Printf("relay: clear presence %s: %v", c.documentID, err)
			}
		}
	}
}

func (r *Relay) publishLeave(ctx context.Context, c *relayConn) {
	if err := r.presence.Remove(ctx, c.documentID, c.identity.UserID); err != nil {
		log.Printf("relay: remove presence %s/%s: %v", c.documentID, c.identity.UserID, err)
	}
	event, err := transport.NewEvent(transport.KindLeave, c.documentID, c.identity.UserID, nil, r.opts.Clock.Now())
	if err != nil {
		log.Printf("relay: %v", err)
		return
	}
	if err := r.broker.Publish(ctx, event); err != nil {
		log.Printf("relay: publish leave for %s on %s: %v", c.identity.UserID, c.documentID, err)
	}
}

type relayConn struct {
	id         string
	relay      *Relay
	conn       *websocket.Conn
	documentID string
	identity   transport.Identity
	sub        transport.Subscription
	send       chan transport.Event
	ctx        context.Context
	// left is set once the client sent an explicit leave. Only touched by
	// the reading goroutine.
	left bool
}

func (c *relayConn) readLoop() {
	pongWait := 2 * c.relay.opts.PingInterval
	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("relay: %s read: %v", c.id, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var event transport.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			log.Printf("relay: %s dropped malformed message: %v", c.id, err)
			continue
		}
		c.handle(event)
	}
}

func (c *relayConn) handle(event transport.Event) {
	if err := event.Validate(); err != nil {
		log.Printf("relay: %s dropped invalid event: %v", c.id, err)
		return
	}
	if event.DocumentID != c.documentID || event.UserID != c.identity.UserID {
		log.Printf("relay: %s dropped %s for %s/%s: connection is %s/%s",
			c.id, event.Kind, event.DocumentID, event.UserID, c.documentID, c.identity.UserID)
		return
	}
	r := c.relay
	if event.Timestamp.IsZero() {
		event.Timestamp = r.opts.Clock.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(c.ctx, r.opts.PublishTimeout)
	defer cancel()

	switch event.Kind {
	case transport.KindJoin:
		var p transport.JoinPayload
		if err := event.Decode(&p); err != nil {
			log.Printf("relay: %s: %v", c.id, err)
			return
		}
		// The connection's identity wins over whatever the client claims.
		p.Identity = c.identity
		rebuilt, err := transport.NewEvent(transport.KindJoin, c.documentID, c.identity.UserID, p, event.Timestamp)
		if err != nil {
			log.Printf("relay: %v", err)
			return
		}
		event = rebuilt
		c.left = false
		c.touchPresence(ctx)

	case transport.KindLeave:
		c.left = true
		if err := r.presence.Remove(ctx, c.documentID, c.identity.UserID); err != nil {
			log.Printf("relay: remove presence %s/%s: %v", c.documentID, c.identity.UserID, err)
		}

	case transport.KindPresenceSnapshot:
		var p transport.PresenceSnapshotPayload
		if err := event.Decode(&p); err != nil {
			log.Printf("relay: %s: %v", c.id, err)
			return
		}
		if !p.Request {
			log.Printf("relay: %s dropped client presence snapshot", c.id)
			return
		}
		c.replySnapshot(ctx)
		return

	case transport.KindSaveStatus:
		if !rbac.CanWrite(c.identity.Role) {
			log.Printf("relay: %s dropped save_status from role %s", c.id, c.identity.Role)
			return
		}

	case transport.KindTypingStart, transport.KindTypingStop:
		if !rbac.Can(rbac.Normalize(c.identity.Role), rbac.ActionType) {
			log.Printf("relay: %s dropped %s from role %s", c.id, event.Kind, c.identity.Role)
			return
		}

	case transport.KindCursorUpdate, transport.KindSelectionUpdate:
		if !r.throttle.Allow(throttleKey(c.documentID, c.identity.UserID, event.Kind)) {
			return
		}
	}

	if err := r.broker.Publish(ctx, event); err != nil {
		log.Printf("relay: %s publish %s: %v", c.id, event.Kind, err)
	}
}

func (c *relayConn) touchPresence(ctx context.Context) {
	m := session.Member{
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
		AvatarRef:   c.identity.AvatarRef,
		Role:        c.identity.Role,
	}
	if err := c.relay.presence.Touch(ctx, c.documentID, m); err != nil {
		log.Printf("relay: touch presence %s/%s: %v", c.documentID, c.identity.UserID, err)
	}
}

func (c *relayConn) replySnapshot(ctx context.Context) {
	members, err := c.relay.presence.List(ctx, c.documentID)
	if err != nil {
		log.Printf("relay: list presence %s: %v", c.documentID, err)
		return
	}
	list := make([]transport.Identity, 0, len(members))
	for _, m := range members {
		list = append(list, transport.Identity{
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			AvatarRef:   m.AvatarRef,
			Role:        m.Role,
		})
	}
	event, err := transport.NewEvent(transport.KindPresenceSnapshot, c.documentID, GatewayUserID,
		transport.PresenceSnapshotPayload{Collaborators: list}, c.relay.opts.Clock.Now())
	if err != nil {
		log.Printf("relay: %v", err)
		return
	}
	c.enqueue(event)
}

// forward copies broker events to the client, skipping the client's own. A
// broker disconnect closes the socket so the client reconnects and
// re-announces itself.
func (c *relayConn) forward(done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case connected := <-c.sub.State():
			if !connected {
				log.Printf("relay: %s broker disconnected, closing socket", c.id)
				_ = c.conn.Close()
				return
			}
		case event, ok := <-c.sub.Events():
			if !ok {
				_ = c.conn.Close()
				return
			}
			if event.UserID == c.identity.UserID {
				continue
			}
			c.enqueue(event)
		}
	}
}

func (c *relayConn) enqueue(event transport.Event) {
	select {
	case c.send <- event:
	default:
		log.Printf("relay: %s send buffer full, dropping %s", c.id, event.Kind)
	}
}

func (c *relayConn) writeLoop(done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.relay.opts.PingInterval)
	defer ticker.Stop()

	failed := false
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				if !failed {
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(c.relay.opts.WriteTimeout))
				}
				return
			}
			if failed {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.relay.opts.WriteTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				log.Printf("relay: %s write: %v", c.id, err)
				failed = true
				_ = c.conn.Close()
			}
		case <-ticker.C:
			if failed {
				continue
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.relay.opts.WriteTimeout)); err != nil {
				failed = true
				_ = c.conn.Close()
			}
		}
	}
}

func identityFromQuery(q url.Values) (transport.Identity, error) {
	userID := strings.TrimSpace(q.Get("userId"))
	if userID == "" {
		return transport.Identity{}, errors.New("userId is required")
	}
	if userID == GatewayUserID {
		return transport.Identity{}, errReservedUser
	}
	displayName := strings.TrimSpace(q.Get("displayName"))
	if displayName == "" {
		displayName = userID
	}
	return transport.Identity{
		UserID:      userID,
		DisplayName: displayName,
		AvatarRef:   strings.TrimSpace(q.Get("avatarRef")),
		Role:        string(rbac.Normalize(strings.TrimSpace(q.Get("role")))),
	}, nil
}

func throttleKey(documentID, userID string, kind transport.Kind) string {
	return documentID + "/" + userID + "/" + string(kind)
}
