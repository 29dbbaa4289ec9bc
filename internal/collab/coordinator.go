// Package collab coordinates the live session of a client on shared
// documents: presence, typing indicators, cursor and selection broadcast,
// and debounced auto-save with save status fan-out.
//
// All state of a joined document lives in one per-document context guarded
// by a single mutex. Timer callbacks, inbound channel events and API calls
// take that mutex, so they are applied one at a time. The persistence call
// is the only operation that runs with the mutex released; the Saving phase
// guarantees that at most one such call exists per document.
package collab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chronicle/collab/internal/rbac"
	"chronicle/collab/internal/transport"
)

// Persister stores document content. Calling it twice with the same content
// must be safe.
type Persister interface {
	Save(ctx context.Context, documentID, content string) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, documentID, content string) error

func (f PersisterFunc) Save(ctx context.Context, documentID, content string) error {
	return f(ctx, documentID, content)
}

type Options struct {
	// SaveDelay is the debounce window of NotifyContentChanged.
	SaveDelay time.Duration
	// TypingTimeout expires a typing indicator that was not refreshed.
	TypingTimeout time.Duration
	// CursorInterval throttles cursor and selection broadcasts.
	CursorInterval time.Duration
	// SaveTimeout bounds a single persistence call.
	SaveTimeout time.Duration
	// PublishTimeout bounds a single channel publish.
	PublishTimeout time.Duration
	// HeartbeatInterval re-announces the local user and prunes silent
	// peers. A negative value disables the heartbeat.
	HeartbeatInterval time.Duration
	// PresenceTimeout removes peers without activity for this long.
	// Defaults to three heartbeats.
	PresenceTimeout time.Duration
	Clock           clock.Clock
}

func (o Options) withDefaults() Options {
	if o.SaveDelay <= 0 {
		o.SaveDelay = 5 * time.Second
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = 2 * time.Second
	}
	if o.CursorInterval <= 0 {
		o.CursorInterval = 100 * time.Millisecond
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 30 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.PresenceTimeout <= 0 && o.HeartbeatInterval > 0 {
		o.PresenceTimeout = 3 * o.HeartbeatInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Coordinator is the collaboration session of one local user.
type Coordinator struct {
	self      transport.Identity
	transport transport.Transport
	persister Persister
	opts      Options
	clock     clock.Clock

	mu       sync.Mutex
	sessions map[string]*docSession
	joining  map[string]chan struct{}
	closed   bool

	// saving holds one entry per document with a persistence call in
	// flight. It outlives sessions, so a document that is left and joined
	// again cannot run two saves at once.
	savingMu sync.Mutex
	saving   map[string]chan struct{}
}

func New(self transport.Identity, t transport.Transport, p Persister, opts Options) (*Coordinator, error) {
	if self.UserID == "" {
		return nil, fmt.Errorf("new coordinator: user id is required")
	}
	if t == nil {
		return nil, fmt.Errorf("new coordinator: transport is required")
	}
	if p == nil {
		return nil, fmt.Errorf("new coordinator: persister is required")
	}
	self.Role = string(rbac.Normalize(self.Role))
	opts = opts.withDefaults()
	return &Coordinator{
		self:      self,
		transport: t,
		persister: p,
		opts:      opts,
		clock:     opts.Clock,
		sessions:  make(map[string]*docSession),
		joining:   make(map[string]chan struct{}),
		saving:    make(map[string]chan struct{}),
	}, nil
}

func (c *Coordinator) Self() transport.Identity { return c.self }

// JoinDocument subscribes to the document channel, announces the local user
// and requests the current presence snapshot. Joining a joined document is a
// no-op; a join of a document that is already joining waits for it.
func (c *Coordinator) JoinDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("join document: document id is required")
	}
	done, err := c.beginJoin(ctx, documentID)
	if err != nil || done == nil {
		return err
	}
	defer c.endJoin(documentID, done)

	sub, err := c.transport.Subscribe(ctx, documentID)
	if err != nil {
		return fmt.Errorf("join document %s: %w", documentID, err)
	}
	s := newDocSession(c, documentID, sub)
	s.start()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.shutdown()
		return ErrClosed
	}
	c.sessions[documentID] = s
	c.mu.Unlock()
	log.Printf("collab: joined %s as %s", documentID, c.self.UserID)
	return nil
}

// beginJoin marks documentID as joining so the transport can be dialed
// without holding c.mu. It returns a nil channel when the document is
// already joined.
func (c *Coordinator) beginJoin(ctx context.Context, documentID string) (chan struct{}, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if _, ok := c.sessions[documentID]; ok {
			c.mu.Unlock()
			return nil, nil
		}
		pending, ok := c.joining[documentID]
		if !ok {
			done := make(chan struct{})
			c.joining[documentID] = done
			c.mu.Unlock()
			return done, nil
		}
		c.mu.Unlock()

		select {
		case <-pending:
		case <-ctx.Done():
			return nil, fmt.Errorf("join document %s: %w", documentID, ctx.Err())
		}
	}
}

func (c *Coordinator) endJoin(documentID string, done chan struct{}) {
	c.mu.Lock()
	delete(c.joining, documentID)
	c.mu.Unlock()
	close(done)
}

// acquireSave reserves the persistence slot of a document. When the slot is
// taken it returns the channel that is closed on release instead.
func (c *Coordinator) acquireSave(documentID string) (func(), <-chan struct{}) {
	c.savingMu.Lock()
	defer c.savingMu.Unlock()
	if busy, ok := c.saving[documentID]; ok {
		return nil, busy
	}
	done := make(chan struct{})
	c.saving[documentID] = done
	return func() {
		c.savingMu.Lock()
		delete(c.saving, documentID)
		c.savingMu.Unlock()
		close(done)
	}, nil
}

// LeaveDocument announces the departure, cancels every timer of the document
// and drops its state. Leaving a document that is not joined is a no-op. A
// save in flight is not cancelled; its result is discarded, and a later join
// of the document does not save until it returns.
func (c *Coordinator) LeaveDocument(documentID string) {
	c.mu.Lock()
	s, ok := c.sessions[documentID]
	if ok {
		delete(c.sessions, documentID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	s.shutdown()
	log.Printf("collab: left %s", documentID)
}

// Close leaves every joined document. The transport is not closed.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*docSession, 0, len(c.sessions))
	for id, s := range c.sessions {
		sessions = append(sessions, s)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
	return nil
}

// Documents returns the ids of the joined documents.
func (c *Coordinator) Documents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) session(documentID string) (*docSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s, ok := c.sessions[documentID]
	if !ok {
		return nil, ErrNotJoined
	}
	return s, nil
}

// SetSaveEligible toggles whether content changes of the document are
// persisted. Drafts are not eligible. Losing eligibility resets the save
// state to Idle, after the save in flight if there is one.
func (c *Coordinator) SetSaveEligible(documentID string, eligible bool) error {
	s, err := c.session(documentID)
	if err != nil {
		return err
	}
	if eligible && !rbac.CanWrite(c.self.Role) {
		return ErrNotEligible
	}
	return s.setEligible(eligible)
}

// NotifyContentChanged records content as the latest edit and restarts the
// save debounce. Persistence failures are never returned here; they show up
// as PhaseError.
func (c *Coordinator) NotifyContentChanged(documentID, content string) error {
	s, err := c.session(documentID)
	if err != nil {
		return err
	}
	return s.contentChanged(content)
}

// TriggerImmediateSave cancels the debounce and saves content now, waiting
// for the result. While another save of the document is in flight the call
// does not start a second one: it waits for that save, then saves the latest
// content and returns the status of that attempt. A ctx that ends while
// waiting returns ctx.Err() and leaves the content to the debounce.
func (c *Coordinator) TriggerImmediateSave(ctx context.Context, documentID, content string) (SaveStatus, error) {
	s, err := c.session(documentID)
	if err != nil {
		return SaveStatus{}, err
	}
	return s.saveNow(ctx, content)
}

func (c *Coordinator) NotifyCursor(documentID string, cursor Cursor) error {
	s, err := c.session(documentID)
	if err != nil {
		return err
	}
	return s.localCursor(cursor)
}

func (c *Coordinator) NotifySelection(documentID string, selection Selection) error {
	s, err := c.session(documentID)
	if err != nil {
		return err
	}
	return s.localSelection(selection)
}

// NotifyTyping marks the local user as typing until TypingTimeout passes
// without another call.
func (c *Coordinator) NotifyTyping(documentID string) error {
	s, err := c.session(documentID)
	if err != nil {
		return err
	}
	if !rbac.Can(rbac.Role(c.self.Role), rbac.ActionType) {
		return ErrNotPermitted
	}
	return s.localTyping()
}

func (c *Coordinator) NotifyStopTyping(documentID string) error {
	s, err := c.session(documentID)
	if err != nil {
		return err
	}
	return s.localStopTyping()
}

// Presence lists the collaborators of the document, the local user included.
func (c *Coordinator) Presence(documentID string) ([]Collaborator, error) {
	s, err := c.session(documentID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.list(), nil
}

// Typing returns the ids of the users currently typing in the document.
func (c *Coordinator) Typing(documentID string) ([]string, error) {
	s, err := c.session(documentID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.typing(), nil
}

func (c *Coordinator) SaveStatus(documentID string) (SaveStatus, error) {
	s, err := c.session(documentID)
	if err != nil {
		return SaveStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save.status(), nil
}

// Connected reports whether the document channel is currently connected.
// While it is not, presence and typing keep their last known state.
func (c *Coordinator) Connected(documentID string) (bool, error) {
	s, err := c.session(documentID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected, nil
}

// SubscribePresence streams the presence list of the document. The channel
// holds only the latest list and is closed when the document is left.
func (c *Coordinator) SubscribePresence(documentID string) (<-chan []Collaborator, func(), error) {
	s, err := c.session(documentID)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, cancel := s.presenceWatch.subscribe(s.presence.list())
	return ch, cancel, nil
}

func (c *Coordinator) SubscribeTyping(documentID string) (<-chan []string, func(), error) {
	s, err := c.session(documentID)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, cancel := s.typingWatch.subscribe(s.presence.typing())
	return ch, cancel, nil
}

func (c *Coordinator) SubscribeSaveStatus(documentID string) (<-chan SaveStatus, func(), error) {
	s, err := c.session(documentID)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, cancel := s.statusWatch.subscribe(s.save.status())
	return ch, cancel, nil
}
