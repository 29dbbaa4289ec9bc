package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chronicle/collab/internal/rbac"
	"chronicle/collab/internal/transport"
)

// docSession owns everything the coordinator knows about one joined
// document. Every field below mu is guarded by it.
type docSession struct {
	c          *Coordinator
	documentID string
	sub        transport.Subscription
	ticker     *clock.Ticker

	mu        sync.Mutex
	closed    bool
	connected bool
	eligible  bool

	save      saveState
	saveTimer *clock.Timer
	saveGen   uint64
	// dirty is set when content changes while a save is in flight.
	dirty bool
	resetAfterSave bool
	// saveDone is closed when the persistence call in flight returns.
	saveDone chan struct{}

	presence          *presence
	typingTimers      map[string]*expiry
	typingSeq         uint64
	typingPublishedAt time.Time
	cursors           *Throttle
	selections        *Throttle

	statusWatch   *watchers[SaveStatus]
	presenceWatch *watchers[[]Collaborator]
	typingWatch   *watchers[[]string]

	stop chan struct{}
	done chan struct{}
}

type expiry struct {
	timer *clock.Timer
	gen   uint64
}

func newDocSession(c *Coordinator, documentID string, sub transport.Subscription) *docSession {
	s := &docSession{
		c:             c,
		documentID:    documentID,
		sub:           sub,
		connected:     sub.Connected(),
		eligible:      rbac.CanWrite(c.self.Role),
		presence:      newPresence(),
		typingTimers:  make(map[string]*expiry),
		cursors:       NewThrottle(c.clock, c.opts.CursorInterval),
		selections:    NewThrottle(c.clock, c.opts.CursorInterval),
		statusWatch:   newWatchers[SaveStatus](),
		presenceWatch: newWatchers[[]Collaborator](),
		typingWatch:   newWatchers[[]string](),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.presence.join(c.self, c.clock.Now())
	return s
}

func (s *docSession) selfID() string { return s.c.self.UserID }

func (s *docSession) start() {
	s.mu.Lock()
	s.announceJoin(false)
	s.requestSnapshot()
	s.mu.Unlock()

	var tick <-chan time.Time
	if s.c.opts.HeartbeatInterval > 0 {
		s.ticker = s.c.clock.Ticker(s.c.opts.HeartbeatInterval)
		tick = s.ticker.C
	}
	go s.run(tick)
}

func (s *docSession) run(tick <-chan time.Time) {
	defer close(s.done)
	events := s.sub.Events()
	state := s.sub.State()
	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				log.Printf("collab: channel for %s closed", s.documentID)
				s.handleState(false)
				continue
			}
			s.handleEvent(event)
		case connected := <-state:
			s.handleState(connected)
		case <-tick:
			s.heartbeat()
		}
	}
}

func (s *docSession) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopSaveTimer()
	for userID := range s.typingTimers {
		s.stopTyping(userID)
	}
	if s.connected {
		s.publish(transport.KindLeave, nil)
	}
	s.closed = true
	s.presence.clear()
	s.mu.Unlock()

	close(s.stop)
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if err := s.sub.Close(); err != nil {
		log.Printf("collab: close channel for %s: %v", s.documentID, err)
	}
	<-s.done

	s.statusWatch.closeAll()
	s.presenceWatch.closeAll()
	s.typingWatch.closeAll()
}

// publish sends an event from the local user. Failures are logged; a
// disconnected channel is the transport's concern.
func (s *docSession) publish(kind transport.Kind, payload any) {
	event, err := transport.NewEvent(kind, s.documentID, s.selfID(), payload, s.c.clock.Now())
	if err != nil {
		log.Printf("collab: build %s for %s: %v", kind, s.documentID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.c.opts.PublishTimeout)
	defer cancel()
	if err := s.c.transport.Publish(ctx, event); err != nil {
		log.Printf("collab: publish %s on %s: %v", kind, s.documentID, err)
	}
}

func (s *docSession) announceJoin(heartbeat bool) {
	s.publish(transport.KindJoin, transport.JoinPayload{Identity: s.c.self, Heartbeat: heartbeat})
}

func (s *docSession) requestSnapshot() {
	s.publish(transport.KindPresenceSnapshot, transport.PresenceSnapshotPayload{Request: true})
}

func (s *docSession) notifyPresence() {
	s.presenceWatch.notify(s.presence.list())
}

func (s *docSession) notifyTyping() {
	s.typingWatch.notify(s.presence.typing())
}

func (s *docSession) handleState(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.connected == connected {
		return
	}
	s.connected = connected
	if !connected {
		log.Printf("collab: channel for %s disconnected, presence frozen", s.documentID)
		return
	}
	log.Printf("collab: channel for %s reconnected", s.documentID)
	s.announceJoin(false)
	s.requestSnapshot()
}

// heartbeat re-announces the local user and drops peers that went silent.
// Nothing happens while disconnected so the last known state stays intact.
func (s *docSession) heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.connected {
		return
	}
	now := s.c.clock.Now()
	s.presence.touch(s.selfID(), now)
	s.announceJoin(true)

	if s.c.opts.PresenceTimeout <= 0 {
		return
	}
	stale := s.presence.stale(now.Add(-s.c.opts.PresenceTimeout), s.selfID())
	for _, userID := range stale {
		log.Printf("collab: %s timed out on %s", userID, s.documentID)
		s.dropPeer(userID)
	}
}

func (s *docSession) handleEvent(event transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || event.DocumentID != s.documentID || event.UserID == s.selfID() {
		return
	}
	now := s.c.clock.Now()

	switch event.Kind {
	case transport.KindJoin:
		var p transport.JoinPayload
		if err := event.Decode(&p); err != nil {
			log.Printf("collab: %v", err)
			return
		}
		p.UserID = event.UserID
		if p.Heartbeat {
			s.presence.refresh(p.Identity, now)
		} else {
			wasTyping := s.isTyping(event.UserID)
			s.stopTyping(event.UserID)
			s.presence.join(p.Identity, now)
			if wasTyping {
				s.notifyTyping()
			}
		}
		s.notifyPresence()

	case transport.KindLeave:
		s.dropPeer(event.UserID)

	case transport.KindPresenceSnapshot:
		var p transport.PresenceSnapshotPayload
		if err := event.Decode(&p); err != nil {
			log.Printf("collab: %v", err)
			return
		}
		if p.Request {
			s.announceJoin(true)
			return
		}
		s.applySnapshot(p.Collaborators, now)

	case transport.KindCursorUpdate:
		var p transport.CursorPayload
		if err := event.Decode(&p); err != nil {
			log.Printf("collab: %v", err)
			return
		}
		if c, ok := s.presence.touch(event.UserID, now); ok {
			c.Cursor = &Cursor{X: p.X, Y: p.Y}
			s.notifyPresence()
		}

	case transport.KindSelectionUpdate:
		var p transport.SelectionPayload
		if err := event.Decode(&p); err != nil {
			log.Printf("collab: %v", err)
			return
		}
		if c, ok := s.presence.touch(event.UserID, now); ok {
			c.Selection = &Selection{Start: p.Start, End: p.End}
			s.notifyPresence()
		}

	case transport.KindTypingStart:
		s.remoteTyping(event.UserID, now)

	case transport.KindTypingStop:
		s.remoteStopTyping(event.UserID, now)

	case transport.KindSaveStatus:
		var p transport.SaveStatusPayload
		if err := event.Decode(&p); err != nil {
			log.Printf("collab: %v", err)
			return
		}
		phase, ok := ParsePhase(p.Phase)
		if !ok {
			log.Printf("collab: unknown save phase %q from %s", p.Phase, event.UserID)
			return
		}
		if c, ok := s.presence.touch(event.UserID, now); ok {
			status := SaveStatus{Phase: phase}
			if p.LastSavedAt != nil {
				status.LastSavedAt = *p.LastSavedAt
			}
			c.Save = &status
			s.notifyPresence()
		}
	}
}

// applySnapshot makes the remote part of the presence set equal to list.
// Known users keep their cursor, selection and typing state.
func (s *docSession) applySnapshot(list []transport.Identity, now time.Time) {
	seen := make(map[string]struct{}, len(list))
	for _, id := range list {
		if id.UserID == "" || id.UserID == s.selfID() {
			continue
		}
		seen[id.UserID] = struct{}{}
		s.presence.refresh(id, now)
	}
	for _, c := range s.presence.list() {
		if c.UserID == s.selfID() {
			continue
		}
		if _, ok := seen[c.UserID]; !ok {
			s.dropPeer(c.UserID)
		}
	}
	s.notifyPresence()
}

func (s *docSession) dropPeer(userID string) {
	wasTyping := s.isTyping(userID)
	s.stopTyping(userID)
	if !s.presence.leave(userID) {
		return
	}
	s.notifyPresence()
	if wasTyping {
		s.notifyTyping()
	}
}

func (s *docSession) isTyping(userID string) bool {
	c, ok := s.presence.get(userID)
	return ok && c.IsTyping
}
