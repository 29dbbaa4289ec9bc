package collab

import (
	"time"

	"chronicle/collab/internal/transport"
)

func (s *docSession) localTyping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotJoined
	}
	now := s.c.clock.Now()
	self, ok := s.presence.touch(s.selfID(), now)
	if !ok {
		return ErrNotJoined
	}
	wasTyping := self.IsTyping
	self.IsTyping = true
	s.armTyping(s.selfID())

	// Peers expire typing on their own clock, so a long burst is
	// re-announced before their window runs out.
	if !wasTyping || now.Sub(s.typingPublishedAt) >= s.c.opts.TypingTimeout/2 {
		s.typingPublishedAt = now
		s.publish(transport.KindTypingStart, nil)
	}
	if !wasTyping {
		s.notifyTyping()
		s.notifyPresence()
	}
	return nil
}

func (s *docSession) localStopTyping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotJoined
	}
	s.stopTyping(s.selfID())
	s.clearTyping(s.selfID())
	return nil
}

func (s *docSession) remoteTyping(userID string, now time.Time) {
	c, ok := s.presence.touch(userID, now)
	if !ok {
		return
	}
	wasTyping := c.IsTyping
	c.IsTyping = true
	s.armTyping(userID)
	if !wasTyping {
		s.notifyTyping()
		s.notifyPresence()
	}
}

func (s *docSession) remoteStopTyping(userID string, now time.Time) {
	if _, ok := s.presence.touch(userID, now); !ok {
		return
	}
	s.stopTyping(userID)
	s.clearTyping(userID)
}

// clearTyping flips the flag off. For the local user it also tells peers.
func (s *docSession) clearTyping(userID string) {
	c, ok := s.presence.get(userID)
	if !ok || !c.IsTyping {
		return
	}
	c.IsTyping = false
	if userID == s.selfID() {
		s.typingPublishedAt = time.Time{}
		s.publish(transport.KindTypingStop, nil)
	}
	s.notifyTyping()
	s.notifyPresence()
}

func (s *docSession) armTyping(userID string) {
	s.stopTyping(userID)
	s.typingSeq++
	gen := s.typingSeq
	e := &expiry{gen: gen}
	e.timer = s.c.clock.AfterFunc(s.c.opts.TypingTimeout, func() { s.typingExpired(userID, gen) })
	s.typingTimers[userID] = e
}

func (s *docSession) stopTyping(userID string) {
	e, ok := s.typingTimers[userID]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(s.typingTimers, userID)
}

func (s *docSession) typingExpired(userID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	e, ok := s.typingTimers[userID]
	if !ok || e.gen != gen {
		return
	}
	delete(s.typingTimers, userID)
	s.clearTyping(userID)
}
