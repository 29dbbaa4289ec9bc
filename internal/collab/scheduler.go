package collab

import (
	"context"
	"log"
	"time"

	"chronicle/collab/internal/transport"
)

// move applies a phase transition, refusing the ones the state machine does
// not allow.
func (s *docSession) move(to Phase) bool {
	if err := s.save.transition(to); err != nil {
		log.Printf("collab: %s: %v", s.documentID, err)
		return false
	}
	return true
}

// announce pushes the current save status to local watchers and, when
// broadcast is set, to the document channel.
func (s *docSession) announce(broadcast bool) {
	status := s.save.status()
	if self, ok := s.presence.get(s.selfID()); ok {
		saved := status
		self.Save = &saved
		s.notifyPresence()
	}
	s.statusWatch.notify(status)
	if !broadcast {
		return
	}
	payload := transport.SaveStatusPayload{Phase: status.Phase.String()}
	if !status.LastSavedAt.IsZero() {
		at := status.LastSavedAt
		payload.LastSavedAt = &at
	}
	s.publish(transport.KindSaveStatus, payload)
}

func (s *docSession) stopSaveTimer() {
	s.saveGen++
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
}

// armSave replaces the save timer. The generation check in saveTimerFired
// discards a callback whose timer was already replaced when it ran.
func (s *docSession) armSave(delay time.Duration) {
	s.stopSaveTimer()
	gen := s.saveGen
	s.saveTimer = s.c.clock.AfterFunc(delay, func() { s.saveTimerFired(gen) })
}

func (s *docSession) setEligible(eligible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotJoined
	}
	if s.eligible == eligible {
		return nil
	}
	s.eligible = eligible
	if eligible {
		s.resetAfterSave = false
		return nil
	}

	s.stopSaveTimer()
	s.dirty = false
	if s.save.phase == PhaseSaving {
		s.resetAfterSave = true
		return nil
	}
	s.save.reset()
	s.announce(false)
	return nil
}

func (s *docSession) contentChanged(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotJoined
	}
	if !s.eligible {
		return ErrNotEligible
	}

	s.save.pendingContent = &content
	switch s.save.phase {
	case PhaseIdle, PhaseSaved:
		if s.move(PhasePending) {
			s.announce(false)
		}
	case PhaseSaving:
		s.dirty = true
	}
	// Error stays visible until a save succeeds; the timer retries it.
	s.armSave(s.c.opts.SaveDelay)
	return nil
}

func (s *docSession) saveNow(ctx context.Context, content string) (SaveStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SaveStatus{}, ErrNotJoined
	}
	if !s.eligible {
		return SaveStatus{}, ErrNotEligible
	}

	s.save.pendingContent = &content
	for {
		for s.save.phase == PhaseSaving && !s.closed {
			// finish re-arms the debounce for a dirty session, so content
			// is still saved if ctx ends first.
			s.dirty = true
			done := s.saveDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
			}
			s.mu.Lock()
			if err := ctx.Err(); err != nil {
				return s.save.status(), err
			}
		}
		if s.closed {
			return SaveStatus{}, ErrNotJoined
		}
		if !s.eligible {
			return SaveStatus{}, ErrNotEligible
		}

		s.stopSaveTimer()
		if s.save.pendingContent == nil {
			return s.save.status(), nil
		}
		switch s.save.phase {
		case PhaseIdle, PhaseSaved:
			if s.move(PhasePending) {
				s.announce(false)
			}
		}
		status, ran := s.attempt(ctx)
		if ran {
			return status, nil
		}
		if err := ctx.Err(); err != nil {
			if !s.closed && s.save.pendingContent != nil {
				s.armSave(s.c.opts.SaveDelay)
			}
			return s.save.status(), err
		}
	}
}

func (s *docSession) saveTimerFired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.saveGen {
		return
	}
	s.saveTimer = nil
	if !s.eligible {
		return
	}
	if s.save.phase == PhaseSaving {
		// The save in flight picks up the newer content when it finishes.
		return
	}
	s.attempt(context.Background())
}

func (s *docSession) saveable() bool {
	return !s.closed && s.eligible && s.save.pendingContent != nil && s.save.phase.CanTransition(PhaseSaving)
}

// claimSave reserves the persistence slot of the document, waiting while a
// save started by an earlier session of it is still running. It reports
// false when the save should no longer run once the wait is over. Called
// with s.mu held; the lock is released while waiting.
func (s *docSession) claimSave(ctx context.Context) (func(), bool) {
	for {
		release, busy := s.c.acquireSave(s.documentID)
		if release != nil {
			return release, true
		}
		s.mu.Unlock()
		select {
		case <-busy:
		case <-ctx.Done():
		}
		s.mu.Lock()
		if ctx.Err() != nil || !s.saveable() {
			return nil, false
		}
	}
}

// skipSave completes an attempt whose content is already persisted.
func (s *docSession) skipSave() SaveStatus {
	s.move(PhaseSaving)
	s.announce(true)
	s.save.pendingContent = nil
	s.move(PhaseSaved)
	s.announce(true)
	return s.save.status()
}

// attempt runs one save of the pending content and reports whether it ran.
// It is called with s.mu held and returns with s.mu held, but releases it
// while waiting for the persistence slot and around the persistence call.
func (s *docSession) attempt(ctx context.Context) (SaveStatus, bool) {
	if !s.saveable() {
		return s.save.status(), false
	}
	if s.save.matchesSaved(*s.save.pendingContent) {
		return s.skipSave(), true
	}
	release, ok := s.claimSave(ctx)
	if !ok {
		return s.save.status(), false
	}
	content := *s.save.pendingContent
	if s.save.matchesSaved(content) {
		release()
		return s.skipSave(), true
	}

	s.move(PhaseSaving)
	s.dirty = false
	done := make(chan struct{})
	s.saveDone = done
	s.announce(true)

	s.mu.Unlock()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.c.opts.SaveTimeout)
	err := s.c.persister.Save(saveCtx, s.documentID, content)
	cancel()
	release()
	s.mu.Lock()

	defer close(done)
	s.saveDone = nil
	if s.closed {
		log.Printf("collab: %s: %v", s.documentID, ErrStaleWrite)
		if err != nil {
			return SaveStatus{Phase: PhaseError, Err: &PersistenceError{DocumentID: s.documentID, Err: err}}, true
		}
		return SaveStatus{Phase: PhaseSaved, LastSavedAt: s.c.clock.Now()}, true
	}
	return s.finish(content, err), true
}

func (s *docSession) finish(content string, err error) SaveStatus {
	if err != nil {
		log.Printf("collab: save %s failed: %v", s.documentID, err)
		s.move(PhaseError)
		s.save.err = &PersistenceError{DocumentID: s.documentID, Err: err}
	} else {
		s.save.lastSavedContent = &content
		s.save.lastSavedAt = s.c.clock.Now()
		if s.save.pendingContent != nil && *s.save.pendingContent == content {
			s.save.pendingContent = nil
		}
		s.move(PhaseSaved)
	}
	s.announce(true)
	result := s.save.status()

	if s.resetAfterSave {
		s.resetAfterSave = false
		s.stopSaveTimer()
		s.save.reset()
		s.announce(false)
		return result
	}

	if s.save.pendingContent != nil && s.dirty {
		if s.save.phase == PhaseSaved && s.move(PhasePending) {
			s.announce(false)
		}
		if s.saveTimer == nil {
			s.armSave(s.c.opts.SaveDelay)
		}
	}
	s.dirty = false
	return result
}
