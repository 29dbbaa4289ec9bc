package collab

import "chronicle/collab/internal/transport"

// localCursor publishes the caret position unless an update was accepted
// less than CursorInterval ago, in which case it is dropped.
func (s *docSession) localCursor(cursor Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotJoined
	}
	if !s.cursors.Allow(s.selfID()) {
		return nil
	}
	if self, ok := s.presence.touch(s.selfID(), s.c.clock.Now()); ok {
		self.Cursor = &cursor
	}
	s.publish(transport.KindCursorUpdate, transport.CursorPayload{X: cursor.X, Y: cursor.Y})
	s.notifyPresence()
	return nil
}

func (s *docSession) localSelection(selection Selection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotJoined
	}
	if !s.selections.Allow(s.selfID()) {
		return nil
	}
	if self, ok := s.presence.touch(s.selfID(), s.c.clock.Now()); ok {
		self.Selection = &selection
	}
	s.publish(transport.KindSelectionUpdate, transport.SelectionPayload{Start: selection.Start, End: selection.End})
	s.notifyPresence()
	return nil
}
