package collab

import (
	"errors"
	"fmt"
)

var (
	ErrNotJoined    = errors.New("document not joined")
	ErrNotEligible  = errors.New("document is not save-eligible")
	ErrNotPermitted = errors.New("role does not permit this action")
	ErrClosed       = errors.New("coordinator closed")
	// ErrStaleWrite marks a save result that arrived after its document was
	// left. It is logged and never returned.
	ErrStaleWrite = errors.New("stale write ignored")
)

// PersistenceError is the failure of the persistence collaborator for one
// save attempt. It is surfaced only through SaveStatus.Err.
type PersistenceError struct {
	DocumentID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("save document %s: %v", e.DocumentID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
