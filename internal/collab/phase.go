package collab

import (
	"fmt"
	"time"
)

// Phase is the save progress of one document.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePending
	PhaseSaving
	PhaseSaved
	PhaseError
)

var phaseNames = [...]string{
	PhaseIdle:    "idle",
	PhasePending: "pending",
	PhaseSaving:  "saving",
	PhaseSaved:   "saved",
	PhaseError:   "error",
}

func (p Phase) String() string {
	if p < PhaseIdle || p > PhaseError {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ParsePhase is the inverse of Phase.String.
func ParsePhase(name string) (Phase, bool) {
	for i, n := range phaseNames {
		if n == name {
			return Phase(i), true
		}
	}
	return PhaseIdle, false
}

// Transitions into Idle are only taken when save eligibility is lost, via
// saveState.reset.
var transitions = map[Phase][]Phase{
	PhaseIdle:    {PhasePending},
	PhasePending: {PhaseSaving, PhaseIdle},
	PhaseSaving:  {PhaseSaved, PhaseError},
	PhaseSaved:   {PhasePending, PhaseIdle},
	PhaseError:   {PhaseSaving, PhaseIdle},
}

// CanTransition reports whether the state machine allows p -> to.
func (p Phase) CanTransition(to Phase) bool {
	for _, next := range transitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

// SaveStatus is the read model of a document's save state.
type SaveStatus struct {
	Phase       Phase
	LastSavedAt time.Time
	// Err is the last persistence failure; it is set only in PhaseError.
	Err error
}

type saveState struct {
	phase            Phase
	lastSavedContent *string
	lastSavedAt      time.Time
	pendingContent   *string
	err              error
}

func (s *saveState) transition(to Phase) error {
	if !s.phase.CanTransition(to) {
		return fmt.Errorf("illegal save transition %s -> %s", s.phase, to)
	}
	s.phase = to
	if to != PhaseError {
		s.err = nil
	}
	return nil
}

func (s *saveState) reset() {
	*s = saveState{}
}

func (s *saveState) status() SaveStatus {
	return SaveStatus{Phase: s.phase, LastSavedAt: s.lastSavedAt, Err: s.err}
}

// matchesSaved reports whether content equals the last persisted content.
func (s *saveState) matchesSaved(content string) bool {
	return s.lastSavedContent != nil && *s.lastSavedContent == content
}
