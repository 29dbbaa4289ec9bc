package collab

import (
	"sort"
	"time"

	"chronicle/collab/internal/transport"
)

type Cursor struct {
	X float64
	Y float64
}

type Selection struct {
	Start int
	End   int
}

// Collaborator is one participant of a document session. Identity fields
// come from the join; the rest is overwritten by activity events.
type Collaborator struct {
	UserID      string
	DisplayName string
	AvatarRef   string
	Role        string

	Cursor         *Cursor
	Selection      *Selection
	IsTyping       bool
	LastActivityAt time.Time
	JoinedAt       time.Time
	// Save is the last save status broadcast by this collaborator.
	Save *SaveStatus
}

func (c Collaborator) Identity() transport.Identity {
	return transport.Identity{
		UserID:      c.UserID,
		DisplayName: c.DisplayName,
		AvatarRef:   c.AvatarRef,
		Role:        c.Role,
	}
}

func (c Collaborator) clone() Collaborator {
	out := c
	if c.Cursor != nil {
		cursor := *c.Cursor
		out.Cursor = &cursor
	}
	if c.Selection != nil {
		sel := *c.Selection
		out.Selection = &sel
	}
	if c.Save != nil {
		save := *c.Save
		out.Save = &save
	}
	return out
}

// presence is keyed by user id so a reconnecting user replaces its own entry.
type presence struct {
	members map[string]*Collaborator
}

func newPresence() *presence {
	return &presence{members: make(map[string]*Collaborator)}
}

// join replaces any previous entry for the user.
func (p *presence) join(id transport.Identity, now time.Time) *Collaborator {
	c := &Collaborator{
		UserID:         id.UserID,
		DisplayName:    id.DisplayName,
		AvatarRef:      id.AvatarRef,
		Role:           id.Role,
		LastActivityAt: now,
		JoinedAt:       now,
	}
	p.members[id.UserID] = c
	return c
}

// refresh keeps the mutable state of a known user and adds unknown ones.
func (p *presence) refresh(id transport.Identity, now time.Time) *Collaborator {
	c, ok := p.members[id.UserID]
	if !ok {
		return p.join(id, now)
	}
	c.DisplayName = id.DisplayName
	c.AvatarRef = id.AvatarRef
	c.Role = id.Role
	c.LastActivityAt = now
	return c
}

func (p *presence) leave(userID string) bool {
	if _, ok := p.members[userID]; !ok {
		return false
	}
	delete(p.members, userID)
	return true
}

func (p *presence) get(userID string) (*Collaborator, bool) {
	c, ok := p.members[userID]
	return c, ok
}

// touch records activity for a known user. Activity from unknown users is
// ignored.
func (p *presence) touch(userID string, now time.Time) (*Collaborator, bool) {
	c, ok := p.members[userID]
	if !ok {
		return nil, false
	}
	c.LastActivityAt = now
	return c, true
}

// stale returns the users, other than keep, whose last activity is before
// cutoff.
func (p *presence) stale(cutoff time.Time, keep string) []string {
	var out []string
	for userID, c := range p.members {
		if userID == keep {
			continue
		}
		if c.LastActivityAt.Before(cutoff) {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

// list returns copies ordered by join time, then user id.
func (p *presence) list() []Collaborator {
	out := make([]Collaborator, 0, len(p.members))
	for _, c := range p.members {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (p *presence) typing() []string {
	var out []string
	for userID, c := range p.members {
		if c.IsTyping {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

func (p *presence) clear() {
	for userID := range p.members {
		delete(p.members, userID)
	}
}
