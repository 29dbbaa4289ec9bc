// Package transport carries collaboration events between the clients of a
// document channel.
package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of a channel event.
type Kind string

const (
	KindJoin             Kind = "join"
	KindLeave            Kind = "leave"
	KindPresenceSnapshot Kind = "presence_snapshot"
	KindCursorUpdate     Kind = "cursor_update"
	KindSelectionUpdate  Kind = "selection_update"
	KindTypingStart      Kind = "typing_start"
	KindTypingStop       Kind = "typing_stop"
	KindSaveStatus       Kind = "save_status"
)

var knownKinds = map[Kind]struct{}{
	KindJoin:             {},
	KindLeave:            {},
	KindPresenceSnapshot: {},
	KindCursorUpdate:     {},
	KindSelectionUpdate:  {},
	KindTypingStart:      {},
	KindTypingStop:       {},
	KindSaveStatus:       {},
}

// Valid reports whether k is one of the channel event kinds.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Event is the envelope exchanged on a document channel.
type Event struct {
	Kind       Kind            `json:"type"`
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Identity is the immutable part of a collaborator as carried on the wire.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Role        string `json:"role"`
}

// JoinPayload announces a collaborator. Heartbeat joins refresh an existing
// entry instead of replacing it.
type JoinPayload struct {
	Identity
	Heartbeat bool `json:"heartbeat,omitempty"`
}

// PresenceSnapshotPayload is either a snapshot request (Request set, no
// collaborators) or an authoritative presence list.
type PresenceSnapshotPayload struct {
	Request       bool       `json:"request,omitempty"`
	Collaborators []Identity `json:"collaborators,omitempty"`
}

type CursorPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type SelectionPayload struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type SaveStatusPayload struct {
	Phase       string     `json:"phase"`
	LastSavedAt *time.Time `json:"lastSavedAt,omitempty"`
}

// NewEvent builds an event with payload encoded as JSON. A nil payload
// produces an event without a payload.
func NewEvent(kind Kind, documentID, userID string, payload any, timestamp time.Time) (Event, error) {
	event := Event{
		Kind:       kind,
		DocumentID: documentID,
		UserID:     userID,
		Timestamp:  timestamp.UTC(),
	}
	if payload == nil {
		return event, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	event.Payload = raw
	return event, nil
}

// Decode unmarshals the event payload into target.
func (e Event) Decode(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Validate checks the envelope fields every event must carry.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event type %q", e.Kind)
	}
	if e.DocumentID == "" {
		return fmt.Errorf("%s event: documentId is required", e.Kind)
	}
	if e.UserID == "" {
		return fmt.Errorf("%s event: userId is required", e.Kind)
	}
	return nil
}

func encodeEvent(event Event) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return raw, nil
}

func decodeEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}
