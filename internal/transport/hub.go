package transport

import (
	"context"
	"log"
	"sync"
)

const defaultSubscriberBuffer = 256

// Hub is an in-process Transport. It backs single-instance gateways and
// tests; a Hub is always connected.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*hubSubscription
	nextID uint64
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]*hubSubscription)}
}

func (h *Hub) Subscribe(ctx context.Context, documentID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.nextID++
	sub := &hubSubscription{
		hub:        h,
		documentID: documentID,
		id:         h.nextID,
		events:     make(chan Event, defaultSubscriberBuffer),
		state:      newConnState(true),
	}
	if h.subs[documentID] == nil {
		h.subs[documentID] = make(map[uint64]*hubSubscription)
	}
	h.subs[documentID][sub.id] = sub
	return sub, nil
}

// Publish fans the event out to every subscriber of its document. A
// subscriber whose buffer is full misses the event.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for _, sub := range h.subs[event.DocumentID] {
		select {
		case sub.events <- event:
		default:
			log.Printf("transport: hub subscriber %d on %s is full, dropping %s", sub.id, event.DocumentID, event.Kind)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions for a document.
func (h *Hub) Subscribers(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[documentID])
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for documentID, subs := range h.subs {
		for _, sub := range subs {
			sub.closeLocked()
		}
		delete(h.subs, documentID)
	}
	return nil
}

func (h *Hub) remove(sub *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[sub.documentID]
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.subs, sub.documentID)
	}
	sub.closeLocked()
}

type hubSubscription struct {
	hub        *Hub
	documentID string
	id         uint64
	events     chan Event
	state      *connState
	closeOnce  sync.Once
}

func (s *hubSubscription) Events() <-chan Event { return s.events }
func (s *hubSubscription) State() <-chan bool   { return s.state.ch }
func (s *hubSubscription) Connected() bool      { return s.state.get() }

func (s *hubSubscription) Close() error {
	s.hub.remove(s)
	return nil
}

// closeLocked must be called with the hub lock held.
func (s *hubSubscription) closeLocked() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}
