package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrDisconnected is returned by Publish while the underlying
	// connection is down.
	ErrDisconnected = errors.New("transport disconnected")
	// ErrNotSubscribed is returned when publishing to a document channel
	// that has no live subscription on a connection-oriented transport.
	ErrNotSubscribed = errors.New("document channel not subscribed")
	ErrClosed        = errors.New("transport closed")
)

// Transport is a pub/sub connection keyed by document id.
type Transport interface {
	Subscribe(ctx context.Context, documentID string) (Subscription, error)
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Subscription delivers the events of one document channel. State emits the
// connected flag whenever it changes; only the latest value is buffered.
type Subscription interface {
	Events() <-chan Event
	State() <-chan bool
	Connected() bool
	Close() error
}

type connState struct {
	mu        sync.Mutex
	connected bool
	ch        chan bool
}

func newConnState(initial bool) *connState {
	return &connState{connected: initial, ch: make(chan bool, 1)}
}

func (s *connState) set(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected == connected {
		return
	}
	s.connected = connected
	select {
	case <-s.ch:
	default:
	}
	s.ch <- connected
}

func (s *connState) get() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
