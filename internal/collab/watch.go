package collab

import "sync"

// watchers fans a read model out to local subscribers. Each subscriber
// channel buffers one value and only the latest value is kept, so a slow
// reader never blocks the document.
type watchers[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan T
	closed bool
}

func newWatchers[T any]() *watchers[T] {
	return &watchers[T]{subs: make(map[int]chan T)}
}

// subscribe registers a subscriber primed with current. The returned cancel
// func is idempotent.
func (w *watchers[T]) subscribe(current T) (<-chan T, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan T, 1)
	if w.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- current
	id := w.nextID
	w.nextID++
	w.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if sub, ok := w.subs[id]; ok {
				delete(w.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (w *watchers[T]) notify(value T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case <-ch:
		default:
		}
		ch <- value
	}
}

func (w *watchers[T]) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for id, ch := range w.subs {
		delete(w.subs, id)
		close(ch)
	}
}
