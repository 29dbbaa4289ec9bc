package collab

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Throttle admits at most one call per interval for each key. Calls inside
// the window are dropped, not queued.
type Throttle struct {
	clock    clock.Clock
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewThrottle(clk clock.Clock, interval time.Duration) *Throttle {
	if clk == nil {
		clk = clock.New()
	}
	return &Throttle{clock: clk, interval: interval, last: make(map[string]time.Time)}
}

// Allow reports whether a call for key is accepted now and, if so, starts a
// new window for it.
func (t *Throttle) Allow(key string) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}

// Forget drops the window for key.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, key)
}
