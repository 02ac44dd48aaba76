package risk

import (
	"sync"
	"time"
)

// Throttle admits a key at most once per ttl. The evaluator uses it to keep
// per-tick skip logging readable. It is safe for concurrent use.
type Throttle struct {
	seen map[string]time.Time
	ttl  time.Duration
	mu   sync.Mutex
	now  func() time.Time
}

// NewThrottle creates a Throttle with the given window.
func NewThrottle(ttl time.Duration) *Throttle {
	return &Throttle{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Allow reports whether key has not been admitted within the window and, if
// so, records it.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.seen[key]; ok && now.Sub(last) < t.ttl {
		return false
	}
	t.seen[key] = now
	return true
}

// Cleanup drops keys older than the window.
func (t *Throttle) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for k, ts := range t.seen {
		if now.Sub(ts) >= t.ttl {
			delete(t.seen, k)
		}
	}
}
