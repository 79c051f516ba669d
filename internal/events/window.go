package events

import (
	"sync"
	"time"
)

// SlidingWindow admits at most limit hits per key within any rolling
// window. Each key has its own lock, so hot runs do not contend with each
// other beyond the map lookup.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*keyWindow
}

type keyWindow struct {
	mu   sync.Mutex
	hits []time.Time
}

// NewSlidingWindow creates a limiter.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		keys:   make(map[string]*keyWindow),
	}
}

func (w *SlidingWindow) key(k string) *keyWindow {
	w.mu.Lock()
	defer w.mu.Unlock()
	kw, ok := w.keys[k]
	if !ok {
		kw = &keyWindow{hits: make([]time.Time, 0, w.limit)}
		w.keys[k] = kw
	}
	return kw
}

// Allow records a hit for key and reports whether it is within the limit.
// Rejected hits are not recorded.
func (w *SlidingWindow) Allow(key string) bool {
	kw := w.key(key)
	now := w.now()
	cutoff := now.Add(-w.window)

	kw.mu.Lock()
	defer kw.mu.Unlock()

	i := 0
	for i < len(kw.hits) && !kw.hits[i].After(cutoff) {
		i++
	}
	kw.hits = kw.hits[i:]
	if len(kw.hits) >= w.limit {
		return false
	}
	kw.hits = append(kw.hits, now)
	return true
}

// Forget removes the state of key.
func (w *SlidingWindow) Forget(key string) {
	w.mu.Lock()
	delete(w.keys, key)
	w.mu.Unlock()
}

// Len returns the number of tracked keys.
func (w *SlidingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.keys)
}
