package progression

import (
	"sync"
	"time"
)

// Deduper suppresses repeats of the same key seen within a window. Only
// allowed events refresh a key, so a steady stream of duplicates cannot
// hold a key suppressed forever.
type Deduper struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Allow reports whether key may pass at now
func (d *Deduper) Allow(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}

	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.seen[key] = now
	return true
}

// Reset forgets everything seen
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]time.Time)
}

// Len returns the number of tracked keys
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
