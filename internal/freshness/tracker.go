// Package freshness remembers the last modification time observed for each
// resource and reports when a resource has changed since.
package freshness

import (
	"sync"
	"time"
)

type Status int

const (
	// Fresh means no action is needed: the resource was seen for the first
	// time, or its timestamp did not move forward.
	Fresh Status = iota
	// Stale means the resource changed since the last observation.
	Stale
)

func (s Status) String() string {
	switch s {
	case Stale:
		return "stale"
	default:
		return "fresh"
	}
}

// Tracker maps resource references to their last seen modification time.
// Entries are only ever added or moved forward, never removed.
type Tracker struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]time.Time)}
}

// CheckAndUpdate records observed for ref and reports whether it is newer
// than what was stored before. Older or equal observations are ignored.
func (t *Tracker) CheckAndUpdate(ref string, observed time.Time) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.seen[ref]
	if !ok {
		t.seen[ref] = observed
		return Fresh
	}
	if !observed.After(last) {
		return Fresh
	}

	t.seen[ref] = observed
	return Stale
}

// Last returns the stored timestamp for ref.
func (t *Tracker) Last(ref string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.seen[ref]
	return ts, ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
