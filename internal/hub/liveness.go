package hub

import (
	"sort"
	"sync"
	"time"
)

// Liveness records the last activity of every registered device.
type Liveness struct {
	mu       sync.Mutex
	now      func() time.Time
	lastSeen map[string]time.Time
}

// NewLiveness creates a tracker reading time from now.
// A nil clock defaults to time.Now.
func NewLiveness(now func() time.Time) *Liveness {
	if now == nil {
		now = time.Now
	}
	return &Liveness{
		now:      now,
		lastSeen: make(map[string]time.Time),
	}
}

// Touch stamps id with the current time. Stamps never move backwards.
func (l *Liveness) Touch(id string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.now()
	if prev, ok := l.lastSeen[id]; ok && prev.After(t) {
		return prev
	}
	l.lastSeen[id] = t
	return t
}

// Forget drops the record for id.
func (l *Liveness) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastSeen, id)
}

// LastSeen returns the last stamp recorded for id.
func (l *Liveness) LastSeen(id string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.lastSeen[id]
	return t, ok
}

// Expired returns the ids silent for strictly longer than timeout at now,
// sorted for deterministic eviction order.
func (l *Liveness) Expired(now time.Time, timeout time.Duration) []string {
	l.mu.Lock()
	var ids []string
	for id, seen := range l.lastSeen {
		if now.Sub(seen) > timeout {
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// StillExpired re-reads the record for id. A device touched after the
// candidate list was built is no longer expired.
func (l *Liveness) StillExpired(id string, now time.Time, timeout time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen, ok := l.lastSeen[id]
	return ok && now.Sub(seen) > timeout
}

// Now returns the tracker's current time.
func (l *Liveness) Now() time.Time {
	return l.now()
}
