package crawl

import (
	"sync"

	"go-mirror/internal/urlnorm"
)

// Tracker is the set of keys a stage has already scheduled. Keys are
// normalized with urlnorm.Key before every lookup.
type Tracker struct {
	keys map[string]struct{}
	mu   sync.RWMutex
}

func NewTracker() *Tracker {
	return &Tracker{
		keys: make(map[string]struct{}),
	}
}

func (t *Tracker) HasBeenProcessed(url string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.keys[urlnorm.Key(url)]
	return ok
}

func (t *Tracker) MarkAsProcessed(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.keys[urlnorm.Key(url)] = struct{}{}
}

// MarkIfNotProcessed checks and marks in one critical section. It reports
// true for the first caller only.
func (t *Tracker) MarkIfNotProcessed(url string) bool {
	key := urlnorm.Key(url)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.keys[key]; ok {
		return false
	}
	t.keys[key] = struct{}{}
	return true
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys)
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = make(map[string]struct{})
}
