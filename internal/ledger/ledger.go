// Package ledger tracks the identity keys ingested during a harvest run.
// A ledger only grows: keys are never evicted, so its size is the number of
// distinct records seen so far.
package ledger

import (
	"sync"
)

type Memory struct {
	mu   sync.RWMutex
	seen map[string]int
}

func NewMemory() *Memory {
	return &Memory{seen: make(map[string]int)}
}

// Contains reports whether key has been added.
func (m *Memory) Contains(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.seen[key]
	return ok
}

// Add records key as first seen on page. Adding a known key keeps the
// original page.
func (m *Memory) Add(key string, page int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[key]; ok {
		return
	}
	m.seen[key] = page
}

// firstSeen returns the page a key was first added on.
func (m *Memory) firstSeen(key string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page, ok := m.seen[key]
	return page, ok
}

// OverlapRatio returns the fraction of the distinct keys that are already
// present. An empty set has no overlap.
func (m *Memory) OverlapRatio(keys []string) float64 {
	distinct := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		distinct[k] = struct{}{}
	}
	if len(distinct) == 0 {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	present := 0
	for k := range distinct {
		if _, ok := m.seen[k]; ok {
			present++
		}
	}
	return float64(present) / float64(len(distinct))
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seen)
}

// Seed adds every key of entries with its first-seen page and returns
// how many keys were new.
func (m *Memory) Seed(entries map[string]int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for key, page := range entries {
		if _, ok := m.seen[key]; ok {
			continue
		}
		m.seen[key] = page
		added++
	}
	return added
}
