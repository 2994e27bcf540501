package sink

import (
	"context"
	"sync"

	"github.com/maltedev/floorsheet-harvester/internal/harvester"
	"github.com/maltedev/floorsheet-harvester/internal/models"
)

// Memory is an idempotent in-process sink used for dry runs.
type Memory struct {
	mu      sync.RWMutex
	records map[string]models.Record
	order   []string
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]models.Record)}
}

func (m *Memory) Upsert(ctx context.Context, key string, rec models.Record) (harvester.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[key]; ok {
		return harvester.AlreadyPresent, nil
	}
	m.records[key] = rec
	m.order = append(m.order, key)
	return harvester.Inserted, nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Records returns stored records in insertion order.
func (m *Memory) Records() []models.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Record, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.records[key])
	}
	return out
}

// SymbolCounts returns the number of stored records per symbol.
func (m *Memory) SymbolCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, rec := range m.records {
		counts[rec.Symbol]++
	}
	return counts
}
