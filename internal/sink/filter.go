package sink

import (
	"context"
	"sync"

	"github.com/maltedev/floorsheet-harvester/internal/harvester"
	"github.com/maltedev/floorsheet-harvester/internal/models"
)

// SkipKnown drops records whose key was already present in the output
// before the run started, then appends the rest to the wrapped sink.
type SkipKnown struct {
	next harvester.AppendSink

	mu      sync.Mutex
	known   map[string]struct{}
	skipped int
}

func NewSkipKnown(next harvester.AppendSink, existing []models.Record) *SkipKnown {
	known := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		known[rec.Key] = struct{}{}
	}
	return &SkipKnown{next: next, known: known}
}

func (s *SkipKnown) Write(ctx context.Context, rec models.Record) error {
	s.mu.Lock()
	if _, ok := s.known[rec.Key]; ok {
		s.skipped++
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.next.Write(ctx, rec)
}

// Flush forwards to the wrapped sink when it buffers.
func (s *SkipKnown) Flush(ctx context.Context) error {
	if f, ok := s.next.(harvester.Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}

// Skipped returns how many records were dropped.
func (s *SkipKnown) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}
