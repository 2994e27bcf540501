package harvester

import (
	"context"

	"github.com/maltedev/floorsheet-harvester/internal/models"
)

// UpsertResult is the outcome of an idempotent write.
type UpsertResult int

const (
	Inserted UpsertResult = iota
	AlreadyPresent
)

func (r UpsertResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "already_present"
}

// AppendSink stores every record it is given. The controller suppresses
// duplicates before calling Write.
type AppendSink interface {
	Write(ctx context.Context, rec models.Record) error
}

// UpsertSink stores a record at most once per key. Two upserts with the
// same key and payload must be indistinguishable from one.
type UpsertSink interface {
	Upsert(ctx context.Context, key string, rec models.Record) (UpsertResult, error)
}

// Flusher is implemented by sinks and ledgers that buffer writes.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Ledger is the set of identity keys ingested during a run.
type Ledger interface {
	Contains(key string) bool
	Add(key string, page int)
	OverlapRatio(keys []string) float64
	Len() int
}

// Pacer delays the controller between pages.
type Pacer interface {
	Wait(ctx context.Context) error
}

// PaceFeedback is implemented by pacers that adapt to source health.
type PaceFeedback interface {
	RecordSuccess()
	RecordError()
}
