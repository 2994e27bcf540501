package harvester

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the user-visible outcome of a run.
type RunStatus string

const (
	StatusRunning                RunStatus = "running"
	StatusCompletedNormal        RunStatus = "completed-normal"
	StatusCompletedSuspectedLoop RunStatus = "completed-suspected-loop"
	StatusFailed                 RunStatus = "failed"
)

// Checkpoint is the persisted cursor of a harvest run. Only the controller
// mutates it; everyone else gets copies.
type Checkpoint struct {
	RunKey string    `json:"run_key"`
	RunID  uuid.UUID `json:"run_id"`

	// PageIndex is the 1-based index of the next page to fetch.
	PageIndex       int `json:"page_index"`
	RecordsIngested int `json:"records_ingested"`
	StagnantPages   int `json:"stagnant_pages"`

	PagesFetched         int `json:"pages_fetched"`
	RowsDropped          int `json:"rows_dropped"`
	DuplicatesSuppressed int `json:"duplicates_suppressed"`
	SinkFailures         int `json:"sink_failures"`

	Status    RunStatus `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewCheckpoint(runKey string, startPage int) *Checkpoint {
	if startPage < 1 {
		startPage = 1
	}
	now := time.Now().UTC()
	return &Checkpoint{
		RunKey:    runKey,
		RunID:     uuid.New(),
		PageIndex: startPage,
		Status:    StatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns an independent copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// IsFinished reports whether the run ended successfully, normal or flagged.
func (c *Checkpoint) IsFinished() bool {
	return c.Status == StatusCompletedNormal || c.Status == StatusCompletedSuspectedLoop
}

// CheckpointStore persists checkpoints by run key. Load returns nil and no
// error when nothing is stored for the key.
type CheckpointStore interface {
	Load(ctx context.Context, runKey string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
}
