package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/floorsheet-harvester/internal/harvester"
)

// CheckpointRepository stores harvest checkpoints in postgres.
type CheckpointRepository struct {
	db *DB
}

func NewCheckpointRepository(db *DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

func (r *CheckpointRepository) Load(ctx context.Context, runKey string) (*harvester.Checkpoint, error) {
	query := `
		SELECT
			run_key, run_id, page_index, records_ingested, stagnant_pages,
			pages_fetched, rows_dropped, duplicates_suppressed, sink_failures,
			status, reason, started_at, updated_at
		FROM harvest_checkpoints
		WHERE run_key = $1`

	cp := &harvester.Checkpoint{}
	var status string
	err := r.db.pool.QueryRow(ctx, query, runKey).Scan(
		&cp.RunKey, &cp.RunID, &cp.PageIndex, &cp.RecordsIngested, &cp.StagnantPages,
		&cp.PagesFetched, &cp.RowsDropped, &cp.DuplicatesSuppressed, &cp.SinkFailures,
		&status, &cp.Reason, &cp.StartedAt, &cp.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", runKey, err)
	}
	cp.Status = harvester.RunStatus(status)
	return cp, nil
}

func (r *CheckpointRepository) Save(ctx context.Context, cp *harvester.Checkpoint) error {
	query := `
		INSERT INTO harvest_checkpoints (
			run_key, run_id, page_index, records_ingested, stagnant_pages,
			pages_fetched, rows_dropped, duplicates_suppressed, sink_failures,
			status, reason, started_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (run_key) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			page_index = EXCLUDED.page_index,
			records_ingested = EXCLUDED.records_ingested,
			stagnant_pages = EXCLUDED.stagnant_pages,
			pages_fetched = EXCLUDED.pages_fetched,
			rows_dropped = EXCLUDED.rows_dropped,
			duplicates_suppressed = EXCLUDED.duplicates_suppressed,
			sink_failures = EXCLUDED.sink_failures,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.pool.Exec(ctx, query,
		cp.RunKey, cp.RunID, cp.PageIndex, cp.RecordsIngested, cp.StagnantPages,
		cp.PagesFetched, cp.RowsDropped, cp.DuplicatesSuppressed, cp.SinkFailures,
		string(cp.Status), cp.Reason, cp.StartedAt, cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.RunKey, err)
	}
	return nil
}
