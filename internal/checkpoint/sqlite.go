package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/maltedev/floorsheet-harvester/internal/harvester"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS harvest_checkpoints (
	run_key               TEXT PRIMARY KEY,
	run_id                TEXT NOT NULL,
	page_index            INTEGER NOT NULL,
	records_ingested      INTEGER NOT NULL DEFAULT 0,
	stagnant_pages        INTEGER NOT NULL DEFAULT 0,
	pages_fetched         INTEGER NOT NULL DEFAULT 0,
	rows_dropped          INTEGER NOT NULL DEFAULT 0,
	duplicates_suppressed INTEGER NOT NULL DEFAULT 0,
	sink_failures         INTEGER NOT NULL DEFAULT 0,
	status                TEXT NOT NULL,
	reason                TEXT NOT NULL DEFAULT '',
	started_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL
)`

// SQLiteStore keeps checkpoints in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. Use ":memory:" for an
// ephemeral store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, runKey string) (*harvester.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_key, run_id, page_index, records_ingested, stagnant_pages,
			pages_fetched, rows_dropped, duplicates_suppressed, sink_failures,
			status, reason, started_at, updated_at
		FROM harvest_checkpoints WHERE run_key = ?`, runKey)

	var (
		cp               harvester.Checkpoint
		runID, status    string
		started, updated string
	)
	err := row.Scan(&cp.RunKey, &runID, &cp.PageIndex, &cp.RecordsIngested, &cp.StagnantPages,
		&cp.PagesFetched, &cp.RowsDropped, &cp.DuplicatesSuppressed, &cp.SinkFailures,
		&status, &cp.Reason, &started, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", runKey, err)
	}

	if cp.RunID, err = uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("invalid run id for %s: %w", runKey, err)
	}
	if cp.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("invalid started_at for %s: %w", runKey, err)
	}
	if cp.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("invalid updated_at for %s: %w", runKey, err)
	}
	cp.Status = harvester.RunStatus(status)
	return &cp, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp *harvester.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO harvest_checkpoints (
			run_key, run_id, page_index, records_ingested, stagnant_pages,
			pages_fetched, rows_dropped, duplicates_suppressed, sink_failures,
			status, reason, started_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_key) DO UPDATE SET
			run_id = excluded.run_id,
			page_index = excluded.page_index,
			records_ingested = excluded.records_ingested,
			stagnant_pages = excluded.stagnant_pages,
			pages_fetched = excluded.pages_fetched,
			rows_dropped = excluded.rows_dropped,
			duplicates_suppressed = excluded.duplicates_suppressed,
			sink_failures = excluded.sink_failures,
			status = excluded.status,
			reason = excluded.reason,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at`,
		cp.RunKey, cp.RunID.String(), cp.PageIndex, cp.RecordsIngested, cp.StagnantPages,
		cp.PagesFetched, cp.RowsDropped, cp.DuplicatesSuppressed, cp.SinkFailures,
		string(cp.Status), cp.Reason,
		cp.StartedAt.UTC().Format(time.RFC3339Nano), cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.RunKey, err)
	}
	return nil
}
