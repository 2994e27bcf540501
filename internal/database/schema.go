package database

var schema = []string{
	`CREATE TABLE IF NOT EXISTS floorsheet_records (
		identity_key  TEXT PRIMARY KEY,
		sn            BIGINT NOT NULL,
		contract_no   TEXT NOT NULL,
		symbol        TEXT NOT NULL,
		buyer         TEXT NOT NULL,
		seller        TEXT NOT NULL,
		quantity      NUMERIC NOT NULL,
		rate          NUMERIC NOT NULL,
		amount        NUMERIC NOT NULL,
		page          INTEGER NOT NULL,
		run_key       TEXT NOT NULL,
		ingested_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_floorsheet_records_run_key ON floorsheet_records (run_key)`,
	`CREATE TABLE IF NOT EXISTS harvest_checkpoints (
		run_key               TEXT PRIMARY KEY,
		run_id                UUID NOT NULL,
		page_index            INTEGER NOT NULL,
		records_ingested      INTEGER NOT NULL DEFAULT 0,
		stagnant_pages        INTEGER NOT NULL DEFAULT 0,
		pages_fetched         INTEGER NOT NULL DEFAULT 0,
		rows_dropped          INTEGER NOT NULL DEFAULT 0,
		duplicates_suppressed INTEGER NOT NULL DEFAULT 0,
		sink_failures         INTEGER NOT NULL DEFAULT 0,
		status                TEXT NOT NULL,
		reason                TEXT NOT NULL DEFAULT '',
		started_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_event (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		target_stream  TEXT NOT NULL,
		status         TEXT NOT NULL,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     TIMESTAMPTZ NOT NULL,
		processed_at   TIMESTAMPTZ,
		next_retry_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_event_pending ON outbox_event (status, next_retry_at)`,
}
