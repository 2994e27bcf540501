package database

import (
	"context"
	"fmt"

	"github.com/maltedev/floorsheet-harvester/internal/harvester"
	"github.com/maltedev/floorsheet-harvester/internal/models"
)

// RecordRepository is an idempotent record sink keyed by identity key.
type RecordRepository struct {
	db     *DB
	runKey string
}

func NewRecordRepository(db *DB, runKey string) *RecordRepository {
	return &RecordRepository{db: db, runKey: runKey}
}

// Upsert inserts rec unless a record with the same key already exists.
func (r *RecordRepository) Upsert(ctx context.Context, key string, rec models.Record) (harvester.UpsertResult, error) {
	query := `
		INSERT INTO floorsheet_records (
			identity_key, sn, contract_no, symbol, buyer, seller,
			quantity, rate, amount, page, run_key
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (identity_key) DO NOTHING`

	tag, err := r.db.pool.Exec(ctx, query,
		key, rec.SN, rec.ContractNo, rec.Symbol, rec.Buyer, rec.Seller,
		rec.Quantity, rec.Rate, rec.Amount, rec.Page, r.runKey,
	)
	if err != nil {
		return harvester.Inserted, fmt.Errorf("failed to upsert record %s: %w", key, err)
	}

	if tag.RowsAffected() == 0 {
		return harvester.AlreadyPresent, nil
	}
	return harvester.Inserted, nil
}

// CountByRunKey returns the number of records stored for a run.
func (r *RecordRepository) CountByRunKey(ctx context.Context, runKey string) (int64, error) {
	var count int64
	err := r.db.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM floorsheet_records WHERE run_key = $1", runKey).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// Keys returns the identity keys stored for a run with the page each was
// first seen on.
func (r *RecordRepository) Keys(ctx context.Context, runKey string) (map[string]int, error) {
	rows, err := r.db.pool.Query(ctx,
		"SELECT identity_key, page FROM floorsheet_records WHERE run_key = $1", runKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query record keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]int)
	for rows.Next() {
		var key string
		var page int
		if err := rows.Scan(&key, &page); err != nil {
			return nil, fmt.Errorf("failed to scan record key: %w", err)
		}
		keys[key] = page
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record keys: %w", err)
	}
	return keys, nil
}
