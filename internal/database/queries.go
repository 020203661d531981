package database

import (
	"fmt"
	"time"
)

const upsertRecordQuery = "INSERT INTO store_records (path, value, updated_at) VALUES ($1, $2, $3) " +
	"ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at"

func (db *PgSnapshotRepository) UpsertRecord(path string, value []byte) error {
	_, err := db.conn.Exec(upsertRecordQuery, path, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert record %q: %w", path, err)
	}
	return nil
}

func (db *PgSnapshotRepository) DeleteRecord(path string) error {
	_, err := db.conn.Exec("DELETE FROM store_records WHERE path = $1", path)
	if err != nil {
		return fmt.Errorf("delete record %q: %w", path, err)
	}
	return nil
}

func (db *PgSnapshotRepository) ListRecords() ([]Record, error) {
	rows, err := db.conn.Query("SELECT path, value, updated_at FROM store_records ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r     Record
			value []byte
		)
		if err := rows.Scan(&r.Path, &value, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Value = value
		records = append(records, r)
	}

	return records, rows.Err()
}
