// Package store manages the SQLite database holding the device-local copy
// of plants, scans, activities, and the user profile, plus the pending
// conflicts table.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/phytovigil/phytosync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    type       TEXT    NOT NULL,
    local_id   TEXT    NOT NULL,
    server_id  INTEGER NOT NULL DEFAULT 0,
    synced     INTEGER NOT NULL DEFAULT 0,
    created_at TEXT    NOT NULL DEFAULT '',
    updated_at TEXT    NOT NULL DEFAULT '',
    data       TEXT    NOT NULL DEFAULT '{}'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_records_local  ON records (type, local_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_records_server ON records (type, server_id) WHERE server_id != 0;
CREATE INDEX        IF NOT EXISTS idx_records_synced ON records (type, synced);

CREATE TABLE IF NOT EXISTS conflicts (
    id          TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    local_id    TEXT NOT NULL,
    local_data  TEXT NOT NULL,
    server_data TEXT NOT NULL,
    detected_at TEXT NOT NULL
);
`

// Store is the SQLite-backed local record repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the database path under the given data directory.
func DefaultDBPath(dataDir string) string {
	return filepath.Join(dataDir, "phytovigil.db")
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

const recordCols = `type, local_id, server_id, synced, created_at, updated_at, data`

// GetByServerID returns the record of the given type with the given server
// id, or (nil, nil) if no such record exists.
func (s *Store) GetByServerID(ctx context.Context, t model.RecordType, serverID int64) (*model.Record, error) {
	const q = `SELECT ` + recordCols + ` FROM records WHERE type = ? AND server_id = ?`
	row := s.db.QueryRowContext(ctx, q, string(t), serverID)
	return scanRecord(row)
}

// GetByLocalID returns the record of the given type with the given local
// id, or (nil, nil) if no such record exists.
func (s *Store) GetByLocalID(ctx context.Context, t model.RecordType, localID string) (*model.Record, error) {
	const q = `SELECT ` + recordCols + ` FROM records WHERE type = ? AND local_id = ?`
	row := s.db.QueryRowContext(ctx, q, string(t), localID)
	return scanRecord(row)
}

// Create inserts a new record. The (type, local_id) pair must be unused.
func (s *Store) Create(ctx context.Context, rec *model.Record) error {
	const q = `
		INSERT INTO records (` + recordCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		string(rec.Type),
		rec.LocalID,
		rec.ServerID,
		boolToInt(rec.Synced),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
		string(rec.Data),
	)
	if err != nil {
		return fmt.Errorf("creating %s record %q: %w", rec.Type, rec.LocalID, err)
	}
	return nil
}

// Update overwrites the record identified by (type, local_id).
func (s *Store) Update(ctx context.Context, rec *model.Record) error {
	const q = `
		UPDATE records
		SET server_id = ?, synced = ?, created_at = ?, updated_at = ?, data = ?
		WHERE type = ? AND local_id = ?`
	res, err := s.db.ExecContext(ctx, q,
		rec.ServerID,
		boolToInt(rec.Synced),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
		string(rec.Data),
		string(rec.Type),
		rec.LocalID,
	)
	if err != nil {
		return fmt.Errorf("updating %s record %q: %w", rec.Type, rec.LocalID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating %s record %q: not found", rec.Type, rec.LocalID)
	}
	return nil
}

// Delete removes the record identified by (type, local_id). Missing records
// are not an error.
func (s *Store) Delete(ctx context.Context, t model.RecordType, localID string) error {
	const q = `DELETE FROM records WHERE type = ? AND local_id = ?`
	if _, err := s.db.ExecContext(ctx, q, string(t), localID); err != nil {
		return fmt.Errorf("deleting %s record %q: %w", t, localID, err)
	}
	return nil
}

// Unsynced returns all records of the given type whose synced flag is
// false. Used to rebuild the upload queue after a lost queue blob.
func (s *Store) Unsynced(ctx context.Context, t model.RecordType) ([]*model.Record, error) {
	const q = `SELECT ` + recordCols + ` FROM records WHERE type = ? AND synced = 0`
	rows, err := s.db.QueryContext(ctx, q, string(t))
	if err != nil {
		return nil, fmt.Errorf("querying unsynced %s records: %w", t, err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountRecords returns the total number of local records.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return count, nil
}

// SaveConflict inserts or replaces a pending conflict.
func (s *Store) SaveConflict(ctx context.Context, c model.Conflict) error {
	const q = `
		INSERT OR REPLACE INTO conflicts (id, type, local_id, local_data, server_data, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		c.ID,
		string(c.Type),
		c.LocalID,
		string(c.LocalData),
		string(c.ServerData),
		formatTime(c.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("saving conflict %q: %w", c.ID, err)
	}
	return nil
}

// Conflicts returns all pending conflicts in detection order.
func (s *Store) Conflicts(ctx context.Context) ([]model.Conflict, error) {
	const q = `
		SELECT id, type, local_id, local_data, server_data, detected_at
		FROM conflicts ORDER BY detected_at`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conflicts []model.Conflict
	for rows.Next() {
		var c model.Conflict
		var typ, localData, serverData, detectedAt string
		if err := rows.Scan(&c.ID, &typ, &c.LocalID, &localData, &serverData, &detectedAt); err != nil {
			return nil, fmt.Errorf("scanning conflict row: %w", err)
		}
		c.Type = model.RecordType(typ)
		c.LocalData = []byte(localData)
		c.ServerData = []byte(serverData)
		c.Timestamp, _ = parseTime(detectedAt)
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// DeleteConflict removes the conflict with the given id. Removal is the
// only record that resolution occurred.
func (s *Store) DeleteConflict(ctx context.Context, id string) error {
	const q = `DELETE FROM conflicts WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("deleting conflict %q: %w", id, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanRecord can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*model.Record, error) {
	var rec model.Record
	var typ, createdAt, updatedAt, data string
	var synced int

	err := s.Scan(
		&typ,
		&rec.LocalID,
		&rec.ServerID,
		&synced,
		&createdAt,
		&updatedAt,
		&data,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record row: %w", err)
	}

	rec.Type = model.RecordType(typ)
	rec.Synced = synced != 0
	rec.CreatedAt, _ = parseTime(createdAt)
	rec.UpdatedAt, _ = parseTime(updatedAt)
	rec.Data = []byte(data)

	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
