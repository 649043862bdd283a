// sqlite_sink.go provides a WAL-mode SQLite-backed durable store for
// telemetry records, so a node or collector that restarts mid-run does not
// lose the records it already wrote.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that concurrent
// readers (a REST query handler) and the single writer (the node's event
// loop) proceed without blocking each other.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteSink persists Records to a local SQLite database. It is safe for
// concurrent use.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (or creates) the SQLite database at path, enables
// WAL journal mode, and applies the schema. path may be ":memory:" for
// tests.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// avoids "database is locked" errors under concurrent Insert calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("telemetry: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("telemetry: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("telemetry: apply schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS telemetry_records (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    msg_type       TEXT    NOT NULL,
    local_addr     TEXT    NOT NULL,
    remote_addr    TEXT    NOT NULL,
    hlc            INTEGER NOT NULL,
    bitmap         INTEGER NOT NULL,
    offsets        INTEGER NOT NULL,
    counter        INTEGER NOT NULL,
    num_procs      INTEGER NOT NULL,
    epsilon        INTEGER NOT NULL,
    interval       INTEGER NOT NULL,
    delta          INTEGER NOT NULL,
    alpha          INTEGER NOT NULL,
    max_offset_size INTEGER NOT NULL,
    offset_bytes   INTEGER NOT NULL,
    counter_bytes  INTEGER NOT NULL,
    clock_bytes    INTEGER NOT NULL,
    max_offset     INTEGER NOT NULL,
    recorded_at    TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_telemetry_records_time ON telemetry_records (recorded_at);
`

// Insert persists r. It implements the durable half of a node's telemetry
// path; the hash-chained Tracer covers the tamper-evident half.
func (s *SQLiteSink) Insert(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry_records
		 (msg_type, local_addr, remote_addr, hlc, bitmap, offsets, counter,
		  num_procs, epsilon, interval, delta, alpha, max_offset_size,
		  offset_bytes, counter_bytes, clock_bytes, max_offset)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.MsgType), r.LocalAddr, r.RemoteAddr, r.HLC, r.Bitmap, r.Offsets, r.Counter,
		r.NumProcs, r.Epsilon, r.Interval, r.Delta, r.Alpha, r.MaxOffsetSize,
		r.OffsetBytes, r.CounterBytes, r.ClockBytes, r.MaxOffset,
	)
	if err != nil {
		return fmt.Errorf("telemetry: insert record: %w", err)
	}
	return nil
}

// Count returns the number of records persisted so far.
func (s *SQLiteSink) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("telemetry: count records: %w", err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
