// SPDX-License-Identifier: MIT

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	analysis_type TEXT NOT NULL,
	ciphertext    BLOB NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id, created_at);
`

// SQLiteStore persists sealed records in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the record database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("open %s: %w", path, err)}
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under the worker pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, &Error{Err: fmt.Errorf("migrate: %w", err)}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Persist(ctx context.Context, ownerID string, ciphertext []byte, meta Meta) (string, error) {
	id := uuid.NewString()
	createdAt := meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (id, owner_id, session_id, analysis_type, ciphertext, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, ownerID, meta.SessionID, string(meta.AnalysisType), ciphertext, createdAt.Unix(),
	)
	if err != nil {
		return "", &Error{Err: fmt.Errorf("insert record: %w", err)}
	}
	return id, nil
}

// Ciphertext loads one sealed record back. Used by the round-trip boundary
// test; the pipeline never reads records.
func (s *SQLiteStore) Ciphertext(ctx context.Context, recordID string) ([]byte, error) {
	var box []byte
	err := s.db.QueryRowContext(ctx, `SELECT ciphertext FROM records WHERE id = ?`, recordID).Scan(&box)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("load record %s: %w", recordID, err)}
	}
	return box, nil
}

// CountByOwner reports how many records an owner holds.
func (s *SQLiteStore) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE owner_id = ?`, ownerID).Scan(&n)
	if err != nil {
		return 0, &Error{Err: fmt.Errorf("count records: %w", err)}
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ RecordStore = (*SQLiteStore)(nil)
