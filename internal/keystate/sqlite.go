package keystate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS key_state (
    key_id     TEXT NOT NULL,
    kind       TEXT NOT NULL,
    until      TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    fatal      INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (key_id, kind)
);
`

// SQLiteStore persists entries in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the key state database at dbPath.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open key state db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, kind, until, reason, fatal
		FROM key_state
		ORDER BY key_id, kind`)
	if err != nil {
		return nil, fmt.Errorf("query key state: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind, until string
		var fatal int
		if err := rows.Scan(&e.KeyID, &kind, &until, &e.Reason, &fatal); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, until)
		if err != nil {
			continue
		}
		e.Kind = Kind(kind)
		e.Until = t
		e.Fatal = fatal != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Save replaces the table contents in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM key_state"); err != nil {
		return fmt.Errorf("clear key state: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO key_state (key_id, kind, until, reason, fatal)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		fatal := 0
		if e.Fatal {
			fatal = 1
		}
		if _, err := stmt.ExecContext(ctx, e.KeyID, string(e.Kind), e.Until.UTC().Format(time.RFC3339Nano), e.Reason, fatal); err != nil {
			return fmt.Errorf("insert key state %s: %w", e.KeyID, err)
		}
	}

	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
