// Package history keeps completed scripts in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS scripts (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id      TEXT NOT NULL UNIQUE,
    title       TEXT NOT NULL,
    agent_name  TEXT NOT NULL DEFAULT '',
    premise     TEXT NOT NULL DEFAULT '',
    script      TEXT NOT NULL,
    word_count  INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scripts_created ON scripts(created_at);
`

// ErrNotFound is returned by Get for unknown job ids.
var ErrNotFound = errors.New("history entry not found")

// Store provides SQLite-backed storage for completed scripts.
type Store struct {
	db  *sql.DB
	now func() time.Time

	// recent remembers job ids recorded by this process so a job that
	// completes twice in a run is written once without a database round trip.
	recent *cache.Cache
}

// OpenStore opens (or creates) the history database at dbPath and runs migrations.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		db:     db,
		now:    time.Now,
		recent: cache.New(6*time.Hour, 30*time.Minute),
	}, nil
}

// Record stores e. A job id is stored at most once; later calls for the same
// job are ignored.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.JobID == "" {
		return fmt.Errorf("history entry has no job id")
	}
	if err := s.recent.Add(e.JobID, struct{}{}, cache.DefaultExpiration); err != nil {
		return nil
	}

	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO scripts (
			job_id, title, agent_name, premise, script, word_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.Title, e.AgentName, e.Premise, e.Script, e.WordCount,
		created.UTC().Format(time.RFC3339),
	)
	if err != nil {
		s.recent.Delete(e.JobID)
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first. Premise and script are
// left empty; use Get for the full text.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, title, agent_name, word_count, created_at
		FROM scripts
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Title, &e.AgentName, &e.WordCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns the entry recorded for jobID.
func (s *Store) Get(ctx context.Context, jobID string) (Entry, error) {
	var e Entry
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, title, agent_name, premise, script, word_count, created_at
		FROM scripts
		WHERE job_id = ?`, jobID).Scan(
		&e.ID, &e.JobID, &e.Title, &e.AgentName, &e.Premise, &e.Script, &e.WordCount, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("query history entry: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		e.CreatedAt = t
	}
	return e, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scripts").Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
