// Package keystate persists key quarantine and exhaustion state so that a
// blocked or exhausted key stays out of rotation across process restarts.
//
// The key pool calls Save after every block or exhaustion transition and
// Load once at startup. Backends:
//
//	MemoryStore  in-process only (tests, --state=memory)
//	FileStore    JSON file under ~/.narrator-cli
//	SQLiteStore  modernc.org/sqlite database
//	RedisStore   hash in a redis instance
package keystate

import (
	"context"
	"sync"
	"time"
)

// Kind distinguishes the two persisted key conditions.
type Kind string

const (
	// KindBlocked is a quarantine caused by auth, billing or repeated failures.
	KindBlocked Kind = "blocked"

	// KindExhausted is daily quota exhaustion; it always ends at a UTC midnight.
	KindExhausted Kind = "exhausted"
)

// Entry is one persisted key condition.
type Entry struct {
	KeyID  string    `json:"keyId"`
	Kind   Kind      `json:"kind"`
	Until  time.Time `json:"until"`
	Reason string    `json:"reason,omitempty"`
	Fatal  bool      `json:"fatal,omitempty"`
}

// Store loads and saves the full set of key conditions.
// Save replaces everything previously stored.
type Store interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, entries []Entry) error
	Close() error
}

// Active returns the entries that have not yet expired at now.
func Active(entries []Entry, now time.Time) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Until.After(now) {
			out = append(out, e)
		}
	}
	return out
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	saves   int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make([]Entry, len(entries))
	copy(s.entries, entries)
	s.saves++
	return nil
}

// Saves reports how many times Save has been called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) Close() error { return nil }

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*RedisStore)(nil)
)
