// internal/keystate/file.go
package keystate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileState is the on-disk layout. Blocked and exhausted keys are kept in
// separate lists so the file stays readable when inspected by hand.
type fileState struct {
	Quarantined []Entry `json:"quarantined"`
	Exhausted   []Entry `json:"exhausted"`
}

// FileStore persists entries as a JSON document.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by the JSON file at path.
// The file and its directory are created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the state file. A missing or unreadable file yields no entries.
func (s *FileStore) Load(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read key state: %w", err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		// A corrupt file should not keep the tool from starting.
		return nil, nil
	}

	entries := make([]Entry, 0, len(st.Quarantined)+len(st.Exhausted))
	for _, e := range st.Quarantined {
		e.Kind = KindBlocked
		entries = append(entries, e)
	}
	for _, e := range st.Exhausted {
		e.Kind = KindExhausted
		entries = append(entries, e)
	}
	return entries, nil
}

// Save writes the state file atomically via a temp file and rename.
func (s *FileStore) Save(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := fileState{Quarantined: []Entry{}, Exhausted: []Entry{}}
	for _, e := range entries {
		switch e.Kind {
		case KindExhausted:
			st.Exhausted = append(st.Exhausted, e)
		default:
			st.Quarantined = append(st.Quarantined, e)
		}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write key state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace key state: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
