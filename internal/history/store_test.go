package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "history_test.db")
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(tempDBPath(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenStoreCreatesFile(t *testing.T) {
	path := tempDBPath(t)
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("database file should exist after OpenStore")
	}
}

func TestRecordAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)
	entry := Entry{
		JobID:     "job-001",
		Title:     "The Farm",
		AgentName: "stories",
		Premise:   "A premise.",
		Script:    "Once upon a time.",
		WordCount: 4,
		CreatedAt: created,
	}
	if err := store.Record(ctx, entry); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := store.Get(ctx, "job-001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID == 0 {
		t.Error("ID should be set")
	}
	if got.Title != entry.Title || got.Script != entry.Script || got.Premise != entry.Premise {
		t.Errorf("Get() = %+v", got)
	}
	if got.WordCount != 4 || got.AgentName != "stories" {
		t.Errorf("WordCount/AgentName = %d/%q", got.WordCount, got.AgentName)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
}

func TestGetUnknown(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRecordIsExactlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Record(ctx, Entry{JobID: "job-dup", Title: "T", Script: "S"}); err != nil {
				t.Errorf("Record: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestRecordSurvivesReopen(t *testing.T) {
	path := tempDBPath(t)
	ctx := context.Background()

	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := store.Record(ctx, Entry{JobID: "job-1", Title: "T", Script: "first"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	store.Close()

	// A new process has no in-memory guard; the unique index still holds.
	store, err = OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()
	if err := store.Record(ctx, Entry{JobID: "job-1", Title: "T", Script: "second"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Script != "first" {
		t.Errorf("Script = %q, want the first recording", got.Script)
	}
}

func TestListNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Record(ctx, Entry{JobID: id, Title: "title " + id, Script: "s", WordCount: 1}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}
	if entries[0].JobID != "c" || entries[1].JobID != "b" {
		t.Errorf("List() order = %s, %s", entries[0].JobID, entries[1].JobID)
	}
	if entries[0].Script != "" {
		t.Error("List() should not load script text")
	}
}

func TestRecordRequiresJobID(t *testing.T) {
	store := openTestStore(t)
	if err := store.Record(context.Background(), Entry{Title: "T"}); err == nil {
		t.Error("expected error for entry without job id")
	}
}
