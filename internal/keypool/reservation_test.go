package keypool

import (
	"errors"
	"testing"
	"time"
)

func TestRoundRotatesThroughKeys(t *testing.T) {
	m, clock := newTestManager(t, []Key{{ID: "a"}, {ID: "b"}, {ID: "c"}}, WithSpacing(0))
	round := m.NewRound("job-1", nil)
	keys := m.Keys()

	var got []string
	for i := 0; i < 3; i++ {
		res, err := round.Acquire(keys, 1)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		got = append(got, res.KeyID)
		res.Release()
		clock.Advance(time.Second)
	}

	want := []string{"b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("acquire order = %v, want %v", got, want)
			break
		}
	}

	if _, err := round.Acquire(keys, 1); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("Acquire after all tried err = %v, want ErrKeyUnavailable", err)
	}
	if !round.Complete(keys) {
		t.Error("round should be complete once every key was tried")
	}
}

func TestRoundResetReleasesHeldKeys(t *testing.T) {
	m, _ := newTestManager(t, []Key{{ID: "a"}, {ID: "b"}})
	round := m.NewRound("job-1", nil)
	keys := m.Keys()

	// Acquire both keys and leak the reservations on purpose.
	if _, err := round.Acquire(keys, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := round.Acquire(keys, 0); err != nil {
		t.Fatal(err)
	}
	for _, id := range keys {
		if got := m.Condition(id); got != ConditionInUse {
			t.Fatalf("%s: Condition = %q, want in use", id, got)
		}
	}

	forgotten := round.Reset()
	if len(forgotten) != 2 {
		t.Errorf("Reset() forgot %v, want both keys", forgotten)
	}
	if len(round.Tried()) != 0 {
		t.Errorf("Tried() = %v after reset, want empty", round.Tried())
	}
	for _, id := range keys {
		if got := m.Condition(id); got == ConditionInUse {
			t.Errorf("%s still locked after round reset", id)
		}
	}
}

func TestRoundCompleteIgnoresUnusableKeys(t *testing.T) {
	m, _ := newTestManager(t, []Key{{ID: "a"}, {ID: "dead"}, {ID: "tired"}}, WithSpacing(0))
	m.RecordFailure("dead", Failure{Block: FatalBlock, Fatal: true, Reason: "invalid api key"})
	m.RecordFailure("tired", Failure{Exhaust: true})

	round := m.NewRound("job-1", nil)
	keys := m.Keys()
	if round.Complete(keys) {
		t.Fatal("an untouched round is never complete")
	}

	res, err := round.Acquire(keys, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.KeyID != "a" {
		t.Errorf("acquired %q, want a", res.KeyID)
	}
	res.Release()

	if !round.Complete(keys) {
		t.Error("round should be complete when only blocked and exhausted keys remain")
	}
}

func TestRoundResetKeepsFatalBlockExcluded(t *testing.T) {
	m, _ := newTestManager(t, []Key{{ID: "a"}, {ID: "dead"}}, WithSpacing(0))
	round := m.NewRound("job-1", nil)
	keys := m.Keys()

	res, err := round.Acquire(keys, 1) // starts at "dead"
	if err != nil {
		t.Fatal(err)
	}
	if res.KeyID != "dead" {
		t.Fatalf("acquired %q, want dead", res.KeyID)
	}
	m.RecordFailure("dead", Failure{Block: FatalBlock, Fatal: true, Reason: "invalid api key"})
	res.Release()

	round.Reset()
	for i := 0; i < 3; i++ {
		res, err := round.Acquire(keys, 1)
		if err != nil {
			break
		}
		if res.KeyID == "dead" {
			t.Fatal("fatally blocked key was handed out after a round reset")
		}
		res.Release()
		round.Reset()
	}
}

func TestRoundRestoresTriedKeys(t *testing.T) {
	m, _ := newTestManager(t, []Key{{ID: "a"}, {ID: "b"}})
	round := m.NewRound("job-1", []string{"a", "a"})

	if got := round.Tried(); len(got) != 1 || got[0] != "a" {
		t.Errorf("Tried() = %v, want [a]", got)
	}
	res, err := round.Acquire(m.Keys(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Release()
	if res.KeyID != "b" {
		t.Errorf("acquired %q, want b", res.KeyID)
	}
}

func TestRoundsOfTwoJobsNeverShareAKey(t *testing.T) {
	m, _ := newTestManager(t, []Key{{ID: "only"}})
	r1 := m.NewRound("job-1", nil)
	r2 := m.NewRound("job-2", nil)

	res, err := r1.Acquire(m.Keys(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r2.Acquire(m.Keys(), 0); err == nil {
		t.Fatal("second job acquired a key that is in use")
	}
	if got := r2.Tried(); len(got) != 0 {
		t.Errorf("failed acquisition must not mark the key tried, got %v", got)
	}
	res.Release()
}

func TestReleaseNilReservation(t *testing.T) {
	var r *Reservation
	r.Release()
}
