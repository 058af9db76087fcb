// Package keypool tracks quota usage and availability for a pool of provider
// keys shared by concurrently running generation jobs.
//
// Each key has its own mutex; every read or write of a key's windows, flags
// and timestamps happens under it. Callers never see the state directly:
//
//	Reserve → (provider call) → RecordSuccess / RecordFailure → Reservation.Release
//
// A Reservation must be released exactly once on every path. Jobs that rotate
// through keys do so via a Round, which couples the job's tried-key set with
// the reservations it holds.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aceteam-ai/narrator-cli/internal/keystate"
)

const (
	// DefaultSpacing is the minimum gap between two requests on the same key.
	DefaultSpacing = 2 * time.Second

	// FailureStreakLimit consecutive unclassified failures trip a temporary block.
	FailureStreakLimit = 5

	// FailureStreakBlock is how long a key stays blocked after a failure streak.
	FailureStreakBlock = 3 * time.Minute

	// failureStreakExpiry resets the streak when failures are this far apart.
	failureStreakExpiry = 5 * time.Minute

	// FatalBlock is used for auth and billing errors. It lasts until a manual reset.
	FatalBlock = 999999999 * time.Millisecond

	// MaxReasonableWait caps ShortestWait; longer waits are not worth polling for.
	MaxReasonableWait = 120 * time.Second

	// longBlock marks blocks that ShortestWait ignores entirely.
	longBlock = 24 * time.Hour
)

var (
	// ErrUnknownKey is returned for key ids that are not in the pool.
	ErrUnknownKey = errors.New("unknown key")

	// ErrKeyUnavailable is returned by Reserve when the key cannot be used now.
	ErrKeyUnavailable = errors.New("key unavailable")
)

// Manager owns the usage state of every key in the pool.
type Manager struct {
	order  []string
	states map[string]*keyState

	store   keystate.Store
	now     func() time.Time
	logFn   func(level, msg string)
	spacing time.Duration

	// persistMu serializes snapshot+save so saves land in order.
	persistMu sync.Mutex

	sweepMu  sync.Mutex
	lastDate string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now. Used by tests to drive windows and midnights.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStore sets the persistence backend for blocks and exhaustion.
func WithStore(store keystate.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithLogFn sets the log callback.
func WithLogFn(fn func(level, msg string)) Option {
	return func(m *Manager) { m.logFn = fn }
}

// WithSpacing overrides DefaultSpacing. Zero disables spacing.
func WithSpacing(d time.Duration) Option {
	return func(m *Manager) { m.spacing = d }
}

// NewManager builds a pool for keys and restores persisted blocks and
// exhaustion, discarding entries that already expired.
func NewManager(ctx context.Context, keys []Key, opts ...Option) (*Manager, error) {
	m := &Manager{
		states:  make(map[string]*keyState, len(keys)),
		now:     time.Now,
		spacing: DefaultSpacing,
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, k := range keys {
		if k.ID == "" {
			return nil, fmt.Errorf("key %q has no id", k.Name)
		}
		if _, dup := m.states[k.ID]; dup {
			return nil, fmt.Errorf("duplicate key id %q", k.ID)
		}
		m.order = append(m.order, k.ID)
		m.states[k.ID] = newKeyState(k, m.spacing)
	}

	m.lastDate = utcDate(m.now())

	if m.store != nil {
		entries, err := m.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load key state: %w", err)
		}
		restored := 0
		for _, e := range keystate.Active(entries, m.now()) {
			s, ok := m.states[e.KeyID]
			if !ok {
				continue
			}
			s.mu.Lock()
			switch e.Kind {
			case keystate.KindExhausted:
				s.exhaustedUntil = e.Until
			default:
				s.blockLocked(e.Until, e.Reason, e.Fatal)
			}
			s.mu.Unlock()
			restored++
		}
		if restored > 0 {
			m.log("info", "Restored %d persisted key condition(s)", restored)
		}
	}

	return m, nil
}

func (m *Manager) log(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if m.logFn != nil {
		m.logFn(level, msg)
		return
	}
	if level == "error" || level == "warning" {
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	}
}

func (m *Manager) state(keyID string) (*keyState, error) {
	s, ok := m.states[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return s, nil
}

// Keys returns all key ids in configuration order.
func (m *Manager) Keys() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Key returns the configured key for id.
func (m *Manager) Key(keyID string) (Key, bool) {
	s, ok := m.states[keyID]
	if !ok {
		return Key{}, false
	}
	return s.key, true
}

// Limits returns the quotas that apply to keyID.
func (m *Manager) Limits(keyID string) Limits {
	if s, ok := m.states[keyID]; ok {
		return s.limits
	}
	return DefaultLimits
}

// IsAvailable reports whether keyID can be reserved right now.
func (m *Manager) IsAvailable(keyID string) bool {
	return m.Condition(keyID) == ConditionAvailable
}

// Condition returns the first failing availability check for keyID.
func (m *Manager) Condition(keyID string) Condition {
	s, err := m.state(keyID)
	if err != nil {
		return ConditionBlocked
	}
	s.mu.Lock()
	cond, changed := s.evaluateLocked(m.now())
	s.mu.Unlock()
	if changed {
		m.persist()
	}
	return cond
}

// Reserve atomically checks availability and marks keyID in use by jobID.
// The attempt is counted in the rpm window immediately.
func (m *Manager) Reserve(jobID, keyID string) (*Reservation, error) {
	s, err := m.state(keyID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	s.mu.Lock()
	cond, changed := s.evaluateLocked(now)
	if cond != ConditionAvailable {
		s.mu.Unlock()
		if changed {
			m.persist()
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrKeyUnavailable, keyID, cond)
	}

	r := &Reservation{JobID: jobID, KeyID: keyID, AcquiredAt: now, m: m}
	s.inUse = true
	s.holder = r
	s.lastRequestAt = now
	s.rpm = append(pruneTimes(s.rpm, now, rpmSpan), now)
	if s.spacing != nil {
		s.spacing.AllowN(now, 1)
	}
	s.mu.Unlock()

	if changed {
		m.persist()
	}
	return r, nil
}

// release clears the in-use flag if r still holds the key. Windows are untouched.
func (m *Manager) release(r *Reservation) {
	s, err := m.state(r.KeyID)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.holder == r {
		s.inUse = false
		s.holder = nil
	}
	s.mu.Unlock()
}

// RecordSuccess counts a successful request against the daily window,
// adds tokens to the minute token window, and clears failures and blocks.
func (m *Manager) RecordSuccess(keyID string, tokens int) error {
	s, err := m.state(keyID)
	if err != nil {
		return err
	}

	now := m.now()
	s.mu.Lock()
	s.rpd = append(pruneTimes(s.rpd, now, rpdSpan), now)
	if tokens > 0 {
		s.tpm, _ = pruneTokens(s.tpm, now)
		s.tpm = append(s.tpm, tokenMark{at: now, tokens: tokens})
	}
	hadBlock := !s.blockedUntil.IsZero()
	s.clearBlockLocked()
	s.mu.Unlock()

	if hadBlock {
		m.persist()
	}
	return nil
}

// Failure is the key-level effect of a classified error.
type Failure struct {
	// Reason is stored with blocks and shown to the user.
	Reason string

	// Block quarantines the key for this long when positive.
	Block time.Duration

	// Fatal marks the block as a configuration problem (auth, billing).
	Fatal bool

	// Exhaust marks the daily quota spent until the next UTC midnight.
	Exhaust bool

	// Cooldown makes the key unusable for this long when positive.
	Cooldown time.Duration

	// Retract removes the attempt from the rpm window and resets spacing.
	Retract bool

	// CountsTowardStreak feeds the consecutive failure circuit breaker.
	CountsTowardStreak bool
}

// RecordFailure applies f to keyID.
func (m *Manager) RecordFailure(keyID string, f Failure) error {
	s, err := m.state(keyID)
	if err != nil {
		return err
	}

	now := m.now()
	changed := false
	var streakBlocked bool

	s.mu.Lock()
	if f.Exhaust {
		s.exhaustLocked(now)
		changed = true
	}
	if f.Block > 0 {
		s.blockLocked(now.Add(f.Block), f.Reason, f.Fatal)
		changed = true
	}
	if f.Cooldown > 0 {
		if until := now.Add(f.Cooldown); until.After(s.cooldownUntil) {
			s.cooldownUntil = until
		}
	}
	if f.Retract {
		if n := len(s.rpm); n > 0 {
			s.rpm = s.rpm[:n-1]
		}
		s.lastRequestAt = time.Time{}
		s.resetSpacingLocked()
	}
	if f.CountsTowardStreak {
		if !s.lastFailureAt.IsZero() && now.Sub(s.lastFailureAt) > failureStreakExpiry {
			s.failures = 0
		}
		s.failures++
		s.lastFailureAt = now
		if s.failures >= FailureStreakLimit && !now.Before(s.blockedUntil) {
			s.blockLocked(now.Add(FailureStreakBlock), fmt.Sprintf("%d consecutive failures", s.failures), false)
			streakBlocked = true
			changed = true
		}
	}
	name := s.key.DisplayName()
	failures := s.failures
	s.mu.Unlock()

	if streakBlocked {
		m.log("warning", "Key %s blocked for %s after %d consecutive failures", name, FailureStreakBlock, failures)
	}
	if changed {
		m.persist()
	}
	return nil
}

// ShortestWait returns the smallest predicted wait until one of keyIDs becomes
// usable. Keys that are exhausted, in use, or blocked for more than a day are
// ignored, as are waits beyond MaxReasonableWait. ok is false when nothing
// useful can be predicted.
func (m *Manager) ShortestWait(keyIDs []string) (time.Duration, bool) {
	now := m.now()
	best := time.Duration(-1)
	changed := false

	for _, id := range keyIDs {
		s, ok := m.states[id]
		if !ok {
			continue
		}
		s.mu.Lock()
		if s.blockedUntil.Sub(now) > longBlock {
			s.mu.Unlock()
			continue
		}
		wait, ok, ch := s.waitLocked(now)
		s.mu.Unlock()
		changed = changed || ch

		if !ok || wait > MaxReasonableWait {
			continue
		}
		if best < 0 || wait < best {
			best = wait
		}
	}

	if changed {
		m.persist()
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// Usable returns the subset of keyIDs that are neither blocked nor exhausted.
// Cooldowns and reservations are ignored: those keys are still part of a round.
func (m *Manager) Usable(keyIDs []string) []string {
	now := m.now()
	out := make([]string, 0, len(keyIDs))
	for _, id := range keyIDs {
		s, ok := m.states[id]
		if !ok {
			continue
		}
		s.mu.Lock()
		usable := !now.Before(s.blockedUntil) && !now.Before(s.exhaustedUntil)
		s.mu.Unlock()
		if usable {
			out = append(out, id)
		}
	}
	return out
}

// FatallyBlocked reports whether keyID carries an unexpired auth/billing block.
func (m *Manager) FatallyBlocked(keyID string) bool {
	s, ok := m.states[keyID]
	if !ok {
		return true
	}
	now := m.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockFatal && now.Before(s.blockedUntil)
}

// ResetKey clears blocks, exhaustion, cooldown and failure counters for keyID.
func (m *Manager) ResetKey(keyID string) error {
	s, err := m.state(keyID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.clearBlockLocked()
	s.exhaustedUntil = time.Time{}
	s.cooldownUntil = time.Time{}
	s.rpd = nil
	s.mu.Unlock()

	m.persist()
	return nil
}

// ResetAll resets every key in the pool.
func (m *Manager) ResetAll() {
	for _, id := range m.order {
		s := m.states[id]
		s.mu.Lock()
		s.clearBlockLocked()
		s.exhaustedUntil = time.Time{}
		s.cooldownUntil = time.Time{}
		s.rpd = nil
		s.mu.Unlock()
	}
	m.persist()
}

// persist snapshots blocks and exhaustion and hands them to the store.
func (m *Manager) persist() {
	if m.store == nil {
		return
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	now := m.now()
	var entries []keystate.Entry
	for _, id := range m.order {
		s := m.states[id]
		s.mu.Lock()
		if now.Before(s.blockedUntil) {
			entries = append(entries, keystate.Entry{
				KeyID:  id,
				Kind:   keystate.KindBlocked,
				Until:  s.blockedUntil,
				Reason: s.blockReason,
				Fatal:  s.blockFatal,
			})
		}
		if now.Before(s.exhaustedUntil) {
			entries = append(entries, keystate.Entry{
				KeyID:  id,
				Kind:   keystate.KindExhausted,
				Until:  s.exhaustedUntil,
				Reason: "daily quota exhausted",
			})
		}
		s.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, entries); err != nil {
		m.log("warning", "Failed to persist key state: %v", err)
	}
}

func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
