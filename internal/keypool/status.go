package keypool

import (
	"fmt"
	"time"
)

// KeyStatus is a point-in-time view of one key, for display.
type KeyStatus struct {
	ID        string
	Name      string
	Model     string
	Limits    Limits
	Condition Condition

	RPM       int
	RPD       int
	TPM       int
	InUseBy   string
	Failures  int
	LastUsed  time.Time
	Cooldown  time.Time
	Exhausted time.Time
	Blocked   time.Time
	Reason    string
	Fatal     bool
}

// Status returns the state of every key in configuration order.
func (m *Manager) Status() []KeyStatus {
	now := m.now()
	out := make([]KeyStatus, 0, len(m.order))
	changed := false

	for _, id := range m.order {
		s := m.states[id]
		s.mu.Lock()
		cond, ch := s.evaluateLocked(now)
		changed = changed || ch
		s.rpm = pruneTimes(s.rpm, now, rpmSpan)
		s.rpd = pruneTimes(s.rpd, now, rpdSpan)
		var tokens int
		s.tpm, tokens = pruneTokens(s.tpm, now)

		st := KeyStatus{
			ID:        id,
			Name:      s.key.DisplayName(),
			Model:     s.key.Model,
			Limits:    s.limits,
			Condition: cond,
			RPM:       len(s.rpm),
			RPD:       len(s.rpd),
			TPM:       tokens,
			Failures:  s.failures,
			LastUsed:  s.lastRequestAt,
			Cooldown:  s.cooldownUntil,
			Exhausted: s.exhaustedUntil,
			Blocked:   s.blockedUntil,
			Reason:    s.blockReason,
			Fatal:     s.blockFatal,
		}
		if s.holder != nil {
			st.InUseBy = s.holder.JobID
		}
		s.mu.Unlock()
		out = append(out, st)
	}

	if changed {
		m.persist()
	}
	return out
}

// Diagnostic counts keys by condition. It is attached to job failures so the
// user can see which kind of key problem dominated.
type Diagnostic struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	InUse     int `json:"inUse"`
	Cooldown  int `json:"cooldown"`
	Exhausted int `json:"exhausted"`
	Blocked   int `json:"blocked"`

	// Fatal counts blocked keys whose block is an auth or billing problem.
	Fatal int `json:"fatal"`
}

// Diagnose classifies keyIDs by their current condition.
func (m *Manager) Diagnose(keyIDs []string) Diagnostic {
	now := m.now()
	var d Diagnostic
	changed := false

	for _, id := range keyIDs {
		s, ok := m.states[id]
		if !ok {
			continue
		}
		d.Total++
		s.mu.Lock()
		cond, ch := s.evaluateLocked(now)
		fatal := s.blockFatal
		s.mu.Unlock()
		changed = changed || ch

		switch cond {
		case ConditionAvailable:
			d.Available++
		case ConditionInUse:
			d.InUse++
		case ConditionCooldown, ConditionSpacing:
			d.Cooldown++
		case ConditionExhausted:
			d.Exhausted++
		case ConditionBlocked:
			d.Blocked++
			if fatal {
				d.Fatal++
			}
		}
	}

	if changed {
		m.persist()
	}
	return d
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("available=%d in_use=%d cooldown=%d exhausted=%d blocked=%d",
		d.Available, d.InUse, d.Cooldown, d.Exhausted, d.Blocked)
}

// Advice turns the dominant problem into an actionable message.
func (d Diagnostic) Advice() string {
	switch {
	case d.Total == 0:
		return "no API keys configured"
	case d.Fatal > 0 && d.Fatal == d.Blocked && d.Blocked == d.Total:
		return "all keys rejected by the provider: check API key validity and billing"
	case d.Exhausted == d.Total:
		return "daily quota exhausted on every key: wait for the UTC day reset or add keys"
	case d.Exhausted+d.Blocked == d.Total:
		return "no usable keys: every key is exhausted or blocked"
	case d.Cooldown >= d.Exhausted && d.Cooldown >= d.Blocked && d.Cooldown > 0:
		return "keys are rate limited: lower concurrency or add keys"
	case d.Exhausted >= d.Blocked && d.Exhausted > 0:
		return "most keys hit their daily quota"
	case d.Blocked > 0:
		return "most keys are blocked after repeated errors"
	default:
		return "keys were available but every attempt failed"
	}
}

// Usage returns the trailing-minute and trailing-day request counts for keyID.
func (m *Manager) Usage(keyID string) (rpm, rpd int) {
	s, ok := m.states[keyID]
	if !ok {
		return 0, 0
	}
	now := m.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpm = pruneTimes(s.rpm, now, rpmSpan)
	s.rpd = pruneTimes(s.rpd, now, rpdSpan)
	return len(s.rpm), len(s.rpd)
}
