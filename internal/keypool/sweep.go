package keypool

import (
	"context"
	"time"
)

// SweepInterval is how often StartSweep checks for a new UTC day.
const SweepInterval = time.Minute

// Sweep clears every exhaustion and daily window when the UTC date has changed
// since the last sweep. Minute windows and cooldowns expire on their own and
// are left alone. It reports whether a reset happened.
func (m *Manager) Sweep() bool {
	today := utcDate(m.now())

	m.sweepMu.Lock()
	if today == m.lastDate {
		m.sweepMu.Unlock()
		return false
	}
	m.lastDate = today
	m.sweepMu.Unlock()

	cleared := 0
	for _, id := range m.order {
		s := m.states[id]
		s.mu.Lock()
		if !s.exhaustedUntil.IsZero() {
			cleared++
		}
		s.exhaustedUntil = time.Time{}
		s.rpd = nil
		s.mu.Unlock()
	}

	m.log("info", "New UTC day %s: daily quotas reset (%d key(s) were exhausted)", today, cleared)
	m.persist()
	return true
}

// StartSweep runs Sweep every SweepInterval until ctx is cancelled.
func (m *Manager) StartSweep(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
