package keypool

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Condition describes why a key can or cannot be used right now.
type Condition string

const (
	ConditionAvailable Condition = "available"
	ConditionBlocked   Condition = "blocked"
	ConditionExhausted Condition = "exhausted"
	ConditionCooldown  Condition = "cooldown"
	ConditionInUse     Condition = "in_use"
	ConditionSpacing   Condition = "spacing"
)

const (
	rpmSpan = time.Minute
	rpdSpan = 24 * time.Hour
	tpmSpan = time.Minute
)

type tokenMark struct {
	at     time.Time
	tokens int
}

// keyState is the mutable usage state of one key. Every field is guarded by mu.
type keyState struct {
	mu     sync.Mutex
	key    Key
	limits Limits

	rpm []time.Time
	rpd []time.Time
	tpm []tokenMark

	cooldownUntil  time.Time
	exhaustedUntil time.Time
	blockedUntil   time.Time
	blockReason    string
	blockFatal     bool

	inUse         bool
	holder        *Reservation
	lastRequestAt time.Time

	// spacing enforces the minimum gap between requests on this key.
	// nil when spacing is disabled.
	spacing  *rate.Limiter
	interval time.Duration

	failures      int
	lastFailureAt time.Time
}

func newKeyState(k Key, interval time.Duration) *keyState {
	s := &keyState{key: k, limits: k.limits(), interval: interval}
	s.resetSpacingLocked()
	return s
}

func (s *keyState) resetSpacingLocked() {
	if s.interval <= 0 {
		s.spacing = nil
		return
	}
	s.spacing = rate.NewLimiter(rate.Every(s.interval), 1)
}

// spacingRemainingLocked returns how long until the spacing limiter admits a request.
func (s *keyState) spacingRemainingLocked(now time.Time) time.Duration {
	if s.spacing == nil {
		return 0
	}
	tokens := s.spacing.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) * float64(s.interval))
}

func pruneTimes(ts []time.Time, now time.Time, span time.Duration) []time.Time {
	cutoff := now.Add(-span)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

func pruneTokens(ts []tokenMark, now time.Time) ([]tokenMark, int) {
	cutoff := now.Add(-tpmSpan)
	i := 0
	for i < len(ts) && !ts[i].at.After(cutoff) {
		i++
	}
	ts = ts[i:]
	sum := 0
	for _, m := range ts {
		sum += m.tokens
	}
	return ts, sum
}

func (s *keyState) blockLocked(until time.Time, reason string, fatal bool) {
	// Never shorten an existing block.
	if until.Before(s.blockedUntil) {
		return
	}
	s.blockedUntil = until
	s.blockReason = reason
	s.blockFatal = fatal
}

func (s *keyState) clearBlockLocked() {
	s.blockedUntil = time.Time{}
	s.blockReason = ""
	s.blockFatal = false
	s.failures = 0
	s.lastFailureAt = time.Time{}
}

func (s *keyState) exhaustLocked(now time.Time) {
	s.exhaustedUntil = NextUTCMidnight(now)
	s.rpd = nil
}

// evaluateLocked runs the availability checks in order and reports the first
// failing condition. Expired blocks and exhaustion are cleared as a side
// effect; changed reports whether persisted state was modified.
func (s *keyState) evaluateLocked(now time.Time) (cond Condition, changed bool) {
	if !s.blockedUntil.IsZero() {
		if now.Before(s.blockedUntil) {
			return ConditionBlocked, false
		}
		s.clearBlockLocked()
		changed = true
	}

	if !s.exhaustedUntil.IsZero() {
		if now.Before(s.exhaustedUntil) {
			return ConditionExhausted, changed
		}
		s.exhaustedUntil = time.Time{}
		s.rpd = nil
		changed = true
	}

	if now.Before(s.cooldownUntil) {
		return ConditionCooldown, changed
	}

	if s.inUse {
		return ConditionInUse, changed
	}

	if s.spacingRemainingLocked(now) > 0 {
		return ConditionSpacing, changed
	}

	s.rpm = pruneTimes(s.rpm, now, rpmSpan)
	if s.limits.RPM > 0 && len(s.rpm) >= s.limits.RPM {
		s.cooldownUntil = s.rpm[0].Add(rpmSpan)
		return ConditionCooldown, changed
	}

	s.rpd = pruneTimes(s.rpd, now, rpdSpan)
	if s.limits.RPD > 0 && len(s.rpd) >= s.limits.RPD {
		s.exhaustLocked(now)
		return ConditionExhausted, true
	}

	var used int
	s.tpm, used = pruneTokens(s.tpm, now)
	if s.limits.TPM > 0 && used >= s.limits.TPM {
		s.cooldownUntil = s.tpm[0].at.Add(tpmSpan)
		return ConditionCooldown, changed
	}

	return ConditionAvailable, changed
}

// waitLocked estimates how long until the key may become available.
// ok is false when the key is in use or the wait cannot be predicted.
func (s *keyState) waitLocked(now time.Time) (wait time.Duration, ok, changed bool) {
	cond, changed := s.evaluateLocked(now)
	switch cond {
	case ConditionAvailable:
		return 0, true, changed
	case ConditionInUse, ConditionExhausted:
		return 0, false, changed
	}

	if now.Before(s.blockedUntil) {
		wait = maxDuration(wait, s.blockedUntil.Sub(now))
	}
	if now.Before(s.cooldownUntil) {
		wait = maxDuration(wait, s.cooldownUntil.Sub(now))
	}
	wait = maxDuration(wait, s.spacingRemainingLocked(now))
	return wait, wait > 0, changed
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
