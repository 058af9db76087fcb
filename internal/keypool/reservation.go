package keypool

import (
	"sync"
	"time"
)

// Reservation pairs a job with a key for one in-flight call.
// Release is safe to call any number of times; only the first has effect.
type Reservation struct {
	JobID      string
	KeyID      string
	AcquiredAt time.Time

	m    *Manager
	once sync.Once
}

// Release returns the key to the pool.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() { r.m.release(r) })
}

// Round is one job's pass over the key pool. It remembers which keys the job
// already tried and holds the reservations it acquired, so that forgetting
// the tried keys and releasing their locks are a single operation.
type Round struct {
	m     *Manager
	jobID string

	mu    sync.Mutex
	tried []string
	seen  map[string]bool
	held  []*Reservation
}

// NewRound starts a round for jobID. tried restores keys already attempted in
// a previous run of the same job; they carry no reservations.
func (m *Manager) NewRound(jobID string, tried []string) *Round {
	r := &Round{m: m, jobID: jobID, seen: make(map[string]bool)}
	for _, id := range tried {
		if !r.seen[id] {
			r.seen[id] = true
			r.tried = append(r.tried, id)
		}
	}
	return r
}

// Acquire reserves the first untried available key, scanning keyIDs
// circularly from start. The key is marked tried in the same step.
func (r *Round) Acquire(keyIDs []string, start int) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(keyIDs)
	if n == 0 {
		return nil, ErrKeyUnavailable
	}
	if start < 0 {
		start = -start
	}
	for i := 0; i < n; i++ {
		id := keyIDs[(start+i)%n]
		if r.seen[id] {
			continue
		}
		res, err := r.m.Reserve(r.jobID, id)
		if err != nil {
			continue
		}
		r.seen[id] = true
		r.tried = append(r.tried, id)
		r.held = append(r.held, res)
		return res, nil
	}
	return nil, ErrKeyUnavailable
}

// Complete reports whether every usable key in keyIDs has been tried.
// Fatally blocked and exhausted keys are not usable and never hold a round open.
func (r *Round) Complete(keyIDs []string) bool {
	usable := r.m.Usable(keyIDs)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tried) == 0 {
		return false
	}
	for _, id := range usable {
		if !r.seen[id] {
			return false
		}
	}
	return true
}

// Reset forgets the tried keys and releases every reservation the round
// still holds. It returns the key ids that were forgotten.
func (r *Round) Reset() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range r.held {
		res.Release()
	}
	forgotten := r.tried
	r.tried = nil
	r.held = nil
	r.seen = make(map[string]bool)
	return forgotten
}

// Close releases held reservations without forgetting tried keys.
func (r *Round) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.held {
		res.Release()
	}
	r.held = nil
}

// Tried returns the keys tried in this round, in order.
func (r *Round) Tried() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tried))
	copy(out, r.tried)
	return out
}
