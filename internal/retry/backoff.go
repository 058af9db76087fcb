package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// JobBackoffBase is the delay before the first automatic job retry.
	JobBackoffBase = 10 * time.Second

	// JobBackoffCap bounds every job retry delay, jitter included.
	JobBackoffCap = 120 * time.Second

	// JobBackoffJitter is the upper bound of the random delay added on top.
	JobBackoffJitter = 5 * time.Second

	// MinTemperature is the floor for content retries.
	MinTemperature = 0.3
)

// JobBackoff returns the delay before automatic retry number attempt (1-based).
func JobBackoff(attempt int) time.Duration {
	return jobBackoff(attempt, time.Duration(rand.Int63n(int64(JobBackoffJitter))))
}

func jobBackoff(attempt int, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = JobBackoffBase
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = JobBackoffCap
	expo.MaxElapsedTime = 0
	expo.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = expo.NextBackOff()
	}

	d += jitter
	if d > JobBackoffCap {
		d = JobBackoffCap
	}
	return d
}

// AdjustedTemperature lowers base by 0.1 per attempt, never below MinTemperature.
func AdjustedTemperature(base float64, attempt int) float64 {
	t := base - 0.1*float64(attempt)
	t = math.Round(t*100) / 100
	if t < MinTemperature {
		return MinTemperature
	}
	return t
}
