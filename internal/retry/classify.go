// Package retry classifies generation failures and decides what happens to
// the key that produced them and to the job that was waiting on the call.
//
// Classification runs in a fixed priority order. Content failures and
// timeouts or network errors reported by the transport are recognised first.
// Auth and billing problems come next, matched by status or by message, and
// win over quota signals and over a missing or 5xx status. A 429 that
// carries quota metadata is a quota error even when its message mentions
// billing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aceteam-ai/narrator-cli/internal/keypool"
	"github.com/aceteam-ai/narrator-cli/internal/provider"
)

const (
	// DefaultMinuteCooldown applies to per-minute quota errors without a retry delay.
	DefaultMinuteCooldown = 30 * time.Second

	// DefaultTokenCooldown applies to token quota and generic 429 errors.
	DefaultTokenCooldown = 60 * time.Second

	// BadRequestBlock quarantines a key after a non-billing 400.
	BadRequestBlock = 3 * time.Minute

	// ServerErrorBlock quarantines a key after a 500.
	ServerErrorBlock = time.Minute
)

// Category is the failure taxonomy shown to users.
type Category string

const (
	CategoryFatal      Category = "fatal"
	CategoryDailyQuota Category = "daily_quota"
	CategoryRateQuota  Category = "rate_quota"
	CategoryTokenQuota Category = "token_quota"
	CategoryTransient  Category = "transient"
	CategoryContent    Category = "content"
	CategoryBadRequest Category = "bad_request"
	CategoryServer     Category = "server_error"
	CategoryCancelled  Category = "cancelled"
	CategoryUnknown    Category = "unknown"
)

// Next tells the job how to pick its next key.
type Next string

const (
	// NextImmediate moves on to another key without waiting.
	NextImmediate Next = "immediate"

	// NextCooldown moves on to another key, or waits for the soonest
	// cooldown when every key is cooling down.
	NextCooldown Next = "cooldown"

	// NextNone stops the attempt.
	NextNone Next = "none"
)

// Usage is the key's request count at the time of the failure.
type Usage struct {
	RPM    int
	RPD    int
	Limits keypool.Limits
}

// Decision is the outcome of classifying one failure.
type Decision struct {
	Category Category
	Reason   string

	// Key is applied to the key pool.
	Key keypool.Failure

	// Retryable is false only when the job itself should stop.
	Retryable bool
	Next      Next

	// AdjustTemperature asks for a lower temperature and a safer prompt.
	AdjustTemperature bool
}

// Blocks reports whether the decision quarantines the key.
func (d Decision) Blocks() bool {
	return d.Key.Block > 0
}

var authPhrases = []string{
	"api key not found",
	"api_key_invalid",
	"invalid api key",
	"api key not valid",
	"unauthorized",
	"permission denied",
}

var billingPhrases = []string{
	"billing",
	"payment",
	"credits",
	"plan and billing details",
}

// Classify maps err to a Decision.
func Classify(err error, usage Usage) Decision {
	if err == nil {
		return Decision{Category: CategoryUnknown, Retryable: true, Next: NextImmediate}
	}
	if errors.Is(err, context.Canceled) {
		return Decision{Category: CategoryCancelled, Reason: "cancelled", Next: NextNone}
	}

	pe, ok := provider.AsError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return transient("timeout")
		}
		return unknown(err.Error())
	}

	msg := strings.ToLower(pe.Message)

	switch pe.Kind {
	case provider.KindSafety, provider.KindEmpty, provider.KindTooShort, provider.KindTruncated:
		return Decision{
			Category:          CategoryContent,
			Reason:            pe.Message,
			Retryable:         true,
			Next:              NextImmediate,
			AdjustTemperature: true,
		}
	case provider.KindTimeout:
		return transient("timeout: " + pe.Message)
	case provider.KindNetwork:
		return transient("network error: " + pe.Message)
	}

	if pe.Status == 401 || pe.Status == 403 || containsAny(msg, authPhrases) {
		return fatal("invalid or unauthorized API key: " + pe.Message)
	}
	if pe.Status == 402 || billingProblem(pe, msg) {
		return fatal("billing required: " + pe.Message)
	}

	switch pe.Status {
	case 0, 502, 503, 504:
		return transient(fmt.Sprintf("status %d: %s", pe.Status, pe.Message))
	}

	if pe.Status == 429 {
		return classifyQuota(pe, usage)
	}

	switch pe.Status {
	case 400:
		return Decision{
			Category:  CategoryBadRequest,
			Reason:    "bad request: " + pe.Message,
			Key:       keypool.Failure{Block: BadRequestBlock, Reason: "bad request"},
			Retryable: true,
			Next:      NextImmediate,
		}
	case 500:
		return Decision{
			Category:  CategoryServer,
			Reason:    "server error: " + pe.Message,
			Key:       keypool.Failure{Block: ServerErrorBlock, Reason: "server error"},
			Retryable: true,
			Next:      NextImmediate,
		}
	}

	return unknown(pe.Error())
}

// billingProblem matches billing phrases on the statuses Gemini uses for
// them. Quota metadata on a 429 means a rate limit, whose message also
// points at plan and billing details.
func billingProblem(pe *provider.Error, msg string) bool {
	switch pe.Status {
	case 0, 400:
	case 429:
		if pe.QuotaID != "" || pe.QuotaMetric != "" {
			return false
		}
	default:
		return false
	}
	return containsAny(msg, billingPhrases)
}

func classifyQuota(pe *provider.Error, usage Usage) Decision {
	quota := strings.ToLower(pe.QuotaID + " " + pe.QuotaMetric)
	tokenRelated := strings.Contains(quota, "token")

	if strings.Contains(quota, "perday") || strings.Contains(quota, "per_day") ||
		(usage.Limits.RPD > 0 && usage.RPD >= usage.Limits.RPD) {
		return Decision{
			Category:  CategoryDailyQuota,
			Reason:    "daily quota exhausted",
			Key:       keypool.Failure{Exhaust: true, Reason: "daily quota exhausted"},
			Retryable: true,
			Next:      NextImmediate,
		}
	}

	if (strings.Contains(quota, "perminute") || strings.Contains(quota, "per_minute")) && !tokenRelated {
		wait := orDefault(pe.RetryDelay, DefaultMinuteCooldown)
		return Decision{
			Category:  CategoryRateQuota,
			Reason:    fmt.Sprintf("per-minute quota hit, cooling down %s", wait),
			Key:       keypool.Failure{Cooldown: wait, Reason: "rpm quota"},
			Retryable: true,
			Next:      NextCooldown,
		}
	}

	underLimits := usage.RPM < usage.Limits.RPM && usage.RPD < usage.Limits.RPD
	if tokenRelated || underLimits {
		wait := orDefault(pe.RetryDelay, DefaultTokenCooldown)
		return Decision{
			Category:  CategoryTokenQuota,
			Reason:    fmt.Sprintf("token quota hit, cooling down %s", wait),
			Key:       keypool.Failure{Cooldown: wait, Reason: "tpm quota"},
			Retryable: true,
			Next:      NextCooldown,
		}
	}

	wait := orDefault(pe.RetryDelay, DefaultTokenCooldown)
	return Decision{
		Category:  CategoryRateQuota,
		Reason:    fmt.Sprintf("rate limited, cooling down %s", wait),
		Key:       keypool.Failure{Cooldown: wait, Reason: "rate limited"},
		Retryable: true,
		Next:      NextCooldown,
	}
}

func fatal(reason string) Decision {
	return Decision{
		Category:  CategoryFatal,
		Reason:    reason,
		Key:       keypool.Failure{Block: keypool.FatalBlock, Fatal: true, Reason: reason},
		Retryable: true,
		Next:      NextImmediate,
	}
}

func transient(reason string) Decision {
	return Decision{
		Category:  CategoryTransient,
		Reason:    reason,
		Key:       keypool.Failure{Retract: true},
		Retryable: true,
		Next:      NextImmediate,
	}
}

func unknown(reason string) Decision {
	return Decision{
		Category:  CategoryUnknown,
		Reason:    reason,
		Key:       keypool.Failure{CountsTowardStreak: true, Reason: reason},
		Retryable: true,
		Next:      NextImmediate,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
