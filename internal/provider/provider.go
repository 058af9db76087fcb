// Package provider defines the text generation contract used by the scheduler
// and the classified error every implementation must return.
//
// The scheduler never looks at a vendor's wire format. Implementations map
// whatever they receive into *Error so that the retry controller can decide
// what happens to the key and to the job.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Config holds per-call generation parameters.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Result is a successful generation.
type Result struct {
	Text         string
	FinishReason string
	PromptTokens int
	OutputTokens int
}

// TotalTokens returns prompt plus output tokens.
func (r Result) TotalTokens() int {
	return r.PromptTokens + r.OutputTokens
}

// Provider generates text with a single credential.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// Generate issues one call. Errors are *Error.
	Generate(ctx context.Context, secret, prompt string, cfg Config) (Result, error)
}

// Kind narrows an Error beyond its HTTP status.
type Kind string

const (
	// KindHTTP is a non-2xx response; Status is set.
	KindHTTP Kind = "http"

	// KindTimeout is a call that exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindNetwork is a transport failure before a response arrived.
	KindNetwork Kind = "network"

	// KindSafety is content withheld by provider safety filters.
	KindSafety Kind = "safety"

	// KindEmpty is a response with no usable text.
	KindEmpty Kind = "empty"

	// KindTruncated is a response cut off by the output token limit.
	KindTruncated Kind = "truncated"

	// KindTooShort is a response below the minimum useful length.
	KindTooShort Kind = "too_short"
)

// MinResponseChars is the shortest response accepted from a provider.
const MinResponseChars = 20

// Error is the classified failure of a generation call.
type Error struct {
	Kind    Kind
	Status  int
	Message string

	// Quota details, when the provider reported them.
	QuotaID     string
	QuotaMetric string
	QuotaValue  string

	// RetryDelay is the provider-suggested wait, zero if none was given.
	RetryDelay time.Duration

	Err error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// TransportError wraps an error returned by an HTTP client into an *Error,
// distinguishing timeouts from other network failures.
func TransportError(err error) *Error {
	kind := KindNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}
