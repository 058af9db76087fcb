// Package scheduler runs narration script jobs over a shared key pool.
//
// Jobs wait in a FIFO queue and run on a bounded number of worker slots.
// Each job walks its own state machine:
//
//	pending → premise → script → completed
//
// Any stage may fall back to pending (automatic retry with backoff, progress
// kept) or end in error. Script chunks are generated strictly in order; a
// retried job resumes at the first chunk that was not yet accepted.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/aceteam-ai/narrator-cli/internal/keypool"
)

// MaxJobRetries bounds automatic job-level retries.
const MaxJobRetries = 3

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrCancelled ends a job that was cancelled by the caller.
	ErrCancelled = errors.New("job cancelled")

	// ErrNoKeyAvailable is returned when no key became usable within the
	// polling budget. The job is retried later.
	ErrNoKeyAvailable = errors.New("no API key available")

	// ErrNotRetryable is returned by Retry for jobs that are not in error.
	ErrNotRetryable = errors.New("job is not in error")

	// ErrJobFinished is returned by Cancel for jobs that already ended.
	ErrJobFinished = errors.New("job already finished")
)

// Stage is a job's position in its state machine.
type Stage string

const (
	StagePending   Stage = "pending"
	StagePremise   Stage = "premise"
	StageScript    Stage = "script"
	StageCompleted Stage = "completed"
	StageError     Stage = "error"
)

// Terminal reports whether no further transitions happen without a manual retry.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// Agent holds the prompts and video settings a job is generated with.
type Agent struct {
	Name          string
	PremisePrompt string
	ScriptPrompt  string

	// PremiseWords is the premise length target; zero uses the default.
	PremiseWords int

	// DurationMin is the narration length in minutes.
	DurationMin int

	Language string
	Location string
	Channel  string
}

// Request is one script to generate.
type Request struct {
	Title string
	Agent Agent
}

// Job is a snapshot of one generation job.
type Job struct {
	ID    string
	Title string
	Agent Agent
	Stage Stage

	Premise string

	// Script only grows while the job is retried automatically.
	Script      string
	ChunkIndex  int
	TotalChunks int
	Percent     int

	RetryCount int

	// UsedKeyIDs are the keys tried in the current rotation round.
	UsedKeyIDs []string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Logs     []string
	Warnings []string

	// Error is the message of Err, kept for display.
	Error string
	Err   error `json:"-"`
}

func (j Job) clone() Job {
	j.UsedKeyIDs = append([]string(nil), j.UsedKeyIDs...)
	j.Logs = append([]string(nil), j.Logs...)
	j.Warnings = append([]string(nil), j.Warnings...)
	return j
}

// JobError is the final error of a job that ran out of options. It carries
// the key pool state at the time of failure so the user can see which kind
// of key problem dominated.
type JobError struct {
	JobID      string
	Stage      Stage
	Retries    int
	Diagnostic keypool.Diagnostic
	Advice     string
	Err        error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s failed after %d retries: %v (%s; %s)", e.Stage, e.Retries, e.Err, e.Advice, e.Diagnostic)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// permanent marks failures a job-level retry cannot fix.
type permanent struct {
	error
}

func (p permanent) Unwrap() error {
	return p.error
}

func isPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// premise and script progress bands
const (
	percentPremiseStart = 10
	percentPremiseDone  = 35
	percentScriptBand   = 55
)

func chunkPercent(done, total int) int {
	if total <= 0 {
		return percentPremiseDone
	}
	return percentPremiseDone + done*percentScriptBand/total
}
