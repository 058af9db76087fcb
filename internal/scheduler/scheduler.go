package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aceteam-ai/narrator-cli/internal/continuity"
	"github.com/aceteam-ai/narrator-cli/internal/history"
	"github.com/aceteam-ai/narrator-cli/internal/keypool"
	"github.com/aceteam-ai/narrator-cli/internal/provider"
	"github.com/aceteam-ai/narrator-cli/internal/retry"
)

// HistorySink receives every completed script exactly once.
type HistorySink interface {
	Record(ctx context.Context, e history.Entry) error
}

// eventBuffer is the capacity of the Events channel. Events that do not fit
// are dropped; sinks still receive them.
const eventBuffer = 1024

// Scheduler runs jobs on a bounded number of worker slots.
type Scheduler struct {
	pool     *keypool.Manager
	provider provider.Provider
	retry    *retry.Controller

	history HistorySink
	sinks   []EventSink
	events  chan Event

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	backoff func(attempt int) time.Duration
	logFn   func(level, msg string)

	mu          sync.Mutex
	jobs        map[string]*job
	order       []string
	queue       []string
	limit       int
	running     int
	outstanding int
	idle        *sync.Cond

	base   context.Context
	stop   context.CancelFunc
	wake   chan struct{}
	sweeps sync.Once
}

// job is the mutable state behind a Job snapshot. Only the goroutine that
// runs the job writes the embedded Job; everyone else reads it under mu.
type job struct {
	mu sync.Mutex
	Job

	ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested bool
	recorded        bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSleep replaces the context-aware sleep used for key polling and backoff.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// WithBackoff replaces retry.JobBackoff.
func WithBackoff(backoff func(attempt int) time.Duration) Option {
	return func(s *Scheduler) { s.backoff = backoff }
}

// WithLogFn sets the log callback. Without it warnings and errors go to stderr.
func WithLogFn(fn func(level, msg string)) Option {
	return func(s *Scheduler) { s.logFn = fn }
}

// WithHistory sets the sink for completed scripts.
func WithHistory(h HistorySink) Option {
	return func(s *Scheduler) { s.history = h }
}

// WithSinks adds event sinks.
func WithSinks(sinks ...EventSink) Option {
	return func(s *Scheduler) { s.sinks = append(s.sinks, sinks...) }
}

// WithConcurrency sets the initial number of worker slots.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) { s.limit = n }
}

// New creates a scheduler generating with p over pool.
func New(pool *keypool.Manager, p provider.Provider, opts ...Option) *Scheduler {
	s := &Scheduler{
		pool:     pool,
		provider: p,
		events:   make(chan Event, eventBuffer),
		now:      time.Now,
		sleep:    sleepContext,
		backoff:  retry.JobBackoff,
		jobs:     make(map[string]*job),
		limit:    1,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limit < 1 {
		s.limit = 1
	}
	s.idle = sync.NewCond(&s.mu)
	s.base, s.stop = context.WithCancel(context.Background())
	s.retry = retry.NewController(pool, s.logFn)
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Scheduler) log(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if s.logFn != nil {
		s.logFn(level, msg)
		return
	}
	if level == "error" || level == "warning" {
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	}
}

// Submit creates a pending job per request and queues them in order.
func (s *Scheduler) Submit(reqs []Request) []string {
	ids := make([]string, 0, len(reqs))

	s.mu.Lock()
	for _, r := range reqs {
		j := &job{Job: Job{
			ID:        uuid.New().String(),
			Title:     r.Title,
			Agent:     r.Agent,
			Stage:     StagePending,
			CreatedAt: s.now(),
		}}
		s.jobs[j.ID] = j
		s.order = append(s.order, j.ID)
		s.outstanding++
		s.enqueueLocked(j)
		ids = append(ids, j.ID)
	}
	s.mu.Unlock()

	s.signal()
	return ids
}

// enqueueLocked appends j to the queue, giving it a fresh context if the
// previous one was cancelled. Callers hold s.mu.
func (s *Scheduler) enqueueLocked(j *job) {
	j.mu.Lock()
	if j.ctx == nil || j.ctx.Err() != nil {
		j.ctx, j.cancel = context.WithCancel(s.base)
	}
	j.mu.Unlock()
	s.queue = append(s.queue, j.ID)
}

// SetConcurrencyLimit changes the number of worker slots. Values below 1 are
// treated as 1. Raising the limit starts queued jobs right away; lowering it
// lets running jobs finish.
func (s *Scheduler) SetConcurrencyLimit(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.limit = n
	s.mu.Unlock()
	s.signal()
}

// Get returns a snapshot of jobID.
func (s *Scheduler) Get(jobID string) (Job, bool) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// List returns snapshots of every job in submission order.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id])
	}
	s.mu.Unlock()

	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	return out
}

func (j *job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Job.clone()
}

// Events returns the progress stream. The channel is never closed.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Cancel stops jobID. A queued job is removed from the queue without
// touching any key; a running job stops at the next chunk boundary and its
// in-flight call is aborted.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	for i, id := range s.queue {
		if id == jobID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			s.finish(j, ErrCancelled)
			return nil
		}
	}
	s.mu.Unlock()

	j.mu.Lock()
	if stage := j.Stage; stage.Terminal() {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, jobID, stage)
	}
	j.cancelRequested = true
	cancel := j.cancel
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Retry restarts a job in error from scratch: premise, script, chunk index,
// retry count and used keys are cleared.
func (s *Scheduler) Retry(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	j.mu.Lock()
	if j.Stage != StageError {
		stage := j.Stage
		j.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, jobID, stage)
	}
	j.Stage = StagePending
	j.Premise = ""
	j.Script = ""
	j.ChunkIndex = 0
	j.Percent = 0
	j.RetryCount = 0
	j.UsedKeyIDs = nil
	j.Warnings = nil
	j.Error = ""
	j.Err = nil
	j.StartedAt = time.Time{}
	j.CompletedAt = time.Time{}
	j.cancelRequested = false
	j.recorded = false
	j.mu.Unlock()

	s.outstanding++
	s.enqueueLocked(j)
	s.signal()
	return nil
}

// Run dispatches queued jobs and runs the daily key sweep until ctx is
// cancelled. Cancelling ctx also cancels every running job.
func (s *Scheduler) Run(ctx context.Context) error {
	s.sweeps.Do(func() { go s.pool.StartSweep(s.base) })
	s.log("info", "Scheduler started (%d worker slot(s), %d key(s))", s.concurrency(), len(s.pool.Keys()))

	s.signal()
	for {
		select {
		case <-ctx.Done():
			s.stop()
			s.log("info", "Scheduler stopped")
			return nil
		case <-s.wake:
			s.dispatch()
		}
	}
}

func (s *Scheduler) concurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Wait blocks until every submitted job has completed or failed.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	for s.outstanding > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch starts queued jobs while worker slots are free.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.running < s.limit && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		j := s.jobs[id]
		s.running++
		go s.execute(j)
	}
}

// execute runs one attempt of j in a worker slot.
func (s *Scheduler) execute(j *job) {
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
		s.signal()
	}()

	j.mu.Lock()
	if j.StartedAt.IsZero() {
		j.StartedAt = s.now()
	}
	ctx := j.ctx
	j.mu.Unlock()

	err := s.runJob(ctx, j)
	s.settle(j, err)
}

// settle moves j to its next state after an attempt.
func (s *Scheduler) settle(j *job, err error) {
	if err == nil {
		s.complete(j)
		return
	}

	j.mu.Lock()
	cancelled := j.cancelRequested
	retries := j.RetryCount
	stage := j.Stage
	j.mu.Unlock()

	if cancelled || isCancellation(err) {
		s.finish(j, ErrCancelled)
		return
	}

	if isPermanent(err) || retries >= MaxJobRetries {
		diag := s.pool.Diagnose(s.pool.Keys())
		s.finish(j, &JobError{
			JobID:      j.ID,
			Stage:      stage,
			Retries:    retries,
			Diagnostic: diag,
			Advice:     diag.Advice(),
			Err:        err,
		})
		return
	}

	delay := s.backoff(retries + 1)
	j.mu.Lock()
	j.RetryCount++
	j.Stage = StagePending
	attempt := j.RetryCount
	ctx := j.ctx
	j.mu.Unlock()

	s.jobLog(j, "warning", fmt.Sprintf("Attempt failed: %v. Retrying in %s (%d/%d)", err, delay.Round(time.Second), attempt, MaxJobRetries))

	go func() {
		if err := s.sleep(ctx, delay); err != nil {
			s.finish(j, ErrCancelled)
			return
		}
		s.mu.Lock()
		j.mu.Lock()
		stop := j.cancelRequested || j.Stage.Terminal()
		j.mu.Unlock()
		if stop {
			s.mu.Unlock()
			s.finish(j, ErrCancelled)
			return
		}
		s.enqueueLocked(j)
		s.mu.Unlock()
		s.signal()
	}()
}

// complete marks j completed and hands the script to the history sink once.
func (s *Scheduler) complete(j *job) {
	j.mu.Lock()
	j.Stage = StageCompleted
	j.Percent = 100
	j.CompletedAt = s.now()
	record := !j.recorded
	j.recorded = true
	entry := history.Entry{
		JobID:     j.ID,
		Title:     j.Title,
		AgentName: j.Agent.Name,
		Premise:   j.Premise,
		Script:    j.Script,
		WordCount: continuity.WordCount(j.Script),
		CreatedAt: j.CompletedAt,
	}
	ev := s.eventLocked(j)
	j.mu.Unlock()

	if record && s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.history.Record(ctx, entry); err != nil {
			s.log("warning", "Failed to record history for %q: %v", entry.Title, err)
		}
		cancel()
	}

	s.log("success", "%q completed (%d words)", entry.Title, entry.WordCount)
	ev.Status = string(StageCompleted)
	ev.Script = entry.Script
	s.emit(ev)
	s.done(j)
}

// finish ends j in error. Calling it for a job that already ended is a no-op.
func (s *Scheduler) finish(j *job, err error) {
	j.mu.Lock()
	if j.Stage.Terminal() {
		j.mu.Unlock()
		return
	}
	j.Stage = StageError
	j.Err = err
	j.Error = err.Error()
	j.CompletedAt = s.now()
	cancel := j.cancel
	ev := s.eventLocked(j)
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.log("error", "%q failed: %v", j.Title, err)
	ev.Status = string(StageError)
	ev.Error = err.Error()
	s.emit(ev)
	s.done(j)
}

// done releases j's claim on Wait.
func (s *Scheduler) done(j *job) {
	s.mu.Lock()
	s.outstanding--
	if s.outstanding <= 0 {
		s.outstanding = 0
		s.idle.Broadcast()
	}
	s.mu.Unlock()
}

// eventLocked builds an event from j's current state. Callers hold j.mu.
func (s *Scheduler) eventLocked(j *job) Event {
	return Event{
		JobID:        j.ID,
		Title:        j.Title,
		Stage:        j.Stage,
		Percent:      j.Percent,
		CurrentChunk: j.ChunkIndex,
		TotalChunks:  j.TotalChunks,
		Time:         s.now(),
	}
}

func (s *Scheduler) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log("debug", "Event channel full, dropped event for %s", ev.JobID)
	}

	for _, sink := range s.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sink.Publish(ctx, ev); err != nil {
			s.log("warning", "Failed to publish event for %s: %v", ev.JobID, err)
		}
		cancel()
	}
}

// jobLog appends a log line to j and emits it.
func (s *Scheduler) jobLog(j *job, level, msg string) {
	j.mu.Lock()
	j.Logs = append(j.Logs, fmt.Sprintf("[%s] %s", s.now().Format("15:04:05"), msg))
	ev := s.eventLocked(j)
	title := j.Title
	j.mu.Unlock()

	ev.Log = msg
	ev.Level = level
	s.log(level, "[%s] %s", title, msg)
	s.emit(ev)
}

// jobWarn logs msg and keeps it in the job's warnings.
func (s *Scheduler) jobWarn(j *job, msg string) {
	j.mu.Lock()
	j.Warnings = append(j.Warnings, msg)
	j.mu.Unlock()
	s.jobLog(j, "warning", msg)
}

// progress updates j's stage and percent and emits the change.
func (s *Scheduler) progress(j *job, update func(j *Job)) {
	j.mu.Lock()
	update(&j.Job)
	ev := s.eventLocked(j)
	j.mu.Unlock()
	s.emit(ev)
}
