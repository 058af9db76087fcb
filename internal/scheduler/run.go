package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aceteam-ai/narrator-cli/internal/continuity"
	"github.com/aceteam-ai/narrator-cli/internal/keypool"
	"github.com/aceteam-ai/narrator-cli/internal/provider"
	"github.com/aceteam-ai/narrator-cli/internal/retry"
)

const (
	// MaxKeyPolls bounds how often one call waits for a key to free up.
	MaxKeyPolls = 10

	// MaxNullPolls consecutive polls without any predicted wait give up early.
	MaxNullPolls = 3

	maxPollWait  = 60 * time.Second
	pollMargin   = 500 * time.Millisecond
	pollFallback = 2 * time.Second

	// maxContentRetries bounds safety/empty/truncated responses per call.
	maxContentRetries = 3

	premiseAttempts = 2
)

// callAttempts bounds provider calls per generation step so that a provider
// failing every request hands control back to job-level backoff.
func callAttempts(keys int) int {
	if n := 3 * keys; n > 6 {
		return n
	}
	return 6
}

// runJob executes j from its current progress to completion.
func (s *Scheduler) runJob(ctx context.Context, j *job) error {
	if s.cancelled(j) {
		return ErrCancelled
	}

	snap := j.snapshot()
	agent := snap.Agent
	plan := continuity.PlanChunks(agent.DurationMin)
	vc := continuity.Context{
		Title:       snap.Title,
		Channel:     agent.Channel,
		Language:    agent.Language,
		Location:    agent.Location,
		DurationMin: agent.DurationMin,
		Premise:     snap.Premise,
	}

	round := s.pool.NewRound(j.ID, snap.UsedKeyIDs)
	defer round.Close()

	s.progress(j, func(jb *Job) { jb.TotalChunks = len(plan.Chunks) })

	if snap.Premise == "" {
		s.progress(j, func(jb *Job) {
			jb.Stage = StagePremise
			jb.Percent = percentPremiseStart
		})
		s.jobLog(j, "info", "Generating premise")
		if snap.RetryCount == 0 {
			s.warnUnresolved(j, "premise", vc, agent.PremisePrompt)
		}

		premise, err := s.generatePremise(ctx, j, round, vc, agent)
		if err != nil {
			return err
		}
		vc.Premise = premise
		s.progress(j, func(jb *Job) {
			jb.Premise = premise
			jb.Percent = percentPremiseDone
		})
		s.jobLog(j, "success", fmt.Sprintf("Premise ready (%d words)", continuity.WordCount(premise)))
	} else {
		s.jobLog(j, "info", fmt.Sprintf("Resuming at part %d/%d", snap.ChunkIndex+1, len(plan.Chunks)))
	}

	s.progress(j, func(jb *Job) { jb.Stage = StageScript })
	if snap.RetryCount == 0 && snap.ChunkIndex == 0 {
		s.warnUnresolved(j, "script", vc, agent.ScriptPrompt)
	}

	refiner := &continuity.Refiner{
		Instructions: agent.ScriptPrompt,
		Context:      vc,
		LogFn:        func(level, msg string) { s.jobLog(j, level, msg) },
	}

	n := len(plan.Chunks)
	for i := snap.ChunkIndex; i < n; i++ {
		if s.cancelled(j) {
			return ErrCancelled
		}

		ch := plan.Chunks[i]
		if plan.Chunked() {
			s.jobLog(j, "info", fmt.Sprintf("Generating part %d/%d (~%d words)", i+1, n, ch.TargetWords))
		} else {
			s.jobLog(j, "info", fmt.Sprintf("Generating script (~%d words)", ch.TargetWords))
		}

		cfg := provider.Config{Temperature: ch.Temperature, MaxTokens: ch.MaxTokens, Timeout: ch.Timeout}
		gen := func(ctx context.Context, prompt string) (string, error) {
			res, err := s.generate(ctx, j, round, prompt, cfg)
			return res.Text, err
		}

		out, err := refiner.Refine(ctx, gen, ch, s.script(j))
		if err != nil {
			return err
		}
		if out.Degraded {
			s.jobWarn(j, fmt.Sprintf("Part %d accepted with issues: %s", i+1, strings.Join(out.Validation.Errors, "; ")))
		}
		for _, w := range out.Validation.Warnings {
			s.jobLog(j, "info", fmt.Sprintf("Part %d: %s", i+1, w))
		}

		s.progress(j, func(jb *Job) {
			jb.Script = continuity.Join(jb.Script, out.Text)
			jb.ChunkIndex = i + 1
			jb.Percent = chunkPercent(i+1, n)
		})
		s.jobLog(j, "success", fmt.Sprintf("Part %d/%d accepted (%d words)", i+1, n, continuity.WordCount(out.Text)))
	}
	return nil
}

// warnUnresolved flags agent placeholders that reach the provider unfilled.
func (s *Scheduler) warnUnresolved(j *job, which string, vc continuity.Context, template string) {
	if left := vc.Unresolved(template); len(left) > 0 {
		s.jobWarn(j, fmt.Sprintf("Agent %s prompt has unknown placeholders: %s", which, strings.Join(left, ", ")))
	}
}

func (s *Scheduler) generatePremise(ctx context.Context, j *job, round *keypool.Round, vc continuity.Context, agent Agent) (string, error) {
	prompt := continuity.PremisePrompt(agent.PremisePrompt, vc, agent.PremiseWords)
	cfg := provider.Config{
		Temperature: continuity.PremiseTemperature,
		MaxTokens:   continuity.PremiseMaxTokens,
		Timeout:     continuity.PremiseTimeout,
	}

	var chars int
	for attempt := 1; attempt <= premiseAttempts; attempt++ {
		res, err := s.generate(ctx, j, round, prompt, cfg)
		if err != nil {
			return "", err
		}
		premise := strings.TrimSpace(res.Text)
		chars = utf8.RuneCountInString(premise)
		if chars >= continuity.PremiseMinChars {
			return premise, nil
		}
		s.jobLog(j, "warning", fmt.Sprintf("Premise too short (%d characters), regenerating", chars))
	}
	return "", fmt.Errorf("premise too short: %d characters, minimum %d", chars, continuity.PremiseMinChars)
}

// generate performs one generation step, rotating through keys until a call
// succeeds, the attempt budget is spent or no key becomes available.
func (s *Scheduler) generate(ctx context.Context, j *job, round *keypool.Round, prompt string, cfg provider.Config) (provider.Result, error) {
	keys := s.pool.Keys()
	if len(keys) == 0 {
		return provider.Result{}, permanent{errors.New("no API keys configured")}
	}

	start := keyOffset(j.ID, len(keys))
	baseTemp := cfg.Temperature
	current := prompt

	var lastErr error
	attempts, contentFailures := 0, 0
	polls, nullPolls := 0, 0

	for {
		if s.cancelled(j) || ctx.Err() != nil {
			return provider.Result{}, ErrCancelled
		}

		res, err := round.Acquire(keys, start)
		if err == nil {
			polls, nullPolls = 0, 0
			attempts++
			s.setUsedKeys(j, round.Tried())

			out, d, callErr := s.call(ctx, res, current, cfg)
			if callErr == nil {
				return out, nil
			}
			lastErr = callErr

			if d.Category == retry.CategoryCancelled {
				return provider.Result{}, ErrCancelled
			}
			if !d.Retryable {
				return provider.Result{}, permanent{callErr}
			}
			s.jobLog(j, "info", fmt.Sprintf("Key %s: %s", s.keyName(res.KeyID), d.Reason))

			if d.AdjustTemperature {
				contentFailures++
				if contentFailures > maxContentRetries {
					return provider.Result{}, fmt.Errorf("response rejected %d times: %w", contentFailures, callErr)
				}
				cfg.Temperature = retry.AdjustedTemperature(baseTemp, contentFailures)
				current = continuity.SaferPrompt(prompt)
			}
			if attempts >= callAttempts(len(keys)) {
				return provider.Result{}, fmt.Errorf("%d attempts failed: %w", attempts, lastErr)
			}
			continue
		}

		// Every usable key was tried: forget them and release their
		// reservations together, then look again.
		if round.Complete(keys) {
			released := round.Reset()
			s.setUsedKeys(j, nil)
			s.jobLog(j, "info", fmt.Sprintf("All %d key(s) tried, starting a new round", len(released)))
			continue
		}

		diag := s.pool.Diagnose(keys)
		if diag.Fatal == diag.Total {
			return provider.Result{}, permanent{errors.New(diag.Advice())}
		}
		if polls >= MaxKeyPolls {
			return provider.Result{}, noKeyError(lastErr)
		}

		wait, ok := s.pool.ShortestWait(keys)
		switch {
		case ok:
			nullPolls = 0
			if wait > maxPollWait {
				wait = maxPollWait
			}
			wait += pollMargin
		case diag.InUse > 0:
			// another job holds a key; it comes back on release
			wait = pollFallback
		default:
			nullPolls++
			if nullPolls >= MaxNullPolls {
				return provider.Result{}, noKeyError(lastErr)
			}
			wait = pollFallback
		}
		polls++

		s.log("debug", "[%s] No key available (%s), waiting %s", j.Title, diag, wait)
		if err := s.sleep(ctx, wait); err != nil {
			return provider.Result{}, ErrCancelled
		}
	}
}

// call issues one provider request on r and records its outcome before the
// key is released.
func (s *Scheduler) call(ctx context.Context, r *keypool.Reservation, prompt string, cfg provider.Config) (provider.Result, retry.Decision, error) {
	defer r.Release()

	key, _ := s.pool.Key(r.KeyID)
	cfg.Model = key.Model

	res, err := s.provider.Generate(ctx, key.Secret, prompt, cfg)
	if err != nil {
		return provider.Result{}, s.retry.Handle(r.KeyID, err), err
	}
	if err := s.pool.RecordSuccess(r.KeyID, res.TotalTokens()); err != nil {
		s.log("warning", "Failed to record success for %s: %v", r.KeyID, err)
	}
	return res, retry.Decision{}, nil
}

func (s *Scheduler) keyName(keyID string) string {
	if k, ok := s.pool.Key(keyID); ok {
		return k.DisplayName()
	}
	return keyID
}

func (s *Scheduler) cancelled(j *job) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelRequested
}

func (s *Scheduler) script(j *job) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Script
}

func (s *Scheduler) setUsedKeys(j *job, ids []string) {
	j.mu.Lock()
	j.UsedKeyIDs = ids
	j.mu.Unlock()
}

// keyOffset spreads jobs over the pool so they do not all start on the first key.
func keyOffset(jobID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	return int(h.Sum32() % uint32(n))
}

func noKeyError(last error) error {
	if last != nil {
		return fmt.Errorf("%w (last error: %v)", ErrNoKeyAvailable, last)
	}
	return ErrNoKeyAvailable
}

func isCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
