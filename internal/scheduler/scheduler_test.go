package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aceteam-ai/narrator-cli/internal/continuity"
	"github.com/aceteam-ai/narrator-cli/internal/history"
	"github.com/aceteam-ai/narrator-cli/internal/keypool"
	"github.com/aceteam-ai/narrator-cli/internal/provider"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedCall struct {
	Secret string
	Prompt string
	Config provider.Config
}

// fakeProvider records calls and answers with respond, or with a valid
// premise or chunk when respond is nil.
type fakeProvider struct {
	mu       sync.Mutex
	calls    []recordedCall
	inflight map[string]int
	overlap  bool
	respond  func(ctx context.Context, n int, c recordedCall) (provider.Result, error)
}

func newFakeProvider(respond func(ctx context.Context, n int, c recordedCall) (provider.Result, error)) *fakeProvider {
	return &fakeProvider{inflight: make(map[string]int), respond: respond}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Generate(ctx context.Context, secret, prompt string, cfg provider.Config) (provider.Result, error) {
	c := recordedCall{Secret: secret, Prompt: prompt, Config: cfg}

	p.mu.Lock()
	n := len(p.calls)
	p.calls = append(p.calls, c)
	p.inflight[secret]++
	if p.inflight[secret] > 1 {
		p.overlap = true
	}
	respond := p.respond
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inflight[secret]--
		p.mu.Unlock()
	}()

	if respond == nil {
		return validResponse(n, prompt), nil
	}
	return respond(ctx, n, c)
}

func (p *fakeProvider) Calls() []recordedCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedCall(nil), p.calls...)
}

func (p *fakeProvider) count(substr string) int {
	n := 0
	for _, c := range p.Calls() {
		if strings.Contains(c.Prompt, substr) {
			n++
		}
	}
	return n
}

const testPremise = "[SECTION 1]\nThe farm wakes before dawn.\n[SECTION 2]\nA storm reaches the valley.\n[SECTION 3]\nThe family gathers when the storm is over."

const chunkWords = 300

func isPremisePrompt(prompt string) bool {
	return strings.Contains(prompt, "Premise instructions")
}

// chunkText returns chunkWords words that no other call produces.
func chunkText(n int) string {
	words := make([]string, chunkWords)
	for i := range words {
		words[i] = fmt.Sprintf("c%dw%04dx", n, i)
	}
	return strings.Join(words, " ")
}

func validResponse(n int, prompt string) provider.Result {
	if isPremisePrompt(prompt) {
		return provider.Result{Text: testPremise, PromptTokens: 100, OutputTokens: 60}
	}
	return provider.Result{Text: chunkText(n), PromptTokens: 400, OutputTokens: 600}
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (h *fakeHistory) Record(ctx context.Context, e history.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *fakeHistory) Entries() []history.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]history.Entry(nil), h.entries...)
}

type harness struct {
	s     *Scheduler
	pool  *keypool.Manager
	clock *testClock
	prov  *fakeProvider
	hist  *fakeHistory

	mu     sync.Mutex
	sleeps []time.Duration
}

func (h *harness) Sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

// fastSleep records d and advances the clock instead of sleeping.
func (h *harness) fastSleep(ctx context.Context, d time.Duration) error {
	h.mu.Lock()
	h.sleeps = append(h.sleeps, d)
	h.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	h.clock.Advance(d)
	return nil
}

func testKeys(ids ...string) []keypool.Key {
	keys := make([]keypool.Key, len(ids))
	for i, id := range ids {
		keys[i] = keypool.Key{ID: id, Name: "key-" + id, Model: "gemini-2.0-flash", Secret: "secret-" + id}
	}
	return keys
}

func newHarness(t *testing.T, keys []keypool.Key, prov *fakeProvider, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		clock: &testClock{now: time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)},
		prov:  prov,
		hist:  &fakeHistory{},
	}

	pool, err := keypool.NewManager(context.Background(), keys,
		keypool.WithClock(h.clock.Now),
		keypool.WithSpacing(0),
		keypool.WithLogFn(func(level, msg string) {}))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.pool = pool

	base := []Option{
		WithClock(h.clock.Now),
		WithSleep(h.fastSleep),
		WithBackoff(func(int) time.Duration { return time.Second }),
		WithLogFn(func(level, msg string) {}),
		WithHistory(h.hist),
	}
	h.s = New(pool, prov, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("jobs did not finish")
	}
}

func (h *harness) get(t *testing.T, id string) Job {
	t.Helper()
	j, ok := h.s.Get(id)
	if !ok {
		t.Fatalf("job %s not found", id)
	}
	return j
}

func testAgent(durationMin int) Agent {
	return Agent{
		Name:          "stories",
		PremisePrompt: "Write a premise for [titulo].",
		ScriptPrompt:  "Tell it calmly.",
		DurationMin:   durationMin,
	}
}

func drainEvents(s *Scheduler) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSchedulerCompletesChunkedJob(t *testing.T) {
	h := newHarness(t, testKeys("a"), newFakeProvider(nil))

	ids := h.s.Submit([]Request{{Title: "The Farm", Agent: testAgent(20)}})
	h.wait(t)

	j := h.get(t, ids[0])
	if j.Stage != StageCompleted {
		t.Fatalf("Stage = %s (%s), want completed", j.Stage, j.Error)
	}
	if j.ChunkIndex != 3 || j.TotalChunks != 3 || j.Percent != 100 {
		t.Errorf("chunks %d/%d percent %d, want 3/3 and 100", j.ChunkIndex, j.TotalChunks, j.Percent)
	}
	if j.Premise != testPremise {
		t.Errorf("Premise = %q", j.Premise)
	}
	if got := continuity.WordCount(j.Script); got != 3*chunkWords {
		t.Errorf("script has %d words, want %d", got, 3*chunkWords)
	}

	calls := h.prov.Calls()
	if len(calls) != 4 {
		t.Fatalf("provider called %d times, want 4", len(calls))
	}
	if !strings.Contains(calls[0].Prompt, "Write a premise for The Farm.") {
		t.Error("premise prompt does not carry the substituted title")
	}
	if calls[0].Config.Model != "gemini-2.0-flash" || calls[0].Secret != "secret-a" {
		t.Errorf("call config = %+v secret %q", calls[0].Config, calls[0].Secret)
	}

	// part 2 carries the tail of part 1, never part 1 in full
	first := strings.Fields(chunkText(1))
	if !strings.Contains(calls[2].Prompt, strings.Join(first[len(first)-continuity.HintWords:], " ")) {
		t.Error("part 2 prompt is missing the continuity hint")
	}
	if strings.Contains(calls[2].Prompt, first[0]+" ") {
		t.Error("part 2 prompt contains the start of part 1")
	}
	if !strings.Contains(calls[2].Prompt, "PREMISE FOR THIS PART ONLY:\nA storm reaches the valley.") {
		t.Error("part 2 prompt does not carry its premise section")
	}

	entries := h.hist.Entries()
	if len(entries) != 1 {
		t.Fatalf("history recorded %d times, want 1", len(entries))
	}
	if e := entries[0]; e.JobID != ids[0] || e.AgentName != "stories" || e.WordCount != 3*chunkWords || e.Script != j.Script {
		t.Errorf("history entry = %+v", e)
	}

	st := h.pool.Status()[0]
	if st.InUseBy != "" || st.RPD != 4 {
		t.Errorf("key status in use by %q rpd %d, want free and 4", st.InUseBy, st.RPD)
	}

	events := drainEvents(h.s)
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	last := events[len(events)-1]
	if !last.Final() || last.Status != "completed" || last.Script != j.Script {
		t.Errorf("last event = %+v", last)
	}
	prev := 0
	for _, ev := range events {
		if ev.Percent < prev {
			t.Fatalf("percent went backwards: %d after %d", ev.Percent, prev)
		}
		prev = ev.Percent
	}
}

func TestSchedulerWarnsUnknownPlaceholders(t *testing.T) {
	h := newHarness(t, testKeys("a"), newFakeProvider(nil))

	agent := testAgent(5)
	agent.ScriptPrompt = "Narrate [premissa] for [publico]."
	ids := h.s.Submit([]Request{{Title: "The Farm", Agent: agent}})
	h.wait(t)

	j := h.get(t, ids[0])
	if j.Stage != StageCompleted {
		t.Fatalf("Stage = %s (%s), want completed", j.Stage, j.Error)
	}
	if len(j.Warnings) != 1 || !strings.Contains(j.Warnings[0], "script prompt has unknown placeholders: [publico]") {
		t.Errorf("Warnings = %q", j.Warnings)
	}
}

func TestSchedulerTimeoutRotatesKey(t *testing.T) {
	prov := newFakeProvider(func(ctx context.Context, n int, c recordedCall) (provider.Result, error) {
		if n == 0 {
			return provider.Result{}, &provider.Error{Kind: provider.KindTimeout, Message: "deadline exceeded"}
		}
		return validResponse(n, c.Prompt), nil
	})
	h := newHarness(t, testKeys("a", "b"), prov)

	ids := h.s.Submit([]Request{{Title: "T", Agent: testAgent(1)}})
	h.wait(t)

	j := h.get(t, ids[0])
	if j.Stage != StageCompleted || j.RetryCount != 0 {
		t.Fatalf("Stage = %s retries %d (%s)", j.Stage, j.RetryCount, j.Error)
	}

	calls := h.prov.Calls()
	if calls[0].Secret == calls[1].Secret {
		t.Errorf("second attempt reused %s, want the other key", calls[0].Secret)
	}
	if s := h.Sleeps(); len(s) != 0 {
		t.Errorf("scheduler slept %v, want immediate retry", s)
	}

	timedOut := strings.TrimPrefix(calls[0].Secret, "secret-")
	for _, st := range h.pool.Status() {
		if st.ID == timedOut && (!st.Blocked.IsZero() || st.Failures != 0) {
			t.Errorf("timed out key was penalised: %+v", st)
		}
	}
}

func TestSchedulerSingleKeyContention(t *testing.T) {
	release := make(chan struct{})
	polled := make(chan struct{})
	var pollOnce sync.Once

	prov := newFakeProvider(func(ctx context.Context, n int, c recordedCall) (provider.Result, error) {
		if n == 0 {
			<-release
		}
		return validResponse(n, c.Prompt), nil
	})

	var h *harness
	gatedSleep := func(ctx context.Context, d time.Duration) error {
		pollOnce.Do(func() { close(polled) })
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return h.fastSleep(ctx, d)
	}
	h = newHarness(t, testKeys("a"), prov, WithConcurrency(2), WithSleep(gatedSleep))

	ids := h.s.Submit([]Request{
		{Title: "First", Agent: testAgent(1)},
		{Title: "Second", Agent: testAgent(1)},
	})

	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("second job never waited for the key")
	}
	if n := len(h.prov.Calls()); n != 1 {
		t.Errorf("%d calls in flight while the key is held, want 1", n)
	}
	if st := h.pool.Status()[0]; st.InUseBy == "" {
		t.Error("key should be reserved by the running job")
	}

	close(release)
	h.wait(t)

	for _, id := range ids {
		if j := h.get(t, id); j.Stage != StageCompleted {
			t.Errorf("%s: Stage = %s (%s)", j.Title, j.Stage, j.Error)
		}
	}
	if s := h.Sleeps(); len(s) == 0 || s[0] != pollFallback {
		t.Errorf("first wait = %v, want %s", s, pollFallback)
	}
	if h.prov.overlap {
		t.Error("two calls used the same key at once")
	}
}

func TestSchedulerRoundResetAfterCooldown(t *testing.T) {
	prov := newFakeProvider(func(ctx context.Context, n int, c recordedCall) (provider.Result, error) {
		if n < 2 {
			return provider.Result{}, &provider.Error{
				Kind:       provider.KindHTTP,
				Status:     429,
				Message:    "Quota exceeded",
				QuotaID:    "GenerateRequestsPerMinutePerProjectPerModel-FreeTier",
				RetryDelay: 20 * time.Second,
			}
		}
		return validResponse(n, c.Prompt), nil
	})
	h := newHarness(t, testKeys("a", "b"), prov)

	ids := h.s.Submit([]Request{{Title: "T", Agent: testAgent(1)}})
	h.wait(t)

	j := h.get(t, ids[0])
	if j.Stage != StageCompleted || j.RetryCount != 0 {
		t.Fatalf("Stage = %s retries %d (%s)", j.Stage, j.RetryCount, j.Error)
	}

	calls := h.prov.Calls()
	if calls[0].Secret == calls[1].Secret {
		t.Error("rate limited key was retried before the other key")
	}
	sleeps := h.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 20*time.Second+pollMargin {
		t.Errorf("sleeps = %v, want one wait of %s", sleeps, 20*time.Second+pollMargin)
	}

	found := false
	for _, l := range j.Logs {
		if strings.Contains(l, "starting a new round") {
			found = true
		}
	}
	if !found {
		t.Error("round reset was not logged")
	}
	for _, st := range h.pool.Status() {
		if st.InUseBy != "" {
			t.Errorf("key %s still reserved by %s", st.ID, st.InUseBy)
		}
	}
}

func TestSchedulerRetryPreservesProgress(t *testing.T) {
	var mu sync.Mutex
	part2Failures := 0
	prov := newFakeProvider(func(ctx context.Context, n int, c recordedCall) (provider.Result, error) {
		if strings.Contains(c.Prompt, "PART 2 of 3") {
			mu.Lock()
			defer mu.Unlock()
			if part2Failures < callAttempts(1) {
				part2Failures++
				return provider.Result{}, &provider.Error{Kind: provider.KindNetwork, Message: "connection reset"}
			}
		}
		return validResponse(n, c.Prompt), nil
	})
	h := newHarness(t, testKeys("a"), prov)

	ids := h.s.Submit([]Request{{Title: "T", Agent: testAgent(20)}})
	h.wait(t)

	j := h.get(t, ids[0])
	if j.Stage != StageCompleted {
		t.Fatalf("Stage = %s (%s)", j.Stage, j.Error)
	}
	if j.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", j.RetryCount)
	}
	if n := h.prov.count("Premise instructions"); n != 1 {
		t.Errorf("premise generated %d times, want 1", n)
	}
	if n := h.prov.count("PART 1 of 3"); n != 1 {
		t.Errorf("part 1 generated %d times, want 1", n)
	}
	if got := continuity.WordCount(j.Script); got != 3*chunkWords {
		t.Errorf("script has %d words, want %d", got, 3*chunkWords)
	}

	backedOff := false
	for _, d := range h.Sleeps() {
		if d == time.Second {
			backedOff = true
		}
	}
	if !backedOff {
		t.Error("job was re-queued without backoff")
	}
}

func TestSchedulerFatalKeysFailJob(t *testing.T) {
	prov := newFakeProvider(func(ctx context.Context, n int, c recordedCall) (provider.Result, error) {
		return provider.Result{}, &provider.Error{Kind: provider.KindHTTP, Status: 400, Message: "API key not valid. Please pass a valid API key."}
	})
	h := newHarness(t, testKeys("a"), prov)

	ids := h.s.Submit([]Request{{Title: "T", Agent: testAgent(1)}})
	h.wait(t)

	j := h.get(t, ids[0])
	if j.Stage != StageError {
		t.Fatalf("Stage = %s, want error", j.Stage)
	}
	var je *JobError
	if !errors.As(j.Err, &je) {
		t.Fatalf("Err = %v, want *JobError", j.Err)
	}
	if je.Diagnostic.Fatal != 1 || je.Stage != StagePremise {
		t.Errorf("JobError = %+v", je)
	}
	if !strings.Contains(je.Advice, "billing") {
		t.Errorf("Advice = %q", je.Advice)
	}
	if j.RetryCount != 0 {
		t.Errorf("RetryCount = %d, a configuration problem must not be retried", j.RetryCount)
	}
	if n := len(h.prov.Calls()); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
	if len(h.hist.Entries()) != 0 {
		t.Error("failed job was recorded in history")
	}
}

func TestSchedulerCancelQueued(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	prov := newFakeProvider(func(ctx context.Context, n int, c recordedCall) (provider.Result, error) {
		if n == 0 {
			close(started)
			<-release
		}
		return validResponse(n, c.Prompt), nil
	})
	h := newHarness(t, testKeys("a"), prov)

	ids := h.s.Submit([]Request{
		{Title: "First", Agent: testAgent(1)},
		{Title: "Second", Agent: testAgent(1)},
	})
	<-started

	if err := h.s.Cancel(ids[1]); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	j := h.get(t, ids[1])
	if j.Stage != StageError || !errors.Is(j.Err, ErrCancelled) {
		t.Errorf("cancelled job: Stage = %s Err = %v", j.Stage, j.Err)
	}
	if err := h.s.Cancel(ids[1]); !errors.Is(err, ErrJobFinished) {
		t.Errorf("second Cancel error = %v, want ErrJobFinished", err)
	}

	close(release)
	h.wait(t)

	if n := h.prov.count("Video title: Second"); n != 0 {
		t.Errorf("cancelled job reached the provider %d times", n)
	}
	if j := h.get(t, ids[0]); j.Stage != StageCompleted {
		t.Errorf("first job Stage = %s", j.Stage)
	}
}

func TestSchedulerCancelRunning(t *testing.T) {
	started := make(chan struct{})
	prov := newFakeProvider(func(ctx context.Context, n int, c recordedCall) (provider.Result, error) {
		close(started)
		<-ctx.Done()
		return provider.Result{}, provider.TransportError(ctx.Err())
	})
	h := newHarness(t, testKeys("a"), prov)

	ids := h.s.Submit([]Request{{Title: "T", Agent: testAgent(1)}})
	<-started

	if err := h.s.Cancel(ids[0]); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	h.wait(t)

	j := h.get(t, ids[0])
	if j.Stage != StageError || !errors.Is(j.Err, ErrCancelled) {
		t.Fatalf("Stage = %s Err = %v, want cancelled", j.Stage, j.Err)
	}
	if j.RetryCount != 0 {
		t.Errorf("RetryCount = %d, cancellation must not retry", j.RetryCount)
	}
	st := h.pool.Status()[0]
	if st.InUseBy != "" || st.Failures != 0 || !st.Blocked.IsZero() {
		t.Errorf("key after cancellation = %+v", st)
	}
}

func TestSchedulerManualRetry(t *testing.T) {
	var mu sync.Mutex
	reject := true
	prov := newFakeProvider(func(ctx context.Context, n int, c recordedCall) (provider.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if reject {
			return provider.Result{}, &provider.Error{Kind: provider.KindHTTP, Status: 403, Message: "permission denied"}
		}
		return validResponse(n, c.Prompt), nil
	})
	h := newHarness(t, testKeys("a"), prov)

	ids := h.s.Submit([]Request{{Title: "T", Agent: testAgent(1)}})
	h.wait(t)
	if j := h.get(t, ids[0]); j.Stage != StageError {
		t.Fatalf("Stage = %s, want error", j.Stage)
	}

	if err := h.s.Retry("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Retry(missing) = %v, want ErrJobNotFound", err)
	}

	if err := h.pool.ResetKey("a"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	reject = false
	mu.Unlock()

	if err := h.s.Retry(ids[0]); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	h.wait(t)

	j := h.get(t, ids[0])
	if j.Stage != StageCompleted || j.Error != "" || j.RetryCount != 0 {
		t.Errorf("after Retry: Stage = %s Error = %q RetryCount = %d", j.Stage, j.Error, j.RetryCount)
	}
	if err := h.s.Retry(ids[0]); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry(completed) = %v, want ErrNotRetryable", err)
	}
	if n := len(h.hist.Entries()); n != 1 {
		t.Errorf("history recorded %d times, want 1", n)
	}
}

func TestSetConcurrencyLimit(t *testing.T) {
	started := make(chan string, 4)
	release := make(chan struct{})
	prov := newFakeProvider(func(ctx context.Context, n int, c recordedCall) (provider.Result, error) {
		if isPremisePrompt(c.Prompt) {
			started <- c.Prompt
			<-release
		}
		return validResponse(n, c.Prompt), nil
	})
	h := newHarness(t, testKeys("a", "b"), prov)

	h.s.Submit([]Request{
		{Title: "First", Agent: testAgent(1)},
		{Title: "Second", Agent: testAgent(1)},
	})

	first := <-started
	if !strings.Contains(first, "Video title: First") {
		t.Errorf("queue order broken, first prompt = %q", first)
	}
	select {
	case <-started:
		t.Fatal("second job started with one worker slot")
	case <-time.After(50 * time.Millisecond):
	}

	h.s.SetConcurrencyLimit(2)
	select {
	case p := <-started:
		if !strings.Contains(p, "Video title: Second") {
			t.Errorf("second prompt = %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("raising the limit did not start the queued job")
	}

	close(release)
	h.wait(t)
}

func TestChunkPercent(t *testing.T) {
	tests := []struct {
		done, total, want int
	}{
		{0, 3, 35},
		{1, 3, 53},
		{2, 3, 71},
		{3, 3, 90},
		{1, 1, 90},
		{0, 0, 35},
	}
	for _, tt := range tests {
		if got := chunkPercent(tt.done, tt.total); got != tt.want {
			t.Errorf("chunkPercent(%d, %d) = %d, want %d", tt.done, tt.total, got, tt.want)
		}
	}
}

func TestKeyOffsetIsStable(t *testing.T) {
	a := keyOffset("job-1", 5)
	if a < 0 || a >= 5 {
		t.Fatalf("keyOffset out of range: %d", a)
	}
	if keyOffset("job-1", 5) != a {
		t.Error("keyOffset is not deterministic")
	}
}
