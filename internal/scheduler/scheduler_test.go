package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scout/internal/clock"
	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/events"
	"github.com/JakeFAU/scout/internal/jobstore/memory"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) stages() []events.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%03d", s.n.Add(1)), nil
}

type harness struct {
	sched *Scheduler
	store *memory.Store
	clock *clock.Manual
	rec   *recorder
}

func newHarness(t *testing.T, mutate func(*Config)) harness {
	t.Helper()
	h := harness{store: memory.New(), clock: clock.NewManual(epoch), rec: &recorder{}}
	cfg := Config{
		MaxAttempts:           5,
		RetryPenalty:          10,
		FailuresPerCapability: 2,
		PollInterval:          5 * time.Millisecond,
		Backoff: Backoff{
			Base:   time.Second,
			Cap:    time.Minute,
			Jitter: func(time.Duration) time.Duration { return 0 },
		},
		Clock:  h.clock,
		IDs:    &seqIDs{},
		Events: h.rec,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sched, err := New(cfg, h.store)
	require.NoError(t, err)
	h.sched = sched
	return h
}

func newJob(url string, score int, chain ...crawler.Capability) crawler.RetrievalJob {
	return crawler.RetrievalJob{URL: url, Score: score, Chain: chain}
}

func dequeue(t *testing.T, s *Scheduler, c crawler.Capability) crawler.RetrievalJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := s.Dequeue(ctx, c)
	require.NoError(t, err)
	return job
}

func TestPriority(t *testing.T) {
	t.Parallel()

	require.Equal(t, 10, Priority(90, 0, 10))
	require.Equal(t, 30, Priority(90, 2, 10))
	require.Equal(t, 100, Priority(0, 0, 10))
}

func TestEnqueueDequeueOrdersByScore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	for _, j := range []crawler.RetrievalJob{
		newJob("https://a.example/low", 71, crawler.CapabilityPlainHTTP),
		newJob("https://b.example/high", 95, crawler.CapabilityPlainHTTP),
		newJob("https://c.example/mid", 80, crawler.CapabilityPlainHTTP),
	} {
		ok, err := h.sched.Enqueue(ctx, j)
		require.NoError(t, err)
		require.True(t, ok)
	}

	got := []string{
		dequeue(t, h.sched, crawler.CapabilityPlainHTTP).URL,
		dequeue(t, h.sched, crawler.CapabilityPlainHTTP).URL,
		dequeue(t, h.sched, crawler.CapabilityPlainHTTP).URL,
	}
	require.Equal(t, []string{"https://b.example/high", "https://c.example/mid", "https://a.example/low"}, got)

	stats := h.sched.Stats()
	require.Equal(t, 3, stats.InFlight)
	require.Empty(t, stats.Queued)
}

func TestEnqueueAssignsFields(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ok, err := h.sched.Enqueue(context.Background(), newJob("https://news.example.com/a", 88, crawler.CapabilityPlainHTTP))
	require.NoError(t, err)
	require.True(t, ok)

	job := dequeue(t, h.sched, crawler.CapabilityPlainHTTP)
	require.Equal(t, "job-001", job.ID)
	require.Equal(t, "news.example.com", job.Domain)
	require.Equal(t, 5, job.MaxAttempts)
	require.Equal(t, 12, job.Priority)
	require.Equal(t, epoch, job.EnqueuedAt)
	require.Equal(t, crawler.JobInFlight, job.State)
}

func TestEnqueueRejectsInvalidJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.sched.Enqueue(ctx, newJob("", 80, crawler.CapabilityPlainHTTP))
	require.Error(t, err)
	_, err = h.sched.Enqueue(ctx, newJob("https://x.example", 80))
	require.Error(t, err)
	_, err = h.sched.Enqueue(ctx, newJob("https://x.example", 80, crawler.Capability("carrier-pigeon")))
	require.Error(t, err)
}

func TestEnqueueOneActiveJobPerURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.sched.Enqueue(ctx, newJob("https://dup.example/page", 90, crawler.CapabilityPlainHTTP))
			if err != nil {
				errs <- err
				return
			}
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, admitted.Load())
	n, err := h.store.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Still active while in flight.
	job := dequeue(t, h.sched, crawler.CapabilityPlainHTTP)
	ok, err := h.sched.Enqueue(ctx, newJob("https://dup.example/page", 90, crawler.CapabilityPlainHTTP))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, h.sched.Complete(ctx, job))
	ok, err = h.sched.Enqueue(ctx, newJob("https://dup.example/page", 90, crawler.CapabilityPlainHTTP))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConcurrentDequeueNeverSharesJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	const total = 40
	for i := 0; i < total; i++ {
		ok, err := h.sched.Enqueue(ctx, newJob(fmt.Sprintf("https://s%d.example/", i), 80, crawler.CapabilityPlainHTTP))
		require.NoError(t, err)
		require.True(t, ok)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total/8; i++ {
				job, err := h.sched.Dequeue(ctx, crawler.CapabilityPlainHTTP)
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.URL]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, total)
	for url, n := range seen {
		require.Equal(t, 1, n, url)
	}
}

func TestDequeueIsPartitionedByCapability(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.sched.Enqueue(ctx, newJob("https://js.example/", 90, crawler.CapabilityHeadlessBrowser))
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = h.sched.Dequeue(short, crawler.CapabilityPlainHTTP)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	job := dequeue(t, h.sched, crawler.CapabilityHeadlessBrowser)
	require.Equal(t, "https://js.example/", job.URL)
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.PollInterval = time.Hour })
	ctx := context.Background()

	got := make(chan crawler.RetrievalJob, 1)
	go func() {
		job, err := h.sched.Dequeue(ctx, crawler.CapabilityPlainHTTP)
		if err == nil {
			got <- job
		}
	}()
	time.Sleep(10 * time.Millisecond)
	_, err := h.sched.Enqueue(ctx, newJob("https://wake.example/", 80, crawler.CapabilityPlainHTTP))
	require.NoError(t, err)

	select {
	case job := <-got:
		require.Equal(t, "https://wake.example/", job.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake")
	}
}

func TestFailEscalatesAfterTransientFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.sched.Enqueue(ctx, newJob("https://guarded.example/report", 90,
		crawler.CapabilityTLSImpersonation, crawler.CapabilityHeadlessBrowser))
	require.NoError(t, err)

	job := dequeue(t, h.sched, crawler.CapabilityTLSImpersonation)
	disp, err := h.sched.Fail(ctx, job, crawler.NewTransient(crawler.CodeTimeout, 0, context.DeadlineExceeded))
	require.NoError(t, err)
	require.Equal(t, Retried, disp)

	// The retry waits out the backoff.
	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = h.sched.Dequeue(short, crawler.CapabilityTLSImpersonation)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	h.clock.Advance(time.Second)
	job = dequeue(t, h.sched, crawler.CapabilityTLSImpersonation)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, 1, job.CapabilityAttempts)
	require.Equal(t, 20, job.Priority)

	disp, err = h.sched.Fail(ctx, job, crawler.NewTransient(crawler.CodeTimeout, 0, context.DeadlineExceeded))
	require.NoError(t, err)
	require.Equal(t, Escalated, disp)

	h.clock.Advance(2 * time.Second)
	job = dequeue(t, h.sched, crawler.CapabilityHeadlessBrowser)
	require.Equal(t, crawler.CapabilityHeadlessBrowser, job.Capability())
	require.Equal(t, 2, job.Attempts)
	require.Zero(t, job.CapabilityAttempts)
	require.Equal(t, crawler.CodeTimeout, job.LastErrorCode)

	require.NoError(t, h.sched.Complete(ctx, job))
	require.Equal(t, []events.Stage{
		events.StageJobEnqueued,
		events.StageJobStarted,
		events.StageJobRetried,
		events.StageJobStarted,
		events.StageJobRetried,
		events.StageJobStarted,
		events.StageJobCompleted,
	}, h.rec.stages())
}

func TestFailPermanentSkipsToNextCapability(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.sched.Enqueue(ctx, newJob("https://walled.example/", 80,
		crawler.CapabilityPlainHTTP, crawler.CapabilityTLSImpersonation))
	require.NoError(t, err)

	job := dequeue(t, h.sched, crawler.CapabilityPlainHTTP)
	disp, err := h.sched.Fail(ctx, job, crawler.NewPermanent(crawler.CodeBlocked, 403, nil))
	require.NoError(t, err)
	require.Equal(t, Escalated, disp)

	h.clock.Advance(time.Second)
	job = dequeue(t, h.sched, crawler.CapabilityTLSImpersonation)
	require.Equal(t, 1, job.Attempts)
}

func TestFailDeadLettersWhenChainExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.sched.Enqueue(ctx, newJob("https://gone.example/", 80, crawler.CapabilityPlainHTTP))
	require.NoError(t, err)

	job := dequeue(t, h.sched, crawler.CapabilityPlainHTTP)
	disp, err := h.sched.Fail(ctx, job, crawler.NewPermanent(crawler.CodeNotFound, 404, nil))
	require.NoError(t, err)
	require.Equal(t, DeadLettered, disp)

	letters, err := h.sched.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, crawler.ReasonStrategyExhausted, letters[0].Reason)
	require.Equal(t, 1, letters[0].Job.Attempts)
	require.NoError(t, h.sched.WaitIdle(ctx))
}

func TestFailDeadLettersAtMaxAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) {
		c.MaxAttempts = 3
		c.FailuresPerCapability = 10
	})
	ctx := context.Background()
	_, err := h.sched.Enqueue(ctx, newJob("https://flaky.example/", 80, crawler.CapabilityPlainHTTP))
	require.NoError(t, err)

	var disp Disposition
	for attempt := 0; attempt < 3; attempt++ {
		h.clock.Advance(time.Hour)
		job := dequeue(t, h.sched, crawler.CapabilityPlainHTTP)
		require.Less(t, job.Attempts, 3)
		disp, err = h.sched.Fail(ctx, job, crawler.NewTransient(crawler.CodeServerError, 503, nil))
		require.NoError(t, err)
	}
	require.Equal(t, DeadLettered, disp)

	letters, err := h.sched.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, crawler.ReasonMaxAttempts, letters[0].Reason)
	require.Equal(t, 3, letters[0].Job.Attempts)

	stages := h.rec.stages()
	require.Equal(t, events.StageJobDeadLettered, stages[len(stages)-1])
}

func TestFailUnknownJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.sched.Fail(context.Background(), crawler.RetrievalJob{ID: "nope"}, nil)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.ErrorIs(t, h.sched.Complete(context.Background(), crawler.RetrievalJob{ID: "nope"}), crawler.ErrNotFound)
}

func TestCloseStopsAdmissionAndDequeue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.PollInterval = time.Hour })
	ctx := context.Background()
	_, err := h.sched.Enqueue(ctx, newJob("https://inflight.example/", 80, crawler.CapabilityPlainHTTP))
	require.NoError(t, err)
	job := dequeue(t, h.sched, crawler.CapabilityPlainHTTP)

	blocked := make(chan error, 1)
	go func() {
		_, err := h.sched.Dequeue(ctx, crawler.CapabilityPlainHTTP)
		blocked <- err
	}()
	time.Sleep(10 * time.Millisecond)
	h.sched.Close()
	h.sched.Close()

	select {
	case err := <-blocked:
		require.ErrorIs(t, err, crawler.ErrSchedulerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue not released by close")
	}

	_, err = h.sched.Enqueue(ctx, newJob("https://late.example/", 80, crawler.CapabilityPlainHTTP))
	require.ErrorIs(t, err, crawler.ErrSchedulerClosed)

	// In-flight work may still finish.
	require.NoError(t, h.sched.Complete(ctx, job))
	require.True(t, h.sched.Stats().Closed)
}

func TestInterruptAndRecover(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	for _, u := range []string{"https://one.example/", "https://two.example/"} {
		_, err := h.sched.Enqueue(ctx, newJob(u, 80, crawler.CapabilityPlainHTTP))
		require.NoError(t, err)
	}
	inflight := dequeue(t, h.sched, crawler.CapabilityPlainHTTP)
	require.Len(t, h.sched.InFlight(), 1)

	h.sched.Close()
	n, err := h.sched.Interrupt(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, h.sched.InFlight())
	require.Contains(t, h.rec.stages(), events.StageJobInterrupted)

	// A fresh scheduler over the same store picks both jobs back up.
	restarted, err := New(Config{Clock: h.clock, PollInterval: 5 * time.Millisecond}, h.store)
	require.NoError(t, err)
	ready, err := restarted.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, ready)
	require.Equal(t, 2, restarted.Stats().Active)

	ok, err := restarted.Enqueue(ctx, newJob(inflight.URL, 80, crawler.CapabilityPlainHTTP))
	require.NoError(t, err)
	require.False(t, ok)

	first := dequeue(t, restarted, crawler.CapabilityPlainHTTP)
	second := dequeue(t, restarted, crawler.CapabilityPlainHTTP)
	require.ElementsMatch(t, []string{"https://one.example/", "https://two.example/"}, []string{first.URL, second.URL})
}

func TestWaitIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.sched.WaitIdle(ctx))

	_, err := h.sched.Enqueue(ctx, newJob("https://idle.example/", 80, crawler.CapabilityPlainHTTP))
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.sched.WaitIdle(short), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- h.sched.WaitIdle(ctx) }()
	job := dequeue(t, h.sched, crawler.CapabilityPlainHTTP)
	require.NoError(t, h.sched.Complete(ctx, job))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIdle did not return")
	}
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{RetryPenalty: -1}, memory.New())
	require.Error(t, err)
}

func TestDispositionString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "retried", Retried.String())
	require.Equal(t, "escalated", Escalated.String())
	require.Equal(t, "dead_lettered", DeadLettered.String())
}
