package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scout/internal/credential"
	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/jobstore/memory"
	"github.com/JakeFAU/scout/internal/scheduler"
)

type fetchFunc func(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error)

func (f fetchFunc) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return f(ctx, req)
}

type fakeSink struct {
	mu      sync.Mutex
	results []crawler.Result
	err     error
}

func (s *fakeSink) Store(_ context.Context, result crawler.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, result)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

type fakeHasher struct{}

func (fakeHasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("h%d", len(data)), nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	waits    []string
	backoffs []string
}

func (l *fakeLimiter) Wait(ctx context.Context, kind, key string) error {
	l.mu.Lock()
	l.waits = append(l.waits, kind+"|"+key)
	l.mu.Unlock()
	return ctx.Err()
}

func (l *fakeLimiter) Backoff(kind, key string) {
	l.mu.Lock()
	l.backoffs = append(l.backoffs, kind+"|"+key)
	l.mu.Unlock()
}

type fakeDedup struct{ first string }

func (d fakeDedup) SeenContent(_ context.Context, _, id string) (string, bool) {
	if d.first == "" {
		return id, false
	}
	return d.first, true
}

type fakeOutcomes struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (o *fakeOutcomes) RecordFailure(string) { o.mu.Lock(); o.failures++; o.mu.Unlock() }
func (o *fakeOutcomes) RecordSuccess(string) { o.mu.Lock(); o.successes++; o.mu.Unlock() }

type fakeStrategy struct {
	mu      sync.Mutex
	records []bool
}

func (s *fakeStrategy) Record(_ string, _ crawler.Capability, success bool) {
	s.mu.Lock()
	s.records = append(s.records, success)
	s.mu.Unlock()
}

type fakeCandidates struct {
	mu     sync.Mutex
	states []crawler.CandidateState
}

func (c *fakeCandidates) Transition(_ string, state crawler.CandidateState) error {
	c.mu.Lock()
	c.states = append(c.states, state)
	c.mu.Unlock()
	return nil
}

func (c *fakeCandidates) last() crawler.CandidateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.states) == 0 {
		return ""
	}
	return c.states[len(c.states)-1]
}

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(scheduler.Config{
		PollInterval: 5 * time.Millisecond,
		Backoff:      scheduler.Backoff{Base: time.Millisecond, Cap: 10 * time.Millisecond},
	}, memory.New())
	require.NoError(t, err)
	return s
}

func admit(t *testing.T, s *scheduler.Scheduler, url string, chain ...crawler.Capability) crawler.RetrievalJob {
	t.Helper()
	ctx := context.Background()
	ok, err := s.Enqueue(ctx, crawler.RetrievalJob{URL: url, CandidateID: "cand-" + url, Score: 90, Chain: chain})
	require.NoError(t, err)
	require.True(t, ok)
	job, err := s.Dequeue(ctx, chain[0])
	require.NoError(t, err)
	return job
}

func okResponse(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("<html><body>report</body></html>")}, nil
}

func TestProcessSuccess(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t)
	sink := &fakeSink{}
	limiter := &fakeLimiter{}
	outcomes := &fakeOutcomes{}
	strategy := &fakeStrategy{}
	candidates := &fakeCandidates{}
	pool, err := New(crawler.CapabilityPlainHTTP, crawler.CapabilitySpec{Concurrency: 1, Timeout: time.Second}, Deps{
		Scheduler:  sched,
		Fetcher:    fetchFunc(okResponse),
		Sink:       sink,
		Hasher:     fakeHasher{},
		Limiter:    limiter,
		Outcomes:   outcomes,
		Strategy:   strategy,
		Candidates: candidates,
	})
	require.NoError(t, err)

	job := admit(t, sched, "https://stats.example.gov/cpi", crawler.CapabilityPlainHTTP)
	pool.Process(context.Background(), job)

	require.Equal(t, 1, sink.count())
	result := sink.results[0]
	require.Equal(t, job.ID, result.JobID)
	require.Equal(t, "h32", result.ContentHash)
	require.Equal(t, crawler.CapabilityPlainHTTP, result.Capability)
	require.Equal(t, "1", result.Metadata["attempts"])
	require.Equal(t, []string{"domain|stats.example.gov"}, limiter.waits)
	require.Equal(t, 1, outcomes.successes)
	require.Equal(t, []bool{true}, strategy.records)
	require.Equal(t, []crawler.CandidateState{crawler.CandidateInProgress, crawler.CandidateRetrieved}, candidates.states)
	require.NoError(t, sched.WaitIdle(context.Background()))
}

func TestProcessRateLimitedReportsCredential(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t)
	creds, err := credential.New(credential.Config{Cooldown: time.Hour}, []crawler.Credential{
		{ID: "proxy-a", Service: "unlocker", QuotaLimit: 10, Health: crawler.CredentialActive},
	})
	require.NoError(t, err)
	limiter := &fakeLimiter{}
	outcomes := &fakeOutcomes{}
	candidates := &fakeCandidates{}

	var gotLease *crawler.Lease
	fetcher := fetchFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		gotLease = req.Lease
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusTooManyRequests}, nil
	})
	spec := crawler.CapabilitySpec{Concurrency: 1, Timeout: time.Second, CredentialService: "unlocker", CredentialRequired: true}
	pool, err := New(crawler.CapabilityManagedProxy, spec, Deps{
		Scheduler:   sched,
		Fetcher:     fetcher,
		Sink:        &fakeSink{},
		Credentials: creds,
		Limiter:     limiter,
		Outcomes:    outcomes,
		Candidates:  candidates,
	})
	require.NoError(t, err)

	job := admit(t, sched, "https://busy.example/", crawler.CapabilityManagedProxy, crawler.CapabilityHeadlessBrowser)
	pool.Process(context.Background(), job)

	require.NotNil(t, gotLease)
	require.Equal(t, "proxy-a", gotLease.CredentialID)
	snapshot := creds.Snapshot()
	require.Equal(t, crawler.CredentialRateLimited, snapshot[0].Health)
	require.Equal(t, []string{"domain|busy.example", "credential|proxy-a"}, limiter.backoffs)
	require.Equal(t, 1, outcomes.failures)
	require.Equal(t, crawler.CandidateQueued, candidates.last())
	require.Equal(t, 1, sched.Stats().Queued[crawler.CapabilityManagedProxy])
}

func TestProcessWithoutCredentialFailsTransiently(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t)
	creds, err := credential.New(credential.Config{}, nil)
	require.NoError(t, err)
	called := false
	fetcher := fetchFunc(func(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		called = true
		return okResponse(ctx, req)
	})
	spec := crawler.CapabilitySpec{Concurrency: 1, Timeout: time.Second, CredentialService: "captcha", CredentialRequired: true}
	pool, err := New(crawler.CapabilityBrowserCaptcha, spec, Deps{
		Scheduler:   sched,
		Fetcher:     fetcher,
		Sink:        &fakeSink{},
		Credentials: creds,
	})
	require.NoError(t, err)

	job := admit(t, sched, "https://captcha.example/", crawler.CapabilityBrowserCaptcha)
	pool.Process(context.Background(), job)

	require.False(t, called)
	require.Equal(t, 1, sched.Stats().Queued[crawler.CapabilityBrowserCaptcha])
}

func TestProcessOptionalCredentialFallsThrough(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t)
	creds, err := credential.New(credential.Config{}, nil)
	require.NoError(t, err)
	sink := &fakeSink{}
	spec := crawler.CapabilitySpec{Concurrency: 1, Timeout: time.Second, CredentialService: "unlocker"}
	pool, err := New(crawler.CapabilityTLSImpersonation, spec, Deps{
		Scheduler:   sched,
		Fetcher:     fetchFunc(okResponse),
		Sink:        sink,
		Credentials: creds,
	})
	require.NoError(t, err)

	pool.Process(context.Background(), admit(t, sched, "https://open.example/", crawler.CapabilityTLSImpersonation))
	require.Equal(t, 1, sink.count())
}

func TestProcessDuplicateContentSkipsSink(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t)
	sink := &fakeSink{}
	pool, err := New(crawler.CapabilityPlainHTTP, crawler.CapabilitySpec{Concurrency: 1, Timeout: time.Second}, Deps{
		Scheduler: sched,
		Fetcher:   fetchFunc(okResponse),
		Sink:      sink,
		Hasher:    fakeHasher{},
		Dedup:     fakeDedup{first: "job-original"},
	})
	require.NoError(t, err)

	pool.Process(context.Background(), admit(t, sched, "https://mirror.example/", crawler.CapabilityPlainHTTP))
	require.Zero(t, sink.count())
	require.NoError(t, sched.WaitIdle(context.Background()))
}

func TestProcessSinkFailureRetries(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t)
	pool, err := New(crawler.CapabilityPlainHTTP, crawler.CapabilitySpec{Concurrency: 1, Timeout: time.Second}, Deps{
		Scheduler: sched,
		Fetcher:   fetchFunc(okResponse),
		Sink:      &fakeSink{err: errors.New("bucket unavailable")},
	})
	require.NoError(t, err)

	pool.Process(context.Background(), admit(t, sched, "https://sinkfail.example/", crawler.CapabilityPlainHTTP))
	require.Equal(t, 1, sched.Stats().Queued[crawler.CapabilityPlainHTTP])
}

// ackFailStore rejects acknowledgements, and optionally requeues, like a
// shared store whose row was reclaimed elsewhere.
type ackFailStore struct {
	*memory.Store
	ackErr  error
	nackErr error
}

func (s *ackFailStore) Ack(context.Context, string) error { return s.ackErr }

func (s *ackFailStore) Nack(ctx context.Context, job crawler.RetrievalJob) error {
	if s.nackErr != nil {
		return s.nackErr
	}
	return s.Store.Nack(ctx, job)
}

func TestProcessAckFailureRequeues(t *testing.T) {
	t.Parallel()

	store := &ackFailStore{Store: memory.New(), ackErr: errors.New("connection refused")}
	sched, err := scheduler.New(scheduler.Config{
		PollInterval: 5 * time.Millisecond,
		Backoff:      scheduler.Backoff{Base: time.Millisecond, Cap: 10 * time.Millisecond},
	}, store)
	require.NoError(t, err)
	candidates := &fakeCandidates{}
	pool, err := New(crawler.CapabilityPlainHTTP, crawler.CapabilitySpec{Concurrency: 1, Timeout: time.Second}, Deps{
		Scheduler:  sched,
		Fetcher:    fetchFunc(okResponse),
		Sink:       &fakeSink{},
		Candidates: candidates,
	})
	require.NoError(t, err)

	pool.Process(context.Background(), admit(t, sched, "https://ackfail.example/", crawler.CapabilityPlainHTTP))
	stats := sched.Stats()
	require.Equal(t, 1, stats.Queued[crawler.CapabilityPlainHTTP])
	require.Zero(t, stats.InFlight)
	require.Equal(t, 1, stats.Active)
	require.Equal(t, crawler.CandidateQueued, candidates.last())
}

func TestProcessLostJobReleasesURL(t *testing.T) {
	t.Parallel()

	store := &ackFailStore{Store: memory.New(), ackErr: crawler.ErrNotFound, nackErr: crawler.ErrNotFound}
	sched, err := scheduler.New(scheduler.Config{PollInterval: 5 * time.Millisecond}, store)
	require.NoError(t, err)
	pool, err := New(crawler.CapabilityPlainHTTP, crawler.CapabilitySpec{Concurrency: 1, Timeout: time.Second}, Deps{
		Scheduler: sched,
		Fetcher:   fetchFunc(okResponse),
		Sink:      &fakeSink{},
	})
	require.NoError(t, err)

	pool.Process(context.Background(), admit(t, sched, "https://lost.example/", crawler.CapabilityPlainHTTP))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sched.WaitIdle(ctx))
}

func TestProcessPermanentFailureDeadLetters(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t)
	candidates := &fakeCandidates{}
	fetcher := fetchFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	})
	pool, err := New(crawler.CapabilityPlainHTTP, crawler.CapabilitySpec{Concurrency: 1, Timeout: time.Second}, Deps{
		Scheduler:  sched,
		Fetcher:    fetcher,
		Sink:       &fakeSink{},
		Candidates: candidates,
	})
	require.NoError(t, err)

	pool.Process(context.Background(), admit(t, sched, "https://missing.example/", crawler.CapabilityPlainHTTP))
	require.Equal(t, crawler.CandidateDeadLettered, candidates.last())
	letters, err := sched.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, crawler.ReasonStrategyExhausted, letters[0].Reason)
}

func TestProcessCancelledLeavesJobInFlight(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := fetchFunc(func(fctx context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
		cancel()
		<-fctx.Done()
		return crawler.FetchResponse{}, fctx.Err()
	})
	pool, err := New(crawler.CapabilityPlainHTTP, crawler.CapabilitySpec{Concurrency: 1, Timeout: time.Second}, Deps{
		Scheduler: sched,
		Fetcher:   fetcher,
		Sink:      &fakeSink{},
	})
	require.NoError(t, err)

	pool.Process(ctx, admit(t, sched, "https://slow.example/", crawler.CapabilityPlainHTTP))
	require.Len(t, sched.InFlight(), 1)
	require.Empty(t, sched.Stats().Queued)
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t)
	sink := &fakeSink{}
	pool, err := New(crawler.CapabilityPlainHTTP, crawler.CapabilitySpec{Concurrency: 3, Timeout: time.Second}, Deps{
		Scheduler: sched,
		Fetcher:   fetchFunc(okResponse),
		Sink:      sink,
	})
	require.NoError(t, err)
	require.Equal(t, crawler.CapabilityPlainHTTP, pool.Capability())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := sched.Enqueue(ctx, crawler.RetrievalJob{
			URL:   fmt.Sprintf("https://run%d.example/", i),
			Score: 80,
			Chain: []crawler.Capability{crawler.CapabilityPlainHTTP},
		})
		require.NoError(t, err)
	}

	stop, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pool.Run(stop, ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.count() == 5 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(crawler.Capability("telnet"), crawler.CapabilitySpec{}, Deps{})
	require.Error(t, err)
	_, err = New(crawler.CapabilityPlainHTTP, crawler.CapabilitySpec{}, Deps{})
	require.Error(t, err)
}
