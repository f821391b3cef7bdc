package dispatcher

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/jobstore/memory"
	"github.com/JakeFAU/scout/internal/scheduler"
	"github.com/JakeFAU/scout/internal/worker"
)

type fetchFunc func(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error)

func (f fetchFunc) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return f(ctx, req)
}

type countingSink struct{ n atomic.Int32 }

func (s *countingSink) Store(context.Context, crawler.Result) error {
	s.n.Add(1)
	return nil
}

func setup(t *testing.T, fetcher crawler.Fetcher, sink crawler.ResultSink) (*scheduler.Scheduler, *memory.Store, []*worker.Pool) {
	t.Helper()
	store := memory.New()
	sched, err := scheduler.New(scheduler.Config{PollInterval: 5 * time.Millisecond}, store)
	require.NoError(t, err)
	var pools []*worker.Pool
	for _, c := range []crawler.Capability{crawler.CapabilityPlainHTTP, crawler.CapabilityHeadlessBrowser} {
		p, err := worker.New(c, crawler.CapabilitySpec{Concurrency: 2, Timeout: 5 * time.Second}, worker.Deps{
			Scheduler: sched,
			Fetcher:   fetcher,
			Sink:      sink,
		})
		require.NoError(t, err)
		pools = append(pools, p)
	}
	return sched, store, pools
}

func enqueue(t *testing.T, sched *scheduler.Scheduler, url string, c crawler.Capability) {
	t.Helper()
	ok, err := sched.Enqueue(context.Background(), crawler.RetrievalJob{URL: url, Score: 90, Chain: []crawler.Capability{c}})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDispatcherRoutesEachCapability(t *testing.T) {
	t.Parallel()

	sink := &countingSink{}
	fetcher := fetchFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	})
	sched, _, pools := setup(t, fetcher, sink)
	d, err := New(sched, pools, Config{Grace: time.Second})
	require.NoError(t, err)

	enqueue(t, sched, "https://plain.example/", crawler.CapabilityPlainHTTP)
	enqueue(t, sched, "https://spa.example/", crawler.CapabilityHeadlessBrowser)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, sched.WaitIdle(waitCtx))
	require.EqualValues(t, 2, sink.n.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	require.True(t, sched.Stats().Closed)
}

func TestDispatcherLetsInFlightFinishWithinGrace(t *testing.T) {
	t.Parallel()

	sink := &countingSink{}
	started := make(chan struct{}, 1)
	fetcher := fetchFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		started <- struct{}{}
		time.Sleep(50 * time.Millisecond)
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	})
	sched, store, pools := setup(t, fetcher, sink)
	d, err := New(sched, pools, Config{Grace: 2 * time.Second})
	require.NoError(t, err)
	enqueue(t, sched, "https://slow.example/", crawler.CapabilityPlainHTTP)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	<-started
	cancel()

	require.NoError(t, <-done)
	require.EqualValues(t, 1, sink.n.Load())
	n, err := store.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDispatcherInterruptsAfterGrace(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	fetcher := fetchFunc(func(ctx context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
		started <- struct{}{}
		<-ctx.Done()
		return crawler.FetchResponse{}, ctx.Err()
	})
	sched, store, pools := setup(t, fetcher, &countingSink{})
	d, err := New(sched, pools, Config{Grace: 20 * time.Millisecond})
	require.NoError(t, err)
	enqueue(t, sched, "https://hung.example/", crawler.CapabilityPlainHTTP)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not force-cancel")
	}
	require.Empty(t, sched.InFlight())

	jobs, err := store.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "https://hung.example/", jobs[0].URL)
	require.Zero(t, jobs[0].Attempts)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, Config{})
	require.Error(t, err)
	sched, _, _ := setup(t, fetchFunc(nil), &countingSink{})
	_, err = New(sched, nil, Config{})
	require.Error(t, err)
}
