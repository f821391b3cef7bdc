// Package jobstoretest holds the behavioral suite every crawler.JobStore
// implementation must pass.
package jobstoretest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scout/internal/crawler"
)

// Epoch anchors job timestamps in the suite.
var Epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// Job builds a queued job routed to capability.
func Job(id string, priority int, capability crawler.Capability) crawler.RetrievalJob {
	return crawler.RetrievalJob{
		ID:          id,
		CandidateID: "cand-" + id,
		URL:         "https://example.com/" + id,
		Domain:      "example.com",
		Score:       100 - priority,
		Priority:    priority,
		MaxAttempts: 5,
		Chain:       []crawler.Capability{capability, crawler.CapabilityHeadlessBrowser},
		NotBefore:   Epoch,
		EnqueuedAt:  Epoch,
	}
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) crawler.JobStore) {
	t.Helper()
	ctx := context.Background()
	plain := crawler.CapabilityPlainHTTP

	t.Run("pop orders by priority then enqueue time", func(t *testing.T) {
		s := newStore(t)
		late := Job("b", 10, plain)
		late.EnqueuedAt = Epoch.Add(time.Second)
		require.NoError(t, s.Put(ctx, late))
		require.NoError(t, s.Put(ctx, Job("c", 20, plain)))
		require.NoError(t, s.Put(ctx, Job("a", 10, plain)))

		var got []string
		for i := 0; i < 3; i++ {
			job, err := s.PopMin(ctx, plain, Epoch)
			require.NoError(t, err)
			require.Equal(t, crawler.JobInFlight, job.State)
			got = append(got, job.ID)
		}
		require.Equal(t, []string{"a", "b", "c"}, got)
		_, err := s.PopMin(ctx, plain, Epoch)
		require.ErrorIs(t, err, crawler.ErrNoJob)
	})

	t.Run("one active job per url", func(t *testing.T) {
		s := newStore(t)
		first := Job("a", 1, plain)
		require.NoError(t, s.Put(ctx, first))
		second := Job("b", 1, plain)
		second.URL = first.URL
		require.ErrorIs(t, s.Put(ctx, second), crawler.ErrDuplicate)

		job, err := s.PopMin(ctx, plain, Epoch)
		require.NoError(t, err)
		require.NoError(t, s.Ack(ctx, job.ID))
		require.NoError(t, s.Put(ctx, second), "url is free again after ack")
	})

	t.Run("pop is partitioned by capability", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, Job("p", 1, plain)))
		require.NoError(t, s.Put(ctx, Job("h", 1, crawler.CapabilityHeadlessBrowser)))

		_, err := s.PopMin(ctx, crawler.CapabilityTLSImpersonation, Epoch)
		require.ErrorIs(t, err, crawler.ErrNoJob)
		job, err := s.PopMin(ctx, crawler.CapabilityHeadlessBrowser, Epoch)
		require.NoError(t, err)
		require.Equal(t, "h", job.ID)
	})

	t.Run("delayed jobs wait for not-before", func(t *testing.T) {
		s := newStore(t)
		delayed := Job("delayed", 1, plain)
		delayed.NotBefore = Epoch.Add(time.Minute)
		require.NoError(t, s.Put(ctx, delayed))
		require.NoError(t, s.Put(ctx, Job("ready", 50, plain)))

		job, err := s.PopMin(ctx, plain, Epoch)
		require.NoError(t, err)
		require.Equal(t, "ready", job.ID)
		_, err = s.PopMin(ctx, plain, Epoch)
		require.ErrorIs(t, err, crawler.ErrNoJob)

		job, err = s.PopMin(ctx, plain, Epoch.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, "delayed", job.ID)
	})

	t.Run("ack removes and nack requeues", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, Job("a", 1, plain)))
		job, err := s.PopMin(ctx, plain, Epoch)
		require.NoError(t, err)

		job.Attempts = 1
		job.ChainIndex = 1
		job.LastErrorCode = crawler.CodeTimeout
		job.NotBefore = Epoch.Add(time.Second)
		require.NoError(t, s.Nack(ctx, job))

		_, err = s.PopMin(ctx, plain, Epoch.Add(time.Hour))
		require.ErrorIs(t, err, crawler.ErrNoJob, "job moved to the next chain entry")
		job, err = s.PopMin(ctx, crawler.CapabilityHeadlessBrowser, Epoch.Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, 1, job.Attempts)
		require.Equal(t, crawler.CodeTimeout, job.LastErrorCode)
		require.Equal(t, crawler.CapabilityHeadlessBrowser, job.Capability())

		require.NoError(t, s.Ack(ctx, job.ID))
		n, err := s.Len(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
		require.ErrorIs(t, s.Ack(ctx, job.ID), crawler.ErrNotFound)
	})

	t.Run("dead letters are retained", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, Job("a", 1, plain)))
		job, err := s.PopMin(ctx, plain, Epoch)
		require.NoError(t, err)
		require.NoError(t, s.DeadLetter(ctx, crawler.DeadLetter{
			Job: job, Reason: crawler.ReasonStrategyExhausted, At: Epoch,
		}))

		letters, err := s.DeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, letters, 1)
		require.Equal(t, "a", letters[0].Job.ID)
		require.Equal(t, crawler.ReasonStrategyExhausted, letters[0].Reason)
		require.Equal(t, crawler.JobDeadLettered, letters[0].Job.State)
		n, err := s.Len(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("interrupt and recover", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, Job("a", 1, plain)))
		require.NoError(t, s.Put(ctx, Job("b", 2, plain)))
		_, err := s.PopMin(ctx, plain, Epoch)
		require.NoError(t, err)

		n, err := s.Interrupt(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		jobs, err := s.Recover(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 2)

		job, err := s.PopMin(ctx, plain, Epoch)
		require.NoError(t, err)
		require.Equal(t, "a", job.ID)
	})

	t.Run("concurrent pops never share a job", func(t *testing.T) {
		s := newStore(t)
		const total = 40
		for i := 0; i < total; i++ {
			require.NoError(t, s.Put(ctx, Job(string(rune('A'+i)), i, plain)))
		}
		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, err := s.PopMin(ctx, plain, Epoch)
					if err != nil {
						return
					}
					mu.Lock()
					seen[job.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Len(t, seen, total)
		for id, n := range seen {
			require.Equal(t, 1, n, id)
		}
	})
}
