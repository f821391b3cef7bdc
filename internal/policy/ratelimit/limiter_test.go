package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 RPS = 100ms interval, burst 1.
	l := New(Config{Domain: Limit{RPS: 10, Burst: 1}})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, KindDomain, "example.com"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, KindDomain, "example.com"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{Domain: Limit{RPS: 1, Burst: 1}, Credential: Limit{RPS: 1, Burst: 1}})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, KindDomain, "a.example"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, KindDomain, "b.example"))
	require.NoError(t, l.Wait(ctx, KindCredential, "a.example"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_ContextCancel(t *testing.T) {
	t.Parallel()

	l := New(Config{Credential: Limit{RPS: 0.1, Burst: 1}})
	require.NoError(t, l.Wait(context.Background(), KindCredential, "cred-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, KindCredential, "cred-1"))
}

func TestLimiter_UnlimitedAndEmptyKey(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(ctx, KindDomain, "example.com"))
		require.NoError(t, l.Wait(ctx, KindCredential, ""))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_BackoffDrainsBucket(t *testing.T) {
	t.Parallel()

	l := New(Config{Domain: Limit{RPS: 10, Burst: 5}})
	l.Backoff(KindDomain, "example.com")

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), KindDomain, "example.com"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
