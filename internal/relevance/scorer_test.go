package relevance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scout/internal/crawler"
)

// fixedOracle scores by looking up the text, recording every batch it sees.
type fixedOracle struct {
	mu      sync.Mutex
	scores  map[string]int
	batches [][]string
	err     error
	short   bool
}

func (f *fixedOracle) Score(ctx context.Context, query, text string) (int, error) {
	out, err := f.ScoreBatch(ctx, query, []string{text})
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

func (f *fixedOracle) ScoreBatch(_ context.Context, _ string, texts []string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	if f.err != nil {
		return nil, f.err
	}
	out := make([]int, 0, len(texts))
	for _, t := range texts {
		out = append(out, f.scores[t])
	}
	if f.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (f *fixedOracle) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func cand(title string) crawler.Candidate {
	return crawler.Candidate{Title: title}
}

func TestScoreBatchChunksAndCaches(t *testing.T) {
	t.Parallel()

	oracle := &fixedOracle{scores: map[string]int{"a": 90, "b": 40, "c": 75}}
	scorer, err := New(Config{Threshold: DefaultThreshold, BatchSize: 2}, oracle)
	require.NoError(t, err)

	scores := scorer.ScoreBatch(context.Background(), "q", []crawler.Candidate{cand("a"), cand("b"), cand("c")})
	require.Equal(t, []int{90, 40, 75}, scores)
	require.Equal(t, 2, oracle.calls())
	require.Len(t, oracle.batches[0], 2)
	require.Len(t, oracle.batches[1], 1)

	// Identical pairs are served from the cache.
	require.Equal(t, 90, scorer.Score(context.Background(), "q", cand("a")))
	require.Equal(t, 2, oracle.calls())

	// A different query is a different key.
	scorer.Score(context.Background(), "other", cand("a"))
	require.Equal(t, 3, oracle.calls())
}

func TestAdmitUsesThreshold(t *testing.T) {
	t.Parallel()

	scorer, err := New(Config{Threshold: 70}, nil)
	require.NoError(t, err)
	require.True(t, scorer.Admit(70))
	require.False(t, scorer.Admit(69))
	require.Equal(t, 70, scorer.Threshold())

	_, err = New(Config{Threshold: 101}, nil)
	require.Error(t, err)
}

func TestFallbackOnOracleFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		oracle *fixedOracle
	}{
		{name: "error", oracle: &fixedOracle{err: errors.New("connection refused")}},
		{name: "length mismatch", oracle: &fixedOracle{scores: map[string]int{}, short: true}},
		{name: "out of range", oracle: &fixedOracle{scores: map[string]int{"consumer price index": 250}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			scorer, err := New(Config{Threshold: 70}, tt.oracle)
			require.NoError(t, err)
			got := scorer.Score(context.Background(), "consumer price index", cand("consumer price index"))
			require.Equal(t, 100, got)
		})
	}
}

type slowOracle struct{}

func (slowOracle) Score(ctx context.Context, _, _ string) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (slowOracle) ScoreBatch(ctx context.Context, _ string, _ []string) ([]int, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFallbackOnTimeout(t *testing.T) {
	t.Parallel()

	scorer, err := New(Config{Threshold: 70, Timeout: 10 * time.Millisecond}, slowOracle{})
	require.NoError(t, err)
	got := scorer.Score(context.Background(), "inflation data", cand("monthly inflation data release"))
	require.Equal(t, 100, got)
}

func TestHeuristicOverlap(t *testing.T) {
	t.Parallel()

	h := Heuristic{}
	score, err := h.Score(context.Background(), "consumer price index", "Consumer Price trends")
	require.NoError(t, err)
	require.Equal(t, 67, score)

	score, err = h.Score(context.Background(), "the of and", "anything")
	require.NoError(t, err)
	require.Zero(t, score)

	require.Equal(t, []string{"bls", "gov", "cpi"}, Tokens("https://www.bls.gov/cpi/"))
}
