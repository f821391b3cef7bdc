package spider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scout/internal/crawler"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("c%03d", s.n.Add(1)), nil
}

// treeLinks gives every page `fanout` links to fresh domains, all mentioning
// the topic.
type treeLinks struct {
	fanout int
	calls  atomic.Int64
	mu     sync.Mutex
	next   int
	fail   map[string]bool
}

func (t *treeLinks) Links(_ context.Context, pageURL string) ([]Link, error) {
	t.calls.Add(1)
	if t.fail[pageURL] {
		return nil, errors.New("unreachable")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	links := make([]Link, 0, t.fanout)
	for range t.fanout {
		t.next++
		links = append(links, Link{URL: fmt.Sprintf("https://site%d.example/cpi", t.next), Text: "cpi data"})
	}
	return links, nil
}

type mapLinks map[string][]Link

func (m mapLinks) Links(_ context.Context, pageURL string) ([]Link, error) {
	return m[pageURL], nil
}

// stubScorer scores 90 unless the text contains "spam".
type stubScorer struct {
	mu     sync.Mutex
	scored int
}

func (s *stubScorer) ScoreBatch(_ context.Context, _ string, cs []crawler.Candidate) []int {
	s.mu.Lock()
	s.scored += len(cs)
	s.mu.Unlock()
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = 90
		if strings.Contains(c.Text(), "spam") {
			out[i] = 10
		}
	}
	return out
}

func (s *stubScorer) Admit(score int) bool { return score >= 70 }

type edgeLog struct {
	mu    sync.Mutex
	edges []string
}

func (e *edgeLog) RecordEdge(_ context.Context, from, to string, depth int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edges = append(e.edges, fmt.Sprintf("%s->%s@%d", from, to, depth))
	return nil
}

func seed(url string) crawler.Candidate {
	return crawler.Candidate{ID: "seed", URL: url, Depth: 0}
}

func TestExpandRespectsGlobalCap(t *testing.T) {
	t.Parallel()

	links := &treeLinks{fanout: 5}
	edges := &edgeLog{}
	exp, err := New(Config{MaxDepth: 2, MaxTotal: 20, MaxFanout: 5, IDs: &seqIDs{}, Edges: edges}, links, &stubScorer{})
	require.NoError(t, err)

	var emitted []crawler.Candidate
	stats, err := exp.Expand(context.Background(), "cpi", []crawler.Candidate{seed("https://root.example/")}, func(c crawler.Candidate) {
		emitted = append(emitted, c)
	})
	require.NoError(t, err)
	require.True(t, stats.Halted)
	require.Len(t, emitted, 19, "seed plus discoveries never exceed the cap")
	require.Equal(t, 19, stats.Discovered)
	require.Equal(t, 2, stats.DepthReached)
	require.Len(t, edges.edges, 19)
	// The seed plus three depth-1 pages fill the cap; the rest are never fetched.
	require.EqualValues(t, 4, links.calls.Load())
	for _, c := range emitted {
		require.LessOrEqual(t, c.Depth, 2)
		require.True(t, c.Scored())
		require.Equal(t, crawler.CandidateScored, c.State)
	}
}

func TestExpandStopsAtDepth(t *testing.T) {
	t.Parallel()

	links := &treeLinks{fanout: 2}
	exp, err := New(Config{MaxDepth: 2, MaxTotal: 100, MaxFanout: 5, IDs: &seqIDs{}, Concurrency: 4}, links, &stubScorer{})
	require.NoError(t, err)

	var count int
	stats, err := exp.Expand(context.Background(), "cpi", []crawler.Candidate{seed("https://root.example/")}, func(crawler.Candidate) { count++ })
	require.NoError(t, err)
	require.False(t, stats.Halted)
	require.Equal(t, 6, count)
	require.EqualValues(t, 3, links.calls.Load(), "depth-2 pages are not expanded")
}

func TestExpandFiltersLinks(t *testing.T) {
	t.Parallel()

	links := mapLinks{
		"https://root.example/": {
			{URL: "https://root.example/about", Text: "cpi about"},
			{URL: "https://sub.root.example/cpi", Text: "cpi"},
			{URL: "https://other.example/garden", Text: "gardening tips"},
			{URL: "https://spam.example/cpi", Text: "cpi spam"},
			{URL: "https://good.example/cpi-release", Text: "release"},
			{URL: "https://good.example/cpi-release#top", Text: "again"},
			{URL: "mailto:someone@example.com", Text: "cpi"},
		},
	}
	scorer := &stubScorer{}
	exp, err := New(Config{MaxDepth: 1, MaxTotal: 10, MaxFanout: 5, IDs: &seqIDs{}}, links, scorer)
	require.NoError(t, err)

	var emitted []string
	stats, err := exp.Expand(context.Background(), "cpi", []crawler.Candidate{seed("https://root.example/")}, func(c crawler.Candidate) {
		emitted = append(emitted, c.URL)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"https://good.example/cpi-release"}, emitted)
	require.Equal(t, 1, stats.Filtered)
	require.Equal(t, 1, stats.Rejected)
	require.Equal(t, 2, scorer.scored, "the pre-filter keeps unrelated links away from the scorer")
}

func TestExpandFanoutAndSeen(t *testing.T) {
	t.Parallel()

	var page []Link
	for i := range 8 {
		page = append(page, Link{URL: fmt.Sprintf("https://n%d.example/cpi", i), Text: "cpi"})
	}
	seen := &seenSet{urls: map[string]bool{"https://n0.example/cpi": true}}
	exp, err := New(Config{MaxDepth: 1, MaxTotal: 50, MaxFanout: 3, IDs: &seqIDs{}, Seen: seen},
		mapLinks{"https://root.example/": page}, &stubScorer{})
	require.NoError(t, err)

	var emitted []string
	_, err = exp.Expand(context.Background(), "cpi", []crawler.Candidate{seed("https://root.example/")}, func(c crawler.Candidate) {
		emitted = append(emitted, c.URL)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"https://n1.example/cpi", "https://n2.example/cpi", "https://n3.example/cpi"}, emitted)
}

type seenSet struct {
	mu   sync.Mutex
	urls map[string]bool
}

func (s *seenSet) SeenURL(_ context.Context, u, _ string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.urls[u] {
		return "earlier", true
	}
	s.urls[u] = true
	return "", false
}

func TestExpandCountsFetchErrorsAndCancels(t *testing.T) {
	t.Parallel()

	links := &treeLinks{fanout: 1, fail: map[string]bool{"https://root.example/": true}}
	exp, err := New(Config{MaxDepth: 2, MaxTotal: 10, MaxFanout: 1, IDs: &seqIDs{}}, links, &stubScorer{})
	require.NoError(t, err)
	stats, err := exp.Expand(context.Background(), "cpi", []crawler.Candidate{seed("https://root.example/")}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.FetchErrors)
	require.Zero(t, stats.Discovered)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exp.Expand(ctx, "cpi", []crawler.Candidate{seed("https://other.example/")}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxTotal: 1, MaxFanout: 1, IDs: &seqIDs{}}, nil, &stubScorer{})
	require.Error(t, err)
	_, err = New(Config{MaxTotal: 0, MaxFanout: 1, IDs: &seqIDs{}}, mapLinks{}, &stubScorer{})
	require.Error(t, err)
	_, err = New(Config{MaxTotal: 1, MaxFanout: 1}, mapLinks{}, &stubScorer{})
	require.Error(t, err)
}
