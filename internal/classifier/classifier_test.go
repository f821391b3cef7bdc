package classifier

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scout/internal/clock"
	"github.com/JakeFAU/scout/internal/crawler"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeProber struct {
	calls atomic.Int32
	gate  chan struct{}
	resp  crawler.FetchResponse
	err   error
}

func (f *fakeProber) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.calls.Add(1)
	if !req.Probe {
		return crawler.FetchResponse{}, errors.New("expected probe request")
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return crawler.FetchResponse{}, ctx.Err()
		}
	}
	return f.resp, f.err
}

func newClassifier(t *testing.T, prober crawler.Fetcher, clk crawler.Clock, mutate func(*Config)) *Classifier {
	t.Helper()
	cfg := Config{TTL: time.Hour, ProbeTimeout: time.Second, FailureThreshold: 2, Clock: clk}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, prober)
	require.NoError(t, err)
	return c
}

func TestClassifyMapsCategoryToChain(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{resp: crawler.FetchResponse{StatusCode: http.StatusTooManyRequests}}
	c := newClassifier(t, prober, clock.NewManual(epoch), nil)

	class, err := c.Classify(context.Background(), "https://shop.example.com/item/1")
	require.NoError(t, err)
	require.Equal(t, "shop.example.com", class.Domain)
	require.Equal(t, crawler.ProtectionRateLimited, class.Category)
	require.Equal(t, crawler.DefaultChainTable().Chain(crawler.ProtectionRateLimited), class.Chain)
	require.Contains(t, class.Signals, "status_429")
	require.Equal(t, epoch, class.ClassifiedAt)
}

func TestClassifyCachesUntilTTL(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	prober := &fakeProber{resp: crawler.FetchResponse{StatusCode: 200, Body: []byte("<html><p>hello world</p></html>" + string(make([]byte, 4096)))}}
	c := newClassifier(t, prober, clk, nil)
	ctx := context.Background()

	_, err := c.Classify(ctx, "https://a.example/x")
	require.NoError(t, err)
	_, err = c.Classify(ctx, "https://a.example/y")
	require.NoError(t, err)
	require.Equal(t, int32(1), prober.calls.Load())

	clk.Advance(time.Hour)
	require.Equal(t, StateStale, c.States()[0].State)
	_, err = c.Classify(ctx, "https://a.example/z")
	require.NoError(t, err)
	require.Equal(t, int32(2), prober.calls.Load())
}

func TestConcurrentCallersShareOneProbe(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{gate: make(chan struct{}), resp: crawler.FetchResponse{StatusCode: http.StatusForbidden}}
	c := newClassifier(t, prober, clock.NewManual(epoch), nil)

	var wg sync.WaitGroup
	results := make([]crawler.Classification, 16)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Classify(context.Background(), "https://guarded.example/")
		}(i)
	}
	require.Eventually(t, func() bool { return prober.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(prober.gate)
	wg.Wait()

	require.Equal(t, int32(1), prober.calls.Load())
	for i, class := range results {
		require.NoError(t, errs[i])
		require.Equal(t, crawler.ProtectionUnknown, class.Category)
	}
}

func TestProbeErrorResolvesToUnknown(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{err: errors.New("connection reset")}
	c := newClassifier(t, prober, clock.NewManual(epoch), nil)

	class, err := c.Classify(context.Background(), "https://down.example/")
	require.ErrorIs(t, err, crawler.ErrProbe)
	require.Equal(t, crawler.ProtectionUnknown, class.Category)
	require.Equal(t, crawler.DefaultChainTable().Chain(crawler.ProtectionUnknown), class.Chain)
	require.Equal(t, StateClassified, c.States()[0].State)
}

func TestProbeErrorExpiresEarly(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	prober := &fakeProber{err: errors.New("connection reset")}
	c := newClassifier(t, prober, clk, func(cfg *Config) { cfg.ErrorTTL = time.Minute })
	ctx := context.Background()

	class, err := c.Classify(ctx, "https://flaky.example/")
	require.ErrorIs(t, err, crawler.ErrProbe)
	require.Equal(t, time.Minute, class.TTL)

	clk.Advance(30 * time.Second)
	_, err = c.Classify(ctx, "https://flaky.example/")
	require.NoError(t, err)
	require.Equal(t, int32(1), prober.calls.Load())

	// The blip is over: the next probe after the short window succeeds and
	// gets the full TTL.
	clk.Advance(time.Minute)
	prober.err = nil
	prober.resp = crawler.FetchResponse{StatusCode: http.StatusTooManyRequests}
	class, err = c.Classify(ctx, "https://flaky.example/")
	require.NoError(t, err)
	require.Equal(t, int32(2), prober.calls.Load())
	require.Equal(t, crawler.ProtectionRateLimited, class.Category)
	require.Equal(t, time.Hour, class.TTL)
}

func TestErrorTTLDefaultsFromProbeTimeout(t *testing.T) {
	t.Parallel()

	c := newClassifier(t, &fakeProber{}, clock.NewManual(epoch), nil)
	require.Equal(t, 6*time.Second, c.cfg.ErrorTTL)

	short := newClassifier(t, &fakeProber{}, clock.NewManual(epoch), func(cfg *Config) {
		cfg.TTL = 2 * time.Second
	})
	require.Equal(t, 2*time.Second, short.cfg.ErrorTTL)
}

func TestCanceledProbeIsNotCached(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{gate: make(chan struct{})}
	c := newClassifier(t, prober, clock.NewManual(epoch), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Classify(ctx, "https://slow.example/")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateUnprobed, c.States()[0].State)
}

func TestFailuresForceStale(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{resp: crawler.FetchResponse{StatusCode: 200, Body: []byte("<div id=\"root\"></div>")}}
	c := newClassifier(t, prober, clock.NewManual(epoch), nil)
	ctx := context.Background()

	class, err := c.Classify(ctx, "https://spa.example/")
	require.NoError(t, err)
	require.Equal(t, crawler.ProtectionJavaScriptRequired, class.Category)

	c.RecordFailure("spa.example")
	c.RecordSuccess("spa.example")
	c.RecordFailure("spa.example")
	require.Equal(t, StateClassified, c.States()[0].State)

	c.RecordFailure("spa.example")
	require.Equal(t, StateStale, c.States()[0].State)

	_, err = c.Classify(ctx, "https://spa.example/")
	require.NoError(t, err)
	require.Equal(t, int32(2), prober.calls.Load())
}

func TestRulesAreReplaceable(t *testing.T) {
	t.Parallel()

	var seen []crawler.Classification
	prober := &fakeProber{resp: crawler.FetchResponse{StatusCode: 200}}
	c := newClassifier(t, prober, clock.NewManual(epoch), func(cfg *Config) {
		cfg.Rules = []Rule{{
			Name: "always", Category: crawler.ProtectionCaptchaRequired, Confidence: 1,
			Match: func(crawler.FetchResponse) bool { return true },
		}}
		cfg.OnClassified = func(class crawler.Classification) { seen = append(seen, class) }
	})

	class, err := c.Classify(context.Background(), "https://any.example/")
	require.NoError(t, err)
	require.Equal(t, crawler.ProtectionCaptchaRequired, class.Category)
	require.Equal(t, []string{"always"}, class.Signals)
	require.Len(t, seen, 1)
}

func TestNewRejectsBadChainTable(t *testing.T) {
	t.Parallel()

	_, err := New(Config{TTL: time.Hour, Chains: crawler.ChainTable{
		crawler.ProtectionNone: {"teleport"},
	}}, &fakeProber{})
	require.Error(t, err)
}
