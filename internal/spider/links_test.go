package spider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/scout/internal/fetcher/colly"
	"github.com/JakeFAU/scout/internal/policy/ratelimit"
)

const page = `<html><head><base href="https://mirror.example/docs/"></head><body>
<a href="release.html">CPI  release
</a>
<a href="https://stats.example.gov/cpi#table">Table</a>
<a href="https://stats.example.gov/cpi">Duplicate</a>
<a href="mailto:press@example.com">Press</a>
<a href="https://ads.example/" rel="nofollow sponsored">Ad</a>
<a href="/img" title="Chart archive"></a>
</body></html>`

func TestExtractLinks(t *testing.T) {
	t.Parallel()

	links, err := ExtractLinks("https://origin.example/page", []byte(page))
	require.NoError(t, err)
	require.Equal(t, []Link{
		{URL: "https://mirror.example/docs/release.html", Text: "CPI release"},
		{URL: "https://stats.example.gov/cpi", Text: "Table"},
		{URL: "https://mirror.example/img", Text: "Chart archive"},
	}, links)
}

func TestPageLinksFetchesThroughFetcher(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="/next">next</a><a href="https://far.example/x">far</a>`))
	}))
	defer server.Close()

	source := NewPageLinks(collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), time.Second)

	links, err := source.Links(context.Background(), server.URL+"/start")
	require.NoError(t, err)
	require.Len(t, links, 2)
	require.Equal(t, server.URL+"/next", links[0].URL)
	require.Equal(t, "https://far.example/x", links[1].URL)

	_, err = source.Links(context.Background(), server.URL+"/missing")
	require.Error(t, err)
}

type domainWaiter struct {
	mu   sync.Mutex
	keys []string
}

func (w *domainWaiter) Wait(_ context.Context, kind, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys = append(w.keys, kind+":"+key)
	return nil
}

func TestPageLinksPacedPerDomain(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="/next">next</a>`))
	}))
	defer server.Close()

	waiter := &domainWaiter{}
	fetcher := ratelimit.NewFetcher(collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), waiter)
	source := NewPageLinks(fetcher, time.Second)

	for _, path := range []string{"/a", "/b"} {
		_, err := source.Links(context.Background(), server.URL+path)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"domain:127.0.0.1", "domain:127.0.0.1"}, waiter.keys)
}
