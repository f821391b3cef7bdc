// Package collyfetcher implements the plain-http and managed-proxy
// capabilities, and the classifier probe, on top of gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scout/internal/crawler"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxBody   = 10 << 20
	probeMaxBody     = 64 << 10
	defaultUserAgent = "scout/1.0 (+https://github.com/JakeFAU/scout)"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg        Config
	capability crawler.Capability
	transport  http.RoundTripper
	// viaProxy routes every request through the leased credential's proxy.
	viaProxy   bool

	mu      sync.Mutex
	proxies map[string]http.RoundTripper
}

// New builds the plain-http Fetcher.
func New(cfg Config) *Fetcher {
	return newFetcher(cfg, crawler.CapabilityPlainHTTP, false)
}

// NewManagedProxy builds a Fetcher that sends each request through the proxy
// URL carried by its credential lease.
func NewManagedProxy(cfg Config) *Fetcher {
	return newFetcher(cfg, crawler.CapabilityManagedProxy, true)
}

func newFetcher(cfg Config, capability crawler.Capability, viaProxy bool) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	var transport http.RoundTripper = newHTTPTransport(http.ProxyFromEnvironment)
	if cfg.RespectRobots {
		transport = &robotsRetryTransport{base: transport, backoff: robotsRetryBackoff}
	}
	return &Fetcher{
		cfg:        cfg,
		capability: capability,
		transport:  transport,
		viaProxy:   viaProxy,
		proxies:    make(map[string]http.RoundTripper),
	}
}

// Fetch executes a single GET. Non-2xx responses are returned, not treated
// as errors, so callers can classify them.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	transport, err := f.transportFor(request.Lease)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	var (
		result   crawler.FetchResponse
		fetchErr error
		got      bool
	)
	start := time.Now()
	collector := f.newCollector(transport, request.Probe)
	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		got = true
		result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			Capability: f.capability,
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil && r.StatusCode > 0 && !got {
			result.StatusCode = r.StatusCode
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()
	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return crawler.FetchResponse{}, crawler.NewPermanent(crawler.CodeBlocked, 0, err)
		}
		if err == nil {
			err = fetchErr
		}
		if err != nil && !got {
			return result, fmt.Errorf("colly visit %s: %w", request.URL, err)
		}
		return result, nil
	}
}

func (f *Fetcher) newCollector(transport http.RoundTripper, probe bool) *colly.Collector {
	maxBody := f.cfg.MaxBodyBytes
	if probe {
		maxBody = probeMaxBody
	}
	c := colly.NewCollector(
		colly.UserAgent(f.cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(maxBody),
	)
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	c.SetRequestTimeout(f.cfg.Timeout)
	c.WithTransport(transport)
	return c
}

func (f *Fetcher) transportFor(lease *crawler.Lease) (http.RoundTripper, error) {
	if !f.viaProxy {
		return f.transport, nil
	}
	if lease == nil || lease.ProxyURL == "" {
		return nil, crawler.NewTransient(crawler.CodeNoCredential, 0, errors.New("managed proxy requires a leased proxy url"))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.proxies[lease.ProxyURL]; ok {
		return t, nil
	}
	proxyURL, err := url.Parse(lease.ProxyURL)
	if err != nil {
		return nil, crawler.NewPermanent(crawler.CodeNoCredential, 0, fmt.Errorf("credential %s: parse proxy url: %w", lease.CredentialID, err))
	}
	t := newHTTPTransport(http.ProxyURL(proxyURL))
	f.proxies[lease.ProxyURL] = t
	return t, nil
}

func newHTTPTransport(proxy func(*http.Request) (*url.URL, error)) *http.Transport {
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
