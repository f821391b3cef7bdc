// Package impersonate implements the tls-impersonation capability: requests
// carry a mainstream browser's TLS and HTTP/2 fingerprint and header order.
package impersonate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/imroc/req/v3"

	"github.com/JakeFAU/scout/internal/crawler"
)

// Config controls the impersonating client.
type Config struct {
	Timeout      time.Duration
	MaxRedirects int
}

// Fetcher implements crawler.Fetcher with a Chrome-fingerprinted client.
type Fetcher struct {
	base *req.Client

	mu      sync.Mutex
	proxied map[string]*req.Client
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	client := req.C().
		ImpersonateChrome().
		SetTimeout(cfg.Timeout).
		SetRedirectPolicy(req.MaxRedirectPolicy(cfg.MaxRedirects))
	return &Fetcher{base: client, proxied: make(map[string]*req.Client)}
}

// Fetch performs one GET. Non-2xx responses are returned without error.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	client := f.clientFor(request.Lease)
	start := time.Now()
	r := client.R().SetContext(ctx)
	for key, values := range request.Headers {
		for _, v := range values {
			r.SetHeader(key, v)
		}
	}
	resp, err := r.Get(request.URL)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("impersonated get %s: %w", request.URL, err)
	}
	body, err := resp.ToBytes()
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("read body %s: %w", request.URL, err)
	}
	finalURL := request.URL
	if resp.Response != nil && resp.Response.Request != nil && resp.Response.Request.URL != nil {
		finalURL = resp.Response.Request.URL.String()
	}
	return crawler.FetchResponse{
		URL:        finalURL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		Duration:   time.Since(start),
		Capability: crawler.CapabilityTLSImpersonation,
	}, nil
}

func (f *Fetcher) clientFor(lease *crawler.Lease) *req.Client {
	if lease == nil || lease.ProxyURL == "" {
		return f.base
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.proxied[lease.ProxyURL]; ok {
		return c
	}
	c := f.base.Clone().SetProxyURL(lease.ProxyURL)
	f.proxied[lease.ProxyURL] = c
	return c
}
