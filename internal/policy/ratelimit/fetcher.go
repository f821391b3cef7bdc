package ratelimit

import (
	"context"

	"github.com/JakeFAU/scout/internal/crawler"
)

// Waiter is the part of Limiter a paced fetcher needs.
type Waiter interface {
	Wait(ctx context.Context, kind, key string) error
}

// Fetcher paces every request of the wrapped fetcher through the domain
// buckets it shares with the worker pools.
type Fetcher struct {
	next    crawler.Fetcher
	limiter Waiter
}

// NewFetcher wraps next. A nil limiter leaves requests unpaced.
func NewFetcher(next crawler.Fetcher, limiter Waiter) *Fetcher {
	return &Fetcher{next: next, limiter: limiter}
}

// Fetch waits for a token on the request's domain, then delegates.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, KindDomain, crawler.Domain(req.URL)); err != nil {
			return crawler.FetchResponse{}, err
		}
	}
	return f.next.Fetch(ctx, req)
}
