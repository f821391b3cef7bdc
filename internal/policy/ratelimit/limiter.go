// Package ratelimit implements keyed token buckets that pace requests per
// domain and per credential.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/scout/internal/metrics"
)

// Bucket kinds.
const (
	KindDomain     = "domain"
	KindCredential = "credential"
)

// Limit is the rate and burst for one kind of bucket.
type Limit struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	Domain     Limit
	Credential Limit
}

// Limiter lazily creates one token bucket per (kind, key).
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limits   map[string]Limit
}

// New creates a new Limiter. A non-positive RPS disables pacing for that kind.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limits: map[string]Limit{
			KindDomain:     cfg.Domain,
			KindCredential: cfg.Credential,
		},
	}
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, kind, key string) error {
	if key == "" {
		return nil
	}
	limiter := l.bucket(kind, key)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(kind, waited)
	}
	return nil
}

// Backoff drains the bucket for key so the next Wait blocks for at least one
// refill interval. Used after an upstream 429.
func (l *Limiter) Backoff(kind, key string) {
	if key == "" {
		return
	}
	limiter := l.bucket(kind, key)
	now := time.Now()
	if n := int(limiter.TokensAt(now)); n > 0 {
		limiter.ReserveN(now, n)
	}
}

func (l *Limiter) bucket(kind, key string) *rate.Limiter {
	id := kind + "|" + key
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[id]
	if !ok {
		limit := l.limits[kind]
		r := rate.Limit(limit.RPS)
		if limit.RPS <= 0 {
			r = rate.Inf
		}
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(r, burst)
		l.limiters[id] = limiter
	}
	return limiter
}
