package scheduler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes retry delays as min(base*2^attempt + jitter, cap) with
// jitter drawn uniformly from [0, base).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Jitter returns a value in [0, limit). Nil uses crypto/rand.
	Jitter func(limit time.Duration) time.Duration
}

// Delay returns the wait before retry number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if b.Base <= 0 {
		return 0
	}
	limit := b.Cap
	if limit < b.Base {
		limit = b.Base
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt))
	delay += float64(b.jitter(b.Base))
	if delay > float64(limit) {
		return limit
	}
	return time.Duration(delay)
}

func (b Backoff) jitter(limit time.Duration) time.Duration {
	if b.Jitter != nil {
		return b.Jitter(limit)
	}
	return randomJitter(limit)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
