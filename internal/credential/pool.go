// Package credential owns the pool of quota-limited credentials and proxies
// shared by every worker.
package credential

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scout/internal/clock"
	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/metrics"
)

// Config tunes health transitions.
type Config struct {
	// Cooldown is how long a credential stays RateLimited after a 429.
	Cooldown time.Duration
	Clock    crawler.Clock
	Logger   *zap.Logger
}

type entry struct {
	used atomic.Int64

	mu   sync.Mutex
	cred crawler.Credential // QuotaUsed is mirrored from used on snapshot
}

// Pool hands out leases against credential quotas. Quota is reserved with a
// compare-and-increment so concurrent acquirers never overcommit.
type Pool struct {
	cooldown  time.Duration
	clock     crawler.Clock
	logger    *zap.Logger
	entries   map[string]*entry
	byService map[string][]*entry // sorted by ID
}

// New builds a Pool from static credential definitions.
func New(cfg Config, creds []crawler.Credential) (*Pool, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cooldown:  cfg.Cooldown,
		clock:     clk,
		logger:    logger.Named("credential"),
		entries:   make(map[string]*entry, len(creds)),
		byService: make(map[string][]*entry),
	}
	now := clk.Now()
	for _, c := range creds {
		if c.ID == "" || c.Service == "" {
			return nil, fmt.Errorf("credential requires id and service")
		}
		if _, dup := p.entries[c.ID]; dup {
			return nil, fmt.Errorf("duplicate credential %q", c.ID)
		}
		if c.QuotaLimit <= 0 {
			return nil, fmt.Errorf("credential %q: quota limit must be > 0", c.ID)
		}
		if c.Health == "" {
			c.Health = crawler.CredentialActive
		}
		if c.ResetEvery > 0 && c.ResetAt.IsZero() {
			c.ResetAt = now.Add(c.ResetEvery)
		}
		e := &entry{cred: c}
		e.used.Store(c.QuotaUsed)
		if c.QuotaUsed >= c.QuotaLimit && c.Health == crawler.CredentialActive {
			e.cred.Health = crawler.CredentialExhausted
		}
		p.entries[c.ID] = e
		p.byService[c.Service] = append(p.byService[c.Service], e)
	}
	for _, list := range p.byService {
		sort.Slice(list, func(i, j int) bool { return list[i].cred.ID < list[j].cred.ID })
	}
	return p, nil
}

// Acquire reserves one unit of quota on the Active credential for service
// with the most remaining quota, breaking ties by lowest ID. It returns
// ErrQuotaExhausted when no credential can serve.
func (p *Pool) Acquire(service string) (crawler.Lease, error) {
	now := p.clock.Now()
	type option struct {
		e         *entry
		remaining int64
	}
	var options []option
	for _, e := range p.byService[service] {
		if !e.refresh(now) {
			continue
		}
		if rem := e.remaining(); rem > 0 {
			options = append(options, option{e: e, remaining: rem})
		}
	}
	sort.SliceStable(options, func(i, j int) bool {
		return options[i].remaining > options[j].remaining
	})
	for _, o := range options {
		if o.e.reserve() {
			metrics.ObserveCredentialAcquire(service, "ok")
			return o.e.lease(), nil
		}
	}
	metrics.ObserveCredentialAcquire(service, "exhausted")
	return crawler.Lease{}, fmt.Errorf("service %q: %w", service, crawler.ErrQuotaExhausted)
}

// Report feeds the outcome of a leased request back into credential health.
func (p *Pool) Report(lease crawler.Lease, outcome crawler.CredentialOutcome) {
	e, ok := p.entries[lease.CredentialID]
	if !ok {
		return
	}
	now := p.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	switch outcome {
	case crawler.OutcomeSuccess:
		e.cred.Successes++
	case crawler.OutcomeFailure:
		e.cred.Failures++
	case crawler.OutcomeRateLimited:
		e.cred.Failures++
		if e.cred.Health != crawler.CredentialDisabled {
			e.cred.Health = crawler.CredentialRateLimited
			e.cred.CooldownUntil = now.Add(p.cooldown)
			p.logger.Info("credential rate limited",
				zap.String("credential_id", e.cred.ID),
				zap.Time("cooldown_until", e.cred.CooldownUntil))
		}
	case crawler.OutcomeQuotaRejected:
		e.cred.Failures++
		e.used.Store(e.cred.QuotaLimit)
		if e.cred.Health != crawler.CredentialDisabled {
			e.cred.Health = crawler.CredentialExhausted
			p.logger.Info("credential quota rejected upstream", zap.String("credential_id", e.cred.ID))
		}
	}
}

// Disable takes a credential out of rotation until Enable is called.
func (p *Pool) Disable(id string) error {
	return p.setDisabled(id, true)
}

// Enable returns a disabled credential to rotation.
func (p *Pool) Enable(id string) error {
	return p.setDisabled(id, false)
}

func (p *Pool) setDisabled(id string, disabled bool) error {
	e, ok := p.entries[id]
	if !ok {
		return fmt.Errorf("credential %q: %w", id, crawler.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case disabled:
		e.cred.Health = crawler.CredentialDisabled
	case e.cred.Health == crawler.CredentialDisabled:
		e.cred.Health = crawler.CredentialActive
		e.cred.CooldownUntil = time.Time{}
		if e.used.Load() >= e.cred.QuotaLimit {
			e.cred.Health = crawler.CredentialExhausted
		}
	}
	return nil
}

// Available reports whether Acquire for service could currently succeed.
// An empty service needs no credential and is always available.
func (p *Pool) Available(service string) bool {
	if service == "" {
		return true
	}
	now := p.clock.Now()
	for _, e := range p.byService[service] {
		if e.refresh(now) && e.remaining() > 0 {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of every credential ordered by ID.
func (p *Pool) Snapshot() []crawler.Credential {
	now := p.clock.Now()
	out := make([]crawler.Credential, 0, len(p.entries))
	for _, e := range p.entries {
		e.refresh(now)
		e.mu.Lock()
		c := e.cred
		e.mu.Unlock()
		c.QuotaUsed = e.used.Load()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// refresh applies time-based transitions and reports whether the credential
// is Active afterwards.
func (e *entry) refresh(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cred.ResetEvery > 0 && !now.Before(e.cred.ResetAt) {
		e.used.Store(0)
		for !now.Before(e.cred.ResetAt) {
			e.cred.ResetAt = e.cred.ResetAt.Add(e.cred.ResetEvery)
		}
		if e.cred.Health == crawler.CredentialExhausted {
			e.cred.Health = crawler.CredentialActive
		}
	}
	if e.cred.Health == crawler.CredentialRateLimited && !now.Before(e.cred.CooldownUntil) {
		e.cred.Health = crawler.CredentialActive
		e.cred.CooldownUntil = time.Time{}
	}
	if e.cred.Health == crawler.CredentialActive && e.used.Load() >= e.cred.QuotaLimit {
		e.cred.Health = crawler.CredentialExhausted
	}
	return e.cred.Health == crawler.CredentialActive
}

func (e *entry) remaining() int64 {
	if rem := e.cred.QuotaLimit - e.used.Load(); rem > 0 {
		return rem
	}
	return 0
}

// reserve increments the used counter unless the credential is no longer
// Active or the increment would pass the limit. Health is re-read under the
// lock because Disable or Report may have run since refresh.
func (e *entry) reserve() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cred.Health != crawler.CredentialActive {
		return false
	}
	for {
		used := e.used.Load()
		if used >= e.cred.QuotaLimit {
			return false
		}
		if e.used.CompareAndSwap(used, used+1) {
			if used+1 == e.cred.QuotaLimit {
				e.cred.Health = crawler.CredentialExhausted
			}
			return true
		}
	}
}

func (e *entry) lease() crawler.Lease {
	e.mu.Lock()
	defer e.mu.Unlock()
	return crawler.Lease{
		CredentialID: e.cred.ID,
		Service:      e.cred.Service,
		Secret:       e.cred.Secret,
		ProxyURL:     e.cred.ProxyURL,
	}
}
