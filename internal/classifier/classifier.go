// Package classifier probes target domains and maps what it sees to a
// protection category and its capability chain.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scout/internal/clock"
	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/metrics"
)

// State is the per-domain lifecycle state.
type State string

// Domain states.
const (
	StateUnprobed   State = "unprobed"
	StateProbing    State = "probing"
	StateClassified State = "classified"
	StateStale      State = "stale"
)

// Config tunes the classifier.
type Config struct {
	TTL          time.Duration
	ProbeTimeout time.Duration
	// ErrorTTL bounds how long a failed probe's Unknown verdict is reused.
	// Zero means six probe timeouts, never more than TTL.
	ErrorTTL time.Duration
	// FailureThreshold consecutive retrieval failures force a domain stale.
	FailureThreshold int
	Chains           crawler.ChainTable
	Rules            []Rule
	Clock            crawler.Clock
	Logger           *zap.Logger
	// OnClassified, when set, is called after every completed probe.
	OnClassified func(crawler.Classification)
}

// DomainState is a read-only view for the admin API.
type DomainState struct {
	Domain         string                  `json:"domain"`
	State          State                   `json:"state"`
	Failures       int                     `json:"failures"`
	Classification *crawler.Classification `json:"classification,omitempty"`
}

type domain struct {
	state    State
	class    crawler.Classification
	done     chan struct{}
	failures int
}

// Classifier owns every domain's classification. Concurrent callers for one
// domain share a single probe.
type Classifier struct {
	cfg    Config
	prober crawler.Fetcher
	clock  crawler.Clock
	logger *zap.Logger

	mu      sync.Mutex
	domains map[string]*domain
}

// New builds a Classifier that probes with prober.
func New(cfg Config, prober crawler.Fetcher) (*Classifier, error) {
	if prober == nil {
		return nil, fmt.Errorf("classifier requires a prober")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("classifier ttl must be > 0")
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.ErrorTTL <= 0 {
		cfg.ErrorTTL = 6 * cfg.ProbeTimeout
	}
	if cfg.ErrorTTL > cfg.TTL {
		cfg.ErrorTTL = cfg.TTL
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Chains == nil {
		cfg.Chains = crawler.DefaultChainTable()
	}
	if err := cfg.Chains.Validate(); err != nil {
		return nil, fmt.Errorf("chain table: %w", err)
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		cfg:     cfg,
		prober:  prober,
		clock:   clk,
		logger:  logger.Named("classifier"),
		domains: make(map[string]*domain),
	}, nil
}

// Classify returns the domain's classification, probing when the domain is
// unprobed or stale. On probe failure the returned classification is
// Unknown and usable; the error wraps crawler.ErrProbe.
func (c *Classifier) Classify(ctx context.Context, rawURL string) (crawler.Classification, error) {
	host := crawler.Domain(rawURL)

	c.mu.Lock()
	d, ok := c.domains[host]
	if !ok {
		d = &domain{state: StateUnprobed}
		c.domains[host] = d
	}
	for {
		if d.state == StateClassified && !d.class.Stale(c.clock.Now()) {
			class := cloneClassification(d.class)
			c.mu.Unlock()
			return class, nil
		}
		if d.state != StateProbing {
			break
		}
		wait := d.done
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return crawler.Classification{}, fmt.Errorf("wait for probe of %s: %w", host, ctx.Err())
		case <-wait:
		}
		c.mu.Lock()
	}
	previous := d.state
	d.state = StateProbing
	d.done = make(chan struct{})
	c.mu.Unlock()

	class, probeErr := c.probe(ctx, host, rawURL)

	c.mu.Lock()
	if ctx.Err() != nil {
		// The caller gave up; let the next caller probe again.
		d.state = previous
		close(d.done)
		c.mu.Unlock()
		return crawler.Classification{}, fmt.Errorf("probe %s: %w", host, ctx.Err())
	}
	d.state = StateClassified
	d.class = class
	d.failures = 0
	close(d.done)
	c.mu.Unlock()

	metrics.ObserveClassification(string(class.Category))
	if c.cfg.OnClassified != nil {
		c.cfg.OnClassified(cloneClassification(class))
	}
	return cloneClassification(class), probeErr
}

func (c *Classifier) probe(ctx context.Context, host, rawURL string) (crawler.Classification, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	class := crawler.Classification{
		Domain:       host,
		ClassifiedAt: c.clock.Now(),
		TTL:          c.cfg.TTL,
	}
	resp, err := c.prober.Fetch(probeCtx, crawler.FetchRequest{URL: rawURL, Probe: true})
	if err != nil && resp.StatusCode == 0 {
		class.Category = crawler.ProtectionUnknown
		class.Confidence = 0
		class.Signals = []string{"probe_error"}
		class.TTL = c.cfg.ErrorTTL
		class.Chain = c.cfg.Chains.Chain(crawler.ProtectionUnknown)
		if !errors.Is(ctx.Err(), context.Canceled) {
			c.logger.Warn("probe failed", zap.String("domain", host), zap.Error(err))
		}
		return class, fmt.Errorf("%w: %s: %v", crawler.ErrProbe, host, err)
	}
	v := Evaluate(c.cfg.Rules, resp)
	class.Category = v.Category
	class.Confidence = v.Confidence
	class.Signals = v.Signals
	class.Chain = c.cfg.Chains.Chain(v.Category)
	c.logger.Debug("domain classified",
		zap.String("domain", host),
		zap.String("category", string(v.Category)),
		zap.Strings("signals", v.Signals))
	return class, nil
}

// RecordFailure counts a retrieval failure against the domain. Reaching the
// threshold forces the domain stale so the next Classify re-probes.
func (c *Classifier) RecordFailure(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.domains[host]
	if !ok {
		return
	}
	d.failures++
	if d.failures >= c.cfg.FailureThreshold && d.state == StateClassified {
		d.state = StateStale
		d.failures = 0
		c.logger.Info("classification invalidated by failures", zap.String("domain", host))
	}
}

// RecordSuccess resets the domain's failure counter.
func (c *Classifier) RecordSuccess(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.domains[host]; ok {
		d.failures = 0
	}
}

// States lists every known domain ordered by name.
func (c *Classifier) States() []DomainState {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DomainState, 0, len(c.domains))
	for host, d := range c.domains {
		ds := DomainState{Domain: host, State: d.state, Failures: d.failures}
		if d.state == StateClassified && d.class.Stale(now) {
			ds.State = StateStale
		}
		if d.state == StateClassified || d.state == StateStale {
			class := cloneClassification(d.class)
			ds.Classification = &class
		}
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func cloneClassification(c crawler.Classification) crawler.Classification {
	c.Chain = append([]crawler.Capability(nil), c.Chain...)
	c.Signals = append([]string(nil), c.Signals...)
	return c
}
