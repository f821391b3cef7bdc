// Package strategy orders a domain's capability chain by observed success.
package strategy

import (
	"sort"
	"sync"

	"github.com/JakeFAU/scout/internal/crawler"
)

// NeutralPrior is the success rate assumed for an unseen (domain, capability).
const NeutralPrior = 0.5

// DefaultAlpha weights the newest outcome in the moving average.
const DefaultAlpha = 0.3

// History maps a capability to its EMA success rate on one domain.
type History map[crawler.Capability]float64

// Rate returns the recorded rate or the neutral prior.
func (h History) Rate(c crawler.Capability) float64 {
	if r, ok := h[c]; ok {
		return r
	}
	return NeutralPrior
}

// Select returns the classification's chain stable-sorted by descending
// success rate, without capabilities that are not available. It never
// mutates class.
func Select(class crawler.Classification, available func(crawler.Capability) bool, history History) []crawler.Capability {
	out := make([]crawler.Capability, 0, len(class.Chain))
	for _, c := range class.Chain {
		if available != nil && !available(c) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return history.Rate(out[i]) > history.Rate(out[j])
	})
	return out
}

// CredentialChecker reports whether a credential service can serve a lease.
type CredentialChecker interface {
	Available(service string) bool
}

// Availability builds the availability predicate for Select: a capability is
// available when it has a registered spec and, if it requires a credential,
// its service has a healthy credential.
func Availability(specs map[crawler.Capability]crawler.CapabilitySpec, creds CredentialChecker) func(crawler.Capability) bool {
	return func(c crawler.Capability) bool {
		spec, ok := specs[c]
		if !ok {
			return false
		}
		if !spec.CredentialRequired || creds == nil {
			return true
		}
		return creds.Available(spec.CredentialService)
	}
}

// Tracker records per-(domain, capability) outcomes as an exponential
// moving average. It is safe for concurrent use.
type Tracker struct {
	alpha float64

	mu    sync.RWMutex
	rates map[string]History
}

// NewTracker returns a Tracker. Alpha outside (0, 1] falls back to DefaultAlpha.
func NewTracker(alpha float64) *Tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Tracker{alpha: alpha, rates: make(map[string]History)}
}

// Record folds one outcome into the average.
func (t *Tracker) Record(domain string, c crawler.Capability, success bool) {
	x := 0.0
	if success {
		x = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.rates[domain]
	if !ok {
		h = make(History)
		t.rates[domain] = h
	}
	h[c] = t.alpha*x + (1-t.alpha)*h.Rate(c)
}

// History returns a snapshot for domain.
func (t *Tracker) History(domain string) History {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(History, len(t.rates[domain]))
	for c, r := range t.rates[domain] {
		out[c] = r
	}
	return out
}
