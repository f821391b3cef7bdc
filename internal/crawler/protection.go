package crawler

import (
	"fmt"
	"time"
)

// ProtectionCategory is the coarse anti-automation posture of a domain.
type ProtectionCategory string

// Protection categories assigned by the classifier.
const (
	ProtectionNone                ProtectionCategory = "none"
	ProtectionRateLimited         ProtectionCategory = "rate-limited"
	ProtectionTLSChallenge        ProtectionCategory = "tls-challenge"
	ProtectionBehavioralChallenge ProtectionCategory = "behavioral-challenge"
	ProtectionCaptchaRequired     ProtectionCategory = "captcha-required"
	ProtectionJavaScriptRequired  ProtectionCategory = "javascript-required"
	ProtectionUnknown             ProtectionCategory = "unknown"
)

// AllProtectionCategories enumerates every category.
var AllProtectionCategories = []ProtectionCategory{
	ProtectionNone,
	ProtectionRateLimited,
	ProtectionTLSChallenge,
	ProtectionBehavioralChallenge,
	ProtectionCaptchaRequired,
	ProtectionJavaScriptRequired,
	ProtectionUnknown,
}

// ParseProtectionCategory converts a configuration key into a category.
func ParseProtectionCategory(raw string) (ProtectionCategory, error) {
	for _, c := range AllProtectionCategories {
		if string(c) == raw {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown protection category %q", raw)
}

// Classification is the cached verdict for one domain.
type Classification struct {
	Domain       string             `json:"domain"`
	Category     ProtectionCategory `json:"category"`
	Confidence   float64            `json:"confidence"`
	Chain        []Capability       `json:"chain"`
	Signals      []string           `json:"signals,omitempty"`
	ClassifiedAt time.Time          `json:"classified_at"`
	TTL          time.Duration      `json:"ttl"`
}

// Stale reports whether the classification must be refreshed before routing.
func (c Classification) Stale(now time.Time) bool {
	if c.ClassifiedAt.IsZero() {
		return true
	}
	return !now.Before(c.ClassifiedAt.Add(c.TTL))
}

// ChainTable maps each protection category to an ordered capability chain.
type ChainTable map[ProtectionCategory][]Capability

// DefaultChainTable returns the built-in category to chain mapping.
func DefaultChainTable() ChainTable {
	return ChainTable{
		ProtectionNone: {CapabilityPlainHTTP, CapabilityTLSImpersonation, CapabilityHeadlessBrowser},
		ProtectionRateLimited: {
			CapabilityManagedProxy, CapabilityTLSImpersonation, CapabilityPlainHTTP,
		},
		ProtectionTLSChallenge: {
			CapabilityTLSImpersonation, CapabilityHeadlessBrowser, CapabilityManagedProxy,
		},
		ProtectionBehavioralChallenge: {CapabilityHeadlessBrowser, CapabilityManagedProxy},
		ProtectionCaptchaRequired:     {CapabilityBrowserCaptcha, CapabilityManagedProxy},
		ProtectionJavaScriptRequired:  {CapabilityHeadlessBrowser, CapabilityBrowserCaptcha},
		ProtectionUnknown: {
			CapabilityTLSImpersonation, CapabilityHeadlessBrowser, CapabilityManagedProxy,
		},
	}
}

// Chain returns a copy of the chain for category. Categories missing from
// the table fall back to the Unknown chain.
func (t ChainTable) Chain(category ProtectionCategory) []Capability {
	chain, ok := t[category]
	if !ok {
		chain = t[ProtectionUnknown]
	}
	return append([]Capability(nil), chain...)
}

// Validate rejects empty chains and unknown capabilities.
func (t ChainTable) Validate() error {
	if _, ok := t[ProtectionUnknown]; !ok {
		return fmt.Errorf("capability_chain.%s must be set", ProtectionUnknown)
	}
	for category, chain := range t {
		if _, err := ParseProtectionCategory(string(category)); err != nil {
			return fmt.Errorf("capability_chain: %w", err)
		}
		if len(chain) == 0 {
			return fmt.Errorf("capability_chain.%s must not be empty", category)
		}
		seen := make(map[Capability]struct{}, len(chain))
		for _, c := range chain {
			if !c.Valid() {
				return fmt.Errorf("capability_chain.%s: unknown capability %q", category, c)
			}
			if _, dup := seen[c]; dup {
				return fmt.Errorf("capability_chain.%s: duplicate capability %q", category, c)
			}
			seen[c] = struct{}{}
		}
	}
	return nil
}
