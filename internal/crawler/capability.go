package crawler

import (
	"fmt"
	"time"
)

// Capability names one concrete retrieval strategy.
type Capability string

// Supported retrieval capabilities. The set is closed; configuration that
// references anything else is rejected at startup.
const (
	CapabilityPlainHTTP        Capability = "plain-http"
	CapabilityTLSImpersonation Capability = "tls-impersonation"
	CapabilityHeadlessBrowser  Capability = "headless-browser"
	CapabilityBrowserCaptcha   Capability = "browser-captcha"
	CapabilityManagedProxy     Capability = "managed-proxy"
)

// AllCapabilities lists every capability in ascending cost order.
var AllCapabilities = []Capability{
	CapabilityPlainHTTP,
	CapabilityTLSImpersonation,
	CapabilityManagedProxy,
	CapabilityHeadlessBrowser,
	CapabilityBrowserCaptcha,
}

// Valid reports whether c is one of the enumerated capabilities.
func (c Capability) Valid() bool {
	for _, known := range AllCapabilities {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCapability converts a configuration string into a Capability.
func ParseCapability(raw string) (Capability, error) {
	c := Capability(raw)
	if !c.Valid() {
		return "", fmt.Errorf("unknown capability %q", raw)
	}
	return c, nil
}

// CapabilitySpec carries the static resource profile of a capability.
type CapabilitySpec struct {
	Concurrency int
	Cost        int
	Timeout     time.Duration
	// CredentialService names the credential pool service this capability
	// draws from. Empty means the capability runs without credentials.
	CredentialService  string
	CredentialRequired bool
}

// UsesCredentials reports whether workers must lease a credential first.
func (s CapabilitySpec) UsesCredentials() bool {
	return s.CredentialService != ""
}

// DefaultCapabilitySpecs returns the built-in resource profile for each capability.
func DefaultCapabilitySpecs() map[Capability]CapabilitySpec {
	return map[Capability]CapabilitySpec{
		CapabilityPlainHTTP:        {Concurrency: 16, Cost: 1, Timeout: 30 * time.Second},
		CapabilityTLSImpersonation: {Concurrency: 8, Cost: 2, Timeout: 30 * time.Second},
		CapabilityManagedProxy: {
			Concurrency:        4,
			Cost:               5,
			Timeout:            60 * time.Second,
			CredentialService:  "unlocker",
			CredentialRequired: true,
		},
		CapabilityHeadlessBrowser: {Concurrency: 2, Cost: 8, Timeout: 60 * time.Second},
		CapabilityBrowserCaptcha: {
			Concurrency:        1,
			Cost:               13,
			Timeout:            60 * time.Second,
			CredentialService:  "captcha",
			CredentialRequired: true,
		},
	}
}
