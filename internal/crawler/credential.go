package crawler

import "time"

// CredentialHealth is the health state of a pooled credential.
type CredentialHealth string

// Credential health states. Disabled is only ever set by an operator.
const (
	CredentialActive      CredentialHealth = "active"
	CredentialRateLimited CredentialHealth = "rate_limited"
	CredentialExhausted   CredentialHealth = "exhausted"
	CredentialDisabled    CredentialHealth = "disabled"
)

// Credential is an externally issued, quota-limited access credential or proxy.
type Credential struct {
	ID            string           `json:"id"`
	Service       string           `json:"service"`
	Secret        string           `json:"-"`
	ProxyURL      string           `json:"-"`
	QuotaLimit    int64            `json:"quota_limit"`
	QuotaUsed     int64            `json:"quota_used"`
	ResetEvery    time.Duration    `json:"reset_every"`
	ResetAt       time.Time        `json:"reset_at"`
	CooldownUntil time.Time        `json:"cooldown_until,omitempty"`
	Health        CredentialHealth `json:"health"`
	Successes     int64            `json:"successes"`
	Failures      int64            `json:"failures"`
}

// Remaining returns the unused quota.
func (c Credential) Remaining() int64 {
	if c.QuotaUsed >= c.QuotaLimit {
		return 0
	}
	return c.QuotaLimit - c.QuotaUsed
}

// SuccessRate returns the observed success ratio with a neutral prior.
func (c Credential) SuccessRate() float64 {
	total := c.Successes + c.Failures
	if total == 0 {
		return 0.5
	}
	return float64(c.Successes) / float64(total)
}

// Lease is a reserved unit of quota on one credential.
type Lease struct {
	CredentialID string
	Service      string
	Secret       string
	ProxyURL     string
}

// CredentialOutcome is reported back to the pool after a leased request.
type CredentialOutcome int

// Credential outcomes.
const (
	OutcomeSuccess CredentialOutcome = iota
	OutcomeFailure
	OutcomeRateLimited
	OutcomeQuotaRejected
)

func (o CredentialOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeQuotaRejected:
		return "quota_rejected"
	default:
		return "unknown"
	}
}
