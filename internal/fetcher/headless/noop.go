package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/scout/internal/crawler"
)

// Unavailable stands in for a capability whose browser is not configured.
// Every fetch fails permanently so jobs escalate past it.
type Unavailable struct {
	capability crawler.Capability
}

// NewUnavailable creates an Unavailable fetcher for capability.
func NewUnavailable(capability crawler.Capability) Unavailable {
	return Unavailable{capability: capability}
}

// Fetch always fails.
func (u Unavailable) Fetch(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, crawler.NewPermanent(crawler.CodeUnavailable, 0,
		errors.New(string(u.capability)+" is not configured"))
}
