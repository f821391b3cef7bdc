package crawler

import (
	"net/http"
	"time"
)

// FetchRequest captures everything a capability needs to retrieve a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
	// Lease is set when the capability draws from the credential pool.
	Lease *Lease
	// Probe asks for a lightweight request used only for classification.
	Probe bool
}

// FetchResponse is the raw outcome of a retrieval.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Capability Capability
}

// Result is handed to the result sink after a successful retrieval.
type Result struct {
	JobID       string            `json:"job_id"`
	CandidateID string            `json:"candidate_id,omitempty"`
	URL         string            `json:"url"`
	FinalURL    string            `json:"final_url,omitempty"`
	Capability  Capability        `json:"capability"`
	StatusCode  int               `json:"status_code"`
	Headers     http.Header       `json:"headers,omitempty"`
	Body        []byte            `json:"-"`
	ContentHash string            `json:"content_hash"`
	Score       int               `json:"score"`
	RetrievedAt time.Time         `json:"retrieved_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
