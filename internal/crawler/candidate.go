package crawler

import (
	"strings"
	"time"
)

// CandidateState tracks a discovered URL through the pipeline.
type CandidateState string

// Candidate lifecycle states.
const (
	CandidateDiscovered   CandidateState = "discovered"
	CandidateScored       CandidateState = "scored"
	CandidateQueued       CandidateState = "queued"
	CandidateInProgress   CandidateState = "in_progress"
	CandidateRetrieved    CandidateState = "retrieved"
	CandidateFailed       CandidateState = "failed"
	CandidateDeadLettered CandidateState = "dead_lettered"
)

// Terminal reports whether no further transitions are expected.
func (s CandidateState) Terminal() bool {
	switch s {
	case CandidateRetrieved, CandidateFailed, CandidateDeadLettered:
		return true
	default:
		return false
	}
}

// SearchHit is a raw result returned by a discovery source.
type SearchHit struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Source  string `json:"source"`
}

// Candidate is a discovered or spidered URL awaiting scoring, expansion, or retrieval.
type Candidate struct {
	ID             string         `json:"id"`
	URL            string         `json:"url"`
	Source         string         `json:"source"`
	Title          string         `json:"title,omitempty"`
	Snippet        string         `json:"snippet,omitempty"`
	ParentURL      string         `json:"parent_url,omitempty"`
	Depth          int            `json:"depth"`
	Score          *int           `json:"score,omitempty"`
	State          CandidateState `json:"state"`
	StateChangedAt time.Time      `json:"state_changed_at"`
}

// Text is the string handed to the relevance oracle.
func (c Candidate) Text() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.Title, c.Snippet, c.URL} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}

// Scored reports whether a relevance score has been assigned.
func (c Candidate) Scored() bool {
	return c.Score != nil
}

// ScoreValue returns the score or zero when unscored.
func (c Candidate) ScoreValue() int {
	if c.Score == nil {
		return 0
	}
	return *c.Score
}

// WithScore returns a copy carrying score.
func (c Candidate) WithScore(score int) Candidate {
	s := score
	c.Score = &s
	return c
}
