package crawler

import "time"

// JobState is the persisted state of a RetrievalJob.
type JobState string

// Retrieval job states.
const (
	JobQueued       JobState = "queued"
	JobInFlight     JobState = "in_flight"
	JobInterrupted  JobState = "interrupted"
	JobDeadLettered JobState = "dead_lettered"
)

// DeadLetterReason explains why a job was retired without success.
type DeadLetterReason string

// Dead-letter reasons.
const (
	ReasonMaxAttempts       DeadLetterReason = "max_attempts"
	ReasonStrategyExhausted DeadLetterReason = "strategy_exhausted"
)

// RetrievalJob is one scheduled attempt to retrieve a relevant URL.
type RetrievalJob struct {
	ID          string `json:"id"`
	CandidateID string `json:"candidate_id,omitempty"`
	URL         string `json:"url"`
	Domain      string `json:"domain"`
	Score       int    `json:"score"`
	Priority    int    `json:"priority"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	// CapabilityAttempts counts failures on the current chain entry.
	CapabilityAttempts int          `json:"capability_attempts"`
	Chain              []Capability `json:"chain"`
	ChainIndex         int          `json:"chain_index"`
	CredentialID       string       `json:"credential_id,omitempty"`
	LastErrorCode      string       `json:"last_error_code,omitempty"`
	LastError          string       `json:"last_error,omitempty"`
	NotBefore          time.Time    `json:"not_before"`
	EnqueuedAt         time.Time    `json:"enqueued_at"`
	State              JobState     `json:"state"`
}

// Capability returns the chain entry the job is currently routed to.
func (j RetrievalJob) Capability() Capability {
	if j.ChainIndex < 0 || j.ChainIndex >= len(j.Chain) {
		return ""
	}
	return j.Chain[j.ChainIndex]
}

// ChainExhausted reports whether every chain entry has been tried.
func (j RetrievalJob) ChainExhausted() bool {
	return j.ChainIndex >= len(j.Chain)
}

// Eligible reports whether the job may be dispatched at now.
func (j RetrievalJob) Eligible(now time.Time) bool {
	return !now.Before(j.NotBefore)
}

// Clone returns a deep copy that does not share the chain slice.
func (j RetrievalJob) Clone() RetrievalJob {
	j.Chain = append([]Capability(nil), j.Chain...)
	return j
}

// Less orders jobs by priority, then enqueue time, then ID.
func (j RetrievalJob) Less(other RetrievalJob) bool {
	if j.Priority != other.Priority {
		return j.Priority < other.Priority
	}
	if !j.EnqueuedAt.Equal(other.EnqueuedAt) {
		return j.EnqueuedAt.Before(other.EnqueuedAt)
	}
	return j.ID < other.ID
}

// DeadLetter records a job retired without success.
type DeadLetter struct {
	Job    RetrievalJob     `json:"job"`
	Reason DeadLetterReason `json:"reason"`
	At     time.Time        `json:"at"`
}
