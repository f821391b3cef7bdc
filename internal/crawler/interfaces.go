package crawler

import (
	"context"
	"time"
)

// DiscoverySource finds candidate URLs for a topic query.
type DiscoverySource interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error)
}

// RelevanceOracle scores text against a query on a 0..100 scale.
type RelevanceOracle interface {
	Score(ctx context.Context, query, text string) (int, error)
	ScoreBatch(ctx context.Context, query string, texts []string) ([]int, error)
}

// Fetcher retrieves a URL using one capability. The classifier probe uses
// the same contract with FetchRequest.Probe set.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// JobStore persists retrieval jobs. PopMin must be linearizable: two callers
// never receive the same job.
type JobStore interface {
	Put(ctx context.Context, job RetrievalJob) error
	// PopMin removes the lowest-ordered eligible job for capability and marks
	// it in flight. It returns ErrNoJob when nothing is eligible at now.
	PopMin(ctx context.Context, capability Capability, now time.Time) (RetrievalJob, error)
	Ack(ctx context.Context, jobID string) error
	// Nack returns an in-flight job to the queue with its updated fields,
	// including NotBefore and possibly a new chain position.
	Nack(ctx context.Context, job RetrievalJob) error
	DeadLetter(ctx context.Context, letter DeadLetter) error
	// Interrupt marks every in-flight job interrupted.
	Interrupt(ctx context.Context) (int, error)
	// Recover returns queued and interrupted jobs to the ready state and
	// lists every job that is active after recovery.
	Recover(ctx context.Context) ([]RetrievalJob, error)
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	Len(ctx context.Context) (int, error)
}

// ResultSink receives retrieved content. It is opaque to the engine.
type ResultSink interface {
	Store(ctx context.Context, result Result) error
}

// Hasher computes content hashes for dedup.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
