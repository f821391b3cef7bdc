// Package frontier tracks every candidate through its lifecycle and evicts
// finished ones after a retention window.
package frontier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scout/internal/crawler"
)

// URLDeduper records first sightings of normalized URLs.
type URLDeduper interface {
	SeenURL(ctx context.Context, normalizedURL, id string) (string, bool)
}

// Config tunes the Registry.
type Config struct {
	// Retention is how long a terminal or idle candidate is kept.
	Retention time.Duration
	Dedup     URLDeduper
	Clock     crawler.Clock
	Logger    *zap.Logger
}

var transitions = map[crawler.CandidateState][]crawler.CandidateState{
	crawler.CandidateDiscovered: {crawler.CandidateScored},
	crawler.CandidateScored:     {crawler.CandidateQueued, crawler.CandidateFailed},
	crawler.CandidateQueued:     {crawler.CandidateInProgress, crawler.CandidateDeadLettered, crawler.CandidateFailed},
	crawler.CandidateInProgress: {
		crawler.CandidateQueued,
		crawler.CandidateRetrieved,
		crawler.CandidateDeadLettered,
		crawler.CandidateFailed,
	},
}

// Registry is the in-memory candidate set. It is safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	candidates map[string]crawler.Candidate
	byURL      map[string]string
	retention  time.Duration
	dedup      URLDeduper
	clock      crawler.Clock
	logger     *zap.Logger
}

// New builds a Registry.
func New(cfg Config) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		candidates: make(map[string]crawler.Candidate),
		byURL:      make(map[string]string),
		retention:  cfg.Retention,
		dedup:      cfg.Dedup,
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("frontier"),
	}
}

// Add registers c under its normalized URL. It returns false when the URL is
// already tracked or was seen earlier by the dedup cache.
func (r *Registry) Add(ctx context.Context, c crawler.Candidate) (crawler.Candidate, bool, error) {
	if c.ID == "" {
		return crawler.Candidate{}, false, fmt.Errorf("candidate id is required")
	}
	normalized, err := crawler.NormalizeURL(c.URL)
	if err != nil {
		return crawler.Candidate{}, false, err
	}
	c.URL = normalized
	if c.State == "" {
		c.State = crawler.CandidateDiscovered
	}
	c.StateChangedAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byURL[normalized]; ok {
		return crawler.Candidate{}, false, nil
	}
	if r.dedup != nil {
		if first, seen := r.dedup.SeenURL(ctx, normalized, c.ID); seen && first != c.ID {
			return crawler.Candidate{}, false, nil
		}
	}
	r.candidates[c.ID] = c
	r.byURL[normalized] = c.ID
	return c, true, nil
}

// Get returns the candidate with id.
func (r *Registry) Get(id string) (crawler.Candidate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.candidates[id]
	return c, ok
}

// SetScore records a score and moves the candidate to Scored.
func (r *Registry) SetScore(id string, score int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.candidates[id]
	if !ok {
		return fmt.Errorf("candidate %s: %w", id, crawler.ErrNotFound)
	}
	if c.State != crawler.CandidateScored && !allowed(c.State, crawler.CandidateScored) {
		return fmt.Errorf("candidate %s: cannot score in state %s", id, c.State)
	}
	return r.transitionLocked(id, c.WithScore(score), crawler.CandidateScored)
}

// Transition moves a candidate to state. Moving to the current state is a
// no-op; illegal moves return an error and leave the candidate untouched.
func (r *Registry) Transition(id string, state crawler.CandidateState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.candidates[id]
	if !ok {
		return fmt.Errorf("candidate %s: %w", id, crawler.ErrNotFound)
	}
	return r.transitionLocked(id, c, state)
}

func (r *Registry) transitionLocked(id string, c crawler.Candidate, state crawler.CandidateState) error {
	if c.State == state {
		r.candidates[id] = c
		return nil
	}
	if !allowed(c.State, state) {
		return fmt.Errorf("candidate %s: illegal transition %s -> %s", id, c.State, state)
	}
	c.State = state
	c.StateChangedAt = r.now()
	r.candidates[id] = c
	return nil
}

func allowed(from, to crawler.CandidateState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Counts returns the number of candidates per state.
func (r *Registry) Counts() map[crawler.CandidateState]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[crawler.CandidateState]int)
	for _, c := range r.candidates {
		out[c.State]++
	}
	return out
}

// List returns candidates in state, or all when state is empty, ordered by
// score then ID.
func (r *Registry) List(state crawler.CandidateState) []crawler.Candidate {
	r.mu.Lock()
	out := make([]crawler.Candidate, 0, len(r.candidates))
	for _, c := range r.candidates {
		if state == "" || c.State == state {
			out = append(out, c)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScoreValue() != out[j].ScoreValue() {
			return out[i].ScoreValue() > out[j].ScoreValue()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Sweep evicts candidates that have sat in a terminal state, or never left
// Discovered/Scored, for longer than the retention window. The dedup cache
// still remembers their URLs.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, c := range r.candidates {
		idle := c.State == crawler.CandidateDiscovered || c.State == crawler.CandidateScored
		if (!c.State.Terminal() && !idle) || c.StateChangedAt.After(cutoff) {
			continue
		}
		delete(r.candidates, id)
		delete(r.byURL, c.URL)
		evicted++
	}
	if evicted > 0 {
		r.logger.Debug("swept candidates", zap.Int("evicted", evicted))
	}
	return evicted
}

// Len returns the number of tracked candidates.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.candidates)
}

func (r *Registry) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now()
}
