// Package search fans a topic query out to discovery sources and merges
// their hits into one candidate list.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/metrics"
)

// SourceError records a source that failed or timed out. It never fails the
// whole search.
type SourceError struct {
	Source string
	Err    error
}

func (e SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e SourceError) Unwrap() error {
	return e.Err
}

// Result is the merged outcome of one query.
type Result struct {
	Candidates []crawler.Candidate
	Errors     []SourceError
}

// Config tunes the Aggregator.
type Config struct {
	// SourceTimeout bounds each source independently.
	SourceTimeout time.Duration
	IDs           crawler.IDGenerator
	Clock         crawler.Clock
	Logger        *zap.Logger
}

// Aggregator queries every source concurrently.
type Aggregator struct {
	sources []crawler.DiscoverySource
	timeout time.Duration
	ids     crawler.IDGenerator
	clock   crawler.Clock
	logger  *zap.Logger
}

// New builds an Aggregator over sources.
func New(cfg Config, sources ...crawler.DiscoverySource) (*Aggregator, error) {
	if len(sources) == 0 {
		return nil, errors.New("search: at least one source is required")
	}
	if cfg.IDs == nil {
		return nil, errors.New("search: id generator is required")
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Aggregator{
		sources: sources,
		timeout: cfg.SourceTimeout,
		ids:     cfg.IDs,
		clock:   cfg.Clock,
		logger:  cfg.Logger.Named("search"),
	}, nil
}

// Search runs query against every source and merges the hits. Candidates
// come back in round-robin rank order, deduplicated by normalized URL and
// capped at maxResults.
func (a *Aggregator) Search(ctx context.Context, query string, maxResults int) Result {
	perSource := make([][]crawler.SearchHit, len(a.sources))
	failures := make([]error, len(a.sources))

	// Workers never return an error so one bad source cannot cancel the rest.
	var g errgroup.Group
	for i, source := range a.sources {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			hits, err := source.Search(sctx, query, maxResults)
			if err != nil {
				failures[i] = fmt.Errorf("%w: %w", crawler.ErrDiscoverySource, err)
				return nil
			}
			perSource[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	var result Result
	for i, err := range failures {
		if err == nil {
			continue
		}
		name := a.sources[i].Name()
		metrics.ObserveSourceError(name)
		a.logger.Warn("discovery source failed", zap.String("source", name), zap.Error(err))
		result.Errors = append(result.Errors, SourceError{Source: name, Err: err})
	}
	result.Candidates = a.merge(perSource, maxResults)
	a.logger.Info("search complete",
		zap.String("query", query),
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("source_errors", len(result.Errors)),
	)
	return result
}

func (a *Aggregator) merge(perSource [][]crawler.SearchHit, maxResults int) []crawler.Candidate {
	index := make(map[string]int)
	var out []crawler.Candidate
	for rank := 0; ; rank++ {
		remaining := false
		for _, hits := range perSource {
			if rank >= len(hits) {
				continue
			}
			remaining = true
			hit := hits[rank]
			normalized, err := crawler.NormalizeURL(hit.URL)
			if err != nil {
				continue
			}
			if at, ok := index[normalized]; ok {
				out[at] = fill(out[at], hit)
				continue
			}
			if maxResults > 0 && len(out) >= maxResults {
				continue
			}
			id, err := a.ids.NewID()
			if err != nil {
				a.logger.Error("candidate id", zap.Error(err))
				continue
			}
			index[normalized] = len(out)
			out = append(out, crawler.Candidate{
				ID:             id,
				URL:            normalized,
				Source:         hit.Source,
				Title:          strings.TrimSpace(hit.Title),
				Snippet:        strings.TrimSpace(hit.Snippet),
				State:          crawler.CandidateDiscovered,
				StateChangedAt: a.now(),
			})
		}
		if !remaining {
			return out
		}
	}
}

// fill merges a later duplicate into the first sighting.
func fill(c crawler.Candidate, hit crawler.SearchHit) crawler.Candidate {
	if c.Title == "" {
		c.Title = strings.TrimSpace(hit.Title)
	}
	if c.Snippet == "" {
		c.Snippet = strings.TrimSpace(hit.Snippet)
	}
	if hit.Source != "" && !hasTag(c.Source, hit.Source) {
		c.Source += "," + hit.Source
	}
	return c
}

func hasTag(tags, tag string) bool {
	for _, t := range strings.Split(tags, ",") {
		if t == tag {
			return true
		}
	}
	return false
}

func (a *Aggregator) now() time.Time {
	if a.clock == nil {
		return time.Now().UTC()
	}
	return a.clock.Now()
}
