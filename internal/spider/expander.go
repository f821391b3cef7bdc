// Package spider expands the seed frontier by following outbound links from
// relevant pages, breadth first and under hard caps.
package spider

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/metrics"
	"github.com/JakeFAU/scout/internal/relevance"
)

// Link is an anchor found on a page.
type Link struct {
	URL  string
	Text string
}

// LinkSource lists the outbound links of a page.
type LinkSource interface {
	Links(ctx context.Context, pageURL string) ([]Link, error)
}

// EdgeRecorder persists the parent → child edges of the link graph.
type EdgeRecorder interface {
	RecordEdge(ctx context.Context, from, to string, depth int) error
}

// Scorer is the relevance gate.
type Scorer interface {
	ScoreBatch(ctx context.Context, query string, candidates []crawler.Candidate) []int
	Admit(score int) bool
}

// Seen reports whether a normalized URL was already discovered elsewhere,
// for example by the search aggregator or an earlier run.
type Seen interface {
	SeenURL(ctx context.Context, normalizedURL, id string) (string, bool)
}

// Config bounds an expansion.
type Config struct {
	MaxDepth int
	// MaxTotal caps every URL the expansion holds, seeds included.
	MaxTotal  int
	MaxFanout int
	// Concurrency is the number of pages whose links are fetched at once.
	Concurrency int
	IDs         crawler.IDGenerator
	Clock       crawler.Clock
	Seen        Seen
	Edges       EdgeRecorder
	Logger      *zap.Logger
}

// Stats summarizes one expansion.
type Stats struct {
	Expanded     int  `json:"expanded"`
	Discovered   int  `json:"discovered"`
	Filtered     int  `json:"filtered"`
	Rejected     int  `json:"rejected"`
	FetchErrors  int  `json:"fetch_errors"`
	DepthReached int  `json:"depth_reached"`
	Halted       bool `json:"halted"`
}

// Expander runs bounded BFS over the link graph.
type Expander struct {
	cfg    Config
	links  LinkSource
	scorer Scorer
	logger *zap.Logger
}

// New builds an Expander.
func New(cfg Config, links LinkSource, scorer Scorer) (*Expander, error) {
	if links == nil || scorer == nil {
		return nil, errors.New("spider: link source and scorer are required")
	}
	if cfg.IDs == nil {
		return nil, errors.New("spider: id generator is required")
	}
	if cfg.MaxDepth < 0 {
		return nil, errors.New("spider: max depth must be >= 0")
	}
	if cfg.MaxTotal <= 0 || cfg.MaxFanout <= 0 {
		return nil, errors.New("spider: max total and max fanout must be > 0")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Expander{cfg: cfg, links: links, scorer: scorer, logger: cfg.Logger.Named("spider")}, nil
}

type fetched struct {
	links []Link
	err   error
}

// Expand walks outward from seeds, which must already have passed the
// relevance gate. Each newly admitted candidate is handed to emit; seeds are
// not re-emitted. Expansion stops when the frontier empties, MaxDepth is
// reached, MaxTotal is hit, or ctx is done.
func (e *Expander) Expand(ctx context.Context, query string, seeds []crawler.Candidate, emit func(crawler.Candidate)) (Stats, error) {
	var stats Stats
	terms := relevance.Tokens(query)
	visited := make(map[string]struct{}, e.cfg.MaxTotal)
	frontier := make([]crawler.Candidate, 0, e.cfg.MaxTotal)
	for _, seed := range seeds {
		if len(frontier) >= e.cfg.MaxTotal {
			break
		}
		normalized, err := crawler.NormalizeURL(seed.URL)
		if err != nil {
			continue
		}
		if _, dup := visited[normalized]; dup {
			continue
		}
		visited[normalized] = struct{}{}
		seed.URL = normalized
		frontier = append(frontier, seed)
	}
	stats.Halted = len(frontier) >= e.cfg.MaxTotal

	// frontier only grows; head walks it in BFS order.
	for head := 0; head < len(frontier) && !stats.Halted; {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := head
		for end < len(frontier) && end-head < e.cfg.Concurrency && frontier[end].Depth == frontier[head].Depth {
			end++
		}
		batch := frontier[head:end]
		head = end
		if batch[0].Depth >= e.cfg.MaxDepth {
			// BFS order means every remaining node is at least this deep.
			break
		}
		results := e.fetchAll(ctx, batch)
		for i, parent := range batch {
			if results[i].err != nil {
				stats.FetchErrors++
				e.logger.Debug("link fetch failed", zap.String("url", parent.URL), zap.Error(results[i].err))
				continue
			}
			stats.Expanded++
			children := e.children(ctx, query, terms, parent, results[i].links, visited, &stats)
			for _, child := range children {
				frontier = append(frontier, child)
				stats.Discovered++
				stats.DepthReached = max(stats.DepthReached, child.Depth)
				metrics.ObserveSpiderDiscovered()
				e.recordEdge(ctx, parent.URL, child)
				if emit != nil {
					emit(child)
				}
				if len(frontier) >= e.cfg.MaxTotal {
					stats.Halted = true
					break
				}
			}
			if stats.Halted {
				break
			}
		}
	}
	e.logger.Info("expansion complete",
		zap.String("query", query),
		zap.Int("discovered", stats.Discovered),
		zap.Int("expanded", stats.Expanded),
		zap.Bool("halted", stats.Halted),
	)
	return stats, nil
}

func (e *Expander) fetchAll(ctx context.Context, batch []crawler.Candidate) []fetched {
	results := make([]fetched, len(batch))
	var g errgroup.Group
	for i, node := range batch {
		g.Go(func() error {
			links, err := e.links.Links(ctx, node.URL)
			results[i] = fetched{links: links, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// children turns a page's links into admitted candidates, at most MaxFanout.
func (e *Expander) children(
	ctx context.Context,
	query string,
	terms []string,
	parent crawler.Candidate,
	links []Link,
	visited map[string]struct{},
	stats *Stats,
) []crawler.Candidate {
	var pending []crawler.Candidate
	for _, link := range links {
		normalized, err := crawler.NormalizeURL(link.URL)
		if err != nil || !crawler.CrossDomain(parent.URL, normalized) {
			continue
		}
		if _, dup := visited[normalized]; dup {
			continue
		}
		visited[normalized] = struct{}{}
		if !prefilter(terms, link.Text, normalized) {
			stats.Filtered++
			continue
		}
		id, err := e.cfg.IDs.NewID()
		if err != nil {
			e.logger.Error("candidate id", zap.Error(err))
			continue
		}
		if e.cfg.Seen != nil {
			if _, seen := e.cfg.Seen.SeenURL(ctx, normalized, id); seen {
				continue
			}
		}
		pending = append(pending, crawler.Candidate{
			ID:             id,
			URL:            normalized,
			Source:         "spider",
			Title:          strings.TrimSpace(link.Text),
			ParentURL:      parent.URL,
			Depth:          parent.Depth + 1,
			State:          crawler.CandidateDiscovered,
			StateChangedAt: e.now(),
		})
	}
	if len(pending) == 0 {
		return nil
	}

	scores := e.scorer.ScoreBatch(ctx, query, pending)
	admitted := make([]crawler.Candidate, 0, min(len(pending), e.cfg.MaxFanout))
	for i, c := range pending {
		if !e.scorer.Admit(scores[i]) {
			stats.Rejected++
			continue
		}
		if len(admitted) == e.cfg.MaxFanout {
			break
		}
		c = c.WithScore(scores[i])
		c.State = crawler.CandidateScored
		admitted = append(admitted, c)
	}
	return admitted
}

// prefilter keeps links whose anchor text or URL shares a term with the
// query. An empty query keeps everything.
func prefilter(terms []string, text, rawURL string) bool {
	if len(terms) == 0 {
		return true
	}
	have := make(map[string]struct{})
	for _, tok := range relevance.Tokens(text + " " + rawURL) {
		have[tok] = struct{}{}
	}
	for _, term := range terms {
		if _, ok := have[term]; ok {
			return true
		}
	}
	return false
}

func (e *Expander) recordEdge(ctx context.Context, from string, child crawler.Candidate) {
	if e.cfg.Edges == nil {
		return
	}
	if err := e.cfg.Edges.RecordEdge(ctx, from, child.URL, child.Depth); err != nil {
		e.logger.Warn("record edge", zap.String("from", from), zap.String("to", child.URL), zap.Error(err))
	}
}

func (e *Expander) now() time.Time {
	if e.cfg.Clock == nil {
		return time.Now().UTC()
	}
	return e.cfg.Clock.Now()
}
