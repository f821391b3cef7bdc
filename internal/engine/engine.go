// Package engine connects discovery to retrieval. It registers what the
// search aggregator and spider find, gates it on relevance, routes admitted
// candidates through the protection classifier and strategy selector, and
// hands the resulting jobs to the scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/search"
	"github.com/JakeFAU/scout/internal/spider"
	"github.com/JakeFAU/scout/internal/strategy"
)

// ErrBelowThreshold is returned when a candidate without a passing score
// reaches the admission gate.
var ErrBelowThreshold = errors.New("candidate below relevance threshold")

// Searcher fans a query out to discovery sources.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) search.Result
}

// Gate scores candidates and decides admission.
type Gate interface {
	ScoreBatch(ctx context.Context, query string, candidates []crawler.Candidate) []int
	Admit(score int) bool
}

// Expander grows the seed set along the link graph.
type Expander interface {
	Expand(ctx context.Context, query string, seeds []crawler.Candidate, emit func(crawler.Candidate)) (spider.Stats, error)
}

// Classifier reports a domain's protection category and chain.
type Classifier interface {
	Classify(ctx context.Context, rawURL string) (crawler.Classification, error)
}

// History supplies per-domain capability success rates.
type History interface {
	History(domain string) strategy.History
}

// Scheduler is the producer side of the job scheduler.
type Scheduler interface {
	Enqueue(ctx context.Context, job crawler.RetrievalJob) (bool, error)
	Recover(ctx context.Context) (int, error)
	WaitIdle(ctx context.Context) error
}

// Runner executes queued jobs until its context ends, then drains.
type Runner interface {
	Run(ctx context.Context) error
}

// Candidates is the candidate registry.
type Candidates interface {
	Add(ctx context.Context, c crawler.Candidate) (crawler.Candidate, bool, error)
	SetScore(id string, score int) error
	Transition(id string, state crawler.CandidateState) error
	Sweep() int
}

// Config tunes the Engine.
type Config struct {
	MaxResults int
	// AdmitConcurrency bounds how many candidates are classified at once.
	AdmitConcurrency int
	// SweepInterval is how often the registry evicts finished candidates
	// while Run is active.
	SweepInterval time.Duration
	// Available filters capabilities out of a chain, for example when their
	// credential service has nothing healthy left.
	Available func(crawler.Capability) bool
	IDs       crawler.IDGenerator
	Logger    *zap.Logger
}

// Deps are the Engine's collaborators. Expander is optional.
type Deps struct {
	Searcher   Searcher
	Gate       Gate
	Expander   Expander
	Classifier Classifier
	History    History
	Scheduler  Scheduler
	Runner     Runner
	Candidates Candidates
}

// Report summarizes one discovery pass.
type Report struct {
	Query        string       `json:"query"`
	Discovered   int          `json:"discovered"`
	Duplicates   int          `json:"duplicates"`
	Rejected     int          `json:"rejected"`
	Admitted     int          `json:"admitted"`
	Enqueued     int          `json:"enqueued"`
	Unroutable   int          `json:"unroutable"`
	SourceErrors []string     `json:"source_errors,omitempty"`
	Spider       spider.Stats `json:"spider"`
}

// Engine is safe for concurrent Discover calls.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and returns an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Searcher == nil, deps.Gate == nil, deps.Classifier == nil:
		return nil, errors.New("engine: searcher, gate, and classifier are required")
	case deps.Scheduler == nil, deps.Candidates == nil:
		return nil, errors.New("engine: scheduler and candidate registry are required")
	case cfg.IDs == nil:
		return nil, errors.New("engine: id generator is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	if cfg.AdmitConcurrency <= 0 {
		cfg.AdmitConcurrency = 8
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, deps: deps, logger: cfg.Logger.Named("engine")}, nil
}

// Discover searches for query, scores the results, expands the relevant
// ones along the link graph, and enqueues a retrieval job for every
// candidate that clears the threshold. It returns once every admitted
// candidate has been routed; retrieval continues in the Runner.
func (e *Engine) Discover(ctx context.Context, query string) (Report, error) {
	query = strings.TrimSpace(query)
	report := Report{Query: query}
	if query == "" {
		return report, errors.New("query is required")
	}

	res := e.deps.Searcher.Search(ctx, query, e.cfg.MaxResults)
	for _, se := range res.Errors {
		report.SourceErrors = append(report.SourceErrors, se.Error())
	}
	fresh := make([]crawler.Candidate, 0, len(res.Candidates))
	for _, c := range res.Candidates {
		added, ok, err := e.register(ctx, c)
		if err != nil {
			e.logger.Debug("candidate skipped", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		if !ok {
			report.Duplicates++
			continue
		}
		fresh = append(fresh, added)
	}
	report.Discovered = len(fresh)
	if len(fresh) == 0 {
		e.logger.Info("nothing new discovered", zap.String("query", query), zap.Int("duplicates", report.Duplicates))
		return report, ctx.Err()
	}

	scores := e.deps.Gate.ScoreBatch(ctx, query, fresh)
	seeds := make([]crawler.Candidate, 0, len(fresh))
	for i, c := range fresh {
		if err := e.deps.Candidates.SetScore(c.ID, scores[i]); err != nil {
			e.logger.Warn("record score", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		if !e.deps.Gate.Admit(scores[i]) {
			report.Rejected++
			continue
		}
		c = c.WithScore(scores[i])
		c.State = crawler.CandidateScored
		seeds = append(seeds, c)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.cfg.AdmitConcurrency)
	submit := func(c crawler.Candidate) {
		g.Go(func() error {
			enqueued, err := e.Admit(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			report.Admitted++
			switch {
			case enqueued:
				report.Enqueued++
			case errors.Is(err, crawler.ErrStrategyExhausted):
				report.Unroutable++
			}
			return nil
		})
	}
	for _, seed := range seeds {
		submit(seed)
	}

	var expandErr error
	if e.deps.Expander != nil && len(seeds) > 0 {
		report.Spider, expandErr = e.deps.Expander.Expand(ctx, query, seeds, func(child crawler.Candidate) {
			added, ok, err := e.deps.Candidates.Add(ctx, child)
			if err != nil || !ok {
				mu.Lock()
				report.Duplicates++
				mu.Unlock()
				return
			}
			submit(added)
		})
	}
	_ = g.Wait()

	e.logger.Info("discovery complete",
		zap.String("query", query),
		zap.Int("discovered", report.Discovered),
		zap.Int("rejected", report.Rejected),
		zap.Int("admitted", report.Admitted),
		zap.Int("enqueued", report.Enqueued),
		zap.Int("spidered", report.Spider.Discovered),
	)
	if expandErr != nil {
		return report, fmt.Errorf("expand: %w", expandErr)
	}
	return report, ctx.Err()
}

func (e *Engine) register(ctx context.Context, c crawler.Candidate) (crawler.Candidate, bool, error) {
	if c.ID == "" {
		id, err := e.cfg.IDs.NewID()
		if err != nil {
			return crawler.Candidate{}, false, fmt.Errorf("candidate id: %w", err)
		}
		c.ID = id
	}
	c.State = crawler.CandidateDiscovered
	c.Score = nil
	return e.deps.Candidates.Add(ctx, c)
}

// Admit is the only path into the scheduler. It refuses candidates whose
// score does not clear the threshold, classifies the target domain, orders
// its capability chain, and enqueues the job. It reports whether a job was
// enqueued; a URL that already has an active job returns false without
// error.
func (e *Engine) Admit(ctx context.Context, c crawler.Candidate) (bool, error) {
	if !c.Scored() || !e.deps.Gate.Admit(c.ScoreValue()) {
		return false, fmt.Errorf("%s: %w", c.URL, ErrBelowThreshold)
	}
	logger := e.logger.With(zap.String("url", c.URL), zap.Int("score", c.ScoreValue()))

	class, err := e.deps.Classifier.Classify(ctx, c.URL)
	if err != nil && !errors.Is(err, crawler.ErrProbe) {
		return false, fmt.Errorf("classify %s: %w", c.URL, err)
	}
	domain := crawler.Domain(c.URL)
	var history strategy.History
	if e.deps.History != nil {
		history = e.deps.History.History(domain)
	}
	chain := strategy.Select(class, e.cfg.Available, history)
	if len(chain) == 0 {
		e.transition(c.ID, crawler.CandidateFailed, logger)
		logger.Warn("no capability available", zap.String("category", string(class.Category)))
		return false, fmt.Errorf("%s: %w", c.URL, crawler.ErrStrategyExhausted)
	}

	// Queued before Enqueue so a worker never sees a Scored candidate.
	if err := e.deps.Candidates.Transition(c.ID, crawler.CandidateQueued); err != nil {
		return false, fmt.Errorf("queue candidate: %w", err)
	}
	ok, err := e.deps.Scheduler.Enqueue(ctx, crawler.RetrievalJob{
		CandidateID: c.ID,
		URL:         c.URL,
		Domain:      domain,
		Score:       c.ScoreValue(),
		Chain:       chain,
	})
	if err != nil {
		e.transition(c.ID, crawler.CandidateFailed, logger)
		return false, fmt.Errorf("enqueue: %w", err)
	}
	if !ok {
		e.transition(c.ID, crawler.CandidateFailed, logger)
		logger.Debug("url already has an active job")
		return false, nil
	}
	logger.Debug("candidate enqueued",
		zap.String("category", string(class.Category)),
		zap.Any("chain", chain),
	)
	return true, nil
}

// Run requeues jobs persisted by an earlier process, then executes jobs until
// ctx is done and the Runner has drained.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}
	return e.serve(ctx)
}

// Crawl runs workers, discovers query, waits until every job has reached a
// terminal state, then drains. Cancelling ctx drains early; jobs still in
// flight are persisted as interrupted.
func (e *Engine) Crawl(ctx context.Context, query string) (Report, error) {
	// Recover before anything is enqueued so recovered jobs are counted once.
	if err := e.recover(ctx); err != nil {
		return Report{Query: query}, err
	}
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	runErr := make(chan error, 1)
	go func() { runErr <- e.serve(runCtx) }()

	report, err := e.Discover(ctx, query)
	if err == nil {
		err = e.deps.Scheduler.WaitIdle(ctx)
	}
	stop()
	return report, errors.Join(err, <-runErr)
}

func (e *Engine) recover(ctx context.Context) error {
	if e.deps.Runner == nil {
		return errors.New("engine: runner is required")
	}
	ready, err := e.deps.Scheduler.Recover(ctx)
	if err != nil {
		return err
	}
	if ready > 0 {
		e.logger.Info("resuming recovered jobs", zap.Int("ready", ready))
	}
	return nil
}

func (e *Engine) serve(ctx context.Context) error {
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		e.sweep(ctx)
	}()
	defer func() { <-sweepDone }()
	return e.deps.Runner.Run(ctx)
}

func (e *Engine) sweep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.deps.Candidates.Sweep(); n > 0 {
				e.logger.Debug("evicted candidates", zap.Int("count", n))
			}
		}
	}
}

func (e *Engine) transition(id string, state crawler.CandidateState, logger *zap.Logger) {
	if err := e.deps.Candidates.Transition(id, state); err != nil {
		logger.Debug("candidate transition skipped", zap.String("state", string(state)), zap.Error(err))
	}
}
