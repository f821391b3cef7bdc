// Package relevance scores candidates against the topic query and gates
// admission to the frontier.
package relevance

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/metrics"
)

// DefaultThreshold is the minimum score a candidate needs to be retrieved.
const DefaultThreshold = 70

// Config tunes a Scorer.
type Config struct {
	Threshold int
	// BatchSize is the number of texts sent per oracle call.
	BatchSize int
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	Logger    *zap.Logger
}

// Scorer wraps a RelevanceOracle with batching, caching, and a keyword
// fallback so scoring never fails.
type Scorer struct {
	oracle    crawler.RelevanceOracle
	threshold int
	batch     int
	timeout   time.Duration
	cache     *expirable.LRU[string, int]
	logger    *zap.Logger
}

// New builds a Scorer. A nil oracle scores with the keyword heuristic only.
func New(cfg Config, oracle crawler.RelevanceOracle) (*Scorer, error) {
	if cfg.Threshold < 0 || cfg.Threshold > 100 {
		return nil, fmt.Errorf("relevance threshold %d outside 0..100", cfg.Threshold)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if oracle == nil {
		oracle = Heuristic{}
	}
	return &Scorer{
		oracle:    oracle,
		threshold: cfg.Threshold,
		batch:     cfg.BatchSize,
		timeout:   cfg.Timeout,
		cache:     expirable.NewLRU[string, int](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:    cfg.Logger.Named("relevance"),
	}, nil
}

// Threshold returns the admission threshold.
func (s *Scorer) Threshold() int {
	return s.threshold
}

// Admit reports whether score clears the threshold.
func (s *Scorer) Admit(score int) bool {
	return score >= s.threshold
}

// Score rates one candidate.
func (s *Scorer) Score(ctx context.Context, query string, candidate crawler.Candidate) int {
	return s.ScoreBatch(ctx, query, []crawler.Candidate{candidate})[0]
}

// ScoreBatch rates candidates in order. Cached pairs skip the oracle; the
// rest go out in chunks of BatchSize.
func (s *Scorer) ScoreBatch(ctx context.Context, query string, candidates []crawler.Candidate) []int {
	scores := make([]int, len(candidates))
	var missIdx []int
	var missText []string
	for i, c := range candidates {
		text := c.Text()
		if score, ok := s.cache.Get(cacheKey(query, text)); ok {
			scores[i] = score
			continue
		}
		missIdx = append(missIdx, i)
		missText = append(missText, text)
	}

	for start := 0; start < len(missText); start += s.batch {
		end := min(start+s.batch, len(missText))
		chunk := missText[start:end]
		got := s.scoreChunk(ctx, query, chunk)
		for j, score := range got {
			scores[missIdx[start+j]] = score
			s.cache.Add(cacheKey(query, chunk[j]), score)
		}
	}
	return scores
}

func (s *Scorer) scoreChunk(ctx context.Context, query string, texts []string) []int {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	scores, err := s.oracle.ScoreBatch(cctx, query, texts)
	if err == nil {
		err = validate(scores, len(texts))
	}
	if err == nil {
		return scores
	}
	metrics.ObserveOracleFallback()
	s.logger.Warn("oracle unavailable, using keyword fallback",
		zap.Int("batch", len(texts)),
		zap.Error(err),
	)
	return heuristicBatch(query, texts)
}

func validate(scores []int, want int) error {
	if len(scores) != want {
		return fmt.Errorf("%w: got %d scores for %d texts", crawler.ErrOracleUnavailable, len(scores), want)
	}
	for _, score := range scores {
		if score < 0 || score > 100 {
			return fmt.Errorf("%w: score %d outside 0..100", crawler.ErrOracleUnavailable, score)
		}
	}
	return nil
}

func cacheKey(query, text string) string {
	return query + "\x00" + text
}
