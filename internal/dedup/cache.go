// Package dedup provides the bounded first-seen cache used to skip URLs
// already in the frontier and bodies already retrieved from another URL.
package dedup

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/scout/internal/metrics"
)

// Key spaces. They are kept in separate LRUs so a flood of URLs cannot
// evict content hashes.
const (
	KindURL     = "url"
	KindContent = "content"
)

// Remote is an optional shared tier consulted on a local miss so several
// processes agree on the first sighting of a key.
type Remote interface {
	// Claim records id as the owner of key unless another owner exists, in
	// which case it returns that owner with claimed=false.
	Claim(ctx context.Context, key, id string) (owner string, claimed bool, err error)
}

// Config sizes the cache.
type Config struct {
	// Capacity bounds each key space independently.
	Capacity int
	Remote   Remote
	Logger   *zap.Logger
}

// Cache is a fixed-capacity LRU keyed by normalized URL and, separately, by
// content hash. Every operation is O(1) and safe for concurrent use.
type Cache struct {
	urls     *lru.Cache[string, string]
	contents *lru.Cache[string, string]
	remote   Remote
	logger   *zap.Logger
}

// New builds a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("dedup capacity must be > 0")
	}
	urls, err := lru.New[string, string](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("create url lru: %w", err)
	}
	contents, err := lru.New[string, string](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("create content lru: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		urls:     urls,
		contents: contents,
		remote:   cfg.Remote,
		logger:   logger.Named("dedup"),
	}, nil
}

// SeenURL records id as the first sighting of a normalized URL. It returns
// the first-seen ID and whether the URL was already known.
func (c *Cache) SeenURL(ctx context.Context, normalizedURL, id string) (string, bool) {
	return c.seen(ctx, c.urls, KindURL, normalizedURL, id)
}

// SeenContent records id as the first retrieval with the given content hash.
func (c *Cache) SeenContent(ctx context.Context, hash, id string) (string, bool) {
	return c.seen(ctx, c.contents, KindContent, hash, id)
}

// Len reports the number of entries in each key space.
func (c *Cache) Len() (urls, contents int) {
	return c.urls.Len(), c.contents.Len()
}

func (c *Cache) seen(ctx context.Context, store *lru.Cache[string, string], kind, key, id string) (string, bool) {
	if prev, ok, _ := store.PeekOrAdd(key, id); ok {
		store.Get(key) // refresh recency
		metrics.ObserveDedupHit(kind)
		return prev, true
	}
	if c.remote == nil {
		return id, false
	}
	owner, claimed, err := c.remote.Claim(ctx, kind+":"+key, id)
	if err != nil {
		c.logger.Warn("remote dedup claim failed", zap.String("kind", kind), zap.Error(err))
		return id, false
	}
	if claimed || owner == "" {
		return id, false
	}
	store.Add(key, owner)
	metrics.ObserveDedupHit(kind)
	return owner, true
}
