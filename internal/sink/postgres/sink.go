// Package postgres records retrieval metadata rows in Postgres. Bodies are
// left to a blob sink; rows carry the content hash to join on.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scout/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool used for retrieval rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Sink writes one row per retrieved page.
type Sink struct {
	pool  execCloser
	table string
}

// Open connects and creates the table if it does not exist.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a Sink from an existing pool (tests).
func NewWithPool(pool execCloser, table string) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "retrievals"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Sink{pool: pool, table: table}, nil
}

// Close releases the pool.
func (s *Sink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Sink) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id        TEXT PRIMARY KEY,
	candidate_id  TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL,
	final_url     TEXT NOT NULL DEFAULT '',
	capability    TEXT NOT NULL,
	status_code   INTEGER NOT NULL,
	content_hash  TEXT NOT NULL DEFAULT '',
	score         INTEGER NOT NULL,
	headers       JSONB NOT NULL DEFAULT '{}',
	retrieved_at  TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Store implements crawler.ResultSink. A repeated job id overwrites the row,
// since only the latest successful attempt is kept.
func (s *Sink) Store(ctx context.Context, result crawler.Result) error {
	if result.JobID == "" {
		return fmt.Errorf("result job id is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(result.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	candidate_id,
	url,
	final_url,
	capability,
	status_code,
	content_hash,
	score,
	headers,
	retrieved_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (job_id) DO UPDATE SET
	final_url = EXCLUDED.final_url,
	capability = EXCLUDED.capability,
	status_code = EXCLUDED.status_code,
	content_hash = EXCLUDED.content_hash,
	headers = EXCLUDED.headers,
	retrieved_at = EXCLUDED.retrieved_at`, s.table)

	args := []any{
		result.JobID,
		result.CandidateID,
		result.URL,
		result.FinalURL,
		string(result.Capability),
		result.StatusCode,
		result.ContentHash,
		result.Score,
		headersJSON,
		result.RetrievedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert retrieval: %w", err)
	}
	return nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
