// Package postgres implements a job store shared by many workers across
// processes. Claims use FOR UPDATE SKIP LOCKED so concurrent pollers never
// receive the same row.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/JakeFAU/scout/internal/crawler"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// Config controls the connection pool.
type Config struct {
	DSN             string
	// Owner tags the rows this process claims. Empty generates a random one.
	Owner           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// Store persists jobs in Postgres. Claimed rows carry the store's owner so
// a draining process only releases its own work.
type Store struct {
	pool  pool
	owner string
}

// Open connects, applies migrations, and returns a Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("jobstore.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(ctx, p); err != nil {
		p.Close()
		return nil, err
	}
	return &Store{pool: p, owner: ownerOrRandom(cfg.Owner)}, nil
}

func ownerOrRandom(owner string) string {
	if owner != "" {
		return owner
	}
	return uuid.NewString()
}

func migrate(ctx context.Context, p *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	db := stdlib.OpenDBFromPool(p)
	defer db.Close()
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// NewWithPool builds a Store on an existing pool (tests).
func NewWithPool(p pool, owner string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p, owner: ownerOrRandom(owner)}, nil
}

// Owner returns the claim tag written by PopMin.
func (s *Store) Owner() string {
	return s.owner
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Put inserts a new queued job.
func (s *Store) Put(ctx context.Context, job crawler.RetrievalJob) error {
	job.State = crawler.JobQueued
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO retrieval_jobs (id, url, capability, priority, not_before, enqueued_at, state, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.URL, string(job.Capability()), job.Priority, job.NotBefore, job.EnqueuedAt,
		string(job.State), payload)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("insert job %s: %w", job.ID, crawler.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// PopMin claims the lowest-ordered eligible job for capability.
func (s *Store) PopMin(ctx context.Context, capability crawler.Capability, now time.Time) (job crawler.RetrievalJob, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return job, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()

	var payload []byte
	err = tx.QueryRow(ctx, `
SELECT payload FROM retrieval_jobs
WHERE capability = $1 AND state = 'queued' AND not_before <= $2
ORDER BY priority, enqueued_at, id
FOR UPDATE SKIP LOCKED
LIMIT 1`, string(capability), now).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return job, crawler.ErrNoJob
	}
	if err != nil {
		return job, fmt.Errorf("claim next job: %w", err)
	}
	if err = json.Unmarshal(payload, &job); err != nil {
		return job, fmt.Errorf("decode job: %w", err)
	}
	job.State = crawler.JobInFlight
	if payload, err = json.Marshal(job); err != nil {
		return job, fmt.Errorf("marshal job: %w", err)
	}
	if _, err = tx.Exec(ctx, `UPDATE retrieval_jobs SET state = 'in_flight', claimed_by = $3, payload = $2 WHERE id = $1`,
		job.ID, payload, s.owner); err != nil {
		return job, fmt.Errorf("mark in flight %s: %w", job.ID, err)
	}
	return job, nil
}

// Ack deletes a completed job this store claimed.
func (s *Store) Ack(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM retrieval_jobs WHERE id = $1 AND state = 'in_flight' AND claimed_by = $2`,
		jobID, s.owner)
	if err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ack %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

// Nack requeues an in-flight job with its updated fields.
func (s *Store) Nack(ctx context.Context, job crawler.RetrievalJob) error {
	job.State = crawler.JobQueued
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE retrieval_jobs
SET capability = $2, priority = $3, not_before = $4, enqueued_at = $5, state = 'queued', claimed_by = '', payload = $6
WHERE id = $1 AND state = 'in_flight' AND claimed_by = $7`,
		job.ID, string(job.Capability()), job.Priority, job.NotBefore, job.EnqueuedAt, payload, s.owner)
	if err != nil {
		return fmt.Errorf("nack %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("nack %s: %w", job.ID, crawler.ErrNotFound)
	}
	return nil
}

// DeadLetter moves a job into the dead-letter table atomically.
func (s *Store) DeadLetter(ctx context.Context, letter crawler.DeadLetter) (err error) {
	letter.Job.State = crawler.JobDeadLettered
	payload, err := json.Marshal(letter.Job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()
	tag, err := tx.Exec(ctx, `DELETE FROM retrieval_jobs WHERE id = $1 AND (state <> 'in_flight' OR claimed_by = $2)`,
		letter.Job.ID, s.owner)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", letter.Job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead-letter %s: %w", letter.Job.ID, crawler.ErrNotFound)
	}
	if _, err = tx.Exec(ctx, `
INSERT INTO dead_letters (job_id, reason, at, payload) VALUES ($1, $2, $3, $4)
ON CONFLICT (job_id) DO UPDATE SET reason = EXCLUDED.reason, at = EXCLUDED.at, payload = EXCLUDED.payload`,
		letter.Job.ID, string(letter.Reason), letter.At, payload); err != nil {
		return fmt.Errorf("insert dead letter %s: %w", letter.Job.ID, err)
	}
	return nil
}

// Interrupt marks the jobs this store claimed interrupted. Rows claimed by
// other processes stay in flight.
func (s *Store) Interrupt(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE retrieval_jobs SET state = 'interrupted', claimed_by = ''
WHERE state = 'in_flight' AND claimed_by = $1`, s.owner)
	if err != nil {
		return 0, fmt.Errorf("interrupt jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Recover requeues interrupted jobs and lists every active job. In-flight
// rows are left alone: another process may own them.
func (s *Store) Recover(ctx context.Context) ([]crawler.RetrievalJob, error) {
	if _, err := s.pool.Exec(ctx, `UPDATE retrieval_jobs SET state = 'queued' WHERE state = 'interrupted'`); err != nil {
		return nil, fmt.Errorf("requeue interrupted: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT state, payload FROM retrieval_jobs ORDER BY priority, enqueued_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []crawler.RetrievalJob
	for rows.Next() {
		var (
			state   string
			payload []byte
			job     crawler.RetrievalJob
		)
		if err := rows.Scan(&state, &payload); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal(payload, &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		job.State = crawler.JobState(state)
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// DeadLetters lists retired jobs oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]crawler.DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `SELECT reason, at, payload FROM dead_letters ORDER BY at, job_id`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var out []crawler.DeadLetter
	for rows.Next() {
		var (
			reason  string
			letter  crawler.DeadLetter
			payload []byte
		)
		if err := rows.Scan(&reason, &letter.At, &payload); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(payload, &letter.Job); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		letter.Reason = crawler.DeadLetterReason(reason)
		out = append(out, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// Len counts active jobs.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM retrieval_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}
