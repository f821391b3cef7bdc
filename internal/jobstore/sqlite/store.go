// Package sqlite implements a durable single-process job store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/scout/internal/crawler"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store persists jobs in a single SQLite file. The connection pool is capped
// at one so every transaction is serialized.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts a new queued job.
func (s *Store) Put(ctx context.Context, job crawler.RetrievalJob) error {
	job.State = crawler.JobQueued
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO retrieval_jobs (id, url, capability, priority, not_before, enqueued_at, state, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.URL, string(job.Capability()), job.Priority,
		job.NotBefore.UnixNano(), job.EnqueuedAt.UnixNano(), string(job.State), string(payload))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("insert job %s: %w", job.ID, crawler.ErrDuplicate)
		}
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// PopMin claims the lowest-ordered eligible job for capability.
func (s *Store) PopMin(ctx context.Context, capability crawler.Capability, now time.Time) (job crawler.RetrievalJob, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()

	var payload string
	err = tx.QueryRowContext(ctx, `
SELECT payload FROM retrieval_jobs
WHERE capability = ? AND state = ? AND not_before <= ?
ORDER BY priority, enqueued_at, id
LIMIT 1`, string(capability), string(crawler.JobQueued), now.UnixNano()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return job, crawler.ErrNoJob
	}
	if err != nil {
		return job, fmt.Errorf("select next job: %w", err)
	}
	if err = json.Unmarshal([]byte(payload), &job); err != nil {
		return job, fmt.Errorf("decode job: %w", err)
	}
	job.State = crawler.JobInFlight
	if err = s.update(ctx, tx, job); err != nil {
		return job, err
	}
	return job, nil
}

// Ack deletes a completed in-flight job.
func (s *Store) Ack(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM retrieval_jobs WHERE id = ? AND state = ?`, jobID, string(crawler.JobInFlight))
	if err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	return expectRow(res, "ack", jobID)
}

// Nack requeues an in-flight job with its updated fields.
func (s *Store) Nack(ctx context.Context, job crawler.RetrievalJob) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()
	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM retrieval_jobs WHERE id = ?`, job.ID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && state != string(crawler.JobInFlight)) {
		return fmt.Errorf("nack %s: %w", job.ID, crawler.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("nack %s: %w", job.ID, err)
	}
	job.State = crawler.JobQueued
	return s.update(ctx, tx, job)
}

// DeadLetter moves a job into the dead-letter table.
func (s *Store) DeadLetter(ctx context.Context, letter crawler.DeadLetter) (err error) {
	letter.Job.State = crawler.JobDeadLettered
	payload, err := json.Marshal(letter.Job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()
	res, err := tx.ExecContext(ctx, `DELETE FROM retrieval_jobs WHERE id = ?`, letter.Job.ID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", letter.Job.ID, err)
	}
	if err = expectRow(res, "dead-letter", letter.Job.ID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO dead_letters (job_id, reason, at, payload) VALUES (?, ?, ?, ?)`,
		letter.Job.ID, string(letter.Reason), letter.At.UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", letter.Job.ID, err)
	}
	return nil
}

// Interrupt marks every in-flight job interrupted.
func (s *Store) Interrupt(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE retrieval_jobs SET state = ? WHERE state = ?`,
		string(crawler.JobInterrupted), string(crawler.JobInFlight))
	if err != nil {
		return 0, fmt.Errorf("interrupt jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("interrupt rows: %w", err)
	}
	return int(n), nil
}

// Recover requeues interrupted jobs, plus in-flight rows left by a crash, and
// lists every active job.
func (s *Store) Recover(ctx context.Context) ([]crawler.RetrievalJob, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE retrieval_jobs SET state = ? WHERE state IN (?, ?)`,
		string(crawler.JobQueued), string(crawler.JobInterrupted), string(crawler.JobInFlight)); err != nil {
		return nil, fmt.Errorf("requeue interrupted: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM retrieval_jobs ORDER BY priority, enqueued_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []crawler.RetrievalJob
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var job crawler.RetrievalJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		job.State = crawler.JobQueued
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// DeadLetters lists retired jobs oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]crawler.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reason, at, payload FROM dead_letters ORDER BY at, job_id`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var out []crawler.DeadLetter
	for rows.Next() {
		var (
			reason  string
			at      int64
			payload string
		)
		if err := rows.Scan(&reason, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letter := crawler.DeadLetter{Reason: crawler.DeadLetterReason(reason), At: time.Unix(0, at).UTC()}
		if err := json.Unmarshal([]byte(payload), &letter.Job); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
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
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retrieval_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *Store) update(ctx context.Context, tx *sql.Tx, job crawler.RetrievalJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
UPDATE retrieval_jobs
SET capability = ?, priority = ?, not_before = ?, enqueued_at = ?, state = ?, payload = ?
WHERE id = ?`,
		string(job.Capability()), job.Priority, job.NotBefore.UnixNano(), job.EnqueuedAt.UnixNano(),
		string(job.State), string(payload), job.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return nil
}

func expectRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s rows: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, crawler.ErrNotFound)
	}
	return nil
}
