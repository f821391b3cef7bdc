// Package scheduler owns retrieval jobs between admission and their terminal
// state. It orders work per capability, routes failures through backoff and
// capability escalation, and retires jobs to the dead-letter list.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scout/internal/clock"
	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/events"
	"github.com/JakeFAU/scout/internal/id/uuid"
	"github.com/JakeFAU/scout/internal/metrics"
)

const (
	defaultMaxAttempts           = 5
	defaultRetryPenalty          = 10
	defaultFailuresPerCapability = 2
	defaultPollInterval          = 250 * time.Millisecond
)

// Config tunes retry routing. Zero values fall back to defaults.
type Config struct {
	MaxAttempts           int
	RetryPenalty          int
	FailuresPerCapability int
	PollInterval          time.Duration
	Backoff               Backoff

	Clock  crawler.Clock
	IDs    crawler.IDGenerator
	Events events.Emitter
	Logger *zap.Logger
}

// Disposition reports what Fail did with a job.
type Disposition int

// Fail outcomes.
const (
	// Retried requeues the job on the same capability.
	Retried Disposition = iota
	// Escalated requeues the job on the next chain entry.
	Escalated
	// DeadLettered retires the job.
	DeadLettered
)

func (d Disposition) String() string {
	switch d {
	case Retried:
		return "retried"
	case Escalated:
		return "escalated"
	default:
		return "dead_lettered"
	}
}

// Stats is a point-in-time view of scheduler occupancy.
type Stats struct {
	Queued   map[crawler.Capability]int `json:"queued"`
	InFlight int                        `json:"in_flight"`
	Active   int                        `json:"active"`
	Closed   bool                       `json:"closed"`
}

// Priority derives a job priority; lower runs first.
func Priority(score, attempts, penalty int) int {
	return (100 - score) + attempts*penalty
}

// Scheduler is safe for concurrent use by producers and workers.
type Scheduler struct {
	cfg    Config
	store  crawler.JobStore
	logger *zap.Logger

	mu       sync.Mutex
	active   map[string]string // url -> job id
	inflight map[string]crawler.RetrievalJob
	queued   map[crawler.Capability]int
	wake     map[crawler.Capability]chan struct{}
	idle     chan struct{}
	closed   bool
	done     chan struct{}
}

// New builds a Scheduler over store.
func New(cfg Config, store crawler.JobStore) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("scheduler: job store is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryPenalty < 0 {
		return nil, fmt.Errorf("scheduler: retry penalty must be >= 0")
	}
	if cfg.RetryPenalty == 0 {
		cfg.RetryPenalty = defaultRetryPenalty
	}
	if cfg.FailuresPerCapability <= 0 {
		cfg.FailuresPerCapability = defaultFailuresPerCapability
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = time.Second
	}
	if cfg.Backoff.Cap <= 0 {
		cfg.Backoff.Cap = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.NewWithPrefix("job_")
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		logger:   cfg.Logger.Named("scheduler"),
		active:   make(map[string]string),
		inflight: make(map[string]crawler.RetrievalJob),
		queued:   make(map[crawler.Capability]int),
		wake:     make(map[crawler.Capability]chan struct{}),
		idle:     idle,
		done:     make(chan struct{}),
	}
	for _, c := range crawler.AllCapabilities {
		s.wake[c] = make(chan struct{}, 1)
	}
	return s, nil
}

// Enqueue admits job. It returns false without error when the URL already
// has an active job.
func (s *Scheduler) Enqueue(ctx context.Context, job crawler.RetrievalJob) (bool, error) {
	if job.URL == "" {
		return false, errors.New("enqueue: url is required")
	}
	if len(job.Chain) == 0 {
		return false, errors.New("enqueue: capability chain is empty")
	}
	for _, c := range job.Chain {
		if !c.Valid() {
			return false, fmt.Errorf("enqueue: unknown capability %q", c)
		}
	}
	if job.ID == "" {
		id, err := s.cfg.IDs.NewID()
		if err != nil {
			return false, fmt.Errorf("enqueue: %w", err)
		}
		job.ID = id
	}
	now := s.cfg.Clock.Now()
	job = job.Clone()
	if job.Domain == "" {
		job.Domain = crawler.Domain(job.URL)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.cfg.MaxAttempts
	}
	if job.ChainIndex < 0 || job.ChainIndex >= len(job.Chain) {
		job.ChainIndex = 0
	}
	job.Priority = Priority(job.Score, job.Attempts, s.cfg.RetryPenalty)
	job.EnqueuedAt = now
	if job.NotBefore.IsZero() {
		job.NotBefore = now
	}
	job.State = crawler.JobQueued

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, crawler.ErrSchedulerClosed
	}
	if _, dup := s.active[job.URL]; dup {
		s.mu.Unlock()
		return false, nil
	}
	s.reserveLocked(job.URL, job.ID)
	s.mu.Unlock()

	if err := s.store.Put(ctx, job); err != nil {
		s.mu.Lock()
		s.releaseLocked(job.URL)
		s.mu.Unlock()
		if errors.Is(err, crawler.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("enqueue %s: %w", job.URL, err)
	}

	s.mu.Lock()
	s.queued[job.Capability()]++
	depth := s.depthLocked()
	s.mu.Unlock()

	s.signal(job.Capability())
	metrics.ObserveEnqueued(string(job.Capability()))
	metrics.SetQueueDepth(depth)
	s.cfg.Events.Emit(jobEvent(events.StageJobEnqueued, job, now))
	s.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.String("capability", string(job.Capability())),
		zap.Int("priority", job.Priority),
	)
	return true, nil
}

// Dequeue blocks until an eligible job for capability exists and returns it
// in flight. It returns ErrSchedulerClosed once Close has been called.
func (s *Scheduler) Dequeue(ctx context.Context, capability crawler.Capability) (crawler.RetrievalJob, error) {
	wake, ok := s.wake[capability]
	if !ok {
		return crawler.RetrievalJob{}, fmt.Errorf("dequeue: unknown capability %q", capability)
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if s.isClosed() {
			return crawler.RetrievalJob{}, crawler.ErrSchedulerClosed
		}
		if err := ctx.Err(); err != nil {
			return crawler.RetrievalJob{}, err
		}
		now := s.cfg.Clock.Now()
		job, err := s.store.PopMin(ctx, capability, now)
		switch {
		case err == nil:
			s.mu.Lock()
			s.inflight[job.ID] = job
			if s.queued[capability] > 0 {
				s.queued[capability]--
			}
			depth := s.depthLocked()
			s.mu.Unlock()

			metrics.IncInFlight(string(capability))
			metrics.SetQueueDepth(depth)
			s.cfg.Events.Emit(jobEvent(events.StageJobStarted, job, now))
			return job, nil
		case !errors.Is(err, crawler.ErrNoJob):
			return crawler.RetrievalJob{}, fmt.Errorf("dequeue %s: %w", capability, err)
		}
		select {
		case <-ctx.Done():
			return crawler.RetrievalJob{}, ctx.Err()
		case <-s.done:
		case <-wake:
		case <-ticker.C:
		}
	}
}

// Complete acknowledges a successful retrieval.
func (s *Scheduler) Complete(ctx context.Context, job crawler.RetrievalJob) error {
	current, err := s.takeInflight(job.ID)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if err := s.store.Ack(ctx, job.ID); err != nil {
		s.restoreInflight(current)
		return fmt.Errorf("complete %s: %w", job.ID, err)
	}
	now := s.cfg.Clock.Now()
	s.finish(current)
	metrics.DecInFlight(string(current.Capability()))
	metrics.ObserveCompleted(string(current.Capability()))
	s.cfg.Events.Emit(jobEvent(events.StageJobCompleted, current, now))
	return nil
}

// Fail routes a failed attempt. Transient failures retry on the same
// capability until FailuresPerCapability is reached, permanent failures move
// to the next chain entry at once, and jobs are dead-lettered when attempts
// reach MaxAttempts or the chain runs out.
func (s *Scheduler) Fail(ctx context.Context, job crawler.RetrievalJob, failure *crawler.RetrievalError) (Disposition, error) {
	if failure == nil {
		failure = crawler.NewTransient(crawler.CodeNetwork, 0, errors.New("unspecified failure"))
	}
	current, err := s.takeInflight(job.ID)
	if err != nil {
		return DeadLettered, fmt.Errorf("fail: %w", err)
	}
	if job.CredentialID != "" {
		current.CredentialID = job.CredentialID
	}
	from := current.Capability()
	now := s.cfg.Clock.Now()

	current.Attempts++
	current.LastErrorCode = failure.Code
	current.LastError = failure.Error()

	if current.Attempts >= current.MaxAttempts {
		return s.deadLetter(ctx, current, from, crawler.ReasonMaxAttempts, now)
	}

	advance := !failure.Transient()
	if failure.Transient() {
		current.CapabilityAttempts++
		advance = current.CapabilityAttempts >= s.cfg.FailuresPerCapability
	}
	disposition := Retried
	if advance {
		current.ChainIndex++
		current.CapabilityAttempts = 0
		current.CredentialID = ""
		if current.ChainExhausted() {
			return s.deadLetter(ctx, current, from, crawler.ReasonStrategyExhausted, now)
		}
		disposition = Escalated
	}

	current.NotBefore = now.Add(s.cfg.Backoff.Delay(current.Attempts - 1))
	current.Priority = Priority(current.Score, current.Attempts, s.cfg.RetryPenalty)
	current.EnqueuedAt = now
	current.State = crawler.JobQueued
	if err := s.store.Nack(ctx, current); err != nil {
		s.finish(current)
		metrics.DecInFlight(string(from))
		return disposition, fmt.Errorf("requeue %s: %w", current.ID, err)
	}

	to := current.Capability()
	s.mu.Lock()
	s.queued[to]++
	depth := s.depthLocked()
	s.mu.Unlock()
	s.signal(to)

	metrics.DecInFlight(string(from))
	metrics.SetQueueDepth(depth)
	metrics.ObserveRetry(string(from), failure.Code)
	if disposition == Escalated {
		metrics.ObserveEscalation(string(from), string(to))
	}
	evt := jobEvent(events.StageJobRetried, current, now)
	evt.Code = failure.Code
	evt.StatusCode = failure.StatusCode
	evt.Note = disposition.String()
	s.cfg.Events.Emit(evt)
	s.logger.Debug("job requeued",
		zap.String("job_id", current.ID),
		zap.String("url", current.URL),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("attempts", current.Attempts),
		zap.Time("not_before", current.NotBefore),
		zap.String("code", failure.Code),
	)
	return disposition, nil
}

func (s *Scheduler) deadLetter(ctx context.Context, job crawler.RetrievalJob, from crawler.Capability, reason crawler.DeadLetterReason, now time.Time) (Disposition, error) {
	job.State = crawler.JobDeadLettered
	letter := crawler.DeadLetter{Job: job, Reason: reason, At: now}
	err := s.store.DeadLetter(ctx, letter)
	s.finish(job)
	metrics.DecInFlight(string(from))
	if err != nil {
		return DeadLettered, fmt.Errorf("dead-letter %s: %w", job.ID, err)
	}
	metrics.ObserveDeadLetter(string(reason))
	evt := jobEvent(events.StageJobDeadLettered, job, now)
	evt.Capability = string(from)
	evt.Code = job.LastErrorCode
	evt.Reason = string(reason)
	s.cfg.Events.Emit(evt)
	s.logger.Info("job dead-lettered",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.String("reason", string(reason)),
		zap.Int("attempts", job.Attempts),
		zap.String("last_error", job.LastError),
	)
	return DeadLettered, nil
}

// Close stops admission and wakes blocked Dequeue callers. In-flight jobs may
// still be completed or failed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Interrupt persists every in-flight job as interrupted so Recover can
// requeue it after a restart.
func (s *Scheduler) Interrupt(ctx context.Context) (int, error) {
	n, err := s.store.Interrupt(ctx)
	if err != nil {
		return 0, fmt.Errorf("interrupt: %w", err)
	}
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	jobs := make([]crawler.RetrievalJob, 0, len(s.inflight))
	for id, job := range s.inflight {
		jobs = append(jobs, job)
		delete(s.inflight, id)
		s.releaseLocked(job.URL)
	}
	s.mu.Unlock()
	for _, job := range jobs {
		job.State = crawler.JobInterrupted
		metrics.DecInFlight(string(job.Capability()))
		s.cfg.Events.Emit(jobEvent(events.StageJobInterrupted, job, now))
	}
	if n > 0 {
		s.logger.Info("in-flight jobs interrupted", zap.Int("count", n))
	}
	return n, nil
}

// Recover reloads active jobs from the store after a restart and returns how
// many are ready to run.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.Recover(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	ready := 0
	touched := make(map[crawler.Capability]struct{})
	s.mu.Lock()
	for _, job := range jobs {
		if _, known := s.active[job.URL]; !known {
			s.reserveLocked(job.URL, job.ID)
		}
		if job.State != crawler.JobQueued {
			continue
		}
		s.queued[job.Capability()]++
		touched[job.Capability()] = struct{}{}
		ready++
	}
	depth := s.depthLocked()
	s.mu.Unlock()
	for c := range touched {
		s.signal(c)
	}
	metrics.SetQueueDepth(depth)
	if ready > 0 {
		s.logger.Info("recovered jobs", zap.Int("ready", ready), zap.Int("active", len(jobs)))
	}
	return ready, nil
}

// WaitIdle blocks until no job is queued or in flight.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeadLetters lists retired jobs.
func (s *Scheduler) DeadLetters(ctx context.Context) ([]crawler.DeadLetter, error) {
	letters, err := s.store.DeadLetters(ctx)
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	return letters, nil
}

// Stats reports queue occupancy.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := make(map[crawler.Capability]int, len(s.queued))
	for c, n := range s.queued {
		if n > 0 {
			queued[c] = n
		}
	}
	return Stats{
		Queued:   queued,
		InFlight: len(s.inflight),
		Active:   len(s.active),
		Closed:   s.closed,
	}
}

// InFlight lists in-flight jobs ordered by ID.
func (s *Scheduler) InFlight() []crawler.RetrievalJob {
	s.mu.Lock()
	out := make([]crawler.RetrievalJob, 0, len(s.inflight))
	for _, job := range s.inflight {
		out = append(out, job.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scheduler) signal(c crawler.Capability) {
	ch, ok := s.wake[c]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Scheduler) takeInflight(jobID string) (crawler.RetrievalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.inflight[jobID]
	if !ok {
		return crawler.RetrievalJob{}, fmt.Errorf("job %s not in flight: %w", jobID, crawler.ErrNotFound)
	}
	delete(s.inflight, jobID)
	return job, nil
}

func (s *Scheduler) restoreInflight(job crawler.RetrievalJob) {
	s.mu.Lock()
	s.inflight[job.ID] = job
	s.mu.Unlock()
}

// finish releases the URL of a job that left the active set.
func (s *Scheduler) finish(job crawler.RetrievalJob) {
	s.mu.Lock()
	if s.active[job.URL] == job.ID {
		s.releaseLocked(job.URL)
	}
	s.mu.Unlock()
}

func (s *Scheduler) reserveLocked(url, id string) {
	if len(s.active) == 0 {
		s.idle = make(chan struct{})
	}
	s.active[url] = id
}

func (s *Scheduler) releaseLocked(url string) {
	if _, ok := s.active[url]; !ok {
		return
	}
	delete(s.active, url)
	if len(s.active) == 0 {
		close(s.idle)
	}
}

func (s *Scheduler) depthLocked() int {
	total := 0
	for _, n := range s.queued {
		total += n
	}
	return total
}

func jobEvent(stage events.Stage, job crawler.RetrievalJob, now time.Time) events.Event {
	return events.Event{
		JobID:      job.ID,
		TS:         now,
		Stage:      stage,
		URL:        job.URL,
		Domain:     job.Domain,
		Capability: string(job.Capability()),
		Attempt:    job.Attempts,
	}
}
