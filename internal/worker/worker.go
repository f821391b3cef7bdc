// Package worker implements the retrieval loop for one capability.
package worker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/metrics"
	"github.com/JakeFAU/scout/internal/policy/ratelimit"
	"github.com/JakeFAU/scout/internal/scheduler"
	"github.com/JakeFAU/scout/internal/telemetry"
)

// Scheduler is the subset of scheduler.Scheduler a pool consumes.
type Scheduler interface {
	Dequeue(ctx context.Context, capability crawler.Capability) (crawler.RetrievalJob, error)
	Complete(ctx context.Context, job crawler.RetrievalJob) error
	Fail(ctx context.Context, job crawler.RetrievalJob, failure *crawler.RetrievalError) (scheduler.Disposition, error)
}

// Credentials leases quota for capabilities that need it.
type Credentials interface {
	Acquire(service string) (crawler.Lease, error)
	Report(lease crawler.Lease, outcome crawler.CredentialOutcome)
}

// Limiter gates requests per domain and per credential.
type Limiter interface {
	Wait(ctx context.Context, kind, key string) error
	Backoff(kind, key string)
}

// ContentDeduper detects mirrored content.
type ContentDeduper interface {
	SeenContent(ctx context.Context, hash, id string) (string, bool)
}

// DomainOutcomes receives per-domain retrieval outcomes. The classifier uses
// them to expire classifications early.
type DomainOutcomes interface {
	RecordFailure(domain string)
	RecordSuccess(domain string)
}

// StrategyRecorder tracks per-(domain, capability) success.
type StrategyRecorder interface {
	Record(domain string, capability crawler.Capability, success bool)
}

// Candidates moves candidates through their lifecycle.
type Candidates interface {
	Transition(id string, state crawler.CandidateState) error
}

// Deps are the collaborators a Pool needs. Scheduler, Fetcher, and Sink are
// required; everything else is optional.
type Deps struct {
	Scheduler   Scheduler
	Fetcher     crawler.Fetcher
	Sink        crawler.ResultSink
	Hasher      crawler.Hasher
	Clock       crawler.Clock
	Credentials Credentials
	Limiter     Limiter
	Dedup       ContentDeduper
	Outcomes    DomainOutcomes
	Strategy    StrategyRecorder
	Candidates  Candidates
	Logger      *zap.Logger
}

// Pool runs up to Spec.Concurrency retrievals for one capability.
type Pool struct {
	capability crawler.Capability
	spec       crawler.CapabilitySpec
	deps       Deps
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New constructs a Pool.
func New(capability crawler.Capability, spec crawler.CapabilitySpec, deps Deps) (*Pool, error) {
	if !capability.Valid() {
		return nil, errors.New("worker: unknown capability " + string(capability))
	}
	if deps.Scheduler == nil || deps.Fetcher == nil || deps.Sink == nil {
		return nil, errors.New("worker: scheduler, fetcher, and sink are required")
	}
	if spec.Concurrency <= 0 {
		spec.Concurrency = 1
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pool{
		capability: capability,
		spec:       spec,
		deps:       deps,
		logger:     deps.Logger.Named("worker").With(zap.String("capability", string(capability))),
		tracer:     telemetry.Tracer(),
	}, nil
}

// Capability returns the capability this pool serves.
func (p *Pool) Capability() crawler.Capability {
	return p.capability
}

// Run dequeues until stop is done or the scheduler closes. Retrievals run
// under work, which may outlive stop so in-flight jobs can finish. Run
// returns once every started retrieval has returned.
func (p *Pool) Run(stop, work context.Context) {
	sem := semaphore.NewWeighted(int64(p.spec.Concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		if err := sem.Acquire(stop, 1); err != nil {
			return
		}
		job, err := p.deps.Scheduler.Dequeue(stop, p.capability)
		if err != nil {
			sem.Release(1)
			if stop.Err() != nil || errors.Is(err, crawler.ErrSchedulerClosed) {
				return
			}
			p.logger.Error("dequeue failed", zap.Error(err))
			select {
			case <-stop.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			p.Process(work, job)
		}()
	}
}

// Process performs one retrieval attempt for an in-flight job. When ctx is
// cancelled mid-attempt the job is left in flight for Interrupt to persist.
func (p *Pool) Process(ctx context.Context, job crawler.RetrievalJob) {
	ctx, span := p.tracer.Start(ctx, "retrieve", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("url", job.URL),
		attribute.String("capability", string(p.capability)),
		attribute.Int("attempt", job.Attempts+1),
	))
	defer span.End()

	logger := p.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))
	p.transition(job.CandidateID, crawler.CandidateInProgress, logger)

	if err := p.wait(ctx, ratelimit.KindDomain, job.Domain); err != nil {
		logger.Debug("domain wait interrupted", zap.Error(err))
		return
	}

	var lease *crawler.Lease
	if p.spec.UsesCredentials() && p.deps.Credentials != nil {
		l, err := p.deps.Credentials.Acquire(p.spec.CredentialService)
		switch {
		case err == nil:
			lease = &l
			job.CredentialID = l.CredentialID
		case p.spec.CredentialRequired:
			logger.Warn("no credential available", zap.String("service", p.spec.CredentialService), zap.Error(err))
			span.SetStatus(codes.Error, "no credential")
			p.fail(ctx, job, crawler.NewTransient(crawler.CodeNoCredential, 0, err), logger)
			return
		}
	}
	if lease != nil {
		if err := p.wait(ctx, ratelimit.KindCredential, lease.CredentialID); err != nil {
			logger.Debug("credential wait interrupted", zap.Error(err))
			return
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.spec.Timeout)
	started := time.Now()
	resp, err := p.deps.Fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		JobID: job.ID,
		URL:   job.URL,
		Lease: lease,
	})
	cancel()
	elapsed := time.Since(started)
	if ctx.Err() != nil {
		logger.Info("retrieval cancelled during shutdown")
		return
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if failure := crawler.ClassifyFailure(resp, err); failure != nil {
		metrics.ObserveRetrieval(string(p.capability), failure.Code, elapsed)
		span.SetStatus(codes.Error, failure.Code)
		p.reportCredential(lease, failure)
		if failure.Code == crawler.CodeRateLimited && p.deps.Limiter != nil {
			p.deps.Limiter.Backoff(ratelimit.KindDomain, job.Domain)
			if lease != nil {
				p.deps.Limiter.Backoff(ratelimit.KindCredential, lease.CredentialID)
			}
		}
		p.recordOutcome(job.Domain, false)
		logger.Info("retrieval failed",
			zap.String("code", failure.Code),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", elapsed),
			zap.Error(failure.Err),
		)
		p.fail(ctx, job, failure, logger)
		return
	}

	metrics.ObserveRetrieval(string(p.capability), "ok", elapsed)
	if err := p.store(ctx, job, resp, logger); err != nil {
		span.SetStatus(codes.Error, "sink")
		p.reportCredential(lease, nil)
		p.fail(ctx, job, crawler.NewTransient(crawler.CodeSink, resp.StatusCode, err), logger)
		return
	}
	p.reportCredential(lease, nil)
	p.recordOutcome(job.Domain, true)
	if err := p.deps.Scheduler.Complete(ctx, job); err != nil {
		if ctx.Err() != nil {
			logger.Info("complete interrupted during shutdown", zap.Error(err))
			return
		}
		logger.Error("complete failed", zap.Error(err))
		p.fail(ctx, job, crawler.NewTransient(crawler.CodeAck, resp.StatusCode, err), logger)
		return
	}
	p.transition(job.CandidateID, crawler.CandidateRetrieved, logger)
	logger.Debug("retrieved", zap.Int("status", resp.StatusCode), zap.Duration("elapsed", elapsed))
}

func (p *Pool) store(ctx context.Context, job crawler.RetrievalJob, resp crawler.FetchResponse, logger *zap.Logger) error {
	result := crawler.Result{
		JobID:       job.ID,
		CandidateID: job.CandidateID,
		URL:         job.URL,
		FinalURL:    resp.URL,
		Capability:  p.capability,
		StatusCode:  resp.StatusCode,
		Headers:     resp.Headers,
		Body:        resp.Body,
		Score:       job.Score,
		RetrievedAt: p.now(),
		Metadata: map[string]string{
			"domain":   job.Domain,
			"attempts": strconv.Itoa(job.Attempts + 1),
		},
	}
	if p.deps.Hasher != nil {
		hash, err := p.deps.Hasher.Hash(resp.Body)
		if err != nil {
			return err
		}
		result.ContentHash = hash
		if p.deps.Dedup != nil {
			if first, seen := p.deps.Dedup.SeenContent(ctx, hash, job.ID); seen && first != job.ID {
				logger.Debug("duplicate content", zap.String("first_job_id", first))
				return nil
			}
		}
	}
	return p.deps.Sink.Store(ctx, result)
}

func (p *Pool) fail(ctx context.Context, job crawler.RetrievalJob, failure *crawler.RetrievalError, logger *zap.Logger) {
	disposition, err := p.deps.Scheduler.Fail(ctx, job, failure)
	if err != nil {
		logger.Error("fail job", zap.Error(err))
		p.transition(job.CandidateID, crawler.CandidateFailed, logger)
		return
	}
	if disposition == scheduler.DeadLettered {
		p.transition(job.CandidateID, crawler.CandidateDeadLettered, logger)
		return
	}
	p.transition(job.CandidateID, crawler.CandidateQueued, logger)
}

func (p *Pool) wait(ctx context.Context, kind, key string) error {
	if p.deps.Limiter == nil {
		return nil
	}
	return p.deps.Limiter.Wait(ctx, kind, key)
}

func (p *Pool) reportCredential(lease *crawler.Lease, failure *crawler.RetrievalError) {
	if lease == nil || p.deps.Credentials == nil {
		return
	}
	outcome := crawler.OutcomeSuccess
	if failure != nil {
		outcome = crawler.OutcomeFailure
		switch {
		case failure.Code == crawler.CodeRateLimited:
			outcome = crawler.OutcomeRateLimited
		case failure.StatusCode == http.StatusPaymentRequired:
			outcome = crawler.OutcomeQuotaRejected
		}
	}
	p.deps.Credentials.Report(*lease, outcome)
}

func (p *Pool) recordOutcome(domain string, success bool) {
	if p.deps.Strategy != nil {
		p.deps.Strategy.Record(domain, p.capability, success)
	}
	if p.deps.Outcomes == nil {
		return
	}
	if success {
		p.deps.Outcomes.RecordSuccess(domain)
		return
	}
	p.deps.Outcomes.RecordFailure(domain)
}

func (p *Pool) transition(id string, state crawler.CandidateState, logger *zap.Logger) {
	if id == "" || p.deps.Candidates == nil {
		return
	}
	if err := p.deps.Candidates.Transition(id, state); err != nil {
		logger.Debug("candidate transition skipped", zap.String("state", string(state)), zap.Error(err))
	}
}

func (p *Pool) now() time.Time {
	if p.deps.Clock == nil {
		return time.Now().UTC()
	}
	return p.deps.Clock.Now()
}
