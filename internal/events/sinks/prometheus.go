package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scout/internal/events"
	"github.com/JakeFAU/scout/internal/metrics"
)

// PrometheusSink derives job-level metrics from the event stream: outcomes,
// jobs currently running, per-domain retrieval counts, and time from first
// start to a terminal stage.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobLifetime   *prometheus.HistogramVec
	domainResults *prometheus.CounterVec
	classified    *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_lifecycle_jobs_started_total",
			Help: "Jobs that entered their first attempt.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_lifecycle_jobs_finished_total",
			Help: "Jobs that reached a terminal stage, by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scout_lifecycle_jobs_running",
			Help: "Jobs started but not yet terminal.",
		}),
		jobLifetime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scout_lifecycle_job_seconds",
			Help:    "Wall time from first start to terminal stage.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"result"}),
		domainResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_lifecycle_domain_results_total",
			Help: "Terminal job results per domain.",
		}, []string{"domain", "result"}),
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_lifecycle_classified_total",
			Help: "Domain classifications by category.",
		}, []string{"category"}),
		tracker: newJobTracker(),
	}
	for _, c := range []prometheus.Collector{
		s.jobsStarted, s.jobsFinished, s.jobsRunning, s.jobLifetime, s.domainResults, s.classified,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case events.StageJobStarted:
			if s.tracker.start(evt) {
				s.jobsStarted.Inc()
				s.jobsRunning.Inc()
			}
		case events.StageJobCompleted:
			s.finish(evt, "success")
		case events.StageJobDeadLettered:
			s.finish(evt, "dead_lettered")
		case events.StageJobInterrupted:
			if _, ok := s.tracker.complete(evt.JobID); ok {
				s.jobsRunning.Dec()
			}
		case events.StageClassified:
			s.classified.WithLabelValues(evt.Reason).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt events.Event, result string) {
	s.jobsFinished.WithLabelValues(result).Inc()
	domain := evt.Domain
	if domain == "" {
		domain = metrics.SanitizeSite(evt.URL)
	}
	s.domainResults.WithLabelValues(domain, result).Inc()
	started, ok := s.tracker.complete(evt.JobID)
	if !ok {
		return
	}
	s.jobsRunning.Dec()
	if d := evt.TS.Sub(started); d > 0 {
		s.jobLifetime.WithLabelValues(result).Observe(d.Seconds())
	}
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]events.Event
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]events.Event)}
}

// start records the first start of a job; retries do not restart the clock.
func (t *jobTracker) start(evt events.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[evt.JobID]; ok {
		return false
	}
	t.running[evt.JobID] = evt
	return true
}

func (t *jobTracker) complete(id string) (started time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	evt, ok := t.running[id]
	if !ok {
		return started, false
	}
	delete(t.running, id)
	return evt.TS, true
}
