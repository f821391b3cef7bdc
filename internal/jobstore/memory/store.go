// Package memory provides the in-process job store used by the discover
// command and by tests.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/scout/internal/crawler"
)

// Store keeps two heaps per capability: delayed jobs ordered by NotBefore and
// ready jobs ordered by (priority, enqueue time, ID). PopMin promotes due
// jobs before popping so eligibility never hides a lower-priority ready job.
type Store struct {
	mu     sync.Mutex
	queues map[crawler.Capability]*queue
	jobs   map[string]*crawler.RetrievalJob
	urls   map[string]string
	dead   []crawler.DeadLetter
}

type queue struct {
	ready   readyHeap
	delayed delayedHeap
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		queues: make(map[crawler.Capability]*queue),
		jobs:   make(map[string]*crawler.RetrievalJob),
		urls:   make(map[string]string),
	}
}

// Put stores a new queued job.
func (s *Store) Put(_ context.Context, job crawler.RetrievalJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("put %s: %w", job.ID, crawler.ErrDuplicate)
	}
	if _, exists := s.urls[job.URL]; exists {
		return fmt.Errorf("put %s: %w", job.URL, crawler.ErrDuplicate)
	}
	job = job.Clone()
	job.State = crawler.JobQueued
	s.jobs[job.ID] = &job
	s.urls[job.URL] = job.ID
	s.push(&job)
	return nil
}

// PopMin removes the lowest-ordered eligible job for capability.
func (s *Store) PopMin(_ context.Context, capability crawler.Capability, now time.Time) (crawler.RetrievalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[capability]
	if !ok {
		return crawler.RetrievalJob{}, crawler.ErrNoJob
	}
	for q.delayed.Len() > 0 && q.delayed[0].Eligible(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}
	if q.ready.Len() == 0 {
		return crawler.RetrievalJob{}, crawler.ErrNoJob
	}
	job := heap.Pop(&q.ready).(*crawler.RetrievalJob)
	job.State = crawler.JobInFlight
	return job.Clone(), nil
}

// Ack removes a completed in-flight job.
func (s *Store) Ack(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.State != crawler.JobInFlight {
		return fmt.Errorf("ack %s: %w", jobID, crawler.ErrNotFound)
	}
	delete(s.jobs, jobID)
	delete(s.urls, job.URL)
	return nil
}

// Nack requeues an in-flight job with its updated fields.
func (s *Store) Nack(_ context.Context, job crawler.RetrievalJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok || current.State != crawler.JobInFlight {
		return fmt.Errorf("nack %s: %w", job.ID, crawler.ErrNotFound)
	}
	job = job.Clone()
	job.State = crawler.JobQueued
	s.jobs[job.ID] = &job
	s.push(&job)
	return nil
}

// DeadLetter retires an in-flight job.
func (s *Store) DeadLetter(_ context.Context, letter crawler.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[letter.Job.ID]
	if !ok {
		return fmt.Errorf("dead-letter %s: %w", letter.Job.ID, crawler.ErrNotFound)
	}
	delete(s.jobs, letter.Job.ID)
	delete(s.urls, current.URL)
	letter.Job = letter.Job.Clone()
	letter.Job.State = crawler.JobDeadLettered
	s.dead = append(s.dead, letter)
	return nil
}

// Interrupt marks every in-flight job interrupted.
func (s *Store) Interrupt(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.State == crawler.JobInFlight {
			job.State = crawler.JobInterrupted
			n++
		}
	}
	return n, nil
}

// Recover requeues interrupted jobs and lists every active job.
func (s *Store) Recover(context.Context) ([]crawler.RetrievalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.RetrievalJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.State == crawler.JobInterrupted {
			job.State = crawler.JobQueued
			s.push(job)
		}
		out = append(out, job.Clone())
	}
	return out, nil
}

// DeadLetters lists retired jobs in the order they were retired.
func (s *Store) DeadLetters(context.Context) ([]crawler.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.DeadLetter, len(s.dead))
	copy(out, s.dead)
	return out, nil
}

// Len counts active (queued, in-flight, or interrupted) jobs.
func (s *Store) Len(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs), nil
}

func (s *Store) push(job *crawler.RetrievalJob) {
	q, ok := s.queues[job.Capability()]
	if !ok {
		q = &queue{}
		s.queues[job.Capability()] = q
	}
	heap.Push(&q.delayed, job)
}

type readyHeap []*crawler.RetrievalJob

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h[i].Less(*h[j]) }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(*crawler.RetrievalJob)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type delayedHeap []*crawler.RetrievalJob

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].NotBefore.Equal(h[j].NotBefore) {
		return h[i].NotBefore.Before(h[j].NotBefore)
	}
	return h[i].Less(*h[j])
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(*crawler.RetrievalJob)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
