package events

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageJobEnqueued     Stage = "JOB_ENQUEUED"
	StageJobStarted      Stage = "JOB_STARTED"
	StageJobRetried      Stage = "JOB_RETRIED"
	StageJobCompleted    Stage = "JOB_COMPLETED"
	StageJobDeadLettered Stage = "JOB_DEAD_LETTERED"
	StageJobInterrupted  Stage = "JOB_INTERRUPTED"
	StageClassified      Stage = "CLASSIFIED"
)

// Event captures one lifecycle milestone.
type Event struct {
	// JobID identifies the retrieval job; empty for domain-level events.
	JobID string `json:"job_id,omitempty"`
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time `json:"ts"`
	Stage Stage     `json:"stage"`
	// URL is the target page; it never contains credentials.
	URL        string `json:"url,omitempty"`
	Domain     string `json:"domain,omitempty"`
	Capability string `json:"capability,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	// Code is the failure code for retried and dead-lettered jobs.
	Code string `json:"code,omitempty"`
	// Reason is the dead-letter reason or the protection category.
	Reason     string        `json:"reason,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Dur        time.Duration `json:"dur,omitempty"`
	Note       string        `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobEnqueued, StageJobStarted, StageJobCompleted, StageJobInterrupted:
		if e.JobID == "" {
			return errors.New("job id is required")
		}
	case StageJobRetried:
		if e.JobID == "" {
			return errors.New("job id is required")
		}
		if e.Code == "" {
			return errors.New("retry requires an error code")
		}
	case StageJobDeadLettered:
		if e.JobID == "" {
			return errors.New("job id is required")
		}
		if e.Reason == "" {
			return errors.New("dead letter requires a reason")
		}
	case StageClassified:
		if e.Domain == "" {
			return errors.New("classification requires domain")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
