// Package events provides the lifecycle event primitives and the non-blocking
// hub the scheduler and workers use to report job progress. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// structured logs, Prometheus, or a Pub/Sub topic.
package events
