// Package sinks implements event consumers for structured logs and
// Prometheus. Each sink satisfies events.Sink.
package sinks
