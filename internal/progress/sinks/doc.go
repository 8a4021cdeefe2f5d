// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, run history storage, content publishing and blob
// archiving. Each sink satisfies progress.Sink and is safe for repeated
// Consume/Close cycles.
package sinks
