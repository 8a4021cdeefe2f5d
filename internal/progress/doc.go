// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces the supervisor uses to report run lifecycle, throughput and chat
// content. It batches events on a background goroutine and fans them out to
// pluggable sinks such as Prometheus metrics, Postgres run history, Pub/Sub
// and blob archives.
package progress
