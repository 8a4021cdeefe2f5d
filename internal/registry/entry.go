package registry

import (
	"sync"

	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

func rank(s scraper.Status) int {
	switch s {
	case scraper.StatusIdle:
		return 0
	case scraper.StatusQueued:
		return 1
	case scraper.StatusRunning:
		return 2
	case scraper.StatusCompleted, scraper.StatusFailed:
		return 3
	default:
		return -1
	}
}

// Entry is the mutable record of one run. Only the run's owner writes it.
type Entry struct {
	clock scraper.Clock

	mu    sync.Mutex
	state scraper.State
}

// RunID identifies the run generation.
func (e *Entry) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.RunID
}

// Status returns the current status.
func (e *Entry) Status() scraper.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Status
}

// Terminal reports whether the run has finished.
func (e *Entry) Terminal() bool {
	return e.Status().Terminal()
}

// Snapshot returns a copy of the state.
func (e *Entry) Snapshot() scraper.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.state
	snap.Options.SkipLangs = append([]string(nil), e.state.Options.SkipLangs...)
	if len(snap.Options.SkipLangs) == 0 {
		snap.Options.SkipLangs = nil
	}
	return snap
}

// MarkQueued moves IDLE → QUEUED.
func (e *Entry) MarkQueued() bool {
	return e.advance(scraper.StatusQueued, "")
}

// MarkRunning moves QUEUED → RUNNING.
func (e *Entry) MarkRunning() bool {
	return e.advance(scraper.StatusRunning, "")
}

// Finish writes the terminal status. Only the first call wins; later calls
// return false and change nothing.
func (e *Entry) Finish(status scraper.Status, reason string) bool {
	if !status.Terminal() {
		return false
	}
	return e.advance(status, reason)
}

func (e *Entry) advance(to scraper.Status, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	from := e.state.Status
	if rank(to) <= rank(from) {
		return false
	}
	if to == scraper.StatusRunning && from != scraper.StatusQueued {
		return false
	}
	now := e.clock.Now()
	e.state.Status = to
	switch {
	case to == scraper.StatusRunning:
		e.state.StartedAt = &now
	case to.Terminal():
		e.state.FinishedAt = &now
		e.state.Reason = reason
	}
	return true
}

// SetWorker records the worker handle (process id, browser id).
func (e *Entry) SetWorker(handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Worker = handle
}

// SetMetadata records stream title and channel.
func (e *Entry) SetMetadata(title, channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if title != "" {
		e.state.Title = title
	}
	if channel != "" {
		e.state.Channel = channel
	}
}

// AddMessages bumps the running message total.
func (e *Entry) AddMessages(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.TotalMessages += n
}

// RecordInterval folds one throughput interval into the statistics and
// returns the resulting snapshot.
func (e *Entry) RecordInterval(messages int64) scraper.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.LastThroughput = messages
	e.state.MaxThroughput = max(e.state.MaxThroughput, messages)
	e.state.Intervals++
	n := float64(e.state.Intervals)
	e.state.AverageThroughput += (float64(messages) - e.state.AverageThroughput) / n
	return e.state
}
