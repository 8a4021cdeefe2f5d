// Package registry holds the shared task-id → scraper state map and enforces
// the run lifecycle IDLE → QUEUED → RUNNING → {COMPLETED | FAILED}.
//
// Writers hold an *Entry for the run they own; readers get copies. Every
// transition moves strictly forward and a run is finished at most once, so a
// stop request racing a worker's own completion produces a single terminal
// write. A restarted task gets a new Entry, which keeps late writes from an
// older run away from the new one.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

const (
	defaultRetention     = 5 * time.Minute
	defaultSweepInterval = 10 * time.Minute
)

// Config controls retention of terminal entries.
type Config struct {
	Retention     time.Duration
	SweepInterval time.Duration
}

// Registry is the concurrent state store for scraper runs.
type Registry struct {
	cfg    Config
	clock  scraper.Clock
	idGen  scraper.IDGenerator
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty registry.
func New(cfg Config, clock scraper.Clock, idGen scraper.IDGenerator, logger *zap.Logger) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:     cfg,
		clock:   clock,
		idGen:   idGen,
		logger:  logger,
		entries: make(map[string]*Entry),
	}
}

// Claim creates a fresh IDLE entry for taskID. It returns the current entry
// and false when a run for taskID is already IDLE, QUEUED or RUNNING.
func (r *Registry) Claim(taskID string, opts scraper.Options) (*Entry, bool, error) {
	runID, err := r.idGen.NewID()
	if err != nil {
		return nil, false, fmt.Errorf("generate run id: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[taskID]; ok && current.Status().Active() {
		return current, false, nil
	}
	e := &Entry{
		clock: r.clock,
		state: scraper.State{
			TaskID:    taskID,
			RunID:     runID,
			Status:    scraper.StatusIdle,
			Options:   opts,
			CreatedAt: r.clock.Now(),
		},
	}
	r.entries[taskID] = e
	return e, true, nil
}

// Lookup returns the live entry for taskID.
func (r *Registry) Lookup(taskID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[taskID]
	return e, ok
}

// Get returns a snapshot of the state for taskID.
func (r *Registry) Get(taskID string) (scraper.State, bool) {
	e, ok := r.Lookup(taskID)
	if !ok {
		return scraper.State{}, false
	}
	return e.Snapshot(), true
}

// List returns snapshots of every entry ordered by task id.
func (r *Registry) List() []scraper.State {
	r.mu.RLock()
	entries := lo.Values(r.entries)
	r.mu.RUnlock()
	states := lo.Map(entries, func(e *Entry, _ int) scraper.State { return e.Snapshot() })
	sort.Slice(states, func(i, j int) bool { return states[i].TaskID < states[j].TaskID })
	return states
}

// CountByStatus tallies entries per status.
func (r *Registry) CountByStatus() map[scraper.Status]int {
	return lo.CountValuesBy(r.List(), func(s scraper.State) scraper.Status { return s.Status })
}

// Sweep drops terminal entries that finished more than Retention ago.
// QUEUED and RUNNING entries are never removed.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.cfg.Retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for taskID, e := range r.entries {
		snap := e.Snapshot()
		if !snap.Status.Terminal() || snap.FinishedAt == nil {
			continue
		}
		if snap.FinishedAt.Before(cutoff) {
			delete(r.entries, taskID)
			removed++
		}
	}
	return removed
}

// Run sweeps on SweepInterval until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.clock.Now()); n > 0 {
				r.logger.Info("swept finished scraper states", zap.Int("removed", n))
			}
		}
	}
}

// Drain removes every entry (shutdown).
func (r *Registry) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry)
}
