// Package admission caps how many scraper workers may run at once.
//
// A Semaphore is created fresh on every process start, so permits held by a
// previous run are never trusted. Permits are handed out as *Permit values
// whose Release is idempotent, which lets every exit path defer it.
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/realtime-chat-scraper/internal/telemetry"
)

// LoadMetrics reports current semaphore occupancy.
type LoadMetrics struct {
	Held           int64   `json:"held"`
	Max            int64   `json:"max"`
	Available      int64   `json:"available"`
	LoadPercentage float64 `json:"load_percentage"`
}

// Semaphore is the sole admission-control point for worker concurrency.
type Semaphore struct {
	sem  *semaphore.Weighted
	max  int64
	held atomic.Int64
}

// New creates a semaphore with limit permits, all available.
func New(limit int64) (*Semaphore, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("max concurrent workers must be > 0")
	}
	s := &Semaphore{
		sem: semaphore.NewWeighted(limit),
		max: limit,
	}
	telemetry.SetAdmissionPermits(0, limit)
	return s, nil
}

// Acquire blocks until a permit is free or ctx ends.
func (s *Semaphore) Acquire(ctx context.Context) (*Permit, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire admission permit: %w", err)
	}
	return s.grant(), nil
}

// TryAcquire returns a permit only if one is free right now.
func (s *Semaphore) TryAcquire() (*Permit, bool) {
	if !s.sem.TryAcquire(1) {
		return nil, false
	}
	return s.grant(), true
}

// Held returns the number of outstanding permits.
func (s *Semaphore) Held() int64 {
	return s.held.Load()
}

// Available returns the number of free permits.
func (s *Semaphore) Available() int64 {
	return s.max - s.held.Load()
}

// Max returns the configured permit count.
func (s *Semaphore) Max() int64 {
	return s.max
}

// Metrics returns current load statistics.
func (s *Semaphore) Metrics() LoadMetrics {
	held := s.held.Load()
	return LoadMetrics{
		Held:           held,
		Max:            s.max,
		Available:      s.max - held,
		LoadPercentage: float64(held) / float64(s.max) * 100.0,
	}
}

func (s *Semaphore) grant() *Permit {
	held := s.held.Add(1)
	telemetry.SetAdmissionPermits(held, s.max)
	return &Permit{sem: s}
}

func (s *Semaphore) release() {
	held := s.held.Add(-1)
	s.sem.Release(1)
	telemetry.SetAdmissionPermits(held, s.max)
}

// Permit is one unit of admitted concurrency.
type Permit struct {
	sem  *Semaphore
	once sync.Once
}

// Release returns the permit. Calls after the first are no-ops.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.sem.release)
}

// Do acquires a permit, runs fn and releases the permit on every exit path,
// including panics.
func (s *Semaphore) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	permit, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer permit.Release()
	return fn(ctx)
}
