// Package ratelimit implements per-key admission control with the generic cell
// rate algorithm (GCRA) and the HTTP decorator that applies it to endpoints.
//
// Each key holds one immutable Config and one theoretical arrival time (TAT).
// Allow advances the TAT with a compare-and-swap loop, so checks never take a
// lock and a key costs a single integer of mutable state.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidConfig is returned when rate-limit parameters are rejected.
	ErrInvalidConfig = errors.New("invalid rate limit config")
	// ErrNotConfigured is returned when Allow is called for an unknown key.
	ErrNotConfigured = errors.New("rate limit key not configured")
)

// Config is the immutable per-key limiter configuration.
type Config struct {
	EmissionInterval time.Duration
	Tolerance        time.Duration
	PermitsPerSecond float64
}

// NewConfig derives a Config from a rate and a burst tolerance.
func NewConfig(permitsPerSecond float64, tolerance time.Duration) (Config, error) {
	if permitsPerSecond <= 0 || math.IsNaN(permitsPerSecond) || math.IsInf(permitsPerSecond, 0) {
		return Config{}, fmt.Errorf("%w: permits per second must be > 0, got %v", ErrInvalidConfig, permitsPerSecond)
	}
	if tolerance < 0 {
		return Config{}, fmt.Errorf("%w: tolerance must be >= 0, got %s", ErrInvalidConfig, tolerance)
	}
	interval := time.Duration(float64(time.Second) / permitsPerSecond)
	if interval <= 0 {
		return Config{}, fmt.Errorf("%w: rate %v is too high", ErrInvalidConfig, permitsPerSecond)
	}
	return Config{
		EmissionInterval: interval,
		Tolerance:        tolerance,
		PermitsPerSecond: permitsPerSecond,
	}, nil
}

// RetryAfter is the wait a rejected caller should observe, in whole seconds
// and never less than one.
func (c Config) RetryAfter() time.Duration {
	secs := int64(math.Ceil(c.EmissionInterval.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

type entry struct {
	cfg Config
	// tat is nanoseconds on the limiter timeline; zero means no admission yet.
	tat atomic.Int64
}

// Option customizes a GCRA limiter.
type Option func(*GCRA)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(g *GCRA) {
		if now != nil {
			g.now = now
		}
	}
}

// GCRA is a lock-free, per-key rate limiter. It is safe for concurrent use.
type GCRA struct {
	now   func() time.Time
	epoch time.Time

	// configMu serializes Configure so compare-then-swap of a key's entry is
	// atomic; Allow never takes it.
	configMu sync.Mutex
	entries  sync.Map // string -> *entry
}

// New constructs an empty limiter.
func New(opts ...Option) *GCRA {
	g := &GCRA{now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	g.epoch = g.now()
	return g
}

// Configure installs the config for key. Re-configuring with an identical
// config is a no-op; a different config replaces the entry and resets the
// key's admission history.
func (g *GCRA) Configure(key string, permitsPerSecond float64, tolerance time.Duration) error {
	cfg, err := NewConfig(permitsPerSecond, tolerance)
	if err != nil {
		return fmt.Errorf("configure %q: %w", key, err)
	}
	if current, ok := g.load(key); ok && current.cfg == cfg {
		return nil
	}
	g.configMu.Lock()
	defer g.configMu.Unlock()
	if current, ok := g.entries.Load(key); ok && current.(*entry).cfg == cfg {
		return nil
	}
	g.entries.Store(key, &entry{cfg: cfg})
	return nil
}

// ConfigFor returns the config installed for key.
func (g *GCRA) ConfigFor(key string) (Config, bool) {
	e, ok := g.load(key)
	if !ok {
		return Config{}, false
	}
	return e.cfg, true
}

// Allow reports whether a call for key may proceed now. A rejection leaves
// the key's state untouched.
func (g *GCRA) Allow(key string) (bool, error) {
	e, ok := g.load(key)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrNotConfigured, key)
	}
	interval := e.cfg.EmissionInterval.Nanoseconds()
	tolerance := e.cfg.Tolerance.Nanoseconds()
	for {
		now := g.elapsed()
		tat := e.tat.Load()
		if tat != 0 && now <= tat-tolerance {
			return false, nil
		}
		next := max(now, tat) + interval
		if e.tat.CompareAndSwap(tat, next) {
			return true, nil
		}
	}
}

func (g *GCRA) load(key string) (*entry, bool) {
	v, ok := g.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (g *GCRA) elapsed() int64 {
	return g.now().Sub(g.epoch).Nanoseconds()
}

func (g *GCRA) tatFor(key string) int64 {
	e, ok := g.load(key)
	if !ok {
		return 0
	}
	return e.tat.Load()
}
