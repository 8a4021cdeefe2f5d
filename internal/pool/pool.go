// Package pool manages expensive, stateful automation resources.
//
// Pool is a bounded multi-resource pool: resources are validated on borrow and
// return, evicted when idle too long, pre-warmed to a minimum idle count and
// never exceed MaxTotal live instances. Affine and AffinePool bind a resource
// to the owner that created it and run every operation on a dedicated
// goroutine, so access is serialized by construction.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/telemetry"
)

var (
	// ErrPoolExhausted is returned when no resource frees up within BorrowTimeout.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrResourceCreation marks a failure of the factory to build a resource.
	ErrResourceCreation = errors.New("resource creation failed")
	// ErrNotBorrowed is returned for returns of resources the pool did not lend.
	ErrNotBorrowed = errors.New("resource not borrowed from this pool")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("pool closed")
)

// CreationError wraps the factory error surfaced to a borrower.
type CreationError struct {
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("%s: %v", ErrResourceCreation, e.Err)
}

// Is lets errors.Is match ErrResourceCreation.
func (e *CreationError) Is(target error) bool {
	return target == ErrResourceCreation
}

// Unwrap exposes the factory error.
func (e *CreationError) Unwrap() error {
	return e.Err
}

// Factory builds, checks and tears down pooled resources.
type Factory[T comparable] interface {
	Create(ctx context.Context) (T, error)
	Validate(ctx context.Context, resource T) bool
	Destroy(resource T) error
}

// Config sizes the pool.
type Config struct {
	Name             string
	MaxTotal         int
	MaxIdle          int
	MinIdle          int
	BorrowTimeout    time.Duration
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
}

// DefaultConfig mirrors the sizing the scraper fleet runs with.
func DefaultConfig() Config {
	return Config{
		Name:             "browser",
		MaxTotal:         10,
		MaxIdle:          5,
		MinIdle:          2,
		BorrowTimeout:    30 * time.Second,
		IdleTimeout:      10 * time.Minute,
		EvictionInterval: 5 * time.Minute,
	}
}

// Validate enforces sizing invariants.
func (c Config) Validate() error {
	if c.MaxTotal <= 0 {
		return fmt.Errorf("pool.max_total must be > 0")
	}
	if c.MaxIdle < 0 || c.MaxIdle > c.MaxTotal {
		return fmt.Errorf("pool.max_idle must be between 0 and max_total")
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxIdle {
		return fmt.Errorf("pool.min_idle must be between 0 and max_idle")
	}
	if c.BorrowTimeout <= 0 {
		return fmt.Errorf("pool.borrow_timeout must be > 0")
	}
	return nil
}

// Stats is a point-in-time view of pool bookkeeping.
type Stats struct {
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	MaxTotal  int    `json:"max_total"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
	Waiting   int    `json:"waiting"`
}

type idleItem[T comparable] struct {
	resource T
	since    time.Time
}

// Pool lends interchangeable resources across goroutines.
type Pool[T comparable] struct {
	cfg     Config
	factory Factory[T]
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	idle      []idleItem[T]
	borrowed  map[T]struct{}
	pending   int // creations in flight, counted against MaxTotal
	waiting   int
	created   uint64
	destroyed uint64
	closed    bool
	// notify is closed and replaced whenever capacity frees up.
	notify chan struct{}

	stopEvict chan struct{}
	evictDone chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a pool. Call Start to pre-warm and begin eviction.
func New[T comparable](factory Factory[T], cfg Config, logger *zap.Logger) (*Pool[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("pool factory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool[T]{
		cfg:       cfg,
		factory:   factory,
		logger:    logger,
		now:       time.Now,
		borrowed:  make(map[T]struct{}),
		notify:    make(chan struct{}),
		stopEvict: make(chan struct{}),
		evictDone: make(chan struct{}),
	}, nil
}

// Start pre-warms the pool to MinIdle and launches the evictor. Pre-warm
// failures are logged; borrowers will retry creation on demand.
func (p *Pool[T]) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.backfill(ctx)
		if p.cfg.EvictionInterval > 0 {
			go p.evictLoop()
		} else {
			close(p.evictDone)
		}
		p.logger.Info("resource pool started",
			zap.String("pool", p.cfg.Name),
			zap.Int("max_total", p.cfg.MaxTotal),
			zap.Int("min_idle", p.cfg.MinIdle),
			zap.Int("max_idle", p.cfg.MaxIdle),
		)
	})
}

// Borrow hands out a validated resource, creating one when none is idle and
// capacity allows. It waits up to BorrowTimeout for capacity.
func (p *Pool[T]) Borrow(ctx context.Context) (T, error) {
	var zero T
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.BorrowTimeout)
	defer cancel()
	defer func() { telemetry.ObservePoolBorrowWait(p.cfg.Name, p.now().Sub(start)) }()

	for {
		resource, create, wait, err := p.reserve()
		if err != nil {
			return zero, err
		}
		switch {
		case create:
			return p.createBorrowed(ctx)
		case wait != nil:
			if err := p.await(ctx, wait); err != nil {
				return zero, err
			}
		default:
			if p.factory.Validate(ctx, resource) {
				return resource, nil
			}
			p.logger.Debug("discarding idle resource that failed validation", zap.String("pool", p.cfg.Name))
			p.discard(resource)
		}
	}
}

// reserve picks the next step for a borrower under the lock: an idle
// resource (already marked borrowed), permission to create, or a channel to
// wait on.
func (p *Pool[T]) reserve() (T, bool, <-chan struct{}, error) {
	var zero T
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return zero, false, nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		item := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.borrowed[item.resource] = struct{}{}
		p.publishLocked()
		return item.resource, false, nil, nil
	}
	if p.liveLocked() < p.cfg.MaxTotal {
		p.pending++
		return zero, true, nil, nil
	}
	p.waiting++
	return zero, false, p.notify, nil
}

func (p *Pool[T]) await(ctx context.Context, wait <-chan struct{}) error {
	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		telemetry.ObservePoolEvent(p.cfg.Name, "exhausted")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: no resource within %s", ErrPoolExhausted, p.cfg.BorrowTimeout)
		}
		return fmt.Errorf("borrow canceled: %w", ctx.Err())
	}
}

func (p *Pool[T]) createBorrowed(ctx context.Context) (T, error) {
	var zero T
	resource, err := p.factory.Create(ctx)
	p.mu.Lock()
	p.pending--
	if err != nil {
		p.signalLocked()
		p.mu.Unlock()
		telemetry.ObservePoolEvent(p.cfg.Name, "creation_failed")
		return zero, &CreationError{Err: err}
	}
	if p.closed {
		p.mu.Unlock()
		p.destroy(resource)
		return zero, ErrPoolClosed
	}
	p.created++
	p.borrowed[resource] = struct{}{}
	p.publishLocked()
	p.mu.Unlock()
	telemetry.ObservePoolEvent(p.cfg.Name, "created")
	return resource, nil
}

// Return gives a resource back. Resources failing validation are destroyed
// and the pool backfills toward MinIdle instead.
func (p *Pool[T]) Return(resource T) error {
	if err := p.release(resource); err != nil {
		return err
	}
	if !p.factory.Validate(context.Background(), resource) {
		p.logger.Debug("returned resource failed validation", zap.String("pool", p.cfg.Name))
		p.destroy(resource)
		p.backfill(context.Background())
		return nil
	}
	p.mu.Lock()
	if p.closed || len(p.idle) >= p.cfg.MaxIdle {
		p.signalLocked()
		p.mu.Unlock()
		p.destroy(resource)
		return nil
	}
	p.idle = append(p.idle, idleItem[T]{resource: resource, since: p.now()})
	p.signalLocked()
	p.publishLocked()
	p.mu.Unlock()
	return nil
}

// Invalidate destroys a resource that failed while in use.
func (p *Pool[T]) Invalidate(resource T) error {
	if err := p.release(resource); err != nil {
		return err
	}
	telemetry.ObservePoolEvent(p.cfg.Name, "invalidated")
	p.destroy(resource)
	p.backfill(context.Background())
	return nil
}

// release removes resource from the borrowed set. Capacity is only signaled
// once the caller decides what to do with the resource.
func (p *Pool[T]) release(resource T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.borrowed[resource]; !ok {
		return ErrNotBorrowed
	}
	delete(p.borrowed, resource)
	p.pending++ // still live until destroyed or idled
	return nil
}

// discard destroys a resource reserved by Borrow that failed validation.
func (p *Pool[T]) discard(resource T) {
	p.mu.Lock()
	delete(p.borrowed, resource)
	p.pending++
	p.mu.Unlock()
	p.destroy(resource)
}

// destroy tears down a resource whose live slot is held in pending.
func (p *Pool[T]) destroy(resource T) {
	if err := p.factory.Destroy(resource); err != nil {
		p.logger.Warn("destroy pooled resource failed", zap.String("pool", p.cfg.Name), zap.Error(err))
	}
	p.mu.Lock()
	p.pending--
	p.destroyed++
	p.signalLocked()
	p.publishLocked()
	p.mu.Unlock()
	telemetry.ObservePoolEvent(p.cfg.Name, "destroyed")
}

// backfill creates idle resources until MinIdle is met or capacity runs out.
func (p *Pool[T]) backfill(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle) >= p.cfg.MinIdle || p.liveLocked() >= p.cfg.MaxTotal {
			p.mu.Unlock()
			return
		}
		p.pending++
		p.mu.Unlock()

		resource, err := p.factory.Create(ctx)
		p.mu.Lock()
		p.pending--
		if err != nil {
			p.signalLocked()
			p.mu.Unlock()
			telemetry.ObservePoolEvent(p.cfg.Name, "creation_failed")
			p.logger.Warn("backfill resource creation failed", zap.String("pool", p.cfg.Name), zap.Error(err))
			return
		}
		p.created++
		p.idle = append(p.idle, idleItem[T]{resource: resource, since: p.now()})
		p.signalLocked()
		p.publishLocked()
		p.mu.Unlock()
		telemetry.ObservePoolEvent(p.cfg.Name, "created")
	}
}

func (p *Pool[T]) evictLoop() {
	defer close(p.evictDone)
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopEvict:
			return
		case <-ticker.C:
			p.Evict()
			p.backfill(context.Background())
		}
	}
}

// Evict destroys idle resources older than IdleTimeout, keeping MinIdle, and
// drops idle resources that no longer validate. It returns how many were
// destroyed.
func (p *Pool[T]) Evict() int {
	now := p.now()
	p.mu.Lock()
	var victims []T
	keep := p.idle[:0]
	for i, item := range p.idle {
		remaining := len(p.idle) - i + len(keep)
		expired := p.cfg.IdleTimeout > 0 && now.Sub(item.since) >= p.cfg.IdleTimeout
		if expired && remaining > p.cfg.MinIdle {
			victims = append(victims, item.resource)
			p.pending++
			continue
		}
		keep = append(keep, item)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, r := range victims {
		p.destroy(r)
	}
	if len(victims) > 0 {
		p.logger.Debug("evicted idle resources", zap.String("pool", p.cfg.Name), zap.Int("count", len(victims)))
	}
	return len(victims)
}

// Stats reports current bookkeeping.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    len(p.borrowed),
		Idle:      len(p.idle),
		MaxTotal:  p.cfg.MaxTotal,
		Created:   p.created,
		Destroyed: p.destroyed,
		Waiting:   p.waiting,
	}
}

// Close stops eviction and destroys idle resources. Borrowed resources are
// destroyed when they come back.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		idle := p.idle
		p.idle = nil
		p.pending += len(idle)
		p.signalLocked()
		p.mu.Unlock()

		p.startOnce.Do(func() { close(p.evictDone) })
		close(p.stopEvict)
		for _, item := range idle {
			p.destroy(item.resource)
		}
	})
	select {
	case <-p.evictDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool close wait: %w", ctx.Err())
	}
}

func (p *Pool[T]) liveLocked() int {
	return len(p.borrowed) + len(p.idle) + p.pending
}

func (p *Pool[T]) signalLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *Pool[T]) publishLocked() {
	telemetry.SetPoolResources(p.cfg.Name, len(p.borrowed), len(p.idle))
}
