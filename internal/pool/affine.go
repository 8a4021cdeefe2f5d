package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrAffinityViolation is returned when a caller other than the owner
	// touches an affine resource.
	ErrAffinityViolation = errors.New("resource accessed outside its owner")
	// ErrNoOwner is returned when NewAffine is called without an owner token.
	ErrNoOwner = errors.New("context carries no owner token")
	// ErrAffineClosed is returned for operations after Close.
	ErrAffineClosed = errors.New("affine resource closed")
)

type ownerKey struct{}

// WithOwner tags ctx with the ownership token used by affine resources.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom extracts the ownership token.
func OwnerFrom(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

type affineOp[T any] struct {
	fn   func(T) error
	done chan error
}

// Affine pins a resource to the goroutine that created it. Every operation
// runs on that goroutine in submission order.
type Affine[T any] struct {
	owner   string
	ops     chan affineOp[T]
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	logger  *zap.Logger
	closeMu sync.RWMutex
	closed  bool
}

// NewAffine starts the owner goroutine, builds the resource on it and records
// the owner token carried by ctx.
func NewAffine[T any](
	ctx context.Context,
	create func(context.Context) (T, error),
	destroy func(T) error,
	logger *zap.Logger,
) (*Affine[T], error) {
	owner, ok := OwnerFrom(ctx)
	if !ok {
		return nil, ErrNoOwner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Affine[T]{
		owner:   owner,
		ops:     make(chan affineOp[T]),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	ready := make(chan error, 1)
	go a.loop(ctx, create, destroy, ready)
	if err := <-ready; err != nil {
		return nil, &CreationError{Err: err}
	}
	return a, nil
}

func (a *Affine[T]) loop(ctx context.Context, create func(context.Context) (T, error), destroy func(T) error, ready chan<- error) {
	defer close(a.stopped)
	resource, err := create(ctx)
	ready <- err
	if err != nil {
		return
	}
	defer func() {
		if destroy == nil {
			return
		}
		if err := destroy(resource); err != nil {
			a.logger.Warn("destroy affine resource failed", zap.String("owner", a.owner), zap.Error(err))
		}
	}()
	for {
		select {
		case <-a.quit:
			return
		case op := <-a.ops:
			op.done <- a.run(op.fn, resource)
		}
	}
}

func (a *Affine[T]) run(fn func(T) error, resource T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("affine operation panicked: %v", r)
		}
	}()
	return fn(resource)
}

// Owner returns the token recorded at creation.
func (a *Affine[T]) Owner() string {
	return a.owner
}

// Do runs fn on the owner goroutine. Callers whose context carries a
// different owner token are refused without running fn.
func (a *Affine[T]) Do(ctx context.Context, fn func(T) error) error {
	if caller, _ := OwnerFrom(ctx); caller != a.owner {
		a.logger.Error("affinity violation",
			zap.String("owner", a.owner),
			zap.String("caller", caller),
		)
		return fmt.Errorf("%w: owned by %q, called by %q", ErrAffinityViolation, a.owner, caller)
	}
	a.closeMu.RLock()
	if a.closed {
		a.closeMu.RUnlock()
		return ErrAffineClosed
	}
	op := affineOp[T]{fn: fn, done: make(chan error, 1)}
	select {
	case a.ops <- op:
		a.closeMu.RUnlock()
	case <-ctx.Done():
		a.closeMu.RUnlock()
		return ctx.Err()
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the owner goroutine after any in-flight operation and destroys
// the resource on it.
func (a *Affine[T]) Close() {
	a.once.Do(func() {
		a.closeMu.Lock()
		a.closed = true
		close(a.quit)
		a.closeMu.Unlock()
	})
	<-a.stopped
}

// AffinePool keeps one affine resource per owner.
type AffinePool[T any] struct {
	create  func(context.Context) (T, error)
	destroy func(T) error
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*Affine[T]
}

// NewAffinePool builds an empty pool using create and destroy for each owner.
func NewAffinePool[T any](create func(context.Context) (T, error), destroy func(T) error, logger *zap.Logger) *AffinePool[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AffinePool[T]{
		create:  create,
		destroy: destroy,
		logger:  logger,
		entries: make(map[string]*Affine[T]),
	}
}

// Bind returns the resource owned by ctx's owner, creating it on first use.
func (p *AffinePool[T]) Bind(ctx context.Context) (*Affine[T], error) {
	owner, ok := OwnerFrom(ctx)
	if !ok {
		return nil, ErrNoOwner
	}
	p.mu.Lock()
	if a, ok := p.entries[owner]; ok {
		p.mu.Unlock()
		return a, nil
	}
	p.mu.Unlock()

	a, err := NewAffine(ctx, p.create, p.destroy, p.logger)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if existing, ok := p.entries[owner]; ok {
		p.mu.Unlock()
		a.Close()
		return existing, nil
	}
	p.entries[owner] = a
	p.mu.Unlock()
	return a, nil
}

// Lookup finds the resource bound to owner.
func (p *AffinePool[T]) Lookup(owner string) (*Affine[T], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.entries[owner]
	return a, ok
}

// Unbind closes and forgets owner's resource.
func (p *AffinePool[T]) Unbind(owner string) {
	p.mu.Lock()
	a, ok := p.entries[owner]
	delete(p.entries, owner)
	p.mu.Unlock()
	if ok {
		a.Close()
	}
}

// Len reports the number of bound owners.
func (p *AffinePool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close releases every bound resource.
func (p *AffinePool[T]) Close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*Affine[T])
	p.mu.Unlock()
	for _, a := range entries {
		a.Close()
	}
}
