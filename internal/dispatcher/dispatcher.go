// Package dispatcher moves queued scraper tasks onto handler goroutines,
// admitting at most as many as the admission semaphore allows.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/admission"
	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
	"github.com/JakeFAU/realtime-chat-scraper/internal/telemetry"
)

// Handler processes one admitted task. The permit is held until it returns.
type Handler func(ctx context.Context, task scraper.Task)

// Admit reports whether a dequeued task still wants a worker. Tasks it
// rejects are dropped without taking a permit.
type Admit func(task scraper.Task) bool

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAdmit installs an admission check run before and after the permit wait.
func WithAdmit(admit Admit) Option {
	return func(d *Dispatcher) {
		d.admit = admit
	}
}

// lengther is implemented by queues that can report their depth.
type lengther interface {
	Len() int
}

// Dispatcher runs the single dequeue loop.
type Dispatcher struct {
	queue   scraper.Queue
	sem     *admission.Semaphore
	handler Handler
	admit   Admit
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// New creates a Dispatcher.
func New(queue scraper.Queue, sem *admission.Semaphore, handler Handler, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:   queue,
		sem:     sem,
		handler: handler,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run dequeues tasks, waits for a permit and hands each task to the handler
// on its own goroutine. It returns when ctx ends or the queue closes; running
// handlers keep going until Wait.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		task, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, scraper.ErrQueueClosed) {
				d.logger.Info("task queue closed, dispatcher exiting")
				return
			}
			d.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		d.reportDepth()
		d.logger.Debug("dequeued task", zap.String("task_id", task.TaskID), zap.String("run_id", task.RunID))
		if !d.admitted(task) {
			continue
		}

		permit, err := d.sem.Acquire(ctx)
		if err != nil {
			d.logger.Warn("dropping dequeued task, admission wait aborted",
				zap.String("task_id", task.TaskID), zap.Error(err))
			return
		}
		// The task may have been stopped while waiting for the permit.
		if !d.admitted(task) {
			permit.Release()
			continue
		}
		d.wg.Add(1)
		go d.dispatch(ctx, task, permit)
	}
}

func (d *Dispatcher) admitted(task scraper.Task) bool {
	if d.admit == nil || d.admit(task) {
		return true
	}
	d.logger.Info("skipping task that no longer wants a worker",
		zap.String("task_id", task.TaskID), zap.String("run_id", task.RunID))
	return false
}

func (d *Dispatcher) dispatch(ctx context.Context, task scraper.Task, permit *admission.Permit) {
	defer d.wg.Done()
	defer permit.Release()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task handler panicked",
				zap.String("task_id", task.TaskID),
				zap.String("run_id", task.RunID),
				zap.Any("panic", r),
			)
		}
	}()
	d.handler(ctx, task)
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task scraper.Task) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	d.reportDepth()
	return nil
}

// Wait blocks until every running handler has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) reportDepth() {
	if q, ok := d.queue.(lengther); ok {
		telemetry.SetQueueDepth(q.Len())
	}
}
