// Package memory provides the in-process scraper task queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = scraper.ErrQueueClosed

// Queue is a bounded FIFO of scraper tasks with context-aware operations.
// It keeps no history: a dequeued task is gone.
type Queue struct {
	ch      chan scraper.Task
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan scraper.Task, capacity),
	}
}

// Enqueue pushes a task, blocking while the queue is full until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, task scraper.Task) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (scraper.Task, error) {
	select {
	case <-ctx.Done():
		return scraper.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return scraper.Task{}, ErrClosed
		}
		return task, nil
	}
}

// Len reports the number of tasks waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Tasks already queued can
// still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
