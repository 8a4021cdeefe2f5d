package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: longest time the first event of a batch waits for a flush (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - LifecycleWait: how long run lifecycle events wait for buffer space
//     before being dropped (default 50ms). Content items never wait.
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	LifecycleWait  time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	defaultLifecycleWait  = 50 * time.Millisecond
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.LifecycleWait <= 0 {
		c.LifecycleWait = defaultLifecycleWait
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Named sinks label their failures in logs.
type Named interface {
	Name() string
}

// Stats is a point-in-time view of the hub's buffer.
type Stats struct {
	Buffered         int   `json:"buffered"`
	DroppedContent   int64 `json:"dropped_content"`
	DroppedLifecycle int64 `json:"dropped_lifecycle"`
}

// Hub fans run telemetry out to sinks in batches. Emit never blocks a
// scraper for long: chat items are dropped when the buffer is full and run
// lifecycle events get a short grace period first.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropLog          rate.Sometimes
	pendingDrops     atomic.Int64
	droppedContent   atomic.Int64
	droppedLifecycle atomic.Int64
	closed           atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine over sinks. The returned Hub accepts
// events immediately.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  cfg.Logger,
		dropLog: rate.Sometimes{First: 1, Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues evt for the next batch. Invalid events and events emitted
// after Close are discarded silently.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	if h.offer(evt) {
		return
	}
	if evt.Stage == StageContentItem {
		h.droppedContent.Add(1)
	} else {
		h.droppedLifecycle.Add(1)
	}
	h.pendingDrops.Add(1)
	h.dropLog.Do(func() {
		h.logger.Warn("progress events dropped due to backpressure",
			zap.Int64("dropped", h.pendingDrops.Swap(0)),
			zap.String("stage", string(evt.Stage)),
			zap.String("task_id", evt.TaskID),
		)
	})
}

func (h *Hub) offer(evt Event) bool {
	select {
	case h.events <- evt:
		return true
	default:
	}
	if evt.Stage == StageContentItem || h.cfg.LifecycleWait <= 0 {
		return false
	}
	timer := time.NewTimer(h.cfg.LifecycleWait)
	defer timer.Stop()
	select {
	case h.events <- evt:
		return true
	case <-timer.C:
		return false
	}
}

// Dropped reports how many events were discarded for lack of buffer space.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.droppedContent.Load() + h.droppedLifecycle.Load()
}

// Stats reports buffer occupancy and drop counters.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{
		Buffered:         len(h.events),
		DroppedContent:   h.droppedContent.Load(),
		DroppedLifecycle: h.droppedLifecycle.Load(),
	}
}

// Close drains buffered events, flushes and closes the sinks, and waits for
// the batching goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	// deadline is armed by the first event of a batch and nil while empty.
	var deadline <-chan time.Time
	var timer *time.Timer
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		deadline = nil
	}
	flush := func() {
		disarm()
		h.flush(batch)
		batch = batch[:0]
	}
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				flush()
			} else if deadline == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
		case <-deadline:
			deadline = nil
			flush()
		case <-h.stopCh:
			disarm()
			h.drain(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			h.flush(batch)
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	// Sinks may retain the slice; the caller reuses batch.
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", sinkName(sink)),
				zap.Int("events", len(out)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", sinkName(sink)), zap.Error(err))
		}
	}
}

func sinkName(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}
