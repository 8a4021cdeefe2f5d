// Package supervisor implements the admission API and owns the life of every
// scraper run: it queues tasks, runs workers once the dispatcher admits them,
// keeps the registry current and guarantees a single terminal write per run.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/metadata"
	"github.com/JakeFAU/realtime-chat-scraper/internal/pool"
	"github.com/JakeFAU/realtime-chat-scraper/internal/progress"
	"github.com/JakeFAU/realtime-chat-scraper/internal/registry"
	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
	"github.com/JakeFAU/realtime-chat-scraper/internal/telemetry"
	"github.com/JakeFAU/realtime-chat-scraper/internal/worker"
)

var (
	// ErrInvalidTask is returned for blank task ids.
	ErrInvalidTask = errors.New("task id cannot be empty")
	// ErrQueueing marks a task that could not be placed on the queue.
	ErrQueueing = errors.New("queueing failed")
	// ErrShuttingDown rejects starts once Shutdown has begun.
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// StartResult is the outcome of Start.
type StartResult string

// Start outcomes.
const (
	StartResultStarted        StartResult = "started"
	StartResultAlreadyRunning StartResult = "already-running"
)

// StopResult is the outcome of Stop.
type StopResult string

// Stop outcomes.
const (
	StopResultStopping StopResult = "stopping"
	StopResultNotFound StopResult = "not-found"
)

// Terminal reasons written to the registry.
const (
	ReasonStoppedByUser = "stopped by user"
	ReasonShutdown      = "service shutting down"
	ReasonStreamEnded   = "stream ended"
	ReasonStopped       = "stopped"
)

const (
	defaultThroughputInterval = 10 * time.Second
	defaultMetadataTimeout    = 15 * time.Second
	metadataCaller            = "supervisor"
)

// Config tunes run supervision.
type Config struct {
	// ThroughputInterval is how often message counts are folded into stats.
	ThroughputInterval time.Duration
	// MetadataTimeout bounds one stream metadata lookup.
	MetadataTimeout time.Duration
}

// Enqueuer places tasks on the task queue. The dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, task scraper.Task) error
}

// MetadataFetcher resolves stream title and channel.
type MetadataFetcher interface {
	Fetch(ctx context.Context, taskID string) (metadata.Stream, error)
}

// Deps are the collaborators a Supervisor drives.
type Deps struct {
	Registry *registry.Registry
	Queue    Enqueuer
	Worker   worker.Worker
	Events   progress.Emitter
	Clock    scraper.Clock
	// Metadata is optional; when set each run is enriched once.
	Metadata MetadataFetcher
	// MetadataGuard, when set, gates metadata lookups against the shared
	// external budget. See ratelimit.Guard.
	MetadataGuard func(callerID string) error
	// OnThroughput, when set, receives every interval report.
	OnThroughput func(scraper.ThroughputReport)
	Logger       *zap.Logger
}

// Supervisor is the admission API plus the dispatcher's task handler.
type Supervisor struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu     sync.Mutex
	active map[string]*activeRun // by run id
	// working maps a task id to the run whose worker has not returned yet.
	// A stopped run stays here through its stop grace.
	working map[string]string
	wg     sync.WaitGroup
	closed atomic.Bool
}

type activeRun struct {
	taskID string
	cancel context.CancelFunc
}

// New validates deps and creates a Supervisor.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("registry is required")
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Worker == nil:
		return nil, errors.New("worker is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if cfg.ThroughputInterval <= 0 {
		cfg.ThroughputInterval = defaultThroughputInterval
	}
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = defaultMetadataTimeout
	}
	if deps.Events == nil {
		deps.Events = progress.EmitterFunc(func(progress.Event) {})
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger,
		active:  make(map[string]*activeRun),
		working: make(map[string]string),
	}, nil
}

// Start claims taskID and places it on the queue. A task that is already
// IDLE, QUEUED or RUNNING, or whose stopped worker has not exited yet, is
// left alone and reported as already running.
func (s *Supervisor) Start(ctx context.Context, taskID string, opts scraper.Options) (StartResult, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return "", ErrInvalidTask
	}
	if s.closed.Load() {
		return "", fmt.Errorf("%w: %w", ErrQueueing, ErrShuttingDown)
	}
	opts = opts.Normalize()
	s.mu.Lock()
	if runID, busy := s.working[taskID]; busy {
		s.mu.Unlock()
		s.log.Warn("previous run still winding down", zap.String("task_id", taskID), zap.String("run_id", runID))
		return StartResultAlreadyRunning, nil
	}
	entry, created, err := s.deps.Registry.Claim(taskID, opts)
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrQueueing, err)
	}
	if !created {
		s.log.Warn("scraper already running or queued", zap.String("task_id", taskID))
		return StartResultAlreadyRunning, nil
	}

	task := scraper.Task{
		TaskID:     taskID,
		RunID:      entry.RunID(),
		Options:    opts,
		EnqueuedAt: s.deps.Clock.Now(),
	}
	// QUEUED before the enqueue so a fast dispatcher always finds it queued.
	entry.MarkQueued()
	s.emit(task, progress.StageRunQueued, nil)

	if err := s.deps.Queue.Enqueue(ctx, task); err != nil {
		reason := "queueing failed: " + err.Error()
		if entry.Finish(scraper.StatusFailed, reason) {
			telemetry.ObserveRun(string(scraper.StatusFailed))
			s.emitTerminal(task, entry.Snapshot())
		}
		s.log.Error("failed to queue scraper", zap.String("task_id", taskID), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrQueueing, err)
	}
	s.log.Info("scraper queued", zap.String("task_id", taskID), zap.String("run_id", task.RunID))
	return StartResultStarted, nil
}

// Stop finishes the current run of taskID as COMPLETED and interrupts its
// worker. Absent or already finished tasks report not-found.
func (s *Supervisor) Stop(taskID string) StopResult {
	return s.stop(strings.TrimSpace(taskID), ReasonStoppedByUser)
}

func (s *Supervisor) stop(taskID, reason string) StopResult {
	entry, ok := s.deps.Registry.Lookup(taskID)
	if !ok {
		return StopResultNotFound
	}
	runID := entry.RunID()
	if !entry.Finish(scraper.StatusCompleted, reason) {
		return StopResultNotFound
	}
	s.log.Info("scraper stop requested", zap.String("task_id", taskID), zap.String("run_id", runID), zap.String("reason", reason))

	s.mu.Lock()
	run, running := s.active[runID]
	s.mu.Unlock()
	if running {
		// Handle reports the terminal event once the worker returns.
		run.cancel()
		return StopResultStopping
	}
	// Never admitted: the dispatcher will skip it, so report it here.
	telemetry.ObserveRun(string(scraper.StatusCompleted))
	s.emitTerminal(scraper.Task{TaskID: taskID, RunID: runID}, entry.Snapshot())
	return StopResultStopping
}

// GetState returns a snapshot of taskID's state.
func (s *Supervisor) GetState(taskID string) (scraper.State, bool) {
	return s.deps.Registry.Get(strings.TrimSpace(taskID))
}

// List returns snapshots of every known task.
func (s *Supervisor) List() []scraper.State {
	return s.deps.Registry.List()
}

// Active reports how many runs are executing a worker.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Admit reports whether task is the current run of its task id and is still
// waiting in the queue. The dispatcher uses it to skip stopped tasks before
// they take a permit.
func (s *Supervisor) Admit(task scraper.Task) bool {
	if s.closed.Load() {
		return false
	}
	entry, ok := s.deps.Registry.Lookup(task.TaskID)
	return ok && entry.RunID() == task.RunID && entry.Status() == scraper.StatusQueued
}

// Handle runs one admitted task to completion. It is the dispatcher handler:
// the caller holds the admission permit until Handle returns.
func (s *Supervisor) Handle(ctx context.Context, task scraper.Task) {
	log := s.log.With(zap.String("task_id", task.TaskID), zap.String("run_id", task.RunID))
	entry, ok := s.deps.Registry.Lookup(task.TaskID)
	if !ok || entry.RunID() != task.RunID {
		log.Info("skipping stale task")
		return
	}
	runCtx, cancel := context.WithCancel(pool.WithOwner(ctx, task.RunID))
	defer cancel()

	// Registration and the RUNNING transition happen under s.mu so a
	// concurrent Stop either finds the run and cancels it, or finishes the
	// entry first and makes MarkRunning fail.
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		log.Info("skipping task during shutdown")
		return
	}
	if !entry.MarkRunning() {
		s.mu.Unlock()
		log.Info("task finished before it could run", zap.String("status", string(entry.Status())))
		return
	}
	s.active[task.RunID] = &activeRun{taskID: task.TaskID, cancel: cancel}
	s.working[task.TaskID] = task.RunID
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, task.RunID)
		if s.working[task.TaskID] == task.RunID {
			delete(s.working, task.TaskID)
		}
		s.mu.Unlock()
		s.wg.Done()
	}()

	telemetry.IncActiveRuns()
	defer telemetry.DecActiveRuns()
	log.Info("running scraper", zap.String("worker", s.deps.Worker.Name()))
	s.emit(task, progress.StageRunStart, func(evt *progress.Event) {
		evt.Worker = s.deps.Worker.Name()
	})

	obs := &runObserver{sup: s, task: task, entry: entry, log: log}
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		s.reportThroughput(runCtx, obs)
	}()
	if s.deps.Metadata != nil {
		go s.enrich(runCtx, task, entry, log)
	}

	err := s.runWorker(runCtx, task, obs)
	cancel()
	<-tickerDone

	status, reason := s.outcome(ctx, err)
	if entry.Finish(status, reason) {
		if status == scraper.StatusFailed {
			log.Error("scraper failed", zap.String("reason", reason))
		} else {
			log.Info("scraper completed", zap.String("reason", reason))
		}
	}
	snap := entry.Snapshot()
	telemetry.ObserveRun(string(snap.Status))
	s.emitTerminal(task, snap)
}

func (s *Supervisor) runWorker(ctx context.Context, task scraper.Task, obs worker.Observer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
		}
	}()
	return s.deps.Worker.Run(ctx, task, obs)
}

// outcome maps a worker result onto a terminal status and reason.
func (s *Supervisor) outcome(parent context.Context, err error) (scraper.Status, string) {
	switch {
	case err == nil && parent.Err() != nil:
		return scraper.StatusCompleted, ReasonShutdown
	case err == nil:
		return scraper.StatusCompleted, ReasonStopped
	case errors.Is(err, worker.ErrStreamEnded):
		return scraper.StatusCompleted, ReasonStreamEnded
	case worker.Graceful(err):
		return scraper.StatusCompleted, err.Error()
	default:
		return scraper.StatusFailed, err.Error()
	}
}

func (s *Supervisor) reportThroughput(ctx context.Context, obs *runObserver) {
	ticker := time.NewTicker(s.cfg.ThroughputInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recordInterval(obs)
		}
	}
}

func (s *Supervisor) recordInterval(obs *runObserver) {
	n := obs.interval.Swap(0)
	snap := obs.entry.RecordInterval(n)
	report := scraper.ThroughputReport{
		TaskID:             obs.task.TaskID,
		MessagesInInterval: n,
		TotalMessages:      snap.TotalMessages,
		Status:             snap.Status,
	}
	if s.deps.OnThroughput != nil {
		s.deps.OnThroughput(report)
	}
	s.emit(obs.task, progress.StageRunThroughput, func(evt *progress.Event) {
		evt.Messages = n
		evt.Total = snap.TotalMessages
	})
	obs.log.Debug("throughput",
		zap.Int64("messages", n),
		zap.Int64("total", snap.TotalMessages),
		zap.Float64("average", snap.AverageThroughput),
	)
}

func (s *Supervisor) enrich(ctx context.Context, task scraper.Task, entry *registry.Entry, log *zap.Logger) {
	if s.deps.MetadataGuard != nil {
		if err := s.deps.MetadataGuard(metadataCaller); err != nil {
			log.Debug("skipping metadata lookup", zap.Error(err))
			return
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MetadataTimeout)
	defer cancel()
	stream, err := s.deps.Metadata.Fetch(ctx, task.TaskID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("stream metadata lookup failed", zap.Error(err))
		}
		return
	}
	entry.SetMetadata(stream.Title, stream.Channel)
}

// Shutdown stops every active task and waits for running workers to return.
// Later Start calls fail.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed.Store(true)
	s.mu.Unlock()
	for _, state := range s.deps.Registry.List() {
		if state.Status.Active() {
			s.stop(state.TaskID, ReasonShutdown)
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scrapers: %w", ctx.Err())
	}
}

func (s *Supervisor) emit(task scraper.Task, stage progress.Stage, fill func(*progress.Event)) {
	evt := progress.Event{
		TaskID: task.TaskID,
		RunID:  task.RunID,
		TS:     s.deps.Clock.Now(),
		Stage:  stage,
	}
	if fill != nil {
		fill(&evt)
	}
	s.deps.Events.Emit(evt)
}

func (s *Supervisor) emitTerminal(task scraper.Task, snap scraper.State) {
	stage := progress.StageRunDone
	if snap.Status == scraper.StatusFailed {
		stage = progress.StageRunError
	}
	s.emit(task, stage, func(evt *progress.Event) {
		evt.Total = snap.TotalMessages
		evt.Note = snap.Reason
		if snap.StartedAt != nil && snap.FinishedAt != nil {
			evt.Dur = max(snap.FinishedAt.Sub(*snap.StartedAt), 0)
		}
	})
}

// runObserver feeds worker events into the registry and progress stream.
type runObserver struct {
	sup      *Supervisor
	task     scraper.Task
	entry    *registry.Entry
	log      *zap.Logger
	interval atomic.Int64
}

func (o *runObserver) Started(handle string) {
	o.entry.SetWorker(handle)
	o.log.Info("worker started", zap.String("handle", handle))
}

func (o *runObserver) Initialized() {
	o.log.Info("worker attached to live chat")
}

func (o *runObserver) Item(item scraper.ChatItem) {
	o.entry.AddMessages(1)
	o.interval.Add(1)
	o.sup.emit(o.task, progress.StageContentItem, func(evt *progress.Event) {
		evt.Item = &item
	})
}

func (o *runObserver) Metadata(title, channel string) {
	o.entry.SetMetadata(title, channel)
}
