package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/admission"
	"github.com/JakeFAU/realtime-chat-scraper/internal/clock/system"
	"github.com/JakeFAU/realtime-chat-scraper/internal/dispatcher"
	"github.com/JakeFAU/realtime-chat-scraper/internal/id/uuid"
	"github.com/JakeFAU/realtime-chat-scraper/internal/metadata"
	"github.com/JakeFAU/realtime-chat-scraper/internal/pool"
	"github.com/JakeFAU/realtime-chat-scraper/internal/progress"
	"github.com/JakeFAU/realtime-chat-scraper/internal/queue/memory"
	"github.com/JakeFAU/realtime-chat-scraper/internal/ratelimit"
	"github.com/JakeFAU/realtime-chat-scraper/internal/registry"
	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
	"github.com/JakeFAU/realtime-chat-scraper/internal/worker"
)

const waitFor = 2 * time.Second

type runFunc func(ctx context.Context, task scraper.Task, obs worker.Observer) error

type fakeWorker struct {
	run   runFunc
	calls atomic.Int32
	mu    sync.Mutex
	ran   []string
}

func (w *fakeWorker) Name() string { return "fake" }

func (w *fakeWorker) Run(ctx context.Context, task scraper.Task, obs worker.Observer) error {
	w.calls.Add(1)
	w.mu.Lock()
	w.ran = append(w.ran, task.TaskID)
	w.mu.Unlock()
	return w.run(ctx, task, obs)
}

func (w *fakeWorker) Ran() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.ran...)
}

// blockUntilStopped attaches and then waits for cancellation.
func blockUntilStopped(ctx context.Context, _ scraper.Task, obs worker.Observer) error {
	obs.Started("pid:42")
	obs.Initialized()
	<-ctx.Done()
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Emit(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

// Stages lists a run's lifecycle stages, leaving out throughput and items.
func (l *eventLog) Stages(runID string) []progress.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []progress.Stage
	for _, evt := range l.events {
		if evt.Stage == progress.StageRunThroughput || evt.Stage == progress.StageContentItem {
			continue
		}
		if evt.RunID == runID {
			out = append(out, evt.Stage)
		}
	}
	return out
}

func (l *eventLog) Count(stage progress.Stage) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, evt := range l.events {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}

type harness struct {
	sup    *Supervisor
	reg    *registry.Registry
	sem    *admission.Semaphore
	worker *fakeWorker
	events *eventLog
}

func newHarness(t *testing.T, permits int64, run runFunc, tweak func(*Config, *Deps)) *harness {
	t.Helper()

	reg := registry.New(registry.Config{}, system.New(), uuid.New(), zap.NewNop())
	sem, err := admission.New(permits)
	require.NoError(t, err)
	h := &harness{reg: reg, sem: sem, worker: &fakeWorker{run: run}, events: &eventLog{}}

	disp := dispatcher.New(memory.NewQueue(32), sem, func(ctx context.Context, task scraper.Task) {
		h.sup.Handle(ctx, task)
	}, zap.NewNop(), dispatcher.WithAdmit(func(task scraper.Task) bool {
		return h.sup.Admit(task)
	}))
	cfg := Config{ThroughputInterval: 20 * time.Millisecond}
	deps := Deps{
		Registry: reg,
		Queue:    disp,
		Worker:   h.worker,
		Events:   h.events,
		Clock:    system.New(),
		Logger:   zap.NewNop(),
	}
	if tweak != nil {
		tweak(&cfg, &deps)
	}
	h.sup, err = New(cfg, deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), waitFor)
		defer done()
		assert.NoError(t, h.sup.Shutdown(shutdownCtx))
		cancel()
		disp.Wait()
	})
	return h
}

func (h *harness) status(taskID string) scraper.Status {
	state, ok := h.sup.GetState(taskID)
	if !ok {
		return ""
	}
	return state.Status
}

func (h *harness) running() int64 {
	return int64(h.reg.CountByStatus()[scraper.StatusRunning])
}

// TestStartTransitionsToRunning covers IDLE → QUEUED → RUNNING and a user stop.
func TestStartTransitionsToRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, blockUntilStopped, nil)
	res, err := h.sup.Start(context.Background(), "videoX", scraper.Options{SkipLangs: []string{" EN ", "en"}})
	require.NoError(t, err)
	assert.Equal(t, StartResultStarted, res)

	require.Eventually(t, func() bool {
		state, _ := h.sup.GetState("videoX")
		return state.Status == scraper.StatusRunning && state.Worker != ""
	}, waitFor, 5*time.Millisecond)
	state, ok := h.sup.GetState("videoX")
	require.True(t, ok)
	assert.Equal(t, "pid:42", state.Worker)
	assert.Equal(t, []string{"en"}, state.Options.SkipLangs)
	assert.NotNil(t, state.StartedAt)

	assert.Equal(t, StopResultStopping, h.sup.Stop("videoX"))
	state, _ = h.sup.GetState("videoX")
	assert.Equal(t, scraper.StatusCompleted, state.Status)
	assert.Equal(t, ReasonStoppedByUser, state.Reason)

	require.Eventually(t, func() bool { return h.sem.Held() == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StopResultNotFound, h.sup.Stop("videoX"), "second stop is a no-op")
	assert.Equal(t, []progress.Stage{
		progress.StageRunQueued,
		progress.StageRunStart,
		progress.StageRunDone,
	}, h.events.Stages(state.RunID))
}

// TestStartRejectsBlankTask ensures empty ids never reach the registry.
func TestStartRejectsBlankTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, blockUntilStopped, nil)
	_, err := h.sup.Start(context.Background(), "   ", scraper.Options{})
	require.ErrorIs(t, err, ErrInvalidTask)
	assert.Empty(t, h.sup.List())
}

// TestStartIsIdempotent checks concurrent starts yield one active worker.
func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, blockUntilStopped, nil)
	var started, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.sup.Start(context.Background(), "videoX", scraper.Options{})
			assert.NoError(t, err)
			switch res {
			case StartResultStarted:
				started.Add(1)
			case StartResultAlreadyRunning:
				already.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(19), already.Load())

	require.Eventually(t, func() bool {
		return h.worker.calls.Load() == 1
	}, waitFor, 5*time.Millisecond)
	res, err := h.sup.Start(context.Background(), "videoX", scraper.Options{})
	require.NoError(t, err)
	assert.Equal(t, StartResultAlreadyRunning, res)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), h.worker.calls.Load())
}

// TestRestartAfterCompletion gives a finished task a fresh run.
func TestRestartAfterCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, blockUntilStopped, nil)
	_, err := h.sup.Start(context.Background(), "videoX", scraper.Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.status("videoX") == scraper.StatusRunning }, waitFor, 5*time.Millisecond)
	first, _ := h.sup.GetState("videoX")
	h.sup.Stop("videoX")
	require.Eventually(t, func() bool { return h.sup.Active() == 0 }, waitFor, 5*time.Millisecond)

	res, err := h.sup.Start(context.Background(), "videoX", scraper.Options{})
	require.NoError(t, err)
	assert.Equal(t, StartResultStarted, res)
	require.Eventually(t, func() bool { return h.status("videoX") == scraper.StatusRunning }, waitFor, 5*time.Millisecond)
	second, _ := h.sup.GetState("videoX")
	assert.NotEqual(t, first.RunID, second.RunID)
}

// TestQueueingFailureMarksFailed checks an enqueue error lands in the registry.
func TestQueueingFailureMarksFailed(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Config{}, system.New(), uuid.New(), nil)
	events := &eventLog{}
	sup, err := New(Config{}, Deps{
		Registry: reg,
		Queue:    failingQueue{err: errors.New("queue unavailable")},
		Worker:   &fakeWorker{run: blockUntilStopped},
		Events:   events,
		Clock:    system.New(),
	})
	require.NoError(t, err)

	_, err = sup.Start(context.Background(), "videoX", scraper.Options{})
	require.ErrorIs(t, err, ErrQueueing)
	state, ok := sup.GetState("videoX")
	require.True(t, ok)
	assert.Equal(t, scraper.StatusFailed, state.Status)
	assert.Equal(t, "queueing failed: queue unavailable", state.Reason)
	assert.Equal(t, []progress.Stage{progress.StageRunQueued, progress.StageRunError}, events.Stages(state.RunID))

	res, err := sup.Start(context.Background(), "videoX", scraper.Options{})
	require.ErrorIs(t, err, ErrQueueing)
	assert.Empty(t, res, "failed task may be retried")
}

// TestPermitConservation checks held permits track RUNNING tasks.
func TestPermitConservation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, blockUntilStopped, nil)
	for i := 0; i < 5; i++ {
		_, err := h.sup.Start(context.Background(), fmt.Sprintf("video%d", i), scraper.Options{})
		require.NoError(t, err)
	}
	balanced := func(want int64) func() bool {
		return func() bool {
			return h.sem.Held() == want && h.running() == want
		}
	}
	require.Eventually(t, balanced(2), waitFor, 5*time.Millisecond)
	assert.Equal(t, 3, h.reg.CountByStatus()[scraper.StatusQueued])

	for _, state := range h.sup.List() {
		if state.Status == scraper.StatusRunning {
			h.sup.Stop(state.TaskID)
			break
		}
	}
	require.Eventually(t, balanced(2), waitFor, 5*time.Millisecond)
	assert.Equal(t, 2, h.reg.CountByStatus()[scraper.StatusQueued])

	for i := 0; i < 5; i++ {
		h.sup.Stop(fmt.Sprintf("video%d", i))
	}
	require.Eventually(t, balanced(0), waitFor, 5*time.Millisecond)
	assert.Equal(t, 5, h.reg.CountByStatus()[scraper.StatusCompleted])
}

// TestRestartWaitsForStoppingWorker keeps one worker per task while a
// stopped worker is still inside its stop grace.
func TestRestartWaitsForStoppingWorker(t *testing.T) {
	t.Parallel()

	var live, peak atomic.Int32
	release := make(chan struct{})
	slowStop := func(ctx context.Context, _ scraper.Task, obs worker.Observer) error {
		n := live.Add(1)
		defer live.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		obs.Initialized()
		<-ctx.Done()
		<-release
		return nil
	}
	h := newHarness(t, 2, slowStop, nil)

	_, err := h.sup.Start(context.Background(), "videoX", scraper.Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.status("videoX") == scraper.StatusRunning }, waitFor, 5*time.Millisecond)
	require.Equal(t, StopResultStopping, h.sup.Stop("videoX"))

	res, err := h.sup.Start(context.Background(), "videoX", scraper.Options{})
	require.NoError(t, err)
	assert.Equal(t, StartResultAlreadyRunning, res)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(1), h.sem.Held())
	assert.Equal(t, int32(1), h.worker.calls.Load())

	close(release)
	require.Eventually(t, func() bool { return h.sup.Active() == 0 && h.sem.Held() == 0 }, waitFor, 5*time.Millisecond)
	res, err = h.sup.Start(context.Background(), "videoX", scraper.Options{})
	require.NoError(t, err)
	assert.Equal(t, StartResultStarted, res)
	require.Eventually(t, func() bool { return h.worker.calls.Load() == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(1), peak.Load(), "never two workers for one task")
}

// TestStopQueuedTaskNeverRuns checks a task stopped while queued is skipped.
func TestStopQueuedTaskNeverRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, blockUntilStopped, nil)
	_, err := h.sup.Start(context.Background(), "first", scraper.Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.status("first") == scraper.StatusRunning }, waitFor, 5*time.Millisecond)

	_, err = h.sup.Start(context.Background(), "second", scraper.Options{})
	require.NoError(t, err)
	assert.Equal(t, scraper.StatusQueued, h.status("second"))
	second, _ := h.sup.GetState("second")

	assert.Equal(t, StopResultStopping, h.sup.Stop("second"))
	assert.Equal(t, scraper.StatusCompleted, h.status("second"))
	h.sup.Stop("first")

	require.Eventually(t, func() bool { return h.sem.Held() == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"first"}, h.worker.Ran())
	assert.Equal(t, []progress.Stage{progress.StageRunQueued, progress.StageRunDone}, h.events.Stages(second.RunID))
}

// TestWorkerOutcomes maps worker results to terminal states.
func TestWorkerOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		result func() error
		status scraper.Status
		reason string
	}{
		{"stream ended", func() error { return worker.ErrStreamEnded }, scraper.StatusCompleted, ReasonStreamEnded},
		{"no content", func() error { return worker.ErrNoContent }, scraper.StatusCompleted, worker.ErrNoContent.Error()},
		{"unrecoverable", func() error { return worker.ErrUnrecoverable }, scraper.StatusFailed, worker.ErrUnrecoverable.Error()},
		{"communication lost", func() error {
			return fmt.Errorf("%w: pipe closed", worker.ErrCommunicationLost)
		}, scraper.StatusFailed, "lost communication with worker: pipe closed"},
		{"crash", func() error { return &worker.ExitError{Code: 3} }, scraper.StatusFailed, "worker exited with code 3"},
		{"panic", func() error { panic("tab exploded") }, scraper.StatusFailed, "worker panicked: tab exploded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, 1, func(context.Context, scraper.Task, worker.Observer) error {
				return tc.result()
			}, nil)
			_, err := h.sup.Start(context.Background(), "videoX", scraper.Options{})
			require.NoError(t, err)
			require.Eventually(t, func() bool {
				return h.status("videoX").Terminal() && h.sem.Held() == 0
			}, waitFor, 5*time.Millisecond)
			state, _ := h.sup.GetState("videoX")
			assert.Equal(t, tc.status, state.Status)
			assert.Equal(t, tc.reason, state.Reason)

			want := progress.StageRunDone
			if tc.status == scraper.StatusFailed {
				want = progress.StageRunError
			}
			assert.Equal(t, 1, h.events.Count(want))
		})
	}
}

// TestStopRacesNaturalCompletion checks exactly one terminal write per run.
func TestStopRacesNaturalCompletion(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, 4, func(ctx context.Context, _ scraper.Task, obs worker.Observer) error {
		obs.Initialized()
		select {
		case <-release:
			return worker.ErrStreamEnded
		case <-ctx.Done():
			return nil
		}
	}, nil)

	const runs = 4
	for i := 0; i < runs; i++ {
		_, err := h.sup.Start(context.Background(), fmt.Sprintf("video%d", i), scraper.Options{})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return h.running() == runs }, waitFor, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.sup.Stop(id)
		}(fmt.Sprintf("video%d", i))
	}
	close(release)
	wg.Wait()

	require.Eventually(t, func() bool { return h.sem.Held() == 0 }, waitFor, 5*time.Millisecond)
	for _, state := range h.sup.List() {
		assert.Equal(t, scraper.StatusCompleted, state.Status)
		assert.Contains(t, []string{ReasonStoppedByUser, ReasonStreamEnded}, state.Reason)
		terminal := 0
		for _, stage := range h.events.Stages(state.RunID) {
			if stage == progress.StageRunDone || stage == progress.StageRunError {
				terminal++
			}
		}
		assert.Equal(t, 1, terminal, "task %s", state.TaskID)
		assert.Equal(t, StopResultNotFound, h.sup.Stop(state.TaskID))
	}
}

// TestThroughputAndItems checks item counting and interval reports.
func TestThroughputAndItems(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var reports []scraper.ThroughputReport
	h := newHarness(t, 1, func(ctx context.Context, task scraper.Task, obs worker.Observer) error {
		owner, ok := pool.OwnerFrom(ctx)
		if !ok || owner != task.RunID {
			return errors.New("run owner missing from context")
		}
		obs.Initialized()
		obs.Metadata("Live now", "Channel A")
		for i := 0; i < 3; i++ {
			obs.Item(scraper.ChatItem{Author: fmt.Sprintf("user%d", i), Message: "hi"})
		}
		<-ctx.Done()
		return nil
	}, func(_ *Config, deps *Deps) {
		deps.OnThroughput = func(r scraper.ThroughputReport) {
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, r)
		}
	})

	_, err := h.sup.Start(context.Background(), "videoX", scraper.Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, _ := h.sup.GetState("videoX")
		return state.Intervals >= 2 && state.TotalMessages == 3
	}, waitFor, 5*time.Millisecond)

	state, _ := h.sup.GetState("videoX")
	assert.Equal(t, scraper.StatusRunning, state.Status)
	assert.Equal(t, int64(3), state.MaxThroughput)
	assert.Equal(t, "Live now", state.Title)
	assert.Equal(t, "Channel A", state.Channel)
	assert.Equal(t, 3, h.events.Count(progress.StageContentItem))

	mu.Lock()
	require.NotEmpty(t, reports)
	assert.Equal(t, "videoX", reports[0].TaskID)
	assert.Equal(t, scraper.StatusRunning, reports[0].Status)
	assert.Equal(t, int64(3), reports[len(reports)-1].TotalMessages)
	mu.Unlock()
}

// TestMetadataEnrichment checks lookups run once per run behind the guard.
func TestMetadataEnrichment(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{stream: metadata.Stream{Title: "Launch stream", Channel: "Space"}}
	limiter := ratelimit.New()
	guard := ratelimit.Guard(limiter, ratelimit.Rule{Key: "metadata", PermitsPerSecond: 1})
	h := newHarness(t, 2, blockUntilStopped, func(_ *Config, deps *Deps) {
		deps.Metadata = fetcher
		deps.MetadataGuard = guard
	})

	_, err := h.sup.Start(context.Background(), "first", scraper.Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, _ := h.sup.GetState("first")
		return state.Title == "Launch stream"
	}, waitFor, 5*time.Millisecond)

	_, err = h.sup.Start(context.Background(), "second", scraper.Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.status("second") == scraper.StatusRunning }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	state, _ := h.sup.GetState("second")
	assert.Empty(t, state.Title, "second lookup inside the emission interval is rejected")
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

// TestShutdownStopsActiveRuns checks shutdown finishes every run and refuses new ones.
func TestShutdownStopsActiveRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, blockUntilStopped, nil)
	for _, id := range []string{"a", "b"} {
		_, err := h.sup.Start(context.Background(), id, scraper.Options{})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return h.running() == 1 }, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(ctx))
	assert.Zero(t, h.sup.Active())
	for _, state := range h.sup.List() {
		assert.Equal(t, scraper.StatusCompleted, state.Status)
		assert.Equal(t, ReasonShutdown, state.Reason)
	}

	_, err := h.sup.Start(context.Background(), "c", scraper.Options{})
	require.ErrorIs(t, err, ErrShuttingDown)
	require.ErrorIs(t, err, ErrQueueing)
}

// TestNewValidatesDeps rejects incomplete wiring.
func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

type failingQueue struct {
	err error
}

func (q failingQueue) Enqueue(context.Context, scraper.Task) error {
	return q.err
}

type fakeFetcher struct {
	stream metadata.Stream
	calls  atomic.Int32
}

func (f *fakeFetcher) Fetch(context.Context, string) (metadata.Stream, error) {
	f.calls.Add(1)
	return f.stream, nil
}
