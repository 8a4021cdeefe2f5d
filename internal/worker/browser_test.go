package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-chat-scraper/internal/pool"
	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

type fakePage struct {
	mu         sync.Mutex
	navigated  string
	anchor     bool
	navErr     error
	drainErr   error
	presentFor int // polls before the anchor disappears; <0 keeps it forever
	polls      int
	pending    []scraper.ChatItem
	title      string
	channel    string
}

func (p *fakePage) Navigate(_ context.Context, rawURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = rawURL
	return p.navErr
}

func (p *fakePage) WaitPresent(context.Context, string, time.Duration) (bool, error) {
	return p.anchor, nil
}

func (p *fakePage) Present(context.Context, string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.presentFor >= 0 && p.polls > p.presentFor {
		return false, nil
	}
	return true, nil
}

func (p *fakePage) DrainChat(context.Context, string) ([]scraper.ChatItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drainErr != nil {
		return nil, p.drainErr
	}
	items := p.pending
	p.pending = nil
	return items, nil
}

func (p *fakePage) PageMetadata(context.Context) (string, string, error) {
	return p.title, p.channel, nil
}

type fakePages struct {
	mu        sync.Mutex
	page      *fakePage
	acquired  int
	released  int
	broken    bool
	acquireFn func() error
}

func (s *fakePages) Acquire(context.Context) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireFn != nil {
		if err := s.acquireFn(); err != nil {
			return nil, err
		}
	}
	s.acquired++
	return s.page, nil
}

func (s *fakePages) Release(_ Page, broken bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	s.broken = broken
}

func (s *fakePages) counts() (int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired, s.released, s.broken
}

func newBrowserWorker(t *testing.T, pages PageSource) *BrowserWorker {
	t.Helper()
	w, err := NewBrowserWorker(BrowserConfig{
		WatchURL:      "https://chat.test/watch?v=%s",
		PollInterval:  5 * time.Millisecond,
		AnchorTimeout: 10 * time.Millisecond,
	}, pages, nil)
	require.NoError(t, err)
	return w
}

func TestNewBrowserWorkerValidation(t *testing.T) {
	_, err := NewBrowserWorker(BrowserConfig{}, nil, nil)
	require.Error(t, err)
	_, err = NewBrowserWorker(BrowserConfig{WatchURL: "https://chat.test/fixed"}, &fakePages{}, nil)
	require.Error(t, err)

	w, err := NewBrowserWorker(BrowserConfig{}, &fakePages{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "iframe#chatframe", w.cfg.Anchor)
	assert.Equal(t, time.Second, w.cfg.PollInterval)
	assert.Equal(t, "browser", w.Name())
}

func TestBrowserWorkerStreamEnds(t *testing.T) {
	page := &fakePage{
		anchor:     true,
		presentFor: 2,
		pending:    []scraper.ChatItem{{ID: "1", Author: "ann", Message: "hi"}, {ID: "2", Author: "bob", Message: "yo"}},
		title:      "Launch stream",
		channel:    "Space Channel",
	}
	pages := &fakePages{page: page}
	w := newBrowserWorker(t, pages)
	obs := &recordingObserver{}

	err := w.Run(context.Background(), testTask(), obs)
	require.ErrorIs(t, err, ErrStreamEnded)

	handle, initialized, items := obs.snapshot()
	assert.Equal(t, "tab:run-1", handle)
	assert.Equal(t, 1, initialized)
	assert.Len(t, items, 2)
	assert.Equal(t, "Launch stream", obs.title)
	assert.Equal(t, "Space Channel", obs.channel)
	assert.Equal(t, "https://chat.test/watch?v=abc123", page.navigated)

	acquired, released, broken := pages.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
	assert.False(t, broken)
	assert.Zero(t, w.Sessions())
}

func TestBrowserWorkerSkipsFilteredLanguages(t *testing.T) {
	page := &fakePage{
		anchor:     true,
		presentFor: 1,
		pending: []scraper.ChatItem{
			{ID: "1", Author: "ann", Message: "hello", Lang: "en-US"},
			{ID: "2", Author: "kei", Message: "konnichiwa", Lang: "ja"},
			{ID: "3", Author: "bob", Message: "untagged"},
		},
	}
	w := newBrowserWorker(t, &fakePages{page: page})
	obs := &recordingObserver{}
	task := testTask()
	task.Options.SkipLangs = []string{" EN "}

	require.ErrorIs(t, w.Run(context.Background(), task, obs), ErrStreamEnded)
	_, _, items := obs.snapshot()
	require.Len(t, items, 2)
	assert.Equal(t, "2", items[0].ID)
	assert.Equal(t, "3", items[1].ID)
}

func TestBrowserWorkerNoAnchor(t *testing.T) {
	pages := &fakePages{page: &fakePage{anchor: false}}
	w := newBrowserWorker(t, pages)
	obs := &recordingObserver{}

	err := w.Run(context.Background(), testTask(), obs)
	require.ErrorIs(t, err, ErrNoContent)
	_, initialized, _ := obs.snapshot()
	assert.Zero(t, initialized)
	_, released, broken := pages.counts()
	assert.Equal(t, 1, released)
	assert.False(t, broken)
}

func TestBrowserWorkerBrowserErrorInvalidates(t *testing.T) {
	pages := &fakePages{page: &fakePage{anchor: true, presentFor: -1, drainErr: errors.New("target crashed")}}
	w := newBrowserWorker(t, pages)

	err := w.Run(context.Background(), testTask(), nil)
	require.ErrorIs(t, err, ErrCommunicationLost)
	assert.False(t, Graceful(err))
	_, released, broken := pages.counts()
	assert.Equal(t, 1, released)
	assert.True(t, broken)
}

func TestBrowserWorkerStopsOnCancel(t *testing.T) {
	pages := &fakePages{page: &fakePage{anchor: true, presentFor: -1}}
	w := newBrowserWorker(t, pages)
	obs := &recordingObserver{}
	ctx, cancel := context.WithCancel(pool.WithOwner(context.Background(), "owner-7"))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, testTask(), obs) }()
	require.Eventually(t, func() bool {
		_, initialized, _ := obs.snapshot()
		return initialized == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, w.Sessions())
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("browser worker did not stop")
	}
	handle, _, _ := obs.snapshot()
	assert.Equal(t, "tab:owner-7", handle)
	_, released, broken := pages.counts()
	assert.Equal(t, 1, released)
	assert.False(t, broken)
}

func TestBrowserWorkerAcquireFailure(t *testing.T) {
	pages := &fakePages{acquireFn: func() error { return pool.ErrPoolExhausted }}
	w := newBrowserWorker(t, pages)

	err := w.Run(context.Background(), testTask(), nil)
	require.ErrorIs(t, err, pool.ErrResourceCreation)
	require.ErrorIs(t, err, pool.ErrPoolExhausted)
}
