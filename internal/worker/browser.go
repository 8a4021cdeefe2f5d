package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/browser"
	"github.com/JakeFAU/realtime-chat-scraper/internal/pool"
	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

// Page is the part of a browser tab a BrowserWorker drives.
type Page interface {
	Navigate(ctx context.Context, rawURL string) error
	WaitPresent(ctx context.Context, selector string, timeout time.Duration) (bool, error)
	Present(ctx context.Context, selector string) (bool, error)
	DrainChat(ctx context.Context, frameSelector string) ([]scraper.ChatItem, error)
	PageMetadata(ctx context.Context) (string, string, error)
}

// PageSource lends a page for one session and takes it back. broken marks a
// page whose browser misbehaved and must not be reused.
type PageSource interface {
	Acquire(ctx context.Context) (Page, error)
	Release(page Page, broken bool)
}

// BrowserConfig controls the in-process browser worker.
type BrowserConfig struct {
	// WatchURL is a format string receiving the task id.
	WatchURL      string
	Anchor        string
	PollInterval  time.Duration
	AnchorTimeout time.Duration
}

// DefaultBrowserConfig targets YouTube live chat.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		WatchURL:      "https://www.youtube.com/watch?v=%s",
		Anchor:        "iframe#chatframe",
		PollInterval:  time.Second,
		AnchorTimeout: 30 * time.Second,
	}
}

type session struct {
	page   Page
	broken bool
}

// BrowserWorker scrapes chat by polling a page inside a pooled browser. Each
// session's page is bound to the run that opened it.
type BrowserWorker struct {
	cfg      BrowserConfig
	pages    PageSource
	sessions *pool.AffinePool[*session]
	logger   *zap.Logger
}

// NewBrowserWorker builds a worker over pages.
func NewBrowserWorker(cfg BrowserConfig, pages PageSource, logger *zap.Logger) (*BrowserWorker, error) {
	if pages == nil {
		return nil, fmt.Errorf("page source is required")
	}
	defaults := DefaultBrowserConfig()
	if cfg.WatchURL == "" {
		cfg.WatchURL = defaults.WatchURL
	}
	if !strings.Contains(cfg.WatchURL, "%s") {
		return nil, fmt.Errorf("watch url %q must contain %%s", cfg.WatchURL)
	}
	if cfg.Anchor == "" {
		cfg.Anchor = defaults.Anchor
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.AnchorTimeout <= 0 {
		cfg.AnchorTimeout = defaults.AnchorTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &BrowserWorker{cfg: cfg, pages: pages, logger: logger}
	w.sessions = pool.NewAffinePool(
		func(ctx context.Context) (*session, error) {
			page, err := pages.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return &session{page: page}, nil
		},
		func(s *session) error {
			pages.Release(s.page, s.broken)
			return nil
		},
		logger,
	)
	return w, nil
}

// Name implements Worker.
func (w *BrowserWorker) Name() string {
	return "browser"
}

// Sessions reports how many runs currently hold a page.
func (w *BrowserWorker) Sessions() int {
	return w.sessions.Len()
}

// Close releases every page still bound to a run.
func (w *BrowserWorker) Close() {
	w.sessions.Close()
}

// Run opens the watch page for task and polls its chat until the stream
// ends or ctx is canceled.
func (w *BrowserWorker) Run(ctx context.Context, task scraper.Task, obs Observer) error {
	if obs == nil {
		obs = NopObserver{}
	}
	owner, ok := pool.OwnerFrom(ctx)
	if !ok {
		owner = task.RunID
		ctx = pool.WithOwner(ctx, owner)
	}
	log := w.logger.With(zap.String("task_id", task.TaskID), zap.String("run_id", task.RunID))

	sess, err := w.sessions.Bind(ctx)
	if err != nil {
		return fmt.Errorf("acquire browser page: %w", err)
	}
	defer w.sessions.Unbind(owner)
	obs.Started("tab:" + owner)

	watchURL := fmt.Sprintf(w.cfg.WatchURL, task.TaskID)
	err = sess.Do(ctx, func(s *session) error {
		if err := s.page.Navigate(ctx, watchURL); err != nil {
			return w.browserFailure(s, err)
		}
		present, err := s.page.WaitPresent(ctx, w.cfg.Anchor, w.cfg.AnchorTimeout)
		if err != nil {
			return w.browserFailure(s, err)
		}
		if !present {
			return ErrNoContent
		}
		title, channel, err := s.page.PageMetadata(ctx)
		if err != nil {
			log.Warn("read page metadata failed", zap.Error(err))
			return nil
		}
		if title != "" || channel != "" {
			obs.Metadata(title, channel)
		}
		return nil
	})
	if err != nil {
		return w.outcome(ctx, err)
	}
	log.Info("chat attached", zap.String("url", watchURL))
	obs.Initialized()

	opts := task.Options.Normalize()
	if len(opts.SkipLangs) > 0 {
		log.Info("filtering chat languages", zap.Strings("skip_langs", opts.SkipLangs))
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		err := sess.Do(ctx, func(s *session) error {
			present, err := s.page.Present(ctx, w.cfg.Anchor)
			if err != nil {
				return w.browserFailure(s, err)
			}
			if !present {
				return ErrStreamEnded
			}
			items, err := s.page.DrainChat(ctx, w.cfg.Anchor)
			if err != nil {
				return w.browserFailure(s, err)
			}
			for _, item := range items {
				if opts.Skips(item.Lang) {
					continue
				}
				obs.Item(item)
			}
			return nil
		})
		if err != nil {
			return w.outcome(ctx, err)
		}
	}
}

// browserFailure marks the session's browser unusable unless the error came
// from the run being canceled.
func (w *BrowserWorker) browserFailure(s *session, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.broken = true
	return fmt.Errorf("%w: %v", ErrCommunicationLost, err)
}

func (w *BrowserWorker) outcome(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// BrowserPages lends tabs from browsers held in a pool.
type BrowserPages struct {
	browsers *pool.Pool[*browser.Browser]
}

// NewBrowserPages wraps a browser pool.
func NewBrowserPages(browsers *pool.Pool[*browser.Browser]) *BrowserPages {
	return &BrowserPages{browsers: browsers}
}

type browserPage struct {
	*browser.Tab
	owner *browser.Browser
}

// Acquire borrows a browser and opens a tab in it.
func (p *BrowserPages) Acquire(ctx context.Context) (Page, error) {
	b, err := p.browsers.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	tab, err := b.NewTab(ctx)
	if err != nil {
		_ = p.browsers.Invalidate(b)
		return nil, err
	}
	return &browserPage{Tab: tab, owner: b}, nil
}

// Release closes the tab and hands the browser back, destroying it if broken.
func (p *BrowserPages) Release(page Page, broken bool) {
	bp, ok := page.(*browserPage)
	if !ok {
		return
	}
	_ = bp.Close()
	if broken {
		_ = p.browsers.Invalidate(bp.owner)
		return
	}
	_ = p.browsers.Return(bp.owner)
}
