// Package browser drives headless Chrome instances through chromedp.
//
// A Browser is one Chrome process with its own allocator. Browsers are
// expensive to start, so they are created through Factory and lent out by a
// pool.Pool. Work inside a browser happens on a Tab.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrBrowserClosed is returned when a tab is opened on a destroyed browser.
var ErrBrowserClosed = errors.New("browser closed")

// Config controls how Chrome instances are launched.
type Config struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	NavigationTimeout time.Duration
	// NavigateQPS caps navigations per host across all browsers. Zero disables it.
	NavigateQPS float64
}

// Browser is one running Chrome process.
type Browser struct {
	id            string
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	cfg           Config
	budget        *hostBudget
	closed        atomic.Bool
	tabs          atomic.Int32
}

// ID identifies the browser in logs and metrics.
func (b *Browser) ID() string {
	return b.id
}

// Alive reports whether the Chrome process is still usable.
func (b *Browser) Alive() bool {
	return !b.closed.Load() && b.browserCtx.Err() == nil
}

// OpenTabs reports how many tabs are currently open.
func (b *Browser) OpenTabs() int {
	return int(b.tabs.Load())
}

func (b *Browser) close() {
	if b.closed.Swap(true) {
		return
	}
	b.browserCancel()
	b.allocCancel()
}

// Factory builds browsers for pool.Pool.
type Factory struct {
	cfg    Config
	logger *zap.Logger
	budget *hostBudget
}

// NewFactory returns a factory launching Chrome with cfg.
func NewFactory(cfg Config, logger *zap.Logger) *Factory {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, logger: logger, budget: newHostBudget(cfg.NavigateQPS)}
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:0:0], chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("mute-audio", true),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	return opts
}

// Create launches Chrome and waits until the first target is attached.
func (f *Factory) Create(ctx context.Context) (*Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	warmCtx, cancelWarm := context.WithTimeout(browserCtx, f.cfg.NavigationTimeout)
	defer cancelWarm()
	stop := forwardCancel(ctx, cancelWarm)
	defer stop()

	if err := chromedp.Run(warmCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	b := &Browser{
		id:            uuid.NewString(),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		cfg:           f.cfg,
		budget:        f.budget,
	}
	f.logger.Info("browser launched", zap.String("browser_id", b.id), zap.Bool("headless", f.cfg.Headless))
	return b, nil
}

// Validate reports whether the browser can still serve tabs.
func (f *Factory) Validate(_ context.Context, b *Browser) bool {
	return b != nil && b.Alive() && b.OpenTabs() == 0
}

// Destroy terminates the Chrome process.
func (f *Factory) Destroy(b *Browser) error {
	if b == nil {
		return nil
	}
	b.close()
	f.logger.Info("browser destroyed", zap.String("browser_id", b.id))
	return nil
}

// forwardCancel cancels a chromedp-derived context when parent ends. chromedp
// contexts must descend from the browser context, so callers cannot simply
// derive from their own.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// hostBudget rate-limits navigations per host.
type hostBudget struct {
	qps      float64
	limiters sync.Map
}

func newHostBudget(qps float64) *hostBudget {
	return &hostBudget{qps: qps}
}

func (h *hostBudget) wait(ctx context.Context, rawURL string) error {
	if h == nil || h.qps <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse navigation url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := h.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(h.qps), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait navigation budget: %w", err)
	}
	return nil
}
