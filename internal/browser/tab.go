package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

// drainScript collects chat renderers inside the live chat iframe that have
// not been reported yet and tags them so the next poll skips them.
const drainScript = `(() => {
  const frame = document.querySelector(%s);
  if (!frame || !frame.contentDocument) { return []; }
  const nodes = frame.contentDocument.querySelectorAll('yt-live-chat-text-message-renderer:not([data-scraped])');
  const out = [];
  for (const node of nodes) {
    node.setAttribute('data-scraped', '1');
    const author = node.querySelector('#author-name');
    const message = node.querySelector('#message');
    out.push({
      id: node.id || '',
      author: author ? author.textContent.trim() : '',
      message: message ? message.textContent.trim() : '',
      lang: message ? (message.getAttribute('lang') || '') : '',
      ts: Date.now(),
    });
  }
  return out;
})()`

const metadataScript = `(() => {
  const channel = document.querySelector('ytd-channel-name a, #channel-name a, #owner-name a');
  return {
    title: (document.querySelector('meta[name="title"]') || {}).content || document.title || '',
    channel: channel ? channel.textContent.trim() : '',
  };
})()`

// Tab is one page target inside a Browser. A Tab is not safe for concurrent
// use; callers pin it to a single goroutine.
type Tab struct {
	browser *Browser
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
}

// NewTab opens a blank target in the browser.
func (b *Browser) NewTab(ctx context.Context) (*Tab, error) {
	if !b.Alive() {
		return nil, ErrBrowserClosed
	}
	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	t := &Tab{browser: b, ctx: tabCtx, cancel: cancel}
	if err := t.run(ctx, b.cfg.NavigationTimeout); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	b.tabs.Add(1)
	return t, nil
}

// Navigate loads rawURL and waits for the document body.
func (t *Tab) Navigate(ctx context.Context, rawURL string) error {
	if err := t.browser.budget.wait(ctx, rawURL); err != nil {
		return err
	}
	if err := t.run(ctx, t.browser.cfg.NavigationTimeout,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return nil
}

// WaitPresent waits up to timeout for selector to appear. A timeout is not an
// error; it reports false.
func (t *Tab) WaitPresent(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	err := t.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return false, nil
	default:
		return false, fmt.Errorf("wait for %s: %w", selector, err)
	}
}

// Present reports whether selector currently matches an element.
func (t *Tab) Present(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, fmt.Errorf("quote selector: %w", err)
	}
	var present bool
	expr := fmt.Sprintf("document.querySelector(%s) !== null", quoted)
	if err := t.run(ctx, t.browser.cfg.NavigationTimeout, chromedp.Evaluate(expr, &present)); err != nil {
		return false, fmt.Errorf("query %s: %w", selector, err)
	}
	return present, nil
}

type rawChatItem struct {
	ID      string  `json:"id"`
	Author  string  `json:"author"`
	Message string  `json:"message"`
	Lang    string  `json:"lang"`
	TS      float64 `json:"ts"`
}

// DrainChat returns chat messages rendered inside frameSelector since the
// previous call.
func (t *Tab) DrainChat(ctx context.Context, frameSelector string) ([]scraper.ChatItem, error) {
	quoted, err := json.Marshal(frameSelector)
	if err != nil {
		return nil, fmt.Errorf("quote selector: %w", err)
	}
	var raw []rawChatItem
	if err := t.run(ctx, t.browser.cfg.NavigationTimeout,
		chromedp.Evaluate(fmt.Sprintf(drainScript, quoted), &raw),
	); err != nil {
		return nil, fmt.Errorf("drain chat: %w", err)
	}
	items := make([]scraper.ChatItem, 0, len(raw))
	for _, r := range raw {
		items = append(items, scraper.ChatItem{
			ID:        r.ID,
			Author:    r.Author,
			Message:   r.Message,
			Lang:      r.Lang,
			Timestamp: time.UnixMilli(int64(r.TS)).UTC(),
		})
	}
	return items, nil
}

// PageMetadata reads the stream title and channel name from the loaded page.
func (t *Tab) PageMetadata(ctx context.Context) (string, string, error) {
	var meta struct {
		Title   string `json:"title"`
		Channel string `json:"channel"`
	}
	if err := t.run(ctx, t.browser.cfg.NavigationTimeout, chromedp.Evaluate(metadataScript, &meta)); err != nil {
		return "", "", fmt.Errorf("read page metadata: %w", err)
	}
	return meta.Title, meta.Channel, nil
}

// Close closes the page target.
func (t *Tab) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()
	t.browser.tabs.Add(-1)
	return nil
}

func (t *Tab) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if t.closed {
		return ErrBrowserClosed
	}
	taskCtx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return err
	}
	return nil
}
