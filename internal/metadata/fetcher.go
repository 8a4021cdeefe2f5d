// Package metadata reads stream details from the public watch page.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// ErrNotFound is returned when the watch page carries no stream metadata.
var ErrNotFound = errors.New("stream metadata not found")

// Config controls the watch page fetch.
type Config struct {
	// WatchURL is a format string receiving the task id.
	WatchURL  string
	UserAgent string
	Timeout   time.Duration
}

// Stream is the metadata attached to a scraper run.
type Stream struct {
	Title   string `json:"title"`
	Channel string `json:"channel"`
}

// Fetcher scrapes watch pages with a Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.WatchURL == "" {
		cfg.WatchURL = "https://www.youtube.com/watch?v=%s"
	}
	if !strings.Contains(cfg.WatchURL, "%s") {
		return nil, fmt.Errorf("metadata.watch_url %q must contain %%s", cfg.WatchURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = true
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Fetcher{cfg: cfg, baseCollector: c}, nil
}

// Fetch returns the title and channel of taskID's stream.
func (f *Fetcher) Fetch(ctx context.Context, taskID string) (Stream, error) {
	var (
		stream   Stream
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.OnHTML("head", func(e *colly.HTMLElement) {
		stream.Title = firstNonEmpty(
			e.ChildAttr(`meta[name="title"]`, "content"),
			e.ChildAttr(`meta[property="og:title"]`, "content"),
			strings.TrimSpace(e.ChildText("title")),
		)
	})
	collector.OnHTML(`[itemprop="author"]`, func(e *colly.HTMLElement) {
		if stream.Channel == "" {
			stream.Channel = e.ChildAttr(`link[itemprop="name"]`, "content")
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
	})

	if err := ctx.Err(); err != nil {
		return Stream{}, fmt.Errorf("metadata fetch canceled: %w", err)
	}
	watchURL := fmt.Sprintf(f.cfg.WatchURL, taskID)
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(watchURL)
	}()
	select {
	case <-ctx.Done():
		return Stream{}, fmt.Errorf("metadata fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return Stream{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if err != nil {
			return Stream{}, fmt.Errorf("colly visit failed: %w", err)
		}
	}
	if stream.Title == "" && stream.Channel == "" {
		return Stream{}, ErrNotFound
	}
	return stream, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
