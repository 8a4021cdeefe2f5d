// Command chatworker scrapes one live chat and reports it on stdout using the
// marker protocol scraperd's process worker understands.
//
// It prints the initialized marker once attached, one "item\t<json>" line per
// chat message and "meta\t<json>" for stream details. Writing "p" to stdin
// stops it with exit code 0. After --max-retries failed attempts it prints the
// failure marker and exits 1.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/browser"
	"github.com/JakeFAU/realtime-chat-scraper/internal/logging"
	"github.com/JakeFAU/realtime-chat-scraper/internal/pool"
	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
	"github.com/JakeFAU/realtime-chat-scraper/internal/worker"
)

type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("exit code %d", int(c))
}

type flags struct {
	taskID       string
	skipLangs    []string
	maxRetries   int
	retryDelay   time.Duration
	watchURL     string
	anchor       string
	pollInterval time.Duration
	headless     bool
	execPath     string
	userAgent    string
	debug        bool
}

func main() {
	err := newCommand().Execute()
	var code exitCode
	switch {
	case err == nil:
	case errors.As(err, &code):
		os.Exit(int(code))
	default:
		os.Exit(2)
	}
}

func newCommand() *cobra.Command {
	f := &flags{}
	defaults := worker.DefaultBrowserConfig()
	cmd := &cobra.Command{
		Use:           "chatworker",
		Short:         "Scrape one live chat and stream it to stdout",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(f.taskID) == "" {
				return errors.New("--task-id is required")
			}
			logger, err := logging.New(f.debug)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
			logger = logger.With(zap.String("task_id", f.taskID))

			w, closeWorker, err := newBrowserWorker(cmd.Context(), f, logger)
			if err != nil {
				return err
			}
			defer closeWorker()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go watchStdin(cmd.InOrStdin(), cancel)

			s := &session{
				worker:     w,
				markers:    worker.DefaultMarkers(),
				maxRetries: f.maxRetries,
				retryDelay: f.retryDelay,
				logger:     logger,
				out:        cmd.OutOrStdout(),
			}
			task := scraper.Task{
				TaskID:  f.taskID,
				RunID:   fmt.Sprintf("chatworker-%d", os.Getpid()),
				Options: scraper.Options{SkipLangs: f.skipLangs}.Normalize(),
			}
			if code := s.run(ctx, task); code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.taskID, "task-id", "", "live stream id to scrape")
	cmd.Flags().StringSliceVar(&f.skipLangs, "skip-langs", nil, "languages to skip (comma separated)")
	cmd.Flags().IntVar(&f.maxRetries, "max-retries", 3, "attempts after the first before giving up")
	cmd.Flags().DurationVar(&f.retryDelay, "retry-delay", 5*time.Second, "wait between attempts")
	cmd.Flags().StringVar(&f.watchURL, "watch-url", defaults.WatchURL, "watch page format string receiving the task id")
	cmd.Flags().StringVar(&f.anchor, "anchor", defaults.Anchor, "selector of the live chat frame")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", defaults.PollInterval, "chat poll interval")
	cmd.Flags().BoolVar(&f.headless, "headless", true, "run Chrome headless")
	cmd.Flags().StringVar(&f.execPath, "chrome", "", "Chrome executable path")
	cmd.Flags().StringVar(&f.userAgent, "user-agent", "", "browser user agent")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "development logging")
	return cmd
}

// newBrowserWorker builds a single-browser pool and a worker on top of it.
func newBrowserWorker(ctx context.Context, f *flags, logger *zap.Logger) (*worker.BrowserWorker, func(), error) {
	factory := browser.NewFactory(browser.Config{
		Headless:  f.headless,
		ExecPath:  f.execPath,
		UserAgent: f.userAgent,
	}, logger.Named("browser"))
	browsers, err := pool.New[*browser.Browser](factory, pool.Config{
		Name:          "chatworker",
		MaxTotal:      1,
		MaxIdle:       1,
		BorrowTimeout: time.Minute,
	}, logger.Named("pool"))
	if err != nil {
		return nil, nil, fmt.Errorf("browser pool init failed: %w", err)
	}
	browsers.Start(ctx)
	w, err := worker.NewBrowserWorker(worker.BrowserConfig{
		WatchURL:      f.watchURL,
		Anchor:        f.anchor,
		PollInterval:  f.pollInterval,
		AnchorTimeout: worker.DefaultBrowserConfig().AnchorTimeout,
	}, worker.NewBrowserPages(browsers), logger.Named("worker"))
	if err != nil {
		_ = browsers.Close(context.Background())
		return nil, nil, fmt.Errorf("browser worker init failed: %w", err)
	}
	return w, func() {
		w.Close()
		_ = browsers.Close(context.Background())
	}, nil
}
