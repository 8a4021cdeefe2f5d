package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
	"github.com/JakeFAU/realtime-chat-scraper/internal/worker"
)

// stopCommand is the line the supervisor writes to stdin to request a stop.
const stopCommand = "p"

// session drives one worker for one task and speaks the marker protocol on
// out. It implements worker.Observer.
type session struct {
	worker     worker.Worker
	markers    worker.Markers
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

func (s *session) println(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, line)
}

func (s *session) printJSON(prefix string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("encode output", zap.Error(err))
		return
	}
	s.println(prefix + string(data))
}

// Started implements worker.Observer.
func (s *session) Started(handle string) {
	s.logger.Debug("session opened", zap.String("handle", handle))
}

// Initialized implements worker.Observer.
func (s *session) Initialized() {
	s.println(s.markers.Initialized)
}

// Item implements worker.Observer.
func (s *session) Item(item scraper.ChatItem) {
	s.printJSON(s.markers.ItemPrefix, item)
}

// Metadata implements worker.Observer.
func (s *session) Metadata(title, channel string) {
	s.printJSON(s.markers.MetadataPrefix, map[string]string{"title": title, "channel": channel})
}

// run scrapes task until the stream ends, a stop arrives or retries run out,
// and returns the process exit code.
func (s *session) run(ctx context.Context, task scraper.Task) int {
	for attempt := 1; ; attempt++ {
		err := s.worker.Run(ctx, task, s)
		switch {
		case ctx.Err() != nil:
			s.logger.Info("stop requested")
			return 0
		case err == nil:
			return 0
		case errors.Is(err, worker.ErrStreamEnded):
			s.println("stream ended")
			return 0
		case errors.Is(err, worker.ErrNoContent):
			if len(s.markers.NoContent) > 0 {
				s.println(s.markers.NoContent[0])
			}
			return 0
		}
		if attempt > s.maxRetries {
			s.logger.Error("giving up", zap.Int("attempts", attempt), zap.Error(err))
			s.println(s.markers.Failure)
			return 1
		}
		s.logger.Warn("attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", s.retryDelay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(s.retryDelay):
		}
	}
}

// watchStdin cancels when the stop command arrives or stdin closes. A closed
// stdin means the supervisor is gone.
func watchStdin(stdin io.Reader, cancel context.CancelFunc) {
	defer cancel()
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == stopCommand {
			return
		}
	}
}
