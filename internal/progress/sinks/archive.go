package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/progress"
	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

const (
	defaultArchiveMaxItems = 500
	archiveContentType     = "application/x-ndjson"
)

// ArchiveConfig controls how chat items are chunked into blobs.
type ArchiveConfig struct {
	// Prefix is prepended to every object path (default "runs").
	Prefix string
	// MaxItems flushes a run's buffer once it holds this many items.
	MaxItems int
}

// ArchiveSink buffers chat items per run and writes them as JSON lines to a
// blob store under <prefix>/<task>/<run>/<seq>.jsonl. A run's buffer is
// flushed when full, when the run ends, and on Close.
type ArchiveSink struct {
	store  scraper.BlobStore
	cfg    ArchiveConfig
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*archiveBuffer
}

type archiveBuffer struct {
	taskID string
	seq    int
	items  []scraper.ChatItem
}

// NewArchiveSink constructs an ArchiveSink.
func NewArchiveSink(store scraper.BlobStore, cfg ArchiveConfig, logger *zap.Logger) (*ArchiveSink, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "runs"
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultArchiveMaxItems
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveSink{
		store:  store,
		cfg:    cfg,
		logger: logger,
		runs:   make(map[string]*archiveBuffer),
	}, nil
}

// Name labels the sink in hub logs.
func (s *ArchiveSink) Name() string { return "archive" }

// Consume buffers content items and writes full or finished runs.
func (s *ArchiveSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		switch {
		case evt.Stage == progress.StageContentItem:
			if chunk := s.add(evt); chunk != nil {
				errs = append(errs, s.write(ctx, chunk))
			}
		case evt.Terminal():
			if chunk := s.take(evt.RunID, true); chunk != nil {
				errs = append(errs, s.write(ctx, chunk))
			}
		}
	}
	return errors.Join(errs...)
}

// Close flushes every buffered run.
func (s *ArchiveSink) Close(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if chunk := s.take(id, true); chunk != nil {
			errs = append(errs, s.write(ctx, chunk))
		}
	}
	return errors.Join(errs...)
}

type archiveChunk struct {
	taskID string
	runID  string
	seq    int
	items  []scraper.ChatItem
}

func (s *ArchiveSink) add(evt progress.Event) *archiveChunk {
	s.mu.Lock()
	buf, ok := s.runs[evt.RunID]
	if !ok {
		buf = &archiveBuffer{taskID: evt.TaskID}
		s.runs[evt.RunID] = buf
	}
	buf.items = append(buf.items, *evt.Item)
	full := len(buf.items) >= s.cfg.MaxItems
	s.mu.Unlock()
	if !full {
		return nil
	}
	return s.take(evt.RunID, false)
}

// take detaches a run's buffered items. finished drops the run's entry.
func (s *ArchiveSink) take(runID string, finished bool) *archiveChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.runs[runID]
	if !ok {
		return nil
	}
	if finished {
		delete(s.runs, runID)
	}
	if len(buf.items) == 0 {
		return nil
	}
	buf.seq++
	chunk := &archiveChunk{taskID: buf.taskID, runID: runID, seq: buf.seq, items: buf.items}
	buf.items = nil
	return chunk
}

func (s *ArchiveSink) write(ctx context.Context, chunk *archiveChunk) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, item := range chunk.items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode chat item: %w", err)
		}
	}
	objectPath := path.Join(s.cfg.Prefix, chunk.taskID, chunk.runID, fmt.Sprintf("%05d.jsonl", chunk.seq))
	uri, err := s.store.PutObject(ctx, objectPath, archiveContentType, &body)
	if err != nil {
		return fmt.Errorf("archive %s: %w", objectPath, err)
	}
	s.logger.Debug("archived chat items",
		zap.String("task_id", chunk.taskID),
		zap.String("run_id", chunk.runID),
		zap.Int("items", len(chunk.items)),
		zap.String("uri", uri),
	)
	return nil
}
