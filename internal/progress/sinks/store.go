package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/progress"
	"github.com/JakeFAU/realtime-chat-scraper/internal/store"
)

// StoreSink persists run lifecycle and throughput via a store.RunRepository.
// Content items are ignored; they belong to the publisher and archive sinks.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Name labels the sink in hub logs.
func (s *StoreSink) Name() string { return "store" }

// Consume forwards run events to the repository in batch order. It respects
// ctx deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.consumeEvent(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) consumeEvent(ctx context.Context, evt progress.Event) error {
	runID := evt.RunUUID()
	switch evt.Stage {
	case progress.StageRunStart:
		if err := s.repo.UpsertRunStart(ctx, runID, evt.TaskID, evt.Worker, evt.TS); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
	case progress.StageRunThroughput:
		err := s.repo.AddThroughput(ctx, runID, evt.Messages, evt.TS)
		if errors.Is(err, store.ErrNotFound) {
			// The start event was dropped under backpressure.
			s.logger.Debug("throughput for unknown run", zap.String("run_id", evt.RunID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("add throughput: %w", err)
		}
	case progress.StageRunDone, progress.StageRunError:
		status := store.RunCompleted
		if evt.Stage == progress.StageRunError {
			status = store.RunFailed
		}
		var reason *string
		if evt.Note != "" {
			reason = &evt.Note
		}
		if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, reason); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
