package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/realtime-chat-scraper/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
// Content items are logged at debug level since they dominate the stream.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name labels the sink in hub logs.
func (s *LogSink) Name() string { return "log" }

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		}
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageRunStart:
			fields = append(fields, zap.String("worker", evt.Worker))
		case progress.StageRunThroughput:
			fields = append(fields, zap.Int64("messages", evt.Messages), zap.Int64("total", evt.Total))
		case progress.StageContentItem:
			level = zapcore.DebugLevel
			fields = append(fields, zap.String("author", evt.Item.Author))
		case progress.StageRunDone, progress.StageRunError:
			fields = append(fields, zap.Int64("total", evt.Total), zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if ce := s.logger.Check(level, "progress event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
