// Package progress defines the events emitted over a scraper run's life.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunQueued     Stage = "RUN_QUEUED"
	StageRunStart      Stage = "RUN_START"
	StageRunThroughput Stage = "RUN_THROUGHPUT"
	StageRunDone       Stage = "RUN_DONE"
	StageRunError      Stage = "RUN_ERROR"
	StageContentItem   Stage = "CONTENT_ITEM"
)

// Event captures a single milestone of a scraper run.
type Event struct {
	// TaskID is the stream identifier.
	TaskID string
	// RunID identifies the run in its UUID string form.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Worker names the worker implementation for start events.
	Worker string
	// Messages is the interval message count for throughput events.
	Messages int64
	// Total is the run's message count so far.
	Total int64
	// Item is the chat message for content events.
	Item *scraper.ChatItem
	// Dur captures run wall time on completion.
	Dur time.Duration
	// Note carries the terminal reason or other low-volume context.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if _, err := uuid.Parse(e.RunID); err != nil {
		return fmt.Errorf("run id must be a uuid: %w", err)
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunQueued, StageRunStart, StageRunDone, StageRunError:
	case StageRunThroughput:
		if e.Messages < 0 || e.Total < 0 {
			return errors.New("throughput counts must be >= 0")
		}
	case StageContentItem:
		if e.Item == nil {
			return errors.New("content item requires item")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID parses the run id for repositories. Validate guarantees it parses.
func (e Event) RunUUID() uuid.UUID {
	id, _ := uuid.Parse(e.RunID)
	return id
}

// Terminal reports whether the event closes a run.
func (e Event) Terminal() bool {
	return e.Stage == StageRunDone || e.Stage == StageRunError
}
