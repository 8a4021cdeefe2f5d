package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the scraper_runs status column.
type RunStatus string

// Run statuses persisted in scraper_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run models one row of scraper_runs.
type Run struct {
	// RunID is the primary key, generated when the task was claimed.
	RunID uuid.UUID
	// TaskID is the stream identifier the run scraped.
	TaskID string
	// Worker names the worker implementation that ran it.
	Worker string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	Status     RunStatus
	// TotalMessages accumulates chat items across throughput intervals.
	TotalMessages int64
	// MaxThroughput is the largest single-interval message count.
	MaxThroughput int64
	// Reason optionally stores why the run ended.
	Reason *string
}

// RunRepository persists run lifecycle and throughput.
type RunRepository interface {
	// UpsertRunStart inserts the run or idempotently marks it running.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, taskID, worker string, startedAt time.Time) error
	// AddThroughput applies one interval's message delta.
	AddThroughput(ctx context.Context, runID uuid.UUID, messages int64, at time.Time) error
	// CompleteRun marks the run finished with status and optional reason.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, reason *string) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs for taskID (all tasks when empty), newest first.
	ListRuns(ctx context.Context, taskID string, limit, offset int) ([]Run, error)
}
