// Package worker runs a single chat scraping session for one task.
//
// Two implementations exist: ProcessWorker supervises an external scraper
// binary through its stdin and merged stdout/stderr, and BrowserWorker drives
// a pooled headless Chrome in-process. Both report progress through an
// Observer and classify how the session ended through their returned error.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

// Session outcomes. A nil error means the session was stopped on request.
var (
	// ErrStreamEnded reports that the live stream finished normally.
	ErrStreamEnded = errors.New("stream ended")
	// ErrNoContent reports that the stream has no live chat to read.
	ErrNoContent = errors.New("no live chat content")
	// ErrUnrecoverable reports that the worker gave up after its own retries.
	ErrUnrecoverable = errors.New("worker failed unrecoverably")
	// ErrCommunicationLost reports that the supervisor lost its channel to the worker.
	ErrCommunicationLost = errors.New("lost communication with worker")
)

// ExitError reports a worker process that exited with a non-zero code.
type ExitError struct {
	Code int
	// Tail holds the last lines of output for diagnostics.
	Tail []string
}

func (e *ExitError) Error() string {
	if len(e.Tail) == 0 {
		return fmt.Sprintf("worker exited with code %d", e.Code)
	}
	return fmt.Sprintf("worker exited with code %d: %s", e.Code, strings.Join(e.Tail, " | "))
}

// Graceful reports whether err ends a run as COMPLETED.
func Graceful(err error) bool {
	return err == nil || errors.Is(err, ErrStreamEnded) || errors.Is(err, ErrNoContent)
}

// Observer receives session events. Implementations must be safe for use
// from a goroutine other than the one calling Run.
type Observer interface {
	// Started reports the worker handle (pid or tab id) once launched.
	Started(handle string)
	// Initialized reports that the worker is attached to the chat.
	Initialized()
	// Item reports one chat message.
	Item(item scraper.ChatItem)
	// Metadata reports stream details discovered by the worker.
	Metadata(title, channel string)
}

// Worker runs one scraping session until ctx ends or the session finishes.
type Worker interface {
	Name() string
	Run(ctx context.Context, task scraper.Task, obs Observer) error
}

// NopObserver discards every event.
type NopObserver struct{}

// Started implements Observer.
func (NopObserver) Started(string) {}

// Initialized implements Observer.
func (NopObserver) Initialized() {}

// Item implements Observer.
func (NopObserver) Item(scraper.ChatItem) {}

// Metadata implements Observer.
func (NopObserver) Metadata(string, string) {}
