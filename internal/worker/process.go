package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

const (
	tailLines    = 10
	maxLineBytes = 1024 * 1024
)

// Markers are the output lines a worker process uses to signal progress.
type Markers struct {
	Initialized    string   `mapstructure:"initialized"`
	Failure        string   `mapstructure:"failure"`
	NoContent      []string `mapstructure:"no_content"`
	ItemPrefix     string   `mapstructure:"item_prefix"`
	MetadataPrefix string   `mapstructure:"metadata_prefix"`
}

// DefaultMarkers returns the markers printed by cmd/chatworker.
func DefaultMarkers() Markers {
	return Markers{
		Initialized:    "initiated",
		Failure:        "Maximum retries reached",
		NoContent:      []string{"Live chat is unavailable", "No messages for 30 minutes"},
		ItemPrefix:     "item\t",
		MetadataPrefix: "meta\t",
	}
}

// ProcessConfig controls the external worker binary.
type ProcessConfig struct {
	Binary string
	// Args precede the per-task flags.
	Args      []string
	StopGrace time.Duration
	Markers   Markers
}

// ProcessWorker runs one external process per session.
type ProcessWorker struct {
	cfg    ProcessConfig
	logger *zap.Logger
}

// NewProcessWorker validates cfg and returns a ProcessWorker.
func NewProcessWorker(cfg ProcessConfig, logger *zap.Logger) (*ProcessWorker, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, fmt.Errorf("worker binary is required")
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	defaults := DefaultMarkers()
	if cfg.Markers.Initialized == "" {
		cfg.Markers.Initialized = defaults.Initialized
	}
	if cfg.Markers.Failure == "" {
		cfg.Markers.Failure = defaults.Failure
	}
	if len(cfg.Markers.NoContent) == 0 {
		cfg.Markers.NoContent = defaults.NoContent
	}
	if cfg.Markers.ItemPrefix == "" {
		cfg.Markers.ItemPrefix = defaults.ItemPrefix
	}
	if cfg.Markers.MetadataPrefix == "" {
		cfg.Markers.MetadataPrefix = defaults.MetadataPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessWorker{cfg: cfg, logger: logger}, nil
}

// Name implements Worker.
func (w *ProcessWorker) Name() string {
	return "process"
}

// Arguments builds the command line for task.
func (w *ProcessWorker) Arguments(task scraper.Task) []string {
	args := append([]string(nil), w.cfg.Args...)
	args = append(args, "--task-id="+task.TaskID)
	if langs := task.Options.Normalize().SkipLangs; len(langs) > 0 {
		args = append(args, "--skip-langs="+strings.Join(langs, ","))
	}
	return args
}

// outputState keeps the last lines of unclassified output for diagnostics.
type outputState struct {
	mu   sync.Mutex
	tail []string
}

func (s *outputState) remember(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = append(s.tail, line)
	if len(s.tail) > tailLines {
		s.tail = s.tail[len(s.tail)-tailLines:]
	}
}

func (s *outputState) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tail...)
}

// Run starts the worker process and supervises it until it exits. Canceling
// ctx, the failure marker and the no-content markers all ask the process to
// stop and kill it after StopGrace. A broken output stream kills it at once.
func (w *ProcessWorker) Run(ctx context.Context, task scraper.Task, obs Observer) error {
	if obs == nil {
		obs = NopObserver{}
	}
	cmd := exec.Command(w.cfg.Binary, w.Arguments(task)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open worker stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker process: %w", err)
	}
	pid := strconv.Itoa(cmd.Process.Pid)
	log := w.logger.With(zap.String("task_id", task.TaskID), zap.String("run_id", task.RunID), zap.String("pid", pid))
	log.Info("worker process started", zap.Strings("args", cmd.Args[1:]))
	obs.Started(pid)

	state := &outputState{}
	// verdict carries the first terminal marker the reader sees.
	verdict := make(chan error, 1)
	readDone := make(chan error, 1)
	go func() {
		readDone <- w.readOutput(stdout, state, verdict, obs, log)
	}()

	var killTimer *time.Timer
	requestStop := func() {
		if killTimer == nil {
			killTimer = w.stop(cmd, stdin, log)
		}
	}
	defer func() {
		if killTimer != nil {
			killTimer.Stop()
		}
	}()

	var (
		stopped bool
		outcome error
		readErr error
	)
	done := ctx.Done()
	markers := (<-chan error)(verdict)
	for reading := true; reading; {
		select {
		case readErr = <-readDone:
			reading = false
		case outcome = <-markers:
			markers = nil
			log.Info("worker reported a terminal marker, stopping", zap.Error(outcome))
			requestStop()
		case <-done:
			done = nil
			stopped = true
			requestStop()
		}
	}
	if outcome == nil {
		select {
		case outcome = <-verdict:
		default:
		}
	}
	if readErr != nil {
		log.Warn("worker output stream failed, killing", zap.Error(readErr))
		if err := cmd.Process.Kill(); err != nil {
			log.Debug("kill worker process", zap.Error(err))
		}
	}
	_ = stdin.Close()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()
	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-done:
		// Output closed but the process lingers.
		stopped = true
		requestStop()
		waitErr = <-waitDone
	}

	switch {
	case stopped:
		log.Info("worker process stopped")
		return nil
	case readErr != nil:
		return fmt.Errorf("%w: %v", ErrCommunicationLost, readErr)
	case outcome != nil:
		return outcome
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Tail: state.lines()}
	}
	if waitErr != nil {
		return fmt.Errorf("%w: %v", ErrCommunicationLost, waitErr)
	}
	return ErrStreamEnded
}

// readOutput consumes merged stdout/stderr until EOF. The first failure or
// no-content marker is sent on verdict; later ones are only logged.
func (w *ProcessWorker) readOutput(r io.Reader, state *outputState, verdict chan<- error, obs Observer, log *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	markers := w.cfg.Markers
	report := func(err error) {
		select {
		case verdict <- err:
		default:
		}
	}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case strings.HasPrefix(line, markers.ItemPrefix):
			var item scraper.ChatItem
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, markers.ItemPrefix)), &item); err != nil {
				log.Warn("discarding malformed chat item", zap.Error(err))
				continue
			}
			obs.Item(item)
			continue
		case strings.HasPrefix(line, markers.MetadataPrefix):
			var meta struct {
				Title   string `json:"title"`
				Channel string `json:"channel"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, markers.MetadataPrefix)), &meta); err != nil {
				log.Warn("discarding malformed metadata", zap.Error(err))
				continue
			}
			obs.Metadata(meta.Title, meta.Channel)
			continue
		}

		state.remember(line)
		log.Debug("worker output", zap.String("line", line))
		switch {
		case strings.Contains(line, markers.Initialized):
			obs.Initialized()
		case strings.Contains(line, markers.Failure):
			report(fmt.Errorf("%w: %s", ErrUnrecoverable, markers.Failure))
		case containsAny(line, markers.NoContent):
			report(ErrNoContent)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read worker output: %w", err)
	}
	return nil
}

// stop asks the process to exit and kills it if it is still alive after
// StopGrace.
func (w *ProcessWorker) stop(cmd *exec.Cmd, stdin io.Writer, log *zap.Logger) *time.Timer {
	if _, err := io.WriteString(stdin, "p\n"); err != nil {
		log.Debug("stop request not delivered", zap.Error(err))
	}
	return time.AfterFunc(w.cfg.StopGrace, func() {
		log.Warn("worker ignored stop request, killing", zap.Duration("grace", w.cfg.StopGrace))
		if err := cmd.Process.Kill(); err != nil {
			log.Debug("kill worker process", zap.Error(err))
		}
	})
}

func containsAny(line string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(line, n) {
			return true
		}
	}
	return false
}
