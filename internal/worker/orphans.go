package worker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/telemetry"
)

// orphanCommand builds the process-matching kill command.
var orphanCommand = func(ctx context.Context, pattern string) *exec.Cmd {
	return exec.CommandContext(ctx, "pkill", "-f", pattern)
}

// KillOrphans terminates worker processes left behind by a previous service
// instance. Finding nothing to kill is not an error.
func KillOrphans(ctx context.Context, pattern string, logger *zap.Logger) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("orphan pattern is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	telemetry.ObserveOrphanSweep()
	out, err := orphanCommand(ctx, pattern).CombinedOutput()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		logger.Info("killed orphaned worker processes", zap.String("pattern", pattern))
		return nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		logger.Debug("no orphaned worker processes", zap.String("pattern", pattern))
		return nil
	default:
		return fmt.Errorf("kill orphans %q: %w: %s", pattern, err, strings.TrimSpace(string(out)))
	}
}
