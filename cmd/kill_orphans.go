package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-chat-scraper/internal/logging"
	"github.com/JakeFAU/realtime-chat-scraper/internal/worker"
)

func newKillOrphansCmd(root *rootOptions) *cobra.Command {
	var pattern string
	cmd := &cobra.Command{
		Use:   "kill-orphans",
		Short: "Terminate worker processes left behind by a previous instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if pattern == "" {
				pattern = cfg.Worker.OrphanPattern
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
			if err := worker.KillOrphans(cmd.Context(), pattern, logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "orphan sweep complete (pattern %q)\n", pattern)
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "command line pattern to kill (default worker.orphan_pattern)")
	return cmd
}
