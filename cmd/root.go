// Package cmd defines the scraperd command line.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-chat-scraper/internal/config"
)

// options shared by every subcommand.
type rootOptions struct {
	cfgFile string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "scraperd",
		Short: "Supervises live chat scrapers behind an admission-controlled API.",
		Long: `scraperd runs one long-lived scraper per live stream. Start requests are
rate limited, queued and admitted through a fixed number of worker slots, and
every run is tracked from QUEUED through RUNNING to COMPLETED or FAILED.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML); SCRAPER_* env vars override it")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newKillOrphansCmd(opts))
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	return nil
}
