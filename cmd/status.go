package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-chat-scraper/internal/admission"
	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
)

type statusOptions struct {
	addr    string
	timeout time.Duration
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scrapers and admission load of a running service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr := opts.addr
			var apiKey string
			if addr == "" || cmd.Flags().Changed("config") {
				cfg, err := root.load()
				if err != nil {
					return err
				}
				if addr == "" {
					addr = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
				}
				if cfg.Auth.Enabled {
					apiKey = cfg.Auth.APIKey
				}
			}
			client := &statusClient{
				base:   strings.TrimRight(addr, "/"),
				apiKey: apiKey,
				http:   &http.Client{Timeout: opts.timeout},
			}
			return printStatus(cmd.Context(), client, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "service base URL (default http://localhost:<server.port>)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

type statusClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func (c *statusClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func printStatus(ctx context.Context, client *statusClient, w io.Writer) error {
	var load admission.LoadMetrics
	if err := client.get(ctx, "/v1/admission", &load); err != nil {
		return err
	}
	var list struct {
		Scrapers []scraper.State `json:"scrapers"`
	}
	if err := client.get(ctx, "/v1/scrapers/", &list); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Task", "Status", "Worker", "Title", "Messages", "Last", "Max", "Avg", "Reason"})
	for _, st := range list.Scrapers {
		t.AppendRow(table.Row{
			st.TaskID,
			string(st.Status),
			st.Worker,
			truncate(st.Title, 40),
			st.TotalMessages,
			st.LastThroughput,
			st.MaxThroughput,
			fmt.Sprintf("%.1f", st.AverageThroughput),
			st.Reason,
		})
	}
	t.AppendFooter(table.Row{
		"", "", "", "",
		fmt.Sprintf("%d/%d slots", load.Held, load.Max),
		"", "", "",
		fmt.Sprintf("%.0f%% load", load.LoadPercentage),
	})
	t.Render()
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
