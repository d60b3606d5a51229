package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/pmgate/internal/api"
	"github.com/mattjoyce/pmgate/internal/tui/runs"
	"github.com/mattjoyce/pmgate/internal/tui/watch"
)

const defaultAPIURL = "http://localhost:8080"

// clientFlags are shared by the commands that talk to a running pmgate.
type clientFlags struct {
	apiURL string
	apiKey string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.apiURL, "api-url", defaultAPIURL, "pmgate URL")
	cmd.Flags().StringVar(&f.apiKey, "api-key", os.Getenv(apiKeyEnv), "API bearer token (or "+apiKeyEnv+")")
}

func (f *clientFlags) requireKey() error {
	if f.apiKey == "" {
		return fmt.Errorf("API key required: use --api-key or %s", apiKeyEnv)
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervisor and child status from /healthz",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(flags.apiURL + "/healthz")
			if err != nil {
				return fmt.Errorf("healthz: %w", err)
			}
			defer resp.Body.Close()

			var h api.HealthzResponse
			if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
				return fmt.Errorf("decode healthz: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s\n", h.Status)
			fmt.Fprintf(out, "uptime: %s\n", time.Duration(h.UptimeSeconds)*time.Second)
			if h.Process != nil {
				p := h.Process
				fmt.Fprintf(out, "child: %s\n", p.Status)
				if p.Port > 0 {
					fmt.Fprintf(out, "port: %d\n", p.Port)
				}
				if p.PID > 0 {
					fmt.Fprintf(out, "pid: %d\n", p.PID)
				}
				if p.ExitCode != nil {
					fmt.Fprintf(out, "exit_code: %d\n", *p.ExitCode)
				}
				fmt.Fprintf(out, "queued: %d\n", p.QueueDepth)
				if p.LastError != "" {
					fmt.Fprintf(out, "last_error: %s\n", p.LastError)
				}
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthz returned %s", resp.Status)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunsCmd() *cobra.Command {
	var flags clientFlags
	var limit int
	var interactive bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent child generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireKey(); err != nil {
				return err
			}
			if interactive {
				_, err := tea.NewProgram(runs.New(flags.apiURL, flags.apiKey, limit)).Run()
				return err
			}

			list, err := runs.Fetch(flags.apiURL, flags.apiKey, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GENERATION\tTRIGGER\tPID\tPORT\tSTATUS\tSTARTED\tREADY IN\tLIFETIME\tEXIT")
			// Rows line up with list; the colored glyph in column 0 is
			// replaced by the plain status.
			for i, row := range runs.Rows(list, time.Now()) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					row[1], row[2], row[3], row[4], list[i].Status, row[5], row[6], row[7], row[8])
			}
			return w.Flush()
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Browse runs in a refreshing table")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of the child and its lifecycle events",
		Long: `Live dashboard of the child and its lifecycle events.

Keybindings:
  q, Ctrl+C   Quit
  ↑/↓, k/j    Select generation
  r           Restart the child
  s           Stop the child
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireKey(); err != nil {
				return err
			}
			_, err := tea.NewProgram(watch.New(flags.apiURL, flags.apiKey)).Run()
			return err
		},
	}
	flags.register(cmd)
	return cmd
}
