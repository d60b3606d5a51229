package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/pmgate/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, inspect and validate configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigCheckCmd(), newConfigShowCmd())
	return cmd
}

type checkResult struct {
	Valid       bool   `json:"valid"`
	Path        string `json:"path,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Root        string `json:"root,omitempty"`
	Command     string `json:"command,omitempty"`
	RoutePrefix string `json:"route_prefix,omitempty"`
	Error       string `json:"error,omitempty"`
}

func newConfigCheckCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print its fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig(cmd)

			res := checkResult{Valid: err == nil}
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Path = cfg.SourcePath
				res.Fingerprint = cfg.Fingerprint
				res.Root = cfg.Supervisor.Root
				res.Command = cfg.Supervisor.Command
				res.RoutePrefix = cfg.Supervisor.RoutePrefix
			}

			if jsonOut {
				data, merr := json.MarshalIndent(res, "", "  ")
				if merr != nil {
					return merr
				}
				fmt.Fprintln(out, string(data))
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Configuration valid: %s\n", res.Path)
			fmt.Fprintf(out, "fingerprint: %s\n", res.Fingerprint)
			fmt.Fprintf(out, "root: %s\n", res.Root)
			fmt.Fprintf(out, "command: %s\n", res.Command)
			fmt.Fprintf(out, "route_prefix: %s\n", res.RoutePrefix)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the result as JSON")
	return cmd
}

// redacted is the placeholder printed instead of bearer tokens.
const redacted = "********"

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config (defaults applied, secrets redacted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			redact(cfg)
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func redact(cfg *config.Config) {
	if cfg.API.Auth.APIKey != "" {
		cfg.API.Auth.APIKey = redacted
	}
	for i := range cfg.API.Auth.Tokens {
		cfg.API.Auth.Tokens[i].Token = redacted
	}
}

const starterConfig = `# pmgate configuration
service:
  name: pmgate
  log_level: info
  listen: 127.0.0.1:8080

supervisor:
  # The child runs with cwd=root as:
  #   <command> <args...> --listen=0 --base=<base_dir> --no-control
  root: ./data
  command: sl-pm
  args: []
  env: {}
  # Wiped before every start and after every exit.
  base_dir: .strong-pm
  # The child prints "<anything><listen_marker><port>" once it is serving.
  listen_marker: ": listen on "
  route_prefix: /process-manager
  upstream_host: localhost
  autostart: true
  pending_timeout: 60s
  stop_grace: 5s

history:
  path: ./data/history.db

api:
  auth:
    api_key: ${PMGATE_API_KEY}
    # tokens:
    #   - token: ${PMGATE_READONLY_TOKEN}
    #     scopes: ["process:ro", "events:ro"]

metrics:
  enabled: true
  namespace: pmgate
`

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			// The file may end up holding secrets.
			if err := renameio.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
