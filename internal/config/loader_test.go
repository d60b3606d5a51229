package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config keeps defaults",
			yaml: `
supervisor:
  command: /usr/local/bin/sl-pm
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Supervisor.Command != "/usr/local/bin/sl-pm" {
					t.Error("supervisor.command not parsed")
				}
				if cfg.Supervisor.BaseDir != ".strong-pm" {
					t.Errorf("base_dir default = %q", cfg.Supervisor.BaseDir)
				}
				if cfg.Supervisor.RoutePrefix != "/process-manager" {
					t.Errorf("route_prefix default = %q", cfg.Supervisor.RoutePrefix)
				}
				if cfg.Supervisor.PendingTimeout != 60*time.Second {
					t.Errorf("pending_timeout default = %v", cfg.Supervisor.PendingTimeout)
				}
				if !filepath.IsAbs(cfg.Supervisor.Root) {
					t.Errorf("root should be made absolute, got %q", cfg.Supervisor.Root)
				}
				if !cfg.Supervisor.AutostartEnabled() {
					t.Error("autostart should default to true")
				}
				if len(cfg.Fingerprint) != 64 {
					t.Errorf("fingerprint length = %d, want 64", len(cfg.Fingerprint))
				}
			},
		},
		{
			name: "env var interpolation and durations",
			yaml: `
service:
  log_level: debug
supervisor:
  command: ${PM_BIN}
  root: /srv/pm
  pending_timeout: 5s
  stop_grace: 250ms
  autostart: false
  route_prefix: pm/
  env:
    NODE_ENV: ${PM_ENV}
`,
			env: map[string]string{"PM_BIN": "/opt/pm", "PM_ENV": "production"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Supervisor.Command != "/opt/pm" {
					t.Errorf("command = %q", cfg.Supervisor.Command)
				}
				if cfg.Supervisor.Env["NODE_ENV"] != "production" {
					t.Errorf("env not interpolated: %v", cfg.Supervisor.Env)
				}
				if cfg.Supervisor.PendingTimeout != 5*time.Second || cfg.Supervisor.StopGrace != 250*time.Millisecond {
					t.Error("durations not parsed")
				}
				if cfg.Supervisor.AutostartEnabled() {
					t.Error("autostart: false not honoured")
				}
				if cfg.Supervisor.RoutePrefix != "/pm" {
					t.Errorf("route_prefix not normalised: %q", cfg.Supervisor.RoutePrefix)
				}
			},
		},
		{
			name:    "missing command",
			yaml:    "service:\n  log_level: info\n",
			wantErr: "supervisor.command is required",
		},
		{
			name: "unresolved api key",
			yaml: `
supervisor:
  command: /bin/true
api:
  auth:
    api_key: ${PMGATE_TEST_UNSET_KEY}
`,
			wantErr: "${PMGATE_TEST_UNSET_KEY} is not set",
		},
		{
			name: "base dir escaping root",
			yaml: `
supervisor:
  command: /bin/true
  base_dir: ../elsewhere
`,
			wantErr: "supervisor.base_dir",
		},
		{
			name: "token without scopes",
			yaml: `
supervisor:
  command: /bin/true
api:
  auth:
    tokens:
      - token: abc
`,
			wantErr: "scopes must be non-empty",
		},
		{
			name: "bad log level",
			yaml: `
service:
  log_level: chatty
supervisor:
  command: /bin/true
`,
			wantErr: "service.log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error %q does not contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("supervisor:\n  command: /bin/true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir): %v", err)
	}
	if cfg.SourcePath != filepath.Join(dir, "config.yaml") {
		t.Errorf("SourcePath = %q", cfg.SourcePath)
	}
}

func TestDiscoverPrefersEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pm.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PMGATE_CONFIG", path)

	got, err := Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got != path {
		t.Errorf("Discover() = %q, want %q", got, path)
	}
}

func TestEnvironAppendsOverrides(t *testing.T) {
	s := SupervisorConfig{Env: map[string]string{"PMGATE_CHILD": "1"}}
	found := false
	for _, kv := range s.Environ() {
		if kv == "PMGATE_CHILD=1" {
			found = true
		}
	}
	if !found {
		t.Error("override missing from Environ()")
	}
}
