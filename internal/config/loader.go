package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the config file at configPath.
// A directory is accepted if it contains config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	cfg.Fingerprint = Fingerprint(data)

	if cfg.Supervisor.Root != "" && !filepath.IsAbs(cfg.Supervisor.Root) {
		root, err := filepath.Abs(cfg.Supervisor.Root)
		if err != nil {
			return nil, fmt.Errorf("resolve supervisor.root: %w", err)
		}
		cfg.Supervisor.Root = root
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes raw YAML on top of Defaults() after ${VAR} interpolation.
// It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.Supervisor.RoutePrefix = normalizePrefix(cfg.Supervisor.RoutePrefix)
	return cfg, nil
}

// Discover finds a config file by checking standard locations.
// Priority order: $PMGATE_CONFIG, ~/.config/pmgate/config.yaml, /etc/pmgate/config.yaml, ./config.yaml
func Discover() (string, error) {
	if p := os.Getenv("PMGATE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(homeDir, ".config", "pmgate", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	for _, p := range []string{"/etc/pmgate/config.yaml", "./config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $PMGATE_CONFIG, ~/.config/pmgate, /etc/pmgate, ./config.yaml)")
}

// Environ renders Supervisor.Env as KEY=VALUE pairs appended to the parent environment.
func (s SupervisorConfig) Environ() []string {
	env := os.Environ()
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the missing variable.
		return match
	})
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.Listen == "" {
		return fmt.Errorf("service.listen is required")
	}

	sup := cfg.Supervisor
	if sup.Command == "" {
		return fmt.Errorf("supervisor.command is required")
	}
	if err := unresolved("supervisor.command", sup.Command); err != nil {
		return err
	}
	if sup.Root == "" {
		return fmt.Errorf("supervisor.root is required")
	}
	if sup.BaseDir == "" {
		return fmt.Errorf("supervisor.base_dir is required")
	}
	if filepath.IsAbs(sup.BaseDir) {
		return fmt.Errorf("supervisor.base_dir must be relative to supervisor.root (got %q)", sup.BaseDir)
	}
	if clean := filepath.Clean(sup.BaseDir); clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("supervisor.base_dir must name a subdirectory of supervisor.root (got %q)", sup.BaseDir)
	}
	if sup.ListenMarker == "" {
		return fmt.Errorf("supervisor.listen_marker is required")
	}
	if sup.RoutePrefix == "" {
		return fmt.Errorf("supervisor.route_prefix is required")
	}
	if sup.UpstreamHost == "" {
		return fmt.Errorf("supervisor.upstream_host is required")
	}
	if sup.PendingTimeout < 0 {
		return fmt.Errorf("supervisor.pending_timeout must not be negative")
	}
	if sup.StopGrace <= 0 {
		return fmt.Errorf("supervisor.stop_grace must be positive")
	}
	for k, v := range sup.Env {
		if err := unresolved("supervisor.env."+k, v); err != nil {
			return err
		}
	}

	if cfg.History.Path == "" {
		return fmt.Errorf("history.path is required")
	}

	if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d].token", i)
		if tok.Token == "" {
			return fmt.Errorf("%s is required", field)
		}
		if err := unresolved(field, tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
	}

	return nil
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
