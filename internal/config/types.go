package config

import "time"

// Config represents the complete pmgate configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	History    HistoryConfig    `yaml:"history"`
	API        APIConfig        `yaml:"api,omitempty"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
	// Fingerprint is the BLAKE3 hash of the raw config file.
	Fingerprint string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	Listen   string `yaml:"listen"`
}

// SupervisorConfig describes the supervised child and how requests reach it.
type SupervisorConfig struct {
	Root    string            `yaml:"root"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	// BaseDir is the child's working subdirectory under Root. It is wiped
	// before every start and after every exit.
	BaseDir        string        `yaml:"base_dir"`
	ListenMarker   string        `yaml:"listen_marker"`
	RoutePrefix    string        `yaml:"route_prefix"`
	UpstreamHost   string        `yaml:"upstream_host"`
	Autostart      *bool         `yaml:"autostart,omitempty"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	StopGrace      time.Duration `yaml:"stop_grace"`
}

// AutostartEnabled reports whether the child should be started at boot.
func (s SupervisorConfig) AutostartEnabled() bool {
	return s.Autostart == nil || *s.Autostart
}

// HistoryConfig defines where the run journal lives.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines admin API settings.
type APIConfig struct {
	Auth APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "pmgate",
			LogLevel: "info",
			Listen:   "127.0.0.1:8080",
		},
		Supervisor: SupervisorConfig{
			Root:           "./data",
			BaseDir:        ".strong-pm",
			ListenMarker:   ": listen on ",
			RoutePrefix:    "/process-manager",
			UpstreamHost:   "localhost",
			PendingTimeout: 60 * time.Second,
			StopGrace:      5 * time.Second,
		},
		History: HistoryConfig{
			Path: "./data/history.db",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "pmgate",
		},
	}
}
