package api

import (
	"github.com/mattjoyce/pmgate/internal/history"
	"github.com/mattjoyce/pmgate/internal/supervisor"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	// Status is "ok", "degraded" while the child is crashed, or
	// "unavailable" once the supervisor has shut down.
	Status            string               `json:"status"`
	Service           string               `json:"service,omitempty"`
	UptimeSeconds     int64                `json:"uptime_seconds"`
	ConfigFingerprint string               `json:"config_fingerprint,omitempty"`
	Process           *supervisor.Snapshot `json:"process,omitempty"`
}

// ActionResponse is returned by the restart and stop endpoints.
type ActionResponse struct {
	Action  string              `json:"action"`
	Process supervisor.Snapshot `json:"process"`
}

// RunsResponse is returned by GET /api/runs.
type RunsResponse struct {
	Runs []history.Run `json:"runs"`
}
