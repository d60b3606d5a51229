package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/pmgate/internal/history"
	"github.com/mattjoyce/pmgate/internal/supervisor"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

// handleHealthz handles GET /healthz. It answers 200 as long as the
// supervisor loop is running, even when the child itself is down.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:            "ok",
		Service:           s.config.ServiceName,
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		ConfigFingerprint: s.config.ConfigFingerprint,
	}

	snap, err := s.deps.Process.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("failed to read supervisor snapshot", "error", err)
		resp.Status = "unavailable"
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Process = &snap
	if snap.Status == supervisor.StatusCrashed {
		resp.Status = "degraded"
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleGetProcess handles GET /api/process
func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Process.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleRestart handles POST /api/process/restart.
// The child is replaced even when it is running; the response carries the
// snapshot right after the spawn, normally in status "starting".
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Process.Start(r.Context(), supervisor.TriggerAdmin); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, supervisor.ErrSpawn) {
			status = http.StatusInternalServerError
		}
		s.logger.Error("admin restart failed", "error", err)
		s.writeError(w, status, err.Error())
		return
	}
	s.respondAction(w, r, "restart")
}

// handleStop handles POST /api/process/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Process.Stop(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.respondAction(w, r, "stop")
}

func (s *Server) respondAction(w http.ResponseWriter, r *http.Request, action string) {
	snap, err := s.deps.Process.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, ActionResponse{Action: action, Process: snap})
}

// handleRuns handles GET /api/runs?limit=N
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}

	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.deps.Runs.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	respondJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

// handleGetRun handles GET /api/runs/{generation}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}

	run, err := s.deps.Runs.Get(r.Context(), chi.URLParam(r, "generation"))
	if errors.Is(err, history.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// handleOpenAPI handles GET /openapi.json
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.RoutePrefix))
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
