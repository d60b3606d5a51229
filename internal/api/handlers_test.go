package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pmgate/internal/api/mocks"
	"github.com/mattjoyce/pmgate/internal/auth"
	"github.com/mattjoyce/pmgate/internal/history"
	"github.com/mattjoyce/pmgate/internal/supervisor"
)

const testKey = "test-key"

func newTestServer(t *testing.T, cfg Config, deps Deps) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pmgate-test"
	}
	return New(cfg, deps, logger)
}

func do(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcessController(ctrl)
	proc.EXPECT().Snapshot(gomock.Any()).Return(supervisor.Snapshot{
		Status: supervisor.StatusStarted,
		Port:   4100,
	}, nil)

	s := newTestServer(t, Config{ConfigFingerprint: "abc123"}, Deps{Process: proc})
	rr := do(t, s.Handler(), http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "pmgate-test", resp.Service)
	assert.Equal(t, "abc123", resp.ConfigFingerprint)
	require.NotNil(t, resp.Process)
	assert.Equal(t, 4100, resp.Process.Port)
}

func TestHealthzCrashedIsDegraded(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcessController(ctrl)
	proc.EXPECT().Snapshot(gomock.Any()).Return(supervisor.Snapshot{Status: supervisor.StatusCrashed}, nil)

	s := newTestServer(t, Config{}, Deps{Process: proc})
	rr := do(t, s.Handler(), http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "degraded", decode[HealthzResponse](t, rr).Status)
}

func TestHealthzSupervisorGone(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcessController(ctrl)
	proc.EXPECT().Snapshot(gomock.Any()).Return(supervisor.Snapshot{}, supervisor.ErrClosed)

	s := newTestServer(t, Config{}, Deps{Process: proc})
	rr := do(t, s.Handler(), http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "unavailable", decode[HealthzResponse](t, rr).Status)
}

func TestAdminAPIDisabledWithoutCredentials(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcessController(ctrl)

	s := newTestServer(t, Config{}, Deps{Process: proc})
	rr := do(t, s.Handler(), http.MethodGet, "/api/process", "anything")

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, decode[ErrorResponse](t, rr).Error, "admin API disabled")
}

func TestAdminAPIAuth(t *testing.T) {
	tokens := []auth.TokenConfig{
		{Token: "reader", Scopes: []string{auth.ScopeProcessRO}},
		{Token: "writer", Scopes: []string{auth.ScopeProcessRW}},
		{Token: "watcher", Scopes: []string{auth.ScopeEventsRO}},
	}

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"missing token", http.MethodGet, "/api/process", "", http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/api/process", "nope", http.StatusUnauthorized},
		{"api key reads", http.MethodGet, "/api/process", testKey, http.StatusOK},
		{"reader reads", http.MethodGet, "/api/process", "reader", http.StatusOK},
		{"writer reads", http.MethodGet, "/api/process", "writer", http.StatusOK},
		{"watcher cannot read process", http.MethodGet, "/api/process", "watcher", http.StatusForbidden},
		{"reader cannot stop", http.MethodPost, "/api/process/stop", "reader", http.StatusForbidden},
		{"writer stops", http.MethodPost, "/api/process/stop", "writer", http.StatusAccepted},
		{"reader cannot stream", http.MethodGet, "/events", "reader", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			proc := mocks.NewMockProcessController(ctrl)
			proc.EXPECT().Snapshot(gomock.Any()).Return(supervisor.Snapshot{Status: supervisor.StatusStarted}, nil).AnyTimes()
			proc.EXPECT().Stop(gomock.Any()).Return(nil).AnyTimes()

			s := newTestServer(t, Config{APIKey: testKey, Tokens: tokens}, Deps{Process: proc})
			rr := do(t, s.Handler(), tt.method, tt.path, tt.token)
			assert.Equal(t, tt.want, rr.Code, "body: %s", rr.Body.String())
		})
	}
}

func TestRestart(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcessController(ctrl)
	gomock.InOrder(
		proc.EXPECT().Start(gomock.Any(), supervisor.TriggerAdmin).Return(nil),
		proc.EXPECT().Snapshot(gomock.Any()).Return(supervisor.Snapshot{
			Status:     supervisor.StatusStarting,
			Generation: "gen-2",
		}, nil),
	)

	s := newTestServer(t, Config{APIKey: testKey}, Deps{Process: proc})
	rr := do(t, s.Handler(), http.MethodPost, "/api/process/restart", testKey)

	require.Equal(t, http.StatusAccepted, rr.Code)
	resp := decode[ActionResponse](t, rr)
	assert.Equal(t, "restart", resp.Action)
	assert.Equal(t, supervisor.StatusStarting, resp.Process.Status)
	assert.Equal(t, "gen-2", resp.Process.Generation)
}

func TestRestartErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"spawn failure", fmt.Errorf("%w: exec: not found", supervisor.ErrSpawn), http.StatusInternalServerError},
		{"work dir not cleared", fmt.Errorf("%w: busy", supervisor.ErrRemoveWorkDir), http.StatusServiceUnavailable},
		{"supervisor gone", supervisor.ErrClosed, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			proc := mocks.NewMockProcessController(ctrl)
			proc.EXPECT().Start(gomock.Any(), supervisor.TriggerAdmin).Return(tt.err)

			s := newTestServer(t, Config{APIKey: testKey}, Deps{Process: proc})
			rr := do(t, s.Handler(), http.MethodPost, "/api/process/restart", testKey)

			require.Equal(t, tt.want, rr.Code)
			assert.Contains(t, decode[ErrorResponse](t, rr).Error, tt.err.Error())
		})
	}
}

func TestStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcessController(ctrl)
	proc.EXPECT().Stop(gomock.Any()).Return(nil)
	proc.EXPECT().Snapshot(gomock.Any()).Return(supervisor.Snapshot{Status: supervisor.StatusStarted}, nil)

	s := newTestServer(t, Config{APIKey: testKey}, Deps{Process: proc})
	rr := do(t, s.Handler(), http.MethodPost, "/api/process/stop", testKey)

	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "stop", decode[ActionResponse](t, rr).Action)
}

func TestRuns(t *testing.T) {
	port := 4100
	runs := []history.Run{{Generation: "gen-1", PID: 42, Trigger: "request", Status: "started", Port: &port}}

	tests := []struct {
		name      string
		query     string
		wantLimit int
	}{
		{"default", "", defaultRunsLimit},
		{"explicit", "?limit=5", 5},
		{"capped", "?limit=100000", maxRunsLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			lister := mocks.NewMockRunLister(ctrl)
			lister.EXPECT().Recent(gomock.Any(), tt.wantLimit).Return(runs, nil)

			s := newTestServer(t, Config{APIKey: testKey}, Deps{
				Process: mocks.NewMockProcessController(ctrl),
				Runs:    lister,
			})
			rr := do(t, s.Handler(), http.MethodGet, "/api/runs"+tt.query, testKey)

			require.Equal(t, http.StatusOK, rr.Code)
			resp := decode[RunsResponse](t, rr)
			require.Len(t, resp.Runs, 1)
			assert.Equal(t, "gen-1", resp.Runs[0].Generation)
		})
	}
}

func TestRunsBadLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newTestServer(t, Config{APIKey: testKey}, Deps{
		Process: mocks.NewMockProcessController(ctrl),
		Runs:    mocks.NewMockRunLister(ctrl),
	})

	for _, q := range []string{"?limit=0", "?limit=-3", "?limit=ten"} {
		rr := do(t, s.Handler(), http.MethodGet, "/api/runs"+q, testKey)
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestRunsEmptyIsArray(t *testing.T) {
	ctrl := gomock.NewController(t)
	lister := mocks.NewMockRunLister(ctrl)
	lister.EXPECT().Recent(gomock.Any(), defaultRunsLimit).Return(nil, nil)

	s := newTestServer(t, Config{APIKey: testKey}, Deps{Process: mocks.NewMockProcessController(ctrl), Runs: lister})
	rr := do(t, s.Handler(), http.MethodGet, "/api/runs", testKey)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"runs":[]}`, rr.Body.String())
}

func TestRunsStoreError(t *testing.T) {
	ctrl := gomock.NewController(t)
	lister := mocks.NewMockRunLister(ctrl)
	lister.EXPECT().Recent(gomock.Any(), gomock.Any()).Return(nil, errors.New("disk I/O error"))

	s := newTestServer(t, Config{APIKey: testKey}, Deps{Process: mocks.NewMockProcessController(ctrl), Runs: lister})
	rr := do(t, s.Handler(), http.MethodGet, "/api/runs", testKey)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "failed to list runs", decode[ErrorResponse](t, rr).Error)
}

func TestRunsDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newTestServer(t, Config{APIKey: testKey}, Deps{Process: mocks.NewMockProcessController(ctrl)})

	rr := do(t, s.Handler(), http.MethodGet, "/api/runs", testKey)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestGetRun(t *testing.T) {
	port := 4100
	ctrl := gomock.NewController(t)
	lister := mocks.NewMockRunLister(ctrl)
	lister.EXPECT().Get(gomock.Any(), "gen-1").Return(&history.Run{Generation: "gen-1", PID: 42, Trigger: "boot", Status: "started", Port: &port}, nil)
	lister.EXPECT().Get(gomock.Any(), "gen-x").Return(nil, history.ErrRunNotFound)

	s := newTestServer(t, Config{APIKey: testKey}, Deps{Process: mocks.NewMockProcessController(ctrl), Runs: lister})
	h := s.Handler()

	rr := do(t, h, http.MethodGet, "/api/runs/gen-1", testKey)
	require.Equal(t, http.StatusOK, rr.Code)
	run := decode[history.Run](t, rr)
	assert.Equal(t, 42, run.PID)
	require.NotNil(t, run.Port)
	assert.Equal(t, 4100, *run.Port)

	rr = do(t, h, http.MethodGet, "/api/runs/gen-x", testKey)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "run not found", decode[ErrorResponse](t, rr).Error)
}

func TestDispatcherMountedAtPrefix(t *testing.T) {
	var seen []string
	dispatcher := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.Path)
		w.WriteHeader(http.StatusTeapot)
	})

	ctrl := gomock.NewController(t)
	s := newTestServer(t, Config{RoutePrefix: "/app"}, Deps{
		Process:    mocks.NewMockProcessController(ctrl),
		Dispatcher: dispatcher,
	})
	h := s.Handler()

	assert.Equal(t, http.StatusTeapot, do(t, h, http.MethodGet, "/app", "").Code)
	assert.Equal(t, http.StatusTeapot, do(t, h, http.MethodPost, "/app/users/7", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/other", "").Code)
	assert.Equal(t, []string{"/app", "/app/users/7"}, seen)
}

func TestDispatcherCatchAllWithoutPrefix(t *testing.T) {
	dispatcher := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcessController(ctrl)
	proc.EXPECT().Snapshot(gomock.Any()).Return(supervisor.Snapshot{Status: supervisor.StatusUnstarted}, nil)

	s := newTestServer(t, Config{}, Deps{Process: proc, Dispatcher: dispatcher})
	h := s.Handler()

	assert.Equal(t, http.StatusTeapot, do(t, h, http.MethodGet, "/anything/at/all", "").Code)
	// Ops routes still win over the catch-all.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
}

func TestMetricsRoute(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pmgate_up 1\n")
	})

	ctrl := gomock.NewController(t)
	s := newTestServer(t, Config{}, Deps{Process: mocks.NewMockProcessController(ctrl), Metrics: metricsHandler})

	rr := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pmgate_up 1\n", rr.Body.String())
}

func TestMetricsRouteAbsentWhenDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newTestServer(t, Config{}, Deps{Process: mocks.NewMockProcessController(ctrl)})

	rr := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
