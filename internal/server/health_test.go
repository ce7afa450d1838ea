// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sustainable-computing-io/corepower/internal/monitor"
)

type mockLiveChecker struct {
	alive bool
	err   error
}

func (m *mockLiveChecker) IsLive(ctx context.Context) (bool, error) {
	return m.alive, m.err
}

// statefulChecker also reports a monitor state
type statefulChecker struct {
	mockLiveChecker
	state monitor.State
}

func (m *statefulChecker) State() monitor.State {
	return m.state
}

type mockReadyChecker struct {
	ready bool
	err   error
}

func (m *mockReadyChecker) IsReady(ctx context.Context) (bool, error) {
	return m.ready, m.err
}

type mockAPIServer struct {
	handlers map[string]http.Handler
	err      error
}

func (m *mockAPIServer) Name() string {
	return "mock-api-server"
}

func (m *mockAPIServer) Register(path, summary, description string, handler http.Handler) error {
	if m.err != nil {
		return m.err
	}
	if m.handlers == nil {
		m.handlers = make(map[string]http.Handler)
	}
	m.handlers[path] = handler
	return nil
}

func probe(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, probeResponse) {
	t.Helper()
	require.NotNil(t, h, "handler for %s", path)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp probeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec, resp
}

func TestHealthProbeService_Init(t *testing.T) {
	api := &mockAPIServer{}
	h := NewHealthProbeService(api, &mockLiveChecker{alive: true}, &mockReadyChecker{ready: true}, slog.Default())

	assert.Equal(t, "health-probe", h.Name())
	require.NoError(t, h.Init())
	assert.Len(t, api.handlers, 2)
	assert.Contains(t, api.handlers, "/probe/livez")
	assert.Contains(t, api.handlers, "/probe/readyz")
}

func TestHealthProbeService_InitError(t *testing.T) {
	api := &mockAPIServer{err: errors.New("taken")}
	h := NewHealthProbeService(api, &mockLiveChecker{}, &mockReadyChecker{}, slog.Default())

	err := h.Init()
	assert.ErrorContains(t, err, "failed to register liveness probe")
}

func TestHealthProbes(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		live   *mockLiveChecker
		ready  *mockReadyChecker
		code   int
		status string
		errMsg string
	}{{
		name:   "live",
		path:   "/probe/livez",
		live:   &mockLiveChecker{alive: true},
		ready:  &mockReadyChecker{},
		code:   http.StatusOK,
		status: "ok",
	}, {
		name:   "not live",
		path:   "/probe/livez",
		live:   &mockLiveChecker{err: errors.New("monitor stopped")},
		ready:  &mockReadyChecker{},
		code:   http.StatusServiceUnavailable,
		status: "error",
		errMsg: "monitor stopped",
	}, {
		name:   "ready",
		path:   "/probe/readyz",
		live:   &mockLiveChecker{alive: true},
		ready:  &mockReadyChecker{ready: true},
		code:   http.StatusOK,
		status: "ok",
	}, {
		name:   "not ready without error",
		path:   "/probe/readyz",
		live:   &mockLiveChecker{alive: true},
		ready:  &mockReadyChecker{ready: false},
		code:   http.StatusServiceUnavailable,
		status: "error",
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockAPIServer{}
			require.NoError(t, NewHealthProbeService(api, tt.live, tt.ready, slog.Default()).Init())

			rec, resp := probe(t, api.handlers[tt.path], tt.path)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.errMsg, resp.Error)
			assert.Empty(t, resp.State, "plain checkers report no state")
			assert.NotEmpty(t, resp.Timestamp)
		})
	}
}

func TestHealthProbes_ReportState(t *testing.T) {
	api := &mockAPIServer{}
	live := &statefulChecker{mockLiveChecker: mockLiveChecker{alive: true}, state: monitor.StateDetecting}
	require.NoError(t, NewHealthProbeService(api, live, &mockReadyChecker{}, slog.Default()).Init())

	rec, resp := probe(t, api.handlers["/probe/readyz"], "/probe/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "detecting", resp.State)

	live.state = monitor.StateSampling
	_, resp = probe(t, api.handlers["/probe/livez"], "/probe/livez")
	assert.Equal(t, "sampling", resp.State)
}
