// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sustainable-computing-io/corepower/internal/monitor"
	"github.com/sustainable-computing-io/corepower/internal/service"
)

// HealthProbeService registers /probe/livez and /probe/readyz
type HealthProbeService struct {
	logger       *slog.Logger
	apiServer    APIService
	liveChecker  service.LiveChecker
	readyChecker service.ReadyChecker
}

var (
	_ service.Service     = (*HealthProbeService)(nil)
	_ service.Initializer = (*HealthProbeService)(nil)
)

// stater is implemented by checkers that report the monitor lifecycle state
type stater interface {
	State() monitor.State
}

// probeResponse is the JSON body of both probes
type probeResponse struct {
	Status    string `json:"status"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
	Duration  string `json:"duration"`
}

// NewHealthProbeService creates a new health probe service
func NewHealthProbeService(apiServer APIService, liveChecker service.LiveChecker, readyChecker service.ReadyChecker, logger *slog.Logger) *HealthProbeService {
	return &HealthProbeService{
		logger:       logger.With("service", "health-probe"),
		apiServer:    apiServer,
		liveChecker:  liveChecker,
		readyChecker: readyChecker,
	}
}

func (h *HealthProbeService) Name() string {
	return "health-probe"
}

func (h *HealthProbeService) Init() error {
	if err := h.apiServer.Register("/probe/livez", "Liveness Probe", "Monitor has not stopped",
		h.probeHandler("liveness", h.liveChecker.IsLive)); err != nil {
		return fmt.Errorf("failed to register liveness probe: %w", err)
	}

	if err := h.apiServer.Register("/probe/readyz", "Readiness Probe", "Monitor has published power data",
		h.probeHandler("readiness", h.readyChecker.IsReady)); err != nil {
		return fmt.Errorf("failed to register readiness probe: %w", err)
	}

	h.logger.Info("Health probe endpoints registered")
	return nil
}

func (h *HealthProbeService) probeHandler(kind string, check func(context.Context) (bool, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ok, err := check(r.Context())
		duration := time.Since(start)

		resp := probeResponse{
			Status:    "ok",
			Timestamp: start.UTC().Format(time.RFC3339),
			Duration:  duration.String(),
		}
		if s, isStater := h.liveChecker.(stater); isStater {
			resp.State = s.State().String()
		}

		w.Header().Set("Content-Type", "application/json")
		if err != nil || !ok {
			resp.Status = "error"
			if err != nil {
				resp.Error = err.Error()
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			h.logger.Warn("Probe failed", "probe", kind, "error", err, "duration", duration)
		} else {
			w.WriteHeader(http.StatusOK)
			h.logger.Debug("Probe passed", "probe", kind, "duration", duration)
		}

		if err := json.NewEncoder(w).Encode(resp); err != nil {
			h.logger.Error("Failed to encode probe response", "probe", kind, "error", err)
		}
	})
}
