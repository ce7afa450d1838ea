// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/sustainable-computing-io/corepower/config"
	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/service"
)

func TestParseArgsAndConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := parseArgsAndConfig(nil)
		require.NoError(t, err)
		assert.Equal(t, time.Second, cfg.Monitor.Interval)
		assert.Equal(t, config.DefaultMSRPath, cfg.Host.MSR)
	})

	t.Run("flags override config file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(file, []byte(`
log:
  level: debug
monitor:
  interval: 5s
exporter:
  stdout:
    enabled: true
`), 0o600))

		cfg, err := parseArgsAndConfig([]string{
			"--config.file=" + file,
			"--monitor.interval=2s",
			"--metrics=package",
		})
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 2*time.Second, cfg.Monitor.Interval)
		assert.True(t, *cfg.Exporter.Stdout.Enabled)
		assert.Equal(t, config.MetricsLevelPackage, cfg.Exporter.Prometheus.MetricsLevel)
	})

	t.Run("later config files win", func(t *testing.T) {
		dir := t.TempDir()
		base := filepath.Join(dir, "base.yaml")
		override := filepath.Join(dir, "override.yaml")
		require.NoError(t, os.WriteFile(base, []byte("log:\n  level: debug\ndebug:\n  pprof:\n    enabled: true\n"), 0o600))
		require.NoError(t, os.WriteFile(override, []byte("log:\n  format: json\ndebug:\n  pprof:\n    enabled: false\n"), 0o600))

		cfg, err := parseArgsAndConfig([]string{"--config.file=" + base, "--config.file=" + override})
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
		assert.False(t, *cfg.Debug.Pprof.Enabled, "explicit false overrides an earlier true")
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := parseArgsAndConfig([]string{"--config.file=/nonexistent/config.yaml"})
		assert.ErrorContains(t, err, "failed to read config file /nonexistent/config.yaml")
	})

	t.Run("invalid flag value", func(t *testing.T) {
		_, err := parseArgsAndConfig([]string{"--monitor.read-timeout=5s"})
		assert.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("unknown flag", func(t *testing.T) {
		_, err := parseArgsAndConfig([]string{"--no-such-flag"})
		assert.Error(t, err)
	})
}

func serviceNames(services []service.Service) []string {
	names := make([]string, 0, len(services))
	for _, s := range services {
		names = append(names, s.Name())
	}
	return names
}

func TestCreateServices(t *testing.T) {
	regs := device.NewFakeRegisters()

	t.Run("defaults", func(t *testing.T) {
		cfg := config.DefaultConfig()
		services, err := createServices(slog.Default(), cfg, regs, "node-a")
		require.NoError(t, err)
		assert.Equal(t, []string{"monitor", "api-server", "health-probe", "prometheus", "signal-handler"}, serviceNames(services))
	})

	t.Run("all exporters and pprof", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Exporter.Stdout.Enabled = ptr.To(true)
		cfg.Debug.Pprof.Enabled = ptr.To(true)

		services, err := createServices(slog.Default(), cfg, regs, "node-a")
		require.NoError(t, err)
		assert.Contains(t, serviceNames(services), "stdout")
		assert.Contains(t, serviceNames(services), "pprof")
	})

	t.Run("prometheus disabled", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Exporter.Prometheus.Enabled = ptr.To(false)

		services, err := createServices(slog.Default(), cfg, regs, "node-a")
		require.NoError(t, err)
		assert.NotContains(t, serviceNames(services), "prometheus")
	})
}

func TestLogFatalDiagnostic(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{{
		name: "msr module not loaded",
		err:  fmt.Errorf("failed to read energy unit: %w: %w", device.ErrNoMSRDevice, fs.ErrNotExist),
		want: "modprobe msr",
	}, {
		name: "access denied",
		err:  fmt.Errorf("failed to read energy unit: %w", device.ErrAccessDenied),
		want: "run as root",
	}, {
		name: "other",
		err:  fmt.Errorf("utilization: %w", os.ErrClosed),
		want: "Initialization failed",
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logFatalDiagnostic(slog.New(slog.NewTextHandler(&buf, nil)), tc.err)
			assert.Contains(t, buf.String(), tc.want)
		})
	}
}

func TestCreateRegisters(t *testing.T) {
	cfg := config.DefaultConfig()
	regs, err := createRegisters(slog.Default(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &device.MSRDevice{}, regs)
}
