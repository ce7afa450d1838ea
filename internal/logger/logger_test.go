// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		logLevel string

		shouldLogInfo bool
	}{{
		name:          "json format debug level",
		format:        "json",
		logLevel:      "debug",
		shouldLogInfo: true,
	}, {
		name:          "json format warn level",
		format:        "json",
		logLevel:      "warn",
		shouldLogInfo: false,
	}, {
		name:          "text format info level",
		format:        "text",
		logLevel:      "info",
		shouldLogInfo: true,
	}, {
		name:          "text format error level",
		format:        "text",
		logLevel:      "error",
		shouldLogInfo: false,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			logger, err := New(tt.logLevel, tt.format, &out)
			require.NoError(t, err)

			logger.Info("sampled", "package", 0, "watts", 42.5)
			output := out.String()

			if !tt.shouldLogInfo {
				assert.Empty(t, output)
				return
			}
			assert.Contains(t, output, "sampled")

			switch tt.format {
			case "json":
				parts := map[string]any{}
				require.NoError(t, json.Unmarshal(out.Bytes(), &parts))
				assert.Equal(t, "sampled", parts["msg"])
				assert.Equal(t, 42.5, parts["watts"])
				assert.Contains(t, parts, "time")
				assert.Contains(t, parts, "source")
			case "text":
				assert.Contains(t, output, "watts=42.5")
				assert.Contains(t, output, "source=")
			}
		})
	}
}

func TestNew_InvalidFormat(t *testing.T) {
	logger, err := New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
	assert.Nil(t, logger)
}

func TestSetLevel(t *testing.T) {
	var out bytes.Buffer
	logger, err := New("info", "text", &out)
	require.NoError(t, err)

	logger.Debug("hidden")
	assert.Empty(t, out.String())

	SetLevel("debug")
	assert.Equal(t, slog.LevelDebug, LogLevel())
	logger.Debug("shown")
	assert.Contains(t, out.String(), "shown")
}

func TestShortenSource(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"/home/user/src/corepower/internal/monitor/monitor.go", "internal/monitor/monitor.go"},
		{"monitor/monitor.go", "monitor/monitor.go"},
		{"main.go", "main.go"},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			src := &slog.Source{File: tt.file, Line: 10}
			a := shortenSource(nil, slog.Any(slog.SourceKey, src))
			got, ok := a.Value.Any().(*slog.Source)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.File)
		})
	}

	other := shortenSource(nil, slog.String("msg", "/a/b/c/d"))
	assert.Equal(t, "/a/b/c/d", other.Value.String())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{" WARN ", slog.LevelWarn},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.level), func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.level))
		})
	}
}
