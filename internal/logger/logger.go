// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

var logLevel = new(slog.LevelVar)

// New returns a logger writing to w in the given format ("text" or "json").
// Unknown levels fall back to info; unknown formats are an error.
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	logLevel.Set(ParseLevel(level))

	h, err := handlerForFormat(format, w)
	if err != nil {
		return nil, err
	}
	return slog.New(h), nil
}

// LogLevel returns the level of the most recently created logger
func LogLevel() slog.Level {
	return logLevel.Level()
}

// SetLevel changes the level of every logger created by New
func SetLevel(level string) {
	logLevel.Set(ParseLevel(level))
}

func handlerForFormat(format string, w io.Writer) (slog.Handler, error) {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}), nil

	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{
			Level:       logLevel,
			AddSource:   true,
			ReplaceAttr: shortenSource,
		}), nil

	default:
		return nil, fmt.Errorf("invalid log format: %q", format)
	}
}

// shortenSource trims the source file to its last two directories and file name
func shortenSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	src, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}

	parts := strings.Split(filepath.ToSlash(src.File), "/")
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	src.File = filepath.Join(parts...)
	return a
}

// ParseLevel maps debug, info, warn and error to their slog level; anything else is info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
