// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Init initializes services in order. When one fails, the services already
// initialized are shut down in reverse order and the init error is returned
// joined with any shutdown errors.
func Init(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	initialized := make([]Service, 0, len(services))
	var initErr error

	for _, s := range services {
		srv, ok := s.(Initializer)
		if !ok {
			continue
		}

		logger.Info("initializing service", "service", s.Name())
		if err := srv.Init(); err != nil {
			initErr = fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
			break
		}
		initialized = append(initialized, s)
	}

	if initErr == nil {
		return nil
	}

	logger.Warn("rolling back initialized services", "count", len(initialized), "error", initErr)
	errs := []error{initErr}
	for i := len(initialized) - 1; i >= 0; i-- {
		s := initialized[i]
		sd, ok := s.(Shutdowner)
		if !ok {
			continue
		}
		if err := sd.Shutdown(); err != nil {
			logger.Error("failed to shutdown service", "service", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("failed to shutdown service %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
