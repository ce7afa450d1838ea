// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/oklog/run"
)

// Run runs every Runner in services until the first one returns or outer is
// cancelled, then shuts down all of them. It returns the error of the first
// runner to finish; cancellation of outer alone is not an error.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group

	// the parent context is an actor so cancelling it ends the group
	g.Add(
		func() error {
			<-ctx.Done()
			return nil
		},
		func(error) { cancel() },
	)

	runners := 0
	for _, s := range services {
		r, ok := s.(Runner)
		if !ok {
			logger.Debug("not a runner", "service", s.Name())
			continue
		}
		runners++

		g.Add(
			func() error {
				logger.Info("running service", "service", r.Name())
				err := r.Run(ctx)
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return nil
				}
				return err
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", r.Name(), "reason", err)
				}
				shutdown(logger, r)
			},
		)
	}

	logger.Info("running services", "count", runners)
	return g.Run()
}

func shutdown(logger *slog.Logger, s Service) {
	sd, ok := s.(Shutdowner)
	if !ok {
		return
	}
	logger.Info("shutting down", "service", s.Name())
	if err := sd.Shutdown(); err != nil {
		logger.Warn("shutdown failed", "service", s.Name(), "error", err)
	}
}
