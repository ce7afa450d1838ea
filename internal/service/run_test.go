// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runAsync(ctx context.Context, services []Service) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, nil, services)
	}()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRun(t *testing.T) {
	t.Run("cancelling the context stops every service", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		j := &journal{}
		started := make(chan struct{}, 2)
		blockUntilDone := func(ctx context.Context) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}
		services := []Service{
			&fakeService{plainService: plainService{"monitor"}, journal: j, runFn: blockUntilDone},
			&fakeService{plainService: plainService{"server"}, journal: j, runFn: blockUntilDone},
			&plainService{"not-a-runner"},
		}

		errCh := runAsync(ctx, services)
		<-started
		<-started
		cancel()

		assert.NoError(t, waitErr(t, errCh))
		assert.Equal(t, 1, j.count("monitor.shutdown"))
		assert.Equal(t, 1, j.count("server.shutdown"))
	})

	t.Run("first failure stops the others", func(t *testing.T) {
		j := &journal{}
		runErr := errors.New("listen failed")
		services := []Service{
			&fakeService{plainService: plainService{"monitor"}, journal: j},
			&fakeService{plainService: plainService{"server"}, journal: j, runFn: func(context.Context) error {
				return runErr
			}},
		}

		err := waitErr(t, runAsync(context.Background(), services))
		require.Error(t, err)
		assert.ErrorIs(t, err, runErr)
		assert.Equal(t, 1, j.count("monitor.shutdown"))
		assert.Equal(t, 1, j.count("server.shutdown"))
	})

	t.Run("shutdown errors do not replace the run error", func(t *testing.T) {
		j := &journal{}
		runErr := errors.New("run error")
		services := []Service{
			&fakeService{
				plainService: plainService{"svc"},
				journal:      j,
				runFn:        func(context.Context) error { return runErr },
				shutdownFn:   func() error { return errors.New("shutdown error") },
			},
		}

		err := waitErr(t, runAsync(context.Background(), services))
		assert.ErrorIs(t, err, runErr)
		assert.Equal(t, 1, j.count("svc.run"))
	})

	t.Run("no runners returns when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.NoError(t, waitErr(t, runAsync(ctx, []Service{&plainService{"idle"}})))
	})
}
