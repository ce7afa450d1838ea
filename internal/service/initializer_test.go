// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	t.Run("all services initialize in order", func(t *testing.T) {
		j := &journal{}
		services := []Service{
			&fakeService{plainService: plainService{"monitor"}, journal: j},
			&plainService{"not-an-initializer"},
			&initOnly{plainService: plainService{"exporter"}, journal: j},
		}

		require.NoError(t, Init(nil, services))
		assert.Equal(t, []string{"monitor.init", "exporter.init"}, j.list())
	})

	t.Run("failure rolls back in reverse order", func(t *testing.T) {
		j := &journal{}
		initErr := errors.New("no msr")
		services := []Service{
			&fakeService{plainService: plainService{"a"}, journal: j},
			&initOnly{plainService: plainService{"b"}, journal: j},
			&fakeService{plainService: plainService{"c"}, journal: j},
			&fakeService{plainService: plainService{"d"}, journal: j, initFn: func() error { return initErr }},
			&fakeService{plainService: plainService{"e"}, journal: j},
		}

		err := Init(nil, services)
		require.Error(t, err)
		assert.ErrorIs(t, err, initErr)
		assert.Contains(t, err.Error(), "failed to initialize service d")

		assert.Equal(t, []string{
			"a.init", "b.init", "c.init", "d.init",
			"c.shutdown", "a.shutdown",
		}, j.list(), "the failed service is not shut down and later ones are not initialized")
	})

	t.Run("shutdown errors are joined", func(t *testing.T) {
		j := &journal{}
		initErr := errors.New("init error")
		shutdownErr := errors.New("shutdown error")
		services := []Service{
			&fakeService{plainService: plainService{"a"}, journal: j, shutdownFn: func() error { return shutdownErr }},
			&fakeService{plainService: plainService{"b"}, journal: j, initFn: func() error { return initErr }},
		}

		err := Init(nil, services)
		require.Error(t, err)
		assert.ErrorIs(t, err, initErr)
		assert.ErrorIs(t, err, shutdownErr)
	})

	t.Run("no services", func(t *testing.T) {
		assert.NoError(t, Init(nil, nil))
	})
}
