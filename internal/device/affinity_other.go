// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package device

import "fmt"

type threadPinner struct{}

func (threadPinner) Pin(cpu int) (func(), error) {
	return nil, fmt.Errorf("cpu affinity is only supported on linux: %w", ErrCoreUnavailable)
}
