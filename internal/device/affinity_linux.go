// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package device

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// threadPinner pins the calling goroutine's OS thread to a single cpu
type threadPinner struct{}

func (threadPinner) Pin(cpu int) (func(), error) {
	runtime.LockOSThread()

	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("failed to get cpu affinity: %w", err)
	}

	var target unix.CPUSet
	target.Set(cpu)
	if err := unix.SchedSetaffinity(0, &target); err != nil {
		runtime.UnlockOSThread()
		if errors.Is(err, unix.EINVAL) {
			// none of the cpus in the mask are online
			return nil, fmt.Errorf("failed to pin to cpu %d: %w: %w", cpu, ErrCoreUnavailable, err)
		}
		return nil, fmt.Errorf("failed to pin to cpu %d: %w", cpu, err)
	}

	return func() {
		if err := unix.SchedSetaffinity(0, &prev); err != nil {
			// keep the thread locked; the runtime discards it when the goroutine exits
			return
		}
		runtime.UnlockOSThread()
	}, nil
}
