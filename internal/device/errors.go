// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"io/fs"

	"golang.org/x/sys/unix"
)

var (
	// ErrAccessDenied is returned when the process lacks the privilege to access
	// model specific registers (root or CAP_SYS_RAWIO and the msr module)
	ErrAccessDenied = errors.New("access denied")

	// ErrUnsupportedRegister is returned when a register is not implemented by the CPU
	ErrUnsupportedRegister = errors.New("unsupported register")

	// ErrNoMSRDevice is returned when the msr device node of an online cpu does
	// not exist, which means the msr kernel module is not loaded
	ErrNoMSRDevice = errors.New("msr device not found")

	// ErrCoreUnavailable is returned when the target logical core is offline or absent
	ErrCoreUnavailable = errors.New("core unavailable")

	// ErrDetectionFailed is returned when the CPU vendor or core types cannot be identified
	ErrDetectionFailed = errors.New("cpu detection failed")

	// ErrClockAnomaly is returned when two samples are not separated by a usable amount of time
	ErrClockAnomaly = errors.New("clock anomaly")
)

// accessError maps an error from the msr device onto the package sentinels.
// Errors that do not match any known condition are returned wrapped as is.
func accessError(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENODEV):
		return fmt.Errorf("%s: %w: %w", op, ErrCoreUnavailable, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w: %w", op, ErrAccessDenied, err)
	case errors.Is(err, unix.EIO):
		// the msr driver reports a #GP on rdmsr/wrmsr as EIO
		return fmt.Errorf("%s: %w: %w", op, ErrUnsupportedRegister, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsFatal reports whether err must stop the process at startup
func IsFatal(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrNoMSRDevice) ||
		errors.Is(err, ErrUnsupportedRegister) ||
		errors.Is(err, ErrDetectionFailed)
}
