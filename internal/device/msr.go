// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// DefaultMSRDevicePath is the device path template of the Linux msr driver
const DefaultMSRDevicePath = "/dev/cpu/%d/msr"

// RegisterAccessor reads and writes model specific registers of a logical core
type RegisterAccessor interface {
	// Read returns the 64-bit value of register addr on cpu
	Read(cpu int, addr uint32) (uint64, error)

	// Write stores value in register addr on cpu
	Write(cpu int, addr uint32, value uint64) error
}

// pinner restricts the calling goroutine to a single cpu until release is called
type pinner interface {
	Pin(cpu int) (release func(), err error)
}

// MSRDevice implements RegisterAccessor using the Linux msr driver.
// Every access runs with the calling thread pinned to the target cpu and the
// previous affinity restored afterwards.
type MSRDevice struct {
	devicePath string
	logger     *slog.Logger
	pinner     pinner

	mu      sync.Mutex
	readers map[int]*os.File // CPU ID -> read-only handle
	writers map[int]*os.File // CPU ID -> read-write handle
}

var _ RegisterAccessor = (*MSRDevice)(nil)

type MSROptionFn func(*MSRDevice)

// WithMSRLogger sets the logger for the MSRDevice
func WithMSRLogger(logger *slog.Logger) MSROptionFn {
	return func(m *MSRDevice) {
		m.logger = logger.With("service", "msr")
	}
}

// withPinner replaces the affinity implementation (for testing)
func withPinner(p pinner) MSROptionFn {
	return func(m *MSRDevice) {
		m.pinner = p
	}
}

// NewMSRDevice creates a register accessor for the device path template, e.g. /dev/cpu/%d/msr
func NewMSRDevice(devicePath string, opts ...MSROptionFn) *MSRDevice {
	if devicePath == "" {
		devicePath = DefaultMSRDevicePath
	}
	m := &MSRDevice{
		devicePath: devicePath,
		logger:     slog.Default().With("service", "msr"),
		pinner:     threadPinner{},
		readers:    make(map[int]*os.File),
		writers:    make(map[int]*os.File),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Read reads register addr on cpu
func (m *MSRDevice) Read(cpu int, addr uint32) (uint64, error) {
	var value uint64
	err := m.onCPU(cpu, func() error {
		f, err := m.file(cpu, false)
		if err != nil {
			return err
		}

		buf := make([]byte, 8)
		if _, err := f.ReadAt(buf, int64(addr)); err != nil {
			return accessError(fmt.Sprintf("failed to read MSR 0x%x on cpu %d", addr, cpu), err)
		}
		value = binary.LittleEndian.Uint64(buf)
		return nil
	})
	return value, err
}

// Write writes value to register addr on cpu
func (m *MSRDevice) Write(cpu int, addr uint32, value uint64) error {
	return m.onCPU(cpu, func() error {
		f, err := m.file(cpu, true)
		if err != nil {
			return err
		}

		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, value)
		if _, err := f.WriteAt(buf, int64(addr)); err != nil {
			return accessError(fmt.Sprintf("failed to write MSR 0x%x on cpu %d", addr, cpu), err)
		}
		return nil
	})
}

// onCPU runs fn with the current thread pinned to cpu
func (m *MSRDevice) onCPU(cpu int, fn func() error) error {
	if cpu < 0 {
		return fmt.Errorf("invalid cpu %d: %w", cpu, ErrCoreUnavailable)
	}

	release, err := m.pinner.Pin(cpu)
	if err != nil {
		return err
	}
	defer release()

	return fn()
}

// file returns a cached handle to the msr device of cpu, opening it if needed
func (m *MSRDevice) file(cpu int, write bool) (*os.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles, flag := m.readers, os.O_RDONLY
	if write {
		handles, flag = m.writers, os.O_RDWR
	}

	if f, ok := handles[cpu]; ok {
		return f, nil
	}

	path := fmt.Sprintf(m.devicePath, cpu)
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, accessError(fmt.Sprintf("failed to open %s", path), err)
	}
	m.logger.Debug("Opened MSR device", "path", path, "write", write)
	handles[cpu] = f
	return f, nil
}

// Close closes all open device handles
func (m *MSRDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for _, handles := range []map[int]*os.File{m.readers, m.writers} {
		for cpuID, f := range handles {
			if err := f.Close(); err != nil {
				lastErr = err
				m.logger.Warn("Failed to close MSR file", "cpu", cpuID, "error", err)
			}
		}
	}
	m.readers = make(map[int]*os.File)
	m.writers = make(map[int]*os.File)
	return lastErr
}
