// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// NOTE: FakeRegisters is not intended to be used in production and is for
// development and testing only

// defaultFakePowerUnit encodes an energy unit of 1/2^16 J (bits 12:8 = 0x10)
const defaultFakePowerUnit uint64 = 0xA1003

type registerKey struct {
	cpu  int
	addr uint32
}

// FakeRegisters is an in-memory RegisterAccessor. Registers with an
// increment configured advance on every read, emulating energy counters.
type FakeRegisters struct {
	logger *slog.Logger

	mu           sync.Mutex
	values       map[registerKey]uint64
	increments   map[uint32]uint64 // register address -> counts added per read
	randomFactor float64
	width        uint
	errs         map[int]error         // cpu -> error returned by every access
	delays       map[int]time.Duration // cpu -> latency of every access
}

var _ RegisterAccessor = (*FakeRegisters)(nil)

// FakeOptFn is a functional option for configuring FakeRegisters
type FakeOptFn func(*FakeRegisters)

// WithFakeLogger sets the logger of the fake register bank
func WithFakeLogger(l *slog.Logger) FakeOptFn {
	return func(f *FakeRegisters) {
		f.logger = l.With("service", "fake-msr")
	}
}

// WithFakeIncrement makes register addr advance by n counts on every read
func WithFakeIncrement(addr uint32, n uint64) FakeOptFn {
	return func(f *FakeRegisters) {
		f.increments[addr] = n
	}
}

// WithFakeRandomFactor adds up to factor*increment random counts per read
func WithFakeRandomFactor(factor float64) FakeOptFn {
	return func(f *FakeRegisters) {
		f.randomFactor = factor
	}
}

// NewFakeRegisters creates an empty fake register bank
func NewFakeRegisters(opts ...FakeOptFn) *FakeRegisters {
	f := &FakeRegisters{
		logger:     slog.Default().With("service", "fake-msr"),
		values:     make(map[registerKey]uint64),
		increments: make(map[uint32]uint64),
		width:      EnergyCounterWidth,
		errs:       make(map[int]error),
		delays:     make(map[int]time.Duration),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewFakeEnergyRegisters creates a fake register bank that emulates the energy
// registers of vendor on cpus
func NewFakeEnergyRegisters(vendor Vendor, cpus []int, opts ...FakeOptFn) (*FakeRegisters, error) {
	regs, err := RegistersFor(vendor)
	if err != nil {
		return nil, err
	}

	defaults := []FakeOptFn{
		WithFakeIncrement(regs.PackageEnergy, 600_000),
		WithFakeRandomFactor(0.5),
	}
	if regs.HasCoreEnergy() {
		defaults = append(defaults, WithFakeIncrement(regs.CoreEnergy, 50_000))
	}

	f := NewFakeRegisters(append(defaults, opts...)...)
	for _, cpu := range cpus {
		f.Set(cpu, regs.PowerUnit, defaultFakePowerUnit)
		f.Set(cpu, regs.PackageEnergy, 0)
		if regs.HasCoreEnergy() {
			f.Set(cpu, regs.CoreEnergy, 0)
		}
	}
	return f, nil
}

// Set stores a register value
func (f *FakeRegisters) Set(cpu int, addr uint32, value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[registerKey{cpu, addr}] = value
}

// SetError makes every access to cpu fail with err; nil clears it
func (f *FakeRegisters) SetError(cpu int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, cpu)
		return
	}
	f.errs[cpu] = err
}

// SetDelay makes every access to cpu take at least d
func (f *FakeRegisters) SetDelay(cpu int, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[cpu] = d
}

func (f *FakeRegisters) access(cpu int) error {
	f.mu.Lock()
	delay, err := f.delays[cpu], f.errs[cpu]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

// Read returns the register value, advancing it first if it has an increment
func (f *FakeRegisters) Read(cpu int, addr uint32) (uint64, error) {
	if err := f.access(cpu); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := registerKey{cpu, addr}
	v, ok := f.values[key]
	if !ok {
		return 0, fmt.Errorf("read MSR 0x%x on cpu %d: %w", addr, cpu, ErrUnsupportedRegister)
	}
	if inc, ok := f.increments[addr]; ok {
		inc += uint64(rand.Float64() * float64(inc) * f.randomFactor)
		v = (v + inc) & CounterMask(f.width)
		f.values[key] = v
	}
	return v, nil
}

// Write stores value in an existing register
func (f *FakeRegisters) Write(cpu int, addr uint32, value uint64) error {
	if err := f.access(cpu); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := registerKey{cpu, addr}
	if _, ok := f.values[key]; !ok {
		return fmt.Errorf("write MSR 0x%x on cpu %d: %w", addr, cpu, ErrUnsupportedRegister)
	}
	f.values[key] = value
	return nil
}
