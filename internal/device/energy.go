// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"math"
	"time"
)

// Energy represents an amount of energy in Joules.
// Use functions Joules, MilliJoules and MicroJoules to get the energy
// value in the respective unit
type Energy float64

const (
	MicroJoule Energy = 1e-6
	MilliJoule Energy = 1e-3
	Joule      Energy = 1
)

func (e Energy) MicroJoules() float64 {
	return float64(e / MicroJoule)
}

func (e Energy) MilliJoules() float64 {
	return float64(e / MilliJoule)
}

func (e Energy) Joules() float64 {
	return float64(e)
}

func (e Energy) String() string {
	return fmt.Sprintf("%.4fJ", e.Joules())
}

// Power represents power in Watts.
// Use functions Watts, MilliWatts and MicroWatts to get the power value in
// the respective unit
type Power float64

const (
	MicroWatt Power = 1e-6
	MilliWatt Power = 1e-3
	Watt      Power = 1
)

func (p Power) MicroWatts() float64 {
	return float64(p / MicroWatt)
}

func (p Power) MilliWatts() float64 {
	return float64(p / MilliWatt)
}

func (p Power) Watts() float64 {
	return float64(p)
}

func (p Power) String() string {
	return fmt.Sprintf("%.2fW", p.Watts())
}

// ScopeKind is the kind of hardware domain an energy counter covers
type ScopeKind int

const (
	ScopePackage ScopeKind = iota
	ScopeCore
)

func (k ScopeKind) String() string {
	switch k {
	case ScopePackage:
		return "package"
	case ScopeCore:
		return "core"
	}
	return fmt.Sprintf("ScopeKind(%d)", int(k))
}

// Scope identifies a package (by package id) or a logical core (by cpu id)
type Scope struct {
	Kind ScopeKind
	ID   int
}

func PackageScope(id int) Scope { return Scope{Kind: ScopePackage, ID: id} }
func CoreScope(cpu int) Scope   { return Scope{Kind: ScopeCore, ID: cpu} }

func (s Scope) String() string {
	return fmt.Sprintf("%s-%d", s.Kind, s.ID)
}

// MinElapsed is the smallest time between two samples that yields a usable power figure
const MinElapsed = time.Millisecond

// EnergySample is one raw counter reading of a scope
type EnergySample struct {
	Scope     Scope
	Raw       uint64
	Timestamp time.Time
}

// EnergyDelta is the energy consumed by a scope between two samples
type EnergyDelta struct {
	Scope   Scope
	Raw     uint64
	Energy  Energy
	Elapsed time.Duration
}

// Power returns the average power over the delta's elapsed time
func (d EnergyDelta) Power() Power {
	if d.Elapsed <= 0 {
		return 0
	}
	return Power(d.Energy.Joules() / d.Elapsed.Seconds())
}

// CounterMask returns the mask of a counter of the given bit width
func CounterMask(width uint) uint64 {
	if width >= 64 {
		return math.MaxUint64
	}
	return (uint64(1) << width) - 1
}

// CounterDelta returns (curr - prev) mod 2^width. The result is correct
// across at most one wraparound of the counter.
func CounterDelta(prev, curr uint64, width uint) uint64 {
	mask := CounterMask(width)
	return ((curr & mask) - (prev & mask)) & mask
}

// Delta computes the energy consumed between prev and curr, scaled by unit
// Joules per count. A non-positive or implausibly small elapsed time returns
// ErrClockAnomaly.
func Delta(prev, curr EnergySample, width uint, unit Energy) (EnergyDelta, error) {
	if prev.Scope != curr.Scope {
		return EnergyDelta{}, fmt.Errorf("sample scopes differ: %s != %s", prev.Scope, curr.Scope)
	}

	elapsed := curr.Timestamp.Sub(prev.Timestamp)
	if elapsed < MinElapsed {
		return EnergyDelta{}, fmt.Errorf("%s: elapsed %s: %w", curr.Scope, elapsed, ErrClockAnomaly)
	}

	raw := CounterDelta(prev.Raw, curr.Raw, width)
	return EnergyDelta{
		Scope:   curr.Scope,
		Raw:     raw,
		Energy:  Energy(float64(raw) * unit.Joules()),
		Elapsed: elapsed,
	}, nil
}

// EnergyUnit decodes the energy status unit from the raw power unit register.
// Bits 12:8 hold N where one count equals 1/2^N Joules.
func EnergyUnit(raw uint64) Energy {
	n := (raw >> 8) & 0x1F
	return Energy(math.Ldexp(1, -int(n)))
}
