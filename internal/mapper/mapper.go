// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package mapper turns per-interval energy deltas and utilization into
// package and per-core power readings.
package mapper

import (
	"fmt"
	"time"

	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/utilization"
)

// Source tells whether a reading was measured by hardware or estimated
type Source int

const (
	Measured Source = iota
	Estimated
)

func (s Source) String() string {
	if s == Estimated {
		return "estimated"
	}
	return "measured"
}

// PowerReading is the power of one scope over an interval
type PowerReading struct {
	Scope     device.Scope
	Watts     device.Power
	Source    Source
	Available bool
	Reason    string // why the reading is unavailable
	Timestamp time.Time
}

func unavailable(scope device.Scope, src Source, ts time.Time, reason string) PowerReading {
	return PowerReading{Scope: scope, Source: src, Timestamp: ts, Reason: reason}
}

// Interval is the input of a mapper for one sampling interval
type Interval struct {
	Topology  *device.Topology
	Timestamp time.Time

	// Packages maps package id to the package energy delta
	Packages map[int]device.EnergyDelta

	// Cores maps the primary cpu of each physical core to the core energy
	// delta; empty when the vendor has no core counters
	Cores map[int]device.EnergyDelta

	// Utilization maps cpu id to its utilization over the interval
	Utilization map[int]utilization.Sample

	// Missing holds the reason a scope has no delta this interval
	Missing map[device.Scope]string
}

func (in Interval) reason(s device.Scope, fallback string) string {
	if r, ok := in.Missing[s]; ok {
		return r
	}
	return fallback
}

// Result holds readings ordered like Topology.Packages and Topology.Cores
type Result struct {
	Packages []PowerReading
	Cores    []PowerReading
}

// Mapper converts an interval into power readings
type Mapper interface {
	Name() string

	// CoreSource is the source tag of per-core readings
	CoreSource() Source

	// NeedsCoreCounters reports whether per-core energy counters must be sampled
	NeedsCoreCounters() bool

	Map(in Interval) Result
}

// ForVendor selects the mapper for the detected vendor
func ForVendor(v device.Vendor, w Weights) (Mapper, error) {
	switch v {
	case device.VendorAMD:
		return NewDirect(), nil
	case device.VendorIntel:
		return NewEstimated(w)
	}
	return nil, fmt.Errorf("no power mapper for vendor %s: %w", v, device.ErrDetectionFailed)
}

// packageReadings computes measured package power for every package
func packageReadings(in Interval) []PowerReading {
	readings := make([]PowerReading, len(in.Topology.Packages))
	for i, p := range in.Topology.Packages {
		scope := device.PackageScope(p.ID)
		d, ok := in.Packages[p.ID]
		if !ok {
			readings[i] = unavailable(scope, Measured, in.Timestamp, in.reason(scope, "no package sample"))
			continue
		}
		readings[i] = PowerReading{
			Scope:     scope,
			Watts:     d.Power(),
			Source:    Measured,
			Available: true,
			Timestamp: in.Timestamp,
		}
	}
	return readings
}
