// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"slices"
	"time"

	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/mapper"
)

type (
	Energy = device.Energy
	Power  = device.Power
)

const (
	Joule = device.Joule
	Watt  = device.Watt
)

// State is the lifecycle state of the monitor
type State int32

const (
	StateUninitialized State = iota
	StateDetecting
	StateSampling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDetecting:
		return "detecting"
	case StateSampling:
		return "sampling"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// PackageReading is the power of one package
type PackageReading struct {
	ID int
	mapper.PowerReading
	EnergyTotal Energy // cumulative joules since the monitor started
}

// CoreReading is the power of one logical core
type CoreReading struct {
	CPU     int
	CoreID  int
	Package int
	Type    device.CoreType
	mapper.PowerReading
	EnergyTotal Energy // cumulative joules since the monitor started
}

// Snapshot is the power of every package and core over one interval
type Snapshot struct {
	Timestamp time.Time
	Interval  time.Duration // elapsed time since the previous snapshot
	Vendor    device.Vendor
	Mapper    string
	Topology  *device.Topology // shared, read-only

	Packages []PackageReading // ordered like Topology.Packages
	Cores    []CoreReading    // ordered like Topology.Cores
}

// Clone returns a copy of the snapshot sharing only the read-only topology
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	ret := *s
	ret.Packages = slices.Clone(s.Packages)
	ret.Cores = slices.Clone(s.Cores)
	return &ret
}

// MissingCores returns the ids of cores without a reading
func (s *Snapshot) MissingCores() []int {
	var missing []int
	for _, c := range s.Cores {
		if !c.Available {
			missing = append(missing, c.CPU)
		}
	}
	return missing
}

// PackageCores returns the readings of the cores in package id
func (s *Snapshot) PackageCores(id int) []CoreReading {
	var cores []CoreReading
	for _, c := range s.Cores {
		if c.Package == id {
			cores = append(cores, c)
		}
	}
	return cores
}

// PowerByType sums the available core power per core type
func (s *Snapshot) PowerByType() map[device.CoreType]Power {
	totals := make(map[device.CoreType]Power)
	for _, c := range s.Cores {
		if c.Available {
			totals[c.Type] += c.Watts
		}
	}
	return totals
}
