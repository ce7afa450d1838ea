// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mapper

import "github.com/sustainable-computing-io/corepower/internal/device"

// DirectMapper reports package and core power straight from their energy counters
type DirectMapper struct{}

var _ Mapper = DirectMapper{}

func NewDirect() DirectMapper { return DirectMapper{} }

func (DirectMapper) Name() string { return "direct" }

func (DirectMapper) CoreSource() Source { return Measured }

func (DirectMapper) NeedsCoreCounters() bool { return true }

// Map reports each core from the counter of its physical core. SMT siblings
// read the same counter, so its power is split evenly between them.
func (DirectMapper) Map(in Interval) Result {
	cores := make([]PowerReading, len(in.Topology.Cores))
	for i, c := range in.Topology.Cores {
		scope := device.CoreScope(c.ID)
		primary := in.Topology.PrimaryCPU(c.ID)
		d, ok := in.Cores[primary]
		if !ok {
			cores[i] = unavailable(scope, Measured, in.Timestamp, in.reason(device.CoreScope(primary), "no core sample"))
			continue
		}
		cores[i] = PowerReading{
			Scope:     scope,
			Watts:     d.Power() / device.Power(in.Topology.Threads(c.ID)),
			Source:    Measured,
			Available: true,
			Timestamp: in.Timestamp,
		}
	}
	return Result{Packages: packageReadings(in), Cores: cores}
}
