// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/utilization"
)

// one count equals 2^-16 J with the fake power unit, so this many counts is 1 J
const countsPerJoule = 1 << 16

type staticDetector struct {
	topo *device.Topology
	err  error
}

func (d staticDetector) Detect() (*device.Topology, error) {
	return d.topo, d.err
}

// scriptedUtil returns the given readings in order and repeats the last one
type scriptedUtil struct {
	mu       sync.Mutex
	readings []map[int]utilization.Ticks
	calls    int
}

func (s *scriptedUtil) Read() (map[int]utilization.Ticks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.readings)-1)
	s.calls++
	return s.readings[i], nil
}

func idleUtil(cpus ...int) *scriptedUtil {
	ticks := make(map[int]utilization.Ticks, len(cpus))
	for _, c := range cpus {
		ticks[c] = utilization.Ticks{Busy: 0, Total: 100}
	}
	return &scriptedUtil{readings: []map[int]utilization.Ticks{ticks}}
}

func amdTopology(t *testing.T, n int) *device.Topology {
	t.Helper()
	cores := make([]device.LogicalCore, n)
	for i := range cores {
		cores[i] = device.LogicalCore{ID: i, CoreID: i}
	}
	topo, err := device.NewTopology(device.VendorAMD, cores)
	require.NoError(t, err)
	return topo
}

func cpuIDs(topo *device.Topology) []int {
	ids := make([]int, len(topo.Cores))
	for i, c := range topo.Cores {
		ids[i] = c.ID
	}
	return ids
}

// newFakeMonitor creates a monitor over fake registers that advance by
// pkgJoules and coreJoules per read
func newFakeMonitor(t *testing.T, topo *device.Topology, pkgJoules, coreJoules float64, opts ...OptionFn) (*PowerMonitor, *device.FakeRegisters, *testingclock.FakeClock) {
	t.Helper()
	regs, err := device.NewFakeEnergyRegisters(topo.Vendor, cpuIDs(topo),
		device.WithFakeRandomFactor(0),
		device.WithFakeIncrement(device.MSRAMDPkgEnergy, uint64(pkgJoules*countsPerJoule)),
		device.WithFakeIncrement(device.MSRIntelPkgEnergy, uint64(pkgJoules*countsPerJoule)),
		device.WithFakeIncrement(device.MSRAMDCoreEnergy, uint64(coreJoules*countsPerJoule)),
	)
	require.NoError(t, err)

	fc := testingclock.NewFakeClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	all := append([]OptionFn{
		WithClock(fc),
		WithDetector(staticDetector{topo: topo}),
		WithUtilizationReader(idleUtil(cpuIDs(topo)...)),
	}, opts...)

	pm := NewPowerMonitor(regs, all...)
	t.Cleanup(pm.Stop)
	return pm, regs, fc
}

// startAndPrime starts sampling and waits until the loop waits for its first tick
func startAndPrime(t *testing.T, pm *PowerMonitor, fc *testingclock.FakeClock, interval time.Duration) {
	t.Helper()
	require.NoError(t, pm.Init())
	require.NoError(t, pm.Start(interval))
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
}

// tick advances the clock by d and waits for the resulting snapshot
func tick(t *testing.T, pm *PowerMonitor, fc *testingclock.FakeClock, d time.Duration) *Snapshot {
	t.Helper()
	fc.Step(d)
	select {
	case <-pm.DataChannel():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	s, err := pm.Snapshot()
	require.NoError(t, err)
	return s
}
