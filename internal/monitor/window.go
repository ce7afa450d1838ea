// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/mapper"
	"github.com/sustainable-computing-io/corepower/internal/utilization"
)

// reading is the outcome of one counter read
type reading struct {
	scope device.Scope
	raw   uint64
	ts    time.Time
	err   error
}

// batch holds every read of one interval
type batch struct {
	timestamp time.Time
	packages  []reading // ordered like Topology.Packages
	cores     []reading // ordered like window.coreCPUs; nil without core counters
	ticks     map[int]utilization.Ticks
	utilErr   error
}

// slot is the previous sample of one scope
type slot struct {
	sample device.EnergySample
	valid  bool
}

// window holds the previous sample of every scope. It is owned by the
// sampling loop and never accessed concurrently.
type window struct {
	topo   *device.Topology
	width  uint
	unit   Energy
	maxAge time.Duration

	packages []slot
	cores    []slot // ordered like coreCPUs
	coreCPUs []int  // the cpu each physical core counter is read on
	ticks    map[int]utilization.Ticks
	primed   bool

	// cumulative energy, ordered like Topology.Packages and Topology.Cores
	packageTotals []Energy
	coreTotals    []Energy
}

func newWindow(topo *device.Topology, width uint, unit Energy, maxAge time.Duration) *window {
	var cpus []int
	for _, c := range topo.Cores {
		if topo.PrimaryCPU(c.ID) == c.ID {
			cpus = append(cpus, c.ID)
		}
	}
	return &window{
		topo:          topo,
		width:         width,
		unit:          unit,
		maxAge:        maxAge,
		packages:      make([]slot, len(topo.Packages)),
		cores:         make([]slot, len(cpus)),
		coreCPUs:      cpus,
		packageTotals: make([]Energy, len(topo.Packages)),
		coreTotals:    make([]Energy, len(topo.Cores)),
	}
}

// advance computes the deltas between the stored samples and b, then stores
// b's samples. It returns false while the window is being primed.
func (w *window) advance(b *batch) (mapper.Interval, bool) {
	in := mapper.Interval{
		Topology:    w.topo,
		Timestamp:   b.timestamp,
		Packages:    make(map[int]device.EnergyDelta, len(b.packages)),
		Cores:       make(map[int]device.EnergyDelta, len(b.cores)),
		Utilization: map[int]utilization.Sample{},
		Missing:     map[device.Scope]string{},
	}

	for i, r := range b.packages {
		if d, ok := w.update(&w.packages[i], r, in.Missing); ok {
			in.Packages[r.scope.ID] = d
		}
	}
	for i, r := range b.cores {
		if d, ok := w.update(&w.cores[i], r, in.Missing); ok {
			in.Cores[r.scope.ID] = d
		}
	}

	// after a failed read the next interval only primes utilization, so it
	// never spans more than the energy deltas do
	if b.utilErr != nil {
		w.ticks = nil
	} else {
		if w.ticks != nil {
			in.Utilization = utilization.Between(w.ticks, b.ticks)
		}
		w.ticks = b.ticks
	}

	primed := w.primed
	w.primed = true
	return in, primed
}

func (w *window) update(s *slot, r reading, missing map[device.Scope]string) (device.EnergyDelta, bool) {
	if r.err != nil {
		missing[r.scope] = reasonFor(r.err)
		// a stale sample may hide more than one counter wrap
		if s.valid && r.ts.Sub(s.sample.Timestamp) > w.maxAge {
			s.valid = false
		}
		return device.EnergyDelta{}, false
	}

	curr := device.EnergySample{Scope: r.scope, Raw: r.raw, Timestamp: r.ts}
	prev, valid := s.sample, s.valid
	s.sample, s.valid = curr, true

	if !valid {
		missing[r.scope] = "no previous sample"
		return device.EnergyDelta{}, false
	}
	if curr.Timestamp.Sub(prev.Timestamp) > w.maxAge {
		missing[r.scope] = "previous sample too old"
		return device.EnergyDelta{}, false
	}

	d, err := device.Delta(prev, curr, w.width, w.unit)
	if err != nil {
		missing[r.scope] = reasonFor(err)
		return device.EnergyDelta{}, false
	}
	return d, true
}

// reasonFor turns a read or delta error into the reason shown for an unavailable reading
func reasonFor(err error) string {
	switch {
	case errors.Is(err, device.ErrCoreUnavailable):
		return "core unavailable"
	case errors.Is(err, errReadInFlight):
		return "previous read still in flight"
	case errors.Is(err, context.DeadlineExceeded):
		return "read timed out"
	case errors.Is(err, device.ErrClockAnomaly):
		return "clock anomaly"
	case errors.Is(err, device.ErrAccessDenied):
		return "access denied"
	case errors.Is(err, device.ErrUnsupportedRegister):
		return "unsupported register"
	}
	return "read failed"
}
