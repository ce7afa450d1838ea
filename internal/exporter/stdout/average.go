// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/monitor"
)

// movingAverage keeps the last size snapshots and averages the available
// readings of each scope over them
type movingAverage struct {
	size    int
	history []*monitor.Snapshot // oldest first
}

func newMovingAverage(size int) *movingAverage {
	return &movingAverage{size: max(size, 1)}
}

func (m *movingAverage) add(s *monitor.Snapshot) {
	if len(m.history) == m.size {
		copy(m.history, m.history[1:])
		m.history = m.history[:m.size-1]
	}
	m.history = append(m.history, s)
}

func (m *movingAverage) len() int {
	return len(m.history)
}

// power averages the available readings of scope; false when there are none
func (m *movingAverage) power(scope device.Scope) (device.Power, bool) {
	var sum device.Power
	n := 0
	for _, s := range m.history {
		if w, ok := readingOf(s, scope); ok {
			sum += w
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / device.Power(n), true
}

// typePower averages the per type total of the snapshots in which the type had any reading
func (m *movingAverage) typePower(typ device.CoreType) (device.Power, bool) {
	var sum device.Power
	n := 0
	for _, s := range m.history {
		if w, ok := s.PowerByType()[typ]; ok {
			sum += w
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / device.Power(n), true
}

func readingOf(s *monitor.Snapshot, scope device.Scope) (device.Power, bool) {
	switch scope.Kind {
	case device.ScopePackage:
		for _, p := range s.Packages {
			if p.ID == scope.ID {
				return p.Watts, p.Available
			}
		}
	case device.ScopeCore:
		for _, c := range s.Cores {
			if c.CPU == scope.ID {
				return c.Watts, c.Available
			}
		}
	}
	return 0, false
}
