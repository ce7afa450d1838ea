// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/utilization"
)

func pkgBatch(ts time.Time, raw uint64, err error) *batch {
	return &batch{
		timestamp: ts,
		packages:  []reading{{scope: device.PackageScope(0), raw: raw, ts: ts, err: err}},
	}
}

func TestWindow_Advance(t *testing.T) {
	topo := amdTopology(t, 1)
	w := newWindow(topo, device.EnergyCounterWidth, device.Joule, time.Minute)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	in, primed := w.advance(pkgBatch(t0, 1<<32-10, nil))
	assert.False(t, primed)
	assert.Empty(t, in.Packages)

	in, primed = w.advance(pkgBatch(t0.Add(time.Second), 5, nil))
	assert.True(t, primed)
	require.Contains(t, in.Packages, 0)
	assert.Equal(t, uint64(15), in.Packages[0].Raw, "delta across the wrap")
	assert.InDelta(t, 15.0, in.Packages[0].Power().Watts(), 1e-9)
}

func TestWindow_ClockAnomalyDiscardsPair(t *testing.T) {
	topo := amdTopology(t, 1)
	w := newWindow(topo, device.EnergyCounterWidth, device.Joule, time.Minute)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	w.advance(pkgBatch(t0, 100, nil))

	// clock stepped backwards
	in, _ := w.advance(pkgBatch(t0.Add(-time.Second), 200, nil))
	assert.NotContains(t, in.Packages, 0)
	assert.Equal(t, "clock anomaly", in.Missing[device.PackageScope(0)])

	// the new sample replaced the old one
	in, _ = w.advance(pkgBatch(t0, 300, nil))
	require.Contains(t, in.Packages, 0)
	assert.Equal(t, uint64(100), in.Packages[0].Raw)
}

func TestWindow_FailedReadKeepsPreviousSample(t *testing.T) {
	topo := amdTopology(t, 1)
	w := newWindow(topo, device.EnergyCounterWidth, device.Joule, 10*time.Second)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	w.advance(pkgBatch(t0, 100, nil))

	in, _ := w.advance(pkgBatch(t0.Add(time.Second), 0, fmt.Errorf("read: %w", context.DeadlineExceeded)))
	assert.Equal(t, "read timed out", in.Missing[device.PackageScope(0)])

	in, _ = w.advance(pkgBatch(t0.Add(2*time.Second), 160, nil))
	require.Contains(t, in.Packages, 0)
	assert.Equal(t, 2*time.Second, in.Packages[0].Elapsed)
	assert.InDelta(t, 30.0, in.Packages[0].Power().Watts(), 1e-9)
}

func TestWindow_StaleSampleIsDropped(t *testing.T) {
	topo := amdTopology(t, 1)
	w := newWindow(topo, device.EnergyCounterWidth, device.Joule, 10*time.Second)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	w.advance(pkgBatch(t0, 100, nil))
	w.advance(pkgBatch(t0.Add(20*time.Second), 0, fmt.Errorf("open: %w", device.ErrCoreUnavailable)))

	in, _ := w.advance(pkgBatch(t0.Add(21*time.Second), 500, nil))
	assert.NotContains(t, in.Packages, 0)
	assert.Equal(t, "no previous sample", in.Missing[device.PackageScope(0)])

	in, _ = w.advance(pkgBatch(t0.Add(22*time.Second), 600, nil))
	assert.Contains(t, in.Packages, 0)
}

func TestWindow_OldPreviousSampleIsNotUsed(t *testing.T) {
	topo := amdTopology(t, 1)
	w := newWindow(topo, device.EnergyCounterWidth, device.Joule, 10*time.Second)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	w.advance(pkgBatch(t0, 100, nil))
	in, _ := w.advance(pkgBatch(t0.Add(30*time.Second), 500, nil))
	assert.Equal(t, "previous sample too old", in.Missing[device.PackageScope(0)])
}

func TestWindow_FailedUtilizationReadReprimes(t *testing.T) {
	topo := amdTopology(t, 1)
	w := newWindow(topo, device.EnergyCounterWidth, device.Joule, time.Minute)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	utilBatch := func(i int, busy float64, err error) *batch {
		b := pkgBatch(t0.Add(time.Duration(i)*time.Second), uint64(100*i), nil)
		if err != nil {
			b.utilErr = err
			return b
		}
		b.ticks = map[int]utilization.Ticks{0: {Busy: busy, Total: float64(100 * i)}}
		return b
	}

	w.advance(utilBatch(1, 10, nil))
	in, _ := w.advance(utilBatch(2, 0, errors.New("read /proc/stat")))
	assert.Empty(t, in.Utilization)

	// ticks from before the failure are not paired with the next read
	in, _ = w.advance(utilBatch(3, 90, nil))
	assert.Empty(t, in.Utilization)
	assert.Contains(t, in.Packages, 0)

	in, _ = w.advance(utilBatch(4, 140, nil))
	require.Contains(t, in.Utilization, 0)
	assert.InDelta(t, 0.5, in.Utilization[0].Fraction(), 1e-9)
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, "core unavailable", reasonFor(device.ErrCoreUnavailable))
	assert.Equal(t, "access denied", reasonFor(device.ErrAccessDenied))
	assert.Equal(t, "unsupported register", reasonFor(device.ErrUnsupportedRegister))
	assert.Equal(t, "clock anomaly", reasonFor(device.ErrClockAnomaly))
	assert.Equal(t, "previous read still in flight", reasonFor(fmt.Errorf("read: %w", errReadInFlight)))
	assert.Equal(t, "read failed", reasonFor(errors.New("eof")))
}
