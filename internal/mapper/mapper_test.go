// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mapper

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/utilization"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mustTopology(t *testing.T, vendor device.Vendor, cores ...device.LogicalCore) *device.Topology {
	t.Helper()
	topo, err := device.NewTopology(vendor, cores)
	require.NoError(t, err)
	return topo
}

// wattDelta returns a delta that yields w watts over one second
func wattDelta(scope device.Scope, w float64) device.EnergyDelta {
	return device.EnergyDelta{Scope: scope, Energy: device.Energy(w), Elapsed: time.Second}
}

func util(cpu int, fraction float64) utilization.Sample {
	return utilization.Sample{CPU: cpu, Busy: fraction * 100, Total: 100}
}

func assertSumEqualsPackage(t *testing.T, topo *device.Topology, res Result) {
	t.Helper()
	for pi, p := range topo.Packages {
		pkg := res.Packages[pi]
		if !pkg.Available {
			continue
		}
		sum := 0.0
		for _, cpu := range p.Cores {
			ci, _ := topo.CoreIndex(cpu)
			if res.Cores[ci].Available {
				sum += res.Cores[ci].Watts.Watts()
			}
		}
		assert.InEpsilon(t, pkg.Watts.Watts(), sum, 1e-9, "package %d", p.ID)
	}
}

func TestForVendor(t *testing.T) {
	m, err := ForVendor(device.VendorAMD, DefaultWeights())
	require.NoError(t, err)
	assert.Equal(t, "direct", m.Name())
	assert.Equal(t, Measured, m.CoreSource())
	assert.True(t, m.NeedsCoreCounters())

	m, err = ForVendor(device.VendorIntel, DefaultWeights())
	require.NoError(t, err)
	assert.Equal(t, "estimated", m.Name())
	assert.Equal(t, Estimated, m.CoreSource())
	assert.False(t, m.NeedsCoreCounters())

	_, err = ForVendor(device.VendorUnknown, DefaultWeights())
	assert.ErrorIs(t, err, device.ErrDetectionFailed)

	_, err = ForVendor(device.VendorIntel, Weights{Performance: 1, Efficiency: 0, Uniform: 1})
	assert.Error(t, err)
}

func TestWeights(t *testing.T) {
	w := DefaultWeights()
	assert.Equal(t, 3.0, w.For(device.CorePerformance))
	assert.Equal(t, 1.0, w.For(device.CoreEfficiency))
	assert.Equal(t, 2.0, w.For(device.CoreUniform))
	assert.NoError(t, w.Validate())

	assert.Error(t, Weights{Performance: math.NaN(), Efficiency: 1, Uniform: 1}.Validate())
	assert.Error(t, Weights{Performance: 1, Efficiency: 1, Uniform: math.Inf(1)}.Validate())
	assert.Error(t, Weights{Performance: -1, Efficiency: 1, Uniform: 1}.Validate())

	// errors are reported in a stable order
	err := Weights{Performance: 0, Efficiency: -1, Uniform: math.NaN()}.Validate()
	require.Error(t, err)
	for range 10 {
		assert.Equal(t, "invalid performance weight 0\ninvalid efficiency weight -1\ninvalid uniform weight NaN",
			Weights{Performance: 0, Efficiency: -1, Uniform: math.NaN()}.Validate().Error())
	}
}

func TestDirect_AMDScenario(t *testing.T) {
	topo := mustTopology(t, device.VendorAMD,
		device.LogicalCore{ID: 0, CoreID: 0}, device.LogicalCore{ID: 1, CoreID: 1})

	unit := device.Energy(1.5259e-5)
	sample := func(s device.Scope, raw uint64, ts time.Time) device.EnergySample {
		return device.EnergySample{Scope: s, Raw: raw, Timestamp: ts}
	}
	delta := func(s device.Scope, from, to uint64) device.EnergyDelta {
		d, err := device.Delta(sample(s, from, now), sample(s, to, now.Add(time.Second)), device.EnergyCounterWidth, unit)
		require.NoError(t, err)
		return d
	}

	in := Interval{
		Topology:  topo,
		Timestamp: now,
		Packages:  map[int]device.EnergyDelta{0: delta(device.PackageScope(0), 1_000_000, 1_050_000)},
		Cores: map[int]device.EnergyDelta{
			0: delta(device.CoreScope(0), 10_000, 30_000),
			1: delta(device.CoreScope(1), 1<<32-5_000, 5_000),
		},
	}

	res := NewDirect().Map(in)
	require.Len(t, res.Packages, 1)
	require.Len(t, res.Cores, 2)

	assert.True(t, res.Packages[0].Available)
	assert.Equal(t, Measured, res.Packages[0].Source)
	assert.InDelta(t, 0.763, res.Packages[0].Watts.Watts(), 1e-3)

	assert.InDelta(t, 20_000*1.5259e-5, res.Cores[0].Watts.Watts(), 1e-12)
	assert.InDelta(t, 10_000*1.5259e-5, res.Cores[1].Watts.Watts(), 1e-12)
	for _, c := range res.Cores {
		assert.Equal(t, Measured, c.Source)
		assert.Equal(t, now, c.Timestamp)
	}
}

func TestDirect_MissingCore(t *testing.T) {
	topo := mustTopology(t, device.VendorAMD,
		device.LogicalCore{ID: 0, CoreID: 0}, device.LogicalCore{ID: 1, CoreID: 1}, device.LogicalCore{ID: 2, CoreID: 2})

	in := Interval{
		Topology:  topo,
		Timestamp: now,
		Packages:  map[int]device.EnergyDelta{0: wattDelta(device.PackageScope(0), 30)},
		Cores: map[int]device.EnergyDelta{
			0: wattDelta(device.CoreScope(0), 5),
			2: wattDelta(device.CoreScope(2), 7),
		},
		Missing: map[device.Scope]string{device.CoreScope(1): "core unavailable"},
	}

	res := NewDirect().Map(in)
	assert.True(t, res.Cores[0].Available)
	assert.False(t, res.Cores[1].Available)
	assert.Equal(t, "core unavailable", res.Cores[1].Reason)
	assert.True(t, res.Cores[2].Available)
	assert.InDelta(t, 7.0, res.Cores[2].Watts.Watts(), 1e-12)
}

func TestDirect_SMTSiblingsShareCoreCounter(t *testing.T) {
	// cpu 0 and 1 are threads of one physical core, cpu 2 has a core of its own
	topo := mustTopology(t, device.VendorAMD,
		device.LogicalCore{ID: 0, CoreID: 0}, device.LogicalCore{ID: 1, CoreID: 0}, device.LogicalCore{ID: 2, CoreID: 1})

	in := Interval{
		Topology:  topo,
		Timestamp: now,
		Packages:  map[int]device.EnergyDelta{0: wattDelta(device.PackageScope(0), 5)},
		Cores: map[int]device.EnergyDelta{
			0: wattDelta(device.CoreScope(0), 4),
			2: wattDelta(device.CoreScope(2), 1),
		},
	}

	res := NewDirect().Map(in)
	require.Len(t, res.Cores, 3)
	assert.InDelta(t, 2.0, res.Cores[0].Watts.Watts(), 1e-12)
	assert.InDelta(t, 2.0, res.Cores[1].Watts.Watts(), 1e-12)
	assert.InDelta(t, 1.0, res.Cores[2].Watts.Watts(), 1e-12)
	assertSumEqualsPackage(t, topo, res)

	t.Run("missing physical core", func(t *testing.T) {
		in.Cores = map[int]device.EnergyDelta{2: wattDelta(device.CoreScope(2), 1)}
		in.Missing = map[device.Scope]string{device.CoreScope(0): "read timed out"}

		res := NewDirect().Map(in)
		for _, i := range []int{0, 1} {
			assert.False(t, res.Cores[i].Available)
			assert.Equal(t, "read timed out", res.Cores[i].Reason)
		}
		assert.True(t, res.Cores[2].Available)
	})
}

func TestEstimated_IntelHybridScenario(t *testing.T) {
	topo := mustTopology(t, device.VendorIntel,
		device.LogicalCore{ID: 0, Type: device.CorePerformance},
		device.LogicalCore{ID: 1, Type: device.CorePerformance},
		device.LogicalCore{ID: 2, Type: device.CoreEfficiency},
		device.LogicalCore{ID: 3, Type: device.CoreEfficiency},
	)

	m, err := NewEstimated(Weights{Performance: 1.5, Efficiency: 1.0, Uniform: 1.0})
	require.NoError(t, err)

	res := m.Map(Interval{
		Topology:    topo,
		Timestamp:   now,
		Packages:    map[int]device.EnergyDelta{0: wattDelta(device.PackageScope(0), 10)},
		Utilization: map[int]utilization.Sample{0: util(0, 0.8), 1: util(1, 0.8), 2: util(2, 0.4), 3: util(3, 0.4)},
	})

	want := []float64{3.75, 3.75, 1.25, 1.25}
	for i, w := range want {
		assert.True(t, res.Cores[i].Available)
		assert.Equal(t, Estimated, res.Cores[i].Source)
		assert.InDelta(t, w, res.Cores[i].Watts.Watts(), 1e-9, "cpu %d", i)
	}
	assert.Equal(t, Measured, res.Packages[0].Source)
	assertSumEqualsPackage(t, topo, res)
}

func TestEstimated_IdlePackageSplitsUniformly(t *testing.T) {
	topo := mustTopology(t, device.VendorIntel,
		device.LogicalCore{ID: 0, Type: device.CorePerformance},
		device.LogicalCore{ID: 1, Type: device.CoreEfficiency},
		device.LogicalCore{ID: 2, Type: device.CoreEfficiency},
		device.LogicalCore{ID: 3, Type: device.CoreEfficiency},
	)
	m, err := NewEstimated(DefaultWeights())
	require.NoError(t, err)

	res := m.Map(Interval{
		Topology:    topo,
		Timestamp:   now,
		Packages:    map[int]device.EnergyDelta{0: wattDelta(device.PackageScope(0), 6)},
		Utilization: map[int]utilization.Sample{0: util(0, 0), 1: util(1, 0), 2: util(2, 0), 3: util(3, 0)},
	})
	for _, c := range res.Cores {
		assert.InDelta(t, 1.5, c.Watts.Watts(), 1e-12)
	}
}

func TestEstimated_SumInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	m, err := NewEstimated(DefaultWeights())
	require.NoError(t, err)

	types := []device.CoreType{device.CorePerformance, device.CoreEfficiency, device.CoreUniform}
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(32)
		pkgs := 1 + rng.Intn(3)
		cores := make([]device.LogicalCore, n)
		utils := make(map[int]utilization.Sample, n)
		for i := range cores {
			cores[i] = device.LogicalCore{ID: i, Package: i % pkgs, Type: types[rng.Intn(len(types))]}
			utils[i] = util(i, rng.Float64())
		}
		topo := mustTopology(t, device.VendorIntel, cores...)

		pkgDeltas := make(map[int]device.EnergyDelta, pkgs)
		for _, p := range topo.Packages {
			pkgDeltas[p.ID] = wattDelta(device.PackageScope(p.ID), 1+rng.Float64()*200)
		}

		res := m.Map(Interval{Topology: topo, Timestamp: now, Packages: pkgDeltas, Utilization: utils})
		assertSumEqualsPackage(t, topo, res)
	}
}

func TestEstimated_MissingInputs(t *testing.T) {
	topo := mustTopology(t, device.VendorIntel,
		device.LogicalCore{ID: 0, Package: 0},
		device.LogicalCore{ID: 1, Package: 0},
		device.LogicalCore{ID: 2, Package: 0},
		device.LogicalCore{ID: 3, Package: 1},
	)
	m, err := NewEstimated(DefaultWeights())
	require.NoError(t, err)

	anomalous := util(2, 0.5)
	anomalous.Anomalous = true

	res := m.Map(Interval{
		Topology:    topo,
		Timestamp:   now,
		Packages:    map[int]device.EnergyDelta{0: wattDelta(device.PackageScope(0), 8)},
		Utilization: map[int]utilization.Sample{0: util(0, 0.5), 2: anomalous, 3: util(3, 1)},
		Missing:     map[device.Scope]string{device.PackageScope(1): "read timed out"},
	})

	assert.False(t, res.Packages[1].Available)
	assert.Equal(t, "read timed out", res.Packages[1].Reason)

	assert.True(t, res.Cores[0].Available)
	assert.InDelta(t, 8.0, res.Cores[0].Watts.Watts(), 1e-12, "remaining core takes the whole package")
	assert.False(t, res.Cores[1].Available)
	assert.Equal(t, "no utilization sample", res.Cores[1].Reason)
	assert.False(t, res.Cores[2].Available)
	assert.False(t, res.Cores[3].Available)
	assert.Equal(t, "package power unavailable", res.Cores[3].Reason)
	assertSumEqualsPackage(t, topo, res)
}

func TestDistribute(t *testing.T) {
	assert.Empty(t, distribute(nil))
	assert.Equal(t, []float64{0.25, 0.25, 0.25, 0.25}, distribute([]float64{0, 0, 0, 0}))
	assert.Equal(t, []float64{0.75, 0.25}, distribute([]float64{3, 1}))
}
