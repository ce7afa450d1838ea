// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mapper

import (
	"errors"
	"fmt"
	"math"

	"github.com/sustainable-computing-io/corepower/internal/device"
)

// Weights scale utilization per core type before package power is split
type Weights struct {
	Performance float64
	Efficiency  float64
	Uniform     float64
}

// DefaultWeights are the empirically characterised weights for hybrid parts
func DefaultWeights() Weights {
	return Weights{Performance: 3.0, Efficiency: 1.0, Uniform: 2.0}
}

// For returns the weight of a core type
func (w Weights) For(t device.CoreType) float64 {
	switch t {
	case device.CorePerformance:
		return w.Performance
	case device.CoreEfficiency:
		return w.Efficiency
	}
	return w.Uniform
}

// Validate checks that every weight is a positive finite number
func (w Weights) Validate() error {
	var errs []error
	for _, weight := range []struct {
		name  string
		value float64
	}{
		{"performance", w.Performance},
		{"efficiency", w.Efficiency},
		{"uniform", w.Uniform},
	} {
		if v := weight.value; v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
			errs = append(errs, fmt.Errorf("invalid %s weight %v", weight.name, v))
		}
	}
	return errors.Join(errs...)
}

// EstimatedMapper measures package power and splits it across cores in
// proportion to weighted utilization
type EstimatedMapper struct {
	weights Weights
}

var _ Mapper = (*EstimatedMapper)(nil)

func NewEstimated(w Weights) (*EstimatedMapper, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &EstimatedMapper{weights: w}, nil
}

func (e *EstimatedMapper) Name() string { return "estimated" }

func (e *EstimatedMapper) CoreSource() Source { return Estimated }

func (e *EstimatedMapper) NeedsCoreCounters() bool { return false }

// Weights returns the per core type weights in use
func (e *EstimatedMapper) Weights() Weights { return e.weights }

func (e *EstimatedMapper) Map(in Interval) Result {
	res := Result{
		Packages: packageReadings(in),
		Cores:    make([]PowerReading, len(in.Topology.Cores)),
	}

	for pi, p := range in.Topology.Packages {
		pkg := res.Packages[pi]

		cpus := make([]int, 0, len(p.Cores))
		weights := make([]float64, 0, len(p.Cores))
		for _, cpu := range p.Cores {
			ci, _ := in.Topology.CoreIndex(cpu)
			scope := device.CoreScope(cpu)

			if !pkg.Available {
				res.Cores[ci] = unavailable(scope, Estimated, in.Timestamp, "package power unavailable")
				continue
			}
			u, ok := in.Utilization[cpu]
			if !ok {
				res.Cores[ci] = unavailable(scope, Estimated, in.Timestamp, in.reason(scope, "no utilization sample"))
				continue
			}
			if u.Anomalous {
				res.Cores[ci] = unavailable(scope, Estimated, in.Timestamp, "utilization counter went backwards")
				continue
			}

			cpus = append(cpus, cpu)
			weights = append(weights, u.Fraction()*e.weights.For(in.Topology.Cores[ci].Type))
		}

		for i, share := range distribute(weights) {
			ci, _ := in.Topology.CoreIndex(cpus[i])
			res.Cores[ci] = PowerReading{
				Scope:     device.CoreScope(cpus[i]),
				Watts:     device.Power(share * pkg.Watts.Watts()),
				Source:    Estimated,
				Available: true,
				Timestamp: in.Timestamp,
			}
		}
	}
	return res
}

// distribute normalises weights into shares summing to 1. All-zero weights
// produce a uniform split.
func distribute(weights []float64) []float64 {
	shares := make([]float64, len(weights))
	if len(weights) == 0 {
		return shares
	}

	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		for i := range shares {
			shares[i] = 1 / float64(len(shares))
		}
		return shares
	}

	for i, w := range weights {
		shares[i] = w / sum
	}
	return shares
}
