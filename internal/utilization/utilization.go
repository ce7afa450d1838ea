// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package utilization computes per-cpu busy fractions from the cumulative
// cpu time counters in /proc/stat.
package utilization

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// Ticks are the cumulative cpu time counters of one cpu, in seconds
type Ticks struct {
	Busy  float64
	Total float64
}

// Sample is the utilization of one cpu over an interval
type Sample struct {
	CPU   int
	Busy  float64
	Total float64

	// Anomalous is set when a counter went backwards and the delta was clamped
	Anomalous bool
}

// Fraction returns busy over total in [0, 1]; 0 when no time elapsed
func (s Sample) Fraction() float64 {
	if s.Total <= 0 {
		return 0
	}
	f := s.Busy / s.Total
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Delta returns the utilization of cpu between two readings. Negative deltas
// (counter reset) are clamped to zero and flagged as anomalous.
func Delta(cpu int, prev, curr Ticks) Sample {
	s := Sample{CPU: cpu}

	s.Busy = curr.Busy - prev.Busy
	if s.Busy < 0 {
		s.Busy, s.Anomalous = 0, true
	}
	s.Total = curr.Total - prev.Total
	if s.Total < 0 {
		s.Total, s.Anomalous = 0, true
	}
	return s
}

// Between returns a sample for every cpu present in both readings
func Between(prev, curr map[int]Ticks) map[int]Sample {
	samples := make(map[int]Sample, len(curr))
	for cpu, c := range curr {
		p, ok := prev[cpu]
		if !ok {
			continue
		}
		samples[cpu] = Delta(cpu, p, c)
	}
	return samples
}

// ticksFromStat converts procfs cpu time into busy and total time where
// idle = idle + iowait and total = user + nice + system + idle + iowait + irq + softirq + steal
func ticksFromStat(s procfs.CPUStat) Ticks {
	idle := s.Idle + s.Iowait
	total := s.User + s.Nice + s.System + idle + s.IRQ + s.SoftIRQ + s.Steal
	return Ticks{Busy: total - idle, Total: total}
}

// statReader is the part of procfs.FS used by Reader
type statReader interface {
	Stat() (procfs.Stat, error)
}

// Reader reads per-cpu cumulative counters
type Reader interface {
	Read() (map[int]Ticks, error)
}

// ProcStatReader reads per-cpu counters from /proc/stat
type ProcStatReader struct {
	fs statReader
}

var _ Reader = (*ProcStatReader)(nil)

// NewReader creates a ProcStatReader for the procfs mounted at procPath
func NewReader(procPath string) (*ProcStatReader, error) {
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs %s: %w", procPath, err)
	}
	return &ProcStatReader{fs: fs}, nil
}

// Read returns the cumulative counters of every cpu listed in /proc/stat
func (r *ProcStatReader) Read() (map[int]Ticks, error) {
	stat, err := r.fs.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu stat: %w", err)
	}

	ticks := make(map[int]Ticks, len(stat.CPU))
	for cpu, s := range stat.CPU {
		ticks[int(cpu)] = ticksFromStat(s)
	}
	return ticks, nil
}
