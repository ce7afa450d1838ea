// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/corepower/internal/mapper"
	"github.com/sustainable-computing-io/corepower/internal/utilization"
)

type Opts struct {
	logger       *slog.Logger
	sysfsPath    string
	procfsPath   string
	interval     time.Duration
	readTimeout  time.Duration
	workers      int
	maxSampleAge time.Duration
	weights      mapper.Weights
	clock        clock.WithTicker
	detector     detector
	utilization  utilization.Reader
}

// DefaultOpts returns Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:       slog.Default(),
		sysfsPath:    "/sys",
		procfsPath:   "/proc",
		interval:     time.Second,
		readTimeout:  250 * time.Millisecond,
		workers:      0, // one per read
		maxSampleAge: time.Minute,
		weights:      mapper.DefaultWeights(),
		clock:        clock.RealClock{},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithInterval sets the sampling interval used by Run
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithReadTimeout sets the deadline of a single register read
func WithReadTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.readTimeout = d
	}
}

// WithWorkers bounds the number of concurrent reads per interval; 0 means unbounded.
// A read that outlives the read timeout is no longer counted, but its register
// is skipped until that read returns.
func WithWorkers(n int) OptionFn {
	return func(o *Opts) {
		o.workers = n
	}
}

// WithMaxSampleAge sets how long a previous counter sample stays usable
// when intermediate reads fail
func WithMaxSampleAge(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.maxSampleAge = d
	}
}

// WithWeights sets the core type weights of the estimated mapper
func WithWeights(w mapper.Weights) OptionFn {
	return func(o *Opts) {
		o.weights = w
	}
}

// WithLogger sets the logger for the PowerMonitor
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock the PowerMonitor
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithSysFSPath sets the sysfs mount point used for topology detection
func WithSysFSPath(p string) OptionFn {
	return func(o *Opts) {
		o.sysfsPath = p
	}
}

// WithProcFSPath sets the procfs mount point used for cpuinfo and cpu stat
func WithProcFSPath(p string) OptionFn {
	return func(o *Opts) {
		o.procfsPath = p
	}
}

// WithDetector replaces host detection
func WithDetector(d detector) OptionFn {
	return func(o *Opts) {
		o.detector = d
	}
}

// WithUtilizationReader replaces the /proc/stat reader
func WithUtilizationReader(r utilization.Reader) OptionFn {
	return func(o *Opts) {
		o.utilization = r
	}
}
