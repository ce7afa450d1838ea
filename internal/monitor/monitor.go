// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/mapper"
	"github.com/sustainable-computing-io/corepower/internal/service"
	"github.com/sustainable-computing-io/corepower/internal/utilization"
)

type PowerDataProvider interface {
	// Snapshot returns the most recent power data
	Snapshot() (*Snapshot, error)

	// DataChannel returns a channel that signals when new data is available
	DataChannel() <-chan struct{}
}

// Service defines the interface for the power monitoring service
type Service interface {
	service.Service
	PowerDataProvider
}

// detector identifies the cpu and builds its topology
type detector interface {
	Detect() (*device.Topology, error)
}

// PowerMonitor samples energy counters and utilization on a fixed interval
// and publishes a Snapshot per interval
type PowerMonitor struct {
	// passed externally
	logger   *slog.Logger
	regs     device.RegisterAccessor
	detector detector
	util     utilization.Reader

	procfsPath   string
	interval     time.Duration
	readTimeout  time.Duration
	workers      int
	maxSampleAge time.Duration
	weights      mapper.Weights
	clock        clock.WithTicker

	// set once by Init
	topology  *device.Topology
	registers device.Registers
	unit      Energy
	mapper    mapper.Mapper
	win       *window

	state atomic.Int32

	// signals when a snapshot has been updated
	dataCh   chan struct{}
	snapshot atomic.Pointer[Snapshot]
	lastAt   time.Time // timestamp of the previous batch, owned by the loop

	// register reads that outlived their deadline and are still blocked
	inflightMu sync.Mutex
	inflight   map[registerRead]struct{}

	// For managing the sampling loop
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

var (
	_ Service             = (*PowerMonitor)(nil)
	_ service.Initializer = (*PowerMonitor)(nil)
	_ service.Runner      = (*PowerMonitor)(nil)
	_ service.Shutdowner  = (*PowerMonitor)(nil)
	_ service.LiveChecker = (*PowerMonitor)(nil)
)

// NewPowerMonitor creates a new PowerMonitor reading registers through regs
func NewPowerMonitor(regs device.RegisterAccessor, applyOpts ...OptionFn) *PowerMonitor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	logger := opts.logger.With("service", "monitor")
	det := opts.detector
	if det == nil {
		det = device.NewDetector(opts.procfsPath, opts.sysfsPath, regs, opts.logger)
	}

	return &PowerMonitor{
		logger:       logger,
		regs:         regs,
		detector:     det,
		util:         opts.utilization,
		procfsPath:   opts.procfsPath,
		interval:     opts.interval,
		readTimeout:  opts.readTimeout,
		workers:      opts.workers,
		maxSampleAge: opts.maxSampleAge,
		weights:      opts.weights,
		clock:        opts.clock,
		dataCh:       make(chan struct{}, 1),
		inflight:     make(map[registerRead]struct{}),
	}
}

func (pm *PowerMonitor) Name() string {
	return "monitor"
}

// State returns the current lifecycle state
func (pm *PowerMonitor) State() State {
	return State(pm.state.Load())
}

// Topology returns the detected topology; nil before Init
func (pm *PowerMonitor) Topology() *device.Topology {
	return pm.topology
}

// Init detects the cpu, builds the topology, reads the energy unit and
// selects the power mapper. Any failure is fatal.
func (pm *PowerMonitor) Init() error {
	if !pm.state.CompareAndSwap(int32(StateUninitialized), int32(StateDetecting)) {
		return fmt.Errorf("monitor cannot be initialized in state %s", pm.State())
	}

	if err := pm.detect(); err != nil {
		pm.state.Store(int32(StateStopped))
		return err
	}
	return nil
}

func (pm *PowerMonitor) detect() error {
	topo, err := pm.detector.Detect()
	if err != nil {
		return fmt.Errorf("cpu detection failed: %w", err)
	}

	regs, err := device.RegistersFor(topo.Vendor)
	if err != nil {
		return err
	}

	m, err := mapper.ForVendor(topo.Vendor, pm.weights)
	if err != nil {
		return err
	}

	// the unit is constant for the session
	cpu := topo.Packages[0].Cores[0]
	raw, err := pm.regs.Read(cpu, regs.PowerUnit)
	if err != nil {
		// cpu was just enumerated as online, so its device node must exist
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %w", device.ErrNoMSRDevice, err)
		}
		return fmt.Errorf("failed to read energy unit: %w", err)
	}
	unit := device.EnergyUnit(raw)

	if pm.util == nil {
		r, err := utilization.NewReader(pm.procfsPath)
		if err != nil {
			return err
		}
		pm.util = r
	}

	pm.topology = topo
	pm.registers = regs
	pm.unit = unit
	pm.mapper = m
	pm.win = newWindow(topo, regs.Width, unit, pm.maxSampleAge)

	counts := topo.CountByType()
	pm.logger.Info("Detected cpu topology",
		"vendor", topo.Vendor,
		"packages", len(topo.Packages),
		"cores", len(topo.Cores),
		"mapper", m.Name(),
		"core-source", m.CoreSource(),
		"energy-unit", unit,
	)
	if topo.Hybrid() {
		pm.logger.Info("Hybrid cpu detected",
			"performance", counts[device.CorePerformance],
			"efficiency", counts[device.CoreEfficiency],
		)
	}
	return nil
}

// Start launches the sampling loop. The first interval only primes the
// sample window; snapshots are published from the second interval on.
func (pm *PowerMonitor) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid sampling interval %s", interval)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.state.CompareAndSwap(int32(StateDetecting), int32(StateSampling)) {
		return fmt.Errorf("monitor cannot start in state %s", pm.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	pm.cancel = cancel
	pm.done = make(chan struct{})
	go pm.loop(ctx, interval, pm.done)

	pm.logger.Info("Monitor is sampling", "interval", interval)
	return nil
}

// Stop terminates sampling and waits for the loop to exit. It is safe to
// call at any time and more than once.
func (pm *PowerMonitor) Stop() {
	pm.stopOnce.Do(func() {
		pm.mu.Lock()
		pm.state.Store(int32(StateStopped))
		cancel, done := pm.cancel, pm.done
		pm.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		pm.logger.Info("Monitor has stopped")
	})
}

func (pm *PowerMonitor) Run(ctx context.Context) error {
	if err := pm.Start(pm.interval); err != nil {
		return err
	}
	<-ctx.Done()
	pm.Stop()
	return nil
}

func (pm *PowerMonitor) Shutdown() error {
	pm.logger.Info("shutting down monitor")
	pm.Stop()
	return nil
}

// IsLive reports whether the monitor has not stopped
func (pm *PowerMonitor) IsLive(ctx context.Context) (bool, error) {
	if s := pm.State(); s == StateStopped {
		return false, fmt.Errorf("monitor is %s", s)
	}
	return true, nil
}

// IsReady reports whether a snapshot has been published
func (pm *PowerMonitor) IsReady(ctx context.Context) (bool, error) {
	if _, err := pm.Snapshot(); err != nil {
		return false, err
	}
	return true, nil
}

func (pm *PowerMonitor) DataChannel() <-chan struct{} {
	return pm.dataCh
}

func (pm *PowerMonitor) Snapshot() (*Snapshot, error) {
	snapshot := pm.snapshot.Load()
	if snapshot == nil {
		return nil, fmt.Errorf("no power data available yet")
	}
	return snapshot.Clone(), nil
}

func (pm *PowerMonitor) signalNewData() {
	select {
	case pm.dataCh <- struct{}{}: // send signal to any waiting goroutine
		pm.logger.Debug("Data channel updated")
	default:
		pm.logger.Debug("Data channel is full")
	}
}

// loop primes the window, then samples on every tick until ctx is cancelled
func (pm *PowerMonitor) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	pm.sample(ctx)

	ticker := pm.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			pm.logger.Debug("Sampling loop terminated")
			return
		case <-ticker.C():
			pm.sample(ctx)
		}
	}
}

// sample runs one interval: read everything, then compute and publish
func (pm *PowerMonitor) sample(ctx context.Context) {
	started := pm.clock.Now()

	b, err := pm.collect(ctx)
	if err != nil {
		pm.logger.Debug("Abandoned interval", "error", err)
		return
	}

	in, primed := pm.win.advance(b)
	prevAt := pm.lastAt
	pm.lastAt = b.timestamp
	if b.utilErr != nil {
		pm.logger.Warn("Failed to read cpu utilization", "error", b.utilErr)
	}
	if !primed {
		pm.logger.Debug("Sample window primed")
		return
	}

	res := pm.mapper.Map(in)
	snapshot := pm.buildSnapshot(in, res, b.timestamp.Sub(prevAt))

	if ctx.Err() != nil {
		return
	}
	pm.snapshot.Store(snapshot)
	pm.signalNewData()

	if missing := snapshot.MissingCores(); len(missing) > 0 {
		pm.logger.Debug("Cores without power reading", "cpus", missing)
	}
	pm.logger.Debug("Computed power", "duration", pm.clock.Since(started))
}

// collect reads every counter and the utilization counters concurrently.
// It returns an error only when ctx is cancelled.
func (pm *PowerMonitor) collect(ctx context.Context) (*batch, error) {
	topo := pm.topology
	b := &batch{packages: make([]reading, len(topo.Packages))}

	var g errgroup.Group
	if pm.workers > 0 {
		g.SetLimit(pm.workers)
	}

	for i, p := range topo.Packages {
		// the package counter is readable from any of its cores
		g.Go(func() error {
			b.packages[i] = pm.readCounter(ctx, device.PackageScope(p.ID), p.Cores[0], pm.registers.PackageEnergy)
			return nil
		})
	}

	if pm.mapper.NeedsCoreCounters() {
		// one read per physical core; SMT siblings share the counter
		cpus := pm.win.coreCPUs
		b.cores = make([]reading, len(cpus))
		for i, cpu := range cpus {
			g.Go(func() error {
				b.cores[i] = pm.readCounter(ctx, device.CoreScope(cpu), cpu, pm.registers.CoreEnergy)
				return nil
			})
		}
	}

	g.Go(func() error {
		b.ticks, b.utilErr = pm.util.Read()
		return nil
	})

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.timestamp = pm.clock.Now()
	return b, nil
}

type registerRead struct {
	cpu  int
	addr uint32
}

// errReadInFlight marks a register whose previous read has not returned yet
var errReadInFlight = errors.New("previous read still in flight")

// readCounter reads one energy counter, giving up after the read timeout.
// A read that times out keeps running in the background; the register is
// not read again until it returns.
func (pm *PowerMonitor) readCounter(ctx context.Context, scope device.Scope, cpu int, addr uint32) reading {
	key := registerRead{cpu: cpu, addr: addr}
	pm.inflightMu.Lock()
	if _, busy := pm.inflight[key]; busy {
		pm.inflightMu.Unlock()
		pm.logger.Debug("Energy counter read still in flight", "scope", scope, "cpu", cpu)
		return reading{scope: scope, ts: pm.clock.Now(), err: fmt.Errorf("read %s on cpu %d: %w", scope, cpu, errReadInFlight)}
	}
	pm.inflight[key] = struct{}{}
	pm.inflightMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, pm.readTimeout)
	defer cancel()

	ch := make(chan reading, 1)
	go func() {
		raw, err := pm.regs.Read(cpu, addr)

		pm.inflightMu.Lock()
		delete(pm.inflight, key)
		pm.inflightMu.Unlock()

		ch <- reading{scope: scope, raw: raw, ts: pm.clock.Now(), err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			pm.logger.Debug("Failed to read energy counter", "scope", scope, "cpu", cpu, "error", r.err)
		}
		return r
	case <-ctx.Done():
		pm.logger.Debug("Energy counter read timed out", "scope", scope, "cpu", cpu)
		return reading{scope: scope, ts: pm.clock.Now(), err: fmt.Errorf("read %s on cpu %d: %w", scope, cpu, ctx.Err())}
	}
}

// buildSnapshot joins mapper output with topology and cumulative energy
func (pm *PowerMonitor) buildSnapshot(in mapper.Interval, res mapper.Result, elapsed time.Duration) *Snapshot {
	topo := pm.topology
	s := &Snapshot{
		Timestamp: in.Timestamp,
		Interval:  elapsed,
		Vendor:    topo.Vendor,
		Mapper:    pm.mapper.Name(),
		Topology:  topo,
		Packages:  make([]PackageReading, len(topo.Packages)),
		Cores:     make([]CoreReading, len(topo.Cores)),
	}

	for i, p := range topo.Packages {
		total := &pm.win.packageTotals[i]
		if d, ok := in.Packages[p.ID]; ok && res.Packages[i].Available {
			*total += d.Energy
		}
		s.Packages[i] = PackageReading{ID: p.ID, PowerReading: res.Packages[i], EnergyTotal: *total}
	}

	for i, c := range topo.Cores {
		total := &pm.win.coreTotals[i]
		r := res.Cores[i]
		if r.Available {
			if d, ok := in.Cores[topo.PrimaryCPU(c.ID)]; ok {
				*total += d.Energy / Energy(topo.Threads(c.ID))
			} else if pd, ok := in.Packages[c.Package]; ok {
				*total += Energy(r.Watts.Watts() * pd.Elapsed.Seconds())
			}
		}
		s.Cores[i] = CoreReading{
			CPU:          c.ID,
			CoreID:       c.CoreID,
			Package:      c.Package,
			Type:         c.Type,
			PowerReading: r,
			EnergyTotal:  *total,
		}
	}
	return s
}
