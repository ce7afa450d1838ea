// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/sysfs"
)

// LogicalCore is an online logical cpu
type LogicalCore struct {
	ID      int
	Package int
	CoreID  int // physical core id within the package
	Type    CoreType
}

// Package is a physical cpu package and the logical cores it contains
type Package struct {
	ID    int
	Cores []int // sorted logical core ids
}

// Topology maps online logical cores to packages. It is built once at
// startup and read-only afterwards.
type Topology struct {
	Vendor   Vendor
	Cores    []LogicalCore // sorted by ID
	Packages []Package     // sorted by ID

	coreIndex map[int]int
	pkgIndex  map[int]int
	primary   map[int]int          // cpu to the lowest cpu of its physical core
	threads   map[physicalCore]int // logical cpus per physical core
}

type physicalCore struct {
	pkg, core int
}

// NewTopology groups cores into packages
func NewTopology(vendor Vendor, cores []LogicalCore) (*Topology, error) {
	if len(cores) == 0 {
		return nil, fmt.Errorf("no online cores: %w", ErrDetectionFailed)
	}

	t := &Topology{
		Vendor:    vendor,
		Cores:     slices.Clone(cores),
		coreIndex: make(map[int]int, len(cores)),
		pkgIndex:  make(map[int]int),
		primary:   make(map[int]int, len(cores)),
		threads:   make(map[physicalCore]int),
	}
	slices.SortFunc(t.Cores, func(a, b LogicalCore) int { return a.ID - b.ID })

	first := make(map[physicalCore]int)
	for i, c := range t.Cores {
		if _, dup := t.coreIndex[c.ID]; dup {
			return nil, fmt.Errorf("cpu %d listed twice", c.ID)
		}
		t.coreIndex[c.ID] = i

		pc := physicalCore{pkg: c.Package, core: c.CoreID}
		if _, seen := t.threads[pc]; !seen {
			first[pc] = c.ID
		}
		t.primary[c.ID] = first[pc]
		t.threads[pc]++

		pi, ok := t.pkgIndex[c.Package]
		if !ok {
			pi = len(t.Packages)
			t.pkgIndex[c.Package] = pi
			t.Packages = append(t.Packages, Package{ID: c.Package})
		}
		t.Packages[pi].Cores = append(t.Packages[pi].Cores, c.ID)
	}

	slices.SortFunc(t.Packages, func(a, b Package) int { return a.ID - b.ID })
	for i, p := range t.Packages {
		t.pkgIndex[p.ID] = i
	}
	return t, nil
}

// Core returns the logical core with the given cpu id
func (t *Topology) Core(cpu int) (LogicalCore, bool) {
	i, ok := t.coreIndex[cpu]
	if !ok {
		return LogicalCore{}, false
	}
	return t.Cores[i], true
}

// CoreIndex returns the position of cpu in Cores
func (t *Topology) CoreIndex(cpu int) (int, bool) {
	i, ok := t.coreIndex[cpu]
	return i, ok
}

// PrimaryCPU returns the lowest logical cpu on the physical core of cpu.
// SMT siblings share per-core energy counters, which are read on this cpu only.
func (t *Topology) PrimaryCPU(cpu int) int {
	if p, ok := t.primary[cpu]; ok {
		return p
	}
	return cpu
}

// Threads returns the number of online logical cpus on the physical core of cpu
func (t *Topology) Threads(cpu int) int {
	c, ok := t.Core(cpu)
	if !ok {
		return 0
	}
	return t.threads[physicalCore{pkg: c.Package, core: c.CoreID}]
}

// Package returns the package with the given id
func (t *Topology) Package(id int) (Package, bool) {
	i, ok := t.pkgIndex[id]
	if !ok {
		return Package{}, false
	}
	return t.Packages[i], true
}

// PackageIndex returns the position of package id in Packages
func (t *Topology) PackageIndex(id int) (int, bool) {
	i, ok := t.pkgIndex[id]
	return i, ok
}

// CountByType returns the number of logical cores of each type
func (t *Topology) CountByType() map[CoreType]int {
	counts := make(map[CoreType]int)
	for _, c := range t.Cores {
		counts[c.Type]++
	}
	return counts
}

// Hybrid reports whether the topology contains both performance and efficiency cores
func (t *Topology) Hybrid() bool {
	counts := t.CountByType()
	return counts[CorePerformance] > 0 && counts[CoreEfficiency] > 0
}

// Validate checks that every core belongs to exactly one package and that
// packages only reference known cores
func (t *Topology) Validate() error {
	seen := make(map[int]int, len(t.Cores))
	var errs []error
	for _, p := range t.Packages {
		if !slices.IsSorted(p.Cores) {
			errs = append(errs, fmt.Errorf("package %d cores are not sorted", p.ID))
		}
		for _, cpu := range p.Cores {
			c, ok := t.Core(cpu)
			switch {
			case !ok:
				errs = append(errs, fmt.Errorf("package %d lists unknown cpu %d", p.ID, cpu))
			case c.Package != p.ID:
				errs = append(errs, fmt.Errorf("cpu %d belongs to package %d, listed in %d", cpu, c.Package, p.ID))
			}
			seen[cpu]++
		}
	}
	for _, c := range t.Cores {
		if n := seen[c.ID]; n != 1 {
			errs = append(errs, fmt.Errorf("cpu %d appears in %d packages", c.ID, n))
		}
	}
	return errors.Join(errs...)
}

// cpuLister is the part of sysfs.FS used to enumerate cpus
type cpuLister interface {
	CPUs() ([]sysfs.CPU, error)
}

// coreClassifier returns the type of a logical core
type coreClassifier interface {
	ClassifyCore(cpu int) (CoreType, error)
}

// BuildTopology enumerates online cpus and groups them by physical package
func BuildTopology(lister cpuLister, vendor Vendor, classifier coreClassifier, logger *slog.Logger) (*Topology, error) {
	cpus, err := lister.CPUs()
	if err != nil {
		return nil, fmt.Errorf("failed to list cpus: %w: %w", ErrDetectionFailed, err)
	}

	cores := make([]LogicalCore, 0, len(cpus))
	for _, cpu := range cpus {
		id, err := strconv.Atoi(cpu.Number())
		if err != nil {
			return nil, fmt.Errorf("invalid cpu %q: %w", cpu.Number(), ErrDetectionFailed)
		}

		online, err := cpu.Online()
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// cpu0 usually cannot be offlined and has no online file
			online = true
		case err != nil:
			return nil, fmt.Errorf("failed to read online state of cpu %d: %w: %w", id, ErrDetectionFailed, err)
		}
		if !online {
			logger.Debug("Skipping offline cpu", "cpu", id)
			continue
		}

		topo, err := cpu.Topology()
		if err != nil {
			return nil, fmt.Errorf("failed to read topology of cpu %d: %w: %w", id, ErrDetectionFailed, err)
		}
		pkg, err := parseTopologyID(topo.PhysicalPackageID)
		if err != nil {
			return nil, fmt.Errorf("cpu %d physical_package_id: %w: %w", id, ErrDetectionFailed, err)
		}
		coreID, err := parseTopologyID(topo.CoreID)
		if err != nil {
			return nil, fmt.Errorf("cpu %d core_id: %w: %w", id, ErrDetectionFailed, err)
		}

		coreType, err := classifier.ClassifyCore(id)
		if err != nil {
			return nil, err
		}

		cores = append(cores, LogicalCore{ID: id, Package: pkg, CoreID: coreID, Type: coreType})
	}

	t, err := NewTopology(vendor, cores)
	if err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("inconsistent topology: %w", err)
	}
	return t, nil
}

// parseTopologyID parses a sysfs topology id. Some platforms report -1 for
// an unknown package, which maps to package 0.
func parseTopologyID(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, nil
	}
	return v, nil
}

// Detector runs vendor detection and topology discovery against the host
type Detector struct {
	procPath string
	sysPath  string
	regs     RegisterAccessor
	logger   *slog.Logger
}

// NewDetector creates a Detector for the given procfs and sysfs mount points
func NewDetector(procPath, sysPath string, regs RegisterAccessor, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		procPath: procPath,
		sysPath:  sysPath,
		regs:     regs,
		logger:   logger.With("service", "detector"),
	}
}

// Detect identifies the vendor and builds the topology
func (d *Detector) Detect() (*Topology, error) {
	id, err := NewIdentifier(d.procPath, d.sysPath, d.regs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectionFailed, err)
	}

	vendor, err := id.DetectVendor()
	if err != nil {
		return nil, err
	}
	hybrid, _ := id.Hybrid()
	d.logger.Info("Detected cpu vendor", "vendor", vendor, "hybrid", hybrid)

	fs, err := sysfs.NewFS(d.sysPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs %s: %w: %w", d.sysPath, ErrDetectionFailed, err)
	}
	return BuildTopology(fs, vendor, id, d.logger)
}
