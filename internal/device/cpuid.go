// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/procfs"
	"k8s.io/utils/cpuset"
)

// Vendor is the manufacturer of the host CPU
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
)

func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "Intel"
	case VendorAMD:
		return "AMD"
	}
	return "Unknown"
}

// CoreType is the micro-architecture class of a logical core
type CoreType int

const (
	// CoreUniform is every core of a non-hybrid CPU
	CoreUniform CoreType = iota
	CorePerformance
	CoreEfficiency
)

func (t CoreType) String() string {
	switch t {
	case CorePerformance:
		return "performance"
	case CoreEfficiency:
		return "efficiency"
	}
	return "uniform"
}

// Short returns the abbreviated label used in tables
func (t CoreType) Short() string {
	switch t {
	case CorePerformance:
		return "P-core"
	case CoreEfficiency:
		return "E-core"
	}
	return "Core"
}

const (
	vendorIDIntel = "GenuineIntel"
	vendorIDAMD   = "AuthenticAMD"

	hybridFlag = "hybrid_cpu"

	// bit 24 of MSRIntelHybridCoreReg is clear on performance cores
	hybridCoreTypeBit = 24

	// kernel PMU cpu lists of hybrid Intel parts
	hybridPerformanceCPUs = "devices/cpu_core/cpus"
	hybridEfficiencyCPUs  = "devices/cpu_atom/cpus"
)

// cpuInfoReader is the part of procfs.FS used for identification
type cpuInfoReader interface {
	CPUInfo() ([]procfs.CPUInfo, error)
}

type realCPUInfo struct {
	fs procfs.FS
}

func (r *realCPUInfo) CPUInfo() ([]procfs.CPUInfo, error) {
	return r.fs.CPUInfo()
}

// Identifier detects the CPU vendor and classifies logical cores
type Identifier struct {
	cpuInfo cpuInfoReader
	sysPath string
	regs    RegisterAccessor

	once   sync.Once
	vendor Vendor
	hybrid bool
	err    error

	pmuOnce sync.Once
	pmu     map[int]CoreType
	pmuErr  error
}

// NewIdentifier creates an Identifier reading cpuinfo from procPath and hybrid
// PMU cpu lists from sysPath
func NewIdentifier(procPath, sysPath string, regs RegisterAccessor) (*Identifier, error) {
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs %s: %w", procPath, err)
	}
	return newIdentifier(&realCPUInfo{fs: fs}, sysPath, regs), nil
}

func newIdentifier(cpuInfo cpuInfoReader, sysPath string, regs RegisterAccessor) *Identifier {
	return &Identifier{
		cpuInfo: cpuInfo,
		sysPath: sysPath,
		regs:    regs,
	}
}

func (id *Identifier) identify() error {
	id.once.Do(func() {
		infos, err := id.cpuInfo.CPUInfo()
		if err != nil {
			id.err = fmt.Errorf("failed to read cpuinfo: %w: %w", ErrDetectionFailed, err)
			return
		}
		if len(infos) == 0 {
			id.err = fmt.Errorf("cpuinfo lists no processors: %w", ErrDetectionFailed)
			return
		}

		switch strings.TrimSpace(infos[0].VendorID) {
		case vendorIDIntel:
			id.vendor = VendorIntel
		case vendorIDAMD:
			id.vendor = VendorAMD
		default:
			id.vendor = VendorUnknown
		}
		id.hybrid = id.vendor == VendorIntel && slices.Contains(infos[0].Flags, hybridFlag)
	})
	return id.err
}

// DetectVendor returns the vendor of the host CPU
func (id *Identifier) DetectVendor() (Vendor, error) {
	if err := id.identify(); err != nil {
		return VendorUnknown, err
	}
	return id.vendor, nil
}

// Hybrid reports whether the CPU mixes performance and efficiency cores
func (id *Identifier) Hybrid() (bool, error) {
	if err := id.identify(); err != nil {
		return false, err
	}
	return id.hybrid, nil
}

// ClassifyCore returns the core type of cpu. Only hybrid Intel parts have
// cores other than CoreUniform.
func (id *Identifier) ClassifyCore(cpu int) (CoreType, error) {
	if err := id.identify(); err != nil {
		return CoreUniform, err
	}
	if !id.hybrid {
		return CoreUniform, nil
	}

	raw, err := id.regs.Read(cpu, MSRIntelHybridCoreReg)
	switch {
	case err == nil:
		if raw&(1<<hybridCoreTypeBit) != 0 {
			return CoreEfficiency, nil
		}
		return CorePerformance, nil
	case errors.Is(err, ErrAccessDenied):
		return CoreUniform, err
	}

	t, pmuErr := id.pmuCoreType(cpu)
	if pmuErr != nil {
		return CoreUniform, fmt.Errorf("failed to classify cpu %d: %w: %w", cpu, ErrDetectionFailed, errors.Join(err, pmuErr))
	}
	return t, nil
}

// pmuCoreType looks cpu up in the kernel's hybrid PMU cpu lists
func (id *Identifier) pmuCoreType(cpu int) (CoreType, error) {
	id.pmuOnce.Do(func() {
		id.pmu = make(map[int]CoreType)
		for file, t := range map[string]CoreType{
			hybridPerformanceCPUs: CorePerformance,
			hybridEfficiencyCPUs:  CoreEfficiency,
		} {
			set, err := readCPUList(filepath.Join(id.sysPath, file))
			if err != nil {
				id.pmuErr = err
				return
			}
			for _, c := range set.List() {
				id.pmu[c] = t
			}
		}
	})
	if id.pmuErr != nil {
		return CoreUniform, id.pmuErr
	}

	t, ok := id.pmu[cpu]
	if !ok {
		return CoreUniform, fmt.Errorf("cpu %d not listed by any hybrid PMU", cpu)
	}
	return t, nil
}

func readCPUList(path string) (cpuset.CPUSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cpuset.CPUSet{}, err
	}
	set, err := cpuset.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return cpuset.CPUSet{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return set, nil
}
