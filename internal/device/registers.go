// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import "fmt"

// Model specific register addresses used for energy measurement
const (
	// Intel RAPL
	MSRIntelPowerUnit     uint32 = 0x606 // MSR_RAPL_POWER_UNIT
	MSRIntelPkgEnergy     uint32 = 0x611 // MSR_PKG_ENERGY_STATUS
	MSRIntelHybridCoreReg uint32 = 0x19A // per-core type, bit 24 set on efficiency cores

	// AMD RAPL (family 17h and later)
	MSRAMDPowerUnit  uint32 = 0xC0010299 // MSR_AMD_RAPL_POWER_UNIT
	MSRAMDCoreEnergy uint32 = 0xC001029A // MSR_AMD_CORE_ENERGY_STATUS
	MSRAMDPkgEnergy  uint32 = 0xC001029B // MSR_AMD_PKG_ENERGY_STATUS

	// EnergyCounterWidth is the number of significant bits in the energy status registers
	EnergyCounterWidth uint = 32
)

// Registers is the set of energy registers available for a vendor.
// CoreEnergy is zero when the vendor has no per-core counter.
type Registers struct {
	PowerUnit     uint32
	PackageEnergy uint32
	CoreEnergy    uint32
	Width         uint
}

// HasCoreEnergy reports whether per-core energy can be measured directly
func (r Registers) HasCoreEnergy() bool {
	return r.CoreEnergy != 0
}

// RegistersFor returns the energy registers for the given vendor
func RegistersFor(v Vendor) (Registers, error) {
	switch v {
	case VendorIntel:
		return Registers{
			PowerUnit:     MSRIntelPowerUnit,
			PackageEnergy: MSRIntelPkgEnergy,
			Width:         EnergyCounterWidth,
		}, nil
	case VendorAMD:
		return Registers{
			PowerUnit:     MSRAMDPowerUnit,
			PackageEnergy: MSRAMDPkgEnergy,
			CoreEnergy:    MSRAMDCoreEnergy,
			Width:         EnergyCounterWidth,
		}, nil
	}
	return Registers{}, fmt.Errorf("no energy registers for vendor %q: %w", v, ErrDetectionFailed)
}
