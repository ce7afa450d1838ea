// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"strconv"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/sustainable-computing-io/corepower/internal/device"
)

// TopologyProvider returns the detected topology, or nil before detection
type TopologyProvider interface {
	Topology() *device.Topology
}

// cpuInfoCollector exports one series per processor in /proc/cpuinfo,
// labeled with the core type from the detected topology
type cpuInfoCollector struct {
	sync.Mutex

	fs   procFS
	topo TopologyProvider
	desc *prom.Desc
}

// NewCPUInfoCollector creates a cpuInfoCollector using a procfs mount path.
// topo may be nil, in which case every core_type is "unknown".
func NewCPUInfoCollector(procPath string, topo TopologyProvider) (*cpuInfoCollector, error) {
	fs, err := newProcFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("creating procfs failed: %w", err)
	}
	return newCPUInfoCollectorWithFS(fs, topo), nil
}

func newCPUInfoCollectorWithFS(fs procFS, topo TopologyProvider) *cpuInfoCollector {
	return &cpuInfoCollector{
		fs:   fs,
		topo: topo,
		desc: prom.NewDesc(
			prom.BuildFQName(namespace, "node", "cpu_info"),
			"CPU information from procfs",
			[]string{"processor", "vendor_id", "model_name", "physical_id", "core_id", "core_type"},
			nil,
		),
	}
}

func (c *cpuInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *cpuInfoCollector) Collect(ch chan<- prom.Metric) {
	c.Lock()
	defer c.Unlock()

	cpuInfos, err := c.fs.CPUInfo()
	if err != nil {
		return
	}

	var topo *device.Topology
	if c.topo != nil {
		topo = c.topo.Topology()
	}

	for _, ci := range cpuInfos {
		coreType := "unknown"
		if topo != nil {
			if core, ok := topo.Core(int(ci.Processor)); ok {
				coreType = core.Type.String()
			}
		}
		ch <- prom.MustNewConstMetric(
			c.desc,
			prom.GaugeValue,
			1,
			strconv.FormatUint(uint64(ci.Processor), 10),
			ci.VendorID,
			ci.ModelName,
			ci.PhysicalID,
			ci.CoreID,
			coreType,
		)
	}
}
