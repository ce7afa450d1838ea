// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/host"
)

const hostInfoTimeout = 2 * time.Second

type hostInfoFn func(ctx context.Context) (*host.InfoStat, error)

// nodeInfoCollector exports a constant 1 labeled with host operating system details.
// Host details do not change while running, so they are read once.
type nodeInfoCollector struct {
	logger *slog.Logger
	read   hostInfoFn

	once sync.Once
	info *host.InfoStat
	desc *prom.Desc
}

// NewNodeInfoCollector creates a collector reading host details through gopsutil
func NewNodeInfoCollector(logger *slog.Logger) *nodeInfoCollector {
	return newNodeInfoCollector(logger, host.InfoWithContext)
}

func newNodeInfoCollector(logger *slog.Logger, read hostInfoFn) *nodeInfoCollector {
	return &nodeInfoCollector{
		logger: logger.With("collector", "node_info"),
		read:   read,
		desc: prom.NewDesc(
			prom.BuildFQName(namespace, "node", "info"),
			"A metric with a constant '1' value labeled with host information",
			[]string{"hostname", "os", "platform", "platform_version", "kernel_version", "kernel_arch", "virtualization"},
			nil,
		),
	}
}

func (c *nodeInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *nodeInfoCollector) Collect(ch chan<- prom.Metric) {
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), hostInfoTimeout)
		defer cancel()

		info, err := c.read(ctx)
		if err != nil {
			c.logger.Warn("Failed to read host info", "error", err)
			// a partially filled InfoStat is still worth exporting
		}
		c.info = info
	})

	if c.info == nil {
		return
	}
	ch <- prom.MustNewConstMetric(c.desc, prom.GaugeValue, 1,
		c.info.Hostname,
		c.info.OS,
		c.info.Platform,
		c.info.PlatformVersion,
		c.info.KernelVersion,
		c.info.KernelArch,
		c.info.VirtualizationSystem,
	)
}
