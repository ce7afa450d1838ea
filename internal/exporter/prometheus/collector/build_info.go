// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/sustainable-computing-io/corepower/internal/version"
)

const namespace = version.Program

// BuildInfoCollector exports a constant 1 labeled with build information
type BuildInfoCollector struct {
	desc *prom.Desc
}

// NewBuildInfoCollector creates a new collector for build information
func NewBuildInfoCollector() *BuildInfoCollector {
	return &BuildInfoCollector{
		desc: prom.NewDesc(
			prom.BuildFQName(namespace, "build", "info"),
			"A metric with a constant '1' value labeled with version information",
			[]string{"arch", "branch", "revision", "version", "goversion"},
			nil,
		),
	}
}

func (c *BuildInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *BuildInfoCollector) Collect(ch chan<- prom.Metric) {
	info := version.Info()
	ch <- prom.MustNewConstMetric(c.desc, prom.GaugeValue, 1,
		info.GoArch,
		info.GitBranch,
		info.GitCommit,
		info.Version,
		info.GoVersion,
	)
}
