// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sustainable-computing-io/corepower/config"
	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/monitor"
)

const nodeNameLabel = "node_name"

type PowerDataProvider = monitor.PowerDataProvider

// PowerCollector exports package and core power from a single snapshot per scrape
type PowerCollector struct {
	pm           PowerDataProvider
	logger       *slog.Logger
	metricsLevel config.Level

	// package
	packageJoulesDesc *prometheus.Desc
	packageWattsDesc  *prometheus.Desc

	// core
	coreJoulesDesc *prometheus.Desc
	coreWattsDesc  *prometheus.Desc

	// per core type aggregate
	typeWattsDesc *prometheus.Desc
	typeCoresDesc *prometheus.Desc

	scopeAvailableDesc *prometheus.Desc
	intervalDesc       *prometheus.Desc
}

func joulesDesc(level, nodeName string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(namespace, level, "joules_total"),
		fmt.Sprintf("Energy consumed at %s level in joules since the exporter started", level),
		labels, prometheus.Labels{nodeNameLabel: nodeName})
}

func wattsDesc(level, nodeName string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(namespace, level, "watts"),
		fmt.Sprintf("Power at %s level in watts over the last sampling interval", level),
		labels, prometheus.Labels{nodeNameLabel: nodeName})
}

// NewPowerCollector creates a collector reading a snapshot from monitor on every scrape
func NewPowerCollector(monitor PowerDataProvider, nodeName string, logger *slog.Logger, metricsLevel config.Level) *PowerCollector {
	const (
		// these labels should remain the same across all descriptors to ease querying
		pkg      = "package"
		cpu      = "cpu"
		coreID   = "core_id"
		coreType = "core_type"
		source   = "source"
	)

	return &PowerCollector{
		pm:           monitor,
		logger:       logger.With("collector", "power"),
		metricsLevel: metricsLevel,

		packageJoulesDesc: joulesDesc("package", nodeName, []string{pkg}),
		packageWattsDesc:  wattsDesc("package", nodeName, []string{pkg, source}),

		coreJoulesDesc: joulesDesc("core", nodeName, []string{cpu, coreID, pkg, coreType}),
		coreWattsDesc:  wattsDesc("core", nodeName, []string{cpu, coreID, pkg, coreType, source}),

		typeWattsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "core_type", "watts"),
			"Power of all available cores of a core type in watts",
			[]string{coreType, source}, prometheus.Labels{nodeNameLabel: nodeName}),
		typeCoresDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "core_type", "cores"),
			"Number of logical cores of a core type",
			[]string{coreType}, prometheus.Labels{nodeNameLabel: nodeName}),

		scopeAvailableDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "scope_available"),
			"1 when the scope has a power reading for the last interval, 0 otherwise",
			[]string{"scope", "id"}, prometheus.Labels{nodeNameLabel: nodeName}),
		intervalDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sample_interval_seconds"),
			"Elapsed time covered by the last snapshot",
			nil, prometheus.Labels{nodeNameLabel: nodeName}),
	}
}

// Describe implements the prometheus.Collector interface
func (c *PowerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.scopeAvailableDesc
	ch <- c.intervalDesc

	if c.metricsLevel.IsPackageEnabled() {
		ch <- c.packageJoulesDesc
		ch <- c.packageWattsDesc
	}

	if c.metricsLevel.IsCoreEnabled() {
		ch <- c.coreJoulesDesc
		ch <- c.coreWattsDesc
	}

	if c.metricsLevel.IsTypeEnabled() {
		ch <- c.typeWattsDesc
		ch <- c.typeCoresDesc
	}
}

// Collect implements the prometheus.Collector interface
func (c *PowerCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot, err := c.pm.Snapshot()
	if err != nil {
		c.logger.Debug("Collect called before monitor is ready", "error", err)
		return
	}

	started := time.Now()
	defer func() {
		c.logger.Debug("Collected power data", "duration", time.Since(started))
	}()

	ch <- prometheus.MustNewConstMetric(c.intervalDesc, prometheus.GaugeValue, snapshot.Interval.Seconds())

	c.collectAvailability(ch, snapshot)

	if c.metricsLevel.IsPackageEnabled() {
		c.collectPackageMetrics(ch, snapshot.Packages)
	}

	if c.metricsLevel.IsCoreEnabled() {
		c.collectCoreMetrics(ch, snapshot.Cores)
	}

	if c.metricsLevel.IsTypeEnabled() {
		c.collectTypeMetrics(ch, snapshot)
	}
}

func (c *PowerCollector) collectAvailability(ch chan<- prometheus.Metric, s *monitor.Snapshot) {
	for _, p := range s.Packages {
		ch <- prometheus.MustNewConstMetric(c.scopeAvailableDesc, prometheus.GaugeValue,
			boolToFloat(p.Available), device.ScopePackage.String(), strconv.Itoa(p.ID))
	}
	for _, core := range s.Cores {
		ch <- prometheus.MustNewConstMetric(c.scopeAvailableDesc, prometheus.GaugeValue,
			boolToFloat(core.Available), device.ScopeCore.String(), strconv.Itoa(core.CPU))
	}
}

// collectPackageMetrics exports joules for every package and watts only for available ones
func (c *PowerCollector) collectPackageMetrics(ch chan<- prometheus.Metric, packages []monitor.PackageReading) {
	for _, p := range packages {
		id := strconv.Itoa(p.ID)

		ch <- prometheus.MustNewConstMetric(
			c.packageJoulesDesc,
			prometheus.CounterValue,
			p.EnergyTotal.Joules(),
			id,
		)

		if !p.Available {
			continue
		}
		ch <- prometheus.MustNewConstMetric(
			c.packageWattsDesc,
			prometheus.GaugeValue,
			p.Watts.Watts(),
			id, p.Source.String(),
		)
	}
}

func (c *PowerCollector) collectCoreMetrics(ch chan<- prometheus.Metric, cores []monitor.CoreReading) {
	for _, core := range cores {
		cpu := strconv.Itoa(core.CPU)
		coreID := strconv.Itoa(core.CoreID)
		pkg := strconv.Itoa(core.Package)
		coreType := core.Type.String()

		ch <- prometheus.MustNewConstMetric(
			c.coreJoulesDesc,
			prometheus.CounterValue,
			core.EnergyTotal.Joules(),
			cpu, coreID, pkg, coreType,
		)

		if !core.Available {
			continue
		}
		ch <- prometheus.MustNewConstMetric(
			c.coreWattsDesc,
			prometheus.GaugeValue,
			core.Watts.Watts(),
			cpu, coreID, pkg, coreType, core.Source.String(),
		)
	}
}

func (c *PowerCollector) collectTypeMetrics(ch chan<- prometheus.Metric, s *monitor.Snapshot) {
	counts := s.Topology.CountByType()
	source := ""
	if len(s.Cores) > 0 {
		source = s.Cores[0].Source.String()
	}

	for typ, watts := range s.PowerByType() {
		ch <- prometheus.MustNewConstMetric(c.typeWattsDesc, prometheus.GaugeValue, watts.Watts(), typ.String(), source)
	}
	for typ, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.typeCoresDesc, prometheus.GaugeValue, float64(n), typ.String())
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
