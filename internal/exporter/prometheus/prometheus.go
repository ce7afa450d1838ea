// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sustainable-computing-io/corepower/config"
	"github.com/sustainable-computing-io/corepower/internal/exporter/prometheus/collector"
	"github.com/sustainable-computing-io/corepower/internal/monitor"
	"github.com/sustainable-computing-io/corepower/internal/service"
)

// Monitor provides snapshots and the detected topology
type Monitor interface {
	monitor.PowerDataProvider
	collector.TopologyProvider
}

// APIRegistry is where the exporter mounts /metrics
type APIRegistry interface {
	Register(path, summary, description string, handler http.Handler) error
}

// debugCollectors are the runtime collectors that can be enabled by name
var debugCollectors = map[string]func() prom.Collector{
	"go": func() prom.Collector { return collectors.NewGoCollector() },
	"process": func() prom.Collector {
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})
	},
	"build": func() prom.Collector { return collectors.NewBuildInfoCollector() },
}

type Opts struct {
	logger          *slog.Logger
	debugCollectors []string
	collectors      map[string]prom.Collector
	procfs          string
	nodeName        string
	metricsLevel    config.Level
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:          slog.Default(),
		debugCollectors: []string{"go"},
		collectors:      map[string]prom.Collector{},
		procfs:          "/proc",
		metricsLevel:    config.MetricsLevelAll,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger of the exporter and its collectors
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDebugCollectors replaces the enabled debug collectors; duplicates are ignored
func WithDebugCollectors(names []string) OptionFn {
	return func(o *Opts) {
		o.debugCollectors = nil
		for _, name := range names {
			if !slices.Contains(o.debugCollectors, name) {
				o.debugCollectors = append(o.debugCollectors, name)
			}
		}
	}
}

// WithProcFSPath sets the procfs mount point read by the cpu_info collector
func WithProcFSPath(procfs string) OptionFn {
	return func(o *Opts) {
		o.procfs = procfs
	}
}

// WithCollectors sets the domain collectors registered at Init
func WithCollectors(c map[string]prom.Collector) OptionFn {
	return func(o *Opts) {
		o.collectors = c
	}
}

// WithNodeName sets the node_name label of the power metrics
func WithNodeName(nodeName string) OptionFn {
	return func(o *Opts) {
		o.nodeName = nodeName
	}
}

// WithMetricsLevel selects the power metric families
func WithMetricsLevel(level config.Level) OptionFn {
	return func(o *Opts) {
		o.metricsLevel = level
	}
}

// Exporter serves the registered collectors on /metrics
type Exporter struct {
	logger          *slog.Logger
	monitor         Monitor
	registry        *prom.Registry
	server          APIRegistry
	metricsLevel    config.Level
	debugCollectors []string
	collectors      map[string]prom.Collector
}

var (
	_ service.Service     = (*Exporter)(nil)
	_ service.Initializer = (*Exporter)(nil)
)

// NewExporter creates an exporter for pm mounted on s
func NewExporter(pm Monitor, s APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		monitor:         pm,
		server:          s,
		logger:          opts.logger.With("service", "prometheus"),
		debugCollectors: opts.debugCollectors,
		collectors:      opts.collectors,
		metricsLevel:    opts.metricsLevel,
		registry:        prom.NewRegistry(),
	}
}

func collectorForName(name string) (prom.Collector, error) {
	newCollector, ok := debugCollectors[name]
	if !ok {
		return nil, fmt.Errorf("unknown collector: %s", name)
	}
	return newCollector(), nil
}

// CreateCollectors returns the power, build_info, node_info and cpu_info collectors
func CreateCollectors(pm Monitor, applyOpts ...OptionFn) (map[string]prom.Collector, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	cpuInfo, err := collector.NewCPUInfoCollector(opts.procfs, pm)
	if err != nil {
		return nil, err
	}
	return map[string]prom.Collector{
		"power":      collector.NewPowerCollector(pm, opts.nodeName, opts.logger, opts.metricsLevel),
		"build_info": collector.NewBuildInfoCollector(),
		"node_info":  collector.NewNodeInfoCollector(opts.logger),
		"cpu_info":   cpuInfo,
	}, nil
}

// Init registers every collector and mounts the handler. Nothing is mounted
// when a collector fails to register.
func (e *Exporter) Init() error {
	e.logger.Info("Initializing Prometheus exporter", "metrics", e.metricsLevel.String())

	for _, name := range e.debugCollectors {
		c, err := collectorForName(name)
		if err != nil {
			e.logger.Error("Error creating collector", "collector", name, "error", err)
			return err
		}
		if err := e.registry.Register(c); err != nil {
			return fmt.Errorf("failed to register debug collector %s: %w", name, err)
		}
		e.logger.Info("Enabling debug collector", "collector", name)
	}

	names := make([]string, 0, len(e.collectors))
	for name := range e.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.registry.Register(e.collectors[name]); err != nil {
			return fmt.Errorf("failed to register collector %s: %w", name, err)
		}
		e.logger.Info("Enabling collector", "collector", name)
	}

	handler := promhttp.InstrumentMetricHandler(e.registry, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          slog.NewLogLogger(e.logger.Handler(), slog.LevelError),
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	return e.server.Register("/metrics", "Metrics", "Prometheus metrics", handler)
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "prometheus"
}
