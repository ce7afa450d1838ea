// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/shirou/gopsutil/v4/host"
	"k8s.io/utils/ptr"

	"github.com/sustainable-computing-io/corepower/config"
	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/corepower/internal/exporter/stdout"
	"github.com/sustainable-computing-io/corepower/internal/logger"
	"github.com/sustainable-computing-io/corepower/internal/mapper"
	"github.com/sustainable-computing-io/corepower/internal/monitor"
	"github.com/sustainable-computing-io/corepower/internal/server"
	"github.com/sustainable-computing-io/corepower/internal/service"
	"github.com/sustainable-computing-io/corepower/internal/version"
)

func main() {
	cfg, err := parseArgsAndConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", version.Program, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", version.Program, err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	logVersionInfo(log)
	printConfigInfo(log, cfg)
	nodeName := logHostInfo(log)

	regs, err := createRegisters(log, cfg)
	if err != nil {
		log.Error("Failed to set up register access", "error", err)
		os.Exit(1)
	}
	defer func() {
		if c, ok := regs.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Warn("Failed to close msr device", "error", err)
			}
		}
	}()

	services, err := createServices(log, cfg, regs, nodeName)
	if err != nil {
		log.Error("Failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(log, services); err != nil {
		logFatalDiagnostic(log, err)
		exit(regs, 1)
	}

	log.Info("Starting corepower")
	if err := service.Run(context.Background(), log, services); err != nil {
		log.Error("corepower terminated with an error", "error", err)
		exit(regs, 1)
	}
	log.Info("Graceful shutdown completed")
}

// exit closes the register accessor before leaving since deferred calls do not run
func exit(regs device.RegisterAccessor, code int) {
	if c, ok := regs.(io.Closer); ok {
		_ = c.Close()
	}
	os.Exit(code)
}

func parseArgsAndConfig(args []string) (*config.Config, error) {
	app := kingpin.New(version.Program, "Per core CPU power from model specific energy registers.")
	app.Version(version.Info().String())

	configFiles := app.Flag("config.file", "Path to YAML configuration file; repeat to layer files, later ones win").Strings()
	updateConfig := config.RegisterFlags(app)
	if _, err := app.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := (&config.Builder{}).MergeFile(*configFiles...).Build()
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}

	// command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logVersionInfo(log *slog.Logger) {
	v := version.Info()
	log.Info("corepower version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

// logHostInfo logs the host platform and returns the hostname used as node name
func logHostInfo(log *slog.Logger) string {
	info, err := host.Info()
	if err != nil {
		log.Warn("Failed to read host information", "error", err)
		name, _ := os.Hostname()
		return name
	}
	log.Info("Host information",
		"hostname", info.Hostname,
		"platform", info.Platform,
		"platform-version", info.PlatformVersion,
		"kernel", info.KernelVersion,
		"arch", info.KernelArch,
		"virtualization", info.VirtualizationSystem,
	)
	return info.Hostname
}

func printConfigInfo(log *slog.Logger, cfg *config.Config) {
	if !log.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

// createRegisters returns the msr device, or an emulated register bank
// shaped after the host topology when fake msr is enabled
func createRegisters(log *slog.Logger, cfg *config.Config) (device.RegisterAccessor, error) {
	if !ptr.Deref(cfg.Dev.FakeMSR.Enabled, false) {
		return device.NewMSRDevice(cfg.Host.MSR, device.WithMSRLogger(log)), nil
	}

	log.Warn("Fake msr is enabled; power readings are synthetic")
	// detection without registers falls back to the pmu list for core types
	topo, err := device.NewDetector(cfg.Host.ProcFS, cfg.Host.SysFS, device.NewFakeRegisters(), log).Detect()
	if err != nil {
		return nil, err
	}
	cpus := make([]int, 0, len(topo.Cores))
	for _, c := range topo.Cores {
		cpus = append(cpus, c.ID)
	}
	return device.NewFakeEnergyRegisters(topo.Vendor, cpus, device.WithFakeLogger(log))
}

func createServices(log *slog.Logger, cfg *config.Config, regs device.RegisterAccessor, nodeName string) ([]service.Service, error) {
	log.Debug("Creating all services")

	w := cfg.Estimation.Weights
	pm := monitor.NewPowerMonitor(regs,
		monitor.WithLogger(log),
		monitor.WithSysFSPath(cfg.Host.SysFS),
		monitor.WithProcFSPath(cfg.Host.ProcFS),
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithReadTimeout(cfg.Monitor.ReadTimeout),
		monitor.WithWorkers(cfg.Monitor.Workers),
		monitor.WithMaxSampleAge(cfg.Monitor.MaxSampleAge),
		monitor.WithWeights(mapper.Weights{
			Performance: w.Performance,
			Efficiency:  w.Efficiency,
			Uniform:     w.Uniform,
		}),
	)

	apiServer := server.NewAPIServer(
		server.WithLogger(log),
		server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
	)

	services := []service.Service{
		pm,
		apiServer,
		server.NewHealthProbeService(apiServer, pm, pm, log),
	}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		promOpts := []prometheus.OptionFn{
			prometheus.WithLogger(log),
			prometheus.WithProcFSPath(cfg.Host.ProcFS),
			prometheus.WithNodeName(nodeName),
			prometheus.WithMetricsLevel(cfg.Exporter.Prometheus.MetricsLevel),
		}
		collectors, err := prometheus.CreateCollectors(pm, promOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus collectors: %w", err)
		}
		promOpts = append(promOpts,
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
			prometheus.WithCollectors(collectors),
		)
		services = append(services, prometheus.NewExporter(pm, apiServer, promOpts...))
	}

	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		services = append(services, stdout.NewExporter(pm,
			stdout.WithLogger(log),
			stdout.WithAverage(cfg.Exporter.Stdout.Average),
		))
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer, server.WithPprofLogger(log)))
	}

	services = append(services, service.NewSignalHandler(log, syscall.SIGINT, syscall.SIGTERM))
	return services, nil
}

// logFatalDiagnostic logs a startup failure along with the likely remedy
func logFatalDiagnostic(log *slog.Logger, err error) {
	switch {
	case errors.Is(err, device.ErrNoMSRDevice):
		log.Error("No msr device found; load the msr kernel module (modprobe msr)", "error", err)
	case device.IsFatal(err):
		log.Error("Cannot read energy counters; run as root with the msr kernel module loaded (modprobe msr)",
			"error", err)
	default:
		log.Error("Initialization failed", "error", err)
	}
}
