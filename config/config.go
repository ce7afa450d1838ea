// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		SysFS  string `yaml:"sysfs"`
		ProcFS string `yaml:"procfs"`
		MSR    string `yaml:"msr"` // msr device path template, %d is the cpu id
	}

	Monitor struct {
		Interval     time.Duration `yaml:"interval"`     // sampling interval
		ReadTimeout  time.Duration `yaml:"readTimeout"`  // deadline of a single register read
		Workers      int           `yaml:"workers"`      // concurrent reads per interval; 0 = unbounded
		MaxSampleAge time.Duration `yaml:"maxSampleAge"` // previous samples older than this are not used
	}

	// Weights scale utilization per core type when package power is split
	Weights struct {
		Performance float64 `yaml:"performance"`
		Efficiency  float64 `yaml:"efficiency"`
		Uniform     float64 `yaml:"uniform"`
	}

	Estimation struct {
		Weights Weights `yaml:"weights"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakeMSR struct {
			Enabled *bool `yaml:"enabled"`
		} `yaml:"fake-msr"`
	}
	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	// Exporter configuration
	StdoutExporter struct {
		Enabled *bool `yaml:"enabled"`
		Average int   `yaml:"average"` // readings averaged per displayed value
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
		MetricsLevel    Level    `yaml:"metricsLevel"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	// Debug configuration
	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Config struct {
		Log        Log        `yaml:"log"`
		Host       Host       `yaml:"host"`
		Monitor    Monitor    `yaml:"monitor"`
		Estimation Estimation `yaml:"estimation"`
		Exporter   Exporter   `yaml:"exporter"`
		Web        Web        `yaml:"web"`
		Debug      Debug      `yaml:"debug"`
		Dev        Dev        `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

// MetricsLevelValue is a custom kingpin.Value that parses metrics levels directly into Level
type MetricsLevelValue struct {
	level *Level
	set   bool
}

// NewMetricsLevelValue creates a new MetricsLevelValue with the given target
func NewMetricsLevelValue(target *Level) *MetricsLevelValue {
	return &MetricsLevelValue{level: target}
}

// Set implements kingpin.Value interface - parses and accumulates metrics levels
func (m *MetricsLevelValue) Set(value string) error {
	level, err := ParseLevel([]string{value})
	if err != nil {
		return err
	}

	// the first explicit value replaces the default
	if !m.set {
		*m.level = 0
		m.set = true
	}
	*m.level |= level
	return nil
}

// String implements kingpin.Value interface
func (m *MetricsLevelValue) String() string {
	return m.level.String()
}

// IsCumulative implements kingpin.Value interface to support multiple values
func (m *MetricsLevelValue) IsCumulative() bool {
	return true
}

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag  = "host.sysfs"
	HostProcFSFlag = "host.procfs"
	HostMSRFlag    = "host.msr"

	MonitorIntervalFlag    = "monitor.interval"
	MonitorReadTimeoutFlag = "monitor.read-timeout"
	MonitorWorkersFlag     = "monitor.workers"
	MonitorMaxSampleAge    = "monitor.max-sample-age" // not a flag

	EstimationPerformanceWeightFlag = "estimation.performance-weight"
	EstimationEfficiencyWeightFlag  = "estimation.efficiency-weight"
	EstimationUniformWeight         = "estimation.uniform-weight" // not a flag

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag = "exporter.stdout"
	ExporterStdoutAverageFlag = "exporter.stdout.average"

	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"
	ExporterPrometheusMetricsFlag     = "metrics"

	// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

// DebugCollectors are the runtime collectors the prometheus exporter can enable
var DebugCollectors = []string{"go", "process", "build"}

// DefaultMSRPath is the msr device path template of the Linux msr driver
const DefaultMSRPath = "/dev/cpu/%d/msr"

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS:  "/sys",
			ProcFS: "/proc",
			MSR:    DefaultMSRPath,
		},
		Monitor: Monitor{
			Interval:     time.Second,
			ReadTimeout:  250 * time.Millisecond,
			Workers:      0,
			MaxSampleAge: time.Minute,
		},
		Estimation: Estimation{
			Weights: Weights{Performance: 3.0, Efficiency: 1.0, Uniform: 2.0},
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled: ptr.To(false),
				Average: 10,
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
				MetricsLevel:    MetricsLevelAll,
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{":28283"},
		},
	}

	cfg.Dev.FakeMSR.Enabled = ptr.To(false)
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (cfg *Config, errRet error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil && errRet == nil {
			errRet = err
		}
	}()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	// host
	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()
	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").ExistingDir()
	hostMSR := app.Flag(HostMSRFlag, "msr device path template; %d is replaced by the cpu id").Default(DefaultMSRPath).String()

	// monitor
	monitorInterval := app.Flag(MonitorIntervalFlag, "Sampling interval").Default("1s").Duration()
	monitorReadTimeout := app.Flag(MonitorReadTimeoutFlag,
		"Deadline of a single energy counter read; slower reads are reported as missing").Default("250ms").Duration()
	monitorWorkers := app.Flag(MonitorWorkersFlag, "Concurrent counter reads per interval; 0 for one per counter").Default("0").Int()

	// estimation
	performanceWeight := app.Flag(EstimationPerformanceWeightFlag,
		"Utilization weight of performance cores when estimating per core power").Default("3.0").Float64()
	efficiencyWeight := app.Flag(EstimationEfficiencyWeightFlag,
		"Utilization weight of efficiency cores when estimating per core power").Default("1.0").Float64()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(":28283").Strings()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool()
	stdoutAverage := app.Flag(ExporterStdoutAverageFlag, "Number of readings averaged by the stdout exporter").Default("10").Int()

	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()

	metricsLevel := MetricsLevelAll
	app.Flag(ExporterPrometheusMetricsFlag, "Metrics levels to export (package,core,type)").SetValue(NewMetricsLevelValue(&metricsLevel))

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}
		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}
		if flagsSet[HostMSRFlag] {
			cfg.Host.MSR = *hostMSR
		}

		if flagsSet[MonitorIntervalFlag] {
			cfg.Monitor.Interval = *monitorInterval
		}
		if flagsSet[MonitorReadTimeoutFlag] {
			cfg.Monitor.ReadTimeout = *monitorReadTimeout
		}
		if flagsSet[MonitorWorkersFlag] {
			cfg.Monitor.Workers = *monitorWorkers
		}

		if flagsSet[EstimationPerformanceWeightFlag] {
			cfg.Estimation.Weights.Performance = *performanceWeight
		}
		if flagsSet[EstimationEfficiencyWeightFlag] {
			cfg.Estimation.Weights.Efficiency = *efficiencyWeight
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}
		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}
		if flagsSet[ExporterStdoutAverageFlag] {
			cfg.Exporter.Stdout.Average = *stdoutAverage
		}
		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}
		if flagsSet[ExporterPrometheusMetricsFlag] {
			cfg.Exporter.Prometheus.MetricsLevel = metricsLevel
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Host.MSR = strings.TrimSpace(c.Host.MSR)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}
	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}

	{ // host settings
		if _, skip := validationSkipped[SkipHostValidation]; !skip {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid sysfs path: %s: %s ", c.Host.SysFS, err.Error()))
			}
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s ", c.Host.ProcFS, err.Error()))
			}
		}
		if strings.Count(c.Host.MSR, "%d") != 1 {
			errs = append(errs, fmt.Sprintf("invalid msr path %q: must contain exactly one %%d", c.Host.MSR))
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if addr == "" {
				errs = append(errs, "web listen address cannot be empty")
				continue
			}
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}
	{ // Monitor
		if c.Monitor.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor interval: %s must be positive", c.Monitor.Interval))
		}
		if c.Monitor.ReadTimeout <= 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor read timeout: %s must be positive", c.Monitor.ReadTimeout))
		} else if c.Monitor.Interval > 0 && c.Monitor.ReadTimeout >= c.Monitor.Interval {
			errs = append(errs, fmt.Sprintf("invalid monitor read timeout: %s must be shorter than the interval %s",
				c.Monitor.ReadTimeout, c.Monitor.Interval))
		}
		if c.Monitor.Workers < 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor workers: %d can't be negative", c.Monitor.Workers))
		}
		if c.Monitor.MaxSampleAge < c.Monitor.Interval {
			errs = append(errs, fmt.Sprintf("invalid monitor max sample age: %s is shorter than the interval %s",
				c.Monitor.MaxSampleAge, c.Monitor.Interval))
		}
	}
	{ // Estimation weights
		for name, w := range map[string]float64{
			"performance": c.Estimation.Weights.Performance,
			"efficiency":  c.Estimation.Weights.Efficiency,
			"uniform":     c.Estimation.Weights.Uniform,
		} {
			if w <= 0 || math.IsInf(w, 0) || math.IsNaN(w) {
				errs = append(errs, fmt.Sprintf("invalid %s weight: %v must be a positive number", name, w))
			}
		}
	}
	{ // Exporters
		if c.Exporter.Stdout.Average < 1 {
			errs = append(errs, fmt.Sprintf("invalid stdout average: %d must be at least 1", c.Exporter.Stdout.Average))
		}
		for _, name := range c.Exporter.Prometheus.DebugCollectors {
			if !slices.Contains(DebugCollectors, name) {
				errs = append(errs, fmt.Sprintf("invalid debug collector %q: must be one of %s",
					name, strings.Join(DebugCollectors, ", ")))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	// host can be empty for listening on all interfaces
	return validatePort(port)
}

func validatePort(port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE: yaml marshal should not fail; fall back to a flat listing
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostSysFSFlag, c.Host.SysFS},
		{HostProcFSFlag, c.Host.ProcFS},
		{HostMSRFlag, c.Host.MSR},
		{MonitorIntervalFlag, c.Monitor.Interval.String()},
		{MonitorReadTimeoutFlag, c.Monitor.ReadTimeout.String()},
		{MonitorWorkersFlag, strconv.Itoa(c.Monitor.Workers)},
		{MonitorMaxSampleAge, c.Monitor.MaxSampleAge.String()},
		{EstimationPerformanceWeightFlag, fmt.Sprintf("%v", c.Estimation.Weights.Performance)},
		{EstimationEfficiencyWeightFlag, fmt.Sprintf("%v", c.Estimation.Weights.Efficiency)},
		{EstimationUniformWeight, fmt.Sprintf("%v", c.Estimation.Weights.Uniform)},
		{ExporterStdoutEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Stdout.Enabled, false))},
		{ExporterStdoutAverageFlag, strconv.Itoa(c.Exporter.Stdout.Average)},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.Enabled, false))},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{ExporterPrometheusMetricsFlag, c.Exporter.Prometheus.MetricsLevel.String()},
		{pprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
