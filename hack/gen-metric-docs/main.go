// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/corepower/internal/monitor"
	"github.com/sustainable-computing-io/corepower/internal/version"
)

// MetricInfo describes one exported metric family
type MetricInfo struct {
	Name        string
	Type        string
	Description string
	Labels      []string
	ConstLabels []string
}

// docMonitor satisfies the collectors without any power data
type docMonitor struct{}

func (docMonitor) DataChannel() <-chan struct{} { return nil }

func (docMonitor) Snapshot() (*monitor.Snapshot, error) {
	return nil, fmt.Errorf("no power data available yet")
}

func (docMonitor) Topology() *device.Topology { return nil }

var (
	fqNameRegex      = regexp.MustCompile(`fqName: "([^"]+)"`)
	helpRegex        = regexp.MustCompile(`help: "([^"]+)"`)
	varLabelsRegex   = regexp.MustCompile(`variableLabels: \{([^}]*)\}`)
	constLabelsRegex = regexp.MustCompile(`constLabels: \{([^}]*)\}`)
	labelPairRegex   = regexp.MustCompile(`(\w+)="[^"]*"`)
)

// extractMetricsInfo parses the descriptors a collector announces
func extractMetricsInfo(c prom.Collector) ([]MetricInfo, error) {
	ch := make(chan *prom.Desc, 64)
	go func() {
		c.Describe(ch)
		close(ch)
	}()

	var metrics []MetricInfo
	for desc := range ch {
		s := desc.String()
		name := fqNameRegex.FindStringSubmatch(s)
		help := helpRegex.FindStringSubmatch(s)
		if name == nil || help == nil {
			return nil, fmt.Errorf("unparsable descriptor: %s", s)
		}

		info := MetricInfo{
			Name:        name[1],
			Type:        "GAUGE",
			Description: help[1],
		}
		if strings.HasSuffix(info.Name, "_total") {
			info.Type = "COUNTER"
		}
		if m := varLabelsRegex.FindStringSubmatch(s); m != nil && m[1] != "" {
			for _, l := range strings.Split(m[1], ",") {
				info.Labels = append(info.Labels, strings.TrimSpace(l))
			}
		}
		if m := constLabelsRegex.FindStringSubmatch(s); m != nil {
			for _, pair := range labelPairRegex.FindAllStringSubmatch(m[1], -1) {
				info.ConstLabels = append(info.ConstLabels, pair[1])
			}
			sort.Strings(info.ConstLabels)
		}
		metrics = append(metrics, info)
	}
	return metrics, nil
}

type section struct {
	title, prefix, intro string
}

var sections = []section{
	{"Package Metrics", version.Program + "_package_", "Measured energy and power of each cpu package."},
	{"Core Metrics", version.Program + "_core_", "Energy and power of each logical cpu and totals per core type. " +
		"The `source` label tells measured readings from estimated ones."},
	{"Node Metrics", version.Program + "_node_", "Static information about the host and its cpus."},
	{"Other Metrics", "", "Availability and build information."},
}

// generateMarkdown renders the metrics reference
func generateMarkdown(metrics []MetricInfo) string {
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Name < metrics[j].Name
	})

	var md strings.Builder
	fmt.Fprintf(&md, "# %s Metrics\n\n", version.Program)
	md.WriteString("Package and per core CPU power, exported in Prometheus format.\n\n")
	md.WriteString("- **COUNTER**: A cumulative metric that only increases over time\n")
	md.WriteString("- **GAUGE**: A metric that can increase and decrease\n\n")

	placed := make(map[string]bool, len(metrics))
	for _, sec := range sections {
		var group []MetricInfo
		for _, m := range metrics {
			if !placed[m.Name] && strings.HasPrefix(m.Name, sec.prefix) {
				group = append(group, m)
				placed[m.Name] = true
			}
		}
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&md, "## %s\n\n%s\n\n", sec.title, sec.intro)
		writeMetricsSection(&md, group)
	}

	md.WriteString("---\n\nGenerated by gen-metric-docs.\n")
	return md.String()
}

func writeMetricsSection(md *strings.Builder, metrics []MetricInfo) {
	for _, m := range metrics {
		fmt.Fprintf(md, "### %s\n\n", m.Name)
		fmt.Fprintf(md, "- **Type**: %s\n", m.Type)
		fmt.Fprintf(md, "- **Description**: %s\n", m.Description)
		writeLabels(md, "Labels", m.Labels)
		writeLabels(md, "Constant Labels", m.ConstLabels)
		md.WriteString("\n")
	}
}

func writeLabels(md *strings.Builder, title string, labels []string) {
	if len(labels) == 0 {
		return
	}
	fmt.Fprintf(md, "- **%s**:\n", title)
	for _, l := range labels {
		fmt.Fprintf(md, "  - `%s`\n", l)
	}
}

func collectMetrics(procfs string) ([]MetricInfo, error) {
	collectors, err := prometheus.CreateCollectors(docMonitor{},
		prometheus.WithProcFSPath(procfs),
		prometheus.WithNodeName("node"),
	)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(collectors))
	for name := range collectors {
		names = append(names, name)
	}
	sort.Strings(names)

	var all []MetricInfo
	for _, name := range names {
		metrics, err := extractMetricsInfo(collectors[name])
		if err != nil {
			return nil, fmt.Errorf("collector %s: %w", name, err)
		}
		all = append(all, metrics...)
	}
	return all, nil
}

func main() {
	app := kingpin.New("gen-metric-docs", "Generates the metrics reference of "+version.Program)
	output := app.Flag("output", "Path to output Markdown file").Default("docs/metrics.md").String()
	procfs := app.Flag("procfs", "procfs mount point used by the cpu_info collector").Default("/proc").ExistingDir()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	metrics, err := collectMetrics(*procfs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to collect metrics: %v\n", err)
		os.Exit(1)
	}

	if dir := filepath.Dir(*output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create output directory: %v\n", err)
			os.Exit(1)
		}
	}
	if err := os.WriteFile(*output, []byte(generateMarkdown(metrics)), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", *output, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %d metrics to %s\n", len(metrics), *output)
}
