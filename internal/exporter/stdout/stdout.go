// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/sustainable-computing-io/corepower/internal/device"
	"github.com/sustainable-computing-io/corepower/internal/monitor"
	"github.com/sustainable-computing-io/corepower/internal/service"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	Shutdowner  = service.Shutdowner
	Monitor     = monitor.PowerDataProvider
)

const notAvailable = "n/a"

// Exporter prints every new snapshot as tables of package and core power
type Exporter struct {
	logger  *slog.Logger
	monitor Monitor
	out     io.WriteCloser
	avg     *movingAverage
}

var (
	_ Initializer = (*Exporter)(nil)
	_ Runner      = (*Exporter)(nil)
	_ Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger  *slog.Logger
	out     io.WriteCloser
	average int
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:  slog.Default(),
		out:     os.Stdout,
		average: 1,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

// WithAverage sets how many snapshots each displayed value averages over
func WithAverage(n int) OptionFn {
	return func(o *Opts) {
		o.average = max(n, 1)
	}
}

func NewExporter(pm Monitor, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:  opts.logger.With("service", "stdout"),
		monitor: pm,
		out:     opts.out,
		avg:     newMovingAverage(opts.average),
	}
}

func (e *Exporter) Init() error {
	e.logger.Info("Initializing stdout exporter", "average", e.avg.size)
	return nil
}

// Run renders a table each time the monitor publishes a snapshot
func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case <-e.monitor.DataChannel():
			snapshot, err := e.monitor.Snapshot()
			if err != nil {
				e.logger.Warn("Failed to read power data", "error", err)
				continue
			}
			e.avg.add(snapshot)
			write(e.out, snapshot, e.avg)

		case <-ctx.Done():
			e.logger.Info("Exiting stdout exporter")
			return nil
		}
	}
}

func write(out io.Writer, s *monitor.Snapshot, avg *movingAverage) {
	_, _ = fmt.Fprintf(out, "\n%s  vendor: %s  mapper: %s  interval: %.3fs  averaged over: %d\n",
		s.Timestamp.Format("15:04:05.000"), s.Vendor, s.Mapper, s.Interval.Seconds(), avg.len())

	writePackages(out, s, avg)
	writeCores(out, s, avg)
	if s.Topology != nil && s.Topology.Hybrid() {
		writeTypeTotals(out, s, avg)
	}
	if missing := s.MissingCores(); len(missing) > 0 {
		_, _ = fmt.Fprintf(out, "cores without a reading: %v\n", missing)
	}
}

func newTable(out io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header(header)
	return table
}

func writePackages(out io.Writer, s *monitor.Snapshot, avg *movingAverage) {
	rows := make([][]string, 0, len(s.Packages))
	for _, p := range s.Packages {
		rows = append(rows, []string{
			strconv.Itoa(p.ID),
			wattsCell(avg.power(device.PackageScope(p.ID))),
			p.EnergyTotal.String(),
			sourceCell(p.Available, p.Source.String(), p.Reason),
		})
	}
	table := newTable(out, []string{"Package", "Power(W)", "Absolute(J)", "Source"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writeCores(out io.Writer, s *monitor.Snapshot, avg *movingAverage) {
	rows := make([][]string, 0, len(s.Cores))
	for _, c := range s.Cores {
		rows = append(rows, []string{
			strconv.Itoa(c.CPU),
			strconv.Itoa(c.CoreID),
			strconv.Itoa(c.Package),
			c.Type.Short(),
			wattsCell(avg.power(device.CoreScope(c.CPU))),
			c.EnergyTotal.String(),
			sourceCell(c.Available, c.Source.String(), c.Reason),
		})
	}
	table := newTable(out, []string{"CPU", "Core", "Package", "Type", "Power(W)", "Absolute(J)", "Source"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writeTypeTotals(out io.Writer, s *monitor.Snapshot, avg *movingAverage) {
	counts := s.Topology.CountByType()
	rows := [][]string{}
	for _, typ := range []device.CoreType{device.CorePerformance, device.CoreEfficiency, device.CoreUniform} {
		n, ok := counts[typ]
		if !ok {
			continue
		}
		rows = append(rows, []string{typ.Short(), strconv.Itoa(n), wattsCell(avg.typePower(typ))})
	}
	table := newTable(out, []string{"Type", "Cores", "Power(W)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func wattsCell(p device.Power, ok bool) string {
	if !ok {
		return notAvailable
	}
	return fmt.Sprintf("%.2f", p.Watts())
}

func sourceCell(available bool, source, reason string) string {
	if available {
		return source
	}
	return notAvailable + ": " + reason
}

func (e *Exporter) Shutdown() error {
	if e.out == os.Stdout {
		return nil
	}
	return e.out.Close()
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}
