// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"runtime"

	"github.com/sustainable-computing-io/corepower/internal/service"
)

const pprofPrefix = "/debug/pprof/"

// runtimeProfiles are served by name under pprofPrefix
var runtimeProfiles = []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"}

// PprofService mounts the runtime profiling endpoints on the API server
type PprofService struct {
	api    APIService
	logger *slog.Logger

	blockRate     int
	mutexFraction int
}

var (
	_ service.Service     = (*PprofService)(nil)
	_ service.Initializer = (*PprofService)(nil)
)

// PprofOptionFn configures a PprofService
type PprofOptionFn func(*PprofService)

// WithPprofLogger sets the logger of the pprof service
func WithPprofLogger(l *slog.Logger) PprofOptionFn {
	return func(p *PprofService) {
		p.logger = l.With("service", "pprof")
	}
}

// WithContentionProfiling turns on block and mutex sampling at Init; both
// profiles are empty otherwise
func WithContentionProfiling(blockRate, mutexFraction int) PprofOptionFn {
	return func(p *PprofService) {
		p.blockRate = blockRate
		p.mutexFraction = mutexFraction
	}
}

func NewPprof(api APIService, opts ...PprofOptionFn) *PprofService {
	p := &PprofService{
		api:    api,
		logger: slog.Default().With("service", "pprof"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PprofService) Name() string {
	return "pprof"
}

func (p *PprofService) Init() error {
	if p.blockRate > 0 {
		runtime.SetBlockProfileRate(p.blockRate)
	}
	if p.mutexFraction > 0 {
		runtime.SetMutexProfileFraction(p.mutexFraction)
	}
	p.logger.Info("Profiling endpoints enabled", "path", pprofPrefix,
		"block-rate", p.blockRate, "mutex-fraction", p.mutexFraction)
	return p.api.Register(pprofPrefix, "pprof", "Profiling Data", handlers())
}

func handlers() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(pprofPrefix, pprof.Index)
	mux.HandleFunc(pprofPrefix+"cmdline", pprof.Cmdline)
	mux.HandleFunc(pprofPrefix+"profile", pprof.Profile)
	mux.HandleFunc(pprofPrefix+"symbol", pprof.Symbol)
	mux.HandleFunc(pprofPrefix+"trace", pprof.Trace)
	for _, name := range runtimeProfiles {
		mux.Handle(pprofPrefix+name, pprof.Handler(name))
	}
	return mux
}
