// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/exporter-toolkit/web"

	"github.com/sustainable-computing-io/corepower/internal/service"
	"github.com/sustainable-computing-io/corepower/internal/version"
)

// DefaultListenAddress is used when no listen address is configured
const DefaultListenAddress = ":28283"

// APIService defines the interface for the HTTP server providing API endpoints
type APIService interface {
	service.Service
	Register(path, summary, description string, handler http.Handler) error
}

// APIServer serves the registered endpoints and a landing page listing them
type APIServer struct {
	logger *slog.Logger

	server    *http.Server
	mux       *http.ServeMux
	webConfig *web.FlagConfig

	mu        sync.Mutex
	endpoints []endpoint
}

type endpoint struct {
	path, summary, description string
}

var (
	_ APIService          = (*APIServer)(nil)
	_ service.Initializer = (*APIServer)(nil)
	_ service.Runner      = (*APIServer)(nil)
	_ service.Shutdowner  = (*APIServer)(nil)
)

type Opts struct {
	logger    *slog.Logger
	webConfig *web.FlagConfig
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the APIServer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListen sets the listening addresses and webconfig path for the APIServer
func WithListen(addr []string, path string) OptionFn {
	return func(o *Opts) {
		o.webConfig = &web.FlagConfig{
			WebListenAddresses: &addr,
			WebConfigFile:      &path,
		}
	}
}

func WithWebConfig(Config *web.FlagConfig) OptionFn {
	return func(o *Opts) {
		o.webConfig = Config
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	TLSconfig := ""
	return Opts{
		logger: slog.Default(),
		webConfig: &web.FlagConfig{
			WebListenAddresses: &[]string{DefaultListenAddress},
			WebConfigFile:      &TLSconfig,
		},
	}
}

// NewAPIServer creates a new HTTPAPIServer instance
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	apiServer := &APIServer{
		logger:    opts.logger.With("service", "api-server"),
		mux:       mux,
		server:    server,
		webConfig: opts.webConfig,
	}

	return apiServer
}

func (s *APIServer) Name() string {
	return "api-server"
}

func (s *APIServer) Init() error {
	s.logger.Info("Initializing API server")
	s.mux.HandleFunc("/", s.landingPage)
	return nil
}

// landingPage lists every registered endpoint
func (s *APIServer) landingPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	items := ""
	for _, e := range s.endpoints {
		items += fmt.Sprintf("\t<li> <a href=\"%s\"> %s </a> %s </li>\n",
			e.path, html.EscapeString(e.summary), html.EscapeString(e.description))
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := w.Write(fmt.Appendf(nil, `<html>
<head><title>%[1]s</title></head>
<body>
<h1>%[1]s %[2]s</h1>
<p>Per core CPU power. Available endpoints:</p>
<ul>
%[3]s</ul>
</body>
</html>`, version.Program, html.EscapeString(version.Info().Version), items))
	if err != nil {
		s.logger.Error("failed to write landing page", "error", err)
	}
}

func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Running API server", "listen", *s.webConfig.WebListenAddresses)
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(s.server, s.webConfig, s.logger)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server on context done")
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("API server returned an error", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	s.logger.Info("shutting down API server on request")

	// NOTE: ensure http server shuts down within 5 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Register adds handler at path; registering the same path twice is an error
func (s *APIServer) Register(path, summary, description string, handler http.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.endpoints {
		if e.path == path {
			return fmt.Errorf("endpoint %s already registered", path)
		}
	}
	s.logger.Debug("Endpoint Registered", "endpoint", path)
	s.mux.Handle(path, handler)
	s.endpoints = append(s.endpoints, endpoint{path: path, summary: summary, description: description})
	return nil
}
