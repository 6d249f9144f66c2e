package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/felixge/fgprof"
	"github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"

	"github.com/xregistry/ociwrap/cmd/ociwrap/cli/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var (
	serveAddr  string
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the xRegistry API",
	Long: `Serve starts the HTTP server exposing the configured registries as a
read-only xRegistry.

Backends come from the config file, or from the OCIWRAP_BACKENDS
environment variable as a JSON array. With neither set, Docker Hub is
served anonymously.

Examples:
  ociwrap serve
  ociwrap serve --addr :9090
  OCIWRAP_BACKENDS='[{"name":"ghcr","registryUrl":"https://ghcr.io"}]' ociwrap serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, then :8080)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Expose pprof and fgprof endpoints under /debug/")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = serveAddr
	}

	srv, err := newServer(cfg)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)

	if cfg.Profiling.PyroscopeAddress != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "ociwrap",
			ServerAddress:   cfg.Profiling.PyroscopeAddress,
			Logger:          nil, // silence the profiler's own logging
		})
		if err != nil {
			logger.Warn("pyroscope disabled", "error", err)
		} else {
			defer func() { _ = profiler.Stop() }()
			logger.Info("streaming profiles", "address", cfg.Profiling.PyroscopeAddress)
		}
	}

	handler := http.Handler(srv)
	if serveDebug {
		handler = withDebugRoutes(srv)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ctx, cancel := signalContext()
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving xregistry",
			"addr", cfg.Server.Addr,
			"backends", srv.BackendNames(),
			"cache", cfg.Cache.Enabled,
			"metrics", cfg.Metrics.Enabled)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// withDebugRoutes mounts pprof and fgprof endpoints in front of the API.
func withDebugRoutes(api http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/fgprof", fgprof.Handler())
	mux.Handle("/", api)
	return mux
}
