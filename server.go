package ociwrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/xregistry/ociwrap/internal/backends"
	"github.com/xregistry/ociwrap/internal/httpapi"
	"github.com/xregistry/ociwrap/internal/metrics"
	"github.com/xregistry/ociwrap/internal/projector"
	"github.com/xregistry/ociwrap/internal/respcache"
	"github.com/xregistry/ociwrap/internal/upstream"
)

// Server is the xRegistry projection of the configured backends. It
// implements http.Handler and is safe for concurrent use.
type Server struct {
	handler  http.Handler
	table    *backends.Table
	upstream *upstream.Client
	cache    *respcache.Cache
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// configuration applied before wiring
	backendList    []Backend
	backendJSON    string
	cacheDir       string
	metricsEnabled bool
	apiKeys        []string
	baseURL        string
	devMode        bool
}

// New creates a server for the configured backends.
//
// Without options the server projects Docker Hub anonymously, keeps no
// response cache and logs nothing.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		logger: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	table, err := backends.New(s.backendList, s.backendJSON)
	if err != nil {
		return nil, fmt.Errorf("configure backends: %w", err)
	}
	s.table = table

	if s.metricsEnabled {
		s.metrics = metrics.New()
	}

	if s.cacheDir != "" {
		c, err := respcache.New(s.cacheDir, s.logger, s.metrics)
		if err != nil {
			return nil, fmt.Errorf("create cache: %w", err)
		}
		s.cache = c
	}

	s.upstream = upstream.New(table, s.logger, s.metrics)

	s.handler = httpapi.New(httpapi.Config{
		Backends:  table,
		Source:    s.upstream,
		Projector: projector.New(s.upstream, s.logger),
		Cache:     s.cache,
		Metrics:   s.metrics,
		Logger:    s.logger,
		BaseURL:   s.baseURL,
		DevMode:   s.devMode,
		APIKeys:   s.apiKeys,
	})

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// BackendNames returns the configured backend names in serve order.
func (s *Server) BackendNames() []string {
	return s.table.Names()
}

// Backends returns the resolved backend configurations in serve order.
// Passwords stay wrapped in Secret and render redacted.
func (s *Server) Backends() []Backend {
	return s.table.All()
}

// CheckBackend probes one backend's distribution endpoint. It reports
// ErrBackendUnknown for names not configured and the upstream failure
// otherwise.
func (s *Server) CheckBackend(ctx context.Context, name string) error {
	b, err := s.table.Get(name)
	if err != nil {
		return err
	}
	return s.upstream.Ping(ctx, b)
}

// PurgeCache drops every cached response document. A server without a
// cache purges nothing.
func (s *Server) PurgeCache() error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Purge()
}
