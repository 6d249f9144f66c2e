package ociwrap

import "log/slog"

// Option configures a Server.
type Option func(*Server) error

// WithBackends sets the upstream registries to project. Backends are
// served in the order given; names must be unique. Without this option
// the server projects Docker Hub only.
func WithBackends(backends []Backend) Option {
	return func(s *Server) error {
		s.backendList = backends
		return nil
	}
}

// WithBackendsJSON supplies a JSON backend list, typically taken from
// the OCIWRAP_BACKENDS environment variable. When non-empty it replaces
// the list given with WithBackends.
func WithBackendsJSON(jsonList string) Option {
	return func(s *Server) error {
		s.backendJSON = jsonList
		return nil
	}
}

// WithCacheDir enables the on-disk response cache rooted at dir. The
// directory is created if missing. Without a cache every request projects
// its documents from the upstream.
func WithCacheDir(dir string) Option {
	return func(s *Server) error {
		s.cacheDir = dir
		return nil
	}
}

// WithMetrics exposes Prometheus metrics on /metrics and instruments the
// upstream client and the response cache.
func WithMetrics(enabled bool) Option {
	return func(s *Server) error {
		s.metricsEnabled = enabled
		return nil
	}
}

// WithAPIKeys gates the served API behind bearer keys. The liveness
// endpoint stays open. An empty list leaves the API anonymous.
func WithAPIKeys(keys []string) Option {
	return func(s *Server) error {
		s.apiKeys = keys
		return nil
	}
}

// WithBaseURL overrides the absolute URL prefix used in self links, for
// deployments behind a reverse proxy.
func WithBaseURL(base string) Option {
	return func(s *Server) error {
		s.baseURL = base
		return nil
	}
}

// WithDevMode includes internal error text in problem documents. Leave
// off in production; details can reference upstream hosts and paths.
func WithDevMode(enabled bool) Option {
	return func(s *Server) error {
		s.devMode = enabled
		return nil
	}
}

// WithLogger sets a logger for the server. By default, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}
