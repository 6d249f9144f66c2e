// Package httpapi serves the xRegistry HTTP surface over the configured
// backends. Handlers materialize entity documents per request, consult the
// response cache for version projections and translate failures into RFC
// 9457 problem documents.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"github.com/xregistry/ociwrap/core"
	"github.com/xregistry/ociwrap/internal/backends"
	"github.com/xregistry/ociwrap/internal/ident"
	"github.com/xregistry/ociwrap/internal/metrics"
	"github.com/xregistry/ociwrap/internal/reqflags"
	"github.com/xregistry/ociwrap/internal/respcache"
)

// Source lists and resolves upstream repositories.
type Source interface {
	Catalog(ctx context.Context, b core.Backend) ([]string, error)
	Tags(ctx context.Context, b core.Backend, repo string) ([]string, error)
}

// VersionProjector turns one upstream reference into image metadata.
type VersionProjector interface {
	Project(ctx context.Context, b core.Backend, repo, ref string) (*core.ImageMetadata, error)
}

// Config wires the handler's collaborators. Backends, Source and Projector
// are required; everything else has a working zero value.
type Config struct {
	Backends  *backends.Table
	Source    Source
	Projector VersionProjector
	Cache     *respcache.Cache
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Parser    *reqflags.Parser

	// BaseURL overrides the self-link prefix derived from the request,
	// for deployments behind a proxy.
	BaseURL string
	// DevMode includes internal error text in problem details.
	DevMode bool
	// APIKeys, when non-empty, gates the API behind bearer keys.
	APIKeys []string
}

// Handler implements the xRegistry HTTP surface.
type Handler struct {
	backends  *backends.Table
	source    Source
	projector VersionProjector
	cache     *respcache.Cache
	metrics   *metrics.Metrics
	logger    *slog.Logger
	parser    *reqflags.Parser
	baseURL   string
	devMode   bool
	apiKeys   []string
	started   time.Time
}

// New assembles the routed, instrumented and compressed handler.
func New(cfg Config) http.Handler {
	h := &Handler{
		backends:  cfg.Backends,
		source:    cfg.Source,
		projector: cfg.Projector,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		parser:    cfg.Parser,
		baseURL:   trimSlash(cfg.BaseURL),
		devMode:   cfg.DevMode,
		apiKeys:   cfg.APIKeys,
		started:   time.Now().UTC(),
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}
	if h.parser == nil {
		h.parser = reqflags.NewParser()
	}

	r := chi.NewRouter()
	r.Use(corsHeaders)
	r.Use(stripDetails)
	r.Use(h.logRequests)
	r.Use(h.observe)
	r.Use(h.recoverPanics)
	r.Use(h.requireKey)

	r.NotFound(h.notFound)
	r.MethodNotAllowed(h.methodNotAllowed)

	r.Get("/", h.getRegistry)
	r.Get("/capabilities", h.getCapabilities)
	r.Get("/model", h.getModel)
	r.Get("/healthz", h.getHealthz)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	r.Route("/"+core.GroupsType, func(r chi.Router) {
		r.Get("/", h.listGroups)
		r.Route("/{group}", func(r chi.Router) {
			r.Get("/", h.getGroup)
			r.Route("/"+core.ResourcesType, func(r chi.Router) {
				r.Get("/", h.listResources)
				r.Route("/{image}", func(r chi.Router) {
					r.Get("/", h.getResource)
					r.Get("/meta", h.getMeta)
					r.Get("/doc", h.getDoc)
					r.Get("/versions", h.listVersions)
					r.Get("/versions/{version}", h.getVersion)
				})
			})
		})
	})

	return gzhttp.GzipHandler(r)
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	h.writeProblem(w, newProblem(codeAPINotFound, http.StatusNotFound, r))
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", allowedMethods)
	h.writeProblem(w, newProblem(codeMethodNotAllowed, http.StatusMethodNotAllowed, r))
}

// flags parses the request's query flags, answering the problem itself on
// failure.
func (h *Handler) flags(w http.ResponseWriter, r *http.Request) (*reqflags.Flags, bool) {
	fl, err := h.parser.Parse(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return fl, true
}

// backend resolves the {group} path parameter to a configured backend.
func (h *Handler) backend(w http.ResponseWriter, r *http.Request) (core.Backend, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "group"))
	if err != nil {
		name = chi.URLParam(r, "group")
	}
	b, err := h.backends.Get(name)
	if err != nil {
		h.fail(w, r, err)
		return core.Backend{}, false
	}
	return b, true
}

// imageParam decodes the {image} path parameter to a repository name.
func (h *Handler) imageParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	repo, err := ident.DecodeParam(chi.URLParam(r, "image"))
	if err != nil {
		h.fail(w, r, err)
		return "", false
	}
	return repo, true
}

// catalogNames lists the backend's repositories. Denied catalogs read as
// empty so backend auth state never leaks to clients.
func (h *Handler) catalogNames(ctx context.Context, b core.Backend) ([]string, error) {
	names, err := h.source.Catalog(ctx, b)
	if err != nil {
		if errors.Is(err, core.ErrUnauthorized) || errors.Is(err, core.ErrForbidden) {
			h.logger.Warn("catalog access denied", "backend", b.Name)
			return nil, nil
		}
		return nil, err
	}
	return names, nil
}

func (h *Handler) now() time.Time { return time.Now().UTC() }

// groupSelf is the absolute URL of a backend's group entity.
func (h *Handler) groupSelf(r *http.Request, b core.Backend) string {
	return h.requestBase(r) + "/" + core.GroupsType + "/" + url.PathEscape(b.Name)
}

// resourceSelf is the absolute URL of an image's resource entity.
func (h *Handler) resourceSelf(r *http.Request, b core.Backend, repo string) string {
	return h.groupSelf(r, b) + "/" + core.ResourcesType + "/" + ident.Segment(ident.Encode(repo))
}
