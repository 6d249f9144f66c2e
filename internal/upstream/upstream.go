// Package upstream speaks the OCI Distribution v2 protocol to configured
// backends.
//
// Authentication follows the registry's challenge: oras' auth.Client parses
// Www-Authenticate, picks Basic or Bearer, fetches tokens from the announced
// realm with the backend's credentials, and caches them per (host, scope).
// Every request carries a 30 second timeout and the four-way Accept union so
// registries can serve Docker schema 2, Docker manifest lists, OCI manifests
// and OCI indexes alike.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/xregistry/ociwrap/core"
	"github.com/xregistry/ociwrap/internal/backends"
	"github.com/xregistry/ociwrap/internal/metrics"
)

// Docker media types that predate the OCI image spec. The OCI counterparts
// come from ocispec.
const (
	MediaTypeDockerManifest      = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList  = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerSchema1       = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeDockerSchema1Signed = "application/vnd.docker.distribution.manifest.v1+prettyjws"
)

const (
	requestTimeout = 30 * time.Second
	listPageSize   = 1000
	maxListPages   = 100
	maxBodyBytes   = 16 << 20
	userAgent      = "ociwrap"
)

var acceptManifest = strings.Join([]string{
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
}, ", ")

// Client performs raw distribution requests for all backends in the table.
// Safe for concurrent use.
type Client struct {
	httpc   *auth.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New builds a Client whose credential callback resolves against table.
func New(table *backends.Table, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	authc := &auth.Client{
		Client: &http.Client{
			Timeout:   requestTimeout,
			Transport: retry.NewTransport(http.DefaultTransport),
		},
		Cache: auth.NewCache(),
		Credential: func(_ context.Context, host string) (auth.Credential, error) {
			user, pass, ok := table.CredentialFor(host)
			if !ok {
				return auth.EmptyCredential, nil
			}
			return auth.Credential{Username: user, Password: pass.Reveal()}, nil
		},
	}
	authc.SetUserAgent(userAgent)
	return &Client{httpc: authc, logger: logger, metrics: m}
}

// ManifestResult is a fetched manifest with its negotiated identity.
type ManifestResult struct {
	Body []byte
	// Digest from the Docker-Content-Digest header, or computed from the
	// body when the upstream omits or corrupts the header.
	Digest string
	// MediaType from the response Content-Type. May be empty; the projector
	// then classifies by the body's mediaType and schemaVersion fields.
	MediaType string
}

// Ping checks the backend's distribution endpoint.
func (c *Client) Ping(ctx context.Context, b core.Backend) error {
	_, _, err := c.get(ctx, b, "/v2/", "")
	return err
}

// Manifest fetches a manifest by tag or digest.
func (c *Client) Manifest(ctx context.Context, b core.Backend, repo, ref string) (*ManifestResult, error) {
	repo = effectiveRepo(b, repo)
	ctx = auth.WithScopes(ctx, auth.ScopeRepository(repo, "pull"))

	body, header, err := c.get(ctx, b, "/v2/"+repo+"/manifests/"+ref, acceptManifest)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s/%s:%s: %w", b.Name, repo, ref, err)
	}

	dgst := header.Get("Docker-Content-Digest")
	if _, perr := digest.Parse(dgst); perr != nil {
		dgst = digest.FromBytes(body).String()
	}
	return &ManifestResult{
		Body:      body,
		Digest:    dgst,
		MediaType: header.Get("Content-Type"),
	}, nil
}

// ConfigBlob fetches the image config blob by digest.
func (c *Client) ConfigBlob(ctx context.Context, b core.Backend, repo, dgst string) ([]byte, error) {
	repo = effectiveRepo(b, repo)
	ctx = auth.WithScopes(ctx, auth.ScopeRepository(repo, "pull"))

	body, _, err := c.get(ctx, b, "/v2/"+repo+"/blobs/"+dgst, "")
	if err != nil {
		return nil, fmt.Errorf("fetch config %s/%s@%s: %w", b.Name, repo, dgst, err)
	}
	return body, nil
}

// Tags lists every tag of a repository, following upstream Link pagination.
func (c *Client) Tags(ctx context.Context, b core.Backend, repo string) ([]string, error) {
	repo = effectiveRepo(b, repo)
	ctx = auth.WithScopes(ctx, auth.ScopeRepository(repo, "pull"))

	var tags []string
	path := "/v2/" + repo + "/tags/list?n=" + strconv.Itoa(listPageSize)
	for page := 0; path != "" && page < maxListPages; page++ {
		body, header, err := c.get(ctx, b, path, "")
		if err != nil {
			return nil, fmt.Errorf("list tags %s/%s: %w", b.Name, repo, err)
		}
		var payload struct {
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("list tags %s/%s: decode: %w", b.Name, repo, err)
		}
		tags = append(tags, payload.Tags...)
		path = nextPath(b, header)
	}
	return tags, nil
}

// Catalog lists every repository of a backend, following upstream Link
// pagination. Backends with a disabled catalog yield an empty list.
func (c *Client) Catalog(ctx context.Context, b core.Backend) ([]string, error) {
	if !b.CatalogEnabled() {
		return nil, nil
	}
	ctx = auth.WithScopes(ctx, auth.ScopeRegistryCatalog)

	var repos []string
	path := b.CatalogPath + "?n=" + strconv.Itoa(listPageSize)
	for page := 0; path != "" && page < maxListPages; page++ {
		body, header, err := c.get(ctx, b, path, "")
		if err != nil {
			return nil, fmt.Errorf("list catalog %s: %w", b.Name, err)
		}
		var payload struct {
			Repositories []string `json:"repositories"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("list catalog %s: decode: %w", b.Name, err)
		}
		repos = append(repos, payload.Repositories...)
		path = nextPath(b, header)
	}
	return repos, nil
}

func (c *Client) get(ctx context.Context, b core.Backend, path, accept string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.RegistryURL+path, nil)
	if err != nil {
		return nil, nil, transportError(b.Name, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.ObserveUpstream(b.Name, http.MethodGet, 0, elapsed)
		c.logger.Debug("upstream request failed",
			"backend", b.Name, "path", path, "error", err)
		return nil, nil, transportError(b.Name, err)
	}
	defer resp.Body.Close()

	c.metrics.ObserveUpstream(b.Name, http.MethodGet, resp.StatusCode, elapsed)
	c.logger.Debug("upstream request",
		"backend", b.Name, "path", path, "status", resp.StatusCode, "duration", elapsed)

	body, err := readBody(resp.Body)
	if err != nil {
		return nil, nil, transportError(b.Name, err)
	}
	if resp.StatusCode >= 400 {
		return nil, nil, statusError(b.Name, resp.StatusCode, body)
	}
	return body, resp.Header, nil
}

func readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

// effectiveRepo maps single-segment Docker Hub names to the library
// namespace: "nginx" is stored as "library/nginx" upstream.
func effectiveRepo(b core.Backend, repo string) string {
	if b.IsDockerHub() && !strings.Contains(repo, "/") {
		return "library/" + repo
	}
	return repo
}

// nextPath extracts the rel="next" target from a Link header and reduces it
// to a path relative to the backend root. Cross-host links are ignored.
func nextPath(b core.Backend, header http.Header) string {
	for _, link := range header.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			target, params, found := strings.Cut(part, ";")
			if !found || !strings.Contains(params, `rel="next"`) {
				continue
			}
			target = strings.TrimSpace(target)
			target = strings.TrimPrefix(target, "<")
			target = strings.TrimSuffix(target, ">")
			u, err := url.Parse(target)
			if err != nil {
				return ""
			}
			if u.IsAbs() && u.Host != b.Host() {
				return ""
			}
			if !strings.HasPrefix(u.Path, "/") {
				return ""
			}
			return u.RequestURI()
		}
	}
	return ""
}
