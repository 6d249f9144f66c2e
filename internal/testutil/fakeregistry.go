// Package testutil provides test doubles shared across the test suites.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ReceivedRequest records one request the fake registry served.
type ReceivedRequest struct {
	Path          string
	Accept        string
	Authorization string
}

// FakeRegistry is an in-memory OCI Distribution v2 endpoint for tests. It
// serves the version check, catalog, tags, manifests and blobs, and can be
// switched into bearer-token or Basic auth mode.
type FakeRegistry struct {
	srv *httptest.Server

	mu            sync.Mutex
	repoOrder     []string
	manifests     map[string]map[string]storedManifest // repo → ref → manifest
	blobs         map[string]map[string][]byte         // repo → digest → blob
	tagOrder      map[string][]string
	requests      []ReceivedRequest
	token         string
	basicUser     string
	basicPass     string
	catalogStatus int
	catalogPage   int
	noDigestHdr   bool
}

type storedManifest struct {
	mediaType string
	body      []byte
	digest    string
}

// NewFakeRegistry starts a fake registry and closes it with the test.
func NewFakeRegistry(t *testing.T) *FakeRegistry {
	t.Helper()
	f := &FakeRegistry{
		manifests: make(map[string]map[string]storedManifest),
		blobs:     make(map[string]map[string][]byte),
		tagOrder:  make(map[string][]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

// URL returns the base URL of the fake registry.
func (f *FakeRegistry) URL() string { return f.srv.URL }

// RequireToken switches every /v2/ path into bearer-token mode. Tokens are
// issued by the fake's own /token endpoint.
func (f *FakeRegistry) RequireToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

// RequireBasic switches every /v2/ path into Basic auth mode. When combined
// with RequireToken, the token endpoint demands these credentials instead.
func (f *FakeRegistry) RequireBasic(user, pass string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.basicUser, f.basicPass = user, pass
}

// FailCatalog forces the catalog endpoint to answer with status.
func (f *FakeRegistry) FailCatalog(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalogStatus = status
}

// PaginateCatalog serves the catalog in pages of n with Link headers.
func (f *FakeRegistry) PaginateCatalog(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalogPage = n
}

// OmitDigestHeader drops Docker-Content-Digest from manifest responses.
func (f *FakeRegistry) OmitDigestHeader() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noDigestHdr = true
}

// AddRepo registers empty repositories so they appear in the catalog.
func (f *FakeRegistry) AddRepo(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range names {
		f.ensureRepoLocked(name)
	}
}

func (f *FakeRegistry) ensureRepoLocked(repo string) {
	if _, ok := f.manifests[repo]; ok {
		return
	}
	f.manifests[repo] = make(map[string]storedManifest)
	f.blobs[repo] = make(map[string][]byte)
	f.repoOrder = append(f.repoOrder, repo)
}

// AddManifest stores a manifest under ref and under its own digest, so
// follow-up fetches by digest resolve too. Returns the manifest digest.
func (f *FakeRegistry) AddManifest(repo, ref, mediaType string, body []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureRepoLocked(repo)
	dgst := digest.FromBytes(body).String()
	m := storedManifest{mediaType: mediaType, body: body, digest: dgst}
	if _, tagged := f.manifests[repo][ref]; !tagged && !strings.Contains(ref, ":") {
		f.tagOrder[repo] = append(f.tagOrder[repo], ref)
	}
	f.manifests[repo][ref] = m
	f.manifests[repo][dgst] = m
	return dgst
}

// AddBlob stores a blob and returns its digest.
func (f *FakeRegistry) AddBlob(repo string, body []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureRepoLocked(repo)
	dgst := digest.FromBytes(body).String()
	f.blobs[repo][dgst] = body
	return dgst
}

// SeedImage registers a config blob and a single-platform OCI manifest for
// repo:tag. Layer sizes become opaque layer blobs of the declared size.
// Returns the manifest digest.
func (f *FakeRegistry) SeedImage(t *testing.T, repo, tag string, cfg ocispec.Image, layerSizes ...int64) string {
	t.Helper()
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	cfgDigest := f.AddBlob(repo, cfgJSON)

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.Digest(cfgDigest),
			Size:      int64(len(cfgJSON)),
		},
	}
	manifest.SchemaVersion = 2
	for i, size := range layerSizes {
		layer := []byte(fmt.Sprintf("layer-%s-%s-%d", repo, tag, i))
		f.AddBlob(repo, layer)
		manifest.Layers = append(manifest.Layers, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    digest.FromBytes(layer),
			Size:      size,
		})
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return f.AddManifest(repo, tag, ocispec.MediaTypeImageManifest, body)
}

// SeedIndex registers an OCI index for repo:tag over the given platform
// descriptors. Sub-manifests must be added separately (by digest).
func (f *FakeRegistry) SeedIndex(t *testing.T, repo, tag string, entries []ocispec.Descriptor) string {
	t.Helper()
	idx := ocispec.Index{
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: entries,
	}
	idx.SchemaVersion = 2
	body, err := json.Marshal(idx)
	if err != nil {
		t.Fatalf("marshal index: %v", err)
	}
	return f.AddManifest(repo, tag, ocispec.MediaTypeImageIndex, body)
}

// Requests returns a copy of the request log.
func (f *FakeRegistry) Requests() []ReceivedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ReceivedRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *FakeRegistry) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, ReceivedRequest{
		Path:          r.URL.RequestURI(),
		Accept:        r.Header.Get("Accept"),
		Authorization: r.Header.Get("Authorization"),
	})

	if r.URL.Path == "/token" {
		f.serveToken(w, r)
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/v2/") {
		http.NotFound(w, r)
		return
	}
	if !f.authorized(w, r) {
		return
	}

	switch {
	case r.URL.Path == "/v2/":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/v2/_catalog":
		f.serveCatalog(w, r)
	case strings.HasSuffix(r.URL.Path, "/tags/list"):
		repo := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v2/"), "/tags/list")
		f.serveTags(w, repo)
	case strings.Contains(r.URL.Path, "/manifests/"):
		repo, ref, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/v2/"), "/manifests/")
		f.serveManifest(w, repo, ref)
	case strings.Contains(r.URL.Path, "/blobs/"):
		repo, dgst, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/v2/"), "/blobs/")
		f.serveBlob(w, repo, dgst)
	default:
		ociError(w, http.StatusNotFound, "NAME_UNKNOWN", "unknown endpoint")
	}
}

func (f *FakeRegistry) serveToken(w http.ResponseWriter, r *http.Request) {
	if f.basicUser != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != f.basicUser || pass != f.basicPass {
			ociError(w, http.StatusUnauthorized, "UNAUTHORIZED", "bad token service credentials")
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": f.token})
}

func (f *FakeRegistry) authorized(w http.ResponseWriter, r *http.Request) bool {
	switch {
	case f.token != "":
		if r.Header.Get("Authorization") == "Bearer "+f.token {
			return true
		}
		w.Header().Set("Www-Authenticate",
			fmt.Sprintf(`Bearer realm=%q,service="fake-registry"`, f.srv.URL+"/token"))
		ociError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return false
	case f.basicUser != "":
		user, pass, ok := r.BasicAuth()
		if ok && user == f.basicUser && pass == f.basicPass {
			return true
		}
		w.Header().Set("Www-Authenticate", `Basic realm="fake-registry"`)
		ociError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return false
	default:
		return true
	}
}

func (f *FakeRegistry) serveCatalog(w http.ResponseWriter, r *http.Request) {
	if f.catalogStatus != 0 {
		ociError(w, f.catalogStatus, "DENIED", "catalog access denied")
		return
	}
	repos := f.repoOrder
	if f.catalogPage > 0 {
		start := 0
		if last := r.URL.Query().Get("last"); last != "" {
			for i, name := range repos {
				if name == last {
					start = i + 1
					break
				}
			}
		}
		end := start + f.catalogPage
		if end > len(repos) {
			end = len(repos)
		}
		page := repos[start:end]
		if end < len(repos) {
			w.Header().Set("Link", fmt.Sprintf(`</v2/_catalog?last=%s&n=%d>; rel="next"`,
				page[len(page)-1], f.catalogPage))
		}
		repos = page
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]string{"repositories": repos})
}

func (f *FakeRegistry) serveTags(w http.ResponseWriter, repo string) {
	if _, ok := f.manifests[repo]; !ok {
		ociError(w, http.StatusNotFound, "NAME_UNKNOWN", "repository name not known to registry")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"name": repo, "tags": f.tagOrder[repo]})
}

func (f *FakeRegistry) serveManifest(w http.ResponseWriter, repo, ref string) {
	m, ok := f.manifests[repo][ref]
	if !ok {
		ociError(w, http.StatusNotFound, "MANIFEST_UNKNOWN", "manifest unknown")
		return
	}
	w.Header().Set("Content-Type", m.mediaType)
	if !f.noDigestHdr {
		w.Header().Set("Docker-Content-Digest", m.digest)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(m.body)))
	_, _ = w.Write(m.body)
}

func (f *FakeRegistry) serveBlob(w http.ResponseWriter, repo, dgst string) {
	b, ok := f.blobs[repo][dgst]
	if !ok {
		ociError(w, http.StatusNotFound, "BLOB_UNKNOWN", "blob unknown to registry")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(b)
}

func ociError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"errors": []map[string]string{{"code": code, "message": message}},
	})
}
