// Package projector translates OCI manifests into version metadata.
//
// The manifest union (Docker schema 1, Docker schema 2, Docker manifest
// list, OCI manifest, OCI index) is discriminated by mediaType and
// schemaVersion into a dispatch table. Multi-platform manifests resolve to
// one sub-manifest (linux/amd64 preferred, first entry otherwise) whose
// config blob supplies labels, runtime settings and build history; the
// config is authoritative over the platform entry for architecture and OS.
//
// Only the initial manifest fetch is fatal. Failures of follow-up fetches
// (sub-manifest, config blob) degrade the projection: manifest-level facts
// are kept and Partial records what was lost.
package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/xregistry/ociwrap/core"
	"github.com/xregistry/ociwrap/internal/upstream"
)

// Fetcher is the slice of the upstream client the projector needs.
type Fetcher interface {
	Manifest(ctx context.Context, b core.Backend, repo, ref string) (*upstream.ManifestResult, error)
	ConfigBlob(ctx context.Context, b core.Backend, repo, digest string) ([]byte, error)
}

var _ Fetcher = (*upstream.Client)(nil)

type kind int

const (
	kindUnknown kind = iota
	kindSchema1
	kindManifest
	kindIndex
)

// maxIndexDepth bounds nested index resolution.
const maxIndexDepth = 3

type projectFn func(ctx context.Context, b core.Backend, repo, tag string, m *upstream.ManifestResult, depth int) (*core.ImageMetadata, error)

// Projector resolves (backend, repo, ref) into image metadata.
type Projector struct {
	fetcher  Fetcher
	logger   *slog.Logger
	dispatch map[kind]projectFn
}

// New builds a Projector on top of fetcher.
func New(fetcher Fetcher, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Projector{fetcher: fetcher, logger: logger}
	p.dispatch = map[kind]projectFn{
		kindSchema1:  p.projectSchema1,
		kindManifest: p.projectManifest,
		kindIndex:    p.projectIndex,
	}
	return p
}

// Project fetches the manifest for ref and classifies it into metadata.
func (p *Projector) Project(ctx context.Context, b core.Backend, repo, ref string) (*core.ImageMetadata, error) {
	m, err := p.fetcher.Manifest(ctx, b, repo, ref)
	if err != nil {
		return nil, err
	}
	return p.projectResult(ctx, b, repo, ref, m, 0)
}

func (p *Projector) projectResult(ctx context.Context, b core.Backend, repo, tag string, m *upstream.ManifestResult, depth int) (*core.ImageMetadata, error) {
	k := classify(m.MediaType, m.Body)
	fn, ok := p.dispatch[k]
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized manifest type %q for %s/%s",
			core.ErrUpstream, m.MediaType, b.Name, repo)
	}
	return fn(ctx, b, repo, tag, m, depth)
}

// classify discriminates the manifest union. The Content-Type header wins;
// registries that answer with a generic type fall back to the body's
// mediaType, then to schemaVersion plus shape.
func classify(contentType string, body []byte) kind {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if k := kindForMediaType(mt); k != kindUnknown {
			return k
		}
	}
	var probe struct {
		MediaType     string            `json:"mediaType"`
		SchemaVersion int               `json:"schemaVersion"`
		Manifests     []json.RawMessage `json:"manifests"`
		FSLayers      []json.RawMessage `json:"fsLayers"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return kindUnknown
	}
	if k := kindForMediaType(probe.MediaType); k != kindUnknown {
		return k
	}
	switch {
	case probe.SchemaVersion == 1 || len(probe.FSLayers) > 0:
		return kindSchema1
	case len(probe.Manifests) > 0:
		return kindIndex
	case probe.SchemaVersion == 2:
		return kindManifest
	default:
		return kindUnknown
	}
}

func kindForMediaType(mt string) kind {
	switch mt {
	case upstream.MediaTypeDockerSchema1, upstream.MediaTypeDockerSchema1Signed:
		return kindSchema1
	case upstream.MediaTypeDockerManifest, ocispec.MediaTypeImageManifest:
		return kindManifest
	case upstream.MediaTypeDockerManifestList, ocispec.MediaTypeImageIndex:
		return kindIndex
	default:
		return kindUnknown
	}
}

// projectIndex resolves a manifest list: record every platform, pick one
// entry, fetch it, and project it. The projected document keeps the identity
// of the tagged index, not of the sub-manifest.
func (p *Projector) projectIndex(ctx context.Context, b core.Backend, repo, tag string, m *upstream.ManifestResult, depth int) (*core.ImageMetadata, error) {
	var idx ocispec.Index
	if err := json.Unmarshal(m.Body, &idx); err != nil {
		return nil, fmt.Errorf("%w: decode index for %s/%s: %v", core.ErrUpstream, b.Name, repo, err)
	}

	base := &core.ImageMetadata{
		Digest:          m.Digest,
		MediaType:       mediaTypeOf(idx.MediaType, m.MediaType),
		SchemaVersion:   idx.SchemaVersion,
		IsMultiPlatform: true,
	}
	for _, d := range idx.Manifests {
		pi := core.PlatformInfo{
			Digest:    d.Digest.String(),
			Size:      d.Size,
			MediaType: d.MediaType,
		}
		if d.Platform != nil {
			pi.Architecture = d.Platform.Architecture
			pi.OS = d.Platform.OS
			pi.Variant = d.Platform.Variant
		}
		base.AvailablePlatforms = append(base.AvailablePlatforms, pi)
	}

	if len(idx.Manifests) == 0 {
		base.Partial = "index contains no manifests"
		finishDescription(base, tag)
		return base, nil
	}
	if depth >= maxIndexDepth {
		base.Partial = "manifest nesting too deep"
		finishDescription(base, tag)
		return base, nil
	}

	selected := selectPlatform(idx.Manifests)
	sub, err := p.fetcher.Manifest(ctx, b, repo, selected.Digest.String())
	if err != nil {
		p.logger.Warn("sub-manifest fetch degraded",
			"backend", b.Name, "repo", repo, "digest", selected.Digest.String(), "error", err)
		applyPlatform(base, selected)
		base.Partial = "platform manifest unavailable"
		finishDescription(base, tag)
		return base, nil
	}

	md, err := p.projectResult(ctx, b, repo, tag, sub, depth+1)
	if err != nil {
		applyPlatform(base, selected)
		base.Partial = "platform manifest unreadable"
		finishDescription(base, tag)
		return base, nil
	}

	// Promote the index identity over the sub-manifest's.
	md.Digest = base.Digest
	md.MediaType = base.MediaType
	md.SchemaVersion = base.SchemaVersion
	md.IsMultiPlatform = true
	md.AvailablePlatforms = base.AvailablePlatforms
	if md.Architecture == "" && selected.Platform != nil {
		md.Architecture = selected.Platform.Architecture
	}
	if md.OS == "" && selected.Platform != nil {
		md.OS = selected.Platform.OS
	}
	return md, nil
}

// selectPlatform picks linux/amd64 when present, the first entry otherwise.
func selectPlatform(entries []ocispec.Descriptor) ocispec.Descriptor {
	for _, d := range entries {
		if d.Platform != nil && d.Platform.OS == "linux" && d.Platform.Architecture == "amd64" {
			return d
		}
	}
	return entries[0]
}

func applyPlatform(md *core.ImageMetadata, d ocispec.Descriptor) {
	if d.Platform == nil {
		return
	}
	md.Architecture = d.Platform.Architecture
	md.OS = d.Platform.OS
}

// projectManifest handles Docker schema 2 and OCI image manifests.
func (p *Projector) projectManifest(ctx context.Context, b core.Backend, repo, tag string, m *upstream.ManifestResult, _ int) (*core.ImageMetadata, error) {
	var manifest ocispec.Manifest
	if err := json.Unmarshal(m.Body, &manifest); err != nil {
		return nil, fmt.Errorf("%w: decode manifest for %s/%s: %v", core.ErrUpstream, b.Name, repo, err)
	}

	md := &core.ImageMetadata{
		Digest:        m.Digest,
		MediaType:     mediaTypeOf(manifest.MediaType, m.MediaType),
		SchemaVersion: manifest.SchemaVersion,
	}
	for _, l := range manifest.Layers {
		md.Layers = append(md.Layers, core.LayerInfo{
			Digest:    l.Digest.String(),
			MediaType: l.MediaType,
			Size:      l.Size,
		})
	}
	md.SizeBytes = sumLayerSizes(md.Layers)

	if manifest.Config.Digest != "" {
		raw, err := p.fetcher.ConfigBlob(ctx, b, repo, manifest.Config.Digest.String())
		if err != nil {
			p.logger.Warn("config blob fetch degraded",
				"backend", b.Name, "repo", repo, "digest", manifest.Config.Digest.String(), "error", err)
			md.Partial = "config blob unavailable"
		} else if err := applyConfigBlob(md, raw); err != nil {
			p.logger.Warn("config blob unreadable",
				"backend", b.Name, "repo", repo, "error", err)
			md.Partial = "config blob unreadable"
		}
	}
	finishDescription(md, tag)
	return md, nil
}

// projectSchema1 handles legacy Docker schema 1 manifests, where the image
// config travels inline as history[0].v1Compatibility and layer sizes are
// unknown.
func (p *Projector) projectSchema1(_ context.Context, b core.Backend, repo, tag string, m *upstream.ManifestResult, _ int) (*core.ImageMetadata, error) {
	var manifest struct {
		SchemaVersion int    `json:"schemaVersion"`
		Architecture  string `json:"architecture"`
		FSLayers      []struct {
			BlobSum string `json:"blobSum"`
		} `json:"fsLayers"`
		History []struct {
			V1Compatibility string `json:"v1Compatibility"`
		} `json:"history"`
	}
	if err := json.Unmarshal(m.Body, &manifest); err != nil {
		return nil, fmt.Errorf("%w: decode schema1 manifest for %s/%s: %v", core.ErrUpstream, b.Name, repo, err)
	}

	md := &core.ImageMetadata{
		Digest:        m.Digest,
		MediaType:     mediaTypeOf("", m.MediaType),
		SchemaVersion: manifest.SchemaVersion,
		Architecture:  manifest.Architecture,
	}
	if md.SchemaVersion == 0 {
		md.SchemaVersion = 1
	}
	for _, l := range manifest.FSLayers {
		md.Layers = append(md.Layers, core.LayerInfo{Digest: l.BlobSum})
	}

	if len(manifest.History) > 0 {
		if err := applyV1Compatibility(md, manifest.History[0].V1Compatibility); err != nil {
			p.logger.Warn("v1Compatibility unreadable", "backend", b.Name, "repo", repo, "error", err)
			md.Partial = "legacy config unreadable"
		}
	}
	finishDescription(md, tag)
	return md, nil
}

func mediaTypeOf(fromBody, fromHeader string) string {
	if fromBody != "" {
		return fromBody
	}
	if mt, _, err := mime.ParseMediaType(fromHeader); err == nil {
		return mt
	}
	return fromHeader
}

// sumLayerSizes returns the total when every layer reports a positive size,
// nil otherwise.
func sumLayerSizes(layers []core.LayerInfo) *int64 {
	if len(layers) == 0 {
		return nil
	}
	var total int64
	for _, l := range layers {
		if l.Size <= 0 {
			return nil
		}
		total += l.Size
	}
	return &total
}
