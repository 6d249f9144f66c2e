package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/xregistry/ociwrap/core"
	"github.com/xregistry/ociwrap/internal/ident"
	"github.com/xregistry/ociwrap/internal/respcache"
)

// materializeConcurrency bounds parallel projections when a whole page or
// tag list is built in one request.
const materializeConcurrency = 5

var versionNameAttrs = []string{"name", "versionid"}

func (h *Handler) listVersions(w http.ResponseWriter, r *http.Request) {
	fl, ok := h.flags(w, r)
	if !ok {
		return
	}
	b, ok := h.backend(w, r)
	if !ok {
		return
	}
	repo, ok := h.imageParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	tags, err := h.source.Tags(ctx, b, repo)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	def := core.DefaultTag(tags)

	if fl.Filter == nil {
		all, err := h.allVersions(ctx, r, b, repo, tags, def)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		names := all.Keys()
		if fl.Sort != nil {
			fl.Sort.Order(names, func(n string) *core.Doc { return docValue(all, n) })
		}
		lo, hi := fl.Window(len(names))
		page := core.NewDoc()
		for _, n := range names[lo:hi] {
			if d := docValue(all, n); d != nil {
				page.Set(n, d)
			}
		}
		h.writeCollection(w, r, fl, page, len(names), lo)
		return
	}

	res, err := fl.Filter.Apply(ctx, tags, versionNameAttrs, func(fctx context.Context, tag string) (*core.Doc, error) {
		doc, err := h.versionDoc(fctx, r, b, repo, tag, def)
		if err != nil {
			h.logger.Warn("version projection failed",
				"backend", b.Name, "image", repo, "version", tag, "error", err)
		}
		return doc, err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if fl.Sort != nil {
		fl.Sort.Order(res.Names, func(n string) *core.Doc {
			if d := res.Docs[n]; d != nil {
				return d
			}
			return core.NewDoc().Set("versionid", n).Set("name", n)
		})
	}
	lo, hi := fl.Window(len(res.Names))
	page := core.NewDoc()
	for _, tag := range res.Names[lo:hi] {
		doc := res.Docs[tag]
		if doc == nil {
			doc, err = h.versionDoc(ctx, r, b, repo, tag, def)
			if err != nil {
				h.logger.Warn("version projection failed",
					"backend", b.Name, "image", repo, "version", tag, "error", err)
				continue
			}
		}
		page.Set(tag, doc)
	}
	h.writeCollection(w, r, fl, page, len(res.Names), lo)
}

func (h *Handler) getVersion(w http.ResponseWriter, r *http.Request) {
	fl, ok := h.flags(w, r)
	if !ok {
		return
	}
	if err := fl.CheckEpoch(core.DefaultEpoch); err != nil {
		h.fail(w, r, err)
		return
	}
	b, ok := h.backend(w, r)
	if !ok {
		return
	}
	repo, ok := h.imageParam(w, r)
	if !ok {
		return
	}
	ref, err := ident.DecodeVersion(chi.URLParam(r, "version"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := r.Context()

	if fl.Collections != nil && *fl.Collections {
		h.writeCollection(w, r, fl, core.NewDoc(), 0, 0)
		return
	}

	tags, err := h.source.Tags(ctx, b, repo)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	doc, err := h.versionDoc(ctx, r, b, repo, ref, core.DefaultTag(tags))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if fl.Doc {
		doc.Set("docs", h.resourceSelf(r, b, repo)+"/doc")
	}
	h.writeEntity(w, r, fl, classVersion, doc)
}

// allVersions materializes the full version collection, consulting and
// refreshing the collection cache entry.
func (h *Handler) allVersions(ctx context.Context, r *http.Request, b core.Backend, repo string, tags []string, def string) (*core.Doc, error) {
	if doc, ok := h.cache.Read(b.Name, repo, respcache.AllVersions); ok {
		return doc, nil
	}

	docs := make(map[string]*core.Doc, len(tags))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(materializeConcurrency)
	for _, tag := range tags {
		g.Go(func() error {
			doc, err := h.versionDoc(gctx, r, b, repo, tag, def)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				h.logger.Warn("version projection failed",
					"backend", b.Name, "image", repo, "version", tag, "error", err)
				return nil
			}
			mu.Lock()
			docs[tag] = doc
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := core.NewDoc()
	complete := true
	for _, tag := range tags {
		doc := docs[tag]
		if doc == nil {
			complete = false
			continue
		}
		if doc.Has("detail") {
			complete = false
		}
		all.Set(tag, doc)
	}
	// A collection missing failed or degraded members would otherwise pin
	// the gap until the next purge.
	if complete {
		h.cache.Write(b.Name, repo, respcache.AllVersions, all)
	}
	return all, nil
}

// versionDoc builds the document for one version, reading through the
// response cache. ref may be a tag or a digest.
func (h *Handler) versionDoc(ctx context.Context, r *http.Request, b core.Backend, repo, ref, def string) (*core.Doc, error) {
	if doc, ok := h.cache.Read(b.Name, repo, ref); ok {
		return doc, nil
	}

	md, err := h.projector.Project(ctx, b, repo, ref)
	if err != nil {
		return nil, err
	}
	doc := h.buildVersionDoc(r, b, repo, ref, def, md)
	// Degraded projections stay out of the cache so they heal on retry.
	if md.Partial == "" {
		h.cache.Write(b.Name, repo, ref, doc)
	}
	return doc, nil
}

func (h *Handler) buildVersionDoc(r *http.Request, b core.Backend, repo, ref, def string, md *core.ImageMetadata) *core.Doc {
	self := h.resourceSelf(r, b, repo) + "/versions/" + ident.Segment(ref)
	xid := "/" + core.GroupsType + "/" + b.Name + "/" + core.ResourcesType + "/" + ident.Encode(repo) + "/versions/" + ref

	created := core.FormatTime(h.now())
	if md.Created != nil {
		created = core.FormatTime(*md.Created)
	}

	doc := core.NewDoc().
		Set("versionid", ref).
		Set("name", ref).
		Set("isdefault", ref == def).
		Set("self", self).
		Set("xid", xid).
		Set("epoch", core.DefaultEpoch)
	if md.Description != "" {
		doc.Set("description", md.Description)
	}
	doc.Set("readonly", true).
		Set("createdat", created).
		Set("modifiedat", created).
		Set("metadata", versionMetadata(md))

	layers := make([]*core.Doc, 0, len(md.Layers))
	for _, l := range md.Layers {
		ld := core.NewDoc().Set("digest", l.Digest)
		if l.Size > 0 {
			ld.Set("size", l.Size)
		}
		if l.MediaType != "" {
			ld.Set("mediaType", l.MediaType)
		}
		layers = append(layers, ld)
	}
	doc.Set("layers", layers)

	if len(md.BuildHistory) > 0 {
		steps := make([]*core.Doc, 0, len(md.BuildHistory))
		for _, s := range md.BuildHistory {
			sd := core.NewDoc().
				Set("step", s.Step).
				Set("created_by", s.CreatedBy)
			if s.Created != nil {
				sd.Set("created", core.FormatTime(*s.Created))
			}
			if s.EmptyLayer {
				sd.Set("empty_layer", true)
			}
			if s.Comment != "" {
				sd.Set("comment", s.Comment)
			}
			steps = append(steps, sd)
		}
		doc.Set("build_history", steps)
	}

	doc.Set("urls", core.NewDoc().
		Set("pull", pullRef(b, repo, ref)).
		Set("manifest", b.RegistryURL+"/v2/"+repo+"/manifests/"+ref))

	if md.Partial != "" {
		doc.Set("detail", "degraded projection: "+md.Partial)
	}
	return doc
}

// versionMetadata assembles the nested metadata object, omitting fields the
// projection could not establish.
func versionMetadata(md *core.ImageMetadata) *core.Doc {
	m := core.NewDoc().
		Set("digest", md.Digest).
		Set("manifest_mediatype", md.MediaType).
		Set("schema_version", md.SchemaVersion)
	if md.Architecture != "" {
		m.Set("architecture", md.Architecture)
	}
	if md.OS != "" {
		m.Set("os", md.OS)
	}
	if md.SizeBytes != nil {
		m.Set("size_bytes", *md.SizeBytes)
	}
	m.Set("layers_count", len(md.Layers))
	if md.IsMultiPlatform {
		m.Set("is_multi_platform", true)
		platforms := make([]*core.Doc, 0, len(md.AvailablePlatforms))
		for _, p := range md.AvailablePlatforms {
			pd := core.NewDoc().
				Set("architecture", p.Architecture).
				Set("os", p.OS)
			if p.Variant != "" {
				pd.Set("variant", p.Variant)
			}
			pd.Set("digest", p.Digest)
			if p.Size > 0 {
				pd.Set("size", p.Size)
			}
			if p.MediaType != "" {
				pd.Set("mediaType", p.MediaType)
			}
			platforms = append(platforms, pd)
		}
		m.Set("available_platforms", platforms)
	}
	if len(md.OCILabels) > 0 {
		m.Set("oci_labels", md.OCILabels)
	}
	if len(md.Env) > 0 {
		m.Set("environment", md.Env)
	}
	if len(md.Entrypoint) > 0 {
		m.Set("entrypoint", md.Entrypoint)
	}
	if len(md.Cmd) > 0 {
		m.Set("cmd", md.Cmd)
	}
	if md.User != "" {
		m.Set("user", md.User)
	}
	if md.WorkingDir != "" {
		m.Set("working_dir", md.WorkingDir)
	}
	if len(md.ExposedPorts) > 0 {
		m.Set("exposed_ports", md.ExposedPorts)
	}
	if len(md.Volumes) > 0 {
		m.Set("volumes", md.Volumes)
	}
	return m
}

// pullRef renders the reference a client would pass to a container runtime.
func pullRef(b core.Backend, repo, ref string) string {
	host := b.Host()
	if b.IsDockerHub() {
		host = "docker.io"
	}
	if strings.Contains(ref, ":") {
		return host + "/" + repo + "@" + ref
	}
	return host + "/" + repo + ":" + ref
}

// docValue reads a nested document out of a collection document.
func docValue(collection *core.Doc, key string) *core.Doc {
	v, ok := collection.Get(key)
	if !ok {
		return nil
	}
	d, ok := v.(*core.Doc)
	if !ok {
		return nil
	}
	return d
}
