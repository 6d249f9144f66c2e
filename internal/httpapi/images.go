package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/xregistry/ociwrap/core"
	"github.com/xregistry/ociwrap/internal/ident"
)

var resourceNameAttrs = []string{"name", "imageid"}

func (h *Handler) listResources(w http.ResponseWriter, r *http.Request) {
	fl, ok := h.flags(w, r)
	if !ok {
		return
	}
	b, ok := h.backend(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	repos, err := h.catalogNames(ctx, b)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ids := make([]string, len(repos))
	for i, repo := range repos {
		ids[i] = ident.Encode(repo)
	}

	docs := make(map[string]*core.Doc, len(ids))
	if fl.Filter != nil {
		res, err := fl.Filter.Apply(ctx, ids, resourceNameAttrs, func(fctx context.Context, id string) (*core.Doc, error) {
			doc, _, err := h.resourceDoc(fctx, r, b, ident.Decode(id))
			if err != nil {
				h.logger.Warn("resource projection failed",
					"backend", b.Name, "image", id, "error", err)
			}
			return doc, err
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		ids = res.Names
		docs = res.Docs
	}

	if fl.Sort != nil {
		fl.Sort.Order(ids, func(id string) *core.Doc {
			if d := docs[id]; d != nil {
				return d
			}
			return core.NewDoc().Set("imageid", id).Set("name", id)
		})
	}

	lo, hi := fl.Window(len(ids))
	page := ids[lo:hi]

	// Filtering only enriched candidates it had to; the rest of the page is
	// projected here.
	var missing []string
	for _, id := range page {
		if docs[id] == nil {
			missing = append(missing, id)
		}
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(materializeConcurrency)
	for _, id := range missing {
		g.Go(func() error {
			doc, _, err := h.resourceDoc(gctx, r, b, ident.Decode(id))
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				h.logger.Warn("resource projection failed",
					"backend", b.Name, "image", id, "error", err)
				return nil
			}
			mu.Lock()
			docs[id] = doc
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.fail(w, r, err)
		return
	}

	out := core.NewDoc()
	for _, id := range page {
		if doc := docs[id]; doc != nil {
			out.Set(id, doc)
		}
	}
	h.writeCollection(w, r, fl, out, len(ids), lo)
}

func (h *Handler) getResource(w http.ResponseWriter, r *http.Request) {
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
	if fl.Collections != nil && *fl.Collections {
		h.listVersions(w, r)
		return
	}
	ctx := r.Context()

	doc, tags, err := h.resourceDoc(ctx, r, b, repo)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if fl.Inline.Has("versions") {
		all, err := h.allVersions(ctx, r, b, repo, tags, core.DefaultTag(tags))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		doc.Set("versions", all)
	}
	if fl.Inline.Has("meta") {
		doc.Set("meta", h.metaDoc(r, b, repo, tags))
	}
	if fl.Doc {
		doc.Set("docs", h.resourceSelf(r, b, repo)+"/doc")
	}
	h.writeEntity(w, r, fl, classResource, doc)
}

func (h *Handler) getMeta(w http.ResponseWriter, r *http.Request) {
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
	if fl.Collections != nil && *fl.Collections {
		h.writeCollection(w, r, fl, core.NewDoc(), 0, 0)
		return
	}

	tags, err := h.source.Tags(r.Context(), b, repo)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(tags) == 0 {
		h.fail(w, r, fmt.Errorf("%w: image %q has no tags", core.ErrNotFound, repo))
		return
	}
	h.writeEntity(w, r, fl, classMeta, h.metaDoc(r, b, repo, tags))
}

// getDoc renders a human-readable Markdown summary of the image's default
// version. It sidesteps the JSON negotiation and flag pipeline entirely.
func (h *Handler) getDoc(w http.ResponseWriter, r *http.Request) {
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
	if len(tags) == 0 {
		h.fail(w, r, fmt.Errorf("%w: image %q has no tags", core.ErrNotFound, repo))
		return
	}
	def := core.DefaultTag(tags)
	doc, err := h.versionDoc(ctx, r, b, repo, def, def)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write(renderDoc(b, repo, def, tags, doc))
}

// resourceDoc builds the resource entity: resource-level identity plus the
// default version's payload. The fetched tag list is returned for reuse.
func (h *Handler) resourceDoc(ctx context.Context, r *http.Request, b core.Backend, repo string) (*core.Doc, []string, error) {
	tags, err := h.source.Tags(ctx, b, repo)
	if err != nil {
		return nil, nil, err
	}
	if len(tags) == 0 {
		return nil, nil, fmt.Errorf("%w: image %q has no tags", core.ErrNotFound, repo)
	}
	def := core.DefaultTag(tags)
	vdoc, err := h.versionDoc(ctx, r, b, repo, def, def)
	if err != nil {
		return nil, nil, err
	}

	id := ident.Encode(repo)
	self := h.resourceSelf(r, b, repo)
	doc := core.NewDoc().
		Set("imageid", id).
		Set("versionid", def).
		Set("isdefault", true).
		Set("self", self).
		Set("xid", "/"+core.GroupsType+"/"+b.Name+"/"+core.ResourcesType+"/"+id).
		Set("epoch", core.DefaultEpoch).
		Set("name", id)
	copyAttr(doc, vdoc, "description")
	doc.Set("readonly", true)
	copyAttr(doc, vdoc, "createdat")
	copyAttr(doc, vdoc, "modifiedat")
	copyAttr(doc, vdoc, "metadata")
	copyAttr(doc, vdoc, "layers")
	copyAttr(doc, vdoc, "build_history")
	copyAttr(doc, vdoc, "urls")
	doc.Set("metaurl", self+"/meta").
		Set("versionsurl", self+"/versions").
		Set("versionscount", len(tags))
	copyAttr(doc, vdoc, "detail")
	return doc, tags, nil
}

// metaDoc builds the meta sub-entity. It needs only the tag list, so its
// timestamps are the request time rather than the default version's.
func (h *Handler) metaDoc(r *http.Request, b core.Backend, repo string, tags []string) *core.Doc {
	id := ident.Encode(repo)
	self := h.resourceSelf(r, b, repo)
	def := core.DefaultTag(tags)
	stamp := core.FormatTime(h.now())
	return core.NewDoc().
		Set("imageid", id).
		Set("self", self+"/meta").
		Set("xid", "/"+core.GroupsType+"/"+b.Name+"/"+core.ResourcesType+"/"+id+"/meta").
		Set("epoch", core.DefaultEpoch).
		Set("readonly", true).
		Set("createdat", stamp).
		Set("modifiedat", stamp).
		Set("defaultversionid", def).
		Set("defaultversionurl", self+"/versions/"+ident.Segment(def)).
		Set("defaultversionsticky", false)
}

func copyAttr(dst, src *core.Doc, key string) {
	if v, ok := src.Get(key); ok {
		dst.Set(key, v)
	}
}

func renderDoc(b core.Backend, repo, def string, tags []string, vdoc *core.Doc) []byte {
	var md strings.Builder
	fmt.Fprintf(&md, "# %s\n\n", repo)
	if desc, ok := vdoc.Lookup("description"); ok {
		fmt.Fprintf(&md, "%s\n\n", asText(desc))
	}
	fmt.Fprintf(&md, "**Registry:** `%s`  \n**Default tag:** `%s`\n\n", b.Host(), def)
	fmt.Fprintf(&md, "## Pull\n\n```\ndocker pull %s\n```\n\n", pullRef(b, repo, def))

	fmt.Fprintf(&md, "## Tags (%d)\n\n", len(tags))
	for _, tag := range tags {
		if tag == def {
			fmt.Fprintf(&md, "- `%s` (default)\n", tag)
		} else {
			fmt.Fprintf(&md, "- `%s`\n", tag)
		}
	}
	md.WriteString("\n")

	if layers, ok := vdoc.Get("layers"); ok {
		if arr, ok := layers.([]any); ok && len(arr) > 0 {
			var total uint64
			var sized int
			for _, l := range arr {
				if n, ok := layerSize(l); ok {
					total += n
					sized++
				}
			}
			if sized == len(arr) {
				fmt.Fprintf(&md, "## Layers (%d, %s)\n\n", len(arr), humanize.Bytes(total))
			} else {
				fmt.Fprintf(&md, "## Layers (%d)\n\n", len(arr))
			}
			md.WriteString("| # | Digest | Size |\n|---|--------|------|\n")
			for i, l := range arr {
				digest := "unknown"
				size := "unknown"
				if ld, ok := l.(*core.Doc); ok {
					if d, ok := ld.Get("digest"); ok {
						digest = asText(d)
					}
					if n, ok := layerSize(l); ok {
						size = humanize.Bytes(n)
					}
				}
				fmt.Fprintf(&md, "| %d | `%s` | %s |\n", i+1, digest, size)
			}
			md.WriteString("\n")
		}
	}
	return []byte(md.String())
}

func layerSize(layer any) (uint64, bool) {
	ld, ok := layer.(*core.Doc)
	if !ok {
		return 0, false
	}
	v, ok := ld.Get("size")
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, false
		}
		return uint64(i), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}

func asText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
