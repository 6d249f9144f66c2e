package httpapi

import (
	"context"
	"net/http"

	"github.com/xregistry/ociwrap/core"
)

var groupNameAttrs = []string{"name", "containerregistryid"}

func (h *Handler) getRegistry(w http.ResponseWriter, r *http.Request) {
	fl, ok := h.flags(w, r)
	if !ok {
		return
	}
	if err := fl.CheckEpoch(core.DefaultEpoch); err != nil {
		h.fail(w, r, err)
		return
	}
	if fl.Collections != nil && *fl.Collections {
		h.listGroups(w, r)
		return
	}

	doc := h.registryDoc(r)
	if fl.Inline.Has("model") {
		doc.Set("model", modelDoc)
	}
	h.writeEntity(w, r, fl, classRegistry, doc)
}

func (h *Handler) registryDoc(r *http.Request) *core.Doc {
	base := h.requestBase(r)
	stamp := core.FormatTime(h.started)
	return core.NewDoc().
		Set("specversion", core.SpecVersion).
		Set("registryid", core.RegistryID).
		Set("self", base+"/").
		Set("xid", "/").
		Set("epoch", core.DefaultEpoch).
		Set("name", core.RegistryID).
		Set("description", "Read-only xRegistry projection of OCI registries").
		Set("readonly", true).
		Set("createdat", stamp).
		Set("modifiedat", stamp).
		Set("capabilities", capabilitiesDoc()).
		Set("modelurl", base+"/model").
		Set("capabilitiesurl", base+"/capabilities").
		Set(core.GroupsType+"url", base+"/"+core.GroupsType).
		Set(core.GroupsType+"count", h.backends.Len())
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	fl, ok := h.flags(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	names := h.backends.Names()
	docs := make(map[string]*core.Doc, len(names))
	for _, n := range names {
		b, err := h.backends.Get(n)
		if err != nil {
			continue
		}
		docs[n] = h.groupDoc(ctx, r, b)
	}

	if fl.Filter != nil {
		if !fl.Filter.HasNameClause(groupNameAttrs...) {
			h.writeCollection(w, r, fl, core.NewDoc(), 0, 0)
			return
		}
		kept := names[:0:0]
		for _, n := range names {
			if fl.Filter.Match(docs[n]) {
				kept = append(kept, n)
			}
		}
		names = kept
	}
	if fl.Sort != nil {
		fl.Sort.Order(names, func(n string) *core.Doc { return docs[n] })
	}

	lo, hi := fl.Window(len(names))
	page := core.NewDoc()
	for _, n := range names[lo:hi] {
		page.Set(n, docs[n])
	}
	h.writeCollection(w, r, fl, page, len(names), lo)
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
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
	if fl.Collections != nil && *fl.Collections {
		h.listResources(w, r)
		return
	}

	doc := h.groupDoc(r.Context(), r, b)
	h.writeEntity(w, r, fl, classGroup, doc)
}

// groupDoc builds the group entity for one backend. The image count comes
// from a live catalog listing; denied catalogs count zero and other catalog
// failures omit the count rather than failing the group.
func (h *Handler) groupDoc(ctx context.Context, r *http.Request, b core.Backend) *core.Doc {
	self := h.groupSelf(r, b)
	stamp := core.FormatTime(h.started)
	doc := core.NewDoc().
		Set("containerregistryid", b.Name).
		Set("self", self).
		Set("xid", "/"+core.GroupsType+"/"+b.Name).
		Set("epoch", core.DefaultEpoch).
		Set("name", b.Name).
		Set("description", "Images projected from "+b.Host()).
		Set("readonly", true).
		Set("createdat", stamp).
		Set("modifiedat", stamp).
		Set(core.ResourcesType+"url", self+"/"+core.ResourcesType)

	names, err := h.catalogNames(ctx, b)
	if err != nil {
		h.logger.Warn("catalog listing failed", "backend", b.Name, "error", err)
	} else {
		doc.Set(core.ResourcesType+"count", len(names))
	}
	return doc
}
