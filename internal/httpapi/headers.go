package httpapi

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/xregistry/ociwrap/core"
	"github.com/xregistry/ociwrap/internal/reqflags"
)

// requestBase returns the absolute URL prefix for self links. A configured
// base URL wins; otherwise it is derived from the request.
func (h *Handler) requestBase(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// acceptsJSON reports whether the client can take an application/json
// body. An absent Accept header accepts everything.
func acceptsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.TrimSpace(mt) {
		case "application/json", "application/*", "*/*", "*":
			return true
		}
	}
	return false
}

func etagFor(body []byte) string {
	sum := md5.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func etagMatches(header, etag string) bool {
	for _, cand := range strings.Split(header, ",") {
		cand = strings.TrimSpace(cand)
		cand = strings.TrimPrefix(cand, "W/")
		if cand == "*" || cand == etag {
			return true
		}
	}
	return false
}

// writeEntity emits one xRegistry entity document, applying the document
// shaping flags, validating on demand and honoring conditional requests.
func (h *Handler) writeEntity(w http.ResponseWriter, r *http.Request, fl *reqflags.Flags, class entityClass, doc *core.Doc) {
	if !acceptsJSON(r) {
		h.writeProblem(w, newProblem(codeNotAcceptable, http.StatusNotAcceptable, r))
		return
	}
	if fl.Schema {
		if err := validateShape(class, doc); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	stripFlagged(doc, fl)

	body, err := json.Marshal(doc)
	if err != nil {
		h.fail(w, r, fmt.Errorf("encode response: %w", err))
		return
	}

	etag := etagFor(body)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Registry-Spec-Version", core.SpecVersion)
	w.Header().Set("X-Registry-Schema", core.SchemaName)
	w.Header().Set("X-Registry-Epoch", strconv.FormatUint(core.DefaultEpoch, 10))
	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// stripFlagged removes the top-level properties the request asked to
// suppress. collections=false drops every collection pointer attribute.
func stripFlagged(doc *core.Doc, fl *reqflags.Flags) {
	if fl.NoEpoch {
		doc.Delete("epoch")
	}
	if fl.NoReadonly {
		doc.Delete("readonly")
	}
	if fl.NoSpecVersion {
		doc.Delete("specversion")
	}
	if fl.Collections != nil && !*fl.Collections {
		for _, key := range doc.Keys() {
			if strings.HasSuffix(key, "url") {
				doc.Delete(key)
			}
		}
	}
}

// writeCollection emits a collection page as an id-keyed JSON map and, when
// paginated, the Link navigation headers.
func (h *Handler) writeCollection(w http.ResponseWriter, r *http.Request, fl *reqflags.Flags, page *core.Doc, total, offset int) {
	if !acceptsJSON(r) {
		h.writeProblem(w, newProblem(codeNotAcceptable, http.StatusNotAcceptable, r))
		return
	}
	h.linkHeaders(w, r, fl, total, offset)

	body, err := json.Marshal(page)
	if err != nil {
		h.fail(w, r, fmt.Errorf("encode response: %w", err))
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// linkHeaders adds first/prev/next/last navigation for paginated requests.
func (h *Handler) linkHeaders(w http.ResponseWriter, r *http.Request, fl *reqflags.Flags, total, offset int) {
	if fl.Limit <= 0 {
		return
	}
	limit := fl.Limit
	lastOffset := 0
	if total > 0 {
		lastOffset = (total - 1) / limit * limit
	}

	add := func(rel string, off int) {
		u := *r.URL
		q := u.Query()
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(off))
		u.RawQuery = q.Encode()
		w.Header().Add("Link", fmt.Sprintf("<%s%s>; rel=%q; count=%q; per-page=%q",
			h.requestBase(r), u.RequestURI(), rel, strconv.Itoa(total), strconv.Itoa(limit)))
	}

	add("first", 0)
	if offset > 0 {
		prev := offset - limit
		if prev < 0 {
			prev = 0
		}
		add("prev", prev)
	}
	if offset+limit < total {
		add("next", offset+limit)
	}
	add("last", lastOffset)
}

// writeJSON emits a plain JSON body for the non-entity endpoints.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	if !acceptsJSON(r) {
		h.writeProblem(w, newProblem(codeNotAcceptable, http.StatusNotAcceptable, r))
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		h.fail(w, r, fmt.Errorf("encode response: %w", err))
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
