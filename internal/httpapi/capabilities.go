package httpapi

import (
	_ "embed"
	"fmt"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/xregistry/ociwrap/core"
)

//go:embed model.yaml
var modelYAML []byte

// modelDoc is the decoded registry model, parsed once at startup.
var modelDoc = mustModel()

func mustModel() map[string]any {
	var m map[string]any
	if err := yaml.Unmarshal(modelYAML, &m); err != nil {
		panic(fmt.Sprintf("httpapi: embedded model.yaml is invalid: %v", err))
	}
	return m
}

// supportedFlags is the advertised query-flag surface, sorted.
var supportedFlags = []string{
	"collections", "doc", "epoch", "filter", "inline", "limit",
	"noepoch", "noreadonly", "offset", "schema", "sort", "specversion",
}

func capabilitiesDoc() *core.Doc {
	return core.NewDoc().
		Set("apis", []string{"/capabilities", "/model"}).
		Set("flags", supportedFlags).
		Set("mutable", []string{}).
		Set("pagination", true).
		Set("schemas", []string{core.SchemaName}).
		Set("specversions", []string{core.SpecVersion})
}

func (h *Handler) getCapabilities(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, capabilitiesDoc())
}

func (h *Handler) getModel(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, modelDoc)
}

func (h *Handler) getHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, map[string]string{"status": "ok"})
}
