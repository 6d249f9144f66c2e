package projector

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/xregistry/ociwrap/core"
)

// descriptionKeys is the label probe order for the description attribute.
// org.opencontainers.image.title and a synthesized default follow it.
var descriptionKeys = []string{
	"org.opencontainers.image.description",
	"io.metadata.description",
	"description",
	"DESCRIPTION",
	"org.label-schema.description",
	"maintainer.description",
}

// ociLabelKeys is the well-known annotation set surfaced as oci_labels.
var ociLabelKeys = []string{
	"org.opencontainers.image.created",
	"org.opencontainers.image.authors",
	"org.opencontainers.image.url",
	"org.opencontainers.image.documentation",
	"org.opencontainers.image.source",
	"org.opencontainers.image.version",
	"org.opencontainers.image.revision",
	"org.opencontainers.image.vendor",
	"org.opencontainers.image.licenses",
	"org.opencontainers.image.title",
}

// applyConfigBlob folds an image config blob into the metadata. The config
// is authoritative for architecture and OS. A legacy "Size" property, when
// present, overrides the layer-sum size.
func applyConfigBlob(md *core.ImageMetadata, raw []byte) error {
	var cfg struct {
		ocispec.Image
		LegacySize int64 `json:"Size"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return err
	}
	md.Created = cfg.Created
	if cfg.Architecture != "" {
		md.Architecture = cfg.Architecture
	}
	if cfg.OS != "" {
		md.OS = cfg.OS
	}
	applyRuntime(md, cfg.Config)
	md.BuildHistory = buildHistory(cfg.History)
	if cfg.LegacySize > 0 {
		md.SizeBytes = &cfg.LegacySize
	}
	return nil
}

// applyV1Compatibility folds a schema 1 history[0].v1Compatibility payload
// into the metadata.
func applyV1Compatibility(md *core.ImageMetadata, raw string) error {
	var v1 struct {
		Created      *time.Time           `json:"created"`
		Architecture string               `json:"architecture"`
		OS           string               `json:"os"`
		Size         int64                `json:"Size"`
		SizeLower    int64                `json:"size"`
		Config       *ocispec.ImageConfig `json:"config"`
	}
	if err := json.Unmarshal([]byte(raw), &v1); err != nil {
		return err
	}
	md.Created = v1.Created
	if v1.Architecture != "" {
		md.Architecture = v1.Architecture
	}
	if v1.OS != "" {
		md.OS = v1.OS
	}
	size := v1.Size
	if size == 0 {
		size = v1.SizeLower
	}
	if size > 0 {
		md.SizeBytes = &size
	}
	if v1.Config != nil {
		applyRuntime(md, *v1.Config)
	}
	return nil
}

func applyRuntime(md *core.ImageMetadata, c ocispec.ImageConfig) {
	md.Env = c.Env
	md.Entrypoint = c.Entrypoint
	md.Cmd = c.Cmd
	md.User = c.User
	md.WorkingDir = c.WorkingDir
	md.ExposedPorts = sortedKeys(c.ExposedPorts)
	md.Volumes = sortedKeys(c.Volumes)
	md.Labels = c.Labels
	md.OCILabels = wellKnownLabels(c.Labels)
}

// buildHistory numbers the config history entries that carry a created_by,
// starting at 1.
func buildHistory(entries []ocispec.History) []core.BuildStep {
	var steps []core.BuildStep
	for _, h := range entries {
		if h.CreatedBy == "" {
			continue
		}
		steps = append(steps, core.BuildStep{
			Step:       len(steps) + 1,
			CreatedBy:  cleanCreatedBy(h.CreatedBy),
			Created:    h.Created,
			EmptyLayer: h.EmptyLayer,
			Comment:    h.Comment,
		})
	}
	return steps
}

// cleanCreatedBy strips the shell wrapper Docker puts around Dockerfile
// instructions so the build history reads like the original Dockerfile.
func cleanCreatedBy(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "/bin/sh -c #(nop) "); ok {
		return strings.TrimSpace(rest)
	}
	if rest, ok := strings.CutPrefix(s, "/bin/sh -c "); ok {
		return "RUN " + rest
	}
	return s
}

// finishDescription applies the label probe chain and the synthesized
// default once all config sources have been folded in.
func finishDescription(md *core.ImageMetadata, tag string) {
	if md.Description != "" {
		return
	}
	for _, key := range descriptionKeys {
		if v := md.Labels[key]; v != "" {
			md.Description = v
			return
		}
	}
	if v := md.Labels["org.opencontainers.image.title"]; v != "" {
		md.Description = v
		return
	}
	md.Description = "Container image tag " + tag
}

func wellKnownLabels(labels map[string]string) map[string]string {
	var out map[string]string
	for _, key := range ociLabelKeys {
		if v, ok := labels[key]; ok {
			if out == nil {
				out = make(map[string]string)
			}
			out[key] = v
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
