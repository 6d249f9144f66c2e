// Package core provides the shared types and constants for ociwrap.
//
// This package exists to break import cycles between the root ociwrap package
// and internal implementation packages. The ociwrap package re-exports the
// public types from this package, so external users should import ociwrap
// directly, not ociwrap/core.
package core

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for common failure conditions.
var (
	// ErrNotFound indicates the requested registry, group, image, or version
	// does not exist.
	ErrNotFound = errors.New("ociwrap: not found")

	// ErrInvalidInput indicates a malformed request: bad identifier, bad
	// request flag, or a payload that fails shape validation.
	ErrInvalidInput = errors.New("ociwrap: invalid input")

	// ErrUnauthorized indicates the request lacks valid credentials.
	ErrUnauthorized = errors.New("ociwrap: unauthorized")

	// ErrForbidden indicates the upstream registry refused access to the
	// requested repository.
	ErrForbidden = errors.New("ociwrap: forbidden")

	// ErrEpochMismatch indicates a conditional request named an epoch the
	// entity does not have.
	ErrEpochMismatch = errors.New("ociwrap: epoch mismatch")

	// ErrBackendUnknown indicates the named backend is not configured.
	ErrBackendUnknown = errors.New("ociwrap: unknown backend")

	// ErrUpstream indicates the upstream registry failed or was unreachable.
	ErrUpstream = errors.New("ociwrap: upstream unavailable")
)

// Identity constants of the projected registry surface.
const (
	// SpecVersion is the xRegistry specification version served.
	SpecVersion = "1.0"

	// RegistryID identifies the synthetic top-level registry entity.
	RegistryID = "oci-wrapper"

	// GroupsType is the plural collection name for backend registries.
	GroupsType = "containerregistries"

	// GroupSingular is the singular form used in xid construction.
	GroupSingular = "containerregistry"

	// ResourcesType is the plural collection name for repositories.
	ResourcesType = "images"

	// ResourceSingular is the singular form used in xid construction.
	ResourceSingular = "image"

	// SchemaName is the schema identifier announced in capabilities.
	SchemaName = "xRegistry-json/1.0"

	// DefaultEpoch is the epoch of every entity in this read-only
	// projection.
	DefaultEpoch uint64 = 1
)

// TimeFormat is the wire format for entity timestamps: RFC 3339 in UTC with
// millisecond precision and a literal Z suffix.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the wire timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Backend describes one upstream OCI registry exposed as a group.
type Backend struct {
	// Name is the group identifier, e.g. "dockerhub".
	Name string
	// RegistryURL is the base URL of the upstream registry including scheme,
	// e.g. "https://registry-1.docker.io".
	RegistryURL string
	// Username for Basic auth and token service login. Empty means anonymous.
	Username string
	// Password or token for the upstream. Never logged or serialized.
	Password Secret
	// CatalogPath is the repository listing endpoint. Defaults to
	// "/v2/_catalog". The value "disabled" suppresses listing entirely.
	CatalogPath string
}

// CatalogDisabled is the CatalogPath value that suppresses repository listing.
const CatalogDisabled = "disabled"

// CatalogEnabled reports whether the backend supports repository listing.
func (b Backend) CatalogEnabled() bool {
	return b.CatalogPath != CatalogDisabled
}

// HasCredentials reports whether the backend carries upstream credentials.
func (b Backend) HasCredentials() bool {
	return b.Username != "" || b.Password.Reveal() != ""
}

// Host returns the host[:port] part of RegistryURL, used to key credentials.
func (b Backend) Host() string {
	u, err := url.Parse(b.RegistryURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// IsDockerHub reports whether the backend points at Docker Hub, whose
// repository names require a "library/" prefix for official images.
func (b Backend) IsDockerHub() bool {
	host := b.Host()
	return host == "registry-1.docker.io" || host == "index.docker.io" ||
		strings.HasSuffix(host, ".docker.io")
}

// ImageMetadata is the metadata projected from one manifest (and, when
// reachable, its config blob) for a single version.
type ImageMetadata struct {
	// Digest is the manifest digest as reported by the upstream, or computed
	// from the body when the upstream omits the header.
	Digest string
	// MediaType is the manifest media type after classification.
	MediaType string
	// SchemaVersion is the manifest schemaVersion field.
	SchemaVersion int

	// SizeBytes is the total of all layer sizes. Nil when any layer size is
	// unknown (legacy schema 1 manifests).
	SizeBytes *int64

	// Created is the image creation time from the config blob, when present.
	Created *time.Time

	// Description resolved by the label probe order, empty when absent.
	Description string

	// Labels are the raw config labels.
	Labels map[string]string

	// OCILabels is the subset of Labels under the well-known
	// org.opencontainers.image.* keys.
	OCILabels map[string]string

	// Runtime configuration from the config blob.
	Env          []string
	Entrypoint   []string
	Cmd          []string
	User         string
	WorkingDir   string
	ExposedPorts []string
	Volumes      []string

	// Platform facts. For single-platform images Architecture and OS come
	// from the config blob. For multi-platform manifests they describe the
	// selected entry and AvailablePlatforms lists every entry.
	Architecture       string
	OS                 string
	IsMultiPlatform    bool
	AvailablePlatforms []PlatformInfo

	// Layers in manifest order.
	Layers []LayerInfo

	// BuildHistory from the config history entries that carry a created_by.
	BuildHistory []BuildStep

	// Partial is set when the config blob could not be fetched and carries a
	// short reason. Manifest-level facts above remain valid.
	Partial string
}

// PlatformInfo describes one entry of a multi-platform manifest.
type PlatformInfo struct {
	Architecture string
	OS           string
	Variant      string
	Digest       string
	Size         int64
	MediaType    string
}

// LayerInfo describes one layer of a manifest.
type LayerInfo struct {
	Digest    string
	MediaType string
	// Size in bytes. Zero means unknown (schema 1 blobSums carry no size).
	Size int64
}

// BuildStep is one numbered entry of the projected build history.
type BuildStep struct {
	Step       int
	CreatedBy  string
	Created    *time.Time
	EmptyLayer bool
	Comment    string
}

// DefaultTag selects the default version for a tag list: "latest" when
// present, otherwise the first tag. Empty when no tags exist.
func DefaultTag(tags []string) string {
	for _, t := range tags {
		if t == "latest" {
			return t
		}
	}
	if len(tags) > 0 {
		return tags[0]
	}
	return ""
}
