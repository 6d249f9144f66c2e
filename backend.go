package ociwrap

import "github.com/xregistry/ociwrap/core"

// Type aliases re-exported from core package for server configuration.
type (
	// Backend describes one upstream OCI registry to project.
	Backend = core.Backend

	// Secret wraps an upstream credential. It refuses to serialize and
	// prints redacted, so tokens cannot leak through logs or responses.
	Secret = core.Secret

	// ImageMetadata is the projection of one manifest reference.
	ImageMetadata = core.ImageMetadata
)

// CatalogDisabled is the Backend.CatalogPath value that suppresses
// repository listing for backends without a catalog endpoint.
const CatalogDisabled = core.CatalogDisabled
