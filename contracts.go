package ociwrap

import (
	"github.com/xregistry/ociwrap/internal/httpapi"
	"github.com/xregistry/ociwrap/internal/projector"
	"github.com/xregistry/ociwrap/internal/upstream"
)

// Compile-time checks that the upstream client and projector satisfy the
// handler's collaborator interfaces.
var (
	_ httpapi.Source           = (*upstream.Client)(nil)
	_ httpapi.VersionProjector = (*projector.Projector)(nil)
)
