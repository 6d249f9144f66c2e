package ociwrap

import "github.com/xregistry/ociwrap/core"

// Sentinel errors for common failure conditions.
// Re-exported from core package.
var (
	// ErrNotFound indicates the requested group, image or version was not found.
	ErrNotFound = core.ErrNotFound

	// ErrInvalidInput indicates a malformed request flag or path segment.
	ErrInvalidInput = core.ErrInvalidInput

	// ErrUnauthorized indicates authentication against the upstream failed.
	ErrUnauthorized = core.ErrUnauthorized

	// ErrForbidden indicates the upstream denied access.
	ErrForbidden = core.ErrForbidden

	// ErrEpochMismatch indicates a conditional request named a stale epoch.
	ErrEpochMismatch = core.ErrEpochMismatch

	// ErrBackendUnknown indicates the named backend is not configured.
	ErrBackendUnknown = core.ErrBackendUnknown

	// ErrUpstream indicates the upstream registry could not be reached.
	ErrUpstream = core.ErrUpstream
)
