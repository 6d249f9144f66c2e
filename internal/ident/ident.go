// Package ident maps OCI repository names to xRegistry identifiers.
//
// OCI repository names may contain path separators ("library/nginx") which
// cannot appear inside a single xRegistry path segment. The codec swaps "/"
// for "~", which is valid in an identifier segment and never occurs in a
// repository name.
package ident

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/distribution/reference"

	"github.com/xregistry/ociwrap/core"
)

// The reference package exports unanchored expressions; anchor them so a
// match covers the whole segment.
var (
	repoRe   = regexp.MustCompile(`^(?:` + reference.NameRegexp.String() + `)$`)
	tagRe    = regexp.MustCompile(`^(?:` + reference.TagRegexp.String() + `)$`)
	digestRe = regexp.MustCompile(`^(?:` + reference.DigestRegexp.String() + `)$`)
)

// Encode converts an OCI repository name to an xRegistry identifier segment.
func Encode(repo string) string {
	return strings.ReplaceAll(repo, "/", "~")
}

// Decode converts an xRegistry identifier segment back to a repository name.
func Decode(id string) string {
	return strings.ReplaceAll(id, "~", "/")
}

// DecodeParam percent-decodes a raw path segment, decodes the identifier and
// validates that the result is a well-formed repository name.
func DecodeParam(raw string) (string, error) {
	seg, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed identifier %q", core.ErrInvalidInput, raw)
	}
	repo := Decode(seg)
	if !validRepository(repo) {
		return "", fmt.Errorf("%w: invalid image identifier %q", core.ErrInvalidInput, seg)
	}
	return repo, nil
}

// DecodeVersion percent-decodes a raw version segment and validates it as an
// OCI tag or digest reference.
func DecodeVersion(raw string) (string, error) {
	v, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed version %q", core.ErrInvalidInput, raw)
	}
	if !validVersion(v) {
		return "", fmt.Errorf("%w: invalid version identifier %q", core.ErrInvalidInput, v)
	}
	return v, nil
}

// Segment percent-encodes an identifier for use in a URL path.
func Segment(id string) string {
	return url.PathEscape(id)
}

func validRepository(repo string) bool {
	if repo == "" {
		return false
	}
	return repoRe.MatchString(repo)
}

func validVersion(v string) bool {
	if v == "" {
		return false
	}
	if strings.Contains(v, ":") {
		return digestRe.MatchString(v)
	}
	return tagRe.MatchString(v)
}
