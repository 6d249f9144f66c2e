package httpapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestETagConditional(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seedBasicImages(t, f.reg)

	path := "/containerregistries/dockerhub/images/nginx/versions/latest"

	first := f.get(t, path)
	require.Equal(t, http.StatusOK, first.StatusCode)
	etag := first.Header.Get("ETag")
	require.NotEmpty(t, etag)
	assert.Regexp(t, `^"[0-9a-f]{32}"$`, etag)

	t.Run("matching etag", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("If-None-Match", etag)
		resp := f.do(t, req)
		require.Equal(t, http.StatusNotModified, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Empty(t, body)
		assert.Equal(t, etag, resp.Header.Get("ETag"))
	})

	t.Run("wildcard", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("If-None-Match", "*")
		resp := f.do(t, req)
		assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	})

	t.Run("stale etag", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("If-None-Match", `"0123456789abcdef0123456789abcdef"`)
		resp := f.do(t, req)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestCollectionsCarryNoETag(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seedBasicImages(t, f.reg)

	for _, path := range []string{
		"/containerregistries",
		"/containerregistries/dockerhub/images",
		"/containerregistries/dockerhub/images/nginx/versions",
	} {
		resp := f.get(t, path)
		require.Equal(t, http.StatusOK, resp.StatusCode, "path %s", path)
		assert.Empty(t, resp.Header.Get("ETag"), "path %s", path)
	}
}

func TestOptionsPreflight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, path := range []string{"/", "/containerregistries/dockerhub/images/nginx"} {
		req, err := http.NewRequest(http.MethodOptions, f.srv.URL+path, nil)
		require.NoError(t, err)
		resp := f.do(t, req)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode, "path %s", path)
		assert.Equal(t, "GET, OPTIONS", resp.Header.Get("Allow"), "path %s", path)
		assert.Equal(t, "GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"), "path %s", path)
	}
}

func TestCORSHeadersOnResponses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	expose := resp.Header.Get("Access-Control-Expose-Headers")
	assert.Contains(t, expose, "Link")
	assert.Contains(t, expose, "ETag")
	assert.Contains(t, expose, "X-Registry-Details")
}

func TestDetailsSuffix(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seedBasicImages(t, f.reg)

	t.Run("resource", func(t *testing.T) {
		plain := f.get(t, "/containerregistries/dockerhub/images/nginx")
		require.Equal(t, http.StatusOK, plain.StatusCode)
		plainBody, err := io.ReadAll(plain.Body)
		require.NoError(t, err)

		details := f.get(t, "/containerregistries/dockerhub/images/nginx$details")
		require.Equal(t, http.StatusOK, details.StatusCode)
		assert.Equal(t, "true", details.Header.Get("X-Registry-Details"))
		detailsBody, err := io.ReadAll(details.Body)
		require.NoError(t, err)
		assert.JSONEq(t, string(plainBody), string(detailsBody))
	})

	t.Run("version", func(t *testing.T) {
		resp, doc := f.getDoc(t, "/containerregistries/dockerhub/images/nginx/versions/latest$details")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "true", resp.Header.Get("X-Registry-Details"))
		assert.Equal(t, "latest", docString(t, doc, "versionid"))
	})

	t.Run("plain responses unflagged", func(t *testing.T) {
		resp := f.get(t, "/containerregistries/dockerhub/images/nginx")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("X-Registry-Details"))
	})
}

func TestAcceptsJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		accept string
		want   bool
	}{
		{"", true},
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"*/*", true},
		{"application/*", true},
		{"text/html, application/json;q=0.9", true},
		{"text/html", false},
		{"application/xml", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.accept != "" {
			r.Header.Set("Accept", tt.accept)
		}
		assert.Equal(t, tt.want, acceptsJSON(r), "accept %q", tt.accept)
	}
}

func TestEtagMatches(t *testing.T) {
	t.Parallel()
	const etag = `"abc123"`
	tests := []struct {
		header string
		want   bool
	}{
		{`"abc123"`, true},
		{`W/"abc123"`, true},
		{"*", true},
		{`"other", "abc123"`, true},
		{`"other"`, false},
		{`abc123`, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, etagMatches(tt.header, etag), "header %q", tt.header)
	}
}
