package ociwrap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xregistry/ociwrap/internal/testutil"
)

func seedServerImage(t *testing.T, reg *testutil.FakeRegistry) {
	t.Helper()
	created := time.Date(2024, 5, 20, 8, 30, 0, 0, time.UTC)
	reg.SeedImage(t, "nginx", "latest", ocispec.Image{
		Created:  &created,
		Platform: ocispec.Platform{Architecture: "amd64", OS: "linux"},
	}, 4096)
}

func serveTest(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var doc map[string]any
	if len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, &doc), "body: %s", body)
	}
	return resp.StatusCode, doc
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	srv, err := New()
	require.NoError(t, err)
	assert.Equal(t, []string{"dockerhub"}, srv.BackendNames())
	assert.NoError(t, srv.PurgeCache(), "purging without a cache is a no-op")
}

func TestNewRejectsBadBackends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		backends []Backend
	}{
		{"missing name", []Backend{{RegistryURL: "https://reg.example"}}},
		{"bad url", []Backend{{Name: "x", RegistryURL: "not a url"}}},
		{"bad scheme", []Backend{{Name: "x", RegistryURL: "ftp://reg.example"}}},
		{"duplicate", []Backend{
			{Name: "x", RegistryURL: "https://a.example"},
			{Name: "x", RegistryURL: "https://b.example"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(WithBackends(tt.backends))
			assert.Error(t, err)
		})
	}
}

func TestServerServesRegistry(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(t)
	seedServerImage(t, reg)

	_, ts := serveTest(t, WithBackends([]Backend{{Name: "hub", RegistryURL: reg.URL()}}))

	status, doc := getJSON(t, ts.URL+"/")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "oci-wrapper", doc["registryid"])
	assert.EqualValues(t, 1, doc["containerregistriescount"])

	status, doc = getJSON(t, ts.URL+"/containerregistries/hub/images/nginx")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "nginx", doc["imageid"])
	assert.Equal(t, "latest", doc["versionid"])
}

func TestWithBackendsJSONReplaces(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(t)
	seedServerImage(t, reg)

	envJSON := fmt.Sprintf(`[{"name":"fromenv","registryUrl":%q}]`, reg.URL())
	srv, _ := serveTest(t,
		WithBackends([]Backend{{Name: "fromfile", RegistryURL: "https://ignored.example"}}),
		WithBackendsJSON(envJSON),
	)

	assert.Equal(t, []string{"fromenv"}, srv.BackendNames())
}

func TestWithAPIKeysGatesServer(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(t)

	_, ts := serveTest(t,
		WithBackends([]Backend{{Name: "hub", RegistryURL: reg.URL()}}),
		WithAPIKeys([]string{"sesame"}),
	)

	status, doc := getJSON(t, ts.URL+"/")
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, doc["type"], "unauthorized")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sesame")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWithCacheDirPersistsProjections(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(t)
	seedServerImage(t, reg)

	dir := t.TempDir()
	srv, ts := serveTest(t,
		WithBackends([]Backend{{Name: "hub", RegistryURL: reg.URL()}}),
		WithCacheDir(dir),
	)

	status, _ := getJSON(t, ts.URL+"/containerregistries/hub/images/nginx/versions/latest")
	require.Equal(t, http.StatusOK, status)

	info, err := CacheStats(dir)
	require.NoError(t, err)
	assert.Positive(t, info.EntryCount)

	require.NoError(t, srv.PurgeCache())
	info, err = CacheStats(dir)
	require.NoError(t, err)
	assert.Zero(t, info.EntryCount)
}

func TestWithMetricsServesEndpoint(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(t)

	_, ts := serveTest(t,
		WithBackends([]Backend{{Name: "hub", RegistryURL: reg.URL()}}),
		WithMetrics(true),
	)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ociwrap_http_requests_total")
}

func TestWithBaseURLRewritesSelfLinks(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(t)

	_, ts := serveTest(t,
		WithBackends([]Backend{{Name: "hub", RegistryURL: reg.URL()}}),
		WithBaseURL("https://registry.example.com/"),
	)

	status, doc := getJSON(t, ts.URL+"/")
	require.Equal(t, http.StatusOK, status)
	self, _ := doc["self"].(string)
	assert.True(t, strings.HasPrefix(self, "https://registry.example.com/"), "self: %s", self)
}

func TestCheckBackend(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(t)

	srv, _ := serveTest(t, WithBackends([]Backend{{Name: "hub", RegistryURL: reg.URL()}}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NoError(t, srv.CheckBackend(ctx, "hub"))
	assert.ErrorIs(t, srv.CheckBackend(ctx, "nope"), ErrBackendUnknown)
}
