package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xregistry/ociwrap/core"
	"github.com/xregistry/ociwrap/internal/backends"
	"github.com/xregistry/ociwrap/internal/testutil"
	"github.com/xregistry/ociwrap/internal/upstream"
)

func newTestProjector(t *testing.T, registryURL string) (*Projector, core.Backend) {
	t.Helper()
	b := core.Backend{Name: "test", RegistryURL: registryURL, CatalogPath: "/v2/_catalog"}
	table, err := backends.New([]core.Backend{b}, "")
	require.NoError(t, err)
	return New(upstream.New(table, nil, nil), nil), b
}

// seedSubImage stores a config blob and an untagged manifest addressable
// only by digest, as index entries are.
func seedSubImage(t *testing.T, fake *testutil.FakeRegistry, repo string, cfg ocispec.Image, layerSize int64) (string, int64) {
	t.Helper()
	cfgJSON, err := json.Marshal(cfg)
	require.NoError(t, err)
	cfgDigest := fake.AddBlob(repo, cfgJSON)

	layer := []byte(fmt.Sprintf("layer-%s-%s", repo, cfgDigest))
	fake.AddBlob(repo, layer)

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.Digest(cfgDigest),
			Size:      int64(len(cfgJSON)),
		},
		Layers: []ocispec.Descriptor{{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    digest.FromBytes(layer),
			Size:      layerSize,
		}},
	}
	manifest.SchemaVersion = 2
	body, err := json.Marshal(manifest)
	require.NoError(t, err)
	dgst := digest.FromBytes(body).String()
	fake.AddManifest(repo, dgst, ocispec.MediaTypeImageManifest, body)
	return dgst, int64(len(body))
}

func TestProjectImageManifest(t *testing.T) {
	t.Parallel()

	fake := testutil.NewFakeRegistry(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cfg := ocispec.Image{Created: &created}
	cfg.Architecture = "amd64"
	cfg.OS = "linux"
	cfg.Config = ocispec.ImageConfig{
		User:       "app",
		WorkingDir: "/srv",
		Env:        []string{"PATH=/usr/bin", "MODE=prod"},
		Entrypoint: []string{"/entrypoint.sh"},
		Cmd:        []string{"serve"},
		ExposedPorts: map[string]struct{}{
			"8080/tcp": {}, "443/tcp": {},
		},
		Volumes: map[string]struct{}{"/data": {}},
		Labels: map[string]string{
			"org.opencontainers.image.description": "demo service",
			"org.opencontainers.image.vendor":      "acme",
			"org.opencontainers.image.version":     "1.2.3",
			"custom.label":                         "kept",
		},
	}
	cfg.History = []ocispec.History{
		{CreatedBy: "/bin/sh -c #(nop) ADD file:abc in / "},
		{Comment: "no created_by, skipped"},
		{CreatedBy: "/bin/sh -c apt-get update", EmptyLayer: false},
		{CreatedBy: "/bin/sh -c #(nop)  CMD [\"serve\"]", EmptyLayer: true},
	}

	fake.SeedImage(t, "demo/app", "v1", cfg, 100, 200)

	p, b := newTestProjector(t, fake.URL())
	md, err := p.Project(context.Background(), b, "demo/app", "v1")
	require.NoError(t, err)

	assert.Equal(t, ocispec.MediaTypeImageManifest, md.MediaType)
	assert.Equal(t, 2, md.SchemaVersion)
	assert.NotEmpty(t, md.Digest)
	assert.Empty(t, md.Partial)

	require.NotNil(t, md.SizeBytes)
	assert.Equal(t, int64(300), *md.SizeBytes)
	require.Len(t, md.Layers, 2)
	assert.Equal(t, int64(100), md.Layers[0].Size)

	assert.Equal(t, "amd64", md.Architecture)
	assert.Equal(t, "linux", md.OS)
	assert.False(t, md.IsMultiPlatform)
	require.NotNil(t, md.Created)
	assert.True(t, md.Created.Equal(created))

	assert.Equal(t, "demo service", md.Description)
	assert.Equal(t, map[string]string{
		"org.opencontainers.image.description": "demo service",
		"org.opencontainers.image.vendor":      "acme",
		"org.opencontainers.image.version":     "1.2.3",
		"custom.label":                         "kept",
	}, md.Labels)
	assert.Equal(t, map[string]string{
		"org.opencontainers.image.vendor":  "acme",
		"org.opencontainers.image.version": "1.2.3",
	}, md.OCILabels, "description key is not in the well-known set")

	assert.Equal(t, "app", md.User)
	assert.Equal(t, "/srv", md.WorkingDir)
	assert.Equal(t, []string{"PATH=/usr/bin", "MODE=prod"}, md.Env)
	assert.Equal(t, []string{"/entrypoint.sh"}, md.Entrypoint)
	assert.Equal(t, []string{"serve"}, md.Cmd)
	assert.Equal(t, []string{"443/tcp", "8080/tcp"}, md.ExposedPorts, "ports are sorted")
	assert.Equal(t, []string{"/data"}, md.Volumes)

	require.Len(t, md.BuildHistory, 3)
	assert.Equal(t, 1, md.BuildHistory[0].Step)
	assert.Equal(t, "ADD file:abc in /", md.BuildHistory[0].CreatedBy)
	assert.Equal(t, 2, md.BuildHistory[1].Step)
	assert.Equal(t, "RUN apt-get update", md.BuildHistory[1].CreatedBy)
	assert.Equal(t, 3, md.BuildHistory[2].Step)
	assert.True(t, md.BuildHistory[2].EmptyLayer)
}

func TestProjectIndex(t *testing.T) {
	t.Parallel()

	t.Run("prefers linux amd64", func(t *testing.T) {
		t.Parallel()
		fake := testutil.NewFakeRegistry(t)

		armCfg := ocispec.Image{}
		armCfg.Architecture = "arm64"
		armCfg.OS = "linux"
		armDigest, armSize := seedSubImage(t, fake, "dotnet/runtime", armCfg, 50)

		amdCfg := ocispec.Image{}
		amdCfg.Architecture = "amd64"
		amdCfg.OS = "linux"
		amdCfg.Config = ocispec.ImageConfig{
			Labels: map[string]string{"org.opencontainers.image.description": "runtime"},
		}
		amdDigest, amdSize := seedSubImage(t, fake, "dotnet/runtime", amdCfg, 75)

		indexDigest := fake.SeedIndex(t, "dotnet/runtime", "8.0", []ocispec.Descriptor{
			{
				MediaType: ocispec.MediaTypeImageManifest,
				Digest:    digest.Digest(armDigest),
				Size:      armSize,
				Platform:  &ocispec.Platform{Architecture: "arm64", OS: "linux", Variant: "v8"},
			},
			{
				MediaType: ocispec.MediaTypeImageManifest,
				Digest:    digest.Digest(amdDigest),
				Size:      amdSize,
				Platform:  &ocispec.Platform{Architecture: "amd64", OS: "linux"},
			},
		})

		p, b := newTestProjector(t, fake.URL())
		md, err := p.Project(context.Background(), b, "dotnet/runtime", "8.0")
		require.NoError(t, err)

		assert.Equal(t, indexDigest, md.Digest, "identity stays with the tagged index")
		assert.Equal(t, ocispec.MediaTypeImageIndex, md.MediaType)
		assert.True(t, md.IsMultiPlatform)
		require.Len(t, md.AvailablePlatforms, 2)
		assert.Equal(t, "arm64", md.AvailablePlatforms[0].Architecture)
		assert.Equal(t, "v8", md.AvailablePlatforms[0].Variant)
		assert.Equal(t, armDigest, md.AvailablePlatforms[0].Digest)

		assert.Equal(t, "amd64", md.Architecture)
		assert.Equal(t, "linux", md.OS)
		assert.Equal(t, "runtime", md.Description)
		require.Len(t, md.Layers, 1)
		assert.Equal(t, int64(75), md.Layers[0].Size)
		assert.Empty(t, md.Partial)
	})

	t.Run("falls back to first entry", func(t *testing.T) {
		t.Parallel()
		fake := testutil.NewFakeRegistry(t)

		cfg := ocispec.Image{}
		cfg.Architecture = "riscv64"
		cfg.OS = "linux"
		dgst, size := seedSubImage(t, fake, "exotic", cfg, 10)

		fake.SeedIndex(t, "exotic", "v1", []ocispec.Descriptor{{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    digest.Digest(dgst),
			Size:      size,
			Platform:  &ocispec.Platform{Architecture: "riscv64", OS: "linux"},
		}})

		p, b := newTestProjector(t, fake.URL())
		md, err := p.Project(context.Background(), b, "exotic", "v1")
		require.NoError(t, err)
		assert.Equal(t, "riscv64", md.Architecture)
		assert.True(t, md.IsMultiPlatform)
	})

	t.Run("empty index degrades", func(t *testing.T) {
		t.Parallel()
		fake := testutil.NewFakeRegistry(t)
		fake.SeedIndex(t, "hollow", "v1", nil)

		p, b := newTestProjector(t, fake.URL())
		md, err := p.Project(context.Background(), b, "hollow", "v1")
		require.NoError(t, err)
		assert.Equal(t, "index contains no manifests", md.Partial)
		assert.Equal(t, "Container image tag v1", md.Description)
	})
}

func TestProjectSchema1(t *testing.T) {
	t.Parallel()

	v1compat := `{"created":"2016-05-03T10:20:30.5Z","architecture":"amd64","os":"linux","Size":123456,"config":{"Labels":{"description":"old style"},"Env":["PATH=/bin"]}}`
	body := fmt.Sprintf(`{
		"schemaVersion": 1,
		"name": "legacy/app",
		"tag": "ancient",
		"architecture": "amd64",
		"fsLayers": [
			{"blobSum": "sha256:%s"},
			{"blobSum": "sha256:%s"}
		],
		"history": [
			{"v1Compatibility": %s}
		]
	}`, strings.Repeat("a", 64), strings.Repeat("b", 64), jsonString(v1compat))

	fake := testutil.NewFakeRegistry(t)
	fake.AddManifest("legacy/app", "ancient", upstream.MediaTypeDockerSchema1Signed, []byte(body))

	p, b := newTestProjector(t, fake.URL())
	md, err := p.Project(context.Background(), b, "legacy/app", "ancient")
	require.NoError(t, err)

	assert.Equal(t, 1, md.SchemaVersion)
	assert.Equal(t, "amd64", md.Architecture)
	assert.Equal(t, "linux", md.OS)
	require.NotNil(t, md.SizeBytes)
	assert.Equal(t, int64(123456), *md.SizeBytes)
	require.Len(t, md.Layers, 2)
	assert.Zero(t, md.Layers[0].Size, "schema1 layer sizes are unknown")
	assert.Equal(t, "old style", md.Description)
	assert.Equal(t, []string{"PATH=/bin"}, md.Env)
	require.NotNil(t, md.Created)
	assert.Equal(t, 2016, md.Created.Year())
}

// jsonString quotes s as a JSON string literal.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

type stubFetcher struct {
	manifests   map[string]*upstream.ManifestResult
	manifestErr map[string]error
	configs     map[string][]byte
	configErr   error
}

func (s *stubFetcher) Manifest(_ context.Context, _ core.Backend, _ string, ref string) (*upstream.ManifestResult, error) {
	if err, ok := s.manifestErr[ref]; ok {
		return nil, err
	}
	m, ok := s.manifests[ref]
	if !ok {
		return nil, fmt.Errorf("%w: no manifest %s", core.ErrNotFound, ref)
	}
	return m, nil
}

func (s *stubFetcher) ConfigBlob(_ context.Context, _ core.Backend, _ string, dgst string) ([]byte, error) {
	if s.configErr != nil {
		return nil, s.configErr
	}
	c, ok := s.configs[dgst]
	if !ok {
		return nil, fmt.Errorf("%w: no blob %s", core.ErrNotFound, dgst)
	}
	return c, nil
}

func TestProjectDegraded(t *testing.T) {
	t.Parallel()

	t.Run("config blob forbidden keeps manifest facts", func(t *testing.T) {
		t.Parallel()

		manifest := ocispec.Manifest{
			MediaType: ocispec.MediaTypeImageManifest,
			Config: ocispec.Descriptor{
				MediaType: ocispec.MediaTypeImageConfig,
				Digest:    digest.FromString("cfg"),
				Size:      10,
			},
			Layers: []ocispec.Descriptor{{
				MediaType: ocispec.MediaTypeImageLayerGzip,
				Digest:    digest.FromString("l1"),
				Size:      500,
			}},
		}
		manifest.SchemaVersion = 2
		body, err := json.Marshal(manifest)
		require.NoError(t, err)

		fetcher := &stubFetcher{
			manifests: map[string]*upstream.ManifestResult{
				"v1": {Body: body, Digest: digest.FromBytes(body).String(), MediaType: ocispec.MediaTypeImageManifest},
			},
			configErr: fmt.Errorf("denied: %w", core.ErrForbidden),
		}

		p := New(fetcher, nil)
		md, err := p.Project(context.Background(), core.Backend{Name: "b"}, "repo", "v1")
		require.NoError(t, err)

		assert.Equal(t, "config blob unavailable", md.Partial)
		require.Len(t, md.Layers, 1)
		require.NotNil(t, md.SizeBytes)
		assert.Equal(t, int64(500), *md.SizeBytes)
		assert.Equal(t, "Container image tag v1", md.Description)
	})

	t.Run("sub-manifest unavailable keeps platform facts", func(t *testing.T) {
		t.Parallel()

		sub := digest.FromString("sub")
		idx := ocispec.Index{
			MediaType: ocispec.MediaTypeImageIndex,
			Manifests: []ocispec.Descriptor{{
				MediaType: ocispec.MediaTypeImageManifest,
				Digest:    sub,
				Size:      42,
				Platform:  &ocispec.Platform{Architecture: "amd64", OS: "linux"},
			}},
		}
		idx.SchemaVersion = 2
		body, err := json.Marshal(idx)
		require.NoError(t, err)

		fetcher := &stubFetcher{
			manifests: map[string]*upstream.ManifestResult{
				"v1": {Body: body, Digest: digest.FromBytes(body).String(), MediaType: ocispec.MediaTypeImageIndex},
			},
			manifestErr: map[string]error{
				sub.String(): fmt.Errorf("denied: %w", core.ErrForbidden),
			},
		}

		p := New(fetcher, nil)
		md, err := p.Project(context.Background(), core.Backend{Name: "b"}, "repo", "v1")
		require.NoError(t, err)

		assert.Equal(t, "platform manifest unavailable", md.Partial)
		assert.True(t, md.IsMultiPlatform)
		assert.Equal(t, "amd64", md.Architecture)
		assert.Equal(t, "linux", md.OS)
		require.Len(t, md.AvailablePlatforms, 1)
	})
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		body        string
		want        kind
	}{
		{
			name:        "docker schema2 by header",
			contentType: upstream.MediaTypeDockerManifest,
			body:        `{}`,
			want:        kindManifest,
		},
		{
			name:        "header with parameters",
			contentType: upstream.MediaTypeDockerSchema1Signed + "; charset=utf-8",
			body:        `{}`,
			want:        kindSchema1,
		},
		{
			name:        "generic header falls back to body mediaType",
			contentType: "application/json",
			body:        `{"mediaType":"application/vnd.oci.image.index.v1+json"}`,
			want:        kindIndex,
		},
		{
			name:        "schema version 1 shape",
			contentType: "application/json",
			body:        `{"schemaVersion":1,"fsLayers":[{"blobSum":"sha256:x"}]}`,
			want:        kindSchema1,
		},
		{
			name:        "manifests array shape",
			contentType: "",
			body:        `{"schemaVersion":2,"manifests":[{"digest":"sha256:x"}]}`,
			want:        kindIndex,
		},
		{
			name:        "schema version 2 defaults to manifest",
			contentType: "",
			body:        `{"schemaVersion":2,"config":{}}`,
			want:        kindManifest,
		},
		{
			name:        "garbage",
			contentType: "",
			body:        `][`,
			want:        kindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, classify(tt.contentType, []byte(tt.body)))
		})
	}
}

func TestProjectUnknownType(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{
		manifests: map[string]*upstream.ManifestResult{
			"v1": {Body: []byte(`{"something":"else"}`), Digest: "sha256:x", MediaType: "text/plain"},
		},
	}
	p := New(fetcher, nil)
	_, err := p.Project(context.Background(), core.Backend{Name: "b"}, "repo", "v1")
	assert.ErrorIs(t, err, core.ErrUpstream)
}

func TestSumLayerSizes(t *testing.T) {
	t.Parallel()

	total := sumLayerSizes([]core.LayerInfo{{Size: 1}, {Size: 2}})
	require.NotNil(t, total)
	assert.Equal(t, int64(3), *total)

	assert.Nil(t, sumLayerSizes([]core.LayerInfo{{Size: 1}, {Size: 0}}))
	assert.Nil(t, sumLayerSizes(nil))
}

func TestCleanCreatedBy(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "COPY . /app", cleanCreatedBy("/bin/sh -c #(nop) COPY . /app"))
	assert.Equal(t, "RUN make build", cleanCreatedBy("/bin/sh -c make build"))
	assert.Equal(t, "custom builder step", cleanCreatedBy("custom builder step"))
}

func TestFinishDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{
			name:   "oci description wins",
			labels: map[string]string{"org.opencontainers.image.description": "a", "description": "b"},
			want:   "a",
		},
		{
			name:   "plain description key",
			labels: map[string]string{"description": "b", "DESCRIPTION": "c"},
			want:   "b",
		},
		{
			name:   "uppercase fallback",
			labels: map[string]string{"DESCRIPTION": "c"},
			want:   "c",
		},
		{
			name:   "title as last label resort",
			labels: map[string]string{"org.opencontainers.image.title": "titled"},
			want:   "titled",
		},
		{
			name:   "synthesized default",
			labels: nil,
			want:   "Container image tag v9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			md := &core.ImageMetadata{Labels: tt.labels}
			finishDescription(md, "v9")
			assert.Equal(t, tt.want, md.Description)
		})
	}
}
